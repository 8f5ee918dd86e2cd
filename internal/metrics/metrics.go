// Package metrics emits the proxy's operational counters/gauges over
// statsd using github.com/DataDog/datadog-go/v5, the statsd client a
// PostgreSQL-fronting Go service would carry for exactly this kind of
// metrics surface.
package metrics

import (
	"strconv"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// Sink is the narrow statsd surface this package actually calls,
// so tests can substitute a recording fake instead of a live UDP
// client.
type Sink interface {
	Gauge(name string, value float64, tags []string, rate float64) error
	Count(name string, value int64, tags []string, rate float64) error
	Incr(name string, tags []string, rate float64) error
	Close() error
}

// Recorder wraps a Sink with the proxy's named metrics.
type Recorder struct {
	sink Sink
	tags []string
}

// New dials a statsd client at addr (host:port, typically the dogstatsd
// agent's UDP listener). addr == "" disables metrics (Noop).
func New(addr string, constantTags ...string) (*Recorder, error) {
	if addr == "" {
		return &Recorder{sink: noop{}}, nil
	}
	c, err := statsd.New(addr, statsd.WithTags(constantTags))
	if err != nil {
		return nil, err
	}
	return &Recorder{sink: c, tags: constantTags}, nil
}

func (r *Recorder) Close() error { return r.sink.Close() }

// ConnCounter publishes a reading of registry.ClusterRegistry's
// connCounter as a gauge; cmd/pgpool2's status loop calls it each time
// it flushes a status change.
func (r *Recorder) ConnCounter(v int32) {
	r.sink.Gauge("pgpool.conn_counter", float64(v), nil, 1)
}

// PoolHit/PoolMiss/PoolDiscard count pool Acquire hits, misses and
// discards; internal/pool does not call them.
func (r *Recorder) PoolHit() { r.sink.Incr("pgpool.pool.hit", nil, 1) }
func (r *Recorder) PoolMiss() { r.sink.Incr("pgpool.pool.miss", nil, 1) }
func (r *Recorder) PoolDiscard() { r.sink.Incr("pgpool.pool.discard", nil, 1) }

// Switching mirrors registry.ClusterRegistry.IsSwitching as a gauge
// (1 while a failover is in flight, 0 otherwise).
func (r *Recorder) Switching(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	r.sink.Gauge("pgpool.switching", v, nil, 1)
}

// FailoverVote tracks one internal/watchdog/consensus vote outcome by
// decision string ("proceed", "no_quorum", "building_consensus",
// "consensus_may_fail").
func (r *Recorder) FailoverVote(decision string) {
	r.sink.Incr("pgpool.failover.vote", []string{"decision:" + decision}, 1)
}

// WatchdogTransition tracks one internal/watchdog/fsm state
// transition.
func (r *Recorder) WatchdogTransition(from, to string) {
	r.sink.Incr("pgpool.watchdog.transition", []string{"from:" + from, "to:" + to}, 1)
}

// BackendStatus tracks a node's status change by node id and new status string.
func (r *Recorder) BackendStatus(nodeID int, status string) {
	r.sink.Gauge("pgpool.backend.status", float64(statusCode(status)), []string{
		"node_id:" + strconv.Itoa(nodeID),
		"status:" + status,
	}, 1)
}

func statusCode(status string) int {
	switch status {
	case "up":
		return 0
	case "connect_wait":
		return 1
	case "down":
		return 2
	case "quarantined":
		return 3
	default:
		return -1
	}
}

// noop satisfies Sink when metrics are disabled.
type noop struct{}

func (noop) Gauge(string, float64, []string, float64) error { return nil }
func (noop) Count(string, int64, []string, float64) error { return nil }
func (noop) Incr(string, []string, float64) error { return nil }
func (noop) Close() error { return nil }
