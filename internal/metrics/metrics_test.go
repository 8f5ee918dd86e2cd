package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	gauges []gaugeCall
	incrs []incrCall
	closed bool
}

type gaugeCall struct {
	name string
	value float64
	tags []string
}

type incrCall struct {
	name string
	tags []string
}

func (f *fakeSink) Gauge(name string, value float64, tags []string, rate float64) error {
	f.gauges = append(f.gauges, gaugeCall{name, value, tags})
	return nil
}

func (f *fakeSink) Count(name string, value int64, tags []string, rate float64) error { return nil }

func (f *fakeSink) Incr(name string, tags []string, rate float64) error {
	f.incrs = append(f.incrs, incrCall{name, tags})
	return nil
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

func TestNewWithEmptyAddrIsNoop(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	// Noop must tolerate every call without panicking.
	r.ConnCounter(3)
	r.PoolHit()
	r.Switching(true)
}

func TestConnCounterEmitsGauge(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{sink: sink}

	r.ConnCounter(5)
	require.Len(t, sink.gauges, 1)
	assert.Equal(t, "pgpool.conn_counter", sink.gauges[0].name)
	assert.Equal(t, 5.0, sink.gauges[0].value)
}

func TestSwitchingTogglesGaugeValue(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{sink: sink}

	r.Switching(true)
	r.Switching(false)
	require.Len(t, sink.gauges, 2)
	assert.Equal(t, 1.0, sink.gauges[0].value)
	assert.Equal(t, 0.0, sink.gauges[1].value)
}

func TestPoolCountersIncrementDistinctNames(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{sink: sink}

	r.PoolHit()
	r.PoolMiss()
	r.PoolDiscard()
	require.Len(t, sink.incrs, 3)
	assert.Equal(t, "pgpool.pool.hit", sink.incrs[0].name)
	assert.Equal(t, "pgpool.pool.miss", sink.incrs[1].name)
	assert.Equal(t, "pgpool.pool.discard", sink.incrs[2].name)
}

func TestFailoverVoteTagsByDecision(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{sink: sink}

	r.FailoverVote("proceed")
	require.Len(t, sink.incrs, 1)
	assert.Contains(t, sink.incrs[0].tags, "decision:proceed")
}

func TestWatchdogTransitionTagsFromAndTo(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{sink: sink}

	r.WatchdogTransition("standby", "coordinator")
	require.Len(t, sink.incrs, 1)
	assert.Contains(t, sink.incrs[0].tags, "from:standby")
	assert.Contains(t, sink.incrs[0].tags, "to:coordinator")
}

func TestBackendStatusEncodesKnownStatusCodes(t *testing.T) {
	cases := map[string]int{
		"up": 0,
		"connect_wait": 1,
		"down": 2,
		"quarantined": 3,
		"bogus": -1,
	}
	for status, code := range cases {
		assert.Equal(t, code, statusCode(status), status)
	}
}

func TestCloseDelegatesToSink(t *testing.T) {
	sink := &fakeSink{}
	r := &Recorder{sink: sink}
	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
}
