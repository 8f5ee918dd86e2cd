package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gpaulavicius/pgpool2/internal/config"
)

// fileConfig is the JSON document --config points at. Parsing
// pgpool.conf/pool_hba.conf/pcp.conf's own text format is explicitly
// out of scope — this is this CLI wrapper's own operator-facing
// format for populating the typed config.Config the core actually
// consumes.
type fileConfig struct {
	ListenAddresses []string `json:"listen_addresses"`
	Port int `json:"port"`

	Backends []backendJSON `json:"backends"`

	MaxPool int `json:"max_pool"`
	MaxChildren int `json:"max_children"`
	ChildMaxConnections int `json:"child_max_connections"`
	ReservedConnections int `json:"reserved_connections"`
	ChildLifeTime string `json:"child_life_time"`
	ConnectionLifeTime string `json:"connection_life_time"`
	AuthTimeout string `json:"auth_timeout"`

	LoadBalanceMode bool `json:"load_balance_mode"`
	DatabaseRedirect []redirectJSON `json:"database_redirect_preference_list"`
	AppNameRedirect []redirectJSON `json:"app_name_redirect_preference_list"`

	PoolHBAEnabled bool `json:"pool_hba_enabled"`

	WatchdogEnabled bool `json:"watchdog_enabled"`
	Self watchdogJSON `json:"self"`
	Peers []watchdogJSON `json:"peers"`
	WdAuthKey string `json:"wd_auth_key"`
	WdPriority int `json:"wd_priority"`
	EnableConsensusWithHalf bool `json:"enable_consensus_with_half_votes"`
	QuorumRequired bool `json:"quorum_required"`
	AllowMultipleFailoverRequestsFromNode bool `json:"allow_multiple_failover_requests_from_node"`

	PIDFile string `json:"pid_file"`
	StatusFile string `json:"status_file"`

	LogLevel string `json:"log_level"`

	TemplateDatabases []string `json:"template_databases"`

	IPCSocket string `json:"ipc_socket"`
	MetricsAddr string `json:"metrics_addr"`
	EtcdEndpoints []string `json:"etcd_endpoints"`
	EtcdStatusKey string `json:"etcd_status_key"`
}

type backendJSON struct {
	NodeID int `json:"node_id"`
	Hostname string `json:"hostname"`
	Port int `json:"port"`
	Weight float64 `json:"weight"`
	Role string `json:"role"`
}

type redirectJSON struct {
	Pattern string `json:"pattern"`
	Target string `json:"target"`
	Weight float64 `json:"weight"`
}

type watchdogJSON struct {
	Hostname string `json:"hostname"`
	WdPort int `json:"wd_port"`
	PgpoolPort int `json:"pgpool_port"`
	Priority int `json:"priority"`
	Delegate bool `json:"delegate"`
}

func loadConfigFile(path string) (*config.Config, *appExtras, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading config file: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, nil, fmt.Errorf("parsing config file: %w", err)
	}

	childLife, err := parseDurationOrDefault(fc.ChildLifeTime, 5*time.Minute)
	if err != nil {
		return nil, nil, err
	}
	connLife, err := parseDurationOrDefault(fc.ConnectionLifeTime, 0)
	if err != nil {
		return nil, nil, err
	}
	authTimeout, err := parseDurationOrDefault(fc.AuthTimeout, 1*time.Minute)
	if err != nil {
		return nil, nil, err
	}

	backends := make([]config.BackendDescriptor, len(fc.Backends))
	for i, b := range fc.Backends {
		backends[i] = config.BackendDescriptor{
			NodeID: b.NodeID,
			Hostname: b.Hostname,
			Port: b.Port,
			Weight: b.Weight,
			Role: parseRole(b.Role),
			Status: config.StatusUp,
		}
	}

	cfg := &config.Config{
		ListenAddresses: fc.ListenAddresses,
		Port: fc.Port,
		Backends: backends,
		MaxPool: fc.MaxPool,
		MaxChildren: fc.MaxChildren,
		ChildMaxConnections: fc.ChildMaxConnections,
		ReservedConnections: fc.ReservedConnections,
		ChildLifeTime: childLife,
		ConnectionLifeTime: connLife,
		AuthTimeout: authTimeout,
		LoadBalanceMode: fc.LoadBalanceMode,
		DatabaseRedirect: toRedirectRules(fc.DatabaseRedirect),
		AppNameRedirect: toRedirectRules(fc.AppNameRedirect),
		PoolHBAEnabled: fc.PoolHBAEnabled,
		WatchdogEnabled: fc.WatchdogEnabled,
		Self: toWatchdogPeer(fc.Self),
		Peers: toWatchdogPeers(fc.Peers),
		WdAuthKey: fc.WdAuthKey,
		WdPriority: fc.WdPriority,
		EnableConsensusWithHalf: fc.EnableConsensusWithHalf,
		QuorumRequired: fc.QuorumRequired,
		AllowMultipleFailoverRequestsFromNode: fc.AllowMultipleFailoverRequestsFromNode,
		PIDFile: fc.PIDFile,
		StatusFile: fc.StatusFile,
		LogLevel: fc.LogLevel,
		TemplateDatabases: fc.TemplateDatabases,
	}

	extras := &appExtras{
		IPCSocket: fc.IPCSocket,
		MetricsAddr: fc.MetricsAddr,
		EtcdEndpoints: fc.EtcdEndpoints,
		EtcdStatusKey: fc.EtcdStatusKey,
	}
	return cfg, extras, nil
}

// appExtras holds the fields the wiring in root.go needs that aren't
// part of config.Config proper (IPC socket path, metrics sink address,
// optional etcd mirror) — kept separate so internal/config stays a
// pure description of proxy behavior, not of this CLI's own plumbing.
type appExtras struct {
	IPCSocket string
	MetricsAddr string
	EtcdEndpoints []string
	EtcdStatusKey string
}

func parseDurationOrDefault(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

func parseRole(s string) config.BackendRole {
	switch s {
	case "primary":
		return config.RolePrimary
	case "standby":
		return config.RoleStandby
	default:
		return config.RoleUnknown
	}
}

func toRedirectRules(in []redirectJSON) []config.RedirectRule {
	out := make([]config.RedirectRule, len(in))
	for i, r := range in {
		out[i] = config.RedirectRule{Pattern: r.Pattern, Target: r.Target, Weight: r.Weight}
	}
	return out
}

func toWatchdogPeer(w watchdogJSON) config.WatchdogPeer {
	return config.WatchdogPeer{Hostname: w.Hostname, WdPort: w.WdPort, PgpoolPort: w.PgpoolPort, Priority: w.Priority, Delegate: w.Delegate}
}

func toWatchdogPeers(in []watchdogJSON) []config.WatchdogPeer {
	out := make([]config.WatchdogPeer, len(in))
	for i, w := range in {
		out[i] = toWatchdogPeer(w)
	}
	return out
}

func validateConfig(cfg *config.Config) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}
	if cfg.MaxPool <= 0 {
		return fmt.Errorf("max_pool must be positive")
	}
	if cfg.MaxChildren <= 0 {
		return fmt.Errorf("max_children must be positive")
	}
	if cfg.WatchdogEnabled && cfg.WdAuthKey == "" {
		return fmt.Errorf("watchdog_enabled requires wd_auth_key")
	}
	return nil
}
