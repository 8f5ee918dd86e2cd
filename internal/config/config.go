// Package config holds the typed configuration consumed by the core.
// Parsing pgpool.conf, pool_hba.conf and pcp.conf is out of scope for
// this module — operators (or a wrapper CLI) populate this struct
// however they like; the core only ever sees the typed form.
package config

import "time"

// BackendRole mirrors BackendDescriptor.Role.
type BackendRole int

const (
	RoleUnknown BackendRole = iota
	RolePrimary
	RoleStandby
)

func (r BackendRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleStandby:
		return "standby"
	default:
		return "unknown"
	}
}

// BackendStatus mirrors BackendDescriptor.Status.
type BackendStatus int

const (
	StatusUp BackendStatus = iota
	StatusConnectWait
	StatusDown
	StatusQuarantined
)

func (s BackendStatus) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusConnectWait:
		return "connect_wait"
	case StatusDown:
		return "down"
	case StatusQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// BackendDescriptor is the static configuration of one PostgreSQL
// backend node, plus its live status and role.
type BackendDescriptor struct {
	NodeID int
	Hostname string
	Port int
	Weight float64
	Role BackendRole
	Status BackendStatus
}

// RedirectRule is one entry of database_redirect_preference_list or
// app_name_redirect_preference_list.
type RedirectRule struct {
	Pattern string // dbname or application_name to match, may be "*"
	Target string // "primary", "standby", or a literal node id
	Weight float64
}

// WatchdogPeer is the static identity of one watchdog peer.
type WatchdogPeer struct {
	Hostname string
	WdPort int
	PgpoolPort int
	Priority int
	Delegate bool // escalates the delegate IP when coordinator
}

// Config is the full typed configuration the core needs. Everything
// here would, in a complete deployment, be populated from
// pgpool.conf; this module never parses that file itself.
type Config struct {
	ListenAddresses []string
	Port int

	Backends []BackendDescriptor

	MaxPool int
	MaxChildren int
	ChildMaxConnections int
	ReservedConnections int
	ChildLifeTime time.Duration
	ConnectionLifeTime time.Duration
	AuthTimeout time.Duration

	LoadBalanceMode bool
	DatabaseRedirect []RedirectRule
	AppNameRedirect []RedirectRule

	PoolHBAEnabled bool

	// Watchdog
	WatchdogEnabled bool
	Self WatchdogPeer
	Peers []WatchdogPeer
	WdAuthKey string
	WdPriority int
	EnableConsensusWithHalf bool
	QuorumRequired bool
	AllowMultipleFailoverRequestsFromNode bool

	// Persistent state
	PIDFile string
	StatusFile string

	LogLevel string

	// Template-like database names that are never cached back into the
	// pool.
	TemplateDatabases []string
}

func DefaultTemplateDatabases() []string {
	return []string{"template0", "template1", "postgres", "regression"}
}

// IsTemplateDatabase reports whether db must never be cached, per
// backend-caching exception.
func (c *Config) IsTemplateDatabase(db string) bool {
	names := c.TemplateDatabases
	if len(names) == 0 {
		names = DefaultTemplateDatabases()
	}
	for _, n := range names {
		if n == db {
			return true
		}
	}
	return false
}

// NumBackends is a convenience accessor used throughout the core.
func (c *Config) NumBackends() int {
	return len(c.Backends)
}
