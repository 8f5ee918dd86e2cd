package lb

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

func snapshotOf(backends ...registry.BackendState) registry.Snapshot {
	snap := registry.Snapshot{Backends: backends, MasterNodeID: -1, PrimaryNodeID: -1}
	for i, b := range backends {
		if b.Status == config.StatusUp && snap.MasterNodeID == -1 {
			snap.MasterNodeID = i
		}
		if b.Role == config.RolePrimary && b.Status == config.StatusUp {
			snap.PrimaryNodeID = i
		}
	}
	return snap
}

func withRand(t *testing.T, values ...float64) {
	t.Helper()
	i := 0
	orig := Rand
	Rand = func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}
	t.Cleanup(func() { Rand = orig })
}

func TestSelectNodeDefaultWeightedRandom(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 1, Weight: 1}, Status: config.StatusUp, Role: config.RoleStandby},
	)
	cfg := &config.Config{}

	withRand(t, 0.1)
	assert.Equal(t, 0, SelectNode(cfg, snap, "", ""))

	withRand(t, 0.9)
	assert.Equal(t, 1, SelectNode(cfg, snap, "", ""))
}

func TestSelectNodeSkipsDownNodes(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 1, Weight: 1}, Status: config.StatusDown, Role: config.RoleStandby},
	)
	cfg := &config.Config{}

	withRand(t, 0.99)
	assert.Equal(t, 0, SelectNode(cfg, snap, "", ""))
}

func TestSelectNodeDatabaseRedirectToStandby(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 1, Weight: 1}, Status: config.StatusUp, Role: config.RoleStandby},
	)
	cfg := &config.Config{
		DatabaseRedirect: []config.RedirectRule{{Pattern: "reporting", Target: "standby", Weight: 1}},
	}

	withRand(t, 0.5)
	assert.Equal(t, 1, SelectNode(cfg, snap, "reporting", ""))
}

func TestSelectNodeAppNameWinsOverDatabase(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 1, Weight: 1}, Status: config.StatusUp, Role: config.RoleStandby},
	)
	cfg := &config.Config{
		DatabaseRedirect: []config.RedirectRule{{Pattern: "*", Target: "standby", Weight: 1}},
		AppNameRedirect: []config.RedirectRule{{Pattern: "batch", Target: "primary", Weight: 1}},
	}

	withRand(t, 0.1)
	assert.Equal(t, 0, SelectNode(cfg, snap, "anydb", "batch"))
}

func TestSelectNodeLiteralNodeIDTarget(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 1, Weight: 1}, Status: config.StatusUp, Role: config.RoleStandby},
	)
	cfg := &config.Config{
		DatabaseRedirect: []config.RedirectRule{{Pattern: "app", Target: "1", Weight: 1}},
	}

	withRand(t, 0.1)
	assert.Equal(t, 1, SelectNode(cfg, snap, "app", ""))
}

func TestSelectNodeLiteralTargetDownFallsThrough(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 1, Weight: 1}, Status: config.StatusDown, Role: config.RoleStandby},
	)
	cfg := &config.Config{
		DatabaseRedirect: []config.RedirectRule{{Pattern: "app", Target: "1", Weight: 1}},
	}

	withRand(t, 0.1)
	assert.Equal(t, 0, SelectNode(cfg, snap, "app", ""))
}

func TestSelectNodeNoLiveNodesFallsBackToMaster(t *testing.T) {
	snap := snapshotOf(
		registry.BackendState{Desc: config.BackendDescriptor{NodeID: 0, Weight: 1}, Status: config.StatusUp, Role: config.RolePrimary},
	)
	snap.MasterNodeID = 0
	for i := range snap.Backends {
		snap.Backends[i].Status = config.StatusDown
	}
	cfg := &config.Config{}

	withRand(t, 0.1)
	assert.Equal(t, 0, SelectNode(cfg, snap, "", ""))
}
