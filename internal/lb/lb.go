// Package lb implements the load balancer: SelectNode picks which
// live backend a read-only statement should be routed to, given the
// session's database/application name and the configured redirect
// preference lists.
package lb

import (
	"math/rand"

	"github.com/gpaulavicius/pgpool2/internal/config"
	"github.com/gpaulavicius/pgpool2/internal/registry"
)

// Rand is the entropy source SelectNode samples from; a package-level
// var so tests can substitute a deterministic source.
var Rand = rand.Float64

// SelectNode implements a five-step algorithm: database/
// application-name redirect preference lists take priority over the
// plain weighted-random default, and application name wins over
// database when both match.
func SelectNode(cfg *config.Config, snap registry.Snapshot, database, appName string) int {
	r := Rand()

	if appName != "" {
		if node, ok := resolveSuggestion(cfg.AppNameRedirect, appName, snap, r); ok {
			return node
		}
	}
	if database != "" {
		if node, ok := resolveSuggestion(cfg.DatabaseRedirect, database, snap, r); ok {
			return node
		}
	}

	return weightedRandomLive(cfg, snap, r, -1)
}

// resolveSuggestion implements steps 2-4: find a matching redirect
// rule, then resolve its target ("primary", "standby", or a literal
// node id) against the sampled r.
func resolveSuggestion(rules []config.RedirectRule, subject string, snap registry.Snapshot, r float64) (int, bool) {
	rule, ok := matchRule(rules, subject)
	if !ok {
		return 0, false
	}

	switch rule.Target {
	case "primary":
		if r < rule.Weight {
			return snap.PrimaryNodeID, true
		}
		return weightedRandomLive(nil, snap, reroll(r, rule.Weight), snap.PrimaryNodeID), true
	case "standby":
		if r < rule.Weight {
			return weightedRandomLive(nil, snap, r/rule.Weight, -2), true
		}
		return snap.PrimaryNodeID, true
	default:
		nodeID, isID := parseNodeID(rule.Target)
		if !isID || !isLive(snap, nodeID) {
			return 0, false
		}
		if r < rule.Weight {
			return nodeID, true
		}
		return weightedRandomLive(nil, snap, reroll(r, rule.Weight), nodeID), true
	}
}

// reroll re-uses the already-sampled r for the weighted fallback
// instead of drawing fresh entropy, keeping SelectNode's one call to
// Rand per invocation deterministic for a given r in tests.
func reroll(r, consumed float64) float64 {
	if consumed >= 1 {
		return r
	}
	return (r - consumed) / (1 - consumed)
}

func matchRule(rules []config.RedirectRule, subject string) (config.RedirectRule, bool) {
	for _, rule := range rules {
		if rule.Pattern == "*" || rule.Pattern == subject {
			return rule, true
		}
	}
	return config.RedirectRule{}, false
}

func parseNodeID(s string) (int, bool) {
	n := 0
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}

func isLive(snap registry.Snapshot, nodeID int) bool {
	if nodeID < 0 || nodeID >= len(snap.Backends) {
		return false
	}
	return snap.Backends[nodeID].Status == config.StatusUp
}

// weightedRandomLive samples among live (Up) nodes weighted by
// configured backend_weight, per step 5's default. exclude == -1 means
// no exclusion; exclude == -2 means "standbys only" (exclude the
// primary).
func weightedRandomLive(cfg *config.Config, snap registry.Snapshot, r float64, exclude int) int {
	var total float64
	type cand struct {
		id int
		weight float64
	}
	var cands []cand
	for i, b := range snap.Backends {
		if b.Status != config.StatusUp {
			continue
		}
		if exclude == -2 && i == snap.PrimaryNodeID {
			continue
		}
		if exclude >= 0 && i == exclude {
			continue
		}
		w := b.Desc.Weight
		if w <= 0 {
			w = 1
		}
		total += w
		cands = append(cands, cand{id: i, weight: w})
	}
	if len(cands) == 0 {
		return snap.MasterNodeID
	}
	target := r * total
	var acc float64
	for _, c := range cands {
		acc += c.weight
		if target < acc {
			return c.id
		}
	}
	return cands[len(cands)-1].id
}
