// Package collision arbitrates overlapping operations within a session.
// Before a mutation runs it must reserve everything it intends to touch;
// two in-flight operations may never share a file, symbol, or graph
// mutation, and external side effects must be gated by the accepted plan.
package collision

import (
	"sort"
	"sync"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Guard holds the reservations of one session.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]contracts.IntendedEffectSet
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{inflight: make(map[string]contracts.IntendedEffectSet)}
}

// AssertAndReserve checks the effect set against approved gates and current
// reservations, then reserves it under opID. Check and reserve are one
// atomic step.
func (g *Guard) AssertAndReserve(opID string, effects contracts.IntendedEffectSet, approvedGates []string) *contracts.Deny {
	gates := make(map[string]struct{}, len(approvedGates))
	for _, a := range approvedGates {
		gates[a] = struct{}{}
	}
	for _, ext := range effects.ExternalSideEffects {
		if _, ok := gates[ext]; !ok {
			return contracts.NewDeny(contracts.RejExecUngatedSideEffect,
				"external side effect %q has no approved commit gate; approved gates: %v", ext, approvedGates)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for otherID, other := range g.inflight {
		if otherID == opID {
			continue
		}
		if hit := firstOverlap(effects, other); hit != "" {
			return contracts.NewDeny(contracts.RejPlanScopeViolation,
				"effect %q collides with in-flight operation %s; retry after it completes", hit, otherID)
		}
	}
	g.inflight[opID] = effects
	return nil
}

// Release drops the reservation for opID. Releasing an unknown id is a no-op.
func (g *Guard) Release(opID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, opID)
}

// InFlight returns the ids of current reservations, sorted.
func (g *Guard) InFlight() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.inflight))
	for id := range g.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// firstOverlap returns one shared element of the serialized effect lanes,
// or "" when the sets are disjoint. External side effects do not collide
// with each other; the gate check governs them.
func firstOverlap(a, b contracts.IntendedEffectSet) string {
	if hit := overlap(a.Files, b.Files); hit != "" {
		return hit
	}
	if hit := overlap(a.Symbols, b.Symbols); hit != "" {
		return hit
	}
	return overlap(a.GraphMutations, b.GraphMutations)
}

func overlap(xs, ys []string) string {
	if len(xs) == 0 || len(ys) == 0 {
		return ""
	}
	set := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		set[x] = struct{}{}
	}
	for _, y := range ys {
		if _, ok := set[y]; ok {
			return y
		}
	}
	return ""
}
