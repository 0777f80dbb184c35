package session

import "github.com/loomworks/gatehouse/pkg/contracts"

// AcceptPlan installs the accepted plan on the session and resets its
// progress tracking. State transitions stay with the caller.
func AcceptPlan(s *contracts.SessionState, plan *contracts.PlanGraphDocument) {
	s.PlanGraph = plan
	progress := &contracts.PlanGraphProgress{TotalNodes: len(plan.Nodes)}
	progress.EligibleValidateNodeIDs = eligibleValidates(plan, progress)
	s.PlanGraphProgress = progress
}

// MarkNodeCompleted records a node completion, idempotently, and
// refreshes the eligible validate set: a validate node becomes eligible
// once every node it depends on or maps to is completed.
func MarkNodeCompleted(s *contracts.SessionState, nodeID string) {
	if s.PlanGraph == nil {
		return
	}
	if s.PlanGraphProgress == nil {
		s.PlanGraphProgress = &contracts.PlanGraphProgress{TotalNodes: len(s.PlanGraph.Nodes)}
	}
	p := s.PlanGraphProgress
	if !p.Completed(nodeID) {
		p.CompletedNodeIDs = append(p.CompletedNodeIDs, nodeID)
	}
	p.EligibleValidateNodeIDs = eligibleValidates(s.PlanGraph, p)
}

func eligibleValidates(plan *contracts.PlanGraphDocument, p *contracts.PlanGraphProgress) []string {
	done := make(map[string]struct{}, len(p.CompletedNodeIDs))
	for _, id := range p.CompletedNodeIDs {
		done[id] = struct{}{}
	}
	var out []string
	for i := range plan.Nodes {
		n := &plan.Nodes[i]
		if n.Kind != contracts.NodeValidate {
			continue
		}
		if _, completed := done[n.NodeID]; completed {
			continue
		}
		if prereqsMet(n, done) {
			out = append(out, n.NodeID)
		}
	}
	return out
}

func prereqsMet(n *contracts.PlanNode, done map[string]struct{}) bool {
	for _, dep := range n.DependsOn {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	if n.Validate == nil {
		return true
	}
	for _, id := range n.Validate.MapsToNodeIDs {
		if _, ok := done[id]; !ok {
			return false
		}
	}
	return true
}
