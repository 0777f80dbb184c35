package verbs

import (
	"context"
	"fmt"
	"sort"

	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/memory"
)

// handleSignalTaskComplete closes the session. Completion is refused while
// accepted plan nodes remain; otherwise the handler assembles a retrospective
// digest and, when the session accumulated real friction, records it as a
// pending memory for the next session over the same anchors.
func handleSignalTaskComplete(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	if s.PlanGraph != nil {
		remaining := s.PlanGraphProgress.Remaining(s.PlanGraph)
		if len(remaining) > 0 {
			completed := 0
			if s.PlanGraphProgress != nil {
				completed = len(s.PlanGraphProgress.CompletedNodeIDs)
			}
			return refuse(map[string]any{
				"remainingNodes": remaining,
				"completed":      completed,
				"totalNodes":     len(s.PlanGraph.Nodes),
			}, contracts.NewDeny(contracts.RejWorkIncomplete,
				"%d of %d plan nodes are incomplete: %v", len(remaining), len(s.PlanGraph.Nodes), remaining))
		}
	}

	totalRejections := 0
	for _, n := range s.RejectionCounts {
		totalRejections += n
	}

	memoriesCreated := 0
	for _, m := range d.Memory.List() {
		if m.SourceSessionID == s.RunSessionID {
			memoriesCreated++
		}
	}

	var suggestions []string
	for _, code := range sortedKeys(s.RejectionCounts) {
		if s.RejectionCounts[code] >= frictionThreshold {
			suggestions = append(suggestions, fmt.Sprintf(
				"%s was rejected %d times; complete the scaffolded few-shot memory so the pattern is caught at plan time", code, s.RejectionCounts[code]))
		}
	}
	if s.PlanGraph == nil {
		suggestions = append(suggestions, "session completed without an accepted plan; no mutations were made")
	}

	if totalRejections >= frictionThreshold {
		codes := make([]contracts.RejectionCode, 0, len(s.RejectionCounts))
		for _, code := range sortedKeys(s.RejectionCounts) {
			codes = append(codes, contracts.RejectionCode(code))
		}
		if _, err := d.Memory.CreateFromFriction(memory.FrictionInput{
			SessionID:      s.RunSessionID,
			StrategyID:     s.KnowledgeStrategyID,
			Phase:          contracts.PhaseRetrospective,
			RejectionCodes: codes,
			Note:           fmt.Sprintf("session closed with %d rejections across %d codes", totalRejections, len(codes)),
		}); err != nil {
			d.log().Warn("retrospective memory failed",
				"sessionId", s.RunSessionID, "error", err)
		} else {
			memoriesCreated++
		}
	}

	result := map[string]any{
		"summary": stringArg(args, "summary"),
		"retrospective": map[string]any{
			"frictionEvents":  s.RejectionCounts,
			"actionCounts":    s.ActionCounts,
			"usedTokens":      s.UsedTokens,
			"memoriesCreated": memoriesCreated,
			"suggestions":     suggestions,
		},
		"message": "Session completed. The session record is now terminal.",
	}
	if s.PlanGraph != nil {
		result["planFingerprint"] = s.PlanGraph.PlanFingerprint
		result["completedNodes"] = len(s.PlanGraphProgress.CompletedNodeIDs)
	}
	return withState(ok(result), contracts.StateCompleted)
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
