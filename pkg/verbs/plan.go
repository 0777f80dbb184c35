package verbs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/loomworks/gatehouse/pkg/anchor"
	"github.com/loomworks/gatehouse/pkg/canonicalize"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/planguard"
	"github.com/loomworks/gatehouse/pkg/session"
)

// frictionThreshold is the rejection count at which the controller drafts a
// few-shot memory scaffold for human completion.
const frictionThreshold = 3

func handleSubmitExecutionPlan(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	raw, present := args["planGraph"]
	if !present {
		return denyMissing("planGraph")
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
			"plan graph does not encode: %v", err))
	}
	var doc contracts.PlanGraphDocument
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
			"plan graph does not decode: %v", err))
	}

	if doc.AgentID != "" && doc.AgentID != s.AgentID {
		d.log().Warn("plan agentId differs from session agentId",
			"sessionId", s.RunSessionID, "planAgentId", doc.AgentID, "sessionAgentId", s.AgentID)
	}

	report := d.Validator.Validate(planguard.Input{
		Raw:             raw,
		Doc:             &doc,
		Bundle:          s.Enforcement,
		SessionStrategy: s.KnowledgeStrategyID,
		Signature:       s.StrategySignature,
	})

	// The plan binds to the pack it was planned against. A stale or foreign
	// hash means the evidence trail does not describe this session's view.
	if s.ContextPack != nil && doc.ContextPackHash != "" && doc.ContextPackHash != s.ContextPack.Hash {
		report.Codes = append(report.Codes, contracts.RejPackScopeViolation)
		report.Details = append(report.Details, fmt.Sprintf(
			"plan is bound to pack hash %s but the session pack is %s; re-read the pack and resubmit",
			doc.ContextPackHash, s.ContextPack.Hash))
	}

	if !report.Accepted() {
		d.scaffoldOnRepeatedFriction(s, &doc, report.Codes, encoded)
		return withState(contracts.VerbResult{
			Result: map[string]any{
				"planValidation": "rejected",
				"rejectionCodes": report.Codes,
				"details":        report.Details,
				"error":          strings.Join(report.Details, "; "),
			},
			DenyReasons: report.Codes,
		}, contracts.StatePlanRequired)
	}

	doc.PlanFingerprint = ""
	fingerprint, err := canonicalize.PlanFingerprint(&doc)
	if err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
			"plan fingerprint could not be derived: %v", err))
	}
	doc.PlanFingerprint = fingerprint

	session.AcceptPlan(s, &doc)

	return withState(ok(map[string]any{
		"planValidation":  "passed",
		"planFingerprint": fingerprint,
		"totalNodes":      len(doc.Nodes),
		"nodeCounts": map[string]int{
			"change":      len(doc.NodesOfKind(contracts.NodeChange)),
			"validate":    len(doc.NodesOfKind(contracts.NodeValidate)),
			"escalate":    len(doc.NodesOfKind(contracts.NodeEscalate)),
			"side_effect": len(doc.NodesOfKind(contracts.NodeSideEffect)),
		},
		"approvedGates": approvedGates(s),
		"message":       "Plan accepted. Mutations are unlocked; complete every node, then signal_task_complete.",
	}), contracts.StatePlanAccepted)
}

// scaffoldOnRepeatedFriction drafts a pending few-shot memory the moment a
// rejection code crosses the friction threshold. Best effort; scaffold
// failures never mask the rejection itself.
func (d *Deps) scaffoldOnRepeatedFriction(s *contracts.SessionState, doc *contracts.PlanGraphDocument, codes []contracts.RejectionCode, rejected []byte) {
	var crossing []contracts.RejectionCode
	for _, code := range codes {
		if s.RejectionCounts[string(code)]+1 == frictionThreshold {
			crossing = append(crossing, code)
		}
	}
	if len(crossing) == 0 {
		return
	}

	var targetFiles []string
	for i := range doc.Nodes {
		if doc.Nodes[i].Change != nil && doc.Nodes[i].Change.TargetFile != "" {
			targetFiles = append(targetFiles, doc.Nodes[i].Change.TargetFile)
		}
	}
	var anchorIDs []string
	if d.Seeder != nil {
		if anchors, err := d.Seeder.Seed(); err == nil {
			anchorIDs = anchor.ForPaths(anchors, targetFiles)
		}
	}

	sample := string(rejected)
	if len(sample) > 2000 {
		sample = sample[:2000]
	}
	if _, err := d.Memory.ScaffoldFewShot(s.RunSessionID, s.KnowledgeStrategyID, anchorIDs, crossing, sample); err != nil {
		d.log().Warn("few-shot scaffold failed",
			"sessionId", s.RunSessionID, "codes", crossing, "error", err)
		return
	}
	d.log().Info("few-shot scaffold drafted from repeated rejections",
		"sessionId", s.RunSessionID, "codes", crossing)
}

func handleRequestEvidenceGuidance(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	need := stringArg(args, "need")
	blocking := stringSliceArg(args, "blockingReasons")
	requested := decodeRequestedEvidence(args)
	if need == "" && len(blocking) == 0 && len(requested) == 0 {
		return denyMissing("need|blockingReasons|requestedEvidence")
	}
	for _, req := range requested {
		if !contracts.KnownEvidenceType(req.Type) {
			return refuse(map[string]any{"knownTypes": []contracts.EvidenceType{
				contracts.EvidenceArtifactFetch,
				contracts.EvidenceGraphExpand,
				contracts.EvidencePackRebuild,
				contracts.EvidenceScopeExpand,
			}}, contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
				"unknown evidence type %q", req.Type))
		}
	}
	if s.ContextPack == nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"no context pack built yet; call initialize_work first"))
	}

	terms := make([]string, 0, len(blocking)+len(requested)+1)
	if need != "" {
		terms = append(terms, need)
	}
	terms = append(terms, blocking...)
	for _, req := range requested {
		if req.Detail != "" {
			terms = append(terms, req.Detail)
		}
	}

	var newFiles, newSymbols []string
	idx := d.index()
	for _, term := range terms {
		if hits, err := idx.SearchSymbol(ctx, term, 5); err == nil {
			for _, h := range hits {
				newFiles = append(newFiles, h.File)
				newSymbols = append(newSymbols, h.Symbol)
			}
		}
		if hits, err := idx.SearchLexical(ctx, term, 10); err == nil {
			for _, h := range hits {
				newFiles = append(newFiles, h.File)
			}
		}
	}

	delta, err := d.Pack.Enrich(ctx, s.ContextPack.Ref, newFiles, newSymbols)
	if err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"pack enrichment failed: %v", err))
	}
	if snap, err := d.Pack.Snapshot(s.ContextPack.Ref); err == nil {
		s.ContextPack = snap
	}

	if delta.HashChanged {
		d.rebuildEnforcement(ctx, s)
	}

	result := map[string]any{
		"packDelta": delta,
	}
	if len(delta.AddedFiles) == 0 {
		result["hint"] = "no new evidence matched; refine the need with concrete symbols or file paths"
	}

	if nodeID := stringArg(args, "nodeId"); nodeID != "" {
		if deny := completeEscalateNode(s, nodeID, result); deny != nil {
			return refuse(result, deny)
		}
	}
	return ok(result)
}

func decodeRequestedEvidence(args map[string]any) []contracts.RequestedEvidence {
	raw, present := args["requestedEvidence"]
	if !present {
		return nil
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []contracts.RequestedEvidence
	if err := json.Unmarshal(encoded, &out); err != nil {
		return nil
	}
	return out
}

// completeEscalateNode marks an escalate node satisfied by this guidance
// round. Only escalate nodes complete this way.
func completeEscalateNode(s *contracts.SessionState, nodeID string, result map[string]any) *contracts.Deny {
	if s.PlanGraph == nil {
		return contracts.NewDeny(contracts.RejPlanScopeViolation,
			"no accepted plan holds node %q", nodeID)
	}
	node := s.PlanGraph.NodeByID(nodeID)
	if node == nil {
		result["availableNodeIds"] = nodeIDs(s.PlanGraph)
		return contracts.NewDeny(contracts.RejPlanScopeViolation,
			"node %q is not in the accepted plan", nodeID)
	}
	if node.Kind != contracts.NodeEscalate {
		return contracts.NewDeny(contracts.RejPlanScopeViolation,
			"node %q is a %s node; only escalate nodes complete via evidence guidance", nodeID, node.Kind)
	}
	session.MarkNodeCompleted(s, nodeID)
	result["nodeCompleted"] = nodeID
	if s.PlanGraphProgress != nil {
		result["remainingNodes"] = s.PlanGraphProgress.Remaining(s.PlanGraph)
	}
	return nil
}

func nodeIDs(plan *contracts.PlanGraphDocument) []string {
	ids := make([]string, 0, len(plan.Nodes))
	for i := range plan.Nodes {
		ids = append(ids, plan.Nodes[i].NodeID)
	}
	return ids
}

// rebuildEnforcement recompiles the session bundle against the grown pack.
func (d *Deps) rebuildEnforcement(ctx context.Context, s *contracts.SessionState) {
	var anchorIDs []string
	if d.Seeder != nil {
		if anchors, err := d.Seeder.Seed(); err == nil && s.ContextPack != nil {
			anchorIDs = anchor.ForPaths(anchors, s.ContextPack.Files)
		}
	}
	memories := d.Memory.FindActiveForAnchors(anchorIDs)
	hash := ""
	if s.ContextPack != nil {
		hash = s.ContextPack.Hash
	}
	bundle, err := d.Enforcer.Build(ctx, memories, hash)
	if err != nil {
		d.log().Warn("enforcement rebuild is partial",
			"sessionId", s.RunSessionID, "error", err)
	}
	s.Enforcement = &bundle
}
