package verbs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/gatehouse/pkg/artifacts"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/sandbox"
	"github.com/loomworks/gatehouse/pkg/session"
)

// patchOperations are the accepted apply_code_patch modes.
var patchOperations = map[string]struct{}{
	"create":  {},
	"replace": {},
	"append":  {},
	"delete":  {},
}

// approvedGates returns the commit gate ids declared by the accepted plan's
// side_effect nodes. Only these may carry an external effect.
func approvedGates(s *contracts.SessionState) []string {
	if s.PlanGraph == nil {
		return nil
	}
	var gates []string
	for i := range s.PlanGraph.Nodes {
		if se := s.PlanGraph.Nodes[i].SideEffect; se != nil && se.CommitGateID != "" {
			gates = append(gates, se.CommitGateID)
		}
	}
	return gates
}

// planNode resolves a nodeId against the accepted plan and checks its kind.
// On failure the result gains availableNodeIds so the agent can self-correct.
func planNode(s *contracts.SessionState, nodeID string, kinds []contracts.NodeKind, result map[string]any) (*contracts.PlanNode, *contracts.Deny) {
	if s.PlanGraph == nil {
		return nil, contracts.NewDeny(contracts.RejPlanScopeViolation,
			"no accepted plan; submit_execution_plan first")
	}
	node := s.PlanGraph.NodeByID(nodeID)
	if node == nil {
		result["availableNodeIds"] = nodeIDs(s.PlanGraph)
		return nil, contracts.NewDeny(contracts.RejPlanScopeViolation,
			"node %q is not in the accepted plan", nodeID)
	}
	for _, k := range kinds {
		if node.Kind == k {
			return node, nil
		}
	}
	want := make([]string, 0, len(kinds))
	for _, k := range kinds {
		want = append(want, string(k))
	}
	return nil, contracts.NewDeny(contracts.RejPlanScopeViolation,
		"node %q is a %s node; this verb executes %s nodes", nodeID, node.Kind, strings.Join(want, "|"))
}

// completeMutation persists the audit bundle, marks the node done, and
// unlocks execution on the first completed mutation. A bundle-write failure
// is recorded, never masks the already-applied effect.
func (d *Deps) completeMutation(s *contracts.SessionState, nodeID string, bundle artifacts.Bundle, result map[string]any) contracts.VerbResult {
	if ref, err := d.Artifacts.Write(bundle); err != nil {
		d.log().Error("artifact bundle write failed",
			"sessionId", s.RunSessionID, "opId", bundle.OpID, "error", err)
		result["artifactWriteError"] = err.Error()
	} else {
		result["artifactBundle"] = ref
	}

	session.MarkNodeCompleted(s, nodeID)
	if p := s.PlanGraphProgress; p != nil {
		result["progress"] = map[string]any{
			"completed":      len(p.CompletedNodeIDs),
			"totalNodes":     p.TotalNodes,
			"remainingNodes": p.Remaining(s.PlanGraph),
		}
	}

	r := ok(result)
	if s.State == contracts.StatePlanAccepted {
		return withState(r, contracts.StateExecutionEnabled)
	}
	return r
}

func handleApplyCodePatch(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	nodeID := stringArg(args, "nodeId")
	target := stringArg(args, "targetFile")
	patch, hasPatch := args["patch"].(string)
	operation := stringArg(args, "operation")
	if operation == "" {
		operation = "replace"
	}

	var missing []string
	if nodeID == "" {
		missing = append(missing, "nodeId")
	}
	if target == "" {
		missing = append(missing, "targetFile")
	}
	if !hasPatch && operation != "delete" {
		missing = append(missing, "patch")
	}
	if len(missing) > 0 {
		return denyMissing(missing...)
	}
	if _, known := patchOperations[operation]; !known {
		return refuse(map[string]any{"operations": []string{"create", "replace", "append", "delete"}},
			contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
				"unknown patch operation %q", operation))
	}

	result := map[string]any{"nodeId": nodeID}
	node, deny := planNode(s, nodeID, []contracts.NodeKind{contracts.NodeChange}, result)
	if deny != nil {
		return refuse(result, deny)
	}

	canon, deny := d.Scope.Canonicalize(target)
	if deny != nil {
		return refuse(result, deny)
	}
	planned, deny := d.Scope.Canonicalize(node.Change.TargetFile)
	if deny != nil {
		return refuse(result, deny)
	}
	if canon != planned {
		return refuse(result, contracts.NewDeny(contracts.RejPlanScopeViolation,
			"node %q targets %q, not %q", nodeID, planned, canon))
	}
	if deny := d.Scope.PackAllows(s.ContextPack, ScratchPrefix, canon); deny != nil {
		return refuse(result, deny)
	}
	if deny := d.Scope.AllowsFile(s.ScopeAllowlist, canon); deny != nil {
		return refuse(result, deny)
	}

	symbols := stringSliceArg(args, "targetSymbols")
	if len(symbols) == 0 {
		symbols = node.Change.TargetSymbols
	}
	if len(symbols) > 0 {
		if deny := d.Scope.AllowsSymbols(s.ScopeAllowlist, symbols); deny != nil {
			return refuse(result, deny)
		}
	}

	if codemodID := stringArg(args, "codemodId"); codemodID != "" {
		if !d.codemodApproved(codemodID) {
			return refuse(map[string]any{"codemodCatalog": d.Profile.Plans.CodemodCatalog},
				contracts.NewDeny(contracts.RejPlanPolicyViolation,
					"codemod %q is not in the approved catalog", codemodID))
		}
		result["codemodId"] = codemodID
	}

	guard := d.Guards.ForSession(s.RunSessionID)
	opID := "patch-" + uuid.NewString()[:8]
	if deny := guard.AssertAndReserve(opID, contracts.IntendedEffectSet{
		Files:   []string{canon},
		Symbols: symbols,
	}, approvedGates(s)); deny != nil {
		return refuse(result, deny)
	}
	defer guard.Release(opID)

	abs := d.resolvePath(s.RunSessionID, canon)
	before, readErr := os.ReadFile(abs)
	exists := readErr == nil

	switch operation {
	case "create":
		if exists {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"create would overwrite existing file %q; use replace", canon))
		}
	default:
		if !exists {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"%s requires an existing file, but %q is not readable: %v", operation, canon, readErr))
		}
	}

	var after []byte
	switch operation {
	case "create", "replace":
		after = []byte(patch)
	case "append":
		after = append(append([]byte{}, before...), []byte(patch)...)
	case "delete":
		after = nil
	}

	if operation == "delete" {
		if err := os.Remove(abs); err != nil {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"delete failed for %q: %v", canon, err))
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"directory setup failed for %q: %v", canon, err))
		}
		if err := os.WriteFile(abs, after, 0o644); err != nil {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"write failed for %q: %v", canon, err))
		}
	}

	diff := artifacts.Diff(canon, before, after)
	result["operation"] = operation
	result["targetFile"] = canon
	result["diffSummary"] = diff

	return d.completeMutation(s, nodeID, artifacts.Bundle{
		OpID: opID,
		Result: map[string]any{
			"verb":       string(contracts.VerbApplyCodePatch),
			"nodeId":     nodeID,
			"operation":  operation,
			"targetFile": canon,
			"symbols":    symbols,
		},
		OpLog: []string{
			fmt.Sprintf("reserved %s for %s", canon, opID),
			fmt.Sprintf("applied %s (%d bytes before, %d bytes after)", operation, len(before), len(after)),
		},
		DiffSummary: diff,
	}, result)
}

func (d *Deps) codemodApproved(id string) bool {
	for _, known := range d.Profile.Plans.CodemodCatalog {
		if known == id {
			return true
		}
	}
	return false
}

func handleRunSandboxedCode(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	nodeID := stringArg(args, "nodeId")
	iife := stringArg(args, "iife")
	var missing []string
	if nodeID == "" {
		missing = append(missing, "nodeId")
	}
	if iife == "" {
		missing = append(missing, "iife")
	}
	if len(missing) > 0 {
		return denyMissing(missing...)
	}

	result := map[string]any{"nodeId": nodeID}
	node, deny := planNode(s, nodeID, []contracts.NodeKind{contracts.NodeChange, contracts.NodeValidate}, result)
	if deny != nil {
		return refuse(result, deny)
	}

	// Validate nodes run only once the changes they map to are done.
	if node.Kind == contracts.NodeValidate && !s.PlanGraphProgress.Completed(nodeID) {
		eligible := false
		for _, id := range s.PlanGraphProgress.EligibleValidateNodeIDs {
			if id == nodeID {
				eligible = true
				break
			}
		}
		if !eligible {
			var pending []string
			for _, dep := range append(append([]string{}, node.DependsOn...), node.Validate.MapsToNodeIDs...) {
				if !s.PlanGraphProgress.Completed(dep) {
					pending = append(pending, dep)
				}
			}
			result["pendingNodes"] = pending
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"validate node %q is not eligible yet; complete %v first", nodeID, pending))
		}
	}

	if deny := sandbox.Preflight(iife); deny != nil {
		return refuse(result, deny)
	}

	guard := d.Guards.ForSession(s.RunSessionID)
	opID := "sbx-" + uuid.NewString()[:8]
	effects := contracts.IntendedEffectSet{}
	if declared := mapArg(args, "intendedEffects"); declared != nil {
		effects.Files = stringSliceArg(declared, "files")
		effects.Symbols = stringSliceArg(declared, "symbols")
	}
	if deny := guard.AssertAndReserve(opID, effects, approvedGates(s)); deny != nil {
		return refuse(result, deny)
	}
	defer guard.Release(opID)

	checks := []artifacts.Check{{Name: "preflight", Passed: true, Detail: "self-invoking, no placeholders"}}
	opLog := []string{fmt.Sprintf("preflight passed for %s", opID)}

	if encoded := stringArg(args, "wasmBase64"); encoded != "" {
		wasm, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"wasmBase64 does not decode: %v", err))
		}
		caps := sandbox.Caps{}
		if c := mapArg(args, "caps"); c != nil {
			caps.TimeoutMs = intArg(c, "timeoutMs", 0)
			caps.MemoryCapMb = intArg(c, "memoryCapMb", 0)
		}
		run, err := d.Sandbox.Execute(ctx, wasm, []byte(stringArg(args, "stdin")), caps)
		if err != nil {
			var le *sandbox.LimitError
			if errors.As(err, &le) {
				return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
					"confined execution hit the %s limit: %s", le.Kind, le.Message))
			}
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"confined execution failed: %v", err))
		}
		if marker := sandbox.PlaceholderOutput(run.Stdout); marker != "" {
			return refuse(result, contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"execution output contains placeholder text %q", marker))
		}
		result["execution"] = run
		checks = append(checks, artifacts.Check{Name: "execution", Passed: true,
			Detail: fmt.Sprintf("exit %d in %dms", run.ExitCode, run.DurationMs)})
		opLog = append(opLog, fmt.Sprintf("executed %d-byte module, exit %d", len(wasm), run.ExitCode))
	} else {
		result["execution"] = "preflight-only"
		opLog = append(opLog, "no module supplied; preflight-only verification")
	}

	return d.completeMutation(s, nodeID, artifacts.Bundle{
		OpID: opID,
		Result: map[string]any{
			"verb":   string(contracts.VerbRunSandboxedCode),
			"nodeId": nodeID,
			"kind":   string(node.Kind),
		},
		OpLog:      opLog,
		Validation: &artifacts.Validation{Passed: true, Checks: checks},
	}, result)
}

func handleExecuteGatedSideEffect(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	nodeID := stringArg(args, "nodeId")
	gateID := stringArg(args, "commitGateId")
	var missing []string
	if nodeID == "" {
		missing = append(missing, "nodeId")
	}
	if gateID == "" {
		missing = append(missing, "commitGateId")
	}
	if len(missing) > 0 {
		return denyMissing(missing...)
	}

	result := map[string]any{"nodeId": nodeID}
	node, deny := planNode(s, nodeID, []contracts.NodeKind{contracts.NodeSideEffect}, result)
	if deny != nil {
		return refuse(result, deny)
	}

	if node.SideEffect.CommitGateID != gateID {
		return refuse(result, contracts.NewDeny(contracts.RejExecUngatedSideEffect,
			"gate %q does not authorize node %q; its declared commit gate is %q",
			gateID, nodeID, node.SideEffect.CommitGateID))
	}

	var pending []string
	for _, dep := range node.DependsOn {
		if !s.PlanGraphProgress.Completed(dep) {
			pending = append(pending, dep)
		}
	}
	if len(pending) > 0 {
		result["pendingNodes"] = pending
		return refuse(result, contracts.NewDeny(contracts.RejExecUngatedSideEffect,
			"side effect %q has incomplete prerequisites %v; complete them before committing", nodeID, pending))
	}

	guard := d.Guards.ForSession(s.RunSessionID)
	opID := "gate-" + uuid.NewString()[:8]
	if deny := guard.AssertAndReserve(opID, contracts.IntendedEffectSet{
		ExternalSideEffects: []string{gateID},
	}, approvedGates(s)); deny != nil {
		return refuse(result, deny)
	}
	defer guard.Release(opID)

	result["sideEffectType"] = node.SideEffect.SideEffectType
	result["commitGateId"] = gateID
	result["authorized"] = true

	return d.completeMutation(s, nodeID, artifacts.Bundle{
		OpID: opID,
		Result: map[string]any{
			"verb":           string(contracts.VerbExecuteGatedSideEffect),
			"nodeId":         nodeID,
			"commitGateId":   gateID,
			"sideEffectType": node.SideEffect.SideEffectType,
			"payloadRef":     node.SideEffect.SideEffectPayloadRef,
		},
		OpLog: []string{
			fmt.Sprintf("gate %s matched plan declaration", gateID),
			fmt.Sprintf("authorized %s side effect for %s", node.SideEffect.SideEffectType, opID),
		},
		Validation: &artifacts.Validation{Passed: true, Checks: []artifacts.Check{
			{Name: "commitGate", Passed: true, Detail: gateID},
		}},
	}, result)
}

func handleRunAutomationRecipe(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	recipeID := stringArg(args, "recipeId")
	if recipeID == "" {
		return denyMissing("recipeId")
	}
	event, deny, err := d.Recipes.Run(ctx, s.RunSessionID, recipeID, mapArg(args, "params"))
	if deny != nil {
		return refuse(map[string]any{"recipeId": recipeID}, deny)
	}
	if err != nil {
		return refuse(map[string]any{"recipeId": recipeID},
			contracts.NewDeny(contracts.RejPlanVerificationWeak,
				"recipe %q failed: %v", recipeID, err))
	}
	return ok(map[string]any{
		"recipeId": recipeID,
		"event":    event,
	})
}
