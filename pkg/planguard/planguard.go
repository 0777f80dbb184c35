// Package planguard validates submitted plan graphs. Passes run in a fixed
// order and each contributes rejection codes to a deduped list; the plan is
// accepted iff the list ends up empty. Validation is a pure function of the
// document, the enforcement bundle, and the session strategy; it touches no
// session state.
package planguard

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/enforcement"
	"github.com/loomworks/gatehouse/pkg/evidence"
	"github.com/loomworks/gatehouse/pkg/schema"
	"github.com/loomworks/gatehouse/pkg/strategy"
)

// RuleActivator decides whether a conditional plan rule applies.
// Implementations must fail closed: report active when the condition
// cannot be evaluated.
type RuleActivator interface {
	Active(rule contracts.MemoryPlanRule, actx enforcement.ActivationContext) (bool, error)
}

// Input is one validation request.
type Input struct {
	// Raw is the decoded JSON document for the structural pre-pass.
	// Optional; typed-only validation skips the schema.
	Raw any
	Doc *contracts.PlanGraphDocument
	// Bundle holds the session's enforcement rules. Nil means no rules.
	Bundle *contracts.EnforcementBundle
	// SessionStrategy is the strategy the controller derived at init.
	// Empty skips the mismatch check.
	SessionStrategy string
	// Signature feeds rule conditions.
	Signature map[string]string
}

// Report is the validation outcome.
type Report struct {
	Codes   []contracts.RejectionCode `json:"codes"`
	Details []string                  `json:"details"`
}

// Accepted reports whether the plan passed every pass.
func (r Report) Accepted() bool { return len(r.Codes) == 0 }

// Validator runs the passes. Safe for concurrent use.
type Validator struct {
	catalog   map[string]struct{}
	versions  *semver.Constraints
	activator RuleActivator
	logger    *slog.Logger
}

// New builds a validator from the plan config. The activator may be nil;
// conditional rules are then treated as always active.
func New(plans config.PlanConfig, activator RuleActivator, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rng := plans.SchemaVersionRange
	if rng == "" {
		rng = ">= 1.0.0, < 2.0.0"
	}
	constraints, err := semver.NewConstraint(rng)
	if err != nil {
		return nil, fmt.Errorf("schema version range %q: %w", rng, err)
	}
	catalog := make(map[string]struct{}, len(plans.CodemodCatalog))
	for _, id := range plans.CodemodCatalog {
		catalog[id] = struct{}{}
	}
	return &Validator{
		catalog:   catalog,
		versions:  constraints,
		activator: activator,
		logger:    logger.With("component", "planguard"),
	}, nil
}

// collector accumulates codes and details across passes.
type collector struct {
	codes   []contracts.RejectionCode
	seen    map[contracts.RejectionCode]struct{}
	details []string
}

func (c *collector) reject(code contracts.RejectionCode, format string, args ...any) {
	if c.seen == nil {
		c.seen = make(map[contracts.RejectionCode]struct{})
	}
	if _, dup := c.seen[code]; !dup {
		c.seen[code] = struct{}{}
		c.codes = append(c.codes, code)
	}
	c.details = append(c.details, fmt.Sprintf(format, args...))
}

// Validate runs every pass and returns the deduped report.
func (v *Validator) Validate(in Input) Report {
	var c collector
	doc := in.Doc
	if doc == nil {
		c.reject(contracts.RejPlanMissingRequiredFields, "no plan document submitted")
		return Report{Codes: c.codes, Details: c.details}
	}

	if in.Raw != nil {
		if err := schema.ValidatePlanGraph(in.Raw); err != nil {
			c.reject(contracts.RejPlanMissingRequiredFields, "plan schema: %v", err)
		}
	}

	v.passEnvelope(&c, doc, in.SessionStrategy)
	v.passGraph(&c, doc)
	v.passStrategyReasons(&c, doc)
	v.passNodes(&c, doc)
	v.passRules(&c, doc, in, memoryRules(in.Bundle))
	v.passRules(&c, doc, in, graphRules(in.Bundle))
	v.passMigrationCitations(&c, doc)

	return Report{Codes: c.codes, Details: c.details}
}

func (v *Validator) passEnvelope(c *collector, doc *contracts.PlanGraphDocument, sessionStrategy string) {
	required := []struct {
		name  string
		value string
	}{
		{"workId", doc.WorkID},
		{"agentId", doc.AgentID},
		{"runSessionId", doc.RunSessionID},
		{"repoSnapshotId", doc.RepoSnapshotID},
		{"worktreeRoot", doc.WorktreeRoot},
		{"contextPackRef", doc.ContextPackRef},
		{"contextPackHash", doc.ContextPackHash},
		{"scopeAllowlistRef", doc.ScopeAllowlistRef},
		{"knowledgeStrategyId", doc.KnowledgeStrategyID},
		{"planFingerprint", doc.PlanFingerprint},
		{"schemaVersion", doc.SchemaVersion},
	}
	var missing []string
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(doc.SourceTraceRefs) == 0 {
		missing = append(missing, "sourceTraceRefs")
	}
	if len(doc.KnowledgeStrategyReasons) == 0 {
		missing = append(missing, "knowledgeStrategyReasons")
	}
	if len(doc.Nodes) == 0 {
		missing = append(missing, "nodes")
	}
	if len(missing) > 0 {
		c.reject(contracts.RejPlanMissingRequiredFields,
			"envelope missing: %s", strings.Join(missing, ", "))
	}

	if doc.SchemaVersion != "" {
		ver, err := semver.NewVersion(doc.SchemaVersion)
		if err != nil {
			c.reject(contracts.RejPlanMissingRequiredFields,
				"schemaVersion %q is not semver: %v", doc.SchemaVersion, err)
		} else if !v.versions.Check(ver) {
			c.reject(contracts.RejPlanMissingRequiredFields,
				"schemaVersion %s outside supported range %s", doc.SchemaVersion, v.versions)
		}
	}

	if sessionStrategy != "" && doc.KnowledgeStrategyID != "" && doc.KnowledgeStrategyID != sessionStrategy {
		c.reject(contracts.RejPlanStrategyMismatch,
			"plan declares strategy %s but the session derived %s; align knowledgeStrategyId or adjust the prompt",
			doc.KnowledgeStrategyID, sessionStrategy)
	}
}

func (v *Validator) passGraph(c *collector, doc *contracts.PlanGraphDocument) {
	ids := make(map[string]int, len(doc.Nodes))
	for i, n := range doc.Nodes {
		if n.NodeID == "" {
			continue
		}
		if _, dup := ids[n.NodeID]; dup {
			c.reject(contracts.RejPlanNotAtomic, "duplicate nodeId %s", n.NodeID)
			continue
		}
		ids[n.NodeID] = i
	}

	for _, n := range doc.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := ids[dep]; !ok {
				c.reject(contracts.RejPlanNotAtomic,
					"node %s dependsOn unknown node %s", n.NodeID, dep)
			}
		}
		if n.Kind == contracts.NodeValidate && n.Validate != nil {
			for _, target := range n.Validate.MapsToNodeIDs {
				if _, ok := ids[target]; !ok {
					c.reject(contracts.RejPlanNotAtomic,
						"validate %s mapsToNodeIds references unknown node %s", n.NodeID, target)
				}
			}
		}
	}

	if cyclePath := findCycle(doc.Nodes, ids); len(cyclePath) > 0 {
		c.reject(contracts.RejPlanNotAtomic,
			"dependency cycle: %s", strings.Join(cyclePath, " -> "))
	}

	mapped := make(map[string]struct{})
	for _, n := range doc.Nodes {
		if n.Kind == contracts.NodeValidate && n.Validate != nil {
			for _, target := range n.Validate.MapsToNodeIDs {
				mapped[target] = struct{}{}
			}
		}
	}
	var unmapped []string
	for _, n := range doc.Nodes {
		if n.Kind != contracts.NodeChange {
			continue
		}
		if _, ok := mapped[n.NodeID]; !ok {
			unmapped = append(unmapped, n.NodeID)
		}
	}
	if len(unmapped) > 0 {
		c.reject(contracts.RejPlanVerificationWeak,
			"change node(s) %s have no validate node mapping them; add a validate with mapsToNodeIds",
			strings.Join(unmapped, ", "))
	}

	for _, n := range doc.Nodes {
		if n.Kind != contracts.NodeSideEffect {
			continue
		}
		gated := false
		for _, dep := range n.DependsOn {
			if i, ok := ids[dep]; ok && doc.Nodes[i].Kind == contracts.NodeValidate {
				gated = true
				break
			}
		}
		if !gated {
			c.reject(contracts.RejExecUngatedSideEffect,
				"side_effect %s must depend on at least one validate node", n.NodeID)
		}
	}
}

// findCycle runs a three-color DFS and returns one offending path, if any.
func findCycle(nodes []contracts.PlanNode, ids map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		path = append(path, id)
		i := ids[id]
		for _, dep := range nodes[i].DependsOn {
			if _, ok := ids[dep]; !ok {
				continue
			}
			switch color[dep] {
			case gray:
				cycle = append(append([]string(nil), path...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	for _, id := range ordered {
		if color[id] == white {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

func (v *Validator) passStrategyReasons(c *collector, doc *contracts.PlanGraphDocument) {
	for i, r := range doc.KnowledgeStrategyReasons {
		if strings.TrimSpace(r.Reason) == "" || strings.TrimSpace(r.EvidenceRef) == "" {
			c.reject(contracts.RejPlanMissingRequiredFields,
				"knowledgeStrategyReasons[%d] must carry both reason and evidenceRef", i)
		}
	}
}

func (v *Validator) passNodes(c *collector, doc *contracts.PlanGraphDocument) {
	for _, n := range doc.Nodes {
		if n.NodeID == "" {
			c.reject(contracts.RejPlanMissingRequiredFields, "a node is missing nodeId")
		}
		if len(n.AtomicityBoundary.InScopeAcceptanceCriteriaIDs) == 0 ||
			len(n.AtomicityBoundary.InScopeModules) == 0 {
			c.reject(contracts.RejPlanNotAtomic,
				"node %s atomicityBoundary needs inScopeAcceptanceCriteriaIds and inScopeModules", n.NodeID)
		}

		switch n.Kind {
		case contracts.NodeChange:
			v.checkChange(c, doc, n)
		case contracts.NodeValidate:
			v.checkValidate(c, n)
		case contracts.NodeEscalate:
			v.checkEscalate(c, n)
		case contracts.NodeSideEffect:
			v.checkSideEffect(c, n)
		default:
			c.reject(contracts.RejPlanMissingRequiredFields,
				"node %s has unknown kind %q", n.NodeID, n.Kind)
		}
	}
}

func (v *Validator) checkChange(c *collector, doc *contracts.PlanGraphDocument, n contracts.PlanNode) {
	ch := n.Change
	if ch == nil {
		c.reject(contracts.RejPlanMissingRequiredFields, "change %s carries no change payload", n.NodeID)
		return
	}
	var missing []string
	if strings.TrimSpace(ch.Operation) == "" {
		missing = append(missing, "operation")
	}
	if strings.TrimSpace(ch.TargetFile) == "" {
		missing = append(missing, "targetFile")
	}
	if strings.TrimSpace(ch.WhyThisFile) == "" {
		missing = append(missing, "whyThisFile")
	}
	if strings.TrimSpace(ch.EditIntent) == "" {
		missing = append(missing, "editIntent")
	}
	if len(ch.EscalateIf) == 0 {
		missing = append(missing, "escalateIf")
	}
	if len(ch.TargetSymbols) == 0 && ch.Operation != "create" {
		missing = append(missing, "targetSymbols")
	}
	if len(missing) > 0 {
		c.reject(contracts.RejPlanMissingRequiredFields,
			"change %s missing: %s", n.NodeID, strings.Join(missing, ", "))
	}
	if len(ch.ArtifactRefs) == 0 {
		c.reject(contracts.RejPlanMissingArtifactRef,
			"change %s has no artifactRefs; cite at least one artifact", n.NodeID)
	}
	if len(ch.VerificationHooks) == 0 {
		c.reject(contracts.RejPlanVerificationWeak,
			"change %s has no verificationHooks", n.NodeID)
	}

	if deny := evidence.Check(ch, doc.EvidencePolicy); deny != nil {
		c.reject(deny.Code, "change %s: %s", n.NodeID, deny.Detail)
	}

	refs := make(map[string]struct{}, len(ch.ArtifactRefs))
	for _, r := range ch.ArtifactRefs {
		refs[r] = struct{}{}
	}
	for _, cit := range ch.Citations {
		switch {
		case strings.HasPrefix(cit, "codemod:"):
			id := strings.TrimPrefix(cit, "codemod:")
			if _, ok := v.catalog[id]; !ok {
				c.reject(contracts.RejPlanPolicyViolation,
					"change %s cites unknown codemod %q; supported: %s",
					n.NodeID, id, strings.Join(v.catalogIDs(), ", "))
			}
		case strings.HasPrefix(cit, "inbox:"), strings.HasPrefix(cit, "attachment:"):
			if _, ok := refs[cit]; !ok {
				c.reject(contracts.RejPlanMissingArtifactRef,
					"change %s cites %s but does not list it in artifactRefs", n.NodeID, cit)
			}
		}
	}
}

func (v *Validator) checkValidate(c *collector, n contracts.PlanNode) {
	val := n.Validate
	if val == nil {
		c.reject(contracts.RejPlanMissingRequiredFields, "validate %s carries no validate payload", n.NodeID)
		return
	}
	if len(val.VerificationHooks) == 0 || len(val.SuccessCriteria) == 0 {
		c.reject(contracts.RejPlanVerificationWeak,
			"validate %s needs verificationHooks and successCriteria", n.NodeID)
	}
	if len(val.MapsToNodeIDs) == 0 {
		c.reject(contracts.RejPlanVerificationWeak,
			"validate %s maps no nodes; set mapsToNodeIds", n.NodeID)
	}
}

func (v *Validator) checkEscalate(c *collector, n contracts.PlanNode) {
	esc := n.Escalate
	if esc == nil {
		c.reject(contracts.RejPlanMissingRequiredFields, "escalate %s carries no escalate payload", n.NodeID)
		return
	}
	if len(esc.RequestedEvidence) == 0 {
		c.reject(contracts.RejPlanMissingRequiredFields,
			"escalate %s requests no evidence", n.NodeID)
	}
	for _, req := range esc.RequestedEvidence {
		if !contracts.KnownEvidenceType(req.Type) {
			c.reject(contracts.RejPlanMissingRequiredFields,
				"escalate %s requests unknown evidence type %q (artifact_fetch, graph_expand, pack_rebuild, scope_expand)",
				n.NodeID, req.Type)
		}
	}
	if len(esc.BlockingReasons) == 0 {
		c.reject(contracts.RejPlanMissingRequiredFields,
			"escalate %s has no blockingReasons", n.NodeID)
	}
}

func (v *Validator) checkSideEffect(c *collector, n contracts.PlanNode) {
	se := n.SideEffect
	if se == nil {
		c.reject(contracts.RejPlanMissingRequiredFields, "side_effect %s carries no side_effect payload", n.NodeID)
		return
	}
	var missing []string
	if strings.TrimSpace(se.SideEffectType) == "" {
		missing = append(missing, "sideEffectType")
	}
	if strings.TrimSpace(se.SideEffectPayloadRef) == "" {
		missing = append(missing, "sideEffectPayloadRef")
	}
	if len(missing) > 0 {
		c.reject(contracts.RejPlanMissingRequiredFields,
			"side_effect %s missing: %s", n.NodeID, strings.Join(missing, ", "))
	}
	if strings.TrimSpace(se.CommitGateID) == "" {
		c.reject(contracts.RejExecUngatedSideEffect,
			"side_effect %s declares no commitGateId", n.NodeID)
	}
}

// namedRule is either a memory plan rule or a graph policy rule.
type namedRule struct {
	origin      string
	conditional bool
	rule        contracts.MemoryPlanRule
}

func memoryRules(b *contracts.EnforcementBundle) []namedRule {
	if b == nil {
		return nil
	}
	out := make([]namedRule, 0, len(b.MemoryPlanRules))
	for _, r := range b.MemoryPlanRules {
		out = append(out, namedRule{origin: "memory rule " + r.MemoryID, conditional: true, rule: r})
	}
	return out
}

func graphRules(b *contracts.EnforcementBundle) []namedRule {
	if b == nil {
		return nil
	}
	out := make([]namedRule, 0, len(b.GraphPolicyRules))
	for _, r := range b.GraphPolicyRules {
		out = append(out, namedRule{
			origin: "graph policy " + r.PolicyID,
			rule: contracts.MemoryPlanRule{
				MemoryID:      r.PolicyID,
				RequiredSteps: r.RequiredSteps,
				DenyCode:      r.DenyCode,
				Message:       r.Message,
			},
		})
	}
	return out
}

func (v *Validator) passRules(c *collector, doc *contracts.PlanGraphDocument, in Input, rules []namedRule) {
	if len(rules) == 0 {
		return
	}
	actx := activationContext(doc, in)
	for _, nr := range rules {
		if nr.conditional && nr.rule.Condition != "" && v.activator != nil {
			active, err := v.activator.Active(nr.rule, actx)
			if err != nil {
				v.logger.Warn("rule condition unevaluable, enforcing rule",
					"rule", nr.origin, "error", err)
			}
			if !active {
				continue
			}
		}
		for _, step := range nr.rule.RequiredSteps {
			if stepSatisfied(step, doc.Nodes) {
				continue
			}
			code := nr.rule.DenyCode
			if code == "" {
				code = contracts.RejPlanPolicyViolation
			}
			msg := nr.rule.Message
			if msg == "" {
				msg = "required step unmet"
			}
			pattern := step.TargetPattern
			if pattern == "" {
				pattern = "any"
			}
			c.reject(code, "%s: %s (needs a %s node matching %q)",
				nr.origin, msg, step.Kind, pattern)
		}
	}
}

func activationContext(doc *contracts.PlanGraphDocument, in Input) enforcement.ActivationContext {
	kindSet := make(map[string]struct{})
	var files []string
	for _, n := range doc.Nodes {
		kindSet[string(n.Kind)] = struct{}{}
		if n.Change != nil && n.Change.TargetFile != "" {
			files = append(files, n.Change.TargetFile)
		}
	}
	kinds := make([]string, 0, len(kindSet))
	for k := range kindSet {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return enforcement.ActivationContext{
		Strategy:  doc.KnowledgeStrategyID,
		Kinds:     kinds,
		Files:     files,
		Signature: in.Signature,
	}
}

// stepSatisfied reports whether some node matches the required step: same
// kind, and when a pattern is set, a case-insensitive substring hit on
// targetFile, targetSymbols, or verificationHooks.
func stepSatisfied(step contracts.RequiredStep, nodes []contracts.PlanNode) bool {
	pat := strings.ToLower(step.TargetPattern)
	for _, n := range nodes {
		if n.Kind != step.Kind {
			continue
		}
		if pat == "" {
			return true
		}
		for _, hay := range stepHaystack(n) {
			if strings.Contains(strings.ToLower(hay), pat) {
				return true
			}
		}
	}
	return false
}

func stepHaystack(n contracts.PlanNode) []string {
	var hay []string
	if n.Change != nil {
		hay = append(hay, n.Change.TargetFile)
		hay = append(hay, n.Change.TargetSymbols...)
		hay = append(hay, n.Change.VerificationHooks...)
	}
	if n.Validate != nil {
		hay = append(hay, n.Validate.VerificationHooks...)
	}
	return hay
}

func (v *Validator) passMigrationCitations(c *collector, doc *contracts.PlanGraphDocument) {
	if doc.KnowledgeStrategyID != strategy.StrategyMigration {
		return
	}
	for _, n := range doc.Nodes {
		if n.Kind != contracts.NodeChange || n.Change == nil {
			continue
		}
		if !hasMigrationRef(n.Change) {
			c.reject(contracts.RejPlanMigrationRuleMissing,
				"change %s must cite a migration: rule under the %s strategy",
				n.NodeID, strategy.StrategyMigration)
		}
	}
}

func hasMigrationRef(ch *contracts.ChangeNode) bool {
	for _, r := range ch.PolicyRefs {
		if strings.HasPrefix(r, "migration:") {
			return true
		}
	}
	for _, r := range ch.Citations {
		if strings.HasPrefix(r, "migration:") {
			return true
		}
	}
	return false
}

func (v *Validator) catalogIDs() []string {
	out := make([]string, 0, len(v.catalog))
	for id := range v.catalog {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
