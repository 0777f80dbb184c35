package contracts

// MigrationStatus is the review status of a migration rule.
type MigrationStatus string

const (
	MigrationApproved  MigrationStatus = "approved"
	MigrationCandidate MigrationStatus = "candidate"
	MigrationUnknown   MigrationStatus = "unknown"
	MigrationNoAnalog  MigrationStatus = "no_analog"
)

// MemoryPlanRule is an active plan_rule memory flattened for the validator.
type MemoryPlanRule struct {
	MemoryID      string         `json:"memoryId"`
	Condition     string         `json:"condition,omitempty"`
	RequiredSteps []RequiredStep `json:"requiredSteps"`
	DenyCode      RejectionCode  `json:"denyCode"`
	Message       string         `json:"message,omitempty"`
}

// GraphPolicyKind names the policy node kinds that convert into rules.
type GraphPolicyKind string

const (
	PolicyUIIntent        GraphPolicyKind = "ui_intent"
	PolicyComponentIntent GraphPolicyKind = "component_intent"
	PolicyMacroConstraint GraphPolicyKind = "macro_constraint"
)

// GraphPolicyRule is an ephemeral rule derived from a grounded policy node
// with hard_deny enforcement. Grounded means linked to a UsageExample.
type GraphPolicyRule struct {
	PolicyID      string          `json:"policyId"`
	Kind          GraphPolicyKind `json:"kind"`
	RequiredSteps []RequiredStep  `json:"requiredSteps"`
	DenyCode      RejectionCode   `json:"denyCode"`
	Message       string          `json:"message,omitempty"`
}

// AdvisoryPolicy is an ungrounded policy node: surfaced in the pack for the
// agent to see, never enforced by the validator.
type AdvisoryPolicy struct {
	PolicyID string          `json:"policyId"`
	Kind     GraphPolicyKind `json:"kind"`
	Summary  string          `json:"summary"`
}

// MigrationRule maps a legacy tag to its replacement.
type MigrationRule struct {
	RuleID  string          `json:"ruleId"`
	FromTag string          `json:"fromTag"`
	ToTag   string          `json:"toTag"`
	Status  MigrationStatus `json:"status"`
}

// EnforcementBundle is the pre-computed union of memory plan rules, grounded
// graph-policy rules, and migration rules the plan validator consumes. Built
// once per session at init; refreshed when the pack hash changes.
type EnforcementBundle struct {
	MemoryPlanRules  []MemoryPlanRule  `json:"memoryPlanRules"`
	GraphPolicyRules []GraphPolicyRule `json:"graphPolicyRules"`
	MigrationRules   []MigrationRule   `json:"migrationRules"`
	AdvisoryPolicies []AdvisoryPolicy  `json:"advisoryPolicies"`
	BuiltForPackHash string            `json:"builtForPackHash,omitempty"`
}

// Empty reports whether the bundle enforces nothing.
func (b *EnforcementBundle) Empty() bool {
	return b == nil ||
		(len(b.MemoryPlanRules) == 0 && len(b.GraphPolicyRules) == 0 && len(b.MigrationRules) == 0)
}
