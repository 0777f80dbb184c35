package contracts

import "time"

// MemoryTrigger names what produced a memory record.
type MemoryTrigger string

const (
	TriggerRejectionPattern MemoryTrigger = "rejection_pattern"
	TriggerHumanOverride    MemoryTrigger = "human_override"
	TriggerRetrospective    MemoryTrigger = "retrospective"
)

// MemoryPhase names the lifecycle phase a memory applies to.
type MemoryPhase string

const (
	PhasePlanning      MemoryPhase = "planning"
	PhaseExecution     MemoryPhase = "execution"
	PhaseRetrospective MemoryPhase = "retrospective"
)

// EnforcementType decides how an active memory influences the controller.
type EnforcementType string

const (
	EnforceFewShot        EnforcementType = "few_shot"
	EnforcePlanRule       EnforcementType = "plan_rule"
	EnforceStrategySignal EnforcementType = "strategy_signal"
	EnforceInformational  EnforcementType = "informational"
)

// MemoryState is the record lifecycle state.
type MemoryState string

const (
	MemoryPending     MemoryState = "pending"
	MemoryProvisional MemoryState = "provisional"
	MemoryApproved    MemoryState = "approved"
	MemoryRejected    MemoryState = "rejected"
	MemoryExpired     MemoryState = "expired"
)

// Active reports whether a memory in state s participates in enforcement.
func (s MemoryState) Active() bool {
	return s == MemoryApproved || s == MemoryProvisional
}

// FewShotPayload carries a worked example injected during symbol
// neighbour queries.
type FewShotPayload struct {
	Before   string `json:"before"`
	After    string `json:"after"`
	WhyWrong string `json:"whyWrong"`
}

// RequiredStep is one structural demand a plan rule places on a plan.
type RequiredStep struct {
	Kind          NodeKind `json:"kind"`
	TargetPattern string   `json:"targetPattern,omitempty"`
}

// PlanRulePayload turns a memory into a structural plan requirement.
// Condition is an optional CEL expression over the plan context; empty
// means always active.
type PlanRulePayload struct {
	Condition     string         `json:"condition,omitempty"`
	RequiredSteps []RequiredStep `json:"requiredSteps"`
	DenyCode      RejectionCode  `json:"denyCode"`
	Message       string         `json:"message,omitempty"`
}

// StrategySignalPayload overrides context-signature features before the
// strategy id is re-derived.
type StrategySignalPayload struct {
	FeatureOverrides map[string]string `json:"featureOverrides"`
	Rationale        string            `json:"rationale,omitempty"`
}

// MemoryRecord is a learned or human-supplied rule bound to domain anchors.
type MemoryRecord struct {
	ID               string          `json:"id"`
	Trigger          MemoryTrigger   `json:"trigger"`
	Phase            MemoryPhase     `json:"phase"`
	DomainAnchorIDs  []string        `json:"domainAnchorIds"`
	RejectionCodes   []RejectionCode `json:"rejectionCodes,omitempty"`
	OriginStrategyID string          `json:"originStrategyId,omitempty"`
	EnforcementType  EnforcementType `json:"enforcementType"`

	FewShot        *FewShotPayload        `json:"fewShot,omitempty"`
	PlanRule       *PlanRulePayload       `json:"planRule,omitempty"`
	StrategySignal *StrategySignalPayload `json:"strategySignal,omitempty"`

	State     MemoryState `json:"state"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`

	// Provenance
	SourceSessionID string `json:"sourceSessionId,omitempty"`
	SourceFile      string `json:"sourceFile,omitempty"`
	CreatedBy       string `json:"createdBy,omitempty"`
	Note            string `json:"note,omitempty"`
}

// AppliesToAnchor reports whether the record is bound to anchorID.
func (m *MemoryRecord) AppliesToAnchor(anchorID string) bool {
	for _, a := range m.DomainAnchorIDs {
		if a == anchorID {
			return true
		}
	}
	return false
}

// DomainAnchor is a folder-scoped identity used to bind memories and
// policies to regions of the repository. ID shape: "anchor:<folderPath>".
type DomainAnchor struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	FolderPath     string `json:"folderPath"`
	Depth          int    `json:"depth"`
	ParentAnchorID string `json:"parentAnchorId,omitempty"`
	AutoSeeded     bool   `json:"autoSeeded"`
}

// AnchorIDPrefix prefixes every domain anchor id.
const AnchorIDPrefix = "anchor:"
