package contracts

import "time"

// RunState is the gated lifecycle state of a work session.
type RunState string

const (
	StateUninitialized    RunState = "UNINITIALIZED"
	StatePlanning         RunState = "PLANNING"
	StatePlanRequired     RunState = "PLAN_REQUIRED"
	StatePlanAccepted     RunState = "PLAN_ACCEPTED"
	StateExecutionEnabled RunState = "EXECUTION_ENABLED"
	StateBlockedBudget    RunState = "BLOCKED_BUDGET"
	StateCompleted        RunState = "COMPLETED"
	StateFailed           RunState = "FAILED"
)

// Terminal reports whether s admits no further transitions.
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// MutationPermitted reports whether mutation verbs may run in s.
// EXECUTION_ENABLED is the post-first-mutation refinement of PLAN_ACCEPTED.
func (s RunState) MutationPermitted() bool {
	return s == StatePlanAccepted || s == StateExecutionEnabled
}

// ContextPack is the monotonically growing set of files the agent may
// read in this session, identified by a canonical content hash.
type ContextPack struct {
	Ref   string   `json:"ref"`
	Hash  string   `json:"hash"`
	Files []string `json:"files"`

	// Insufficiency is set when a required anchor could not be resolved
	// at build time. Surfaced, never silently dropped.
	Insufficiency *PackInsufficiency `json:"insufficiency,omitempty"`
}

// PackInsufficiency records why a pack could not satisfy a required anchor.
type PackInsufficiency struct {
	Code   RejectionCode `json:"code"`
	Reason string        `json:"reason"`
	Needed []string      `json:"needed,omitempty"`
}

// HasFile reports whether path is already in the pack's file list.
func (p *ContextPack) HasFile(path string) bool {
	if p == nil {
		return false
	}
	for _, f := range p.Files {
		if f == path {
			return true
		}
	}
	return false
}

// PlanGraphProgress tracks node completion for the accepted plan.
type PlanGraphProgress struct {
	TotalNodes              int      `json:"totalNodes"`
	CompletedNodeIDs        []string `json:"completedNodeIds"`
	EligibleValidateNodeIDs []string `json:"eligibleValidateNodeIds"`
}

// Completed reports whether id is already recorded as done.
func (p *PlanGraphProgress) Completed(id string) bool {
	if p == nil {
		return false
	}
	for _, c := range p.CompletedNodeIDs {
		if c == id {
			return true
		}
	}
	return false
}

// Remaining returns the node ids of plan that are not yet completed.
func (p *PlanGraphProgress) Remaining(plan *PlanGraphDocument) []string {
	var out []string
	if plan == nil {
		return out
	}
	for i := range plan.Nodes {
		if !p.Completed(plan.Nodes[i].NodeID) {
			out = append(out, plan.Nodes[i].NodeID)
		}
	}
	return out
}

// Artifact is an external document attached to the session (Jira issue,
// Swagger ref, fetched attachment).
type Artifact struct {
	Ref       string            `json:"ref"`
	Kind      string            `json:"kind"` // jira_issue, api_spec, attachment
	Source    string            `json:"source"`
	Title     string            `json:"title,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	FetchedAt time.Time         `json:"fetchedAt"`
}

// BudgetStatus is the token-budget slice of every response envelope.
type BudgetStatus struct {
	MaxTokens       int  `json:"maxTokens"`
	UsedTokens      int  `json:"usedTokens"`
	ThresholdTokens int  `json:"thresholdTokens"`
	Blocked         bool `json:"blocked"`
}

// ScopeAllowlist bounds the files and symbols a session may touch.
type ScopeAllowlist struct {
	Ref     string   `json:"ref"`
	Files   []string `json:"files"`   // repo-relative paths or doublestar globs
	Symbols []string `json:"symbols"` // exact symbol names; empty = unrestricted
}

// SessionState is the authoritative per-session record. It is owned by the
// session store and mutated only by the dispatcher while holding the lease.
type SessionState struct {
	RunSessionID   string   `json:"runSessionId"`
	WorkID         string   `json:"workId"`
	AgentID        string   `json:"agentId"`
	State          RunState `json:"state"`
	OriginalPrompt string   `json:"originalPrompt"`

	RejectionCounts map[string]int `json:"rejectionCounts"`
	ActionCounts    map[string]int `json:"actionCounts"`
	UsedTokens      int            `json:"usedTokens"`

	// ThresholdOverride raises the budget threshold for this session after
	// an operator releases a budget block. Zero means the profile threshold
	// applies. StateBeforeBlock remembers where to resume on release.
	ThresholdOverride int      `json:"thresholdOverride,omitempty"`
	StateBeforeBlock  RunState `json:"stateBeforeBlock,omitempty"`

	PlanGraph         *PlanGraphDocument `json:"planGraph,omitempty"`
	ScopeAllowlist    *ScopeAllowlist    `json:"scopeAllowlist,omitempty"`
	Artifacts         []Artifact         `json:"artifacts"`
	ContextPack       *ContextPack       `json:"contextPack,omitempty"`
	PlanGraphProgress *PlanGraphProgress `json:"planGraphProgress,omitempty"`
	Enforcement       *EnforcementBundle `json:"enforcementBundle,omitempty"`

	KnowledgeStrategyID string            `json:"knowledgeStrategyId,omitempty"`
	StrategySignature   map[string]string `json:"strategySignature,omitempty"`
	WorktreeRoot        string            `json:"worktreeRoot,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
}

// CountRejection bumps the histogram for a rejection code.
func (s *SessionState) CountRejection(code RejectionCode) {
	if s.RejectionCounts == nil {
		s.RejectionCounts = make(map[string]int)
	}
	s.RejectionCounts[string(code)]++
}

// CountAction bumps the histogram for a dispatched verb.
func (s *SessionState) CountAction(v Verb) {
	if s.ActionCounts == nil {
		s.ActionCounts = make(map[string]int)
	}
	s.ActionCounts[string(v)]++
}

// ArtifactByRef returns the recorded artifact with the given ref, or nil.
func (s *SessionState) ArtifactByRef(ref string) *Artifact {
	for i := range s.Artifacts {
		if s.Artifacts[i].Ref == ref {
			return &s.Artifacts[i]
		}
	}
	return nil
}
