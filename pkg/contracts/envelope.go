package contracts

// CallEnvelope is the per-call identity and trace metadata delivered by the
// transport alongside the verb arguments.
type CallEnvelope struct {
	RunSessionID string `json:"runSessionId"`
	WorkID       string `json:"workId"`
	AgentID      string `json:"agentId"`
	TraceParent  string `json:"traceParent,omitempty"`
	DeadlineMs   int    `json:"deadlineMs,omitempty"`
}

// SuggestedAction is the remediation hint attached to every deny.
type SuggestedAction struct {
	Verb   Verb   `json:"verb"`
	Reason string `json:"reason"`
}

// ScopeInfo is the scope slice of the response envelope.
type ScopeInfo struct {
	WorktreeRoot string `json:"worktreeRoot"`
}

// Response is the uniform envelope every verb returns.
type Response struct {
	RunSessionID      string                   `json:"runSessionId"`
	WorkID            string                   `json:"workId"`
	AgentID           string                   `json:"agentId"`
	State             RunState                 `json:"state"`
	Capabilities      []Verb                   `json:"capabilities"`
	DenyReasons       []RejectionCode          `json:"denyReasons"`
	TraceRef          string                   `json:"traceRef"`
	SchemaVersion     string                   `json:"schemaVersion"`
	BudgetStatus      BudgetStatus             `json:"budgetStatus"`
	Scope             ScopeInfo                `json:"scope"`
	KnowledgeStrategy string                   `json:"knowledgeStrategy,omitempty"`
	SubAgentHints     []string                 `json:"subAgentHints,omitempty"`
	VerbDescriptions  map[Verb]VerbDescription `json:"verbDescriptions"`
	Result            map[string]any           `json:"result"`
	SuggestedAction   *SuggestedAction         `json:"suggestedAction,omitempty"`
}

// VerbResult is what a handler returns to the dispatcher: a result payload,
// zero or more deny codes, and an optional state override.
type VerbResult struct {
	Result        map[string]any
	DenyReasons   []RejectionCode
	StateOverride *RunState
}

// Denied reports whether the handler refused the verb.
func (r *VerbResult) Denied() bool {
	return len(r.DenyReasons) > 0
}

// IntendedEffectSet declares everything an operation intends to touch.
// The collision guard reserves these per session.
type IntendedEffectSet struct {
	Files               []string `json:"files"`
	Symbols             []string `json:"symbols"`
	GraphMutations      []string `json:"graphMutations"`
	ExternalSideEffects []string `json:"externalSideEffects"`
}

// Empty reports whether the set declares nothing.
func (e IntendedEffectSet) Empty() bool {
	return len(e.Files) == 0 && len(e.Symbols) == 0 &&
		len(e.GraphMutations) == 0 && len(e.ExternalSideEffects) == 0
}
