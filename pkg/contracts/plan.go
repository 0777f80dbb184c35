package contracts

import (
	"encoding/json"
	"fmt"
)

// NodeKind discriminates the four plan-node variants.
type NodeKind string

const (
	NodeChange     NodeKind = "change"
	NodeValidate   NodeKind = "validate"
	NodeEscalate   NodeKind = "escalate"
	NodeSideEffect NodeKind = "side_effect"
)

// EvidenceType is the closed set of evidence an escalate node may request.
type EvidenceType string

const (
	EvidenceArtifactFetch EvidenceType = "artifact_fetch"
	EvidenceGraphExpand   EvidenceType = "graph_expand"
	EvidencePackRebuild   EvidenceType = "pack_rebuild"
	EvidenceScopeExpand   EvidenceType = "scope_expand"
)

// KnownEvidenceType reports whether t is one of the accepted request types.
func KnownEvidenceType(t EvidenceType) bool {
	switch t {
	case EvidenceArtifactFetch, EvidenceGraphExpand, EvidencePackRebuild, EvidenceScopeExpand:
		return true
	}
	return false
}

// PlanGraphDocument is the plan an agent submits for acceptance.
type PlanGraphDocument struct {
	WorkID                   string           `json:"workId"`
	AgentID                  string           `json:"agentId"`
	RunSessionID             string           `json:"runSessionId"`
	RepoSnapshotID           string           `json:"repoSnapshotId"`
	WorktreeRoot             string           `json:"worktreeRoot"`
	ContextPackRef           string           `json:"contextPackRef"`
	ContextPackHash          string           `json:"contextPackHash"`
	ScopeAllowlistRef        string           `json:"scopeAllowlistRef"`
	KnowledgeStrategyID      string           `json:"knowledgeStrategyId"`
	KnowledgeStrategyReasons []StrategyReason `json:"knowledgeStrategyReasons"`
	SourceTraceRefs          []string         `json:"sourceTraceRefs"`
	PlanFingerprint          string           `json:"planFingerprint"`
	SchemaVersion            string           `json:"schemaVersion"`
	EvidencePolicy           EvidencePolicy   `json:"evidencePolicy"`
	Nodes                    []PlanNode       `json:"nodes"`
}

// StrategyReason justifies the selected knowledge strategy with evidence.
type StrategyReason struct {
	Reason      string `json:"reason"`
	EvidenceRef string `json:"evidenceRef"`
}

// EvidencePolicy tunes the per-change-node evidence sufficiency check.
type EvidencePolicy struct {
	MinDistinctSources         int  `json:"minDistinctSources"`
	MinRequirementSources      int  `json:"minRequirementSources"`
	MinCodeEvidenceSources     int  `json:"minCodeEvidenceSources"`
	AllowSingleSourceWithGuard bool `json:"allowSingleSourceWithGuard"`
}

// AtomicityBoundary declares what a node is and is not allowed to touch.
type AtomicityBoundary struct {
	InScopeAcceptanceCriteriaIDs    []string `json:"inScopeAcceptanceCriteriaIds"`
	OutOfScopeAcceptanceCriteriaIDs []string `json:"outOfScopeAcceptanceCriteriaIds"`
	InScopeModules                  []string `json:"inScopeModules"`
	OutOfScopeModules               []string `json:"outOfScopeModules"`
}

// ChangeNode is the mutation variant payload.
type ChangeNode struct {
	Operation           string   `json:"operation"`
	TargetFile          string   `json:"targetFile"`
	TargetSymbols       []string `json:"targetSymbols"`
	WhyThisFile         string   `json:"whyThisFile"`
	EditIntent          string   `json:"editIntent"`
	EscalateIf          []string `json:"escalateIf"`
	Citations           []string `json:"citations"`
	CodeEvidence        []string `json:"codeEvidence"`
	ArtifactRefs        []string `json:"artifactRefs"`
	PolicyRefs          []string `json:"policyRefs"`
	VerificationHooks   []string `json:"verificationHooks"`
	LowEvidenceGuard    bool     `json:"lowEvidenceGuard,omitempty"`
	UncertaintyNote     string   `json:"uncertaintyNote,omitempty"`
	RequiresHumanReview bool     `json:"requiresHumanReview,omitempty"`
}

// ValidateNode is the verification variant payload.
type ValidateNode struct {
	VerificationHooks []string `json:"verificationHooks"`
	MapsToNodeIDs     []string `json:"mapsToNodeIds"`
	SuccessCriteria   []string `json:"successCriteria"`
}

// RequestedEvidence is one item an escalate node asks the controller for.
type RequestedEvidence struct {
	Type   EvidenceType `json:"type"`
	Detail string       `json:"detail"`
}

// EscalateNode is the evidence-request variant payload.
type EscalateNode struct {
	RequestedEvidence []RequestedEvidence `json:"requestedEvidence"`
	BlockingReasons   []string            `json:"blockingReasons"`
}

// SideEffectNode is the gated external-effect variant payload.
type SideEffectNode struct {
	SideEffectType       string `json:"sideEffectType"`
	SideEffectPayloadRef string `json:"sideEffectPayloadRef"`
	CommitGateID         string `json:"commitGateId"`
}

// PlanNode is the discriminated plan-graph node. Exactly one of the variant
// payloads is set, matching Kind. The wire form is flat: variant fields sit
// beside the shared ones, discriminated by "kind".
type PlanNode struct {
	NodeID                    string            `json:"nodeId"`
	Kind                      NodeKind          `json:"kind"`
	DependsOn                 []string          `json:"dependsOn"`
	ExpectedFailureSignatures []string          `json:"expectedFailureSignatures"`
	AtomicityBoundary         AtomicityBoundary `json:"atomicityBoundary"`

	Change     *ChangeNode     `json:"-"`
	Validate   *ValidateNode   `json:"-"`
	Escalate   *EscalateNode   `json:"-"`
	SideEffect *SideEffectNode `json:"-"`
}

// planNodeWire is the flat encoding shared by all four variants.
//
//nolint:govet // fieldalignment: wire layout mirrors the document order
type planNodeWire struct {
	NodeID                    string            `json:"nodeId"`
	Kind                      NodeKind          `json:"kind"`
	DependsOn                 []string          `json:"dependsOn,omitempty"`
	ExpectedFailureSignatures []string          `json:"expectedFailureSignatures,omitempty"`
	AtomicityBoundary         AtomicityBoundary `json:"atomicityBoundary"`

	// change
	Operation           string   `json:"operation,omitempty"`
	TargetFile          string   `json:"targetFile,omitempty"`
	TargetSymbols       []string `json:"targetSymbols,omitempty"`
	WhyThisFile         string   `json:"whyThisFile,omitempty"`
	EditIntent          string   `json:"editIntent,omitempty"`
	EscalateIf          []string `json:"escalateIf,omitempty"`
	Citations           []string `json:"citations,omitempty"`
	CodeEvidence        []string `json:"codeEvidence,omitempty"`
	ArtifactRefs        []string `json:"artifactRefs,omitempty"`
	PolicyRefs          []string `json:"policyRefs,omitempty"`
	LowEvidenceGuard    bool     `json:"lowEvidenceGuard,omitempty"`
	UncertaintyNote     string   `json:"uncertaintyNote,omitempty"`
	RequiresHumanReview bool     `json:"requiresHumanReview,omitempty"`

	// change + validate
	VerificationHooks []string `json:"verificationHooks,omitempty"`

	// validate
	MapsToNodeIDs   []string `json:"mapsToNodeIds,omitempty"`
	SuccessCriteria []string `json:"successCriteria,omitempty"`

	// escalate
	RequestedEvidence []RequestedEvidence `json:"requestedEvidence,omitempty"`
	BlockingReasons   []string            `json:"blockingReasons,omitempty"`

	// side_effect
	SideEffectType       string `json:"sideEffectType,omitempty"`
	SideEffectPayloadRef string `json:"sideEffectPayloadRef,omitempty"`
	CommitGateID         string `json:"commitGateId,omitempty"`
}

// MarshalJSON flattens the active variant into the wire form.
func (n PlanNode) MarshalJSON() ([]byte, error) {
	w := planNodeWire{
		NodeID:                    n.NodeID,
		Kind:                      n.Kind,
		DependsOn:                 n.DependsOn,
		ExpectedFailureSignatures: n.ExpectedFailureSignatures,
		AtomicityBoundary:         n.AtomicityBoundary,
	}
	switch n.Kind {
	case NodeChange:
		if n.Change != nil {
			c := n.Change
			w.Operation = c.Operation
			w.TargetFile = c.TargetFile
			w.TargetSymbols = c.TargetSymbols
			w.WhyThisFile = c.WhyThisFile
			w.EditIntent = c.EditIntent
			w.EscalateIf = c.EscalateIf
			w.Citations = c.Citations
			w.CodeEvidence = c.CodeEvidence
			w.ArtifactRefs = c.ArtifactRefs
			w.PolicyRefs = c.PolicyRefs
			w.VerificationHooks = c.VerificationHooks
			w.LowEvidenceGuard = c.LowEvidenceGuard
			w.UncertaintyNote = c.UncertaintyNote
			w.RequiresHumanReview = c.RequiresHumanReview
		}
	case NodeValidate:
		if n.Validate != nil {
			w.VerificationHooks = n.Validate.VerificationHooks
			w.MapsToNodeIDs = n.Validate.MapsToNodeIDs
			w.SuccessCriteria = n.Validate.SuccessCriteria
		}
	case NodeEscalate:
		if n.Escalate != nil {
			w.RequestedEvidence = n.Escalate.RequestedEvidence
			w.BlockingReasons = n.Escalate.BlockingReasons
		}
	case NodeSideEffect:
		if n.SideEffect != nil {
			w.SideEffectType = n.SideEffect.SideEffectType
			w.SideEffectPayloadRef = n.SideEffect.SideEffectPayloadRef
			w.CommitGateID = n.SideEffect.CommitGateID
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON reads the flat wire form and assembles the matching variant.
func (n *PlanNode) UnmarshalJSON(data []byte) error {
	var w planNodeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	n.NodeID = w.NodeID
	n.Kind = w.Kind
	n.DependsOn = w.DependsOn
	n.ExpectedFailureSignatures = w.ExpectedFailureSignatures
	n.AtomicityBoundary = w.AtomicityBoundary
	n.Change, n.Validate, n.Escalate, n.SideEffect = nil, nil, nil, nil
	switch w.Kind {
	case NodeChange:
		n.Change = &ChangeNode{
			Operation:           w.Operation,
			TargetFile:          w.TargetFile,
			TargetSymbols:       w.TargetSymbols,
			WhyThisFile:         w.WhyThisFile,
			EditIntent:          w.EditIntent,
			EscalateIf:          w.EscalateIf,
			Citations:           w.Citations,
			CodeEvidence:        w.CodeEvidence,
			ArtifactRefs:        w.ArtifactRefs,
			PolicyRefs:          w.PolicyRefs,
			VerificationHooks:   w.VerificationHooks,
			LowEvidenceGuard:    w.LowEvidenceGuard,
			UncertaintyNote:     w.UncertaintyNote,
			RequiresHumanReview: w.RequiresHumanReview,
		}
	case NodeValidate:
		n.Validate = &ValidateNode{
			VerificationHooks: w.VerificationHooks,
			MapsToNodeIDs:     w.MapsToNodeIDs,
			SuccessCriteria:   w.SuccessCriteria,
		}
	case NodeEscalate:
		n.Escalate = &EscalateNode{
			RequestedEvidence: w.RequestedEvidence,
			BlockingReasons:   w.BlockingReasons,
		}
	case NodeSideEffect:
		n.SideEffect = &SideEffectNode{
			SideEffectType:       w.SideEffectType,
			SideEffectPayloadRef: w.SideEffectPayloadRef,
			CommitGateID:         w.CommitGateID,
		}
	case "":
		return fmt.Errorf("plan node %q: missing kind", w.NodeID)
	default:
		return fmt.Errorf("plan node %q: unknown kind %q", w.NodeID, w.Kind)
	}
	return nil
}

// NodeByID returns the node with the given id, or nil.
func (p *PlanGraphDocument) NodeByID(id string) *PlanNode {
	for i := range p.Nodes {
		if p.Nodes[i].NodeID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

// NodesOfKind returns the ids of all nodes with the given kind, in order.
func (p *PlanGraphDocument) NodesOfKind(kind NodeKind) []string {
	var ids []string
	for i := range p.Nodes {
		if p.Nodes[i].Kind == kind {
			ids = append(ids, p.Nodes[i].NodeID)
		}
	}
	return ids
}
