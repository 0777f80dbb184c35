// Package strategy derives the knowledge strategy for a session from a
// deterministic context signature. Same inputs, same strategy; the only
// sanctioned influence is a strategy_signal memory overriding individual
// features before re-derivation.
package strategy

import (
	"strings"

	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/indexer"
)

// Strategy ids, ordered by cascade priority.
const (
	StrategyMigration   = "migration_adp_to_sdf"
	StrategyDebug       = "debug_trace_first"
	StrategyAPIContract = "api_contract_first"
	StrategyUIFeature   = "ui_feature_graph_first"
	StrategyDefault     = "default_minimal_context"
)

// Confidence levels for test_confidence_level.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
	ConfidenceNone   = "none"
)

// Task type guesses.
const (
	TaskUIFeature   = "ui_feature"
	TaskAPIContract = "api_contract"
	TaskMigration   = "migration"
	TaskDebug       = "debug"
	TaskUnknown     = "unknown"
)

// Signature is the boolean/enum feature vector the strategy derives from.
type Signature struct {
	HasSwagger               bool   `json:"has_swagger"`
	MentionsAgGrid           bool   `json:"mentions_aggrid"`
	BehindFederationBoundary bool   `json:"behind_federation_boundary"`
	TouchesShadowDOM         bool   `json:"touches_shadow_dom"`
	MigrationAdpPresent      bool   `json:"migration_adp_present"`
	SdfContractAvailable     bool   `json:"sdf_contract_available"`
	TestConfidenceLevel      string `json:"test_confidence_level"`
	TaskTypeGuess            string `json:"task_type_guess"`
	HasRouteGuards           bool   `json:"has_route_guards"`
	HasTemplateDirectives    bool   `json:"has_template_directives"`
}

// Map flattens the signature for rule conditions and pack surfacing.
func (s Signature) Map() map[string]string {
	b := func(v bool) string {
		if v {
			return "true"
		}
		return "false"
	}
	return map[string]string{
		"has_swagger":                b(s.HasSwagger),
		"mentions_aggrid":            b(s.MentionsAgGrid),
		"behind_federation_boundary": b(s.BehindFederationBoundary),
		"touches_shadow_dom":         b(s.TouchesShadowDOM),
		"migration_adp_present":      b(s.MigrationAdpPresent),
		"sdf_contract_available":     b(s.SdfContractAvailable),
		"test_confidence_level":      s.TestConfidenceLevel,
		"task_type_guess":            s.TaskTypeGuess,
		"has_route_guards":           b(s.HasRouteGuards),
		"has_template_directives":    b(s.HasTemplateDirectives),
	}
}

// Inputs is everything the selector may look at. All fields optional.
type Inputs struct {
	Prompt     string
	Lexemes    []string
	Artifacts  []contracts.Artifact
	JiraFields map[string]string
	SymbolHits []indexer.SymbolHit
	Anchors    []string
	Guards     []string
	Directives []indexer.Directive
}

// Selection is the derived strategy with its evidence trail.
type Selection struct {
	StrategyID string                     `json:"strategyId"`
	Reasons    []contracts.StrategyReason `json:"reasons"`
	Signature  Signature                  `json:"contextSignature"`
}

// Select computes the signature, applies strategy_signal overrides, and
// derives the strategy id through the priority cascade
// migration -> debug -> api_contract -> ui_feature -> default.
func Select(in Inputs, signals []contracts.StrategySignalPayload) Selection {
	sig, reasons := deriveSignature(in)

	for _, sg := range signals {
		for feature, value := range sg.FeatureOverrides {
			if applyOverride(&sig, feature, value) {
				reasons = append(reasons, contracts.StrategyReason{
					Reason:      "strategy signal memory overrides " + feature + "=" + value,
					EvidenceRef: "memory:strategy_signal",
				})
			}
		}
	}

	id := deriveID(sig)
	if len(reasons) == 0 {
		reasons = append(reasons, contracts.StrategyReason{
			Reason:      "no strong signals; defaulting to minimal context",
			EvidenceRef: "prompt",
		})
	}
	return Selection{StrategyID: id, Reasons: reasons, Signature: sig}
}

func deriveID(sig Signature) string {
	switch {
	case sig.TaskTypeGuess == TaskMigration || sig.MigrationAdpPresent:
		return StrategyMigration
	case sig.TaskTypeGuess == TaskDebug:
		return StrategyDebug
	case sig.TaskTypeGuess == TaskAPIContract || sig.HasSwagger:
		return StrategyAPIContract
	case sig.TaskTypeGuess == TaskUIFeature || sig.MentionsAgGrid:
		return StrategyUIFeature
	}
	return StrategyDefault
}

func deriveSignature(in Inputs) (Signature, []contracts.StrategyReason) {
	var reasons []contracts.StrategyReason
	note := func(reason, ref string) {
		reasons = append(reasons, contracts.StrategyReason{Reason: reason, EvidenceRef: ref})
	}

	text := strings.ToLower(in.Prompt + " " + strings.Join(in.Lexemes, " "))
	for _, v := range in.JiraFields {
		text += " " + strings.ToLower(v)
	}

	sig := Signature{
		TestConfidenceLevel: ConfidenceNone,
		TaskTypeGuess:       TaskUnknown,
	}

	for _, a := range in.Artifacts {
		if a.Kind == "api_spec" {
			sig.HasSwagger = true
			note("api spec artifact attached", a.Ref)
		}
	}
	if !sig.HasSwagger && containsAny(text, "swagger", "openapi") {
		sig.HasSwagger = true
		note("prompt mentions an API spec", "prompt")
	}

	if containsAny(text, "ag-grid", "aggrid", "ag grid") {
		sig.MentionsAgGrid = true
		note("prompt mentions ag-Grid", "prompt")
	}
	if containsAny(text, "module federation", "loadremotemodule", "remote module", "federated") {
		sig.BehindFederationBoundary = true
		note("federation boundary referenced", "prompt")
	}
	for _, h := range in.SymbolHits {
		if strings.Contains(strings.ToLower(h.Symbol), "loadremotemodule") {
			sig.BehindFederationBoundary = true
			note("loadRemoteModule found in symbol hits", h.File)
			break
		}
	}
	if containsAny(text, "shadow dom", "shadowroot", "shadow-root") {
		sig.TouchesShadowDOM = true
		note("shadow DOM referenced", "prompt")
	}

	for _, h := range in.SymbolHits {
		lo := strings.ToLower(h.Symbol)
		if strings.HasPrefix(lo, "adp-") || strings.Contains(lo, "adpgrid") {
			sig.MigrationAdpPresent = true
			note("legacy adp component present", h.File)
		}
		if strings.HasPrefix(lo, "sdf-") || strings.Contains(lo, "sdftable") {
			sig.SdfContractAvailable = true
			note("sdf replacement available", h.File)
		}
	}
	if containsAny(text, "adp-") {
		sig.MigrationAdpPresent = true
		note("adp component named in prompt", "prompt")
	}
	if containsAny(text, "sdf-") {
		sig.SdfContractAvailable = true
		note("sdf contract named in prompt", "prompt")
	}

	specFiles := 0
	for _, h := range in.SymbolHits {
		if strings.HasSuffix(h.File, ".spec.ts") || strings.HasSuffix(h.File, "_test.go") {
			specFiles++
		}
	}
	switch {
	case specFiles >= 3:
		sig.TestConfidenceLevel = ConfidenceHigh
	case specFiles >= 1:
		sig.TestConfidenceLevel = ConfidenceMedium
	case containsAny(text, "test", "spec"):
		sig.TestConfidenceLevel = ConfidenceLow
	}

	sig.HasRouteGuards = len(in.Guards) > 0
	sig.HasTemplateDirectives = len(in.Directives) > 0

	switch {
	case containsAny(text, "migrat", "adp to sdf", "adp->sdf"):
		sig.TaskTypeGuess = TaskMigration
		note("migration language in prompt", "prompt")
	case containsAny(text, "bug", "fix ", "broken", "crash", "error", "debug", "regression"):
		sig.TaskTypeGuess = TaskDebug
		note("defect language in prompt", "prompt")
	case containsAny(text, "api", "endpoint", "contract", "swagger", "openapi"):
		sig.TaskTypeGuess = TaskAPIContract
		note("API contract language in prompt", "prompt")
	case containsAny(text, "ui", "grid", "component", "button", "screen", "page", "form", "dialog"):
		sig.TaskTypeGuess = TaskUIFeature
		note("UI feature language in prompt", "prompt")
	}

	return sig, reasons
}

func applyOverride(sig *Signature, feature, value string) bool {
	truthy := value == "true"
	switch feature {
	case "has_swagger":
		sig.HasSwagger = truthy
	case "mentions_aggrid":
		sig.MentionsAgGrid = truthy
	case "behind_federation_boundary":
		sig.BehindFederationBoundary = truthy
	case "touches_shadow_dom":
		sig.TouchesShadowDOM = truthy
	case "migration_adp_present":
		sig.MigrationAdpPresent = truthy
	case "sdf_contract_available":
		sig.SdfContractAvailable = truthy
	case "test_confidence_level":
		sig.TestConfidenceLevel = value
	case "task_type_guess":
		sig.TaskTypeGuess = value
	case "has_route_guards":
		sig.HasRouteGuards = truthy
	case "has_template_directives":
		sig.HasTemplateDirectives = truthy
	default:
		return false
	}
	return true
}

func containsAny(haystack string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
