package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the policy configuration loaded from YAML. Zero values are
// replaced by the defaults in DefaultProfile.
type Profile struct {
	Budget   BudgetConfig   `yaml:"budget" json:"budget"`
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	Anchors  AnchorConfig   `yaml:"anchors" json:"anchors"`
	Evidence EvidenceConfig `yaml:"evidence" json:"evidence"`
	Sandbox  SandboxConfig  `yaml:"sandbox" json:"sandbox"`
	Chains   ChainConfig    `yaml:"chains" json:"chains"`
	Rate     RateConfig     `yaml:"rate" json:"rate"`
	Plans    PlanConfig     `yaml:"plans" json:"plans"`
	Recipes  RecipeConfig   `yaml:"recipes" json:"recipes"`
}

// BudgetConfig holds the token-budget gate parameters.
type BudgetConfig struct {
	MaxTokens       int            `yaml:"max_tokens" json:"max_tokens"`
	ThresholdTokens int            `yaml:"threshold_tokens" json:"threshold_tokens"`
	DefaultVerbCost int            `yaml:"default_verb_cost" json:"default_verb_cost"`
	VerbCosts       map[string]int `yaml:"verb_costs,omitempty" json:"verb_costs,omitempty"`
}

// CostFor returns the token cost charged for a verb.
func (b BudgetConfig) CostFor(verb string) int {
	if c, ok := b.VerbCosts[verb]; ok {
		return c
	}
	return b.DefaultVerbCost
}

// MemoryConfig tunes the memory lifecycle windows.
type MemoryConfig struct {
	ContestWindowHours   int      `yaml:"contest_window_hours" json:"contest_window_hours"`
	ExpiryWindowHours    int      `yaml:"expiry_window_hours" json:"expiry_window_hours"`
	AutoPromotable       []string `yaml:"auto_promotable" json:"auto_promotable"`
	OverrideInitialState string   `yaml:"override_initial_state" json:"override_initial_state"` // approved | pending
}

// AnchorConfig controls domain-anchor auto-seeding.
type AnchorConfig struct {
	MaxDepth       int      `yaml:"max_depth" json:"max_depth"`
	Excludes       []string `yaml:"excludes,omitempty" json:"excludes,omitempty"` // doublestar globs
	ForcedIncludes []string `yaml:"forced_includes,omitempty" json:"forced_includes,omitempty"`
}

// EvidenceConfig sets the default evidence policy applied when a submitted
// plan omits its own.
type EvidenceConfig struct {
	MinDistinctSources         int  `yaml:"min_distinct_sources" json:"min_distinct_sources"`
	MinRequirementSources      int  `yaml:"min_requirement_sources" json:"min_requirement_sources"`
	MinCodeEvidenceSources     int  `yaml:"min_code_evidence_sources" json:"min_code_evidence_sources"`
	AllowSingleSourceWithGuard bool `yaml:"allow_single_source_with_guard" json:"allow_single_source_with_guard"`
}

// SandboxConfig caps sandboxed code execution.
type SandboxConfig struct {
	DefaultTimeoutMs   int `yaml:"default_timeout_ms" json:"default_timeout_ms"`
	MaxTimeoutMs       int `yaml:"max_timeout_ms" json:"max_timeout_ms"`
	DefaultMemoryCapMb int `yaml:"default_memory_cap_mb" json:"default_memory_cap_mb"`
	MaxMemoryCapMb     int `yaml:"max_memory_cap_mb" json:"max_memory_cap_mb"`
	OutputMaxBytes     int `yaml:"output_max_bytes" json:"output_max_bytes"`
}

// ChainConfig tunes proof-chain completeness.
type ChainConfig struct {
	MinLinks int `yaml:"min_links" json:"min_links"`
}

// RateConfig is the per-session dispatch rate limit.
type RateConfig struct {
	PerSessionRPS float64 `yaml:"per_session_rps" json:"per_session_rps"`
	Burst         int     `yaml:"burst" json:"burst"`
}

// PlanConfig holds plan-validation policy.
type PlanConfig struct {
	SchemaVersionRange string   `yaml:"schema_version_range" json:"schema_version_range"` // semver constraint
	CodemodCatalog     []string `yaml:"codemod_catalog,omitempty" json:"codemod_catalog,omitempty"`
}

// RecipeConfig points at the automation recipe catalog.
type RecipeConfig struct {
	CatalogPath string `yaml:"catalog_path" json:"catalog_path"`
}

// DefaultProfile returns the built-in policy defaults.
func DefaultProfile() *Profile {
	return &Profile{
		Budget: BudgetConfig{
			MaxTokens:       200_000,
			ThresholdTokens: 180_000,
			DefaultVerbCost: 1,
		},
		Memory: MemoryConfig{
			ContestWindowHours:   48,
			ExpiryWindowHours:    24 * 14,
			AutoPromotable:       []string{"plan_rule", "few_shot"},
			OverrideInitialState: "approved",
		},
		Anchors: AnchorConfig{
			MaxDepth: 3,
			Excludes: []string{"**/node_modules/**", "**/dist/**", "**/.git/**"},
		},
		Evidence: EvidenceConfig{
			MinDistinctSources:         2,
			MinRequirementSources:      0,
			MinCodeEvidenceSources:     0,
			AllowSingleSourceWithGuard: true,
		},
		Sandbox: SandboxConfig{
			DefaultTimeoutMs:   3_000,
			MaxTimeoutMs:       30_000,
			DefaultMemoryCapMb: 64,
			MaxMemoryCapMb:     512,
			OutputMaxBytes:     1 << 20,
		},
		Chains: ChainConfig{MinLinks: 3},
		Rate:   RateConfig{PerSessionRPS: 10, Burst: 20},
		Plans: PlanConfig{
			SchemaVersionRange: ">= 1.0.0, < 2.0.0",
			CodemodCatalog: []string{
				"rename-symbol",
				"extract-method",
				"inline-variable",
				"adp-grid-to-sdf-table",
				"adp-form-to-sdf-form",
			},
		},
		Recipes: RecipeConfig{CatalogPath: "recipes.yaml"},
	}
}

// LoadProfile reads a YAML profile and fills unset values from defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", path, err)
	}

	d := DefaultProfile()
	if p.Budget.MaxTokens <= 0 {
		p.Budget.MaxTokens = d.Budget.MaxTokens
	}
	if p.Budget.ThresholdTokens <= 0 {
		p.Budget.ThresholdTokens = d.Budget.ThresholdTokens
	}
	if p.Budget.DefaultVerbCost <= 0 {
		p.Budget.DefaultVerbCost = d.Budget.DefaultVerbCost
	}
	if p.Memory.ContestWindowHours <= 0 {
		p.Memory.ContestWindowHours = d.Memory.ContestWindowHours
	}
	if p.Memory.ExpiryWindowHours <= 0 {
		p.Memory.ExpiryWindowHours = d.Memory.ExpiryWindowHours
	}
	if len(p.Memory.AutoPromotable) == 0 {
		p.Memory.AutoPromotable = d.Memory.AutoPromotable
	}
	if p.Memory.OverrideInitialState == "" {
		p.Memory.OverrideInitialState = d.Memory.OverrideInitialState
	}
	if p.Anchors.MaxDepth <= 0 {
		p.Anchors.MaxDepth = d.Anchors.MaxDepth
	}
	if p.Evidence.MinDistinctSources <= 0 {
		p.Evidence.MinDistinctSources = d.Evidence.MinDistinctSources
	}
	if p.Sandbox.DefaultTimeoutMs <= 0 {
		p.Sandbox.DefaultTimeoutMs = d.Sandbox.DefaultTimeoutMs
	}
	if p.Sandbox.MaxTimeoutMs <= 0 {
		p.Sandbox.MaxTimeoutMs = d.Sandbox.MaxTimeoutMs
	}
	if p.Sandbox.DefaultMemoryCapMb <= 0 {
		p.Sandbox.DefaultMemoryCapMb = d.Sandbox.DefaultMemoryCapMb
	}
	if p.Sandbox.MaxMemoryCapMb <= 0 {
		p.Sandbox.MaxMemoryCapMb = d.Sandbox.MaxMemoryCapMb
	}
	if p.Sandbox.OutputMaxBytes <= 0 {
		p.Sandbox.OutputMaxBytes = d.Sandbox.OutputMaxBytes
	}
	if p.Chains.MinLinks <= 0 {
		p.Chains.MinLinks = d.Chains.MinLinks
	}
	if p.Rate.PerSessionRPS <= 0 {
		p.Rate.PerSessionRPS = d.Rate.PerSessionRPS
	}
	if p.Rate.Burst <= 0 {
		p.Rate.Burst = d.Rate.Burst
	}
	if p.Plans.SchemaVersionRange == "" {
		p.Plans.SchemaVersionRange = d.Plans.SchemaVersionRange
	}
	if len(p.Plans.CodemodCatalog) == 0 {
		p.Plans.CodemodCatalog = d.Plans.CodemodCatalog
	}
	if p.Recipes.CatalogPath == "" {
		p.Recipes.CatalogPath = d.Recipes.CatalogPath
	}

	return p, nil
}
