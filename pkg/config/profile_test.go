package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultProfileSane(t *testing.T) {
	p := DefaultProfile()
	if p.Budget.ThresholdTokens > p.Budget.MaxTokens {
		t.Fatal("threshold above max")
	}
	if p.Budget.CostFor("initialize_work") != p.Budget.DefaultVerbCost {
		t.Fatal("unknown verb should use the default cost")
	}
	if p.Memory.ContestWindowHours <= 0 || p.Memory.ExpiryWindowHours <= 0 {
		t.Fatal("memory windows must be positive")
	}
}

func TestLoadProfileMergesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.yaml")
	doc := `
budget:
  max_tokens: 1000
  threshold_tokens: 900
  verb_costs:
    submit_execution_plan: 25
anchors:
  max_depth: 2
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Budget.MaxTokens != 1000 || p.Budget.ThresholdTokens != 900 {
		t.Fatalf("budget not loaded: %+v", p.Budget)
	}
	if p.Budget.CostFor("submit_execution_plan") != 25 {
		t.Fatal("verb cost override not applied")
	}
	if p.Budget.CostFor("read_file_lines") != 1 {
		t.Fatal("default verb cost not merged")
	}
	if p.Anchors.MaxDepth != 2 {
		t.Fatal("anchor depth not loaded")
	}
	if p.Evidence.MinDistinctSources != 2 {
		t.Fatal("evidence defaults not merged")
	}
	if p.Plans.SchemaVersionRange == "" {
		t.Fatal("schema version range not merged")
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := LoadProfile("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing profile")
	}
}

func TestLoadProfileEmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p.Budget.MaxTokens != DefaultProfile().Budget.MaxTokens {
		t.Fatal("empty path should return defaults")
	}
}
