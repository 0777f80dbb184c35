package schema

import (
	"encoding/json"
	"testing"
)

func decode(t *testing.T, raw string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

const minimalPlan = `{
  "workId": "w-1", "agentId": "a-1", "runSessionId": "rs-1",
  "repoSnapshotId": "snap-1", "worktreeRoot": ".",
  "contextPackRef": "pack-1", "contextPackHash": "sha256:ab",
  "scopeAllowlistRef": "allow-1", "knowledgeStrategyId": "default_minimal_context",
  "knowledgeStrategyReasons": [{"reason": "r", "evidenceRef": "prompt"}],
  "sourceTraceRefs": ["trace-1"],
  "planFingerprint": "sha256:cd", "schemaVersion": "1.0.0",
  "nodes": [{"nodeId": "n-1", "kind": "change"}]
}`

func TestMinimalPlanPassesStructuralSchema(t *testing.T) {
	if err := ValidatePlanGraph(decode(t, minimalPlan)); err != nil {
		t.Fatalf("minimal plan rejected: %v", err)
	}
}

func TestMissingEnvelopeFieldFails(t *testing.T) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(minimalPlan), &doc); err != nil {
		t.Fatal(err)
	}
	delete(doc, "contextPackHash")
	if err := ValidatePlanGraph(any(doc)); err == nil {
		t.Fatal("plan without contextPackHash must fail the schema")
	}
}

func TestUnknownNodeKindFails(t *testing.T) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(minimalPlan), &doc); err != nil {
		t.Fatal(err)
	}
	doc["nodes"] = []any{map[string]any{"nodeId": "n-1", "kind": "demolish"}}
	if err := ValidatePlanGraph(any(doc)); err == nil {
		t.Fatal("unknown kind must fail the schema")
	}
}

func TestEmptyNodesFails(t *testing.T) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(minimalPlan), &doc); err != nil {
		t.Fatal(err)
	}
	doc["nodes"] = []any{}
	if err := ValidatePlanGraph(any(doc)); err == nil {
		t.Fatal("empty nodes must fail the schema")
	}
}

func TestValidatorListIncludesEvidencePolicy(t *testing.T) {
	found := false
	for _, v := range Validators {
		if v == "evidence_policy" {
			found = true
		}
	}
	if !found {
		t.Fatal("advertised validators must include evidence_policy")
	}
}
