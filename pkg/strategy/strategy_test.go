package strategy

import (
	"testing"

	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/indexer"
)

func TestMigrationWinsCascade(t *testing.T) {
	sel := Select(Inputs{
		Prompt: "Migrate the orders screen from adp-grid to sdf-table",
		SymbolHits: []indexer.SymbolHit{
			{Symbol: "adp-grid", File: "src/app/orders/orders.component.html"},
		},
	}, nil)
	if sel.StrategyID != StrategyMigration {
		t.Fatalf("strategy = %s, want %s", sel.StrategyID, StrategyMigration)
	}
	if sel.Signature.TaskTypeGuess != TaskMigration {
		t.Fatalf("task guess = %s", sel.Signature.TaskTypeGuess)
	}
	if !sel.Signature.MigrationAdpPresent {
		t.Fatal("expected migration_adp_present")
	}
	if len(sel.Reasons) == 0 {
		t.Fatal("expected at least one reason")
	}
}

func TestDebugBeatsAPIContract(t *testing.T) {
	sel := Select(Inputs{
		Prompt: "Fix the crash when the orders API returns 500",
	}, nil)
	if sel.StrategyID != StrategyDebug {
		t.Fatalf("strategy = %s, want %s", sel.StrategyID, StrategyDebug)
	}
}

func TestSwaggerArtifactSelectsAPIContract(t *testing.T) {
	sel := Select(Inputs{
		Prompt: "Add a new field to the checkout flow",
		Artifacts: []contracts.Artifact{
			{Ref: "attachment:swagger.json", Kind: "api_spec"},
		},
	}, nil)
	if sel.StrategyID != StrategyAPIContract {
		t.Fatalf("strategy = %s, want %s", sel.StrategyID, StrategyAPIContract)
	}
	found := false
	for _, r := range sel.Reasons {
		if r.EvidenceRef == "attachment:swagger.json" {
			found = true
		}
	}
	if !found {
		t.Fatal("reason should cite the artifact ref")
	}
}

func TestAgGridSelectsUIFeature(t *testing.T) {
	sel := Select(Inputs{Prompt: "Make the ag-grid on the dashboard sortable"}, nil)
	if sel.StrategyID != StrategyUIFeature {
		t.Fatalf("strategy = %s, want %s", sel.StrategyID, StrategyUIFeature)
	}
	if !sel.Signature.MentionsAgGrid {
		t.Fatal("expected mentions_aggrid")
	}
}

func TestNoSignalsFallsBackToDefault(t *testing.T) {
	sel := Select(Inputs{Prompt: "Tidy things a little"}, nil)
	if sel.StrategyID != StrategyDefault {
		t.Fatalf("strategy = %s, want %s", sel.StrategyID, StrategyDefault)
	}
	if len(sel.Reasons) == 0 {
		t.Fatal("default selection still needs a reason")
	}
}

func TestStrategySignalOverridesFeature(t *testing.T) {
	signals := []contracts.StrategySignalPayload{
		{FeatureOverrides: map[string]string{"task_type_guess": TaskMigration}},
	}
	sel := Select(Inputs{Prompt: "Tidy things a little"}, signals)
	if sel.StrategyID != StrategyMigration {
		t.Fatalf("strategy = %s, want %s after override", sel.StrategyID, StrategyMigration)
	}
	cited := false
	for _, r := range sel.Reasons {
		if r.EvidenceRef == "memory:strategy_signal" {
			cited = true
		}
	}
	if !cited {
		t.Fatal("override must appear in reasons")
	}
}

func TestDeterministicForSameInputs(t *testing.T) {
	in := Inputs{
		Prompt:  "Add a column to the ag-grid orders table",
		Lexemes: []string{"orders", "column"},
		SymbolHits: []indexer.SymbolHit{
			{Symbol: "OrdersComponent", File: "src/app/orders/orders.component.ts"},
			{Symbol: "orders.spec", File: "src/app/orders/orders.component.spec.ts"},
		},
	}
	a := Select(in, nil)
	b := Select(in, nil)
	if a.StrategyID != b.StrategyID {
		t.Fatalf("non-deterministic strategy: %s vs %s", a.StrategyID, b.StrategyID)
	}
	if a.Signature != b.Signature {
		t.Fatalf("non-deterministic signature: %+v vs %+v", a.Signature, b.Signature)
	}
}

func TestTestConfidenceLevels(t *testing.T) {
	hits := func(n int) []indexer.SymbolHit {
		out := make([]indexer.SymbolHit, n)
		for i := range out {
			out[i] = indexer.SymbolHit{Symbol: "x", File: "src/a.spec.ts"}
		}
		return out
	}
	if got := Select(Inputs{SymbolHits: hits(3)}, nil).Signature.TestConfidenceLevel; got != ConfidenceHigh {
		t.Fatalf("confidence = %s, want high", got)
	}
	if got := Select(Inputs{SymbolHits: hits(1)}, nil).Signature.TestConfidenceLevel; got != ConfidenceMedium {
		t.Fatalf("confidence = %s, want medium", got)
	}
	if got := Select(Inputs{Prompt: "add tests"}, nil).Signature.TestConfidenceLevel; got != ConfidenceLow {
		t.Fatalf("confidence = %s, want low", got)
	}
	if got := Select(Inputs{Prompt: "hello"}, nil).Signature.TestConfidenceLevel; got != ConfidenceNone {
		t.Fatalf("confidence = %s, want none", got)
	}
}
