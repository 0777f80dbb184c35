package graph

import (
	"context"
	"testing"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

func testGraph() *InMemory {
	g := NewInMemory()
	g.AddNode(Node{ID: "grid:invoices", Name: "InvoiceGrid", Kind: "agGridTable"}).
		AddNode(Node{ID: "col:amount", Name: "AmountColumn", Kind: "ColumnDef"}).
		AddEdge("grid:invoices", "HAS_COLUMN", "col:amount")
	return g
}

func TestFindNodeSubstring(t *testing.T) {
	g := testGraph()
	n, err := g.FindNode(context.Background(), "invoice")
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if n == nil || n.ID != "grid:invoices" {
		t.Fatalf("got %+v", n)
	}

	missing, err := g.FindNode(context.Background(), "nothing-here")
	if err != nil {
		t.Fatalf("FindNode: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for no match, got %+v", missing)
	}
}

func TestNeighborsByEdge(t *testing.T) {
	g := testGraph()
	ns, err := g.NeighborsByEdge(context.Background(), "grid:invoices", "HAS_COLUMN")
	if err != nil {
		t.Fatalf("NeighborsByEdge: %v", err)
	}
	if len(ns) != 1 || ns[0].ID != "col:amount" {
		t.Fatalf("got %+v", ns)
	}

	none, err := g.NeighborsByEdge(context.Background(), "grid:invoices", "ROUTES_TO")
	if err != nil {
		t.Fatalf("NeighborsByEdge: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no neighbors, got %+v", none)
	}
}

func TestDownGraphFailsEveryCall(t *testing.T) {
	g := testGraph()
	g.SetDown(true)
	if err := g.VerifyConnectivity(context.Background()); err == nil {
		t.Fatal("expected connectivity error")
	}
	if _, err := g.FindNode(context.Background(), "invoice"); err == nil {
		t.Fatal("expected find error")
	}
	if _, err := g.PolicyNodes(context.Background()); err == nil {
		t.Fatal("expected policy error")
	}
}

func TestPolicyAndMigrationListing(t *testing.T) {
	g := NewInMemory()
	g.AddPolicy(PolicyNode{ID: "pol-1", Kind: contracts.PolicyUIIntent, Enforcement: "hard_deny", Grounded: true})
	g.AddMigrationRule(contracts.MigrationRule{RuleID: "mig-1", FromTag: "adp-grid", ToTag: "sdf-table", Status: contracts.MigrationApproved})

	ps, err := g.PolicyNodes(context.Background())
	if err != nil || len(ps) != 1 {
		t.Fatalf("policies: %v %+v", err, ps)
	}
	ms, err := g.MigrationRules(context.Background())
	if err != nil || len(ms) != 1 {
		t.Fatalf("migrations: %v %+v", err, ms)
	}
	if ms[0].Status != contracts.MigrationApproved {
		t.Fatalf("status %s", ms[0].Status)
	}
}
