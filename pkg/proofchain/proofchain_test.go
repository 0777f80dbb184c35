package proofchain

import (
	"context"
	"testing"

	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/graph"
	"github.com/loomworks/gatehouse/pkg/indexer"
)

// fullAgGridGraph wires every hop of the ag-Grid origin chain.
func fullAgGridGraph() *graph.InMemory {
	g := graph.NewInMemory()
	g.AddNode(graph.Node{ID: "grid-1", Name: "ordersGrid", Kind: "agGridTable", File: "src/app/orders/orders.component.html"})
	g.AddNode(graph.Node{ID: "col-1", Name: "statusColumn", Kind: "ColumnDef", File: "src/app/orders/columns.ts"})
	g.AddNode(graph.Node{ID: "ren-1", Name: "StatusRenderer", Kind: "CellRenderer", File: "src/app/orders/status-renderer.ts"})
	g.AddNode(graph.Node{ID: "nav-1", Name: "openDetail", Kind: "NavTrigger", File: "src/app/orders/status-renderer.ts"})
	g.AddNode(graph.Node{ID: "route-1", Name: "orders/:id", Kind: "Route", File: "src/app/orders/orders.routes.ts"})
	g.AddNode(graph.Node{ID: "comp-1", Name: "OrderDetailComponent", Kind: "Component", File: "src/app/orders/detail.component.ts"})
	g.AddNode(graph.Node{ID: "svc-1", Name: "OrderService", Kind: "Service", File: "src/app/orders/order.service.ts"})
	g.AddNode(graph.Node{ID: "def-1", Name: "Order", Kind: "Definition", File: "src/app/orders/order.model.ts"})
	g.AddEdge("grid-1", "HAS_COLUMN", "col-1")
	g.AddEdge("col-1", "USES_RENDERER", "ren-1")
	g.AddEdge("ren-1", "TRIGGERS_NAV", "nav-1")
	g.AddEdge("nav-1", "ROUTES_TO", "route-1")
	g.AddEdge("route-1", "ROUTES_TO", "comp-1")
	g.AddEdge("comp-1", "INJECTS", "svc-1")
	g.AddEdge("svc-1", "DEFINED_IN", "def-1")
	return g
}

func TestFullGraphChainIsComplete(t *testing.T) {
	b := New(fullAgGridGraph(), indexer.NewNoop(), config.ChainConfig{MinLinks: 3}, nil)
	chain := b.Build(context.Background(), contracts.ChainAgGrid, "ordersGrid")
	if !chain.Complete {
		t.Fatalf("chain incomplete, missing %v", chain.MissingLinks)
	}
	if len(chain.Links) != 8 {
		t.Fatalf("links = %d, want 8", len(chain.Links))
	}
	for _, l := range chain.Links {
		if l.Source != contracts.LinkFromGraph {
			t.Fatalf("link %s source = %s, want graph", l.ExpectedKind, l.Source)
		}
	}
	if chain.Links[1].EdgeType != "HAS_COLUMN" {
		t.Fatalf("second link edge = %s", chain.Links[1].EdgeType)
	}
}

func TestBrokenHopFallsBackToAST(t *testing.T) {
	// Graph knows the grid and its column but nothing past that hop.
	broken := graph.NewInMemory()
	broken.AddNode(graph.Node{ID: "grid-1", Name: "ordersGrid", Kind: "agGridTable", File: "src/app/orders/orders.component.html"})
	broken.AddNode(graph.Node{ID: "col-1", Name: "statusColumn", Kind: "ColumnDef", File: "src/app/orders/columns.ts"})
	broken.AddEdge("grid-1", "HAS_COLUMN", "col-1")

	idx := &indexer.Static{
		Symbols: []indexer.SymbolHit{
			{Symbol: "StatusCellRenderer", Kind: "class", File: "src/app/orders/status-renderer.ts", Line: 10},
			{Symbol: "openDetailNavTrigger", Kind: "function", File: "src/app/orders/status-renderer.ts", Line: 40},
		},
	}
	b := New(broken, idx, config.ChainConfig{MinLinks: 3}, nil)
	chain := b.Build(context.Background(), contracts.ChainAgGrid, "ordersGrid")

	if len(chain.Links) < 3 {
		t.Fatalf("links = %d, want graph seed+column plus AST hits", len(chain.Links))
	}
	if chain.Links[0].Source != contracts.LinkFromGraph || chain.Links[1].Source != contracts.LinkFromGraph {
		t.Fatal("first two links must come from the graph")
	}
	sawFallback := false
	for _, l := range chain.Links[2:] {
		if l.Source == contracts.LinkFromASTFallback {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatal("expected ast_fallback links after the broken hop")
	}
	if chain.Complete {
		t.Fatalf("chain should be incomplete, Route/Component/... unresolved: %v", chain.MissingLinks)
	}
	for _, missing := range chain.MissingLinks {
		if missing == "CellRenderer" || missing == "NavTrigger" {
			t.Fatalf("%s resolved by AST should not be missing", missing)
		}
	}
}

func TestGraphDownUsesASTForEverything(t *testing.T) {
	g := fullAgGridGraph()
	g.SetDown(true)
	idx := &indexer.Static{
		Symbols: []indexer.SymbolHit{
			{Symbol: "ordersGrid", Kind: "const", File: "src/app/orders/orders.component.ts", Line: 5},
			{Symbol: "statusColumnDef", Kind: "const", File: "src/app/orders/columns.ts", Line: 8},
			{Symbol: "StatusCellRenderer", Kind: "class", File: "src/app/orders/status-renderer.ts", Line: 10},
		},
	}
	b := New(g, idx, config.ChainConfig{MinLinks: 3}, nil)
	chain := b.Build(context.Background(), contracts.ChainAgGrid, "ordersGrid")

	for _, l := range chain.Links {
		if l.Source != contracts.LinkFromASTFallback {
			t.Fatalf("link %s source = %s, want ast_fallback while graph is down", l.ExpectedKind, l.Source)
		}
	}
	if chain.Complete {
		t.Fatal("sparse index cannot complete the chain")
	}
	if len(chain.MissingLinks) == 0 {
		t.Fatal("unresolved kinds must be listed, not dropped")
	}
}

func TestNilQuerierAndEmptyIndexLeavesEverythingMissing(t *testing.T) {
	b := New(nil, indexer.NewNoop(), config.ChainConfig{MinLinks: 3}, nil)
	chain := b.Build(context.Background(), contracts.ChainFederation, "checkoutRoute")
	if len(chain.Links) != 0 {
		t.Fatalf("links = %v, want none", chain.Links)
	}
	if len(chain.MissingLinks) != 5 {
		t.Fatalf("missing = %v, want all five federation kinds", chain.MissingLinks)
	}
	if chain.Complete {
		t.Fatal("empty chain cannot be complete")
	}
}

func TestFederationChainTraversal(t *testing.T) {
	g := graph.NewInMemory()
	g.AddNode(graph.Node{ID: "hr-1", Name: "checkoutRoute", Kind: "HostRoute", File: "src/app/app.routes.ts"})
	g.AddNode(graph.Node{ID: "fm-1", Name: "checkoutRemote", Kind: "FederationMapping", File: "webpack.config.js"})
	g.AddNode(graph.Node{ID: "re-1", Name: "./CheckoutModule", Kind: "RemoteExpose", File: "checkout/webpack.config.js"})
	g.AddNode(graph.Node{ID: "rr-1", Name: "checkout/payment", Kind: "RemoteRoute", File: "checkout/src/app/routes.ts"})
	g.AddNode(graph.Node{ID: "dc-1", Name: "PaymentComponent", Kind: "DestinationComponent", File: "checkout/src/app/payment.component.ts"})
	g.AddEdge("hr-1", "LOADS_REMOTE", "fm-1")
	g.AddEdge("fm-1", "EXPOSES", "re-1")
	g.AddEdge("re-1", "ROUTES_TO", "rr-1")
	g.AddEdge("rr-1", "ROUTES_TO", "dc-1")

	b := New(g, indexer.NewNoop(), config.ChainConfig{MinLinks: 3}, nil)
	chain := b.Build(context.Background(), contracts.ChainFederation, "checkoutRoute")
	if !chain.Complete {
		t.Fatalf("federation chain incomplete: %v", chain.MissingLinks)
	}
	if chain.Links[4].NodeName != "PaymentComponent" {
		t.Fatalf("destination = %s", chain.Links[4].NodeName)
	}
}

func TestMinLinkCountGatesCompleteness(t *testing.T) {
	g := graph.NewInMemory()
	g.AddNode(graph.Node{ID: "hr-1", Name: "checkoutRoute", Kind: "HostRoute"})
	b := New(g, indexer.NewNoop(), config.ChainConfig{MinLinks: 3}, nil)
	chain := b.Build(context.Background(), contracts.ChainFederation, "checkoutRoute")
	if chain.Complete {
		t.Fatal("one resolved link out of five cannot be complete")
	}
}

func TestProbeAdaptsToPackService(t *testing.T) {
	b := New(fullAgGridGraph(), indexer.NewNoop(), config.ChainConfig{MinLinks: 3}, nil)
	complete, missing, err := b.Probe(context.Background(), "ordersGrid")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !complete || len(missing) != 0 {
		t.Fatalf("complete=%v missing=%v", complete, missing)
	}
}
