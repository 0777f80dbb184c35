// Package proofchain builds evidence chains through the code graph: the
// origin of an ag-Grid feature or the destination of a federated route.
// Links come from typed graph hops; when the graph is down or a hop finds
// nothing, the indexer's symbol search synthesizes ast_fallback links.
// Unresolvable kinds land in missingLinks, never in fabricated links.
package proofchain

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/graph"
	"github.com/loomworks/gatehouse/pkg/indexer"
)

// step is one expected chain position: the node kind and the edge that
// reaches it from the previous link.
type step struct {
	kind string
	edge string
}

var agGridSteps = []step{
	{kind: "agGridTable"},
	{kind: "ColumnDef", edge: "HAS_COLUMN"},
	{kind: "CellRenderer", edge: "USES_RENDERER"},
	{kind: "NavTrigger", edge: "TRIGGERS_NAV"},
	{kind: "Route", edge: "ROUTES_TO"},
	{kind: "Component", edge: "ROUTES_TO"},
	{kind: "Service", edge: "INJECTS"},
	{kind: "Definition", edge: "DEFINED_IN"},
}

var federationSteps = []step{
	{kind: "HostRoute"},
	{kind: "FederationMapping", edge: "LOADS_REMOTE"},
	{kind: "RemoteExpose", edge: "EXPOSES"},
	{kind: "RemoteRoute", edge: "ROUTES_TO"},
	{kind: "DestinationComponent", edge: "ROUTES_TO"},
}

// kindHints are the AST-fallback search terms per expected kind.
var kindHints = map[string][]string{
	"agGridTable":          {"ag-grid", "aggrid", "grid"},
	"ColumnDef":            {"columndef", "coldef"},
	"CellRenderer":         {"cellrenderer", "renderer"},
	"NavTrigger":           {"navtrigger", "router.navigate"},
	"Route":                {"route"},
	"Component":            {"component"},
	"Service":              {"service"},
	"Definition":           {"definition", "model"},
	"HostRoute":            {"route"},
	"FederationMapping":    {"loadremotemodule", "federation"},
	"RemoteExpose":         {"expose"},
	"RemoteRoute":          {"route"},
	"DestinationComponent": {"component"},
}

// Builder resolves proof chains. Both backends are optional: a nil querier
// forces AST fallback, a nil indexer leaves unresolved kinds missing.
type Builder struct {
	querier  graph.Querier
	index    indexer.Indexer
	minLinks int
	logger   *slog.Logger
}

// New wires a builder from the chain config.
func New(q graph.Querier, idx indexer.Indexer, cfg config.ChainConfig, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	if idx == nil {
		idx = indexer.NewNoop()
	}
	min := cfg.MinLinks
	if min <= 0 {
		min = 3
	}
	return &Builder{
		querier:  q,
		index:    idx,
		minLinks: min,
		logger:   logger.With("component", "proofchain"),
	}
}

func stepsFor(kind contracts.ChainKind) []step {
	if kind == contracts.ChainFederation {
		return federationSteps
	}
	return agGridSteps
}

// Build traverses one chain from the seed. Graph errors are downgraded to
// the AST fallback, never returned: a chain with missing links is still an
// answer.
func (b *Builder) Build(ctx context.Context, kind contracts.ChainKind, seed string) *contracts.ProofChain {
	steps := stepsFor(kind)
	chain := &contracts.ProofChain{Kind: kind, Seed: seed}

	next := 0
	if b.querier != nil {
		next = b.walkGraph(ctx, chain, steps, seed)
	}
	for ; next < len(steps); next++ {
		b.fallback(ctx, chain, steps[next], seed)
	}

	chain.Complete = len(chain.MissingLinks) == 0 && len(chain.Links) >= b.minLinks
	return chain
}

// walkGraph follows typed edges from the seed and returns the index of the
// first step it could not serve, where the AST fallback takes over.
func (b *Builder) walkGraph(ctx context.Context, chain *contracts.ProofChain, steps []step, seed string) int {
	cur, err := b.querier.FindNode(ctx, seed)
	if err != nil {
		b.logger.WarnContext(ctx, "graph seed lookup failed, falling back to AST",
			"seed", seed, "error", err)
		return 0
	}
	if cur == nil {
		return 0
	}
	chain.Links = append(chain.Links, contracts.ProofLink{
		ExpectedKind: steps[0].kind,
		NodeID:       cur.ID,
		NodeName:     cur.Name,
		Source:       contracts.LinkFromGraph,
		File:         cur.File,
	})

	for i := 1; i < len(steps); i++ {
		neighbors, err := b.querier.NeighborsByEdge(ctx, cur.ID, steps[i].edge)
		if err != nil {
			b.logger.WarnContext(ctx, "graph hop failed, falling back to AST",
				"edge", steps[i].edge, "from", cur.ID, "error", err)
			return i
		}
		if len(neighbors) == 0 {
			return i
		}
		hop := neighbors[0]
		chain.Links = append(chain.Links, contracts.ProofLink{
			ExpectedKind: steps[i].kind,
			NodeID:       hop.ID,
			NodeName:     hop.Name,
			EdgeType:     steps[i].edge,
			Source:       contracts.LinkFromGraph,
			File:         hop.File,
		})
		cur = &hop
	}
	return len(steps)
}

// fallback resolves one kind through the indexer, or records it missing.
func (b *Builder) fallback(ctx context.Context, chain *contracts.ProofChain, st step, seed string) {
	hints := kindHints[st.kind]
	if len(chain.Links) == 0 {
		// The seed itself is the strongest hint for the first kind.
		hints = append([]string{seed}, hints...)
	}
	for _, hint := range hints {
		if strings.TrimSpace(hint) == "" {
			continue
		}
		hits, err := b.index.SearchSymbol(ctx, hint, 3)
		if err != nil || len(hits) == 0 {
			continue
		}
		chain.Links = append(chain.Links, contracts.ProofLink{
			ExpectedKind: st.kind,
			NodeID:       hits[0].Symbol,
			NodeName:     hits[0].Symbol,
			EdgeType:     st.edge,
			Source:       contracts.LinkFromASTFallback,
			File:         hits[0].File,
		})
		return
	}
	chain.MissingLinks = append(chain.MissingLinks, st.kind)
}

// Probe adapts the builder to the pack service's required-anchor check: it
// resolves the ag-Grid origin chain for the seed and reports completeness.
func (b *Builder) Probe(ctx context.Context, seed string) (bool, []string, error) {
	chain := b.Build(ctx, contracts.ChainAgGrid, seed)
	return chain.Complete, chain.MissingLinks, nil
}
