package graph

import (
	"context"
	"strings"
	"sync"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Edge is a typed relation between two in-memory nodes.
type Edge struct {
	From string
	To   string
	Type string
}

// InMemory is a Querier backed by explicit node and edge lists. It serves
// tests and offline runs where no database is mounted.
type InMemory struct {
	mu         sync.RWMutex
	nodes      []Node
	edges      []Edge
	policies   []PolicyNode
	migrations []contracts.MigrationRule
	down       bool
}

// NewInMemory builds an empty in-memory graph.
func NewInMemory() *InMemory { return &InMemory{} }

// AddNode appends a node.
func (g *InMemory) AddNode(n Node) *InMemory {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = append(g.nodes, n)
	return g
}

// AddEdge appends a typed edge.
func (g *InMemory) AddEdge(from, edgeType, to string) *InMemory {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edges = append(g.edges, Edge{From: from, To: to, Type: edgeType})
	return g
}

// AddPolicy appends a policy node.
func (g *InMemory) AddPolicy(p PolicyNode) *InMemory {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies = append(g.policies, p)
	return g
}

// AddMigrationRule appends a migration rule.
func (g *InMemory) AddMigrationRule(r contracts.MigrationRule) *InMemory {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.migrations = append(g.migrations, r)
	return g
}

// SetDown makes every call fail, for fallback-path tests.
func (g *InMemory) SetDown(down bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.down = down
}

// graphDownError mimics a lost database connection.
type graphDownError struct{}

func (graphDownError) Error() string { return "graph: connection down" }

func (g *InMemory) check() error {
	if g.down {
		return graphDownError{}
	}
	return nil
}

// VerifyConnectivity reports the simulated link state.
func (g *InMemory) VerifyConnectivity(context.Context) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.check()
}

// FindNode matches by substring on id or name, first hit wins.
func (g *InMemory) FindNode(_ context.Context, needle string) (*Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.check(); err != nil {
		return nil, err
	}
	lo := strings.ToLower(needle)
	for i := range g.nodes {
		n := g.nodes[i]
		if strings.Contains(strings.ToLower(n.ID), lo) || strings.Contains(strings.ToLower(n.Name), lo) {
			return &n, nil
		}
	}
	return nil, nil
}

// NeighborsByEdge expands one typed hop.
func (g *InMemory) NeighborsByEdge(_ context.Context, fromID, edgeType string) ([]Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.check(); err != nil {
		return nil, err
	}
	var out []Node
	for _, e := range g.edges {
		if e.From != fromID || e.Type != edgeType {
			continue
		}
		for i := range g.nodes {
			if g.nodes[i].ID == e.To {
				out = append(out, g.nodes[i])
			}
		}
	}
	return out, nil
}

// PolicyNodes returns the stored policies.
func (g *InMemory) PolicyNodes(context.Context) ([]PolicyNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.check(); err != nil {
		return nil, err
	}
	return append([]PolicyNode(nil), g.policies...), nil
}

// MigrationRules returns the stored rules.
func (g *InMemory) MigrationRules(context.Context) ([]contracts.MigrationRule, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if err := g.check(); err != nil {
		return nil, err
	}
	return append([]contracts.MigrationRule(nil), g.migrations...), nil
}
