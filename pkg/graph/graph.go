// Package graph wraps the code-knowledge graph. The raw surface is a small
// Cypher client; on top of it sits a typed querier for the handful of read
// shapes the controller needs (seed lookup, typed-edge expansion, policy and
// migration-rule listing). All graph failures are recoverable: callers
// degrade to the AST fallback.
package graph

import (
	"context"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Record is one row of a Cypher read.
type Record map[string]any

// Client is the consumed Cypher surface.
type Client interface {
	VerifyConnectivity(ctx context.Context) error
	RunRead(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	RunWrite(ctx context.Context, cypher string, params map[string]any) error
	Close(ctx context.Context) error
}

// Node is a projected graph node.
type Node struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	Kind  string         `json:"kind,omitempty"`
	File  string         `json:"file,omitempty"`
	Props map[string]any `json:"props,omitempty"`
}

// PolicyNode is a governance node as stored in the graph. Grounded means it
// is linked to at least one UsageExample; only grounded hard_deny policies
// convert into enforceable rules.
type PolicyNode struct {
	ID                  string
	Kind                contracts.GraphPolicyKind
	Enforcement         string // hard_deny, advisory
	Grounded            bool
	ForbiddenComponents []string
	ComponentTag        string
	Summary             string
}

// Querier is the typed read surface the controller consumes.
type Querier interface {
	VerifyConnectivity(ctx context.Context) error
	// FindNode resolves a seed by substring match on id or name.
	FindNode(ctx context.Context, needle string) (*Node, error)
	// NeighborsByEdge expands one typed hop from a node.
	NeighborsByEdge(ctx context.Context, fromID, edgeType string) ([]Node, error)
	PolicyNodes(ctx context.Context) ([]PolicyNode, error)
	MigrationRules(ctx context.Context) ([]contracts.MigrationRule, error)
}
