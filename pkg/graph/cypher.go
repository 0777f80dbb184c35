package graph

import (
	"context"
	"fmt"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// CypherQuerier implements Querier by issuing Cypher through a Client.
type CypherQuerier struct {
	client Client
}

// NewCypherQuerier wraps a raw client.
func NewCypherQuerier(c Client) *CypherQuerier {
	return &CypherQuerier{client: c}
}

// VerifyConnectivity pings the database.
func (q *CypherQuerier) VerifyConnectivity(ctx context.Context) error {
	return q.client.VerifyConnectivity(ctx)
}

// FindNode resolves a seed node by case-insensitive substring on id or name.
func (q *CypherQuerier) FindNode(ctx context.Context, needle string) (*Node, error) {
	const cy = `
MATCH (n)
WHERE toLower(n.id) CONTAINS toLower($needle) OR toLower(n.name) CONTAINS toLower($needle)
RETURN n.id AS id, n.name AS name, labels(n)[0] AS kind, n.file AS file
LIMIT 1`
	rows, err := q.client.RunRead(ctx, cy, map[string]any{"needle": needle})
	if err != nil {
		return nil, fmt.Errorf("graph: find node %q: %w", needle, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	n := nodeFromRecord(rows[0])
	return &n, nil
}

// NeighborsByEdge expands one typed hop.
func (q *CypherQuerier) NeighborsByEdge(ctx context.Context, fromID, edgeType string) ([]Node, error) {
	cy := fmt.Sprintf(`
MATCH (a {id: $from})-[:%s]->(b)
RETURN b.id AS id, b.name AS name, labels(b)[0] AS kind, b.file AS file`, edgeType)
	rows, err := q.client.RunRead(ctx, cy, map[string]any{"from": fromID})
	if err != nil {
		return nil, fmt.Errorf("graph: neighbors of %q via %s: %w", fromID, edgeType, err)
	}
	out := make([]Node, 0, len(rows))
	for _, r := range rows {
		out = append(out, nodeFromRecord(r))
	}
	return out, nil
}

// PolicyNodes lists UIIntent, ComponentIntent, and MacroConstraint nodes with
// their groundedness.
func (q *CypherQuerier) PolicyNodes(ctx context.Context) ([]PolicyNode, error) {
	const cy = `
MATCH (p)
WHERE p:UIIntent OR p:ComponentIntent OR p:MacroConstraint
RETURN p.id AS id,
       labels(p)[0] AS label,
       p.enforcement AS enforcement,
       p.forbiddenComponents AS forbidden,
       p.componentTag AS componentTag,
       p.summary AS summary,
       EXISTS { MATCH (p)-[:GROUNDED_BY]->(:UsageExample) } AS grounded`
	rows, err := q.client.RunRead(ctx, cy, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: policy nodes: %w", err)
	}
	out := make([]PolicyNode, 0, len(rows))
	for _, r := range rows {
		out = append(out, PolicyNode{
			ID:                  str(r["id"]),
			Kind:                policyKindFromLabel(str(r["label"])),
			Enforcement:         str(r["enforcement"]),
			Grounded:            boolean(r["grounded"]),
			ForbiddenComponents: strSlice(r["forbidden"]),
			ComponentTag:        str(r["componentTag"]),
			Summary:             str(r["summary"]),
		})
	}
	return out, nil
}

// MigrationRules lists active MigrationRule nodes.
func (q *CypherQuerier) MigrationRules(ctx context.Context) ([]contracts.MigrationRule, error) {
	const cy = `
MATCH (m:MigrationRule)
RETURN m.id AS id, m.fromTag AS fromTag, m.toTag AS toTag, m.status AS status`
	rows, err := q.client.RunRead(ctx, cy, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: migration rules: %w", err)
	}
	out := make([]contracts.MigrationRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, contracts.MigrationRule{
			RuleID:  str(r["id"]),
			FromTag: str(r["fromTag"]),
			ToTag:   str(r["toTag"]),
			Status:  contracts.MigrationStatus(str(r["status"])),
		})
	}
	return out, nil
}

func policyKindFromLabel(label string) contracts.GraphPolicyKind {
	switch label {
	case "UIIntent":
		return contracts.PolicyUIIntent
	case "ComponentIntent":
		return contracts.PolicyComponentIntent
	case "MacroConstraint":
		return contracts.PolicyMacroConstraint
	}
	return contracts.GraphPolicyKind(label)
}

func nodeFromRecord(r Record) Node {
	return Node{
		ID:   str(r["id"]),
		Name: str(r["name"]),
		Kind: str(r["kind"]),
		File: str(r["file"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func boolean(v any) bool {
	b, _ := v.(bool)
	return b
}

func strSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
