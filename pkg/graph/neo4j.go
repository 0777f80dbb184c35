package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jClient implements Client over the bolt driver. Reads run on
// read-mode sessions so they can spread across cluster followers; writes
// are serialized by the driver's session semantics.
type Neo4jClient struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jClient connects a driver. The caller owns Close.
func NewNeo4jClient(uri, user, password string) (*Neo4jClient, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("graph: connect %s: %w", uri, err)
	}
	return &Neo4jClient{driver: driver}, nil
}

// VerifyConnectivity pings the server.
func (c *Neo4jClient) VerifyConnectivity(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

// RunRead executes a read query and collects all rows.
func (c *Neo4jClient) RunRead(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, fmt.Errorf("graph: run read: %w", err)
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: collect: %w", err)
	}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, Record(rec.AsMap()))
	}
	return out, nil
}

// RunWrite executes a write query and consumes the result.
func (c *Neo4jClient) RunWrite(ctx context.Context, cypher string, params map[string]any) error {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return fmt.Errorf("graph: run write: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return fmt.Errorf("graph: consume: %w", err)
	}
	return nil
}

// Close shuts the driver down.
func (c *Neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}
