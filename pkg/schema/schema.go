// Package schema publishes the plan-graph JSON Schema. The schema is the
// structural layer only: required envelope fields, node shape, and the kind
// enum. Semantic checks (evidence, atomicity, policy) live in the validator
// and carry their own rejection codes.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed plangraph.schema.json
var planGraphSchemaJSON string

const planGraphSchemaURL = "https://gatehouse.schemas.local/plangraph.schema.json"

// Validators advertised alongside the schema so agents know which semantic
// layers run after the structural one.
var Validators = []string{
	"structural",
	"graph_shape",
	"strategy_reasons",
	"node_kinds",
	"evidence_policy",
	"memory_rules",
	"graph_policy_rules",
	"migration_citations",
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// PlanGraph returns the compiled plan-graph schema.
func PlanGraph() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(planGraphSchemaURL, strings.NewReader(planGraphSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add plan-graph schema: %w", err)
			return
		}
		compiled, compileErr = c.Compile(planGraphSchemaURL)
	})
	return compiled, compileErr
}

// PlanGraphJSON returns the raw schema document for surfacing to agents.
func PlanGraphJSON() string { return planGraphSchemaJSON }

// ValidatePlanGraph checks a decoded document against the structural schema.
// The argument must be the product of json.Unmarshal into interface types.
func ValidatePlanGraph(doc any) error {
	s, err := PlanGraph()
	if err != nil {
		return err
	}
	return s.Validate(doc)
}
