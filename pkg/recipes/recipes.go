// Package recipes runs pre-approved automation. Each recipe lives in a YAML
// catalog with a JSON Schema for its parameters; a run validates the params
// and appends one event row to an append-only log. Anything not in the
// catalog is refused, so the catalog file is the whole policy surface.
package recipes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Recipe is one catalog entry. Params holds a JSON Schema (draft 2020-12)
// for the run parameters.
type Recipe struct {
	ID          string         `yaml:"id" json:"id"`
	Description string         `yaml:"description" json:"description"`
	Params      map[string]any `yaml:"params" json:"params"`
	Steps       []string       `yaml:"steps" json:"steps"`
}

// Event is one appended run record.
type Event struct {
	EventID   string         `json:"eventId"`
	RecipeID  string         `json:"recipeId"`
	SessionID string         `json:"sessionId"`
	Params    map[string]any `json:"params"`
	Steps     []string       `json:"steps"`
	LoggedAt  time.Time      `json:"loggedAt"`
}

type entry struct {
	recipe Recipe
	schema *jsonschema.Schema
}

// Catalog is the loaded recipe set plus the event log it appends to.
type Catalog struct {
	mu         sync.Mutex
	entries    map[string]*entry
	eventsPath string
	logger     *slog.Logger
	clock      func() time.Time
}

type catalogFile struct {
	Recipes []Recipe `yaml:"recipes"`
}

// Load reads the catalog at path and prepares the event log under eventsPath.
// A missing catalog file falls back to the built-in recipes so a fresh
// checkout works without setup.
func Load(path, eventsPath string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "recipes")

	list := builtinRecipes()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f catalogFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("recipes: parse catalog %s: %w", path, err)
			}
			if len(f.Recipes) > 0 {
				list = f.Recipes
			}
		case os.IsNotExist(err):
			logger.Debug("catalog file missing, using built-ins", "path", path)
		default:
			return nil, fmt.Errorf("recipes: read catalog %s: %w", path, err)
		}
	}

	c := &Catalog{
		entries:    make(map[string]*entry, len(list)),
		eventsPath: eventsPath,
		logger:     logger,
		clock:      time.Now,
	}
	for _, r := range list {
		if r.ID == "" {
			return nil, fmt.Errorf("recipes: catalog entry without id")
		}
		s, err := compileParams(r)
		if err != nil {
			return nil, err
		}
		c.entries[r.ID] = &entry{recipe: r, schema: s}
	}
	logger.Info("catalog loaded", "recipes", len(c.entries))
	return c, nil
}

// WithClock overrides the timestamp source. Tests pin it.
func (c *Catalog) WithClock(clock func() time.Time) *Catalog {
	c.clock = clock
	return c
}

func compileParams(r Recipe) (*jsonschema.Schema, error) {
	params := r.Params
	if params == nil {
		params = map[string]any{"type": "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("recipes: encode schema for %s: %w", r.ID, err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://gatehouse.schemas.local/recipes/%s.json", r.ID)
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("recipes: add schema for %s: %w", r.ID, err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("recipes: compile schema for %s: %w", r.ID, err)
	}
	return s, nil
}

// Get returns a recipe by id.
func (c *Catalog) Get(id string) (Recipe, bool) {
	e, ok := c.entries[id]
	if !ok {
		return Recipe{}, false
	}
	return e.recipe, true
}

// IDs lists the catalog ids sorted, for deny messages and discovery.
func (c *Catalog) IDs() []string {
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Validate checks id and params against the catalog without running anything.
func (c *Catalog) Validate(id string, params map[string]any) *contracts.Deny {
	e, ok := c.entries[id]
	if !ok {
		return contracts.NewDeny(contracts.RejPlanPolicyViolation,
			"unknown recipe %q; known recipes: %s", id, strings.Join(c.IDs(), ", "))
	}
	if params == nil {
		params = map[string]any{}
	}
	if err := e.schema.Validate(toJSONTypes(params)); err != nil {
		return contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
			"recipe %s params: %v", id, err)
	}
	return nil
}

// Run validates and appends one event row. The event log is the effect; the
// actual automation is executed out-of-band by whatever tails the log.
func (c *Catalog) Run(ctx context.Context, sessionID, id string, params map[string]any) (*Event, *contracts.Deny, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if deny := c.Validate(id, params); deny != nil {
		return nil, deny, nil
	}
	e := c.entries[id]
	evt := &Event{
		EventID:   "recipe-evt-" + uuid.NewString(),
		RecipeID:  id,
		SessionID: sessionID,
		Params:    params,
		Steps:     e.recipe.Steps,
		LoggedAt:  c.clock().UTC(),
	}
	if err := c.appendEvent(evt); err != nil {
		return nil, nil, err
	}
	c.logger.Info("recipe event logged", "recipeId", id, "eventId", evt.EventID)
	return evt, nil, nil
}

func (c *Catalog) appendEvent(evt *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.eventsPath), 0o755); err != nil {
		return fmt.Errorf("recipes: create event log dir: %w", err)
	}
	f, err := os.OpenFile(c.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("recipes: open event log: %w", err)
	}
	defer f.Close()

	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("recipes: encode event: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("recipes: append event: %w", err)
	}
	return nil
}

// toJSONTypes normalizes a params map to the interface shapes the schema
// validator expects, matching what json.Unmarshal would have produced.
func toJSONTypes(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// builtinRecipes is the fallback catalog: the automation the migration work
// leans on most, kept deliberately small.
func builtinRecipes() []Recipe {
	return []Recipe{
		{
			ID:          "regen-route-manifest",
			Description: "Regenerate the route manifest after navigation-target changes.",
			Params: map[string]any{
				"type":                 "object",
				"required":             []any{"app"},
				"additionalProperties": false,
				"properties": map[string]any{
					"app": map[string]any{"type": "string", "minLength": 1},
				},
			},
			Steps: []string{"collect route declarations", "emit manifest", "verify nav targets resolve"},
		},
		{
			ID:          "format-touched-files",
			Description: "Run the project formatter over an explicit file list.",
			Params: map[string]any{
				"type":                 "object",
				"required":             []any{"files"},
				"additionalProperties": false,
				"properties": map[string]any{
					"files": map[string]any{
						"type":     "array",
						"minItems": 1,
						"items":    map[string]any{"type": "string"},
					},
				},
			},
			Steps: []string{"run formatter", "report reformatted files"},
		},
		{
			ID:          "update-grid-snapshots",
			Description: "Refresh UI snapshots for a migrated grid component.",
			Params: map[string]any{
				"type":                 "object",
				"required":             []any{"component"},
				"additionalProperties": false,
				"properties": map[string]any{
					"component": map[string]any{"type": "string", "minLength": 1},
					"approve":   map[string]any{"type": "boolean", "default": false},
				},
			},
			Steps: []string{"render component", "write snapshots", "stage for review"},
		},
	}
}
