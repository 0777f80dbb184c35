package recipes

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

func newCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Load("", filepath.Join(t.TempDir(), "recipes", "events.jsonl"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	c.WithClock(func() time.Time { return time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC) })
	return c
}

func TestLoadBuiltins(t *testing.T) {
	c := newCatalog(t)
	ids := c.IDs()
	if len(ids) != 3 {
		t.Fatalf("ids = %v", ids)
	}
	if _, ok := c.Get("regen-route-manifest"); !ok {
		t.Fatal("built-in recipe missing")
	}
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recipes.yaml")
	doc := `recipes:
  - id: seed-test-data
    description: Seed fixture rows for a migrated table.
    params:
      type: object
      required: [table]
      properties:
        table:
          type: string
    steps:
      - truncate table
      - insert fixtures
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	c, err := Load(path, filepath.Join(dir, "events.jsonl"), nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := c.IDs(); len(got) != 1 || got[0] != "seed-test-data" {
		t.Fatalf("ids = %v", got)
	}
	if deny := c.Validate("seed-test-data", map[string]any{"table": "invoices"}); deny != nil {
		t.Fatalf("valid params denied: %v", deny)
	}
	if deny := c.Validate("seed-test-data", map[string]any{}); deny == nil {
		t.Fatal("missing required param accepted")
	}
}

func TestValidateUnknownRecipe(t *testing.T) {
	c := newCatalog(t)
	deny := c.Validate("does-not-exist", nil)
	if deny == nil {
		t.Fatal("expected deny")
	}
	if deny.Code != contracts.RejPlanPolicyViolation {
		t.Fatalf("code = %s", deny.Code)
	}
	if !strings.Contains(deny.Detail, "regen-route-manifest") {
		t.Fatalf("detail should list known recipes: %q", deny.Detail)
	}
}

func TestValidateParamSchema(t *testing.T) {
	c := newCatalog(t)
	deny := c.Validate("format-touched-files", map[string]any{"files": []any{}})
	if deny == nil {
		t.Fatal("expected deny for empty files array")
	}
	if deny.Code != contracts.RejPlanMissingRequiredFields {
		t.Fatalf("code = %s", deny.Code)
	}

	deny = c.Validate("format-touched-files", map[string]any{
		"files": []any{"src/app.ts"}, "extra": true,
	})
	if deny == nil {
		t.Fatal("expected deny for additional property")
	}
}

func TestRunAppendsEvent(t *testing.T) {
	c := newCatalog(t)
	evt, deny, err := c.Run(context.Background(), "sess-1", "regen-route-manifest",
		map[string]any{"app": "billing"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if deny != nil {
		t.Fatalf("Run denied: %v", deny)
	}
	if !strings.HasPrefix(evt.EventID, "recipe-evt-") {
		t.Fatalf("eventId = %q", evt.EventID)
	}

	// Second run appends a second row.
	if _, deny, err := c.Run(context.Background(), "sess-1", "regen-route-manifest",
		map[string]any{"app": "crm"}); err != nil || deny != nil {
		t.Fatalf("second Run: err=%v deny=%v", err, deny)
	}

	f, err := os.Open(c.eventsPath)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer f.Close()
	var rows []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode row: %v", err)
		}
		rows = append(rows, e)
	}
	if len(rows) != 2 {
		t.Fatalf("event rows = %d, want 2", len(rows))
	}
	if rows[0].RecipeID != "regen-route-manifest" || rows[0].SessionID != "sess-1" {
		t.Fatalf("row = %+v", rows[0])
	}
	if rows[1].Params["app"] != "crm" {
		t.Fatalf("second row params = %v", rows[1].Params)
	}
}

func TestRunDeniesWithoutAppending(t *testing.T) {
	c := newCatalog(t)
	_, deny, err := c.Run(context.Background(), "sess-1", "nope", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if deny == nil {
		t.Fatal("expected deny")
	}
	if _, err := os.Stat(c.eventsPath); !os.IsNotExist(err) {
		t.Fatal("denied run must not create the event log")
	}
}
