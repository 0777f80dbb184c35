package anchor

import (
	"os"
	"path/filepath"
	"testing"
)

func seedTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{
		"src/app/billing",
		"src/app/orders",
		"src/shared/ui",
		"node_modules/lodash",
		"src/app/billing/deep/nested/far",
	} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return root
}

func TestSeedRespectsDepthAndExcludes(t *testing.T) {
	root := seedTree(t)
	s := NewSeeder(root, 3, []string{"**/node_modules/**"}, nil)
	anchors, err := s.Seed()
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}

	got := make(map[string]bool)
	for _, a := range anchors {
		got[a.FolderPath] = true
		if !a.AutoSeeded {
			t.Fatalf("walk-seeded anchor %s not marked auto", a.ID)
		}
	}
	for _, want := range []string{"src", "src/app", "src/app/billing", "src/shared/ui"} {
		if !got[want] {
			t.Fatalf("missing anchor for %s; have %v", want, got)
		}
	}
	if got["node_modules"] || got["node_modules/lodash"] {
		t.Fatal("excluded folder was seeded")
	}
	if got["src/app/billing/deep"] || got["src/app/billing/deep/nested"] {
		t.Fatal("depth cap not applied")
	}
}

func TestForcedIncludesBypassDepth(t *testing.T) {
	root := seedTree(t)
	s := NewSeeder(root, 2, nil, []string{"src/app/billing/deep/nested"})
	anchors, err := s.Seed()
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	var found, auto bool
	for _, a := range anchors {
		if a.FolderPath == "src/app/billing/deep/nested" {
			found = true
			auto = a.AutoSeeded
		}
	}
	if !found {
		t.Fatal("forced include missing")
	}
	if auto {
		t.Fatal("forced include must not be marked auto-seeded")
	}
}

func TestParentLinking(t *testing.T) {
	root := seedTree(t)
	anchors, err := NewSeeder(root, 3, nil, nil).Seed()
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	for _, a := range anchors {
		if a.FolderPath == "src/app/billing" && a.ParentAnchorID != IDFor("src/app") {
			t.Fatalf("billing parent = %q", a.ParentAnchorID)
		}
		if a.FolderPath == "src" && a.ParentAnchorID != "" {
			t.Fatalf("root-level anchor has parent %q", a.ParentAnchorID)
		}
	}
}

func TestForPathOutermostFirst(t *testing.T) {
	root := seedTree(t)
	anchors, _ := NewSeeder(root, 3, nil, nil).Seed()
	ids := ForPath(anchors, "src/app/billing/invoice.ts")
	want := []string{IDFor("src"), IDFor("src/app"), IDFor("src/app/billing")}
	if len(ids) != len(want) {
		t.Fatalf("got %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestForPathsDedupes(t *testing.T) {
	root := seedTree(t)
	anchors, _ := NewSeeder(root, 3, nil, nil).Seed()
	ids := ForPaths(anchors, []string{
		"src/app/billing/invoice.ts",
		"src/app/billing/totals.ts",
	})
	count := 0
	for _, id := range ids {
		if id == IDFor("src/app/billing") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("anchor duplicated: %v", ids)
	}
}
