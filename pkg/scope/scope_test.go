package scope

import (
	"testing"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

func testAllowlist() *contracts.ScopeAllowlist {
	return &contracts.ScopeAllowlist{
		Ref:     "scope-1",
		Files:   []string{"src/app/billing/invoice.ts", "src/shared/**"},
		Symbols: []string{"InvoiceGrid", "formatTotal"},
	}
}

func TestCanonicalizeRejectsEscapes(t *testing.T) {
	s := New("/repo")
	cases := []string{"../etc/passwd", "src/../../x", "/abs/path", "C:\\windows\\system32"}
	for _, c := range cases {
		if _, deny := s.Canonicalize(c); deny == nil {
			t.Fatalf("expected deny for %q", c)
		} else if deny.Code != contracts.RejPlanScopeViolation {
			t.Fatalf("wrong code for %q: %s", c, deny.Code)
		}
	}
}

func TestCanonicalizeCleansDotSegments(t *testing.T) {
	s := New("/repo")
	clean, deny := s.Canonicalize("src/app/./billing//invoice.ts")
	if deny != nil {
		t.Fatalf("unexpected deny: %v", deny)
	}
	if clean != "src/app/billing/invoice.ts" {
		t.Fatalf("got %q", clean)
	}
}

func TestAllowsFileExactAndGlob(t *testing.T) {
	s := New("/repo")
	allow := testAllowlist()

	if deny := s.AllowsFile(allow, "src/app/billing/invoice.ts"); deny != nil {
		t.Fatalf("exact entry denied: %v", deny)
	}
	if deny := s.AllowsFile(allow, "src/shared/util/strings.ts"); deny != nil {
		t.Fatalf("glob entry denied: %v", deny)
	}
	deny := s.AllowsFile(allow, "src/app/orders/order.ts")
	if deny == nil || deny.Code != contracts.RejPlanScopeViolation {
		t.Fatalf("expected scope violation, got %v", deny)
	}
}

func TestAllowsFileEmptyAllowlistPermitsInTree(t *testing.T) {
	s := New("/repo")
	if deny := s.AllowsFile(nil, "any/file.ts"); deny != nil {
		t.Fatalf("unexpected deny: %v", deny)
	}
	if deny := s.AllowsFile(nil, "../outside.ts"); deny == nil {
		t.Fatal("escape must be denied even without an allowlist")
	}
}

func TestAllowsSymbolsRejectsWildcardAndEmpty(t *testing.T) {
	s := New("/repo")
	if deny := s.AllowsSymbols(nil, []string{"Invoice*"}); deny == nil {
		t.Fatal("wildcard symbol must be denied")
	}
	if deny := s.AllowsSymbols(nil, []string{" "}); deny == nil {
		t.Fatal("empty symbol must be denied")
	}
	if deny := s.AllowsSymbols(testAllowlist(), []string{"InvoiceGrid"}); deny != nil {
		t.Fatalf("allowlisted symbol denied: %v", deny)
	}
	if deny := s.AllowsSymbols(testAllowlist(), []string{"HiddenThing"}); deny == nil {
		t.Fatal("off-list symbol must be denied")
	}
}

func TestPackAllows(t *testing.T) {
	s := New("/repo")
	pack := &contracts.ContextPack{
		Ref:   "pack-1",
		Hash:  "sha256:abc",
		Files: []string{"src/app/billing/invoice.ts"},
	}

	if deny := s.PackAllows(pack, "work/run-1/scratch", "src/app/billing/invoice.ts"); deny != nil {
		t.Fatalf("pack file denied: %v", deny)
	}
	deny := s.PackAllows(pack, "work/run-1/scratch", "src/app/orders/order.ts")
	if deny == nil || deny.Code != contracts.RejPackScopeViolation {
		t.Fatalf("expected pack scope violation, got %v", deny)
	}
	if deny := s.PackAllows(pack, "work/run-1/scratch", "work/run-1/scratch/notes.md"); deny != nil {
		t.Fatalf("scratch path should bypass pack scope: %v", deny)
	}
	if deny := s.PackAllows(nil, "", "src/app/billing/invoice.ts"); deny == nil {
		t.Fatal("missing pack must deny")
	}
}
