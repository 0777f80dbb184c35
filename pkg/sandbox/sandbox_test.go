package sandbox

import (
	"context"
	"strings"
	"testing"

	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
)

func testRunner() *Runner {
	return NewRunner(config.SandboxConfig{
		DefaultTimeoutMs:   1_000,
		MaxTimeoutMs:       5_000,
		DefaultMemoryCapMb: 16,
		MaxMemoryCapMb:     64,
		OutputMaxBytes:     4096,
	}, nil)
}

func TestPreflightAcceptsIIFE(t *testing.T) {
	for _, src := range []string{
		"(() => { console.log(results.length) })()",
		"(async () => { return check(rows) })();",
		"(function () { assertRouteCount(4) })()",
	} {
		if deny := Preflight(src); deny != nil {
			t.Fatalf("Preflight(%q) = %v, want accept", src, deny)
		}
	}
}

func TestPreflightRejectsShapeMismatch(t *testing.T) {
	cases := map[string]string{
		"":                             "empty",
		"console.log(1)":               "wrapped in parentheses",
		"(() => { console.log(1) })":   "invoke itself",
		"(function check() { run() })": "invoke itself",
	}
	for src, wantFragment := range cases {
		deny := Preflight(src)
		if deny == nil {
			t.Fatalf("Preflight(%q) accepted, want deny", src)
		}
		if deny.Code != contracts.RejPlanVerificationWeak {
			t.Fatalf("Preflight(%q) code = %s", src, deny.Code)
		}
		if !strings.Contains(deny.Detail, wantFragment) {
			t.Fatalf("Preflight(%q) detail = %q, want fragment %q", src, deny.Detail, wantFragment)
		}
	}
}

func TestPreflightRejectsPlaceholder(t *testing.T) {
	deny := Preflight(`(() => { console.log("PLACEHOLDER result") })()`)
	if deny == nil {
		t.Fatal("expected placeholder deny")
	}
	if !strings.Contains(deny.Detail, "placeholder") {
		t.Fatalf("detail = %q", deny.Detail)
	}
}

func TestPlaceholderOutput(t *testing.T) {
	if m := PlaceholderOutput("checked 12 rows, 0 mismatches"); m != "" {
		t.Fatalf("real output flagged as %q", m)
	}
	if m := PlaceholderOutput("Lorem Ipsum dolor"); m != "lorem ipsum" {
		t.Fatalf("marker = %q, want lorem ipsum", m)
	}
}

func TestClampCaps(t *testing.T) {
	r := testRunner()
	c := r.Clamp(Caps{})
	if c.TimeoutMs != 1_000 || c.MemoryCapMb != 16 {
		t.Fatalf("defaults = %+v", c)
	}
	c = r.Clamp(Caps{TimeoutMs: 120_000, MemoryCapMb: 2_048})
	if c.TimeoutMs != 5_000 || c.MemoryCapMb != 64 {
		t.Fatalf("ceiling clamp = %+v", c)
	}
	c = r.Clamp(Caps{TimeoutMs: 250, MemoryCapMb: 32})
	if c.TimeoutMs != 250 || c.MemoryCapMb != 32 {
		t.Fatalf("in-range caps mutated: %+v", c)
	}
}

// The empty module header is the smallest valid wasm binary. It exports no
// _start, so instantiation completes without running anything, which covers
// the full compile-and-instantiate path.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func TestExecuteEmptyModule(t *testing.T) {
	res, err := testRunner().Execute(context.Background(), emptyModule, nil, Caps{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Stdout != "" || res.Stderr != "" {
		t.Fatalf("unexpected output: %q / %q", res.Stdout, res.Stderr)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestExecuteRejectsInvalidModule(t *testing.T) {
	_, err := testRunner().Execute(context.Background(), []byte("not wasm"), nil, Caps{})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "compile") {
		t.Fatalf("err = %v", err)
	}
}

func TestCappedBufferFlagsOverflow(t *testing.T) {
	b := newCappedBuffer(8)
	if _, err := b.Write([]byte("12345")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b.overflow {
		t.Fatal("overflow flagged too early")
	}
	if _, err := b.Write([]byte("67890")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !b.overflow {
		t.Fatal("overflow not flagged")
	}
	if got := b.String(); got != "12345678" {
		t.Fatalf("buffer = %q, want truncation at cap", got)
	}
}
