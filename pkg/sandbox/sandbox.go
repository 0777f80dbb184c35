// Package sandbox runs agent-submitted verification code under WebAssembly
// confinement: no filesystem, no network, capped memory, capped wall time,
// capped output. Snippets are preflighted before anything executes.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Limit kinds reported when an execution breaches its caps.
const (
	LimitTime   = "timeout"
	LimitMemory = "memory"
	LimitOutput = "output"
)

// LimitError is the typed error returned when a cap is breached. Callers map
// it onto a weak-verification rejection rather than an internal failure.
type LimitError struct {
	Kind    string
	Message string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("sandbox %s limit: %s", e.Kind, e.Message)
}

// Caps are the per-execution resource limits requested by the caller. Zero
// fields fall back to profile defaults and everything is clamped to the
// profile maxima.
type Caps struct {
	TimeoutMs   int `json:"timeoutMs"`
	MemoryCapMb int `json:"memoryCapMb"`
}

// Result captures what a confined execution produced.
type Result struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   uint32 `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

// Runner executes WASI modules under the profile's confinement policy.
type Runner struct {
	cfg    config.SandboxConfig
	logger *slog.Logger
}

// NewRunner returns a Runner bound to the profile's sandbox caps.
func NewRunner(cfg config.SandboxConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "sandbox")}
}

// Clamp applies defaults to zero caps and ceilings to oversized ones.
func (r *Runner) Clamp(c Caps) Caps {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = r.cfg.DefaultTimeoutMs
	}
	if c.TimeoutMs > r.cfg.MaxTimeoutMs {
		c.TimeoutMs = r.cfg.MaxTimeoutMs
	}
	if c.MemoryCapMb <= 0 {
		c.MemoryCapMb = r.cfg.DefaultMemoryCapMb
	}
	if c.MemoryCapMb > r.cfg.MaxMemoryCapMb {
		c.MemoryCapMb = r.cfg.MaxMemoryCapMb
	}
	return c
}

// Execute compiles and runs a WASI command module with stdin wired to input.
// The module gets no filesystem and no sockets; WASI denies by default.
func (r *Runner) Execute(ctx context.Context, wasm []byte, input []byte, caps Caps) (*Result, error) {
	caps = r.Clamp(caps)

	pages := uint32(caps.MemoryCapMb) * 16 // 64 KiB per wasm page
	if pages == 0 {
		pages = 1
	}
	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	defer rt.Close(ctx)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(caps.TimeoutMs)*time.Millisecond)
	defer cancel()

	stdout := newCappedBuffer(r.cfg.OutputMaxBytes)
	stderr := newCappedBuffer(r.cfg.OutputMaxBytes)
	modCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithName("gatehouse-sandbox")

	compiled, err := rt.CompileModule(execCtx, wasm)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}
	defer compiled.Close(execCtx)

	start := time.Now()
	mod, err := rt.InstantiateModule(execCtx, compiled, modCfg)
	elapsed := time.Since(start)
	if mod != nil {
		defer mod.Close(execCtx)
	}

	res := &Result{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			if res.ExitCode != 0 {
				return res, fmt.Errorf("sandbox: module exited with code %d", res.ExitCode)
			}
		} else if execCtx.Err() != nil {
			return res, &LimitError{
				Kind:    LimitTime,
				Message: fmt.Sprintf("execution exceeded %dms", caps.TimeoutMs),
			}
		} else if isMemoryError(err) {
			return res, &LimitError{
				Kind:    LimitMemory,
				Message: fmt.Sprintf("execution exceeded %dMiB", caps.MemoryCapMb),
			}
		} else {
			return res, fmt.Errorf("sandbox: execution failed: %w", err)
		}
	}
	if stdout.overflow || stderr.overflow {
		return res, &LimitError{
			Kind:    LimitOutput,
			Message: fmt.Sprintf("output exceeded %d bytes", r.cfg.OutputMaxBytes),
		}
	}

	r.logger.Debug("sandbox run complete",
		"durationMs", res.DurationMs, "stdoutBytes", len(res.Stdout))
	return res, nil
}

// Preflight rejects a snippet before anything runs. The submitted code must
// be a self-invoking expression (so nothing leaks into an ambient namespace)
// and must not carry placeholder text in place of real output.
func Preflight(source string) *contracts.Deny {
	t := strings.TrimSpace(source)
	if t == "" {
		return contracts.NewDeny(contracts.RejPlanVerificationWeak,
			"sandbox snippet is empty")
	}
	if !strings.HasPrefix(t, "(") {
		return contracts.NewDeny(contracts.RejPlanVerificationWeak,
			"sandbox snippet must be a self-invoking expression wrapped in parentheses")
	}
	if !selfInvokes(t) {
		return contracts.NewDeny(contracts.RejPlanVerificationWeak,
			"sandbox snippet does not invoke itself; wrap it as (...)() so it runs immediately")
	}
	if marker := placeholderMarker(t); marker != "" {
		return contracts.NewDeny(contracts.RejPlanVerificationWeak,
			"sandbox snippet contains placeholder text %q; submit real verification code", marker)
	}
	return nil
}

// PlaceholderOutput reports whether captured output looks like a canned
// placeholder instead of a real verification result.
func PlaceholderOutput(out string) string {
	return placeholderMarker(out)
}

func selfInvokes(t string) bool {
	t = strings.TrimRight(t, "; \t\r\n")
	if strings.HasSuffix(t, ")") {
		// Find the call parens: ...)(args) or ...)()
		open := strings.LastIndex(t, "(")
		if open > 0 && strings.HasSuffix(t[:open], ")") {
			return true
		}
	}
	return false
}

var placeholderMarkers = []string{
	"placeholder",
	"lorem ipsum",
	"your code here",
	"output goes here",
	"not implemented",
	"fill me in",
}

func placeholderMarker(s string) string {
	lower := strings.ToLower(s)
	for _, m := range placeholderMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}

// cappedBuffer accepts writes up to max bytes and flags overflow instead of
// failing, so the module keeps running and the breach is reported once at
// the end.
type cappedBuffer struct {
	buf      bytes.Buffer
	max      int
	overflow bool
}

func newCappedBuffer(max int) *cappedBuffer {
	if max <= 0 {
		max = 1 << 20
	}
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.overflow = true
		return len(p), nil
	}
	if len(p) > room {
		b.overflow = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
