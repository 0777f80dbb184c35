// Package artifacts persists one bundle directory per executed mutation so
// every side effect leaves an auditable trail: what was requested, what the
// operation logged, what changed, and which checks passed.
package artifacts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loomworks/gatehouse/pkg/canonicalize"
)

// Member file names inside a bundle directory. The set is fixed; absent
// members are simply not written.
const (
	MemberResult      = "result.json"
	MemberOpLog       = "opLog.txt"
	MemberDiffSummary = "diffSummary.json"
	MemberValidation  = "validation.json"
)

// DiffSummary counts line-level churn for a single target file. It is a
// summary, not a patch: enough for review triage, too little to replay.
type DiffSummary struct {
	TargetFile   string `json:"targetFile"`
	AddedLines   int    `json:"addedLines"`
	RemovedLines int    `json:"removedLines"`
	BytesBefore  int    `json:"bytesBefore"`
	BytesAfter   int    `json:"bytesAfter"`
}

// Check is one named validation outcome recorded alongside a mutation.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Validation aggregates the checks that ran as part of an operation.
type Validation struct {
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks,omitempty"`
}

// Bundle is everything a verb handler hands over after executing an effect.
type Bundle struct {
	OpID        string
	Result      map[string]any
	OpLog       []string
	DiffSummary *DiffSummary
	Validation  *Validation
}

// Ref points at a written bundle. Hash covers the member files so a reader
// can detect post-hoc tampering with the audit trail.
type Ref struct {
	OpID      string    `json:"opId"`
	Dir       string    `json:"dir"`
	Members   []string  `json:"members"`
	Hash      string    `json:"hash"`
	WrittenAt time.Time `json:"writtenAt"`
}

// Writer writes bundles under a fixed root, one directory per operation id.
type Writer struct {
	root   string
	logger *slog.Logger
	clock  func() time.Time
}

// NewWriter returns a Writer rooted at dir. The directory is created lazily
// on first write.
func NewWriter(root string, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		root:   root,
		logger: logger.With("component", "artifacts"),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Tests pin it.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// Root returns the directory bundles are written under.
func (w *Writer) Root() string { return w.root }

// Write persists b as <root>/<opId>/{result.json,opLog.txt,...} using a
// temp-file-then-rename dance per member so a crash never leaves a half
// written file behind.
func (w *Writer) Write(b Bundle) (*Ref, error) {
	if b.OpID == "" {
		return nil, fmt.Errorf("artifacts: bundle needs an operation id")
	}
	dir := filepath.Join(w.root, b.OpID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create bundle dir: %w", err)
	}

	members := map[string][]byte{}
	if b.Result != nil {
		raw, err := json.MarshalIndent(b.Result, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("artifacts: encode result: %w", err)
		}
		members[MemberResult] = append(raw, '\n')
	}
	if len(b.OpLog) > 0 {
		members[MemberOpLog] = []byte(strings.Join(b.OpLog, "\n") + "\n")
	}
	if b.DiffSummary != nil {
		raw, err := json.MarshalIndent(b.DiffSummary, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("artifacts: encode diff summary: %w", err)
		}
		members[MemberDiffSummary] = append(raw, '\n')
	}
	if b.Validation != nil {
		raw, err := json.MarshalIndent(b.Validation, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("artifacts: encode validation: %w", err)
		}
		members[MemberValidation] = append(raw, '\n')
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("artifacts: bundle %s has no members", b.OpID)
	}

	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	manifest := make(map[string]string, len(names))
	for _, name := range names {
		if err := writeAtomic(filepath.Join(dir, name), members[name]); err != nil {
			return nil, err
		}
		manifest[name] = canonicalize.HashBytes(members[name])
	}
	hash, err := canonicalize.CanonicalHash(manifest)
	if err != nil {
		return nil, fmt.Errorf("artifacts: hash manifest: %w", err)
	}

	ref := &Ref{
		OpID:      b.OpID,
		Dir:       dir,
		Members:   names,
		Hash:      hash,
		WrittenAt: w.clock().UTC(),
	}
	w.logger.Debug("bundle written", "opId", b.OpID, "members", len(names), "hash", hash)
	return ref, nil
}

// ReadResult loads the result.json member of a previously written bundle.
func (w *Writer) ReadResult(opID string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(w.root, opID, MemberResult))
	if err != nil {
		return nil, fmt.Errorf("artifacts: read result for %s: %w", opID, err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("artifacts: decode result for %s: %w", opID, err)
	}
	return out, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".bundle-*")
	if err != nil {
		return fmt.Errorf("artifacts: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: chmod %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("artifacts: rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Diff computes a line-level summary between two versions of a file. Lines
// are compared as a multiset, which keeps the counts stable under pure moves.
func Diff(targetFile string, before, after []byte) *DiffSummary {
	beforeLines := countLines(before)
	afterLines := countLines(after)

	removed := 0
	for line, n := range beforeLines {
		if m := afterLines[line]; m < n {
			removed += n - m
		}
	}
	added := 0
	for line, n := range afterLines {
		if m := beforeLines[line]; m < n {
			added += n - m
		}
	}
	return &DiffSummary{
		TargetFile:   targetFile,
		AddedLines:   added,
		RemovedLines: removed,
		BytesBefore:  len(before),
		BytesAfter:   len(after),
	}
}

func countLines(data []byte) map[string]int {
	out := map[string]int{}
	if len(data) == 0 {
		return out
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		out[line]++
	}
	return out
}
