// Package pack builds and enriches context packs. A pack is the monotonic
// set of files the agent may read this session; its hash is a canonical
// digest of the sorted file list, so identical content always yields an
// identical hash. Enrichment only ever appends.
package pack

import (
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

	"github.com/loomworks/gatehouse/pkg/canonicalize"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/indexer"
)

// ChainProbe checks whether a required origin chain can be resolved for a
// seed term. Wired to the proof-chain builder; nil disables the check.
type ChainProbe func(ctx context.Context, seed string) (complete bool, missing []string, err error)

// CreateInputs drives pack construction at initialize_work time.
type CreateInputs struct {
	Prompt    string
	Lexemes   []string
	Allowlist *contracts.ScopeAllowlist
}

// Delta reports the outcome of one enrichment.
type Delta struct {
	Hash         string   `json:"newHash"`
	AddedFiles   []string `json:"addedFiles"`
	AddedSymbols []string `json:"addedSymbols"`
	TotalFiles   int      `json:"totalFiles"`
	HashChanged  bool     `json:"hashChanged"`
}

// packState is the persisted pack artifact.
type packState struct {
	Ref       string    `json:"ref"`
	Hash      string    `json:"hash"`
	Files     []string  `json:"files"`
	Symbols   []string  `json:"symbols,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Service builds, stores, and enriches packs. Enrichment is serialized per
// pack ref; different refs proceed in parallel.
type Service struct {
	index       indexer.Indexer
	probe       ChainProbe
	persistDir  string
	schemaLinks []string
	logger      *slog.Logger

	mu    sync.Mutex
	packs map[string]*packState
	locks map[string]*sync.Mutex
}

// Option configures the service.
type Option func(*Service)

// WithChainProbe wires the required-anchor probe.
func WithChainProbe(p ChainProbe) Option {
	return func(s *Service) { s.probe = p }
}

// WithSchemaLinks sets the always-accessible files appended to every pack.
func WithSchemaLinks(links []string) Option {
	return func(s *Service) { s.schemaLinks = links }
}

// New creates a pack service persisting artifacts under persistDir.
func New(index indexer.Indexer, persistDir string, opts ...Option) *Service {
	s := &Service{
		index:      index,
		persistDir: persistDir,
		logger:     slog.Default().With("component", "pack"),
		packs:      make(map[string]*packState),
		locks:      make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create gathers files for a new pack and computes its canonical hash.
// File sources, in order: the scope allowlist when present, otherwise the
// indexer retrieval lanes for the prompt lexemes; schema links are always
// appended. An unresolvable required anchor is reported as an insufficiency
// on the pack, never silently dropped.
func (s *Service) Create(ctx context.Context, in CreateInputs) (*contracts.ContextPack, error) {
	var files []string

	if in.Allowlist != nil && len(in.Allowlist.Files) > 0 {
		for _, f := range in.Allowlist.Files {
			if !strings.ContainsAny(f, "*?[{") {
				files = append(files, f)
			}
		}
	}
	if len(files) == 0 && s.index != nil {
		files = s.retrievalLanes(ctx, in.Lexemes)
	}
	files = append(files, s.schemaLinks...)
	files = canonicalize.SortedUnique(files)

	hash, err := canonicalize.PackHash(files)
	if err != nil {
		return nil, fmt.Errorf("pack: hash: %w", err)
	}

	p := &contracts.ContextPack{
		Ref:   "pack-" + uuid.New().String(),
		Hash:  hash,
		Files: files,
	}

	if insuff := s.checkRequiredAnchors(ctx, in); insuff != nil {
		p.Insufficiency = insuff
	}

	st := &packState{Ref: p.Ref, Hash: p.Hash, Files: append([]string(nil), files...), UpdatedAt: time.Now().UTC()}
	s.mu.Lock()
	s.packs[p.Ref] = st
	s.mu.Unlock()
	if err := s.persist(st); err != nil {
		s.logger.WarnContext(ctx, "pack persist failed", "ref", p.Ref, "error", err)
	}
	return p, nil
}

// retrievalLanes collects files from symbol and lexical hits for each lexeme.
func (s *Service) retrievalLanes(ctx context.Context, lexemes []string) []string {
	var files []string
	for _, lex := range lexemes {
		if strings.TrimSpace(lex) == "" {
			continue
		}
		if hits, err := s.index.SearchSymbol(ctx, lex, 10); err == nil {
			for _, h := range hits {
				files = append(files, h.File)
			}
		}
		if hits, err := s.index.SearchLexical(ctx, lex, 10); err == nil {
			for _, h := range hits {
				files = append(files, h.File)
			}
		}
	}
	return files
}

// checkRequiredAnchors probes the origin chains the prompt makes mandatory.
func (s *Service) checkRequiredAnchors(ctx context.Context, in CreateInputs) *contracts.PackInsufficiency {
	if s.probe == nil {
		return nil
	}
	text := strings.ToLower(in.Prompt + " " + strings.Join(in.Lexemes, " "))
	if !strings.Contains(text, "ag-grid") && !strings.Contains(text, "aggrid") {
		return nil
	}
	seed := firstAgGridSeed(in.Lexemes, in.Prompt)
	complete, missing, err := s.probe(ctx, seed)
	if err != nil {
		return &contracts.PackInsufficiency{
			Code:   contracts.RejPackInsufficient,
			Reason: fmt.Sprintf("ag-Grid origin chain probe failed: %v", err),
		}
	}
	if !complete {
		return &contracts.PackInsufficiency{
			Code:   contracts.RejPackInsufficient,
			Reason: "ag-Grid origin chain could not be fully resolved",
			Needed: missing,
		}
	}
	return nil
}

func firstAgGridSeed(lexemes []string, prompt string) string {
	for _, lex := range lexemes {
		lo := strings.ToLower(lex)
		if strings.Contains(lo, "grid") {
			return lex
		}
	}
	fields := strings.Fields(prompt)
	for _, f := range fields {
		lo := strings.ToLower(f)
		if strings.Contains(lo, "grid") {
			return strings.Trim(f, ".,;:")
		}
	}
	return "grid"
}

// Enrich appends never-seen files (and files resolved from never-seen
// symbols) to the pack, recomputes the hash, and persists. Calls for the
// same ref are serialized; the file list only grows.
func (s *Service) Enrich(ctx context.Context, ref string, newFiles, newSymbols []string) (*Delta, error) {
	lock := s.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	st, ok := s.packs[ref]
	s.mu.Unlock()
	if !ok {
		loaded, err := s.load(ref)
		if err != nil {
			return nil, fmt.Errorf("pack: unknown ref %q", ref)
		}
		st = loaded
		s.mu.Lock()
		s.packs[ref] = st
		s.mu.Unlock()
	}

	have := make(map[string]struct{}, len(st.Files))
	for _, f := range st.Files {
		have[f] = struct{}{}
	}
	haveSyms := make(map[string]struct{}, len(st.Symbols))
	for _, sym := range st.Symbols {
		haveSyms[sym] = struct{}{}
	}

	var added []string
	appendFile := func(f string) {
		f = canonicalize.NFC(strings.TrimSpace(f))
		if f == "" {
			return
		}
		if _, seen := have[f]; seen {
			return
		}
		have[f] = struct{}{}
		st.Files = append(st.Files, f)
		added = append(added, f)
	}

	for _, f := range newFiles {
		appendFile(f)
	}

	var addedSymbols []string
	for _, sym := range newSymbols {
		sym = strings.TrimSpace(sym)
		if sym == "" {
			continue
		}
		if _, seen := haveSyms[sym]; seen {
			continue
		}
		haveSyms[sym] = struct{}{}
		st.Symbols = append(st.Symbols, sym)
		addedSymbols = append(addedSymbols, sym)
		if s.index == nil {
			continue
		}
		hits, err := s.index.SearchSymbol(ctx, sym, 5)
		if err != nil {
			s.logger.WarnContext(ctx, "symbol lane lookup failed", "symbol", sym, "error", err)
			continue
		}
		for _, h := range hits {
			appendFile(h.File)
		}
	}

	oldHash := st.Hash
	if len(added) > 0 {
		sort.Strings(st.Files)
		hash, err := canonicalize.PackHash(st.Files)
		if err != nil {
			return nil, fmt.Errorf("pack: rehash: %w", err)
		}
		st.Hash = hash
		st.UpdatedAt = time.Now().UTC()
		if err := s.persist(st); err != nil {
			s.logger.WarnContext(ctx, "pack persist failed", "ref", ref, "error", err)
		}
	}

	return &Delta{
		Hash:         st.Hash,
		AddedFiles:   append([]string(nil), added...),
		AddedSymbols: addedSymbols,
		TotalFiles:   len(st.Files),
		HashChanged:  st.Hash != oldHash,
	}, nil
}

// Snapshot returns a copy of the current pack content for a ref.
func (s *Service) Snapshot(ref string) (*contracts.ContextPack, error) {
	lock := s.refLock(ref)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	st, ok := s.packs[ref]
	s.mu.Unlock()
	if !ok {
		loaded, err := s.load(ref)
		if err != nil {
			return nil, fmt.Errorf("pack: unknown ref %q", ref)
		}
		st = loaded
	}
	return &contracts.ContextPack{
		Ref:   st.Ref,
		Hash:  st.Hash,
		Files: append([]string(nil), st.Files...),
	}, nil
}

func (s *Service) refLock(ref string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[ref]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[ref] = l
	return l
}

func (s *Service) persist(st *packState) error {
	if s.persistDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.persistDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.persistDir, st.Ref+".json"), data, 0o644)
}

func (s *Service) load(ref string) (*packState, error) {
	if s.persistDir == "" {
		return nil, os.ErrNotExist
	}
	data, err := os.ReadFile(filepath.Join(s.persistDir, ref+".json"))
	if err != nil {
		return nil, err
	}
	var st packState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, err
	}
	return &st, nil
}
