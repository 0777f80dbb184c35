// Package memory persists learned rules and drives their lifecycle:
// friction-triggered records, human override ingestion, auto-promotion
// across the contest and expiry windows, and export as graph seed rows.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
)

const (
	storeFile     = "store.json"
	overridesDir  = "overrides"
	frictionFile  = "friction-ledger.jsonl"
	changelogFile = "changelog.jsonl"

	processedSuffix = ".processed"
)

// Service owns the memory store under a single directory: store.json for
// the record map, overrides/ for human drop-ins, and two append-only
// JSONL ledgers. All store mutations run under one mutex.
type Service struct {
	dir    string
	cfg    config.MemoryConfig
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]contracts.MemoryRecord
	clock   func() time.Time
}

// NewService opens (or initializes) the memory store rooted at dir.
func NewService(dir string, cfg config.MemoryConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		dir:     dir,
		cfg:     cfg,
		logger:  logger.With("component", "memory"),
		records: make(map[string]contracts.MemoryRecord),
		clock:   time.Now,
	}
	if err := os.MkdirAll(filepath.Join(dir, overridesDir), 0o755); err != nil {
		return nil, fmt.Errorf("memory: create %s: %w", dir, err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) storePath() string     { return filepath.Join(s.dir, storeFile) }
func (s *Service) overridesPath() string { return filepath.Join(s.dir, overridesDir) }

func (s *Service) load() error {
	b, err := os.ReadFile(s.storePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory: read store: %w", err)
	}
	if err := json.Unmarshal(b, &s.records); err != nil {
		return fmt.Errorf("memory: parse store: %w", err)
	}
	return nil
}

// save persists the full record map. Callers hold s.mu.
func (s *Service) save() error {
	b, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath(), b, 0o600)
}

// FrictionInput describes a repeated-rejection pattern worth remembering.
type FrictionInput struct {
	SessionID       string
	StrategyID      string
	Phase           contracts.MemoryPhase
	AnchorIDs       []string
	RejectionCodes  []contracts.RejectionCode
	EnforcementType contracts.EnforcementType

	FewShot        *contracts.FewShotPayload
	PlanRule       *contracts.PlanRulePayload
	StrategySignal *contracts.StrategySignalPayload

	Note string
}

// CreateFromFriction records a friction-derived memory in state pending
// and appends the friction event to the ledger.
func (s *Service) CreateFromFriction(in FrictionInput) (contracts.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	phase := in.Phase
	if phase == "" {
		phase = contracts.PhasePlanning
	}
	enforcement := in.EnforcementType
	if enforcement == "" {
		enforcement = contracts.EnforceInformational
	}
	rec := contracts.MemoryRecord{
		ID:               newID(),
		Trigger:          contracts.TriggerRejectionPattern,
		Phase:            phase,
		DomainAnchorIDs:  in.AnchorIDs,
		RejectionCodes:   in.RejectionCodes,
		OriginStrategyID: in.StrategyID,
		EnforcementType:  enforcement,
		FewShot:          in.FewShot,
		PlanRule:         in.PlanRule,
		StrategySignal:   in.StrategySignal,
		State:            contracts.MemoryPending,
		CreatedAt:        now,
		UpdatedAt:        now,
		SourceSessionID:  in.SessionID,
		CreatedBy:        "controller",
		Note:             in.Note,
	}
	s.records[rec.ID] = rec
	if err := s.save(); err != nil {
		delete(s.records, rec.ID)
		return contracts.MemoryRecord{}, err
	}
	s.appendJSONL(frictionFile, frictionEntry{
		At:             now,
		MemoryID:       rec.ID,
		SessionID:      in.SessionID,
		StrategyID:     in.StrategyID,
		RejectionCodes: in.RejectionCodes,
		AnchorIDs:      in.AnchorIDs,
	})
	s.logChange(rec.ID, "", rec.State, "created from friction")
	return rec, nil
}

// OverrideInput is the payload a human drops into the overrides directory
// (or passes directly through the CLI).
type OverrideInput struct {
	Phase           contracts.MemoryPhase     `json:"phase,omitempty"`
	DomainAnchorIDs []string                  `json:"domainAnchorIds"`
	EnforcementType contracts.EnforcementType `json:"enforcementType"`

	FewShot        *contracts.FewShotPayload        `json:"fewShot,omitempty"`
	PlanRule       *contracts.PlanRulePayload       `json:"planRule,omitempty"`
	StrategySignal *contracts.StrategySignalPayload `json:"strategySignal,omitempty"`

	CreatedBy string `json:"createdBy,omitempty"`
	Note      string `json:"note,omitempty"`
}

func (in OverrideInput) validate() error {
	switch in.EnforcementType {
	case contracts.EnforceFewShot:
		if in.FewShot == nil {
			return errors.New("few_shot override missing fewShot payload")
		}
	case contracts.EnforcePlanRule:
		if in.PlanRule == nil || len(in.PlanRule.RequiredSteps) == 0 {
			return errors.New("plan_rule override missing requiredSteps")
		}
	case contracts.EnforceStrategySignal:
		if in.StrategySignal == nil || len(in.StrategySignal.FeatureOverrides) == 0 {
			return errors.New("strategy_signal override missing featureOverrides")
		}
	case contracts.EnforceInformational:
	case "":
		return errors.New("override missing enforcementType")
	default:
		return fmt.Errorf("unknown enforcementType %q", in.EnforcementType)
	}
	if len(in.DomainAnchorIDs) == 0 {
		return errors.New("override missing domainAnchorIds")
	}
	return nil
}

// CreateFromHumanOverride records a human-supplied memory. Its initial
// state comes from configuration, typically approved.
func (s *Service) CreateFromHumanOverride(in OverrideInput) (contracts.MemoryRecord, error) {
	return s.createOverride(in, "")
}

func (s *Service) createOverride(in OverrideInput, sourceFile string) (contracts.MemoryRecord, error) {
	if err := in.validate(); err != nil {
		return contracts.MemoryRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	state := contracts.MemoryState(s.cfg.OverrideInitialState)
	if state == "" {
		state = contracts.MemoryApproved
	}
	phase := in.Phase
	if phase == "" {
		phase = contracts.PhasePlanning
	}
	createdBy := in.CreatedBy
	if createdBy == "" {
		createdBy = "human"
	}
	rec := contracts.MemoryRecord{
		ID:              newID(),
		Trigger:         contracts.TriggerHumanOverride,
		Phase:           phase,
		DomainAnchorIDs: in.DomainAnchorIDs,
		EnforcementType: in.EnforcementType,
		FewShot:         in.FewShot,
		PlanRule:        in.PlanRule,
		StrategySignal:  in.StrategySignal,
		State:           state,
		CreatedAt:       now,
		UpdatedAt:       now,
		SourceFile:      sourceFile,
		CreatedBy:       createdBy,
		Note:            in.Note,
	}
	s.records[rec.ID] = rec
	if err := s.save(); err != nil {
		delete(s.records, rec.ID)
		return contracts.MemoryRecord{}, err
	}
	s.logChange(rec.ID, "", rec.State, "created from human override")
	return rec, nil
}

// Get returns the record with id.
func (s *Service) Get(id string) (contracts.MemoryRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// List returns every record, oldest first.
func (s *Service) List() []contracts.MemoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]contracts.MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// FindActiveForAnchors returns the approved and provisional records bound
// to at least one of the anchor ids, oldest first.
func (s *Service) FindActiveForAnchors(anchorIDs []string) []contracts.MemoryRecord {
	want := make(map[string]struct{}, len(anchorIDs))
	for _, id := range anchorIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []contracts.MemoryRecord
	for _, rec := range s.records {
		if !rec.State.Active() {
			continue
		}
		for _, a := range rec.DomainAnchorIDs {
			if _, ok := want[a]; ok {
				out = append(out, rec)
				break
			}
		}
	}
	sortRecords(out)
	return out
}

// Transition moves a record to next and logs the change. A same-state
// transition only refreshes the timestamp and skips the changelog.
func (s *Service) Transition(id string, next contracts.MemoryState, reason string) (contracts.MemoryRecord, error) {
	if !validState(next) {
		return contracts.MemoryRecord{}, fmt.Errorf("memory: unknown state %q", next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return contracts.MemoryRecord{}, fmt.Errorf("memory: record %q not found", id)
	}
	prev := rec.State
	rec.State = next
	rec.UpdatedAt = s.clock()
	s.records[id] = rec
	if err := s.save(); err != nil {
		return contracts.MemoryRecord{}, err
	}
	if prev != next {
		s.logChange(id, prev, next, reason)
	}
	return rec, nil
}

// PromotionReport lists the records a promotion run moved.
type PromotionReport struct {
	Promoted []string `json:"promoted"`
	Expired  []string `json:"expired"`
}

// RunAutoPromotion advances records past their lifecycle windows: pending
// records older than the contest window become provisional when their
// enforcement type is auto-promotable; provisional records untouched for
// longer than the expiry window expire.
func (s *Service) RunAutoPromotion(now time.Time) (PromotionReport, error) {
	contest := time.Duration(s.cfg.ContestWindowHours) * time.Hour
	expiry := time.Duration(s.cfg.ExpiryWindowHours) * time.Hour

	s.mu.Lock()
	defer s.mu.Unlock()

	var report PromotionReport
	for id, rec := range s.records {
		switch rec.State {
		case contracts.MemoryPending:
			if !s.autoPromotable(rec.EnforcementType) || now.Sub(rec.CreatedAt) <= contest {
				continue
			}
			rec.State = contracts.MemoryProvisional
			rec.UpdatedAt = now
			s.records[id] = rec
			report.Promoted = append(report.Promoted, id)
			s.logChange(id, contracts.MemoryPending, contracts.MemoryProvisional, "contest window elapsed")
		case contracts.MemoryProvisional:
			if now.Sub(rec.UpdatedAt) <= expiry {
				continue
			}
			rec.State = contracts.MemoryExpired
			rec.UpdatedAt = now
			s.records[id] = rec
			report.Expired = append(report.Expired, id)
			s.logChange(id, contracts.MemoryProvisional, contracts.MemoryExpired, "expiry window elapsed")
		}
	}
	sort.Strings(report.Promoted)
	sort.Strings(report.Expired)
	if len(report.Promoted)+len(report.Expired) == 0 {
		return report, nil
	}
	return report, s.save()
}

func (s *Service) autoPromotable(t contracts.EnforcementType) bool {
	for _, allowed := range s.cfg.AutoPromotable {
		if string(t) == allowed {
			return true
		}
	}
	return false
}

// IngestOverrideFiles scans the overrides directory for *.json drop-ins,
// creates a record from each, and renames processed files so they are not
// ingested twice. Malformed files are logged and left in place.
func (s *Service) IngestOverrideFiles() ([]contracts.MemoryRecord, error) {
	entries, err := os.ReadDir(s.overridesPath())
	if err != nil {
		return nil, fmt.Errorf("memory: read overrides: %w", err)
	}

	var created []contracts.MemoryRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.overridesPath(), name)
		rec, err := s.ingestOne(path, name)
		if err != nil {
			s.logger.Warn("override skipped", "file", name, "error", err)
			continue
		}
		created = append(created, rec)
		s.logger.Info("override ingested", "file", name, "memoryId", rec.ID, "state", rec.State)
	}
	return created, nil
}

func (s *Service) ingestOne(path, name string) (contracts.MemoryRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return contracts.MemoryRecord{}, err
	}
	var in OverrideInput
	if err := json.Unmarshal(b, &in); err != nil {
		return contracts.MemoryRecord{}, fmt.Errorf("parse: %w", err)
	}
	rec, err := s.createOverride(in, name)
	if err != nil {
		return contracts.MemoryRecord{}, err
	}
	// The record is already persisted; a failed rename means the file
	// would be ingested again, so surface it loudly.
	if err := os.Rename(path, path+processedSuffix); err != nil {
		s.logger.Error("processed rename failed, duplicate ingest likely", "file", name, "error", err)
	}
	return rec, nil
}

// ScaffoldFewShot drafts a pending few-shot memory from rejected plan
// content. Before holds the rejected content verbatim; After and WhyWrong
// carry TODO markers for a human to fill in before approval.
func (s *Service) ScaffoldFewShot(sessionID, strategyID string, anchorIDs []string, codes []contracts.RejectionCode, rejected string) (contracts.MemoryRecord, error) {
	return s.CreateFromFriction(FrictionInput{
		SessionID:       sessionID,
		StrategyID:      strategyID,
		AnchorIDs:       anchorIDs,
		RejectionCodes:  codes,
		EnforcementType: contracts.EnforceFewShot,
		FewShot: &contracts.FewShotPayload{
			Before:   rejected,
			After:    "TODO: corrected version",
			WhyWrong: "TODO: explain the defect",
		},
		Note: "few-shot scaffold awaiting human completion",
	})
}

// SeedRow is one JSONL row of a graph seed export. Kind selects which of
// the remaining fields apply.
type SeedRow struct {
	Kind      string         `json:"kind"` // node | relationship | cypher
	ID        string         `json:"id,omitempty"`
	Labels    []string       `json:"labels,omitempty"`
	Props     map[string]any `json:"props,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	EdgeType  string         `json:"edgeType,omitempty"`
	Statement string         `json:"statement,omitempty"`
}

// ExportAsGraphSeed writes every active memory as a node row plus one
// APPLIES_TO relationship row per anchor, ready for graph upsert. It
// returns the number of rows written.
func (s *Service) ExportAsGraphSeed(outPath string) (int, error) {
	s.mu.Lock()
	recs := make([]contracts.MemoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		if rec.State.Active() {
			recs = append(recs, rec)
		}
	}
	s.mu.Unlock()
	sortRecords(recs)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	rows := 0
	for _, rec := range recs {
		node := SeedRow{
			Kind:   "node",
			ID:     rec.ID,
			Labels: []string{"Memory"},
			Props: map[string]any{
				"trigger":          string(rec.Trigger),
				"phase":            string(rec.Phase),
				"enforcementType":  string(rec.EnforcementType),
				"state":            string(rec.State),
				"originStrategyId": rec.OriginStrategyID,
				"createdAt":        rec.CreatedAt.UTC().Format(time.RFC3339),
			},
		}
		if err := enc.Encode(node); err != nil {
			return rows, err
		}
		rows++
		for _, anchorID := range rec.DomainAnchorIDs {
			rel := SeedRow{Kind: "relationship", From: rec.ID, To: anchorID, EdgeType: "APPLIES_TO"}
			if err := enc.Encode(rel); err != nil {
				return rows, err
			}
			rows++
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("memory: create seed dir: %w", err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o600); err != nil {
		return 0, fmt.Errorf("memory: write seed: %w", err)
	}
	return rows, nil
}

// Watch ingests override drop-ins as they appear, until ctx is cancelled.
// Processed renames carry the .processed suffix and are filtered out, so
// ingestion does not feed back into the watcher.
func (s *Service) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("memory: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.overridesPath()); err != nil {
		return fmt.Errorf("memory: watch %s: %w", s.overridesPath(), err)
	}
	s.logger.Info("watching overrides", "dir", s.overridesPath())

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			if _, err := s.IngestOverrideFiles(); err != nil {
				s.logger.Warn("override ingest failed", "error", err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", "error", err)
		}
	}
}

type frictionEntry struct {
	At             time.Time                 `json:"at"`
	MemoryID       string                    `json:"memoryId"`
	SessionID      string                    `json:"sessionId,omitempty"`
	StrategyID     string                    `json:"strategyId,omitempty"`
	RejectionCodes []contracts.RejectionCode `json:"rejectionCodes,omitempty"`
	AnchorIDs      []string                  `json:"anchorIds,omitempty"`
}

type changeEntry struct {
	At       time.Time             `json:"at"`
	MemoryID string                `json:"memoryId"`
	From     contracts.MemoryState `json:"from,omitempty"`
	To       contracts.MemoryState `json:"to"`
	Reason   string                `json:"reason,omitempty"`
}

func (s *Service) logChange(id string, from, to contracts.MemoryState, reason string) {
	s.appendJSONL(changelogFile, changeEntry{At: s.clock(), MemoryID: id, From: from, To: to, Reason: reason})
}

// appendJSONL appends one row to a ledger file. Ledger writes are
// non-critical: failures are logged, never propagated.
func (s *Service) appendJSONL(file string, row any) {
	path := filepath.Join(s.dir, file)
	b, err := json.Marshal(row)
	if err != nil {
		s.logger.Warn("ledger append skipped", "path", path, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		s.logger.Warn("ledger append failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(b, '\n')); err != nil {
		s.logger.Warn("ledger append failed", "path", path, "error", err)
	}
}

func sortRecords(recs []contracts.MemoryRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

func validState(st contracts.MemoryState) bool {
	switch st {
	case contracts.MemoryPending, contracts.MemoryProvisional, contracts.MemoryApproved,
		contracts.MemoryRejected, contracts.MemoryExpired:
		return true
	}
	return false
}

func newID() string {
	return "mem-" + uuid.New().String()
}
