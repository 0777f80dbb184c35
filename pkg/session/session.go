// Package session owns the process-wide registry mapping runSessionId to
// its SessionState. A per-session lease serializes verbs for one id while
// sessions of different ids proceed concurrently; an optional persistence
// layer keeps JSON snapshots so a restarted controller resumes open work.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// Persistence is the snapshot store behind the in-memory registry.
// Load returns (nil, nil) when no snapshot exists for the id.
type Persistence interface {
	Save(ctx context.Context, s *contracts.SessionState) error
	Load(ctx context.Context, id string) (*contracts.SessionState, error)
	Delete(ctx context.Context, id string) error
}

// Store is the process-wide session registry. The in-memory record is
// authoritative; snapshots exist for crash recovery only.
type Store struct {
	logger  *slog.Logger
	clock   func() time.Time
	persist Persistence

	mu       sync.Mutex
	sessions map[string]*entry
}

// entry pairs a session with its lease. Only the goroutine holding the
// lease may touch state.
type entry struct {
	lease sync.Mutex
	state *contracts.SessionState
}

// NewStore builds a registry. persist may be nil for a purely in-memory
// controller.
func NewStore(persist Persistence, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:   logger.With("component", "session"),
		clock:    time.Now,
		persist:  persist,
		sessions: make(map[string]*entry),
	}
}

// WithClock overrides the clock for deterministic testing.
func (st *Store) WithClock(clock func() time.Time) *Store {
	st.clock = clock
	return st
}

// With runs fn with exclusive access to the session state, creating the
// record on first reference. When fn succeeds the state is snapshotted to
// the persistence layer before the lease is released; snapshot failures
// are logged, not surfaced, because the in-memory record stays
// authoritative.
func (st *Store) With(ctx context.Context, id string, fn func(*contracts.SessionState) error) error {
	e := st.resolve(ctx, id)
	e.lease.Lock()
	defer e.lease.Unlock()

	if err := fn(e.state); err != nil {
		return err
	}
	e.state.UpdatedAt = st.clock()
	st.snapshot(ctx, e.state)
	return nil
}

// Get returns a deep copy of a resident session. Mutations must go
// through With.
func (st *Store) Get(id string) (*contracts.SessionState, bool) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.lease.Lock()
	defer e.lease.Unlock()
	return clone(e.state), true
}

// Create initializes a session's identity fields. The dispatcher normally
// lets With create records on first reference; Create exists for tooling
// and tests and fails when the id is already claimed.
func (st *Store) Create(ctx context.Context, id, workID, agentID, prompt string) (*contracts.SessionState, error) {
	err := st.With(ctx, id, func(s *contracts.SessionState) error {
		if s.OriginalPrompt != "" || s.State != contracts.StateUninitialized {
			return fmt.Errorf("session %q already exists", id)
		}
		s.WorkID = workID
		s.AgentID = agentID
		s.OriginalPrompt = prompt
		return nil
	})
	if err != nil {
		return nil, err
	}
	got, _ := st.Get(id)
	return got, nil
}

// Evict drops the session from the registry and the persistence layer.
// Callers serialize eviction with the session's verbs; the dispatcher
// evicts only after the final verb on the session has returned.
func (st *Store) Evict(ctx context.Context, id string) error {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
	if st.persist == nil {
		return nil
	}
	return st.persist.Delete(ctx, id)
}

// Len reports the number of resident sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// resolve returns the entry for id, reviving a persisted snapshot or
// minting a fresh UNINITIALIZED record on first reference.
func (st *Store) resolve(ctx context.Context, id string) *entry {
	st.mu.Lock()
	if e, ok := st.sessions[id]; ok {
		st.mu.Unlock()
		return e
	}
	st.mu.Unlock()

	// Snapshot I/O happens outside the registry lock; the first inserter
	// wins if two callers race on a new id.
	state := st.revive(ctx, id)

	st.mu.Lock()
	defer st.mu.Unlock()
	if e, ok := st.sessions[id]; ok {
		return e
	}
	if state == nil {
		now := st.clock()
		state = &contracts.SessionState{
			RunSessionID:    id,
			State:           contracts.StateUninitialized,
			RejectionCounts: make(map[string]int),
			ActionCounts:    make(map[string]int),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
	}
	e := &entry{state: state}
	st.sessions[id] = e
	return e
}

func (st *Store) revive(ctx context.Context, id string) *contracts.SessionState {
	if st.persist == nil {
		return nil
	}
	state, err := st.persist.Load(ctx, id)
	if err != nil {
		st.logger.Warn("snapshot load failed, starting fresh", "sessionId", id, "error", err)
		return nil
	}
	if state != nil {
		st.logger.Info("session revived from snapshot", "sessionId", id, "state", state.State)
	}
	return state
}

func (st *Store) snapshot(ctx context.Context, s *contracts.SessionState) {
	if st.persist == nil {
		return
	}
	if err := st.persist.Save(ctx, s); err != nil {
		st.logger.Warn("session snapshot failed", "sessionId", s.RunSessionID, "error", err)
	}
}

// clone deep-copies a session through its JSON form so callers cannot
// reach back into store-owned state.
func clone(s *contracts.SessionState) *contracts.SessionState {
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	out := new(contracts.SessionState)
	if err := json.Unmarshal(b, out); err != nil {
		return nil
	}
	return out
}
