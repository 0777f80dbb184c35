package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

func testPlan() *contracts.PlanGraphDocument {
	return &contracts.PlanGraphDocument{
		RunSessionID: "sess-1",
		Nodes: []contracts.PlanNode{
			{
				NodeID: "change-1",
				Kind:   contracts.NodeChange,
				Change: &contracts.ChangeNode{TargetFile: "src/app/orders/orders.component.ts"},
			},
			{
				NodeID:    "validate-1",
				Kind:      contracts.NodeValidate,
				DependsOn: []string{"change-1"},
				Validate: &contracts.ValidateNode{
					MapsToNodeIDs:     []string{"change-1"},
					VerificationHooks: []string{"npm run test:orders"},
				},
			},
			{
				NodeID:    "se-1",
				Kind:      contracts.NodeSideEffect,
				DependsOn: []string{"validate-1"},
				SideEffect: &contracts.SideEffectNode{
					SideEffectType: "jira_comment",
					CommitGateID:   "gate-a",
				},
			},
		},
	}
}

func TestWithCreatesOnFirstReference(t *testing.T) {
	st := NewStore(nil, nil)

	err := st.With(context.Background(), "sess-new", func(s *contracts.SessionState) error {
		if s.RunSessionID != "sess-new" {
			t.Fatalf("id = %q", s.RunSessionID)
		}
		if s.State != contracts.StateUninitialized {
			t.Fatalf("state = %s, want UNINITIALIZED", s.State)
		}
		s.State = contracts.StatePlanning
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	got, ok := st.Get("sess-new")
	if !ok {
		t.Fatal("session not resident after With")
	}
	if got.State != contracts.StatePlanning {
		t.Fatalf("state = %s, want PLANNING", got.State)
	}
	if st.Len() != 1 {
		t.Fatalf("Len = %d, want 1", st.Len())
	}
}

func TestWithSerializesVerbsPerSession(t *testing.T) {
	st := NewStore(nil, nil)

	const workers = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = st.With(context.Background(), "sess-hot", func(s *contracts.SessionState) error {
				s.UsedTokens++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := st.Get("sess-hot")
	if got.UsedTokens != workers {
		t.Fatalf("usedTokens = %d, want %d (lost update)", got.UsedTokens, workers)
	}
}

func TestWithErrorSkipsTimestampBump(t *testing.T) {
	st := NewStore(nil, nil).WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	})
	ctx := context.Background()
	if err := st.With(ctx, "sess-1", func(*contracts.SessionState) error { return nil }); err != nil {
		t.Fatalf("With: %v", err)
	}
	before, _ := st.Get("sess-1")

	st.clock = func() time.Time { return time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) }
	wantErr := fmt.Errorf("handler blew up")
	if err := st.With(ctx, "sess-1", func(*contracts.SessionState) error { return wantErr }); err != wantErr {
		t.Fatalf("With error = %v, want %v", err, wantErr)
	}
	after, _ := st.Get("sess-1")
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("failed handler still bumped updatedAt")
	}
}

func TestGetReturnsDeepCopy(t *testing.T) {
	st := NewStore(nil, nil)
	ctx := context.Background()

	err := st.With(ctx, "sess-1", func(s *contracts.SessionState) error {
		s.ContextPack = &contracts.ContextPack{Ref: "pack-1", Files: []string{"a.ts"}}
		s.CountAction(contracts.Verb("read_file"))
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	got, _ := st.Get("sess-1")
	got.ContextPack.Files = append(got.ContextPack.Files, "b.ts")
	got.ActionCounts["read_file"] = 99

	fresh, _ := st.Get("sess-1")
	if len(fresh.ContextPack.Files) != 1 {
		t.Fatalf("copy mutation leaked into store: %v", fresh.ContextPack.Files)
	}
	if fresh.ActionCounts["read_file"] != 1 {
		t.Fatalf("map mutation leaked into store: %d", fresh.ActionCounts["read_file"])
	}
}

func TestCreateRejectsDuplicate(t *testing.T) {
	st := NewStore(nil, nil)
	ctx := context.Background()

	if _, err := st.Create(ctx, "sess-1", "work-1", "agent-1", "build a widget"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Create(ctx, "sess-1", "work-2", "agent-2", "again"); err == nil {
		t.Fatal("duplicate Create succeeded")
	}
	got, _ := st.Get("sess-1")
	if got.WorkID != "work-1" || got.OriginalPrompt != "build a widget" {
		t.Fatalf("session = %+v", got)
	}
}

func TestSnapshotRevivesAcrossRestart(t *testing.T) {
	persist, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer persist.Close()
	ctx := context.Background()

	first := NewStore(persist, nil)
	err = first.With(ctx, "sess-1", func(s *contracts.SessionState) error {
		s.State = contracts.StateExecutionEnabled
		s.UsedTokens = 4200
		AcceptPlan(s, testPlan())
		return nil
	})
	if err != nil {
		t.Fatalf("With: %v", err)
	}

	// A new registry over the same database stands in for a restart.
	second := NewStore(persist, nil)
	err = second.With(ctx, "sess-1", func(s *contracts.SessionState) error {
		if s.State != contracts.StateExecutionEnabled {
			t.Fatalf("revived state = %s", s.State)
		}
		if s.UsedTokens != 4200 {
			t.Fatalf("revived usedTokens = %d", s.UsedTokens)
		}
		if s.PlanGraph == nil || len(s.PlanGraph.Nodes) != 3 {
			t.Fatalf("revived plan = %+v", s.PlanGraph)
		}
		if s.PlanGraph.Nodes[2].SideEffect == nil || s.PlanGraph.Nodes[2].SideEffect.CommitGateID != "gate-a" {
			t.Fatalf("plan node variant lost in snapshot round trip: %+v", s.PlanGraph.Nodes[2])
		}
		return nil
	})
	if err != nil {
		t.Fatalf("With after revive: %v", err)
	}
}

func TestEvictRemovesSessionAndSnapshot(t *testing.T) {
	persist, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer persist.Close()
	ctx := context.Background()

	st := NewStore(persist, nil)
	if err := st.With(ctx, "sess-1", func(s *contracts.SessionState) error {
		s.State = contracts.StateCompleted
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}

	if err := st.Evict(ctx, "sess-1"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if _, ok := st.Get("sess-1"); ok {
		t.Fatal("session still resident after evict")
	}
	snap, err := persist.Load(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatal("snapshot survived evict")
	}

	// A later reference starts over rather than reviving the done session.
	if err := st.With(ctx, "sess-1", func(s *contracts.SessionState) error {
		if s.State != contracts.StateUninitialized {
			t.Fatalf("state after evict = %s", s.State)
		}
		return nil
	}); err != nil {
		t.Fatalf("With: %v", err)
	}
}

func TestMarkNodeCompletedIdempotent(t *testing.T) {
	s := &contracts.SessionState{RunSessionID: "sess-1"}
	AcceptPlan(s, testPlan())

	MarkNodeCompleted(s, "change-1")
	MarkNodeCompleted(s, "change-1")
	MarkNodeCompleted(s, "change-1")

	p := s.PlanGraphProgress
	if len(p.CompletedNodeIDs) != 1 || p.CompletedNodeIDs[0] != "change-1" {
		t.Fatalf("completedNodeIds = %v, want [change-1]", p.CompletedNodeIDs)
	}
}

func TestEligibleValidateBookkeeping(t *testing.T) {
	s := &contracts.SessionState{RunSessionID: "sess-1"}
	AcceptPlan(s, testPlan())

	if got := s.PlanGraphProgress.EligibleValidateNodeIDs; len(got) != 0 {
		t.Fatalf("eligible before any completion = %v", got)
	}

	MarkNodeCompleted(s, "change-1")
	got := s.PlanGraphProgress.EligibleValidateNodeIDs
	if len(got) != 1 || got[0] != "validate-1" {
		t.Fatalf("eligible after change-1 = %v, want [validate-1]", got)
	}

	MarkNodeCompleted(s, "validate-1")
	if got := s.PlanGraphProgress.EligibleValidateNodeIDs; len(got) != 0 {
		t.Fatalf("eligible after validate-1 completed = %v", got)
	}

	remaining := s.PlanGraphProgress.Remaining(s.PlanGraph)
	if len(remaining) != 1 || remaining[0] != "se-1" {
		t.Fatalf("remaining = %v, want [se-1]", remaining)
	}
}

func TestAcceptPlanResetsProgress(t *testing.T) {
	s := &contracts.SessionState{RunSessionID: "sess-1"}
	AcceptPlan(s, testPlan())
	MarkNodeCompleted(s, "change-1")

	AcceptPlan(s, testPlan())
	p := s.PlanGraphProgress
	if p.TotalNodes != 3 || len(p.CompletedNodeIDs) != 0 {
		t.Fatalf("progress after re-accept = %+v", p)
	}
}
