package verbs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/gatehouse/pkg/anchor"
	"github.com/loomworks/gatehouse/pkg/artifacts"
	"github.com/loomworks/gatehouse/pkg/collision"
	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/enforcement"
	"github.com/loomworks/gatehouse/pkg/graph"
	"github.com/loomworks/gatehouse/pkg/indexer"
	"github.com/loomworks/gatehouse/pkg/memory"
	"github.com/loomworks/gatehouse/pkg/pack"
	"github.com/loomworks/gatehouse/pkg/planguard"
	"github.com/loomworks/gatehouse/pkg/proofchain"
	"github.com/loomworks/gatehouse/pkg/recipes"
	"github.com/loomworks/gatehouse/pkg/sandbox"
	"github.com/loomworks/gatehouse/pkg/scope"
)

const (
	componentFile = "src/app/orders/orders.component.ts"
	serviceFile   = "src/app/orders/orders.service.ts"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
}

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	worktree := t.TempDir()
	dataRoot := t.TempDir()

	writeTree(t, worktree, map[string]string{
		componentFile: "export class OrdersComponent {\n  columns = [];\n}\n",
		serviceFile:   "export class OrdersService {}\n",
		"README.md":   "# demo worktree\n",
	})

	idx := &indexer.Static{
		Symbols: []indexer.SymbolHit{
			{Symbol: "OrdersComponent", Kind: "component", File: componentFile, Line: 1},
			{Symbol: "OrdersService", Kind: "service", File: serviceFile, Line: 1},
		},
		Lexical: []indexer.LexicalHit{
			{File: componentFile, Line: 2, Text: "columns = [];"},
		},
		Files:  []string{componentFile, serviceFile},
		Guards: []string{"AuthGuard"},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	profile := config.DefaultProfile()

	memSvc, err := memory.NewService(filepath.Join(dataRoot, "memory"), profile.Memory, logger)
	require.NoError(t, err)
	enforcer, err := enforcement.NewBuilder(nil, logger)
	require.NoError(t, err)
	validator, err := planguard.New(profile.Plans, enforcer, logger)
	require.NoError(t, err)
	catalog, err := recipes.Load("", filepath.Join(dataRoot, "recipes", "events.jsonl"), logger)
	require.NoError(t, err)

	return &Deps{
		Profile:   profile,
		DataRoot:  dataRoot,
		Scope:     scope.New(worktree),
		Pack:      pack.New(idx, filepath.Join(dataRoot, "packs")),
		Validator: validator,
		Enforcer:  enforcer,
		Memory:    memSvc,
		Index:     idx,
		Artifacts: artifacts.NewWriter(filepath.Join(dataRoot, "artifacts"), logger),
		Sandbox:   sandbox.NewRunner(profile.Sandbox, logger),
		Recipes:   catalog,
		Guards:    collision.NewRegistry(),
		Seeder:    anchor.NewSeeder(worktree, profile.Anchors.MaxDepth, profile.Anchors.Excludes, nil),
		Logger:    logger,
		Clock:     func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) },
	}
}

func newSession() *contracts.SessionState {
	return &contracts.SessionState{
		RunSessionID:    "rs-verbs-1",
		WorkID:          "w-9",
		AgentID:         "agent-7",
		State:           contracts.StateUninitialized,
		RejectionCounts: map[string]int{},
		ActionCounts:    map[string]int{},
	}
}

// bootSession runs initialize_work and applies the state override the way
// the dispatcher would.
func bootSession(t *testing.T, d *Deps, s *contracts.SessionState) {
	t.Helper()
	res := handleInitializeWork(context.Background(), s, map[string]any{
		"prompt":  "Add a sortable column to the orders ag-grid table.",
		"lexemes": []any{"OrdersComponent"},
	}, d)
	require.Empty(t, res.DenyReasons, "initialize_work denied: %v", res.Result["error"])
	require.NotNil(t, res.StateOverride)
	s.State = *res.StateOverride
}

// acceptPlan submits a minimal valid plan and applies the override.
func acceptPlan(t *testing.T, d *Deps, s *contracts.SessionState, doc *contracts.PlanGraphDocument) {
	t.Helper()
	res := handleSubmitExecutionPlan(context.Background(), s, map[string]any{"planGraph": doc}, d)
	require.Empty(t, res.DenyReasons, "plan rejected: %v", res.Result["details"])
	require.NotNil(t, res.StateOverride)
	s.State = *res.StateOverride
}

func boundary() contracts.AtomicityBoundary {
	return contracts.AtomicityBoundary{
		InScopeAcceptanceCriteriaIDs: []string{"ac-1"},
		InScopeModules:               []string{"orders"},
	}
}

func changeNode(id string) contracts.PlanNode {
	return contracts.PlanNode{
		NodeID:            id,
		Kind:              contracts.NodeChange,
		AtomicityBoundary: boundary(),
		Change: &contracts.ChangeNode{
			Operation:         "edit",
			TargetFile:        componentFile,
			TargetSymbols:     []string{"OrdersComponent"},
			WhyThisFile:       "owns the orders grid",
			EditIntent:        "add a sortable column",
			EscalateIf:        []string{"grid API differs from docs"},
			Citations:         []string{"doc:grid-columns"},
			CodeEvidence:      []string{componentFile + ":2"},
			VerificationHooks: []string{"npm run test:orders"},
		},
	}
}

func validateNode(id string, maps ...string) contracts.PlanNode {
	return contracts.PlanNode{
		NodeID:            id,
		Kind:              contracts.NodeValidate,
		DependsOn:         maps,
		AtomicityBoundary: boundary(),
		Validate: &contracts.ValidateNode{
			VerificationHooks: []string{"npm run test:orders"},
			MapsToNodeIDs:     maps,
			SuccessCriteria:   []string{"orders tests green"},
		},
	}
}

func planDoc(s *contracts.SessionState, nodes ...contracts.PlanNode) *contracts.PlanGraphDocument {
	return &contracts.PlanGraphDocument{
		WorkID:              s.WorkID,
		AgentID:             s.AgentID,
		RunSessionID:        s.RunSessionID,
		RepoSnapshotID:      "snap-1",
		WorktreeRoot:        ".",
		ContextPackRef:      s.ContextPack.Ref,
		ContextPackHash:     s.ContextPack.Hash,
		ScopeAllowlistRef:   "allow-1",
		KnowledgeStrategyID: s.KnowledgeStrategyID,
		KnowledgeStrategyReasons: []contracts.StrategyReason{
			{Reason: "prompt mentions ag-Grid", EvidenceRef: "prompt"},
		},
		SourceTraceRefs: []string{"trace-1"},
		SchemaVersion:   "1.0.0",
		EvidencePolicy: contracts.EvidencePolicy{
			MinDistinctSources:         2,
			AllowSingleSourceWithGuard: true,
		},
		Nodes: nodes,
	}
}

func hasCode(res contracts.VerbResult, code contracts.RejectionCode) bool {
	for _, c := range res.DenyReasons {
		if c == code {
			return true
		}
	}
	return false
}

func TestInitializeWorkBootstrapsSession(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	res := handleInitializeWork(context.Background(), s, map[string]any{
		"prompt":  "Add a sortable column to the orders ag-grid table.",
		"lexemes": []any{"OrdersComponent"},
	}, d)

	require.Empty(t, res.DenyReasons)
	require.NotNil(t, res.StateOverride)
	assert.Equal(t, contracts.StatePlanning, *res.StateOverride)

	require.NotNil(t, s.ContextPack)
	assert.Contains(t, s.ContextPack.Files, componentFile)
	assert.NotEmpty(t, s.ContextPack.Hash)
	assert.Equal(t, "ui_feature_graph_first", s.KnowledgeStrategyID)
	assert.NotEmpty(t, s.StrategySignature)
	require.NotNil(t, s.Enforcement)
	assert.Equal(t, s.ContextPack.Hash, s.Enforcement.BuiltForPackHash)

	schema, okT := res.Result["planGraphSchema"].(map[string]any)
	require.True(t, okT)
	assert.NotNil(t, schema["schema"])
	assert.Contains(t, schema["validators"], "evidence_policy")

	for _, dir := range []string{ScratchPrefix, AttachmentsPrefix} {
		info, err := os.Stat(filepath.Join(d.workRoot(s.RunSessionID), dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestInitializeWorkRequiresPrompt(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	res := handleInitializeWork(context.Background(), s, map[string]any{}, d)
	require.True(t, hasCode(res, contracts.RejPlanMissingRequiredFields))
	assert.Contains(t, res.Result["missingFields"], "prompt")
}

func TestListScopedFilesUsesAllowlist(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	res := handleInitializeWork(context.Background(), s, map[string]any{
		"prompt": "Refactor the orders component.",
		"scopeAllowlist": map[string]any{
			"files": []any{"src/app/orders/**"},
		},
	}, d)
	require.Empty(t, res.DenyReasons)
	s.State = *res.StateOverride

	listed := handleListScopedFiles(context.Background(), s, nil, d)
	require.Empty(t, listed.DenyReasons)
	files, okT := listed.Result["files"].([]string)
	require.True(t, okT)
	assert.Contains(t, files, componentFile)
	assert.Contains(t, files, serviceFile)
	assert.NotContains(t, files, "README.md")
}

func TestReadFileLinesClampsRange(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleReadFileLines(context.Background(), s, map[string]any{
		"targetFile": componentFile,
		"startLine":  float64(2),
		"endLine":    float64(99),
	}, d)
	require.Empty(t, res.DenyReasons, "read denied: %v", res.Result["error"])
	assert.Equal(t, 2, res.Result["startLine"])
	lines, okT := res.Result["lines"].([]string)
	require.True(t, okT)
	assert.Equal(t, "  columns = [];", lines[0])
}

func TestReadFileLinesOutsidePackIsRefused(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleReadFileLines(context.Background(), s, map[string]any{
		"targetFile": "README.md",
	}, d)
	require.True(t, hasCode(res, contracts.RejPackScopeViolation))
	assert.Contains(t, res.Result["error"], "request_evidence_guidance")
}

func TestWriteScratchFileAndReadBack(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	wrote := handleWriteScratchFile(context.Background(), s, map[string]any{
		"target":  "scratch/notes.md",
		"content": "line one\nline two\n",
	}, d)
	require.Empty(t, wrote.DenyReasons, "scratch write denied: %v", wrote.Result["error"])
	assert.Equal(t, 18, wrote.Result["bytesWritten"])

	read := handleReadFileLines(context.Background(), s, map[string]any{
		"targetFile": "scratch/notes.md",
		"endLine":    float64(1),
	}, d)
	require.Empty(t, read.DenyReasons, "scratch read denied: %v", read.Result["error"])
	lines := read.Result["lines"].([]string)
	assert.Equal(t, "line one", lines[0])
}

func TestWriteScratchFileOutsideScratchRefused(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleWriteScratchFile(context.Background(), s, map[string]any{
		"target":  componentFile,
		"content": "overwrite attempt",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanScopeViolation))
}

func TestLookupSymbolFiltersToPack(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleLookupSymbolDefinition(context.Background(), s, map[string]any{
		"symbol": "Orders",
	}, d)
	require.Empty(t, res.DenyReasons)
	hits := res.Result["hits"].([]indexer.SymbolHit)
	require.Len(t, hits, 1)
	assert.Equal(t, componentFile, hits[0].File)
	assert.Equal(t, 1, res.Result["outOfPackHits"])
}

func TestTraceSymbolGraphFallsBackToIndex(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleTraceSymbolGraph(context.Background(), s, map[string]any{
		"symbol": "OrdersComponent",
	}, d)
	require.Empty(t, res.DenyReasons)
	assert.Equal(t, "index", res.Result["source"])
	assert.NotEmpty(t, res.Result["hits"])
}

func TestTraceSymbolGraphWalksGraphAndChain(t *testing.T) {
	d := newTestDeps(t)
	g := graph.NewInMemory().
		AddNode(graph.Node{ID: "n-grid", Name: "OrdersGrid", Kind: "agGridTable", File: componentFile}).
		AddNode(graph.Node{ID: "n-col", Name: "statusColumn", Kind: "ColumnDef", File: componentFile}).
		AddEdge("n-grid", "HAS_COLUMN", "n-col")
	d.Graph = g
	d.Proof = proofchain.New(g, d.Index, d.Profile.Chains, d.Logger)

	s := newSession()
	bootSession(t, d, s)

	res := handleTraceSymbolGraph(context.Background(), s, map[string]any{
		"symbol":    "OrdersGrid",
		"chainKind": string(contracts.ChainAgGrid),
	}, d)
	require.Empty(t, res.DenyReasons)
	assert.Equal(t, "graph", res.Result["source"])
	neighbors := res.Result["neighbors"].(map[string][]graph.Node)
	require.Len(t, neighbors["HAS_COLUMN"], 1)
	assert.Equal(t, "statusColumn", neighbors["HAS_COLUMN"][0].Name)
	assert.NotNil(t, res.Result["proofChain"])
}

func TestSubmitExecutionPlanAccepts(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	doc := planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1"))
	res := handleSubmitExecutionPlan(context.Background(), s, map[string]any{"planGraph": doc}, d)
	require.Empty(t, res.DenyReasons, "plan rejected: %v", res.Result["details"])
	require.NotNil(t, res.StateOverride)
	assert.Equal(t, contracts.StatePlanAccepted, *res.StateOverride)

	assert.Equal(t, "passed", res.Result["planValidation"])
	assert.NotEmpty(t, res.Result["planFingerprint"])
	require.NotNil(t, s.PlanGraph)
	assert.Equal(t, res.Result["planFingerprint"], s.PlanGraph.PlanFingerprint)
	require.NotNil(t, s.PlanGraphProgress)
	assert.Equal(t, 2, s.PlanGraphProgress.TotalNodes)
}

func TestSubmitExecutionPlanRejectsCycle(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	a := changeNode("c-1")
	a.DependsOn = []string{"v-1"}
	doc := planDoc(s, a, validateNode("v-1", "c-1"))

	res := handleSubmitExecutionPlan(context.Background(), s, map[string]any{"planGraph": doc}, d)
	require.True(t, hasCode(res, contracts.RejPlanNotAtomic), "codes: %v", res.DenyReasons)
	require.NotNil(t, res.StateOverride)
	assert.Equal(t, contracts.StatePlanRequired, *res.StateOverride)
	assert.Nil(t, s.PlanGraph)
}

func TestSubmitExecutionPlanStalePackHash(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	doc := planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1"))
	doc.ContextPackHash = "sha256:stale"
	res := handleSubmitExecutionPlan(context.Background(), s, map[string]any{"planGraph": doc}, d)
	require.True(t, hasCode(res, contracts.RejPackScopeViolation), "codes: %v", res.DenyReasons)
}

func TestSubmitPlanScaffoldsFewShotOnRepeatedFriction(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	s.RejectionCounts[string(contracts.RejPlanNotAtomic)] = frictionThreshold - 1

	a := changeNode("c-1")
	a.DependsOn = []string{"v-1"}
	doc := planDoc(s, a, validateNode("v-1", "c-1"))
	res := handleSubmitExecutionPlan(context.Background(), s, map[string]any{"planGraph": doc}, d)
	require.True(t, hasCode(res, contracts.RejPlanNotAtomic))

	var scaffolds int
	for _, m := range d.Memory.List() {
		if m.SourceSessionID == s.RunSessionID && m.EnforcementType == contracts.EnforceFewShot {
			scaffolds++
			assert.Equal(t, contracts.MemoryPending, m.State)
		}
	}
	assert.Equal(t, 1, scaffolds)
}

func TestRequestEvidenceGuidanceGrowsPack(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	require.False(t, s.ContextPack.HasFile(serviceFile))
	before := s.ContextPack.Hash

	res := handleRequestEvidenceGuidance(context.Background(), s, map[string]any{
		"need": "OrdersService",
	}, d)
	require.Empty(t, res.DenyReasons, "guidance denied: %v", res.Result["error"])

	assert.True(t, s.ContextPack.HasFile(serviceFile))
	assert.True(t, s.ContextPack.HasFile(componentFile), "packs only grow")
	assert.NotEqual(t, before, s.ContextPack.Hash)
	require.NotNil(t, s.Enforcement)
	assert.Equal(t, s.ContextPack.Hash, s.Enforcement.BuiltForPackHash)

	delta := res.Result["packDelta"].(*pack.Delta)
	assert.Contains(t, delta.AddedFiles, serviceFile)
	assert.True(t, delta.HashChanged)

	// A repeat request that resolves nothing new must not move the hash.
	settled := s.ContextPack.Hash
	res = handleRequestEvidenceGuidance(context.Background(), s, map[string]any{
		"need": "OrdersService",
	}, d)
	require.Empty(t, res.DenyReasons)
	delta = res.Result["packDelta"].(*pack.Delta)
	assert.Empty(t, delta.AddedFiles)
	assert.False(t, delta.HashChanged)
	assert.Equal(t, settled, s.ContextPack.Hash)
}

func TestRequestEvidenceGuidanceUnknownEvidenceType(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleRequestEvidenceGuidance(context.Background(), s, map[string]any{
		"requestedEvidence": []any{map[string]any{"type": "telepathy", "detail": "just know it"}},
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanMissingRequiredFields))
	assert.NotEmpty(t, res.Result["knownTypes"])
}

func TestRequestEvidenceGuidanceCompletesEscalateNode(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	esc := contracts.PlanNode{
		NodeID:            "e-1",
		Kind:              contracts.NodeEscalate,
		AtomicityBoundary: boundary(),
		Escalate: &contracts.EscalateNode{
			RequestedEvidence: []contracts.RequestedEvidence{{Type: contracts.EvidencePackRebuild, Detail: "need the service"}},
			BlockingReasons:   []string{"service internals unknown"},
		},
	}
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1"), esc))

	res := handleRequestEvidenceGuidance(context.Background(), s, map[string]any{
		"need":   "OrdersService",
		"nodeId": "e-1",
	}, d)
	require.Empty(t, res.DenyReasons, "guidance denied: %v", res.Result["error"])
	assert.Equal(t, "e-1", res.Result["nodeCompleted"])
	assert.True(t, s.PlanGraphProgress.Completed("e-1"))
}

func TestApplyCodePatchReplacesTargetFile(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	patched := "export class OrdersComponent {\n  columns = [{field: 'status', sortable: true}];\n}\n"
	res := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId":     "c-1",
		"targetFile": componentFile,
		"operation":  "replace",
		"patch":      patched,
	}, d)
	require.Empty(t, res.DenyReasons, "patch denied: %v", res.Result["error"])
	require.NotNil(t, res.StateOverride)
	assert.Equal(t, contracts.StateExecutionEnabled, *res.StateOverride)

	onDisk, err := os.ReadFile(filepath.Join(d.Scope.WorktreeRoot(), filepath.FromSlash(componentFile)))
	require.NoError(t, err)
	assert.Equal(t, patched, string(onDisk))

	assert.True(t, s.PlanGraphProgress.Completed("c-1"))
	assert.Contains(t, s.PlanGraphProgress.EligibleValidateNodeIDs, "v-1")

	ref, okT := res.Result["artifactBundle"].(*artifacts.Ref)
	require.True(t, okT, "bundle missing: %v", res.Result["artifactWriteError"])
	assert.Contains(t, ref.Members, artifacts.MemberResult)
	assert.Contains(t, ref.Members, artifacts.MemberDiffSummary)

	diff := res.Result["diffSummary"].(*artifacts.DiffSummary)
	assert.Positive(t, diff.AddedLines)
}

func TestApplyCodePatchWrongTargetRefused(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	res := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId":     "c-1",
		"targetFile": serviceFile,
		"patch":      "export class OrdersService { cached = true }\n",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanScopeViolation))
	assert.False(t, s.PlanGraphProgress.Completed("c-1"))
}

func TestApplyCodePatchUnknownNodeListsAvailable(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	res := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId":     "c-404",
		"targetFile": componentFile,
		"patch":      "x",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanScopeViolation))
	assert.ElementsMatch(t, []string{"c-1", "v-1"}, res.Result["availableNodeIds"])
}

func TestApplyCodePatchCreateRefusesOverwrite(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	res := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId":     "c-1",
		"targetFile": componentFile,
		"operation":  "create",
		"patch":      "fresh file",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanVerificationWeak))
}

func TestRunSandboxedCodePreflightOnly(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	patch := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId":     "c-1",
		"targetFile": componentFile,
		"patch":      "export class OrdersComponent { sorted = true }\n",
	}, d)
	require.Empty(t, patch.DenyReasons)
	s.State = *patch.StateOverride

	res := handleRunSandboxedCode(context.Background(), s, map[string]any{
		"nodeId": "v-1",
		"iife":   "(function(){ console.log(JSON.stringify({sorted: true})); })()",
	}, d)
	require.Empty(t, res.DenyReasons, "sandbox denied: %v", res.Result["error"])
	assert.Equal(t, "preflight-only", res.Result["execution"])
	assert.True(t, s.PlanGraphProgress.Completed("v-1"))
}

func TestRunSandboxedCodeRejectsNonIife(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	res := handleRunSandboxedCode(context.Background(), s, map[string]any{
		"nodeId": "c-1",
		"iife":   "console.log('bare statement')",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanVerificationWeak))
}

func TestRunSandboxedCodeValidateNotEligible(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	res := handleRunSandboxedCode(context.Background(), s, map[string]any{
		"nodeId": "v-1",
		"iife":   "(function(){ console.log(1); })()",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanVerificationWeak))
	assert.Contains(t, res.Result["pendingNodes"], "c-1")
	assert.False(t, s.PlanGraphProgress.Completed("v-1"))
}

func sideEffectNode(id, gateID string, deps ...string) contracts.PlanNode {
	return contracts.PlanNode{
		NodeID:            id,
		Kind:              contracts.NodeSideEffect,
		DependsOn:         deps,
		AtomicityBoundary: boundary(),
		SideEffect: &contracts.SideEffectNode{
			SideEffectType:       "jira_comment",
			SideEffectPayloadRef: "scratch/comment.md",
			CommitGateID:         gateID,
		},
	}
}

func TestExecuteGatedSideEffectGateMismatch(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s,
		changeNode("c-1"),
		validateNode("v-1", "c-1"),
		sideEffectNode("se-1", "gate-jira-1", "v-1"),
	))

	res := handleExecuteGatedSideEffect(context.Background(), s, map[string]any{
		"nodeId":       "se-1",
		"commitGateId": "gate-other",
	}, d)
	require.True(t, hasCode(res, contracts.RejExecUngatedSideEffect))
	assert.Contains(t, res.Result["error"], "gate-other")
	assert.Contains(t, res.Result["error"], "gate-jira-1")
}

func TestExecuteGatedSideEffectHappyPath(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s,
		changeNode("c-1"),
		validateNode("v-1", "c-1"),
		sideEffectNode("se-1", "gate-jira-1", "v-1"),
	))

	blocked := handleExecuteGatedSideEffect(context.Background(), s, map[string]any{
		"nodeId":       "se-1",
		"commitGateId": "gate-jira-1",
	}, d)
	require.True(t, hasCode(blocked, contracts.RejExecUngatedSideEffect), "prerequisites must gate the effect")

	patch := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId": "c-1", "targetFile": componentFile, "patch": "patched\n",
	}, d)
	require.Empty(t, patch.DenyReasons)
	s.State = *patch.StateOverride
	validated := handleRunSandboxedCode(context.Background(), s, map[string]any{
		"nodeId": "v-1", "iife": "(function(){ console.log('rows: 3'); })()",
	}, d)
	require.Empty(t, validated.DenyReasons)

	res := handleExecuteGatedSideEffect(context.Background(), s, map[string]any{
		"nodeId":       "se-1",
		"commitGateId": "gate-jira-1",
	}, d)
	require.Empty(t, res.DenyReasons, "side effect denied: %v", res.Result["error"])
	assert.Equal(t, true, res.Result["authorized"])
	assert.True(t, s.PlanGraphProgress.Completed("se-1"))
}

func TestRunAutomationRecipeUnknownDenied(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleRunAutomationRecipe(context.Background(), s, map[string]any{
		"recipeId": "no-such-recipe",
	}, d)
	require.True(t, hasCode(res, contracts.RejPlanPolicyViolation))
}

func TestFetchJiraTicketWithoutConnector(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)

	res := handleFetchJiraTicket(context.Background(), s, map[string]any{
		"issueKey": "ADP-101",
	}, d)
	require.True(t, hasCode(res, contracts.RejPackInsufficient))
	assert.Contains(t, res.Result["error"], "JIRA_BASE_URL")
}

func TestSignalTaskCompleteRefusesWhileNodesRemain(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s,
		changeNode("c-1"),
		validateNode("v-1", "c-1"),
		sideEffectNode("se-1", "gate-jira-1", "v-1"),
	))

	res := handleSignalTaskComplete(context.Background(), s, map[string]any{}, d)
	require.True(t, hasCode(res, contracts.RejWorkIncomplete))
	assert.ElementsMatch(t, []string{"c-1", "v-1", "se-1"}, res.Result["remainingNodes"])
	assert.Nil(t, res.StateOverride)

	patch := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId": "c-1", "targetFile": componentFile, "patch": "partial\n",
	}, d)
	require.Empty(t, patch.DenyReasons)
	s.State = *patch.StateOverride

	res = handleSignalTaskComplete(context.Background(), s, map[string]any{}, d)
	require.True(t, hasCode(res, contracts.RejWorkIncomplete))
	assert.ElementsMatch(t, []string{"v-1", "se-1"}, res.Result["remainingNodes"])
}

func TestSignalTaskCompleteRetrospective(t *testing.T) {
	d := newTestDeps(t)
	s := newSession()
	bootSession(t, d, s)
	acceptPlan(t, d, s, planDoc(s, changeNode("c-1"), validateNode("v-1", "c-1")))

	patch := handleApplyCodePatch(context.Background(), s, map[string]any{
		"nodeId": "c-1", "targetFile": componentFile, "patch": "done\n",
	}, d)
	require.Empty(t, patch.DenyReasons)
	s.State = *patch.StateOverride
	validated := handleRunSandboxedCode(context.Background(), s, map[string]any{
		"nodeId": "v-1", "iife": "(function(){ console.log('ok: 1'); })()",
	}, d)
	require.Empty(t, validated.DenyReasons)

	s.RejectionCounts[string(contracts.RejPlanNotAtomic)] = 2
	s.RejectionCounts[string(contracts.RejPlanScopeViolation)] = 1

	res := handleSignalTaskComplete(context.Background(), s, map[string]any{
		"summary": "added the sortable status column",
	}, d)
	require.Empty(t, res.DenyReasons, "completion denied: %v", res.Result["error"])
	require.NotNil(t, res.StateOverride)
	assert.Equal(t, contracts.StateCompleted, *res.StateOverride)

	retro := res.Result["retrospective"].(map[string]any)
	assert.Equal(t, s.RejectionCounts, retro["frictionEvents"])
	assert.NotZero(t, retro["memoriesCreated"], "three rejections should leave a retrospective memory")

	found := false
	for _, m := range d.Memory.List() {
		if m.SourceSessionID == s.RunSessionID && m.Phase == contracts.PhaseRetrospective {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRegistryCoversEveryVerb(t *testing.T) {
	reg := Registry()
	desc := Descriptions()
	for _, v := range contracts.AllVerbs() {
		assert.Contains(t, reg, v, "verb %s has no handler", v)
		assert.Contains(t, desc, v, "verb %s has no description", v)
	}
	assert.Len(t, reg, len(contracts.AllVerbs()))
}
