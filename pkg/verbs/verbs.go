// Package verbs implements the operations of the controller's public
// surface. The dispatcher resolves and leases the session; a handler mutates
// the state it was handed and returns a result payload plus deny codes. No
// handler touches the store directly.
package verbs

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/loomworks/gatehouse/pkg/anchor"
	"github.com/loomworks/gatehouse/pkg/artifacts"
	"github.com/loomworks/gatehouse/pkg/collision"
	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/connector"
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

// Work-root subdirectories. Paths under ScratchPrefix bypass the pack-scope
// rule; they are the agent's own workspace.
const (
	ScratchPrefix     = "scratch"
	AttachmentsPrefix = "attachments"
)

// Deps carries every service a handler may need. Nil optional fields
// (Graph, Jira, Swagger) mean the capability is not configured.
type Deps struct {
	Profile  *config.Profile
	DataRoot string

	Scope     *scope.Service
	Pack      *pack.Service
	Validator *planguard.Validator
	Enforcer  *enforcement.Builder
	Memory    *memory.Service
	Graph     graph.Querier
	Index     indexer.Indexer
	Proof     *proofchain.Builder
	Jira      connector.JiraFetcher
	Swagger   connector.SwaggerRegistrar
	Artifacts *artifacts.Writer
	Sandbox   *sandbox.Runner
	Recipes   *recipes.Catalog
	Guards    *collision.Registry
	Seeder    *anchor.Seeder

	Logger *slog.Logger
	Clock  func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Deps) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) index() indexer.Indexer {
	if d.Index != nil {
		return d.Index
	}
	return indexer.NewNoop()
}

// workRoot is the session-scoped directory holding scratch/ and attachments/.
func (d *Deps) workRoot(sessionID string) string {
	return filepath.Join(d.DataRoot, "work", sessionID)
}

// workAreaPath reports whether a canonical path addresses the session work
// area rather than the worktree. Work-area reads bypass the pack gate.
func workAreaPath(canon string) bool {
	return canon == ScratchPrefix || strings.HasPrefix(canon, ScratchPrefix+"/") ||
		canon == AttachmentsPrefix || strings.HasPrefix(canon, AttachmentsPrefix+"/")
}

// resolvePath maps a canonicalized path to disk: work-area paths live under
// the session work root, everything else under the worktree.
func (d *Deps) resolvePath(sessionID, canon string) string {
	if workAreaPath(canon) {
		return filepath.Join(d.workRoot(sessionID), filepath.FromSlash(canon))
	}
	return d.Scope.ResolveUnder(canon)
}

// Handler executes one verb against a leased session.
type Handler func(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult

// Registry maps every verb to its handler.
func Registry() map[contracts.Verb]Handler {
	return map[contracts.Verb]Handler{
		contracts.VerbInitializeWork:          handleInitializeWork,
		contracts.VerbListAvailableVerbs:      handleListAvailableVerbs,
		contracts.VerbGetOriginalPrompt:       handleGetOriginalPrompt,
		contracts.VerbListScopedFiles:         handleListScopedFiles,
		contracts.VerbListDirectoryContents:   handleListDirectoryContents,
		contracts.VerbReadFileLines:           handleReadFileLines,
		contracts.VerbLookupSymbolDefinition:  handleLookupSymbolDefinition,
		contracts.VerbSearchCodebaseText:      handleSearchCodebaseText,
		contracts.VerbTraceSymbolGraph:        handleTraceSymbolGraph,
		contracts.VerbWriteScratchFile:        handleWriteScratchFile,
		contracts.VerbFetchJiraTicket:         handleFetchJiraTicket,
		contracts.VerbFetchAPISpec:            handleFetchAPISpec,
		contracts.VerbSubmitExecutionPlan:     handleSubmitExecutionPlan,
		contracts.VerbRequestEvidenceGuidance: handleRequestEvidenceGuidance,
		contracts.VerbApplyCodePatch:          handleApplyCodePatch,
		contracts.VerbRunSandboxedCode:        handleRunSandboxedCode,
		contracts.VerbExecuteGatedSideEffect:  handleExecuteGatedSideEffect,
		contracts.VerbRunAutomationRecipe:     handleRunAutomationRecipe,
		contracts.VerbSignalTaskComplete:      handleSignalTaskComplete,
	}
}

// ok wraps a successful payload.
func ok(result map[string]any) contracts.VerbResult {
	return contracts.VerbResult{Result: result}
}

// refuse builds a deny result. The error field carries every code so the
// agent can branch without parsing prose.
func refuse(result map[string]any, denies ...*contracts.Deny) contracts.VerbResult {
	if result == nil {
		result = map[string]any{}
	}
	codes := make([]contracts.RejectionCode, 0, len(denies))
	msgs := make([]string, 0, len(denies))
	seen := map[contracts.RejectionCode]struct{}{}
	for _, dn := range denies {
		if dn == nil {
			continue
		}
		if _, dup := seen[dn.Code]; !dup {
			seen[dn.Code] = struct{}{}
			codes = append(codes, dn.Code)
		}
		msgs = append(msgs, dn.Error())
	}
	result["error"] = strings.Join(msgs, "; ")
	return contracts.VerbResult{Result: result, DenyReasons: codes}
}

// withState attaches a state override to a result.
func withState(r contracts.VerbResult, st contracts.RunState) contracts.VerbResult {
	r.StateOverride = &st
	return r
}

// Descriptions returns the per-verb help carried on every response.
func Descriptions() map[contracts.Verb]contracts.VerbDescription {
	return map[contracts.Verb]contracts.VerbDescription{
		contracts.VerbInitializeWork: {
			Description:  "Create the session: build the context pack, derive the knowledge strategy, and return the plan-graph schema.",
			WhenToUse:    "Exactly once, before anything else.",
			RequiredArgs: []string{"prompt"},
			OptionalArgs: []string{"lexemes", "scopeAllowlist"},
		},
		contracts.VerbListAvailableVerbs: {
			Description: "List the verbs permitted in the current state.",
			WhenToUse:   "When unsure what the controller will accept next.",
		},
		contracts.VerbGetOriginalPrompt: {
			Description: "Return the prompt the session was initialized with.",
			WhenToUse:   "To re-ground after context loss.",
		},
		contracts.VerbListScopedFiles: {
			Description: "List the files the session may touch, derived from the scope allowlist or the context pack.",
			WhenToUse:   "Before planning, to see the working set.",
		},
		contracts.VerbListDirectoryContents: {
			Description:  "List one directory of the worktree, filtered to in-scope entries.",
			WhenToUse:    "To orient within the repository layout.",
			RequiredArgs: []string{"targetDir"},
		},
		contracts.VerbReadFileLines: {
			Description:  "Read a line range of a file in the context pack (or the scratch area).",
			WhenToUse:    "To gather code evidence for plan citations.",
			RequiredArgs: []string{"targetFile"},
			OptionalArgs: []string{"startLine", "endLine"},
		},
		contracts.VerbLookupSymbolDefinition: {
			Description:  "Resolve a symbol to its definition sites via the code index.",
			WhenToUse:    "To locate a component, service, or route by name.",
			RequiredArgs: []string{"symbol"},
			OptionalArgs: []string{"limit"},
		},
		contracts.VerbSearchCodebaseText: {
			Description:  "Full-text search over indexed files, restricted to the context pack.",
			WhenToUse:    "To find usages or literals the symbol table misses.",
			RequiredArgs: []string{"query"},
			OptionalArgs: []string{"limit"},
		},
		contracts.VerbTraceSymbolGraph: {
			Description:  "Expand a symbol's graph neighbourhood, optionally build a proof chain, and inject matching few-shot memories.",
			WhenToUse:    "To establish origin chains before citing a change.",
			OptionalArgs: []string{"symbol", "targetFile", "query", "chainKind"},
		},
		contracts.VerbWriteScratchFile: {
			Description:  "Write a file under the session scratch area.",
			WhenToUse:    "For notes, drafts, and intermediate artifacts; scratch paths bypass pack scope.",
			RequiredArgs: []string{"target", "content"},
		},
		contracts.VerbFetchJiraTicket: {
			Description:  "Fetch a Jira issue and record it as a citable artifact.",
			WhenToUse:    "To ground requirement citations in the tracked issue.",
			RequiredArgs: []string{"issueKey"},
		},
		contracts.VerbFetchAPISpec: {
			Description:  "Register an OpenAPI document as a citable artifact.",
			WhenToUse:    "For api_contract_first work, before planning endpoint changes.",
			RequiredArgs: []string{"swaggerRef"},
		},
		contracts.VerbSubmitExecutionPlan: {
			Description:  "Submit the evidence-linked plan graph for validation and acceptance.",
			WhenToUse:    "After evidence gathering; mutations stay locked until a plan is accepted.",
			RequiredArgs: []string{"planGraph"},
		},
		contracts.VerbRequestEvidenceGuidance: {
			Description:  "Ask the controller to enrich the context pack for a stated need.",
			WhenToUse:    "When planning is blocked on missing files, symbols, or evidence.",
			OptionalArgs: []string{"need", "blockingReasons", "requestedEvidence", "nodeId"},
		},
		contracts.VerbApplyCodePatch: {
			Description:  "Apply a patch to the target file of an accepted change node.",
			WhenToUse:    "Executing a change node of the accepted plan.",
			RequiredArgs: []string{"nodeId", "targetFile", "patch"},
			OptionalArgs: []string{"operation", "targetSymbols"},
		},
		contracts.VerbRunSandboxedCode: {
			Description:  "Preflight and run a self-invoking verification snippet under WASI confinement.",
			WhenToUse:    "Executing a validate node, or verifying a change before its gate.",
			RequiredArgs: []string{"nodeId", "iife"},
			OptionalArgs: []string{"caps", "wasmBase64", "stdin", "intendedEffects"},
		},
		contracts.VerbExecuteGatedSideEffect: {
			Description:  "Execute a declared external side effect after its commit gate is satisfied.",
			WhenToUse:    "Executing a side_effect node; the gate id must match the plan.",
			RequiredArgs: []string{"nodeId", "commitGateId"},
		},
		contracts.VerbRunAutomationRecipe: {
			Description:  "Run a pre-approved automation recipe from the catalog.",
			WhenToUse:    "For routine follow-ups like manifest regeneration or formatting.",
			RequiredArgs: []string{"recipeId"},
			OptionalArgs: []string{"params"},
		},
		contracts.VerbSignalTaskComplete: {
			Description:  "Declare the work finished; rejected while plan nodes remain incomplete.",
			WhenToUse:    "After every plan node has completed, or when no changes are needed.",
			OptionalArgs: []string{"summary"},
		},
	}
}
