package verbs

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/gatehouse/pkg/anchor"
	"github.com/loomworks/gatehouse/pkg/capability"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/indexer"
	"github.com/loomworks/gatehouse/pkg/pack"
	"github.com/loomworks/gatehouse/pkg/schema"
	"github.com/loomworks/gatehouse/pkg/strategy"
)

// handleInitializeWork bootstraps the session: it seeds domain anchors,
// builds the context pack, derives the knowledge strategy, compiles the
// enforcement bundle, and hands back the plan-graph schema. Anchor and index
// failures degrade to empty inputs; only a pack-build failure blocks the
// PLANNING transition.
func handleInitializeWork(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	prompt := stringArg(args, "prompt")
	if prompt == "" {
		return denyMissing("prompt")
	}
	lexemes := stringSliceArg(args, "lexemes")

	var allowlist *contracts.ScopeAllowlist
	if raw := mapArg(args, "scopeAllowlist"); raw != nil {
		allowlist = &contracts.ScopeAllowlist{
			Ref:     "allowlist:" + s.RunSessionID,
			Files:   stringSliceArg(raw, "files"),
			Symbols: stringSliceArg(raw, "symbols"),
		}
	}

	var (
		anchors    []contracts.DomainAnchor
		cp         *contracts.ContextPack
		guards     []string
		directives []indexer.Directive
		symbolHits []indexer.SymbolHit
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		seeded, err := d.Seeder.Seed()
		if err != nil {
			d.log().Warn("anchor seeding failed; continuing without anchors",
				"sessionId", s.RunSessionID, "error", err)
			return nil
		}
		anchors = seeded
		return nil
	})
	g.Go(func() error {
		built, err := d.Pack.Create(gctx, pack.CreateInputs{
			Prompt:    prompt,
			Lexemes:   lexemes,
			Allowlist: allowlist,
		})
		if err != nil {
			return err
		}
		cp = built
		return nil
	})
	g.Go(func() error {
		idx := d.index()
		if gs, err := idx.ResolvedGuards(gctx); err == nil {
			guards = gs
		}
		if ds, err := idx.ResolvedDirectives(gctx); err == nil {
			directives = ds
		}
		for _, lex := range lexemes {
			hits, err := idx.SearchSymbol(gctx, lex, 5)
			if err != nil {
				break
			}
			symbolHits = append(symbolHits, hits...)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"context pack could not be built: %v", err))
	}

	anchorIDs := anchor.ForPaths(anchors, cp.Files)
	memories := d.Memory.FindActiveForAnchors(anchorIDs)

	var signals []contracts.StrategySignalPayload
	for _, m := range memories {
		if m.EnforcementType == contracts.EnforceStrategySignal && m.StrategySignal != nil {
			signals = append(signals, *m.StrategySignal)
		}
	}

	sel := strategy.Select(strategy.Inputs{
		Prompt:     prompt,
		Lexemes:    lexemes,
		Artifacts:  s.Artifacts,
		SymbolHits: symbolHits,
		Anchors:    anchorIDs,
		Guards:     guards,
		Directives: directives,
	}, signals)

	bundle, err := d.Enforcer.Build(ctx, memories, cp.Hash)
	if err != nil {
		// Partial bundles are usable: memory rules compiled, graph rules
		// missing. The agent still plans against what we have.
		d.log().Warn("enforcement bundle is partial",
			"sessionId", s.RunSessionID, "error", err)
	}

	for _, dir := range []string{ScratchPrefix, AttachmentsPrefix} {
		if err := os.MkdirAll(filepath.Join(d.workRoot(s.RunSessionID), dir), 0o755); err != nil {
			return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
				"work directory setup failed: %v", err))
		}
	}

	s.OriginalPrompt = prompt
	s.ContextPack = cp
	s.ScopeAllowlist = allowlist
	s.KnowledgeStrategyID = sel.StrategyID
	s.StrategySignature = sel.Signature.Map()
	s.Enforcement = &bundle
	s.WorktreeRoot = d.Scope.WorktreeRoot()

	var schemaDoc map[string]any
	if err := json.Unmarshal([]byte(schema.PlanGraphJSON()), &schemaDoc); err != nil {
		d.log().Error("plan-graph schema is not valid JSON", "error", err)
	}

	result := map[string]any{
		"contextPack": cp,
		"planGraphSchema": map[string]any{
			"schema":     schemaDoc,
			"validators": schema.Validators,
		},
		"strategy": sel,
		"workDirs": map[string]string{
			"scratch":     ScratchPrefix + "/",
			"attachments": AttachmentsPrefix + "/",
		},
		"activeMemories": len(memories),
		"domainAnchors":  len(anchorIDs),
		"message":        "Session initialized. Gather evidence, then submit_execution_plan; mutations stay locked until a plan is accepted.",
	}
	if cp.Insufficiency != nil {
		result["packInsufficiency"] = cp.Insufficiency
	}
	return withState(ok(result), contracts.StatePlanning)
}

func handleListAvailableVerbs(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	allowed := capability.VerbsFor(s.State)
	return ok(map[string]any{
		"state": s.State,
		"verbs": allowed,
	})
}

func handleGetOriginalPrompt(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	return ok(map[string]any{
		"prompt":    s.OriginalPrompt,
		"workId":    s.WorkID,
		"agentId":   s.AgentID,
		"createdAt": s.CreatedAt,
	})
}
