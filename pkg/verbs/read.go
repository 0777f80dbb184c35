package verbs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loomworks/gatehouse/pkg/anchor"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/graph"
	"github.com/loomworks/gatehouse/pkg/indexer"
)

// traceEdges are the typed hops expanded from a resolved graph node, in
// presentation order.
var traceEdges = []string{
	"HAS_COLUMN",
	"USES_RENDERER",
	"TRIGGERS_NAV",
	"ROUTES_TO",
	"INJECTS",
	"DEFINED_IN",
	"LOADS_REMOTE",
	"EXPOSES",
}

func handleListScopedFiles(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	source := "contextPack"
	var files []string
	if indexed, err := d.index().IndexedFilePaths(ctx); err == nil && len(indexed) > 0 {
		source = "index"
		files = indexed
	} else if s.ContextPack != nil {
		files = append(files, s.ContextPack.Files...)
	}

	// The index may hand back its own backing slice; filter into a copy.
	filtered := make([]string, 0, len(files))
	for _, f := range files {
		if d.Scope.AllowsFile(s.ScopeAllowlist, f) == nil {
			filtered = append(filtered, f)
		}
	}
	sort.Strings(filtered)

	result := map[string]any{
		"files":  filtered,
		"count":  len(filtered),
		"source": source,
	}
	if s.ScopeAllowlist != nil {
		result["scopeAllowlistRef"] = s.ScopeAllowlist.Ref
	}
	return ok(result)
}

func handleListDirectoryContents(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	target := stringArg(args, "targetDir")
	if target == "" {
		return denyMissing("targetDir")
	}
	canon, deny := d.Scope.Canonicalize(target)
	if deny != nil {
		return refuse(nil, deny)
	}
	display := canon
	if display == "" {
		display = "."
	}
	entries, err := os.ReadDir(d.resolvePath(s.RunSessionID, canon))
	if err != nil {
		return refuse(map[string]any{"targetDir": display},
			contracts.NewDeny(contracts.RejPackInsufficient,
				"directory %q is not readable: %v", display, err))
	}

	var dirs, files []string
	for _, e := range entries {
		child := canon + "/" + e.Name()
		if canon == "" {
			child = e.Name()
		}
		if e.IsDir() {
			dirs = append(dirs, e.Name()+"/")
			continue
		}
		if d.Scope.AllowsFile(s.ScopeAllowlist, child) == nil {
			files = append(files, e.Name())
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)
	return ok(map[string]any{
		"targetDir":   display,
		"directories": dirs,
		"files":       files,
	})
}

func handleReadFileLines(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	target := stringArg(args, "targetFile")
	if target == "" {
		return denyMissing("targetFile")
	}
	canon, deny := d.Scope.Canonicalize(target)
	if deny != nil {
		return refuse(nil, deny)
	}
	if !workAreaPath(canon) {
		if deny := d.Scope.PackAllows(s.ContextPack, ScratchPrefix, canon); deny != nil {
			return refuse(map[string]any{"targetFile": canon}, deny)
		}
		if deny := d.Scope.AllowsFile(s.ScopeAllowlist, canon); deny != nil {
			return refuse(map[string]any{"targetFile": canon}, deny)
		}
	}

	raw, err := os.ReadFile(d.resolvePath(s.RunSessionID, canon))
	if err != nil {
		return refuse(map[string]any{"targetFile": canon},
			contracts.NewDeny(contracts.RejPackInsufficient,
				"file %q is not readable: %v", canon, err))
	}

	lines := strings.Split(string(raw), "\n")
	total := len(lines)
	start := intArg(args, "startLine", 1)
	end := intArg(args, "endLine", total)
	if start < 1 {
		start = 1
	}
	if end > total {
		end = total
	}
	if start > end {
		return refuse(map[string]any{"targetFile": canon, "totalLines": total},
			contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
				"line range %d-%d is empty for a %d-line file", start, end, total))
	}

	return ok(map[string]any{
		"targetFile": canon,
		"startLine":  start,
		"endLine":    end,
		"totalLines": total,
		"lines":      lines[start-1 : end],
	})
}

func handleLookupSymbolDefinition(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	symbol := stringArg(args, "symbol")
	if symbol == "" {
		return denyMissing("symbol")
	}
	limit := intArg(args, "limit", 10)

	hits, err := d.index().SearchSymbol(ctx, symbol, limit)
	if err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"symbol index unavailable: %v", err))
	}
	inPack, outOfPack := splitByPack(s.ContextPack, hits, func(h indexer.SymbolHit) string { return h.File })

	result := map[string]any{
		"symbol": symbol,
		"hits":   inPack,
	}
	if outOfPack > 0 {
		result["outOfPackHits"] = outOfPack
		result["hint"] = "some definitions live outside the context pack; call request_evidence_guidance to pull them in"
	}
	return ok(result)
}

func handleSearchCodebaseText(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	query := stringArg(args, "query")
	if query == "" {
		return denyMissing("query")
	}
	limit := intArg(args, "limit", 20)

	hits, err := d.index().SearchLexical(ctx, query, limit)
	if err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"lexical index unavailable: %v", err))
	}
	inPack, outOfPack := splitByPack(s.ContextPack, hits, func(h indexer.LexicalHit) string { return h.File })

	result := map[string]any{
		"query": query,
		"hits":  inPack,
	}
	if outOfPack > 0 {
		result["outOfPackHits"] = outOfPack
		result["hint"] = "matches exist outside the context pack; call request_evidence_guidance to pull them in"
	}
	return ok(result)
}

// splitByPack keeps hits whose file is in the pack and counts the rest.
// A nil pack keeps everything; the pack gate belongs to reads, not searches.
func splitByPack[H any](cp *contracts.ContextPack, hits []H, file func(H) string) ([]H, int) {
	if cp == nil {
		return hits, 0
	}
	kept := make([]H, 0, len(hits))
	dropped := 0
	for _, h := range hits {
		if cp.HasFile(file(h)) {
			kept = append(kept, h)
		} else {
			dropped++
		}
	}
	return kept, dropped
}

func handleTraceSymbolGraph(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	seed := stringArg(args, "symbol")
	if seed == "" {
		seed = stringArg(args, "query")
	}
	if seed == "" {
		seed = stringArg(args, "targetFile")
	}
	if seed == "" {
		return denyMissing("symbol|targetFile|query")
	}

	result := map[string]any{"seed": seed}

	var touchedFiles []string
	if d.Graph != nil {
		if node, err := d.Graph.FindNode(ctx, seed); err == nil && node != nil {
			neighbors := map[string][]graph.Node{}
			for _, edge := range traceEdges {
				ns, err := d.Graph.NeighborsByEdge(ctx, node.ID, edge)
				if err != nil || len(ns) == 0 {
					continue
				}
				neighbors[edge] = ns
				for _, n := range ns {
					if n.File != "" {
						touchedFiles = append(touchedFiles, n.File)
					}
				}
			}
			if node.File != "" {
				touchedFiles = append(touchedFiles, node.File)
			}
			result["source"] = "graph"
			result["node"] = node
			result["neighbors"] = neighbors
		}
	}

	if _, traced := result["node"]; !traced {
		hits, err := d.index().SearchSymbol(ctx, seed, 10)
		if err != nil {
			return refuse(result, contracts.NewDeny(contracts.RejPackInsufficient,
				"neither graph nor symbol index could trace %q: %v", seed, err))
		}
		for _, h := range hits {
			touchedFiles = append(touchedFiles, h.File)
		}
		result["source"] = "index"
		result["hits"] = hits
	}

	if kind := stringArg(args, "chainKind"); kind != "" && d.Proof != nil {
		switch contracts.ChainKind(kind) {
		case contracts.ChainAgGrid, contracts.ChainFederation:
			chain := d.Proof.Build(ctx, contracts.ChainKind(kind), seed)
			result["proofChain"] = chain
			for _, link := range chain.Links {
				if link.File != "" {
					touchedFiles = append(touchedFiles, link.File)
				}
			}
		default:
			return refuse(result, contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
				"unknown chain kind %q; known: %s, %s", kind, contracts.ChainAgGrid, contracts.ChainFederation))
		}
	}

	if len(touchedFiles) > 0 && d.Seeder != nil {
		if anchors, err := d.Seeder.Seed(); err == nil {
			anchorIDs := anchor.ForPaths(anchors, touchedFiles)
			var guidance []map[string]any
			for _, m := range d.Memory.FindActiveForAnchors(anchorIDs) {
				if m.EnforcementType != contracts.EnforceFewShot || m.FewShot == nil {
					continue
				}
				guidance = append(guidance, map[string]any{
					"memoryId": m.ID,
					"before":   m.FewShot.Before,
					"after":    m.FewShot.After,
					"whyWrong": m.FewShot.WhyWrong,
				})
			}
			if len(guidance) > 0 {
				result["fewShotGuidance"] = guidance
			}
		}
	}
	return ok(result)
}

func handleWriteScratchFile(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	target := stringArg(args, "target")
	content, hasContent := args["content"].(string)
	switch {
	case target == "" && !hasContent:
		return denyMissing("target", "content")
	case target == "":
		return denyMissing("target")
	case !hasContent:
		return denyMissing("content")
	}

	canon, deny := d.Scope.Canonicalize(target)
	if deny != nil {
		return refuse(nil, deny)
	}
	if canon != ScratchPrefix && !strings.HasPrefix(canon, ScratchPrefix+"/") {
		return refuse(map[string]any{"target": canon},
			contracts.NewDeny(contracts.RejPlanScopeViolation,
				"%q is outside the scratch area; scratch writes must target %s/", canon, ScratchPrefix))
	}

	abs := filepath.Join(d.workRoot(s.RunSessionID), filepath.FromSlash(canon))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"scratch directory setup failed: %v", err))
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"scratch write failed: %v", err))
	}
	return ok(map[string]any{
		"target":       canon,
		"bytesWritten": len(content),
	})
}
