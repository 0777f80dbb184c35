// Command gatehouse runs the mediating controller between an LLM planning
// agent and a source repository. The agent speaks line-delimited JSON-RPC on
// stdin/stdout; structured logs go to stderr so the protocol stream stays
// clean. Operator tooling (memory lifecycle, graph seeding, budget release)
// lives in subcommands beside serve.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loomworks/gatehouse/pkg/anchor"
	"github.com/loomworks/gatehouse/pkg/artifacts"
	"github.com/loomworks/gatehouse/pkg/collision"
	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/connector"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/dispatch"
	"github.com/loomworks/gatehouse/pkg/enforcement"
	"github.com/loomworks/gatehouse/pkg/graph"
	"github.com/loomworks/gatehouse/pkg/indexer"
	"github.com/loomworks/gatehouse/pkg/memory"
	"github.com/loomworks/gatehouse/pkg/observability"
	"github.com/loomworks/gatehouse/pkg/pack"
	"github.com/loomworks/gatehouse/pkg/planguard"
	"github.com/loomworks/gatehouse/pkg/proofchain"
	"github.com/loomworks/gatehouse/pkg/recipes"
	"github.com/loomworks/gatehouse/pkg/sandbox"
	"github.com/loomworks/gatehouse/pkg/scope"
	"github.com/loomworks/gatehouse/pkg/session"
	"github.com/loomworks/gatehouse/pkg/transport/stdio"
	"github.com/loomworks/gatehouse/pkg/verbs"
)

const version = "0.5.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the testable entrypoint. Serving is the default when no subcommand
// is given.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}
	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "ingest-overrides":
		return runIngestOverrides(args[2:], stdout, stderr)
	case "promote-memories":
		return runPromoteMemories(args[2:], stdout, stderr)
	case "export-graph-seed":
		return runExportGraphSeed(args[2:], stdout, stderr)
	case "release-budget":
		return runReleaseBudget(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "gatehouse %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServe(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "gatehouse: unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "gatehouse %s - gated controller between a planning agent and a repository\n\n", version)
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gatehouse <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  serve              Serve verbs over stdio JSON-RPC (default)")
	fmt.Fprintln(w, "  ingest-overrides   Read human override drop-ins into the memory store")
	fmt.Fprintln(w, "  promote-memories   Run one memory lifecycle pass (promote/expire)")
	fmt.Fprintln(w, "  export-graph-seed  Write approved memories as a graph seed file")
	fmt.Fprintln(w, "  release-budget     Raise a blocked session's token threshold")
	fmt.Fprintln(w, "  version            Print the version")
	fmt.Fprintln(w, "  help               Show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Deployment settings come from the environment (GATEHOUSE_DATA_ROOT,")
	fmt.Fprintln(w, "GATEHOUSE_WORKTREE, GATEHOUSE_PROFILE, NEO4J_URI, JIRA_BASE_URL, ...);")
	fmt.Fprintln(w, "policy knobs from the YAML profile.")
}

// newLogger writes structured logs to stderr; stdout belongs to the protocol.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// loadConfig merges environment configuration with command-line overrides.
func loadConfig(fs *flag.FlagSet) *config.Config {
	cfg := config.Load()
	fs.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "persisted state root")
	fs.StringVar(&cfg.WorktreeRoot, "worktree", cfg.WorktreeRoot, "repository worktree the agent operates on")
	fs.StringVar(&cfg.ProfilePath, "profile", cfg.ProfilePath, "policy profile YAML path")
	return cfg
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := loadConfig(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctl, cleanup, err := buildController(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}
	defer cleanup()

	logger.Info("gatehouse serving",
		"version", version, "worktree", cfg.WorktreeRoot, "dataRoot", cfg.DataRoot)

	srv := stdio.NewServer(ctl, os.Stdin, stdout, logger)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}
	logger.Info("gatehouse stopped")
	return 0
}

// buildController wires the full dependency graph for serving. Optional
// backends (graph database, Jira, telemetry) degrade to absent rather than
// failing startup; the verbs that need them deny with a concrete hint.
func buildController(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*dispatch.Controller, func(), error) {
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data root: %w", err)
	}

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*dispatch.Controller, func(), error) {
		cleanup()
		return nil, nil, err
	}

	sqlite, err := session.OpenSQLite(filepath.Join(cfg.DataRoot, "sessions.db"))
	if err != nil {
		return fail(fmt.Errorf("open session store: %w", err))
	}
	cleanups = append(cleanups, func() { _ = sqlite.Close() })
	store := session.NewStore(sqlite, logger)

	memSvc, err := memory.NewService(filepath.Join(cfg.DataRoot, "memory"), profile.Memory, logger)
	if err != nil {
		return fail(fmt.Errorf("memory service: %w", err))
	}
	go func() {
		if err := memSvc.Watch(ctx); err != nil {
			logger.Warn("override watcher stopped", "error", err)
		}
	}()
	go runPromotionLoop(ctx, memSvc, logger)

	var querier graph.Querier
	if cfg.Neo4jURI != "" {
		client, err := graph.NewNeo4jClient(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			logger.Warn("graph client init failed, proof chains fall back to the index", "error", err)
		} else {
			q := graph.NewCypherQuerier(client)
			if err := q.VerifyConnectivity(ctx); err != nil {
				logger.Warn("graph unreachable, proof chains fall back to the index",
					"uri", cfg.Neo4jURI, "error", err)
				_ = client.Close(ctx)
			} else {
				querier = q
				cleanups = append(cleanups, func() { _ = client.Close(context.Background()) })
				logger.Info("graph connected", "uri", cfg.Neo4jURI)
			}
		}
	}

	// The symbol index is an external service consumed behind an interface;
	// absent one, retrieval verbs answer from the pack and deny with a hint.
	idx := indexer.NewNoop()

	enforcer, err := enforcement.NewBuilder(querier, logger)
	if err != nil {
		return fail(fmt.Errorf("enforcement builder: %w", err))
	}
	validator, err := planguard.New(profile.Plans, enforcer, logger)
	if err != nil {
		return fail(fmt.Errorf("plan validator: %w", err))
	}
	proof := proofchain.New(querier, idx, profile.Chains, logger)

	catalogPath := profile.Recipes.CatalogPath
	if catalogPath != "" && !filepath.IsAbs(catalogPath) {
		catalogPath = filepath.Join(cfg.DataRoot, catalogPath)
	}
	catalog, err := recipes.Load(catalogPath, filepath.Join(cfg.DataRoot, "recipes", "events.jsonl"), logger)
	if err != nil {
		return fail(fmt.Errorf("recipe catalog: %w", err))
	}

	deps := &verbs.Deps{
		Profile:   profile,
		DataRoot:  cfg.DataRoot,
		Scope:     scope.New(cfg.WorktreeRoot),
		Pack:      pack.New(idx, filepath.Join(cfg.DataRoot, "packs"), pack.WithChainProbe(proof.Probe)),
		Validator: validator,
		Enforcer:  enforcer,
		Memory:    memSvc,
		Index:     idx,
		Proof:     proof,
		Artifacts: artifacts.NewWriter(filepath.Join(cfg.DataRoot, "artifacts"), logger),
		Sandbox:   sandbox.NewRunner(profile.Sandbox, logger),
		Recipes:   catalog,
		Guards:    collision.NewRegistry(),
		Seeder:    anchor.NewSeeder(cfg.WorktreeRoot, profile.Anchors.MaxDepth, profile.Anchors.Excludes, profile.Anchors.ForcedIncludes),
		Logger:    logger,
	}
	if querier != nil {
		deps.Graph = querier
	}
	if cfg.JiraBaseURL != "" {
		deps.Jira = connector.NewJira(cfg.JiraBaseURL, cfg.JiraToken, logger)
		logger.Info("jira connector enabled", "baseUrl", cfg.JiraBaseURL)
	}
	deps.Swagger = connector.NewSwagger(logger)

	obs, err := observability.New(ctx, observability.FromConfig(cfg, version), logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without", "error", err)
		obs, _ = observability.New(ctx, &observability.Config{Enabled: false}, logger)
	}
	cleanups = append(cleanups, func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = obs.Shutdown(sctx)
	})

	return dispatch.New(store, deps, obs, logger), cleanup, nil
}

// runPromotionLoop advances memory lifecycle windows once an hour.
func runPromotionLoop(ctx context.Context, memSvc *memory.Service, logger *slog.Logger) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			rep, err := memSvc.RunAutoPromotion(now)
			if err != nil {
				logger.Warn("memory promotion pass failed", "error", err)
				continue
			}
			if len(rep.Promoted)+len(rep.Expired) > 0 {
				logger.Info("memory lifecycle pass",
					"promoted", len(rep.Promoted), "expired", len(rep.Expired))
			}
		}
	}
}

func openMemory(cfg *config.Config, logger *slog.Logger) (*memory.Service, error) {
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	return memory.NewService(filepath.Join(cfg.DataRoot, "memory"), profile.Memory, logger)
}

func runIngestOverrides(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ingest-overrides", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := loadConfig(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	memSvc, err := openMemory(cfg, newLogger(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}
	recs, err := memSvc.IngestOverrideFiles()
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: ingest overrides: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "ingested %d override(s)\n", len(recs))
	for _, r := range recs {
		fmt.Fprintf(stdout, "  %s  %s  %s\n", r.ID, r.EnforcementType, r.State)
	}
	return 0
}

func runPromoteMemories(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("promote-memories", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := loadConfig(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	memSvc, err := openMemory(cfg, newLogger(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}
	rep, err := memSvc.RunAutoPromotion(time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: promotion: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "promoted %d, expired %d\n", len(rep.Promoted), len(rep.Expired))
	for _, id := range rep.Promoted {
		fmt.Fprintf(stdout, "  promoted %s\n", id)
	}
	for _, id := range rep.Expired {
		fmt.Fprintf(stdout, "  expired %s\n", id)
	}
	return 0
}

func runExportGraphSeed(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export-graph-seed", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := loadConfig(fs)
	out := fs.String("out", "", "output path (default <data-root>/graph-seed.jsonl)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *out == "" {
		*out = filepath.Join(cfg.DataRoot, "graph-seed.jsonl")
	}
	memSvc, err := openMemory(cfg, newLogger(cfg.LogLevel))
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}
	n, err := memSvc.ExportAsGraphSeed(*out)
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: export graph seed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "exported %d memory node(s) to %s\n", n, *out)
	return 0
}

func runReleaseBudget(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("release-budget", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg := loadConfig(fs)
	sessionID := fs.String("session", "", "run session id (required)")
	threshold := fs.Int("threshold", 0, "new token threshold (required, must clear tokens already used)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sessionID == "" || *threshold <= 0 {
		fmt.Fprintln(stderr, "gatehouse: --session and a positive --threshold are required")
		fs.Usage()
		return 2
	}
	logger := newLogger(cfg.LogLevel)
	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}

	ctx := context.Background()
	sqlite, err := session.OpenSQLite(filepath.Join(cfg.DataRoot, "sessions.db"))
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: open session store: %v\n", err)
		return 1
	}
	defer sqlite.Close()

	// Guard against typos before the store mints a fresh record for the id.
	snap, err := sqlite.Load(ctx, *sessionID)
	if err != nil {
		fmt.Fprintf(stderr, "gatehouse: load session: %v\n", err)
		return 1
	}
	if snap == nil {
		fmt.Fprintf(stderr, "gatehouse: session %q not found\n", *sessionID)
		return 1
	}

	store := session.NewStore(sqlite, logger)
	ctl := dispatch.New(store, &verbs.Deps{Profile: profile, Logger: logger}, nil, logger)
	if err := ctl.ReleaseBudget(ctx, *sessionID, *threshold); err != nil {
		fmt.Fprintf(stderr, "gatehouse: %v\n", err)
		return 1
	}
	released, _ := store.Get(*sessionID)
	state := contracts.RunState("")
	if released != nil {
		state = released.State
	}
	fmt.Fprintf(stdout, "released session %s: threshold %d, state %s\n", *sessionID, *threshold, state)
	return 0
}
