// Package dispatch is the controller core. Every verb call, whatever its
// transport, funnels through Controller.Handle, which owns the concerns no
// handler may own for itself: the session lease, the token-budget gate, the
// per-session rate limit, the state-capability matrix, rejection accounting,
// and assembly of the uniform response envelope.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/loomworks/gatehouse/pkg/capability"
	"github.com/loomworks/gatehouse/pkg/config"
	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/observability"
	"github.com/loomworks/gatehouse/pkg/session"
	"github.com/loomworks/gatehouse/pkg/verbs"
)

// envelopeSchemaVersion identifies the response envelope layout, not the
// plan-graph schema; clients pin against it independently.
const envelopeSchemaVersion = "1.0.0"

// Controller mediates between agents and the verb handlers. It is safe for
// concurrent use; per-session ordering comes from the store lease.
type Controller struct {
	store        *session.Store
	deps         *verbs.Deps
	registry     map[contracts.Verb]verbs.Handler
	descriptions map[contracts.Verb]contracts.VerbDescription
	profile      *config.Profile
	obs          *observability.Provider
	logger       *slog.Logger
	clock        func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Controller over the session store and handler dependencies.
// A nil obs disables telemetry; a nil logger falls back to slog.Default.
func New(store *session.Store, deps *verbs.Deps, obs *observability.Provider, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	profile := deps.Profile
	if profile == nil {
		profile = config.DefaultProfile()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Controller{
		store:        store,
		deps:         deps,
		registry:     verbs.Registry(),
		descriptions: verbs.Descriptions(),
		profile:      profile,
		obs:          obs,
		logger:       logger.With("component", "dispatch"),
		clock:        clock,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// Handle runs one verb call end to end and always returns a full envelope:
// protocol errors, capability refusals, and handler denies all travel the
// same shape so clients have a single thing to parse.
func (c *Controller) Handle(ctx context.Context, verb contracts.Verb, args map[string]any, env contracts.CallEnvelope) contracts.Response {
	traceRef := "trace-" + uuid.NewString()[:8]

	if env.RunSessionID == "" {
		return c.protocolResponse(traceRef, "runSessionId is required on every call")
	}
	handler, known := c.registry[verb]
	if !known {
		return c.protocolResponse(traceRef, fmt.Sprintf("unknown verb %q; call list_available_verbs for the surface", verb))
	}

	ctx, done := c.track(ctx, verb, env, traceRef)

	var resp contracts.Response
	err := c.store.With(ctx, env.RunSessionID, func(s *contracts.SessionState) error {
		resp = c.dispatch(ctx, verb, handler, args, env, s, traceRef)
		return nil
	})
	if err != nil {
		// The dispatch closure never fails; a lease error means the store
		// itself is broken.
		c.logger.Error("session lease failed", "runSessionId", env.RunSessionID, "error", err)
		resp = c.protocolResponse(traceRef, fmt.Sprintf("session store unavailable: %v", err))
	}
	done(firstDeny(resp))

	if resp.State == contracts.StateCompleted {
		c.retire(ctx, env.RunSessionID)
	}
	return resp
}

// dispatch runs under the session lease. Order matters: budget first (a
// blocked session refuses everything), then rate, then capabilities, then
// the handler. Rejection counting happens here and only here so handler
// retries cannot double-count friction.
func (c *Controller) dispatch(ctx context.Context, verb contracts.Verb, handler verbs.Handler, args map[string]any, env contracts.CallEnvelope, s *contracts.SessionState, traceRef string) contracts.Response {
	if s.WorkID == "" {
		s.WorkID = env.WorkID
	}
	if s.AgentID == "" {
		s.AgentID = env.AgentID
	}

	threshold := c.threshold(s)
	if !terminal(s.State) && s.State != contracts.StateBlockedBudget && s.UsedTokens >= threshold {
		s.StateBeforeBlock = s.State
		s.State = contracts.StateBlockedBudget
		c.logger.Warn("session crossed token threshold",
			"runSessionId", s.RunSessionID, "usedTokens", s.UsedTokens, "thresholdTokens", threshold)
	}
	if s.State == contracts.StateBlockedBudget {
		s.CountRejection(contracts.RejBudgetBlocked)
		res := contracts.VerbResult{
			Result: map[string]any{
				"error": fmt.Sprintf("token budget exhausted: %d used against a threshold of %d; an operator must release the block", s.UsedTokens, threshold),
			},
			DenyReasons: []contracts.RejectionCode{contracts.RejBudgetBlocked},
		}
		return c.envelope(s, res, traceRef)
	}

	if err := c.limiter(s.RunSessionID).Wait(ctx); err != nil {
		// Only a dead context lands here; the caller is already gone, so
		// no rejection is counted against the session.
		res := contracts.VerbResult{
			Result: map[string]any{"error": fmt.Sprintf("request cancelled while rate limiting: %v", err)},
		}
		return c.envelope(s, res, traceRef)
	}

	if !capability.Allowed(s.State, verb) {
		res := c.refuseCapability(s, verb)
		for _, code := range res.DenyReasons {
			s.CountRejection(code)
		}
		if res.StateOverride != nil {
			s.State = *res.StateOverride
		}
		return c.envelope(s, res, traceRef)
	}

	// A refused verb still consumed controller attention: account and
	// charge before the handler runs.
	s.CountAction(verb)
	s.UsedTokens += c.profile.Budget.CostFor(string(verb))

	res := c.invoke(ctx, verb, handler, s, args)
	for _, code := range res.DenyReasons {
		s.CountRejection(code)
	}
	if res.StateOverride != nil {
		s.State = *res.StateOverride
	}

	// Crossing the threshold mid-verb blocks the next call, never this one.
	if !terminal(s.State) && s.State != contracts.StateBlockedBudget && s.UsedTokens >= threshold {
		s.StateBeforeBlock = s.State
		s.State = contracts.StateBlockedBudget
		if res.Result == nil {
			res.Result = map[string]any{}
		}
		res.Result["budgetNotice"] = fmt.Sprintf("this call crossed the token threshold (%d of %d); further verbs are blocked until an operator releases the budget", s.UsedTokens, threshold)
		c.logger.Warn("session blocked on budget after verb",
			"runSessionId", s.RunSessionID, "verb", verb, "usedTokens", s.UsedTokens)
	}

	return c.envelope(s, res, traceRef)
}

// invoke isolates handler panics: a crashing handler denies the single call
// instead of taking the controller down.
func (c *Controller) invoke(ctx context.Context, verb contracts.Verb, handler verbs.Handler, s *contracts.SessionState, args map[string]any) (res contracts.VerbResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("verb handler panicked", "verb", verb, "runSessionId", s.RunSessionID, "panic", r)
			res = contracts.VerbResult{
				Result:      map[string]any{"error": fmt.Sprintf("internal failure executing %s; the session state is unchanged", verb)},
				DenyReasons: []contracts.RejectionCode{contracts.RejPlanVerificationWeak},
			}
		}
	}()
	return handler(ctx, s, args, c.deps)
}

// refuseCapability explains why the verb is out of bounds for the state. A
// mutation attempted before plan acceptance additionally forces the session
// to PLAN_REQUIRED: the agent has revealed intent to act without a plan.
func (c *Controller) refuseCapability(s *contracts.SessionState, verb contracts.Verb) contracts.VerbResult {
	if contracts.IsMutation(verb) &&
		(s.State == contracts.StatePlanning || s.State == contracts.StatePlanRequired) {
		st := contracts.StatePlanRequired
		return contracts.VerbResult{
			Result: map[string]any{
				"error": fmt.Sprintf("mutation verb %q is locked until a plan is accepted; call submit_execution_plan with an evidence-linked plan graph", verb),
			},
			DenyReasons:   []contracts.RejectionCode{contracts.RejPlanScopeViolation},
			StateOverride: &st,
		}
	}
	allowed := capability.VerbsFor(s.State)
	return contracts.VerbResult{
		Result: map[string]any{
			"error":        fmt.Sprintf("verb %q is not available in state %s", verb, s.State),
			"allowedVerbs": allowed,
		},
		DenyReasons: []contracts.RejectionCode{contracts.RejPlanScopeViolation},
	}
}

// envelope assembles the uniform response from the post-verb session state.
func (c *Controller) envelope(s *contracts.SessionState, res contracts.VerbResult, traceRef string) contracts.Response {
	if res.Result == nil {
		res.Result = map[string]any{}
	}
	worktree := s.WorktreeRoot
	if worktree == "" && c.deps.Scope != nil {
		worktree = c.deps.Scope.WorktreeRoot()
	}
	resp := contracts.Response{
		RunSessionID:  s.RunSessionID,
		WorkID:        s.WorkID,
		AgentID:       s.AgentID,
		State:         s.State,
		Capabilities:  capability.VerbsFor(s.State),
		DenyReasons:   res.DenyReasons,
		TraceRef:      traceRef,
		SchemaVersion: envelopeSchemaVersion,
		BudgetStatus: contracts.BudgetStatus{
			MaxTokens:       c.profile.Budget.MaxTokens,
			UsedTokens:      s.UsedTokens,
			ThresholdTokens: c.threshold(s),
			Blocked:         s.State == contracts.StateBlockedBudget,
		},
		Scope:             contracts.ScopeInfo{WorktreeRoot: worktree},
		KnowledgeStrategy: s.KnowledgeStrategyID,
		SubAgentHints:     subAgentHints(s, &res),
		VerbDescriptions:  c.descriptions,
		Result:            res.Result,
	}
	if len(res.DenyReasons) > 0 {
		resp.SuggestedAction = suggestFor(res.DenyReasons[0])
	}
	return resp
}

// protocolResponse covers failures before a session can be touched: missing
// ids, unknown verbs, a broken store. No session state exists to report, so
// the envelope carries the uninitialized shape.
func (c *Controller) protocolResponse(traceRef, msg string) contracts.Response {
	return contracts.Response{
		State:         contracts.StateUninitialized,
		Capabilities:  capability.VerbsFor(contracts.StateUninitialized),
		DenyReasons:   []contracts.RejectionCode{contracts.RejPlanMissingRequiredFields},
		TraceRef:      traceRef,
		SchemaVersion: envelopeSchemaVersion,
		BudgetStatus: contracts.BudgetStatus{
			MaxTokens:       c.profile.Budget.MaxTokens,
			ThresholdTokens: c.profile.Budget.ThresholdTokens,
		},
		VerbDescriptions: c.descriptions,
		Result:           map[string]any{"error": msg},
		SuggestedAction: &contracts.SuggestedAction{
			Verb:   contracts.VerbListAvailableVerbs,
			Reason: "fix the call envelope and retry",
		},
	}
}

// ReleaseBudget raises a session's token threshold and, when the session is
// blocked, resumes it in the state it held before the block. Operators call
// this through the CLI; agents cannot release their own budgets.
func (c *Controller) ReleaseBudget(ctx context.Context, sessionID string, newThreshold int) error {
	if sessionID == "" {
		return fmt.Errorf("release budget: session id is required")
	}
	if newThreshold <= 0 {
		return fmt.Errorf("release budget: threshold must be positive, got %d", newThreshold)
	}
	return c.store.With(ctx, sessionID, func(s *contracts.SessionState) error {
		if newThreshold <= s.UsedTokens {
			return fmt.Errorf("release budget: new threshold %d does not clear the %d tokens already used", newThreshold, s.UsedTokens)
		}
		s.ThresholdOverride = newThreshold
		if s.State == contracts.StateBlockedBudget {
			resume := s.StateBeforeBlock
			if resume == "" {
				resume = contracts.StatePlanning
			}
			s.State = resume
			s.StateBeforeBlock = ""
		}
		c.logger.Info("budget block released",
			"runSessionId", sessionID, "thresholdTokens", newThreshold, "state", s.State)
		return nil
	})
}

// Store exposes the session store for tooling subcommands.
func (c *Controller) Store() *session.Store { return c.store }

// retire drops everything the controller holds for a completed session. The
// final envelope has already been built; late calls to the same id mint a
// fresh UNINITIALIZED record, which is the documented restart path.
func (c *Controller) retire(ctx context.Context, sessionID string) {
	if err := c.store.Evict(ctx, sessionID); err != nil {
		c.logger.Warn("evict after completion failed", "runSessionId", sessionID, "error", err)
	}
	if c.deps.Guards != nil {
		c.deps.Guards.Drop(sessionID)
	}
	c.mu.Lock()
	delete(c.limiters, sessionID)
	c.mu.Unlock()
	c.logger.Info("session retired", "runSessionId", sessionID)
}

func (c *Controller) limiter(sessionID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.limiters[sessionID]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(c.profile.Rate.PerSessionRPS), c.profile.Rate.Burst)
	c.limiters[sessionID] = l
	return l
}

// threshold returns the effective budget threshold: the operator override
// when one is set, otherwise the profile default.
func (c *Controller) threshold(s *contracts.SessionState) int {
	if s.ThresholdOverride > 0 {
		return s.ThresholdOverride
	}
	return c.profile.Budget.ThresholdTokens
}

func (c *Controller) track(ctx context.Context, verb contracts.Verb, env contracts.CallEnvelope, traceRef string) (context.Context, func(error)) {
	if c.obs == nil {
		return ctx, func(error) {}
	}
	return c.obs.TrackOperation(ctx, "dispatch."+string(verb),
		attribute.String("gatehouse.verb", string(verb)),
		attribute.String("gatehouse.session_id", env.RunSessionID),
		attribute.String("gatehouse.trace_ref", traceRef),
	)
}

func terminal(st contracts.RunState) bool {
	return st == contracts.StateCompleted || st == contracts.StateFailed
}

// firstDeny converts a denied envelope into the typed error the telemetry
// error-rate instruments count.
func firstDeny(resp contracts.Response) error {
	if len(resp.DenyReasons) == 0 {
		return nil
	}
	msg, _ := resp.Result["error"].(string)
	return contracts.NewDeny(resp.DenyReasons[0], "%s", msg)
}

// suggestFor maps a rejection code to the verb most likely to clear it. The
// mapping is fixed so agents can build reflexes against it.
func suggestFor(code contracts.RejectionCode) *contracts.SuggestedAction {
	switch code {
	case contracts.RejPlanMissingRequiredFields, contracts.RejPlanNotAtomic,
		contracts.RejPlanStrategyMismatch, contracts.RejPlanVerificationWeak,
		contracts.RejPlanPolicyViolation, contracts.RejExecUngatedSideEffect,
		contracts.RejPlanMigrationRuleMissing:
		return &contracts.SuggestedAction{
			Verb:   contracts.VerbSubmitExecutionPlan,
			Reason: "address the rejection details and resubmit the plan graph",
		}
	case contracts.RejPlanScopeViolation, contracts.RejPlanEvidenceInsufficient,
		contracts.RejPackScopeViolation, contracts.RejPackInsufficient:
		return &contracts.SuggestedAction{
			Verb:   contracts.VerbRequestEvidenceGuidance,
			Reason: "grow the context pack with the files and symbols the refusal names",
		}
	case contracts.RejPlanMissingArtifactRef:
		return &contracts.SuggestedAction{
			Verb:   contracts.VerbFetchJiraTicket,
			Reason: "attach the requirement artifact the plan must cite",
		}
	case contracts.RejWorkIncomplete:
		return &contracts.SuggestedAction{
			Verb:   contracts.VerbListAvailableVerbs,
			Reason: "complete the remaining plan nodes before signalling completion",
		}
	case contracts.RejBudgetBlocked:
		return &contracts.SuggestedAction{
			Verb:   contracts.VerbListAvailableVerbs,
			Reason: "the token budget is exhausted; ask an operator to release the block",
		}
	}
	return nil
}

// subAgentHints tells the agent which work is safe to fan out. Reads are
// idempotent and parallel-safe; plan submission and mutations must stay on
// the session that owns the lease.
func subAgentHints(s *contracts.SessionState, res *contracts.VerbResult) []string {
	for _, code := range res.DenyReasons {
		switch code {
		case contracts.RejPackInsufficient, contracts.RejPackScopeViolation, contracts.RejPlanEvidenceInsufficient:
			return []string{
				"evidence gathering is read-only and safe to delegate: fan lookup_symbol_definition and search_codebase_text across sub-agents, then fold the findings into one request_evidence_guidance call",
			}
		}
	}
	switch s.State {
	case contracts.StatePlanning, contracts.StatePlanRequired:
		return []string{
			"read verbs may run on parallel sub-agents; submit_execution_plan and all mutations must come from this session",
		}
	}
	return nil
}
