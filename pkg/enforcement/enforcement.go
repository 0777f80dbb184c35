// Package enforcement assembles the per-session EnforcementBundle: active
// plan_rule memories, rules derived from grounded hard_deny graph policies,
// migration rules, and ungrounded advisories. The bundle is built at
// initialize_work and refreshed whenever the pack hash changes.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/loomworks/gatehouse/pkg/contracts"
	"github.com/loomworks/gatehouse/pkg/graph"
)

// ActivationContext is what a plan-rule condition may inspect. Built by the
// validator from the submitted plan and the session's strategy signature.
type ActivationContext struct {
	Strategy  string
	Kinds     []string
	Files     []string
	Signature map[string]string
}

// Builder turns memories and graph policies into an EnforcementBundle.
type Builder struct {
	querier graph.Querier
	logger  *slog.Logger

	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewBuilder wires the CEL environment for plan-rule conditions. The querier
// may be nil when no graph backend is configured.
func NewBuilder(q graph.Querier, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("strategy", cel.StringType),
		cel.Variable("kinds", cel.ListType(cel.StringType)),
		cel.Variable("files", cel.ListType(cel.StringType)),
		cel.Variable("signature", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}
	return &Builder{
		querier:  q,
		logger:   logger.With("component", "enforcement"),
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Build assembles the bundle for the given active memories and pack hash.
// Graph failures return the partial bundle alongside the error so the caller
// can keep memory rules live while the graph is unreachable.
func (b *Builder) Build(ctx context.Context, memories []contracts.MemoryRecord, packHash string) (contracts.EnforcementBundle, error) {
	bundle := contracts.EnforcementBundle{BuiltForPackHash: packHash}

	for _, m := range memories {
		if m.EnforcementType != contracts.EnforcePlanRule || !m.State.Active() || m.PlanRule == nil {
			continue
		}
		rule := contracts.MemoryPlanRule{
			MemoryID:      m.ID,
			Condition:     m.PlanRule.Condition,
			RequiredSteps: m.PlanRule.RequiredSteps,
			DenyCode:      m.PlanRule.DenyCode,
			Message:       m.PlanRule.Message,
		}
		if rule.DenyCode == "" {
			rule.DenyCode = contracts.RejPlanPolicyViolation
		}
		if rule.Condition != "" {
			if _, err := b.program(rule.Condition); err != nil {
				b.logger.WarnContext(ctx, "plan rule condition does not compile, rule treated as always active",
					"memoryId", m.ID, "error", err)
			}
		}
		bundle.MemoryPlanRules = append(bundle.MemoryPlanRules, rule)
	}

	if b.querier == nil {
		return bundle, nil
	}

	var errs []error
	policies, err := b.querier.PolicyNodes(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("graph policies: %w", err))
	}
	for _, p := range policies {
		if !p.Grounded || p.Enforcement != "hard_deny" {
			bundle.AdvisoryPolicies = append(bundle.AdvisoryPolicies, contracts.AdvisoryPolicy{
				PolicyID: p.ID,
				Kind:     p.Kind,
				Summary:  p.Summary,
			})
			continue
		}
		if rule, ok := convertPolicy(p); ok {
			bundle.GraphPolicyRules = append(bundle.GraphPolicyRules, rule)
		}
	}

	migrations, err := b.querier.MigrationRules(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("migration rules: %w", err))
	}
	bundle.MigrationRules = append(bundle.MigrationRules, migrations...)

	return bundle, errors.Join(errs...)
}

// convertPolicy maps a grounded hard_deny policy node to required plan steps.
func convertPolicy(p graph.PolicyNode) (contracts.GraphPolicyRule, bool) {
	rule := contracts.GraphPolicyRule{
		PolicyID: p.ID,
		Kind:     p.Kind,
		DenyCode: contracts.RejPlanPolicyViolation,
		Message:  p.Summary,
	}
	switch p.Kind {
	case contracts.PolicyUIIntent:
		for _, tag := range p.ForbiddenComponents {
			rule.RequiredSteps = append(rule.RequiredSteps, contracts.RequiredStep{
				Kind:          contracts.NodeChange,
				TargetPattern: tag,
			})
		}
	case contracts.PolicyComponentIntent:
		rule.RequiredSteps = append(rule.RequiredSteps, contracts.RequiredStep{
			Kind:          contracts.NodeValidate,
			TargetPattern: p.ComponentTag,
		})
	case contracts.PolicyMacroConstraint:
		rule.RequiredSteps = append(rule.RequiredSteps, contracts.RequiredStep{
			Kind: contracts.NodeValidate,
		})
	default:
		return contracts.GraphPolicyRule{}, false
	}
	if len(rule.RequiredSteps) == 0 {
		return contracts.GraphPolicyRule{}, false
	}
	return rule, true
}

// Active reports whether a plan rule's condition holds for the given context.
// Empty conditions are always active. Compile or eval failures also report
// active: an unevaluable rule denies rather than silently waves plans through.
func (b *Builder) Active(rule contracts.MemoryPlanRule, actx ActivationContext) (bool, error) {
	if rule.Condition == "" {
		return true, nil
	}
	prg, err := b.program(rule.Condition)
	if err != nil {
		return true, fmt.Errorf("compile condition for %s: %w", rule.MemoryID, err)
	}
	out, _, err := prg.Eval(map[string]any{
		"strategy":  actx.Strategy,
		"kinds":     actx.Kinds,
		"files":     actx.Files,
		"signature": actx.Signature,
	})
	if err != nil {
		return true, fmt.Errorf("eval condition for %s: %w", rule.MemoryID, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("condition for %s is not boolean", rule.MemoryID)
	}
	return v, nil
}

func (b *Builder) program(expr string) (cel.Program, error) {
	b.mu.RLock()
	prg, hit := b.prgCache[expr]
	b.mu.RUnlock()
	if hit {
		return prg, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if prg, hit = b.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := b.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	p, err := b.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	b.prgCache[expr] = p
	return p, nil
}
