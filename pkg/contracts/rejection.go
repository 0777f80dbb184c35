package contracts

import "fmt"

// RejectionCode is a stable short identifier returned on every refusal so
// clients can branch programmatically. The set below is a public contract.
type RejectionCode string

const (
	RejPlanMissingRequiredFields RejectionCode = "PLAN_MISSING_REQUIRED_FIELDS"
	RejPlanNotAtomic             RejectionCode = "PLAN_NOT_ATOMIC"
	RejPlanScopeViolation        RejectionCode = "PLAN_SCOPE_VIOLATION"
	RejPlanStrategyMismatch      RejectionCode = "PLAN_STRATEGY_MISMATCH"
	RejPlanEvidenceInsufficient  RejectionCode = "PLAN_EVIDENCE_INSUFFICIENT"
	RejPlanVerificationWeak      RejectionCode = "PLAN_VERIFICATION_WEAK"
	RejPlanPolicyViolation       RejectionCode = "PLAN_POLICY_VIOLATION"
	RejExecUngatedSideEffect     RejectionCode = "EXEC_UNGATED_SIDE_EFFECT"
	RejPlanMissingArtifactRef    RejectionCode = "PLAN_MISSING_ARTIFACT_REF"
	RejPlanMigrationRuleMissing  RejectionCode = "PLAN_MIGRATION_RULE_MISSING"
	RejPackScopeViolation        RejectionCode = "PACK_SCOPE_VIOLATION"
	RejPackInsufficient          RejectionCode = "PACK_INSUFFICIENT"
	RejWorkIncomplete            RejectionCode = "WORK_INCOMPLETE"

	// RejBudgetBlocked is emitted by the dispatcher, never by plan
	// validation: the session crossed its token threshold and every verb
	// is refused until an operator releases the block.
	RejBudgetBlocked RejectionCode = "BUDGET_BLOCKED"
)

// KnownRejectionCodes lists every code the controller may emit.
func KnownRejectionCodes() []RejectionCode {
	return []RejectionCode{
		RejPlanMissingRequiredFields,
		RejPlanNotAtomic,
		RejPlanScopeViolation,
		RejPlanStrategyMismatch,
		RejPlanEvidenceInsufficient,
		RejPlanVerificationWeak,
		RejPlanPolicyViolation,
		RejExecUngatedSideEffect,
		RejPlanMissingArtifactRef,
		RejPlanMigrationRuleMissing,
		RejPackScopeViolation,
		RejPackInsufficient,
		RejWorkIncomplete,
		RejBudgetBlocked,
	}
}

// IsKnownRejectionCode reports whether c belongs to the public taxonomy.
func IsKnownRejectionCode(c RejectionCode) bool {
	for _, k := range KnownRejectionCodes() {
		if k == c {
			return true
		}
	}
	return false
}

// Deny is the typed error verb handlers use to refuse an operation.
// It carries the stable code plus a human-readable detail sentence.
type Deny struct {
	Code   RejectionCode
	Detail string
}

// Error implements the error interface.
func (d *Deny) Error() string {
	if d.Detail == "" {
		return string(d.Code)
	}
	return fmt.Sprintf("%s: %s", d.Code, d.Detail)
}

// NewDeny builds a Deny with a formatted detail message.
func NewDeny(code RejectionCode, format string, args ...any) *Deny {
	return &Deny{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsDeny unwraps err into a *Deny when possible.
func AsDeny(err error) (*Deny, bool) {
	for err != nil {
		if d, ok := err.(*Deny); ok {
			return d, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
