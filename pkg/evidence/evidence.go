// Package evidence implements the per-change-node evidence sufficiency
// check. A change must ground itself in enough distinct sources, or
// explicitly declare low-evidence mode with the full guard trio.
package evidence

import (
	"strings"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// DefaultMinDistinctSources applies when a submitted policy leaves the
// threshold unset.
const DefaultMinDistinctSources = 2

// Normalize fills unset policy fields with defaults.
func Normalize(p contracts.EvidencePolicy) contracts.EvidencePolicy {
	if p.MinDistinctSources <= 0 {
		p.MinDistinctSources = DefaultMinDistinctSources
	}
	return p
}

// distinct counts unique non-blank entries across the given buckets.
func distinct(buckets ...[]string) int {
	seen := make(map[string]struct{})
	for _, b := range buckets {
		for _, s := range b {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// guardComplete reports whether the node declares the full low-evidence
// guard trio. Partial declarations never count.
func guardComplete(n *contracts.ChangeNode) bool {
	return n.LowEvidenceGuard &&
		strings.TrimSpace(n.UncertaintyNote) != "" &&
		n.RequiresHumanReview
}

// Check validates one change node against the policy. Returns nil when the
// node carries sufficient evidence.
func Check(n *contracts.ChangeNode, pol contracts.EvidencePolicy) *contracts.Deny {
	pol = Normalize(pol)

	total := distinct(n.Citations, n.CodeEvidence, n.PolicyRefs)
	if total < pol.MinDistinctSources {
		if pol.AllowSingleSourceWithGuard && guardComplete(n) {
			// Guard trio substitutes for breadth on the aggregate
			// count only; bucket minimums still apply below.
		} else {
			return contracts.NewDeny(contracts.RejPlanEvidenceInsufficient,
				"change cites %d distinct source(s), need %d; either add sources or set lowEvidenceGuard, uncertaintyNote, and requiresHumanReview together",
				total, pol.MinDistinctSources)
		}
	}

	if pol.MinRequirementSources > 0 {
		if got := distinct(n.Citations, n.PolicyRefs); got < pol.MinRequirementSources {
			return contracts.NewDeny(contracts.RejPlanEvidenceInsufficient,
				"change cites %d requirement source(s) (citations/policyRefs), need %d", got, pol.MinRequirementSources)
		}
	}
	if pol.MinCodeEvidenceSources > 0 {
		if got := distinct(n.CodeEvidence); got < pol.MinCodeEvidenceSources {
			return contracts.NewDeny(contracts.RejPlanEvidenceInsufficient,
				"change cites %d code evidence source(s), need %d", got, pol.MinCodeEvidenceSources)
		}
	}
	return nil
}
