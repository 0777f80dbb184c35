// Package capability maps run states to the verbs permitted in them. The
// mapping is pure: same state in, same verb set out.
package capability

import "github.com/loomworks/gatehouse/pkg/contracts"

// metaVerbs are safe in every working state.
var metaVerbs = []contracts.Verb{
	contracts.VerbListAvailableVerbs,
	contracts.VerbGetOriginalPrompt,
}

// rawReadVerbs never require a context pack.
var rawReadVerbs = []contracts.Verb{
	contracts.VerbListScopedFiles,
	contracts.VerbListDirectoryContents,
	contracts.VerbWriteScratchFile,
}

// packReadVerbs require the pack built by initialize_work.
var packReadVerbs = []contracts.Verb{
	contracts.VerbReadFileLines,
	contracts.VerbLookupSymbolDefinition,
	contracts.VerbSearchCodebaseText,
	contracts.VerbTraceSymbolGraph,
}

// connectorVerbs attach external artifacts to the session.
var connectorVerbs = []contracts.Verb{
	contracts.VerbFetchJiraTicket,
	contracts.VerbFetchAPISpec,
}

// VerbsFor returns the verbs allowed in state, in stable order.
func VerbsFor(state contracts.RunState) []contracts.Verb {
	switch state {
	case contracts.StateUninitialized:
		return []contracts.Verb{contracts.VerbInitializeWork}

	case contracts.StatePlanning, contracts.StatePlanRequired:
		out := concat(metaVerbs, rawReadVerbs, packReadVerbs, connectorVerbs)
		out = append(out,
			contracts.VerbRequestEvidenceGuidance,
			contracts.VerbSubmitExecutionPlan,
			contracts.VerbSignalTaskComplete,
		)
		return out

	case contracts.StatePlanAccepted, contracts.StateExecutionEnabled:
		out := concat(metaVerbs, rawReadVerbs, packReadVerbs, connectorVerbs)
		out = append(out, contracts.VerbRequestEvidenceGuidance)
		out = append(out, contracts.MutationVerbs()...)
		out = append(out, contracts.VerbSignalTaskComplete)
		return out

	case contracts.StateBlockedBudget, contracts.StateCompleted, contracts.StateFailed:
		return nil
	}
	return nil
}

// Allowed reports whether verb may run in state.
func Allowed(state contracts.RunState, verb contracts.Verb) bool {
	for _, v := range VerbsFor(state) {
		if v == verb {
			return true
		}
	}
	return false
}

func concat(groups ...[]contracts.Verb) []contracts.Verb {
	var out []contracts.Verb
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
