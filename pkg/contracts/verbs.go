package contracts

// Verb identifies one operation of the controller's public API.
type Verb string

// The stable verb surface. Names are part of the wire contract and must not change.
const (
	VerbInitializeWork          Verb = "initialize_work"
	VerbListAvailableVerbs      Verb = "list_available_verbs"
	VerbGetOriginalPrompt       Verb = "get_original_prompt"
	VerbListScopedFiles         Verb = "list_scoped_files"
	VerbListDirectoryContents   Verb = "list_directory_contents"
	VerbReadFileLines           Verb = "read_file_lines"
	VerbLookupSymbolDefinition  Verb = "lookup_symbol_definition"
	VerbSearchCodebaseText      Verb = "search_codebase_text"
	VerbTraceSymbolGraph        Verb = "trace_symbol_graph"
	VerbWriteScratchFile        Verb = "write_scratch_file"
	VerbFetchJiraTicket         Verb = "fetch_jira_ticket"
	VerbFetchAPISpec            Verb = "fetch_api_spec"
	VerbSubmitExecutionPlan     Verb = "submit_execution_plan"
	VerbRequestEvidenceGuidance Verb = "request_evidence_guidance"
	VerbApplyCodePatch          Verb = "apply_code_patch"
	VerbRunSandboxedCode        Verb = "run_sandboxed_code"
	VerbExecuteGatedSideEffect  Verb = "execute_gated_side_effect"
	VerbRunAutomationRecipe     Verb = "run_automation_recipe"
	VerbSignalTaskComplete      Verb = "signal_task_complete"
)

// AllVerbs lists every verb in declaration order.
func AllVerbs() []Verb {
	return []Verb{
		VerbInitializeWork,
		VerbListAvailableVerbs,
		VerbGetOriginalPrompt,
		VerbListScopedFiles,
		VerbListDirectoryContents,
		VerbReadFileLines,
		VerbLookupSymbolDefinition,
		VerbSearchCodebaseText,
		VerbTraceSymbolGraph,
		VerbWriteScratchFile,
		VerbFetchJiraTicket,
		VerbFetchAPISpec,
		VerbSubmitExecutionPlan,
		VerbRequestEvidenceGuidance,
		VerbApplyCodePatch,
		VerbRunSandboxedCode,
		VerbExecuteGatedSideEffect,
		VerbRunAutomationRecipe,
		VerbSignalTaskComplete,
	}
}

// MutationVerbs are permitted only after a plan has been accepted.
func MutationVerbs() []Verb {
	return []Verb{
		VerbApplyCodePatch,
		VerbRunSandboxedCode,
		VerbExecuteGatedSideEffect,
		VerbRunAutomationRecipe,
	}
}

// IsMutation reports whether v performs a gated mutation.
func IsMutation(v Verb) bool {
	switch v {
	case VerbApplyCodePatch, VerbRunSandboxedCode, VerbExecuteGatedSideEffect, VerbRunAutomationRecipe:
		return true
	}
	return false
}

// VerbDescription is the per-verb help object carried on every response.
type VerbDescription struct {
	Description  string   `json:"description"`
	WhenToUse    string   `json:"whenToUse"`
	RequiredArgs []string `json:"requiredArgs"`
	OptionalArgs []string `json:"optionalArgs"`
}
