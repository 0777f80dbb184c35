package verbs

import (
	"fmt"
	"strings"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// stringArg returns args[key] as a trimmed string, "" when absent or not a
// string.
func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// intArg returns args[key] as an int with a fallback. JSON numbers decode to
// float64, so both forms are accepted.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// stringSliceArg accepts both a JSON array of strings and a single string.
func stringSliceArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return v
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{strings.TrimSpace(v)}
	default:
		return nil
	}
}

func mapArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// denyMissing rejects a call whose required arguments are absent. The result
// names the fields so the agent can retry without guessing.
func denyMissing(fields ...string) contracts.VerbResult {
	return refuse(
		map[string]any{"missingFields": fields},
		contracts.NewDeny(contracts.RejPlanMissingRequiredFields,
			"missing required fields: %s", fmt.Sprintf("%v", fields)),
	)
}
