package verbs

import (
	"context"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

// upsertArtifact replaces a same-ref artifact or appends a new one. Refetches
// refresh rather than duplicate.
func upsertArtifact(s *contracts.SessionState, art contracts.Artifact) {
	for i := range s.Artifacts {
		if s.Artifacts[i].Ref == art.Ref {
			s.Artifacts[i] = art
			return
		}
	}
	s.Artifacts = append(s.Artifacts, art)
}

func handleFetchJiraTicket(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	issueKey := stringArg(args, "issueKey")
	if issueKey == "" {
		return denyMissing("issueKey")
	}
	if d.Jira == nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"no Jira connector configured; set JIRA_BASE_URL"))
	}
	art, err := d.Jira.FetchIssue(ctx, issueKey)
	if err != nil {
		return refuse(map[string]any{"issueKey": issueKey},
			contracts.NewDeny(contracts.RejPackInsufficient,
				"jira fetch failed: %v", err))
	}
	upsertArtifact(s, art)
	return ok(map[string]any{
		"artifact": art,
		"citeAs":   art.Ref,
		"message":  "Cite this ref in plan sourceTraceRefs and node artifactRefs.",
	})
}

func handleFetchAPISpec(ctx context.Context, s *contracts.SessionState, args map[string]any, d *Deps) contracts.VerbResult {
	ref := stringArg(args, "swaggerRef")
	if ref == "" {
		return denyMissing("swaggerRef")
	}
	if d.Swagger == nil {
		return refuse(nil, contracts.NewDeny(contracts.RejPackInsufficient,
			"no OpenAPI registrar configured"))
	}
	art, err := d.Swagger.RegisterRef(ctx, ref)
	if err != nil {
		return refuse(map[string]any{"swaggerRef": ref},
			contracts.NewDeny(contracts.RejPackInsufficient,
				"api spec registration failed: %v", err))
	}
	upsertArtifact(s, art)
	return ok(map[string]any{
		"artifact": art,
		"citeAs":   art.Ref,
		"message":  "Cite this ref in plan sourceTraceRefs and node artifactRefs.",
	})
}
