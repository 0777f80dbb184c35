// Package connector fetches evidence artifacts from external systems. Every
// fetch has its own timeout and failures are non-fatal to the session: the
// verb reports the error and the agent plans around it.
package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomworks/gatehouse/pkg/contracts"
)

const fetchTimeout = 10 * time.Second

// Artifact kinds recorded on the session.
const (
	KindJiraIssue = "jira_issue"
	KindAPISpec   = "api_spec"
)

// JiraFetcher resolves an issue key into an evidence artifact.
type JiraFetcher interface {
	FetchIssue(ctx context.Context, issueKey string) (contracts.Artifact, error)
}

// SwaggerRegistrar resolves an OpenAPI document URL into an evidence artifact.
type SwaggerRegistrar interface {
	RegisterRef(ctx context.Context, ref string) (contracts.Artifact, error)
}

// Jira talks to a Jira REST API using a bearer token.
type Jira struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
	clock   func() time.Time
}

// NewJira returns a Jira connector, or nil when no base URL is configured so
// callers can treat the connector as absent.
func NewJira(baseURL, token string, logger *slog.Logger) *Jira {
	if baseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jira{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: fetchTimeout},
		logger:  logger.With("component", "connector.jira"),
		clock:   time.Now,
	}
}

// WithClock overrides the timestamp source. Tests pin it.
func (j *Jira) WithClock(clock func() time.Time) *Jira {
	j.clock = clock
	return j
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary string `json:"summary"`
		Status  struct {
			Name string `json:"name"`
		} `json:"status"`
		IssueType struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
	} `json:"fields"`
}

// FetchIssue loads issue metadata and wraps it as a jira_issue artifact with
// ref "jira:<KEY>" so plans can cite it in artifactRefs.
func (j *Jira) FetchIssue(ctx context.Context, issueKey string) (contracts.Artifact, error) {
	issueKey = strings.TrimSpace(strings.ToUpper(issueKey))
	if issueKey == "" {
		return contracts.Artifact{}, fmt.Errorf("connector: empty issue key")
	}
	u := fmt.Sprintf("%s/rest/api/2/issue/%s", j.baseURL, url.PathEscape(issueKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("connector: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if j.token != "" {
		req.Header.Set("Authorization", "Bearer "+j.token)
	}

	resp, err := j.client.Do(req)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("connector: fetch %s: %w", issueKey, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return contracts.Artifact{}, fmt.Errorf("connector: fetch %s: status %d", issueKey, resp.StatusCode)
	}

	var issue jiraIssue
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&issue); err != nil {
		return contracts.Artifact{}, fmt.Errorf("connector: decode %s: %w", issueKey, err)
	}

	j.logger.Debug("issue fetched", "key", issueKey, "status", issue.Fields.Status.Name)
	return contracts.Artifact{
		Ref:    "jira:" + issueKey,
		Kind:   KindJiraIssue,
		Source: u,
		Title:  issue.Fields.Summary,
		Fields: map[string]string{
			"status":    issue.Fields.Status.Name,
			"issueType": issue.Fields.IssueType.Name,
			"priority":  issue.Fields.Priority.Name,
		},
		FetchedAt: j.clock().UTC(),
	}, nil
}

// Swagger registers OpenAPI documents as evidence artifacts.
type Swagger struct {
	client *http.Client
	logger *slog.Logger
	clock  func() time.Time
}

// NewSwagger returns a Swagger connector.
func NewSwagger(logger *slog.Logger) *Swagger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Swagger{
		client: &http.Client{Timeout: fetchTimeout},
		logger: logger.With("component", "connector.swagger"),
		clock:  time.Now,
	}
}

// WithClock overrides the timestamp source. Tests pin it.
func (s *Swagger) WithClock(clock func() time.Time) *Swagger {
	s.clock = clock
	return s
}

type swaggerDoc struct {
	OpenAPI string `json:"openapi"`
	Swagger string `json:"swagger"`
	Info    struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"info"`
	Paths map[string]json.RawMessage `json:"paths"`
}

// RegisterRef fetches the document, verifies it parses as OpenAPI, and wraps
// it as an api_spec artifact with ref "swagger:<url>".
func (s *Swagger) RegisterRef(ctx context.Context, ref string) (contracts.Artifact, error) {
	ref = strings.TrimSpace(ref)
	parsed, err := url.Parse(ref)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return contracts.Artifact{}, fmt.Errorf("connector: %q is not an absolute URL", ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("connector: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return contracts.Artifact{}, fmt.Errorf("connector: fetch spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return contracts.Artifact{}, fmt.Errorf("connector: fetch spec: status %d", resp.StatusCode)
	}

	var doc swaggerDoc
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&doc); err != nil {
		return contracts.Artifact{}, fmt.Errorf("connector: decode spec: %w", err)
	}
	version := doc.OpenAPI
	if version == "" {
		version = doc.Swagger
	}
	if version == "" {
		return contracts.Artifact{}, fmt.Errorf("connector: %s is not an OpenAPI document", ref)
	}

	s.logger.Debug("api spec registered", "url", ref, "paths", len(doc.Paths))
	return contracts.Artifact{
		Ref:    "swagger:" + ref,
		Kind:   KindAPISpec,
		Source: ref,
		Title:  doc.Info.Title,
		Fields: map[string]string{
			"openapiVersion": version,
			"specVersion":    doc.Info.Version,
			"pathCount":      fmt.Sprintf("%d", len(doc.Paths)),
		},
		FetchedAt: s.clock().UTC(),
	}, nil
}
