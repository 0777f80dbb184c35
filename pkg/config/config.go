// Package config loads controller configuration: environment variables for
// deployment-level settings, an optional YAML profile for policy knobs.
package config

import "os"

// Config holds controller configuration.
type Config struct {
	DataRoot     string // persisted state root (sessions.db, memory, artifacts)
	WorktreeRoot string // repository worktree the agent operates on
	LogLevel     string
	ProfilePath  string

	// Graph database. Empty URI disables the graph client; proof chains
	// then run entirely on the AST fallback.
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string

	// Connectors. Empty base URL disables the connector.
	JiraBaseURL string
	JiraToken   string

	// Telemetry.
	OTLPEndpoint string
	OTELEnabled  bool
	OTELInsecure bool
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	dataRoot := os.Getenv("GATEHOUSE_DATA_ROOT")
	if dataRoot == "" {
		dataRoot = ".gatehouse"
	}

	worktree := os.Getenv("GATEHOUSE_WORKTREE")
	if worktree == "" {
		worktree = "."
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	otlp := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlp == "" {
		otlp = "localhost:4317"
	}

	return &Config{
		DataRoot:      dataRoot,
		WorktreeRoot:  worktree,
		LogLevel:      logLevel,
		ProfilePath:   os.Getenv("GATEHOUSE_PROFILE"),
		Neo4jURI:      os.Getenv("NEO4J_URI"),
		Neo4jUser:     envDefault("NEO4J_USER", "neo4j"),
		Neo4jPassword: os.Getenv("NEO4J_PASSWORD"),
		JiraBaseURL:   os.Getenv("JIRA_BASE_URL"),
		JiraToken:     os.Getenv("JIRA_TOKEN"),
		OTLPEndpoint:  otlp,
		OTELEnabled:   os.Getenv("OTEL_ENABLED") == "true",
		OTELInsecure:  os.Getenv("OTEL_INSECURE") == "true",
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
