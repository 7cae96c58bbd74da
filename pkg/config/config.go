// Package config defines the process configuration and its loader. Config
// files are YAML with environment variable expansion; see the provider
// subpackage for sources.
package config

import (
	"fmt"
	"time"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Engine    EngineConfig    `yaml:"engine"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Graph     GraphConfig     `yaml:"graph"`
	History   HistoryConfig   `yaml:"history"`
	Translate TranslateConfig `yaml:"translate"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host string     `yaml:"host"`
	Port int        `yaml:"port"`
	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures JWT validation. Disabled means anonymous requests
// with no ACL filters beyond the request scope.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled"`
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// LoggerConfig configures slog output.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PipelinesConfig locates pipeline and prompt files.
type PipelinesConfig struct {
	Dir             string `yaml:"dir"`
	PromptsDir      string `yaml:"prompts_dir"`
	DefaultPipeline string `yaml:"default_pipeline"`
}

// EngineConfig tunes the dispatch loop.
type EngineConfig struct {
	MaxSteps    int  `yaml:"max_steps"`
	InboxStrict bool `yaml:"inbox_strict"`
}

// LLMConfig configures the chat model endpoint.
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbedderConfig configures the embeddings endpoint.
type EmbedderConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// RetrievalConfig selects and configures the retrieval backend.
type RetrievalConfig struct {
	// Backend is "qdrant" or "chromem".
	Backend string        `yaml:"backend"`
	Qdrant  QdrantConfig  `yaml:"qdrant"`
	Chromem ChromemConfig `yaml:"chromem"`
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	EnableTLS  bool   `yaml:"enable_tls"`
	Collection string `yaml:"collection"`
}

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	PersistPath string `yaml:"persist_path"`
	Compress    bool   `yaml:"compress"`
	Collection  string `yaml:"collection"`
}

// GraphConfig configures the SQL dependency-graph provider.
type GraphConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	EdgeTable string `yaml:"edge_table"`
}

// HistoryConfig configures the SQL conversation-history service.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Table   string `yaml:"table"`
}

// TranslateConfig configures the LLM-backed translator.
type TranslateConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TargetLanguage string `yaml:"target_language"`
	PivotLanguage  string `yaml:"pivot_language"`
}

// SetDefaults fills zero fields with usable defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Pipelines.Dir == "" {
		c.Pipelines.Dir = "pipelines"
	}
	if c.Pipelines.PromptsDir == "" {
		c.Pipelines.PromptsDir = "prompts"
	}
	if c.Retrieval.Backend == "" {
		c.Retrieval.Backend = "chromem"
	}
	if c.Retrieval.Qdrant.Host == "" {
		c.Retrieval.Qdrant.Host = "localhost"
	}
	if c.Retrieval.Qdrant.Port == 0 {
		c.Retrieval.Qdrant.Port = 6334
	}
	if c.Graph.Enabled && c.Graph.Driver == "" {
		c.Graph.Driver = "sqlite3"
	}
	if c.History.Enabled && c.History.Driver == "" {
		c.History.Driver = "sqlite3"
	}
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", c.Server.Port)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model: required")
	}
	switch c.Retrieval.Backend {
	case "qdrant":
		if c.Retrieval.Qdrant.Collection == "" {
			return fmt.Errorf("retrieval.qdrant.collection: required")
		}
	case "chromem":
	default:
		return fmt.Errorf("retrieval.backend: unknown backend %q", c.Retrieval.Backend)
	}
	if c.Graph.Enabled && c.Graph.DSN == "" {
		return fmt.Errorf("graph.dsn: required when graph is enabled")
	}
	if c.History.Enabled && c.History.DSN == "" {
		return fmt.Errorf("history.dsn: required when history is enabled")
	}
	if c.Translate.Enabled && c.Translate.TargetLanguage == "" {
		return fmt.Errorf("translate.target_language: required when translation is enabled")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.JWKSURL == "" {
		return fmt.Errorf("server.auth.jwks_url: required when auth is enabled")
	}
	return nil
}
