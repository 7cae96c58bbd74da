package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/codeqa/pkg/config/provider"
)

func loadConfig(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	p, err := provider.NewFileProvider(path)
	require.NoError(t, err)
	return NewLoader(p).Load(context.Background())
}

func TestLoad_DefaultsApplied(t *testing.T) {
	cfg, err := loadConfig(t, `
llm:
  model: gpt-4o
`)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "chromem", cfg.Retrieval.Backend)
	assert.Equal(t, "localhost", cfg.Retrieval.Qdrant.Host)
	assert.Equal(t, 6334, cfg.Retrieval.Qdrant.Port)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("CODEQA_TEST_MODEL", "gpt-4o-mini")
	t.Setenv("CODEQA_TEST_KEY", "secret")

	cfg, err := loadConfig(t, `
llm:
  model: ${CODEQA_TEST_MODEL}
  api_key: $CODEQA_TEST_KEY
server:
  port: ${CODEQA_TEST_PORT:-9090}
`)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "secret", cfg.LLM.APIKey)
	// Unset variable falls back to the :- default.
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoad_DurationDecoding(t *testing.T) {
	cfg, err := loadConfig(t, `
llm:
  model: gpt-4o
  timeout: 30s
`)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.LLM.Timeout)
}

func TestLoad_ValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing model", `server: {port: 8080}`},
		{"unknown backend", "llm:\n  model: m\nretrieval:\n  backend: solr\n"},
		{"qdrant without collection", "llm:\n  model: m\nretrieval:\n  backend: qdrant\n"},
		{"graph without dsn", "llm:\n  model: m\ngraph:\n  enabled: true\n"},
		{"history without dsn", "llm:\n  model: m\nhistory:\n  enabled: true\n"},
		{"translate without target", "llm:\n  model: m\ntranslate:\n  enabled: true\n"},
		{"auth without jwks", "llm:\n  model: m\nserver:\n  auth:\n    enabled: true\n"},
		{"bad port", "llm:\n  model: m\nserver:\n  port: 99999\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := loadConfig(t, tc.yaml)
			assert.Error(t, err)
		})
	}
}

func TestLoad_UnreadableFile(t *testing.T) {
	p, err := provider.NewFileProvider(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, err = NewLoader(p).Load(context.Background())
	assert.Error(t, err)
}

func TestLoad_ConditionalDefaults(t *testing.T) {
	cfg, err := loadConfig(t, `
llm:
  model: m
history:
  enabled: true
  dsn: file.db
`)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.History.Driver)
}
