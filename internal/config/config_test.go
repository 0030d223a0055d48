package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/cardforge/internal/core/guardrail"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Second, cfg.LockTimeout())
	assert.Zero(t, cfg.ScanEvery())
	assert.Equal(t, guardrail.DefaultPolicy(), cfg.Policy())
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[store]
driver = "sqlite"
path = "/tmp/cards.db"

[conflict]
scan_interval = "30m"

[matcher]
max_links = 5

[[guardrail.prohibited_words]]
word = "forever"
category = "legal"
severity = "error"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 30*time.Minute, cfg.ScanEvery())
	assert.Equal(t, 5, cfg.Matcher.MaxLinks)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.3, cfg.Matcher.MinScore)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	p := cfg.Policy()
	require.Len(t, p.ProhibitedWords, 1)
	assert.Equal(t, "forever", p.ProhibitedWords[0].Word)
	assert.NoError(t, guardrail.ValidatePolicy(p))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "[store\ndriver ="))
	assert.ErrorContains(t, err, "failed to parse TOML")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"sqlite without path", func(c *Config) { c.Store.Driver, c.Store.Path = "sqlite", "" }, "store.path"},
		{"inverted thresholds", func(c *Config) { c.Conflict.OverlapThreshold = 0.7 }, "conflict thresholds"},
		{"bad aggregation", func(c *Config) { c.Confidence.Aggregation = "median" }, "confidence.aggregation"},
		{"bad interval", func(c *Config) { c.Conflict.ScanInterval = "soon" }, "conflict.scan_interval"},
		{"negative timeout", func(c *Config) { c.Locks.Timeout = "-1s" }, "locks.timeout"},
		{"judge without provider", func(c *Config) { c.Conflict.UseLLMJudge = true }, "llm.provider"},
		{"zero links", func(c *Config) { c.Matcher.MaxLinks = 0 }, "matcher.max_links"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MEMGRAPH_URI", "bolt://graph:7687")
	t.Setenv("LLM_PROVIDER", "ollama")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("GUARDRAIL_CONFIDENCE_THRESHOLD", "80")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.True(t, cfg.Memgraph.Enabled)
	assert.Equal(t, "bolt://graph:7687", cfg.Memgraph.URI)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 80.0, cfg.Guardrail.ConfidenceThreshold)
}
