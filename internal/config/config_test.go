package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.75, cfg.Ranking.UserWeight)
	assert.Equal(t, 0.25, cfg.Ranking.ThreadWeight)
	assert.Equal(t, 0.7, cfg.Ranking.Threshold)
	assert.Equal(t, 10, cfg.Pipeline.RecentWindow)
	assert.Equal(t, IndexChromem, cfg.Catalog.Index)
	assert.Equal(t, "sk-test", cfg.Provider.OpenAIAPIKey)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("GEMINI_API_KEY", "g-test")

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
embedding:
  provider: gemini
  model: text-embedding-004
  dimensions: 768
generation:
  provider: gemini
  model: gemini-1.5-flash-latest
ranking:
  user_weight: 0.7
  thread_weight: 0.3
provider:
  timeout: 5s
`), 0o644))

	t.Setenv("RECO_RANKING__THRESHOLD", "0.5")
	t.Setenv("RECO_PIPELINE__RECENT_WINDOW", "6")
	t.Setenv("HTTP_PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderGemini, cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimensions)
	assert.Equal(t, 0.7, cfg.Ranking.UserWeight)
	assert.Equal(t, 0.5, cfg.Ranking.Threshold)
	assert.Equal(t, 6, cfg.Pipeline.RecentWindow)
	assert.Equal(t, 5*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, "9090", cfg.HTTP.Port)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Provider.OpenAIAPIKey = "sk-test"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing key", func(c *Config) { c.Provider.OpenAIAPIKey = "" }},
		{"unknown provider", func(c *Config) { c.Generation.Provider = "ollama" }},
		{"negative weight", func(c *Config) { c.Ranking.UserWeight = -0.1 }},
		{"zero weights", func(c *Config) { c.Ranking.UserWeight, c.Ranking.ThreadWeight = 0, 0 }},
		{"threshold out of range", func(c *Config) { c.Ranking.Threshold = 1.5 }},
		{"bad dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"default over max", func(c *Config) { c.Ranking.DefaultLimit = 100 }},
		{"unknown index", func(c *Config) { c.Catalog.Index = "pgvector" }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
