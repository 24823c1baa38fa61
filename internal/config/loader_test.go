package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.False(t, cfg.Memory.Enabled)
	assert.Equal(t, "openai", cfg.Memory.ReasoningProvider)
	assert.Equal(t, "chromem", cfg.Memory.Store)
	assert.Equal(t, 2000, cfg.Memory.TokenBudget)
	assert.Equal(t, 10*time.Second, cfg.Memory.QueryTimeout.Duration())
	assert.Equal(t, "gpt-4o", cfg.Engine.Model)
	assert.NotEmpty(t, cfg.Storage.RootDir)
	// Memory path defaults under the storage root.
	assert.Equal(t, filepath.Join(cfg.Storage.RootDir, "memory"), cfg.Memory.Path)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	root := t.TempDir()
	path := writeConfigFile(t, `
storage:
  root_dir: `+root+`
memory:
  enabled: true
  reasoning_provider: anthropic
  embedding_dimension: 768
  token_budget: 500
  query_timeout: 5s
engine:
  provider: ollama
  model: llama3
  phase_models:
    write_spec: llama3:70b
review:
  wait_timeout: 30m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, root, cfg.Storage.RootDir)
	assert.True(t, cfg.Memory.Enabled)
	assert.Equal(t, "anthropic", cfg.Memory.ReasoningProvider)
	assert.Equal(t, 768, cfg.Memory.EmbeddingDimension)
	assert.Equal(t, 500, cfg.Memory.TokenBudget)
	assert.Equal(t, 5*time.Second, cfg.Memory.QueryTimeout.Duration())
	assert.Equal(t, "llama3", cfg.Engine.Model)
	assert.Equal(t, "llama3:70b", cfg.Engine.PhaseModels["write_spec"])
	assert.Equal(t, 30*time.Minute, cfg.Review.WaitTimeout.Duration())
	assert.Equal(t, filepath.Join(root, "memory"), cfg.Memory.Path)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
engine:
  model: gpt-4o-mini
`)
	t.Setenv("SPECD_ENGINE_MODEL", "gpt-4o")
	t.Setenv("SPECD_MEMORY_TOKEN_BUDGET", "123")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.Engine.Model)
	assert.Equal(t, 123, cfg.Memory.TokenBudget)
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfigFile(t, "storage: [not: a: mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	path := writeConfigFile(t, `
memory:
  enabled: true
  store: bolt
  embedding_dimension: 1536
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown memory store")
}

func TestValidate_QdrantRequiresEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Memory.Enabled = true
	cfg.Memory.Store = "qdrant"
	require.Error(t, cfg.Validate())

	cfg.Memory.Endpoint = "http://localhost:6333"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_NegativeBudgets(t *testing.T) {
	cfg := Default()
	cfg.Memory.TokenBudget = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Engine.MaxRetries = -1
	assert.Error(t, cfg.Validate())
}
