package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/codeloop/pkg/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "python", cfg.Code.CodeType)
	assert.Equal(t, "pip", cfg.Code.InstallTool)
	assert.Equal(t, "python -W ignore", cfg.Code.RunningCommand)
	assert.Equal(t, 300*time.Second, cfg.Code.Timeout)
	assert.Equal(t, 200, cfg.VectorStore.ChunkSize)
	assert.Equal(t, 20, cfg.VectorStore.ChunkOverlap)
	assert.Equal(t, 10, cfg.VectorStore.TopK)
	assert.Equal(t, 2, cfg.VectorStore.RerankTopN)
	assert.Equal(t, 2, cfg.WebSearch.MaxResults)
	assert.Equal(t, 465, cfg.Mail.Port)
	assert.Equal(t, 3, cfg.Mutual.GlobalSetting.MaxRetry)
	assert.True(t, cfg.Mutual.EnableMutual)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.False(t, cfg.WebEnabled())
	assert.False(t, cfg.MailEnabled())
	assert.NotContains(t, cfg.Store.DBPath, "~")
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
code:
  code_type: go
  running_command: go run
mail:
  host: smtp.example.com
  from: bot@example.com
  to: [dev@example.com]
web_search:
  api_key: tvly-123
mutual:
  enable_mutual: false
  prompt: write fizzbuzz
  global_setting:
    max_retry: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "go", cfg.Code.CodeType)
	assert.Equal(t, "go run", cfg.Code.RunningCommand)
	assert.Equal(t, "pip", cfg.Code.InstallTool)
	assert.Equal(t, 5, cfg.Mutual.GlobalSetting.MaxRetry)
	assert.False(t, cfg.Mutual.EnableMutual)
	assert.Equal(t, "write fizzbuzz", cfg.Mutual.Prompt)
	assert.True(t, cfg.MailEnabled())
	assert.True(t, cfg.WebEnabled())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "llm:\n  model: from-file\n")
	t.Setenv("CODELOOP_LLM__MODEL", "from-env")
	t.Setenv("CODELOOP_VECTOR_STORE__CHUNK_SIZE", "512")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.LLM.Model)
	assert.Equal(t, 512, cfg.VectorStore.ChunkSize)
}

func TestLoad_EnvCommaList(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CODELOOP_MAIL__TO", "a@example.com,b@example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, cfg.Mail.To)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "code: [unterminated\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLoad_SchemaViolation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero retry", "mutual:\n  global_setting:\n    max_retry: 0\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"zero chunk size", "vector_store:\n  chunk_size: 0\n"},
		{"empty run command", "code:\n  running_command: \"\"\n"},
		{"schedule without cron", "schedule:\n  - prompt: hello\n"},
		{"port out of range", "mail:\n  port: 70000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
		})
	}
}

func TestValidate_ReportsIssues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.PoolSize = 0
	cfg.VectorStore.TopK = 0
	err = Validate(cfg)
	require.Error(t, err)

	var le *schema.LoopError
	require.ErrorAs(t, err, &le)
	issues, ok := le.Details["issues"].([]schema.Issue)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(issues), 2)
	assert.Contains(t, err.Error(), "/pool_size")
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	assert.Equal(t, filepath.Join(home, "x", "y"), ExpandHome("~/x/y"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "vector_store.chunk_size", envKey("CODELOOP_VECTOR_STORE__CHUNK_SIZE"))
	assert.Equal(t, "pool_size", envKey("CODELOOP_POOL_SIZE"))
}
