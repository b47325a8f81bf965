// Package config loads codeloop configuration.
// Layers, lowest to highest: embedded defaults, YAML file, CODELOOP_* env.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the resolved configuration.
type Config struct {
	Log          LogConfig         `koanf:"log" json:"log"`
	LLM          LLMConfig         `koanf:"llm" json:"llm"`
	Embedding    EmbeddingConfig   `koanf:"embedding" json:"embedding"`
	VectorStore  VectorStoreConfig `koanf:"vector_store" json:"vector_store"`
	WebSearch    WebSearchConfig   `koanf:"web_search" json:"web_search"`
	Mail         MailConfig        `koanf:"mail" json:"mail"`
	Code         CodeConfig        `koanf:"code" json:"code"`
	Mutual       MutualConfig      `koanf:"mutual" json:"mutual"`
	Store        StoreConfig       `koanf:"store" json:"store"`
	Schedule     []ScheduleEntry   `koanf:"schedule" json:"schedule"`
	Metrics      MetricsConfig     `koanf:"metrics" json:"metrics"`
	PoolSize     int               `koanf:"pool_size" json:"pool_size"`
	SettingRules []string          `koanf:"setting_rules" json:"setting_rules"`
	Prompts      PromptsConfig     `koanf:"prompts" json:"prompts"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `koanf:"level" json:"level"`
	Format string `koanf:"format" json:"format"`
}

// LLMConfig points at an OpenAI-compatible chat endpoint.
type LLMConfig struct {
	BaseURL     string  `koanf:"base_url" json:"base_url"`
	APIKey      string  `koanf:"api_key" json:"api_key"`
	Model       string  `koanf:"model" json:"model"`
	Temperature float64 `koanf:"temperature" json:"temperature"`
	MaxTokens   int     `koanf:"max_tokens" json:"max_tokens"`
}

// EmbeddingConfig points at an OpenAI-compatible embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string `koanf:"base_url" json:"base_url"`
	APIKey  string `koanf:"api_key" json:"api_key"`
	Model   string `koanf:"model" json:"model"`
}

// VectorStoreConfig configures the knowledge store and ingestion.
type VectorStoreConfig struct {
	Path         string   `koanf:"path" json:"path"`
	Compress     bool     `koanf:"compress" json:"compress"`
	ChunkSize    int      `koanf:"chunk_size" json:"chunk_size"`
	ChunkOverlap int      `koanf:"chunk_overlap" json:"chunk_overlap"`
	TopK         int      `koanf:"top_k" json:"top_k"`
	RerankTopN   int      `koanf:"rerank_top_n" json:"rerank_top_n"`
	Include      []string `koanf:"include" json:"include"`
	Exclude      []string `koanf:"exclude" json:"exclude"`
}

// WebSearchConfig configures Tavily. An empty APIKey disables web search.
type WebSearchConfig struct {
	APIKey     string        `koanf:"api_key" json:"api_key"`
	BaseURL    string        `koanf:"base_url" json:"base_url"`
	MaxResults int           `koanf:"max_results" json:"max_results"`
	Timeout    time.Duration `koanf:"timeout" json:"timeout"`
}

// MailConfig configures report delivery. An empty Host disables mail.
type MailConfig struct {
	Host     string        `koanf:"host" json:"host"`
	Port     int           `koanf:"port" json:"port"`
	Username string        `koanf:"username" json:"username"`
	Password string        `koanf:"password" json:"password"`
	From     string        `koanf:"from" json:"from"`
	To       []string      `koanf:"to" json:"to"`
	SSL      bool          `koanf:"ssl" json:"ssl"`
	Timeout  time.Duration `koanf:"timeout" json:"timeout"`
}

// CodeConfig describes the target language toolchain.
type CodeConfig struct {
	CodeType       string        `koanf:"code_type" json:"code_type"`
	InstallTool    string        `koanf:"install_tool" json:"install_tool"`
	RunningCommand string        `koanf:"running_command" json:"running_command"`
	Timeout        time.Duration `koanf:"timeout" json:"timeout"`
	VerifyExpr     string        `koanf:"verify_expr" json:"verify_expr"`
	PathTimeout    time.Duration `koanf:"path_timeout" json:"path_timeout"`
}

// MutualConfig controls operator interaction. With EnableMutual off every
// question takes its configured answer.
type MutualConfig struct {
	EnableMutual  bool          `koanf:"enable_mutual" json:"enable_mutual"`
	Prompt        string        `koanf:"prompt" json:"prompt"`
	GlobalSetting SettingConfig `koanf:"global_setting" json:"global_setting"`
	Workspace     string        `koanf:"workspace" json:"workspace"`
	FilePaths     []string      `koanf:"file_paths" json:"file_paths"`
}

// SettingConfig seeds the run's global setting.
type SettingConfig struct {
	EnableKnowledge bool   `koanf:"enable_knowledge" json:"enable_knowledge"`
	EnableWeb       bool   `koanf:"enable_web" json:"enable_web"`
	MaxRetry        int    `koanf:"max_retry" json:"max_retry"`
	ProjectPath     string `koanf:"project_path" json:"project_path"`
}

// StoreConfig locates the run history database.
type StoreConfig struct {
	DBPath string `koanf:"db_path" json:"db_path"`
}

// ScheduleEntry is one cron-triggered non-interactive run.
type ScheduleEntry struct {
	Name   string `koanf:"name" json:"name"`
	Cron   string `koanf:"cron" json:"cron"`
	Prompt string `koanf:"prompt" json:"prompt"`
}

// MetricsConfig exposes Prometheus metrics when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr" json:"addr"`
}

// PromptsConfig overrides the built-in prompt templates. Empty keeps the
// built-in text.
type PromptsConfig struct {
	System              string `koanf:"system" json:"system"`
	RequirementAnalysis string `koanf:"requirement_analysis" json:"requirement_analysis"`
	GenCode             string `koanf:"gen_code" json:"gen_code"`
	RegenCode           string `koanf:"regen_code" json:"regen_code"`
}

// Dir returns the codeloop home directory.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeloop"
	}
	return filepath.Join(home, ".codeloop")
}

// DefaultPath is where Load looks when no file is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// WebEnabled reports whether a web search key is configured.
func (c *Config) WebEnabled() bool { return c.WebSearch.APIKey != "" }

// MailEnabled reports whether report mail can be sent.
func (c *Config) MailEnabled() bool { return c.Mail.Host != "" && c.Mail.From != "" && len(c.Mail.To) > 0 }
