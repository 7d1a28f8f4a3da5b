// Package config loads codepilot configuration from YAML with environment
// overrides. A missing config file yields defaults, so the CLI works out of
// the box against a local Ollama.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all codepilot configuration.
// Durations are strings ("30s", "5m") parsed lazily via the *Duration helpers.
type Config struct {
	// Workspace is the project root every file tool is confined to.
	Workspace string `yaml:"workspace"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding engine configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Retrieval pipeline configuration
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Executor budgets
	Executor ExecutorConfig `yaml:"executor"`

	// Tool invoker limits
	Tools ToolsConfig `yaml:"tools"`

	// Store configuration
	Store StoreConfig `yaml:"store"`

	// Indexer configuration
	Indexer IndexerConfig `yaml:"indexer"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the model capability.
type LLMConfig struct {
	Provider string `yaml:"provider"` // openai-compatible endpoint
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
}

// TimeoutDuration parses the LLM call timeout, defaulting to 2 minutes.
func (c LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 2*time.Minute)
}

// EmbeddingConfig configures the embedding capability.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "ollama" or "genai"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// RetrievalConfig configures the context retriever.
type RetrievalConfig struct {
	TopK        int    `yaml:"top_k"`
	TokenBudget int    `yaml:"token_budget"`
	CacheTTL    string `yaml:"cache_ttl"`
}

// CacheTTLDuration parses the retrieval cache TTL, defaulting to 5 minutes.
func (c RetrievalConfig) CacheTTLDuration() time.Duration {
	return parseDuration(c.CacheTTL, 5*time.Minute)
}

// ExecutorConfig bounds a single turn.
type ExecutorConfig struct {
	MaxSteps      int    `yaml:"max_steps"`
	TurnBudget    string `yaml:"turn_budget"`
	ToolRetries   int    `yaml:"tool_retries"`
	UpstreamTries int    `yaml:"upstream_tries"`
	BackoffBase   string `yaml:"backoff_base"`
}

// TurnBudgetDuration parses the per-turn wall clock budget, defaulting to 10 minutes.
func (c ExecutorConfig) TurnBudgetDuration() time.Duration {
	return parseDuration(c.TurnBudget, 10*time.Minute)
}

// BackoffBaseDuration parses the retry backoff base, defaulting to 1 second.
func (c ExecutorConfig) BackoffBaseDuration() time.Duration {
	return parseDuration(c.BackoffBase, time.Second)
}

// ToolsConfig bounds a single tool invocation.
type ToolsConfig struct {
	AllowList     []string `yaml:"allow_list"`
	ExecTimeout   string   `yaml:"exec_timeout"`
	MaxOutputSize int      `yaml:"max_output_size"`
}

// ExecTimeoutDuration parses the tool execution timeout, defaulting to 30 seconds.
func (c ToolsConfig) ExecTimeoutDuration() time.Duration {
	return parseDuration(c.ExecTimeout, 30*time.Second)
}

// StoreConfig configures the SQLite store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// IndexerConfig configures codebase ingestion.
type IndexerConfig struct {
	ChunkSize    int      `yaml:"chunk_size"`
	ChunkOverlap int      `yaml:"chunk_overlap"`
	Extensions   []string `yaml:"extensions"`
	SkipDirs     []string `yaml:"skip_dirs"`
	Workers      int      `yaml:"workers"`
	Watch        bool     `yaml:"watch"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Default returns the baseline configuration rooted at workspace.
func Default(workspace string) *Config {
	return &Config{
		Workspace: workspace,
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o",
			BaseURL:  "https://api.openai.com/v1",
			Timeout:  "120s",
		},
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
		},
		Retrieval: RetrievalConfig{
			TopK:        5,
			TokenBudget: 4000,
			CacheTTL:    "5m",
		},
		Executor: ExecutorConfig{
			MaxSteps:      25,
			TurnBudget:    "10m",
			ToolRetries:   2,
			UpstreamTries: 3,
			BackoffBase:   "1s",
		},
		Tools: ToolsConfig{
			AllowList: []string{
				"read_file", "write_file", "edit_file",
				"list_files", "search_code", "search_codebase", "run_command",
			},
			ExecTimeout:   "30s",
			MaxOutputSize: 50_000,
		},
		Store: StoreConfig{
			DatabasePath: filepath.Join(workspace, ".pilot", "pilot.db"),
		},
		Indexer: IndexerConfig{
			ChunkSize:    1000,
			ChunkOverlap: 100,
			Extensions: []string{
				".go", ".py", ".js", ".ts", ".html", ".css",
				".md", ".txt", ".yml", ".yaml", ".json",
			},
			SkipDirs: []string{
				"node_modules", ".git", "__pycache__", "venv", ".pilot", "vendor",
			},
			Workers: 4,
			Watch:   false,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from path, layering file values over defaults and
// environment overrides over both. A missing file is not an error.
func Load(workspace, path string) (*Config, error) {
	cfg := Default(workspace)

	if path == "" {
		path = filepath.Join(workspace, ".pilot", "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to defaults
	default:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("PILOT_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if url := os.Getenv("PILOT_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if model := os.Getenv("PILOT_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if path := os.Getenv("PILOT_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// Validate checks ranges that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	if c.Workspace == "" {
		return fmt.Errorf("workspace must be set")
	}
	if c.Executor.MaxSteps < 1 {
		return fmt.Errorf("executor.max_steps must be >= 1")
	}
	if c.Executor.UpstreamTries < 1 {
		return fmt.Errorf("executor.upstream_tries must be >= 1")
	}
	if c.Executor.ToolRetries < 0 {
		return fmt.Errorf("executor.tool_retries must be >= 0")
	}
	if c.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval.top_k must be >= 1")
	}
	if c.Retrieval.TokenBudget < 1 {
		return fmt.Errorf("retrieval.token_budget must be >= 1")
	}
	if c.Indexer.ChunkSize < 1 {
		return fmt.Errorf("indexer.chunk_size must be >= 1")
	}
	if c.Indexer.ChunkOverlap >= c.Indexer.ChunkSize {
		return fmt.Errorf("indexer.chunk_overlap must be smaller than chunk_size")
	}
	return nil
}
