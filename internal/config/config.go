// Package config holds the machinist configuration tree, loaded from a
// YAML file with environment overrides applied on top of defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"machinist/internal/tool"
)

// Config holds all machinist configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// LLM collaborator configuration
	LLM LLMConfig `yaml:"llm"`

	// Embedding collaborator configuration
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Sandbox execution settings
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Validation gate settings
	Validation ValidationConfig `yaml:"validation"`

	// Lifecycle / foundry settings
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Registry storage settings
	Registry RegistryConfig `yaml:"registry"`

	// Workflow engine settings
	Workflow WorkflowConfig `yaml:"workflow"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the text-generation collaborator.
type LLMConfig struct {
	Provider string `yaml:"provider"` // ollama, openai
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url"`
	APIKey   string `yaml:"api_key"`
	Timeout  string `yaml:"timeout"`
}

// EmbeddingConfig configures the embedding collaborator.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // ollama, genai, none
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	GenAIModel     string `yaml:"genai_model"`
}

// SandboxConfig configures sandboxed execution.
type SandboxConfig struct {
	// ScratchRoot is where per-invocation scratch directories live.
	// Empty means the OS temp dir.
	ScratchRoot string `yaml:"scratch_root"`

	// MaxConcurrent caps simultaneously running sandbox children.
	// Zero means unlimited.
	MaxConcurrent int `yaml:"max_concurrent"`

	// WallClockFactor and WallClockGrace derive the wall deadline from
	// a policy's CPU ceiling: cpu*factor + grace.
	WallClockFactor int    `yaml:"wall_clock_factor"`
	WallClockGrace  string `yaml:"wall_clock_grace"`

	// Default resource policy applied when a spec does not override it.
	MemoryMB      int64    `yaml:"memory_mb"`
	CPUSeconds    int      `yaml:"cpu_seconds"`
	ScratchFileMB int64    `yaml:"scratch_file_mb"`
	MaxOpenFiles  int      `yaml:"max_open_files"`
	ExtraImports  []string `yaml:"extra_imports"`
}

// ValidationConfig configures the validator phases.
type ValidationConfig struct {
	SkipLint          bool    `yaml:"skip_lint"`
	SkipTests         bool    `yaml:"skip_tests"`
	SkipCoverage      bool    `yaml:"skip_coverage"`
	CoverageThreshold float64 `yaml:"coverage_threshold"`
}

// LifecycleConfig configures the tool lifecycle and foundry.
type LifecycleConfig struct {
	MaxGenerationRetries int `yaml:"max_generation_retries"`
	MaxRepairAttempts    int `yaml:"max_repair_attempts"`
	BatchConcurrency     int `yaml:"batch_concurrency"`

	// AllowedCapabilities is the promotion allow-list a spec's declared
	// capabilities are checked against. Network never appears here.
	AllowedCapabilities []string `yaml:"allowed_capabilities"`
}

// RegistryConfig configures the durable tool store.
type RegistryConfig struct {
	Root        string `yaml:"root"`
	Watch       bool   `yaml:"watch"`
	SearchLimit int    `yaml:"search_limit"`
}

// WorkflowConfig configures the workflow engine.
type WorkflowConfig struct {
	// SearchPath lists directories consulted when a step includes a
	// workflow by reference.
	SearchPath []string `yaml:"search_path"`

	// CacheSize bounds the per-run memo cache for deterministic tools.
	CacheSize int `yaml:"cache_size"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "machinist",
		Version: "0.3.0",

		LLM: LLMConfig{
			Provider: "ollama",
			Model:    "qwen2.5-coder:3b",
			BaseURL:  "http://localhost:11434",
			Timeout:  "120s",
		},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "nomic-embed-text",
			GenAIModel:     "gemini-embedding-001",
		},

		Sandbox: SandboxConfig{
			MaxConcurrent:   4,
			WallClockFactor: 2,
			WallClockGrace:  "5s",
			MemoryMB:        256,
			CPUSeconds:      10,
			ScratchFileMB:   16,
			MaxOpenFiles:    64,
		},

		Validation: ValidationConfig{
			CoverageThreshold: 70.0,
		},

		Lifecycle: LifecycleConfig{
			MaxGenerationRetries: 3,
			MaxRepairAttempts:    1,
			BatchConcurrency:     2,
			AllowedCapabilities:  []string{"pure", "fs_scratch"},
		},

		Registry: RegistryConfig{
			Root:        "registry",
			Watch:       true,
			SearchLimit: 5,
		},

		Workflow: WorkflowConfig{
			SearchPath: []string{"workflows"},
			CacheSize:  256,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file, returning defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if c.LLM.Provider == "ollama" {
			c.LLM.BaseURL = host
		}
		if c.Embedding.Provider == "ollama" {
			c.Embedding.OllamaEndpoint = host
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.LLM.APIKey == "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if root := os.Getenv("MACHINIST_REGISTRY"); root != "" {
		c.Registry.Root = root
	}
	if model := os.Getenv("MACHINIST_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if n := os.Getenv("MACHINIST_SANDBOX_CONCURRENCY"); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v >= 0 {
			c.Sandbox.MaxConcurrent = v
		}
	}
}

// DefaultPolicy returns the sandbox resource policy built from config.
func (c *Config) DefaultPolicy() tool.SecurityPolicy {
	p := tool.DefaultSecurityPolicy()
	if c.Sandbox.MemoryMB > 0 {
		p.MemoryBytes = c.Sandbox.MemoryMB << 20
	}
	if c.Sandbox.CPUSeconds > 0 {
		p.CPUSeconds = c.Sandbox.CPUSeconds
	}
	if c.Sandbox.ScratchFileMB > 0 {
		p.ScratchFileBytes = c.Sandbox.ScratchFileMB << 20
	}
	if c.Sandbox.MaxOpenFiles > 0 {
		p.MaxOpenFiles = c.Sandbox.MaxOpenFiles
	}
	p.AllowedImports = append(p.AllowedImports, c.Sandbox.ExtraImports...)
	return p
}

// GetLLMTimeout returns the LLM call timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetWallClockGrace returns the sandbox wall-clock grace as a duration.
func (c *Config) GetWallClockGrace() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.WallClockGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
