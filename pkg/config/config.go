// Package config defines the service configuration. A single Config value is
// constructed at process start (from file and/or defaults) and passed by
// reference into each component constructor; nothing in the core reads
// configuration ambiently.
package config

import (
	"fmt"
	"time"
)

// Executor type constants.
const (
	ExecutorAuto   = "auto"
	ExecutorDocker = "docker"
	ExecutorLocal  = "local"
)

// LLM provider constants.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
)

// LLMConfig configures the language-model gateway.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	MaxRetries  int     `yaml:"max_retries"`
}

// ResourceLimits bounds a single sandbox execution.
type ResourceLimits struct {
	CPUs   string `yaml:"cpus"`
	Memory string `yaml:"memory"`
	PIDs   int64  `yaml:"pids"`
}

// SandboxConfig configures the execution backends.
type SandboxConfig struct {
	// Type selects the backend: auto, docker, or local.
	Type string `yaml:"type"`
	// Timeout bounds one execution inside the sandbox.
	Timeout time.Duration `yaml:"timeout"`
	// MaxConcurrent caps simultaneous sandbox executions across all tasks.
	MaxConcurrent int            `yaml:"max_concurrent"`
	Limits        ResourceLimits `yaml:"limits"`
	// OutputCap bounds captured stdout/stderr, in bytes.
	OutputCap int `yaml:"output_cap"`
}

// RepoConfig configures repository access and context gathering.
type RepoConfig struct {
	CloneTimeout  time.Duration `yaml:"clone_timeout"`
	MaxReadBytes  int           `yaml:"max_read_bytes"`
	MaxSearchHits int           `yaml:"max_search_hits"`
}

// WorkflowConfig configures the bug-fix pipeline.
type WorkflowConfig struct {
	// MaxAttempts bounds Code→Review→Test cycles per task.
	MaxAttempts int `yaml:"max_attempts"`
	// TaskTimeout bounds one task's total wall-clock time.
	TaskTimeout time.Duration `yaml:"task_timeout"`
	// PromptTruncate bounds prompt/response excerpts recorded in telemetry.
	PromptTruncate int `yaml:"prompt_truncate"`
}

// StoreConfig configures task persistence.
type StoreConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// DispatchConfig configures the worker pool.
type DispatchConfig struct {
	Workers int `yaml:"workers"`
}

// Config is the root configuration record.
type Config struct {
	LLM      LLMConfig      `yaml:"llm"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Repo     RepoConfig     `yaml:"repo"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Store    StoreConfig    `yaml:"store"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:    ProviderAnthropic,
			Model:       "claude-sonnet-4-20250514",
			MaxTokens:   4096,
			Temperature: 0.1,
			MaxRetries:  3,
		},
		Sandbox: SandboxConfig{
			Type:          ExecutorAuto,
			Timeout:       5 * time.Minute,
			MaxConcurrent: 4,
			Limits: ResourceLimits{
				CPUs:   "0.5",
				Memory: "512m",
				PIDs:   256,
			},
			OutputCap: 1000,
		},
		Repo: RepoConfig{
			CloneTimeout:  60 * time.Second,
			MaxReadBytes:  200_000,
			MaxSearchHits: 50,
		},
		Workflow: WorkflowConfig{
			MaxAttempts:    3,
			TaskTimeout:    30 * time.Minute,
			PromptTruncate: 500,
		},
		Store: StoreConfig{
			Path: "fixbot.db",
			TTL:  24 * time.Hour,
		},
		Dispatch: DispatchConfig{
			Workers: 2,
		},
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Sandbox.Type {
	case ExecutorAuto, ExecutorDocker, ExecutorLocal:
	default:
		return fmt.Errorf("unknown sandbox type: %s", c.Sandbox.Type)
	}
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderMock:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	if c.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("workflow max_attempts must be at least 1, got %d", c.Workflow.MaxAttempts)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox max_concurrent must be at least 1, got %d", c.Sandbox.MaxConcurrent)
	}
	if c.Sandbox.OutputCap < 1 {
		return fmt.Errorf("sandbox output_cap must be positive, got %d", c.Sandbox.OutputCap)
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch workers must be at least 1, got %d", c.Dispatch.Workers)
	}
	return nil
}
