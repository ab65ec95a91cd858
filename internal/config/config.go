package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/iambrandonn/corch/internal/fsutil"
	"github.com/iambrandonn/corch/internal/protocol"
)

// Config represents the corch.json configuration file
type Config struct {
	Version        string                `json:"version"`
	WorkspaceRoot  string                `json:"workspace_root"`
	AllowList      []string              `json:"allow_list"`
	Executor       Executor              `json:"executor"`
	Council        Council               `json:"council"`
	CircuitBreaker CircuitBreaker        `json:"circuit_breaker"`
	DefaultBudget  protocol.BudgetLimits `json:"default_budget_limits"`
	Tasks          []Task                `json:"tasks"`
}

// Executor contains task scheduling settings
type Executor struct {
	MaxConcurrentTasks            int  `json:"max_concurrent_tasks"`
	MaxIterations                 int  `json:"max_iterations"`
	TaskTimeoutSeconds            int  `json:"task_timeout_seconds"`
	ProgressReportIntervalSeconds int  `json:"progress_report_interval_seconds"`
	EnableAutoRetry               bool `json:"enable_auto_retry"`
	MaxRetryAttempts              int  `json:"max_retry_attempts"`
}

// Council contains consensus workflow settings
type Council struct {
	EnableConsensus         bool `json:"enable_consensus"`
	ConsensusTimeoutSeconds int  `json:"consensus_timeout_seconds"`

	// AutoApprove selects the no-op oracle that approves every plea. It
	// exists for controlled environments and is never the default.
	AutoApprove bool `json:"auto_approve,omitempty"`
}

// CircuitBreaker contains per-provider breaker settings
type CircuitBreaker struct {
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	ResetTimeoutMs   int `json:"reset_timeout_ms"`
	TimeoutMs        int `json:"timeout_ms"`
}

// Task represents a development task to run
type Task struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description"`
	RiskTier    int      `json:"risk_tier"`
	ScopeIn     []string `json:"scope_in"`
	ScopeOut    []string `json:"scope_out,omitempty"`
	Acceptance  []string `json:"acceptance,omitempty"`
	FixturePath string   `json:"fixture,omitempty"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version:       "1.0",
		WorkspaceRoot: ".",
		AllowList:     []string{"src/**", "tests/**", "docs/**"},
		Executor: Executor{
			MaxConcurrentTasks:            4,
			MaxIterations:                 5,
			TaskTimeoutSeconds:            1800,
			ProgressReportIntervalSeconds: 10,
			EnableAutoRetry:               true,
			MaxRetryAttempts:              3,
		},
		Council: Council{
			EnableConsensus:         true,
			ConsensusTimeoutSeconds: 120,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			ResetTimeoutMs:   30000,
			TimeoutMs:        30000,
		},
		DefaultBudget: protocol.BudgetLimits{
			MaxFiles: 10,
			MaxLOC:   500,
		},
		Tasks: []Task{},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Executor.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("configuration error: 'executor.max_concurrent_tasks' must be a positive integer, got %d", c.Executor.MaxConcurrentTasks)
	}

	if c.Executor.MaxIterations <= 0 {
		return fmt.Errorf("configuration error: 'executor.max_iterations' must be a positive integer, got %d", c.Executor.MaxIterations)
	}

	if c.Executor.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("configuration error: 'executor.task_timeout_seconds' must be a positive integer, got %d", c.Executor.TaskTimeoutSeconds)
	}

	if c.Executor.MaxRetryAttempts < 0 {
		return fmt.Errorf("configuration error: 'executor.max_retry_attempts' must not be negative, got %d", c.Executor.MaxRetryAttempts)
	}

	if c.Council.EnableConsensus && c.Council.ConsensusTimeoutSeconds <= 0 {
		return fmt.Errorf("configuration error: 'council.consensus_timeout_seconds' must be a positive integer when consensus is enabled, got %d", c.Council.ConsensusTimeoutSeconds)
	}

	if len(c.AllowList) == 0 {
		return fmt.Errorf("configuration error: 'allow_list' is empty\n\nHint: List the path prefixes the diff applier may write, for example:\n  \"allow_list\": [\"src/**\", \"tests/**\"]")
	}

	if c.DefaultBudget.MaxFiles <= 0 || c.DefaultBudget.MaxLOC <= 0 {
		return fmt.Errorf("configuration error: 'default_budget_limits' must set positive max_files and max_loc")
	}

	for i, task := range c.Tasks {
		if task.Description == "" {
			return fmt.Errorf("configuration error: task %d has no 'description'", i)
		}
		tier := protocol.RiskTier(task.RiskTier)
		if !tier.Valid() {
			return fmt.Errorf("configuration error: task %d has invalid 'risk_tier' %d\n\nHint: Risk tiers are 1 (highest) through 3", i, task.RiskTier)
		}
		if len(task.ScopeIn) == 0 {
			return fmt.Errorf("configuration error: task %d has no 'scope_in' paths", i)
		}
	}

	return nil
}

// LoadFromFile reads and strictly decodes a corch.json file. Unknown keys
// are rejected so a typoed setting fails loudly instead of silently
// falling back to a default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no config at %s\n\nHint: run 'corch init' to create one", path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w\n\nHint: check the field names against 'corch init' output", path, err)
	}

	return &cfg, nil
}

// SaveToFile persists the configuration using the same atomic-write
// pattern as every other corch record, so a crash mid-save never leaves a
// truncated config behind.
func (c *Config) SaveToFile(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to save config to %s: %w", path, err)
	}
	return nil
}
