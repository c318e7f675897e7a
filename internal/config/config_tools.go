package config

import "time"

// ToolsConfig controls the toolexec dispatcher's concurrency, per-call
// timeout, and retry behavior. The approval section is validated on load
// but does not gate tool calls.
type ToolsConfig struct {
	Execution ToolExecutionConfig `yaml:"execution"`
}

// ToolExecutionConfig controls runtime tool execution behavior.
type ToolExecutionConfig struct {
	MaxIterations int            `yaml:"max_iterations"`
	Parallelism   int            `yaml:"parallelism"`
	Timeout       time.Duration  `yaml:"timeout"`
	MaxAttempts   int            `yaml:"max_attempts"`
	RetryBackoff  time.Duration  `yaml:"retry_backoff"`
	MaxToolCalls  int            `yaml:"max_tool_calls"`
	Approval      ApprovalConfig `yaml:"approval"`
}

// ApprovalConfig controls tool approval behavior.
type ApprovalConfig struct {
	// Profile is a pre-configured tool access level.
	// Valid profiles: "coding", "messaging", "readonly", "full", "minimal".
	Profile string `yaml:"profile"`

	// Allowlist contains tools that are always allowed (no approval needed).
	Allowlist []string `yaml:"allowlist"`

	// Denylist contains tools that are always denied.
	Denylist []string `yaml:"denylist"`

	// DefaultDecision when no rule matches: "allowed", "denied", or "pending".
	DefaultDecision string `yaml:"default_decision"`
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg == nil {
		return
	}
	if cfg.Execution.Parallelism == 0 {
		cfg.Execution.Parallelism = 4
	}
	if cfg.Execution.Timeout == 0 {
		cfg.Execution.Timeout = 30 * time.Second
	}
	if cfg.Execution.MaxAttempts == 0 {
		cfg.Execution.MaxAttempts = 1
	}
}
