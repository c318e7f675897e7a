// Package toolexec implements the scheduler.ToolExecutor (C11): a concurrency-
// bounded, retrying dispatcher from tool name to a registered handler, with
// JSON Schema argument validation ahead of every call. Grounded on the
// teacher's internal/agent/tool_exec.go (ToolExecConfig, per-call timeout and
// retry loop, ToolRegistry's name/size limits) and pkg/pluginsdk/validation.go
// (compiling and caching a santhosh-tekuri/jsonschema/v5 schema per config).
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentsociety/substrate/internal/substrate/errs"
	"github.com/agentsociety/substrate/internal/substrate/toolgroups"
)

// Tool name/argument limits, mirrored from the teacher's ToolRegistry to
// prevent resource exhaustion from a misbehaving or malicious LLM turn.
const (
	MaxToolNameLength = 256
	MaxToolArgsSize   = 10 << 20
)

// Handler executes one tool call and returns a JSON-serializable result.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Config controls concurrency, per-call timeout, and retry behavior.
type Config struct {
	// Concurrency bounds the number of tool calls executing at once across
	// every agent. Default: 4.
	Concurrency int

	// PerCallTimeout bounds a single handler invocation. Default: 30s.
	PerCallTimeout time.Duration

	// MaxAttempts is the number of tries per call before giving up.
	// Default: 1 (no retry).
	MaxAttempts int

	// RetryBackoff waits between attempts. Zero means retry immediately.
	RetryBackoff time.Duration
}

// DefaultConfig returns the same defaults the teacher's ToolExecConfig uses.
func DefaultConfig() Config {
	return Config{
		Concurrency:    4,
		PerCallTimeout: 30 * time.Second,
		MaxAttempts:    1,
		RetryBackoff:   0,
	}
}

type registeredTool struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Executor implements scheduler.ToolExecutor by dispatching to handlers
// registered by name, validating arguments against the schema the tool
// published in its toolgroups.ToolDefinition.
type Executor struct {
	groups *toolgroups.Registry
	config Config

	sem chan struct{}

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewExecutor constructs an Executor resolving argument schemas against
// groups. Zero-value Config fields fall back to DefaultConfig.
func NewExecutor(groups *toolgroups.Registry, config Config) *Executor {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.PerCallTimeout <= 0 {
		config.PerCallTimeout = 30 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Executor{
		groups: groups,
		config: config,
		sem:    make(chan struct{}, config.Concurrency),
		tools:  make(map[string]*registeredTool),
	}
}

// RegisterHandler binds handler to toolName. If toolName's definition (found
// by searching every tool group) declares a JSON Schema "parameters" object,
// it is compiled once up front so a malformed schema fails at registration
// time rather than on the first call.
func (e *Executor) RegisterHandler(toolName string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("toolexec: nil handler for %q", toolName)
	}

	var schema *jsonschema.Schema
	if def, ok := e.groups.FindToolDefinition(toolName); ok && def.Function.Parameters != nil {
		raw, err := json.Marshal(def.Function.Parameters)
		if err != nil {
			return fmt.Errorf("toolexec: encode schema for %q: %w", toolName, err)
		}
		compiled, err := jsonschema.CompileString(toolName+".schema.json", string(raw))
		if err != nil {
			return fmt.Errorf("toolexec: compile schema for %q: %w", toolName, err)
		}
		schema = compiled
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[toolName] = &registeredTool{handler: handler, schema: schema}
	return nil
}

// UnregisterHandler removes a previously registered handler, if any.
func (e *Executor) UnregisterHandler(toolName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tools, toolName)
}

// ExecuteToolCall implements scheduler.ToolExecutor. It validates args
// against the tool's declared schema, then runs the handler under the
// concurrency semaphore with per-attempt timeout and retry.
func (e *Executor) ExecuteToolCall(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	if len(toolName) > MaxToolNameLength {
		return nil, errs.Wrap(errs.CodeToolExecutionFailed, "tool name exceeds maximum length", fmt.Errorf("name length %d", len(toolName)))
	}
	if len(args) > MaxToolArgsSize {
		return nil, errs.Wrap(errs.CodeToolExecutionFailed, "tool arguments exceed maximum size", fmt.Errorf("args size %d", len(args)))
	}

	e.mu.RLock()
	tool, ok := e.tools[toolName]
	e.mu.RUnlock()
	if !ok {
		return nil, errs.Wrap(errs.CodeToolExecutionFailed, "tool not found: "+toolName, nil)
	}

	if tool.schema != nil {
		if err := validateArgs(tool.schema, args); err != nil {
			return nil, errs.Wrap(errs.CodeToolExecutionFailed, "invalid arguments for "+toolName, err)
		}
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var (
		result json.RawMessage
		lastErr error
	)
	for attempt := 1; attempt <= e.config.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, e.config.PerCallTimeout)
		result, lastErr = e.callWithTimeout(callCtx, tool.handler, args)
		cancel()
		if lastErr == nil {
			return result, nil
		}
		if attempt < e.config.MaxAttempts && e.config.RetryBackoff > 0 {
			select {
			case <-time.After(e.config.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, errs.Wrap(errs.CodeToolExecutionFailed, toolName+" failed after "+fmt.Sprint(e.config.MaxAttempts)+" attempt(s)", lastErr)
}

func (e *Executor) callWithTimeout(ctx context.Context, handler Handler, args json.RawMessage) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := handler(ctx, args)
		select {
		case done <- outcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool execution timed out: %w", ctx.Err())
		}
		return nil, ctx.Err()
	case o := <-done:
		return o.result, o.err
	}
}

func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var decoded any
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}
