package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codepilot/internal/logging"
	"codepilot/internal/types"
)

// InvokerConfig carries the isolation limits every invocation runs under.
type InvokerConfig struct {
	// AllowList names the tools the session may call. Empty means none.
	AllowList []string

	// MaxOutputSize caps tool output in bytes; larger output is truncated.
	MaxOutputSize int

	// ExecTimeout bounds a single tool execution.
	ExecTimeout time.Duration
}

// LocalInvoker executes exactly one validated tool call at a time against
// the in-process registry.
type LocalInvoker struct {
	registry *Registry
	cfg      InvokerConfig
	allowed  map[string]bool
}

// NewInvoker builds an invoker over the registry with the given limits.
func NewInvoker(registry *Registry, cfg InvokerConfig) *LocalInvoker {
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = 50_000
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 30 * time.Second
	}
	allowed := make(map[string]bool, len(cfg.AllowList))
	for _, name := range cfg.AllowList {
		allowed[name] = true
	}
	return &LocalInvoker{registry: registry, cfg: cfg, allowed: allowed}
}

// Validate checks a request without executing anything: allow-list first,
// then registration, then argument schema. Callers run this before Invoke
// so a bad request never causes a side effect.
func (iv *LocalInvoker) Validate(req types.ToolRequest) error {
	if !iv.allowed[req.Tool] {
		return fmt.Errorf("%w: %s", ErrToolNotAllowed, req.Tool)
	}
	tool := iv.registry.Get(req.Tool)
	if tool == nil {
		return fmt.Errorf("%w: %s", ErrToolNotFound, req.Tool)
	}
	if err := tool.Schema.ValidateArgs(req.Args); err != nil {
		return fmt.Errorf("tool %s: %w", req.Tool, err)
	}
	return nil
}

// Invoke runs one tool call under the configured limits and returns a
// structured result. Execution that exceeds the time limit is terminated
// and reported as a timeout, never left running.
func (iv *LocalInvoker) Invoke(ctx context.Context, req types.ToolRequest) *types.ToolResult {
	timer := logging.StartTimer(logging.CategoryTools, "Invoke:"+req.Tool)
	defer timer.Stop()

	start := time.Now()
	result := &types.ToolResult{Tool: req.Tool}

	if err := iv.Validate(req); err != nil {
		logging.Tools("Rejected tool call %s: %v", req.Tool, err)
		result.Error = types.NewErrorInfo(types.KindValidation, err)
		result.Duration = time.Since(start)
		return result
	}
	tool := iv.registry.Get(req.Tool)

	execCtx, cancel := context.WithTimeout(ctx, iv.cfg.ExecTimeout)
	defer cancel()

	logging.ToolsDebug("Executing tool: %s args=%v", req.Tool, req.Args)
	output, err := tool.Execute(execCtx, req.Args)
	result.Duration = time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrToolTimeout, iv.cfg.ExecTimeout, err)
		}
		logging.Tools("Tool %s failed after %s: %v", req.Tool, result.Duration, err)
		result.Error = types.NewErrorInfo(types.KindToolExecution, err)
		return result
	}

	if len(output) > iv.cfg.MaxOutputSize {
		logging.ToolsDebug("Truncating %s output: %d > %d bytes", req.Tool, len(output), iv.cfg.MaxOutputSize)
		output = output[:iv.cfg.MaxOutputSize] + "\n[output truncated]"
	}
	result.Output = output

	if tool.Mutating {
		result.Fingerprint = Fingerprint(req)
	}

	logging.ToolsDebug("Tool %s completed in %s (%d bytes)", req.Tool, result.Duration, len(output))
	return result
}

// Definitions returns LLM tool definitions for the intersection of the
// requested names, the allow-list, and the registry.
func (iv *LocalInvoker) Definitions(allowed []string) []types.ToolDefinition {
	var defs []types.ToolDefinition
	for _, name := range allowed {
		if !iv.allowed[name] {
			continue
		}
		tool := iv.registry.Get(name)
		if tool == nil {
			continue
		}
		props := make(map[string]any, len(tool.Schema.Properties))
		for pname, prop := range tool.Schema.Properties {
			props[pname] = prop
		}
		required := tool.Schema.Required
		if required == nil {
			required = []string{}
		}
		defs = append(defs, types.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: map[string]any{
				"type":       "object",
				"properties": props,
				"required":   required,
			},
		})
	}
	return defs
}

// Fingerprint derives a stable identifier for a mutating tool request so a
// resumed turn can recognize a side effect it already applied. Map keys
// are sorted by the JSON encoder, making the digest order-independent.
func Fingerprint(req types.ToolRequest) string {
	args, err := json.Marshal(req.Args)
	if err != nil {
		args = []byte(fmt.Sprintf("%v", req.Args))
	}
	sum := sha256.Sum256(append([]byte(req.Tool+"\x00"), args...))
	return hex.EncodeToString(sum[:])
}
