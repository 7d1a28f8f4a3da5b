package types

import (
	"context"
)

// ModelClient defines the interface for LLM interactions.
// All calls carry a declared timeout via ctx and fail with ErrUnavailable
// (wrapped) when the upstream cannot be reached.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// CompleteWithTools sends a prompt with tool definitions and returns a
	// response that may carry tool-call intents instead of (or alongside) text.
	CompleteWithTools(ctx context.Context, systemPrompt, userPrompt string, tools []ToolDefinition) (*ModelResponse, error)
}

// ToolDefinition describes a tool the model may invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"` // JSON Schema for parameters
}

// ToolCallIntent is a tool invocation requested by the model.
type ToolCallIntent struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ModelResponse contains both text and tool-call intents from the model.
type ModelResponse struct {
	Text       string           `json:"text"`
	ToolCalls  []ToolCallIntent `json:"tool_calls,omitempty"`
	StopReason string           `json:"stop_reason"` // "end_turn", "tool_use", ...
}

// Invoker executes exactly one validated tool call under isolation limits.
// Validate never causes side effects; a request that fails it must not be
// passed to Invoke.
type Invoker interface {
	Validate(req ToolRequest) error
	Invoke(ctx context.Context, req ToolRequest) *ToolResult
	Definitions(allowed []string) []ToolDefinition
}

// Retriever turns a query into ranked codebase snippets.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, filters ChunkFilters) ([]RetrievedChunk, error)
}

// SessionStore is the durable home for session/turn/checkpoint records.
// It enforces the single-writer-per-session rule.
type SessionStore interface {
	Load(sessionID string) (*Session, error)
	CreateSession(sessionID string) (*Session, error)
	BeginTurn(sessionID string, turn *Turn) error
	ResumeTurn(sessionID, turnID string) error
	AppendStep(sessionID, turnID string, step Step) error
	CommitCheckpoint(sessionID, turnID string, cp Checkpoint) error
	LatestCheckpoint(sessionID, turnID string) (*Checkpoint, error)
	CompleteTurn(sessionID, turnID, finalAnswer string, errInfo *ErrorInfo) error
	ReleaseTurn(sessionID string)
}
