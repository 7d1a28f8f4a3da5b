// Package types provides shared type definitions used across codepilot packages.
// This package exists to break import cycles between executor, store, and stream.
// Types in this package should be foundational data structures with no complex dependencies.
package types

import (
	"time"
)

// =============================================================================
// SESSION / TURN / STEP DATA MODEL
// =============================================================================

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionSuspended SessionStatus = "suspended"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is one logical conversation. It is owned exclusively by the
// executor for the duration of a turn and persisted between turns.
type Session struct {
	ID        string        `json:"id"`
	Status    SessionStatus `json:"status"`
	Turns     []Turn        `json:"turns"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Turn is one user request and its full agent response cycle.
// A turn is mutated only by the executor running it and becomes
// immutable once it completes.
type Turn struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	UserInput   string     `json:"user_input"`
	Steps       []Step     `json:"steps"`
	FinalAnswer string     `json:"final_answer,omitempty"`
	Error       *ErrorInfo `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepKind identifies the action a step performed.
type StepKind string

const (
	StepPlan      StepKind = "plan"
	StepRetrieve  StepKind = "retrieve"
	StepToolCall  StepKind = "tool_call"
	StepModelCall StepKind = "model_call"
	StepRespond   StepKind = "respond"
)

// Step is one atomic action within a turn. Steps are append-only records;
// corrections appear as new steps, never as mutations.
type Step struct {
	Index     int        `json:"index"`
	Kind      StepKind   `json:"kind"`
	Input     string     `json:"input"`
	Output    string     `json:"output"`
	Timestamp time.Time  `json:"timestamp"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// Checkpoint is a resumable snapshot taken after each step commits.
// A checkpoint is durable before its step's side effects count as done,
// which is what makes resume-without-repeat possible.
type Checkpoint struct {
	TurnID    string    `json:"turn_id"`
	StepIndex int       `json:"step_index"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// RetrievedChunk is a scored snippet of source text returned by retrieval.
// Chunks live only within the turn that requested them unless cached.
type RetrievedChunk struct {
	SourcePath string  `json:"source_path"`
	StartByte  int     `json:"start_byte"`
	EndByte    int     `json:"end_byte"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Language   string  `json:"language,omitempty"`
}

// ChunkFilters restricts a retrieval query.
type ChunkFilters struct {
	PathPrefix string `json:"path_prefix,omitempty"`
	Language   string `json:"language,omitempty"`
}

// =============================================================================
// TOOL INVOCATION
// =============================================================================

// ToolRequest is a validated request to run exactly one tool.
// Ownership transfers to the invoker for the duration of the call.
type ToolRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	Tool     string        `json:"tool"`
	Output   string        `json:"output,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Fingerprint identifies the side effect of a file-mutating tool so a
	// resumed turn can detect "already applied" and skip re-execution.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// IsSuccess reports whether the tool ran without error.
func (r *ToolResult) IsSuccess() bool { return r.Error == nil }

// =============================================================================
// STREAMED EVENTS
// =============================================================================

// EventKind identifies the payload of a streamed event.
type EventKind string

const (
	EventThought       EventKind = "thought"
	EventToolCall      EventKind = "tool_call"
	EventToolResult    EventKind = "tool_result"
	EventPartialAnswer EventKind = "partial_answer"
	EventDone          EventKind = "done"
	EventError         EventKind = "error"
)

// Event is one emission on a turn's stream. StepIndex is strictly
// increasing within a turn, matching the persisted step order.
type Event struct {
	TurnID    string    `json:"turn_id"`
	StepIndex int       `json:"step_index"`
	Kind      EventKind `json:"kind"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}
