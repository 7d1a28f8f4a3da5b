package types

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind buckets every failure the engine can surface.
type ErrorKind string

const (
	// KindTransientUpstream covers retryable network/timeout failures on
	// model, embedding, or index calls.
	KindTransientUpstream ErrorKind = "transient_upstream"

	// KindToolExecution means the tool ran and failed. Never auto-retried
	// beyond the configured per-call bound.
	KindToolExecution ErrorKind = "tool_execution"

	// KindValidation marks bad tool arguments or a malformed request.
	// Fatal to the step, reported immediately.
	KindValidation ErrorKind = "validation"

	// KindResourceExceeded marks a step-count or time-budget overrun.
	// Not an error in the usual sense: it triggers a graceful partial response.
	KindResourceExceeded ErrorKind = "resource_exceeded"

	// KindSessionBusy marks a concurrent-turn conflict, surfaced so the
	// caller can retry later.
	KindSessionBusy ErrorKind = "session_busy"

	// KindCancelled marks a cooperative cancellation between steps.
	KindCancelled ErrorKind = "cancelled"

	// KindFatal marks an invariant violation such as checkpoint corruption.
	// Aborts the turn and marks the session failed.
	KindFatal ErrorKind = "fatal"
)

// Sentinel errors shared across packages.
var (
	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrTurnNotFound is returned when a turn ID is unknown.
	ErrTurnNotFound = errors.New("turn not found")

	// ErrSessionBusy is returned when a turn is started while another
	// turn on the same session is in flight.
	ErrSessionBusy = errors.New("session busy: turn already in flight")

	// ErrUnavailable is the uniform failure signal for outbound
	// capabilities (model, embedding, vector index).
	ErrUnavailable = errors.New("upstream capability unavailable")

	// ErrCheckpointCorrupt is returned when a persisted checkpoint
	// cannot be decoded. Fatal to the turn.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrBudgetExceeded is returned when a turn exhausts its step count
	// or wall-clock budget.
	ErrBudgetExceeded = errors.New("turn budget exceeded")
)

// ErrorInfo is the serializable form of a step or turn failure.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorInfo) String() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewErrorInfo captures err under the given kind.
func NewErrorInfo(kind ErrorKind, err error) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}

// KindOf classifies an error into the taxonomy. Unknown errors default
// to tool-execution semantics only when the caller says so; here they
// classify as fatal-free transient detection first, then fall through.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSessionBusy):
		return KindSessionBusy
	case errors.Is(err, ErrBudgetExceeded):
		return KindResourceExceeded
	case errors.Is(err, ErrCheckpointCorrupt):
		return KindFatal
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrUnavailable), errors.Is(err, context.DeadlineExceeded), isNetError(err):
		return KindTransientUpstream
	default:
		return KindToolExecution
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransientUpstream
}

func isNetError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
