package tools

import "errors"

// Tool registry and invocation errors.
var (
	// ErrToolNotFound is returned when a tool is not registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolNotAllowed is returned when a tool is registered but absent
	// from the session's allow-list.
	ErrToolNotAllowed = errors.New("tool not in allow-list")

	// ErrToolNameEmpty is returned when a tool has no name.
	ErrToolNameEmpty = errors.New("tool name cannot be empty")

	// ErrToolExecuteNil is returned when a tool has no execute function.
	ErrToolExecuteNil = errors.New("tool execute function cannot be nil")

	// ErrToolAlreadyRegistered is returned when registering a duplicate.
	ErrToolAlreadyRegistered = errors.New("tool already registered")

	// ErrMissingRequiredArg is returned when a required argument is missing.
	ErrMissingRequiredArg = errors.New("missing required argument")

	// ErrUnknownArg is returned when an argument is not in the schema.
	ErrUnknownArg = errors.New("unknown argument")

	// ErrInvalidArgType is returned when an argument has the wrong type.
	ErrInvalidArgType = errors.New("invalid argument type")

	// ErrPathEscapesWorkspace is returned when a file tool's path resolves
	// outside the workspace root.
	ErrPathEscapesWorkspace = errors.New("path escapes workspace")

	// ErrToolTimeout is returned when execution exceeds the time limit.
	ErrToolTimeout = errors.New("tool execution timed out")
)
