// Package tools provides the tool registry and the invoker that executes
// validated tool calls under isolation limits.
//
// Architecture:
//
//	model tool-call intent → allow-list → schema validation → Tool.Execute
package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Property describes a single parameter property for JSON schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// ToolSchema defines the JSON schema for tool arguments.
// This enables LLM tool calling with proper validation.
type ToolSchema struct {
	// Required lists parameters that must be provided.
	Required []string `json:"required"`

	// Properties describes each parameter.
	Properties map[string]Property `json:"properties"`
}

// ValidateArgs checks args against the schema: required parameters must be
// present, known parameters must match their declared type, and unknown
// parameters are rejected.
func (s *ToolSchema) ValidateArgs(args map[string]any) error {
	for _, name := range s.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingRequiredArg, name)
		}
	}
	for name, value := range args {
		prop, known := s.Properties[name]
		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownArg, name)
		}
		if value == nil {
			continue
		}
		if !matchesType(prop.Type, value) {
			return fmt.Errorf("%w: %s must be %s, got %T", ErrInvalidArgType, name, prop.Type, value)
		}
	}
	return nil
}

// matchesType handles the JSON-decoded representations of each schema type.
// Numbers arrive as float64 from encoding/json but as int from Go callers.
func matchesType(schemaType string, value any) bool {
	switch schemaType {
	case "string":
		_, ok := value.(string)
		return ok
	case "integer", "number":
		switch value.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// ExecuteFunc is the signature for tool execution.
// Returns the result string and any error.
type ExecuteFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool defines one invokable capability. Tools are registered in the
// Registry and dispatched by name against the session allow-list.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does, for LLM tool calling.
	Description string

	// Execute runs the tool with the given arguments.
	Execute ExecuteFunc

	// Schema defines the expected arguments.
	Schema ToolSchema

	// Mutating marks tools whose side effects must be fingerprinted so a
	// resumed turn can detect an already-applied call and skip it.
	Mutating bool
}

// Validate checks if the tool definition is valid.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Execute == nil {
		return ErrToolExecuteNil
	}
	return nil
}

// ResolveInWorkspace resolves a tool-supplied path against the workspace
// root and rejects anything that escapes it. Every file tool goes through
// this before touching the filesystem.
func ResolveInWorkspace(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathEscapesWorkspace)
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, path)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesWorkspace, path)
	}
	return abs, nil
}
