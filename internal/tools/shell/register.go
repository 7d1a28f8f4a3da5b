package shell

import (
	"codepilot/internal/tools"
)

// RegisterAll registers the shell tools with the given registry.
func RegisterAll(registry *tools.Registry, workspace string) error {
	return registry.Register(RunCommandTool(workspace))
}
