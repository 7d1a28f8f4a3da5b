package core

import (
	"codepilot/internal/tools"
)

// RegisterAll registers the filesystem and search tools with the given
// registry, confined to the workspace root.
func RegisterAll(registry *tools.Registry, workspace string) error {
	allTools := []*tools.Tool{
		ReadFileTool(workspace),
		WriteFileTool(workspace),
		EditFileTool(workspace),
		ListFilesTool(workspace),
		SearchCodeTool(workspace),
	}
	for _, tool := range allTools {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
