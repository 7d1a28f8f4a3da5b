// Package core provides the filesystem tools: reading, writing, editing
// and listing files, all confined to the workspace root.
package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"codepilot/internal/logging"
	"codepilot/internal/tools"
)

// ReadFileTool returns a tool for reading file contents.
func ReadFileTool(workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file in the workspace",
		Schema: tools.ToolSchema{
			Required: []string{"path"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to read, relative to the workspace root",
				},
				"start_line": {
					Type:        "integer",
					Description: "Starting line number (1-indexed, optional)",
				},
				"end_line": {
					Type:        "integer",
					Description: "Ending line number (inclusive, optional)",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeReadFile(workspace, args)
		},
	}
}

func executeReadFile(workspace string, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	abs, err := tools.ResolveInWorkspace(workspace, path)
	if err != nil {
		return "", err
	}

	logging.ToolsDebug("read_file: path=%s", abs)

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	result := string(content)

	startLine, hasStart := intArg(args, "start_line")
	endLine, hasEnd := intArg(args, "end_line")
	if hasStart || hasEnd {
		lines := strings.Split(result, "\n")
		if !hasStart || startLine < 1 {
			startLine = 1
		}
		if !hasEnd || endLine > len(lines) {
			endLine = len(lines)
		}
		if startLine > endLine {
			return "", fmt.Errorf("start_line %d is past end_line %d", startLine, endLine)
		}
		result = strings.Join(lines[startLine-1:endLine], "\n")
	}
	return result, nil
}

// WriteFileTool returns a tool that creates or overwrites a file.
func WriteFileTool(workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "write_file",
		Description: "Write content to a file in the workspace, creating it if needed",
		Mutating:    true,
		Schema: tools.ToolSchema{
			Required: []string{"path", "content"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to write, relative to the workspace root",
				},
				"content": {
					Type:        "string",
					Description: "The full content to write",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeWriteFile(workspace, args)
		},
	}
}

func executeWriteFile(workspace string, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	abs, err := tools.ResolveInWorkspace(workspace, path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	logging.Tools("write_file: %s (%d bytes)", abs, len(content))
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
}

// EditFileTool returns a tool that replaces an exact string in a file.
// The replacement is idempotent under replay: if old_text is already gone
// and new_text present, the edit reports success without touching the file.
func EditFileTool(workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "edit_file",
		Description: "Replace an exact text fragment in a file with new text",
		Mutating:    true,
		Schema: tools.ToolSchema{
			Required: []string{"path", "old_text", "new_text"},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "The file path to edit, relative to the workspace root",
				},
				"old_text": {
					Type:        "string",
					Description: "The exact text to replace; must appear in the file",
				},
				"new_text": {
					Type:        "string",
					Description: "The replacement text",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeEditFile(workspace, args)
		},
	}
}

func executeEditFile(workspace string, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)

	abs, err := tools.ResolveInWorkspace(workspace, path)
	if err != nil {
		return "", err
	}
	if oldText == "" {
		return "", fmt.Errorf("old_text must not be empty")
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	if !strings.Contains(text, oldText) {
		if newText != "" && strings.Contains(text, newText) {
			logging.ToolsDebug("edit_file: edit already applied to %s", abs)
			return fmt.Sprintf("Edit already applied to %s", path), nil
		}
		return "", fmt.Errorf("old_text not found in %s", path)
	}

	updated := strings.Replace(text, oldText, newText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	logging.Tools("edit_file: %s", abs)
	return fmt.Sprintf("Edited %s", path), nil
}

// ListFilesTool returns a tool that lists files under a directory.
func ListFilesTool(workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "list_files",
		Description: "List files under a workspace directory",
		Schema: tools.ToolSchema{
			Required: []string{},
			Properties: map[string]tools.Property{
				"path": {
					Type:        "string",
					Description: "Directory to list, relative to the workspace root (default: root)",
				},
				"recursive": {
					Type:        "boolean",
					Description: "Recurse into subdirectories (default: false)",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeListFiles(workspace, args)
		},
	}
}

func executeListFiles(workspace string, args map[string]any) (string, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	recursive, _ := args["recursive"].(bool)

	abs, err := tools.ResolveInWorkspace(workspace, path)
	if err != nil {
		return "", err
	}

	var names []string
	if recursive {
		err = filepath.WalkDir(abs, func(p string, d os.DirEntry, werr error) error {
			if werr != nil {
				return werr
			}
			if d.IsDir() {
				if skipDir(d.Name()) && p != abs {
					return filepath.SkipDir
				}
				return nil
			}
			rel, rerr := filepath.Rel(workspace, p)
			if rerr != nil {
				return rerr
			}
			names = append(names, rel)
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to walk directory: %w", err)
		}
	} else {
		entries, rerr := os.ReadDir(abs)
		if rerr != nil {
			return "", fmt.Errorf("failed to read directory: %w", rerr)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
	}

	sort.Strings(names)
	logging.ToolsDebug("list_files: %s -> %d entries", abs, len(names))
	return strings.Join(names, "\n"), nil
}

func intArg(args map[string]any, name string) (int, bool) {
	switch v := args[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// skipDir filters directories that never belong in listings or search.
func skipDir(name string) bool {
	switch name {
	case ".git", ".pilot", "node_modules", "vendor":
		return true
	}
	return false
}
