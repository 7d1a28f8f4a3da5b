package core

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"codepilot/internal/logging"
	"codepilot/internal/tools"
)

// searchMaxMatches bounds search output regardless of the invoker's byte cap.
const searchMaxMatches = 200

// SearchCodeTool returns a tool that greps workspace files by regex.
func SearchCodeTool(workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "search_code",
		Description: "Search workspace files for a regular expression and return matching lines",
		Schema: tools.ToolSchema{
			Required: []string{"pattern"},
			Properties: map[string]tools.Property{
				"pattern": {
					Type:        "string",
					Description: "Regular expression to search for",
				},
				"path": {
					Type:        "string",
					Description: "Directory to search, relative to the workspace root (default: root)",
				},
				"extension": {
					Type:        "string",
					Description: "Restrict to files with this extension, e.g. \".go\"",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeSearchCode(ctx, workspace, args)
		},
	}
}

func executeSearchCode(ctx context.Context, workspace string, args map[string]any) (string, error) {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return "", fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	root, _ := args["path"].(string)
	if root == "" {
		root = "."
	}
	abs, err := tools.ResolveInWorkspace(workspace, root)
	if err != nil {
		return "", err
	}
	extension, _ := args["extension"].(string)

	logging.ToolsDebug("search_code: pattern=%q root=%s ext=%s", pattern, abs, extension)

	var matches []string
	err = filepath.WalkDir(abs, func(p string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDir(d.Name()) && p != abs {
				return filepath.SkipDir
			}
			return nil
		}
		if extension != "" && filepath.Ext(p) != extension {
			return nil
		}
		if len(matches) >= searchMaxMatches {
			return filepath.SkipAll
		}
		return searchFile(workspace, p, re, &matches)
	})
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}

	if len(matches) == 0 {
		return "No matches found", nil
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= searchMaxMatches {
		out += fmt.Sprintf("\n[stopped after %d matches]", searchMaxMatches)
	}
	return out, nil
}

func searchFile(workspace, path string, re *regexp.Regexp, matches *[]string) error {
	f, err := os.Open(path)
	if err != nil {
		// Unreadable files are skipped, not fatal to the search.
		return nil
	}
	defer f.Close()

	rel, err := filepath.Rel(workspace, path)
	if err != nil {
		rel = path
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if re.MatchString(line) {
			*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
			if len(*matches) >= searchMaxMatches {
				return nil
			}
		}
	}
	// Binary files trip the scanner's token limit; skip them quietly.
	return nil
}
