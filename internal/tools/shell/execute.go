// Package shell provides the run_command tool.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"codepilot/internal/logging"
	"codepilot/internal/tools"
)

// RunCommandTool returns a tool for executing shell commands. Commands
// always run with the workspace root as working directory; the invoker's
// execution timeout terminates anything that runs too long.
func RunCommandTool(workspace string) *tools.Tool {
	return &tools.Tool{
		Name:        "run_command",
		Description: "Execute a shell command in the workspace and return its output",
		Mutating:    true,
		Schema: tools.ToolSchema{
			Required: []string{"command"},
			Properties: map[string]tools.Property{
				"command": {
					Type:        "string",
					Description: "The command to execute",
				},
			},
		},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeRunCommand(ctx, workspace, args)
		},
	}
}

func executeRunCommand(ctx context.Context, workspace string, args map[string]any) (string, error) {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("command is required")
	}

	logging.Tools("run_command: %s", command)

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr.String()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out: %w", ctx.Err())
	}
	if err != nil {
		return output, fmt.Errorf("command failed: %w", err)
	}
	return output, nil
}
