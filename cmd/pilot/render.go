package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"codepilot/internal/types"
)

var (
	thoughtStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	toolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("205")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// newMarkdownRenderer builds the glamour renderer for final answers, or
// nil when stdout is not a terminal (plain text then).
func newMarkdownRenderer() *glamour.TermRenderer {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return nil
	}
	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	return renderer
}

// renderAnswer prints the final answer as markdown when possible.
func renderAnswer(renderer *glamour.TermRenderer, answer string) {
	if renderer != nil {
		if out, err := renderer.Render(answer); err == nil {
			fmt.Print(out)
			return
		}
	}
	fmt.Println(answer)
}

// renderEvent prints one progress line per non-terminal event. Terminal
// events are handled by the caller.
func renderEvent(ev types.Event) {
	switch ev.Kind {
	case types.EventThought:
		fmt.Println(thoughtStyle.Render("  ∙ " + firstLine(ev.Payload)))
	case types.EventToolCall:
		fmt.Println(toolStyle.Render("  → " + firstLine(ev.Payload)))
	case types.EventToolResult:
		fmt.Println(dimStyle.Render("  ← " + firstLine(ev.Payload)))
	case types.EventPartialAnswer:
		fmt.Println(thoughtStyle.Render("  ∙ drafting answer"))
	case types.EventError:
		fmt.Println(errorStyle.Render("  ✗ " + firstLine(ev.Payload)))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	const max = 120
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
