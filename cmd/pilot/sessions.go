package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored sessions",
	RunE:  runSessions,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

func init() {
	sessionsCmd.AddCommand(sessionsShowCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	eng, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer eng.Close()

	sessions, err := eng.store.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("no sessions yet")
		return nil
	}
	for _, s := range sessions {
		fmt.Printf("%s  %-10s  updated %s\n", s.ID, s.Status, s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	eng, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer eng.Close()

	sess, err := eng.store.Load(args[0])
	if err != nil {
		return err
	}

	renderer := newMarkdownRenderer()
	for _, turn := range sess.Turns {
		fmt.Println(promptStyle.Render("> " + turn.UserInput))
		for _, step := range turn.Steps {
			line := fmt.Sprintf("  [%d] %s", step.Index, step.Kind)
			if step.Error != nil {
				line += " " + errorStyle.Render(step.Error.String())
			} else if out := firstLine(step.Output); out != "" {
				line += " " + dimStyle.Render(out)
			}
			fmt.Println(line)
		}
		switch {
		case turn.Error != nil:
			fmt.Println(errorStyle.Render(turn.Error.String()))
		case turn.FinalAnswer != "":
			renderAnswer(renderer, turn.FinalAnswer)
		case turn.CompletedAt == nil:
			fmt.Println(dimStyle.Render("turn incomplete"))
		}
		fmt.Println()
	}
	return nil
}
