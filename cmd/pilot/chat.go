package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"codepilot/internal/types"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Starts a multi-turn conversation with the agent in this workspace.

Commands inside the chat:
  /new      start a fresh session
  /session  print the current session ID
  /index    (re)index the workspace for semantic retrieval
  /quit     exit`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	eng, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer eng.Close()

	renderer := newMarkdownRenderer()
	sessionID := uuid.New().String()

	fmt.Println(promptStyle.Render("codepilot ") + dimStyle.Render(Version))
	fmt.Println(dimStyle.Render("workspace: " + ws))
	fmt.Println(dimStyle.Render("session:   " + sessionID))
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		fmt.Print(promptStyle.Render("> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := handleChatCommand(eng, &sessionID, line)
			if err != nil {
				fmt.Println(errorStyle.Render(err.Error()))
			}
			if done {
				return nil
			}
			continue
		}

		answer, failure, err := runTurn(context.Background(), eng, sessionID, line)
		switch {
		case errors.Is(err, types.ErrSessionBusy):
			fmt.Println(errorStyle.Render("a turn is still running on this session"))
		case err != nil:
			fmt.Println(errorStyle.Render(err.Error()))
		case failure != nil:
			fmt.Println(errorStyle.Render(failure.String()))
		default:
			renderAnswer(renderer, answer)
		}
		fmt.Println()
	}
}

func handleChatCommand(eng *engine, sessionID *string, line string) (done bool, err error) {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		*sessionID = uuid.New().String()
		fmt.Println(dimStyle.Render("session:   " + *sessionID))
		return false, nil
	case "/session":
		fmt.Println(dimStyle.Render(*sessionID))
		return false, nil
	case "/index":
		stats, err := eng.indexer.IndexWorkspace(context.Background())
		if err != nil {
			return false, err
		}
		fmt.Println(dimStyle.Render(fmt.Sprintf(
			"indexed %d files (%d unchanged), %d chunks embedded",
			stats.FilesIndexed, stats.FilesSkipped, stats.ChunksEmbedded)))
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q", line)
	}
}
