package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"codepilot/internal/types"
)

var askSessionID string

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Run a single turn and print the answer",
	Long: `Runs one agent turn against the workspace and prints the final answer.

The agent may retrieve indexed code, read and edit files, and run commands,
depending on the configured tool allow-list. Use --session to continue an
existing conversation.

Example:
  pilot ask "where is the retry logic for upstream calls?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askSessionID, "session", "", "Session ID to continue (default: a fresh session)")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	eng, err := buildEngine(ws)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sessionID := askSessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}
	question := strings.Join(args, " ")

	answer, failure, err := runTurn(ctx, eng, sessionID, question)
	if err != nil {
		return err
	}
	if failure != nil {
		return fmt.Errorf("turn failed: %s", failure.String())
	}
	renderAnswer(newMarkdownRenderer(), answer)
	fmt.Println(dimStyle.Render("session: " + sessionID))
	return nil
}

// runTurn starts a turn, streams its progress to stdout, and waits for the
// terminal event. SIGINT cancels the turn at its next step boundary.
func runTurn(ctx context.Context, eng *engine, sessionID, input string) (answer string, failure *types.ErrorInfo, err error) {
	turnID, err := eng.manager.StartTurn(ctx, sessionID, input)
	if err != nil {
		return "", nil, err
	}
	logger.Debug("turn started", zap.String("session", sessionID), zap.String("turn", turnID))

	events, ok := eng.manager.Subscribe(sessionID)
	if !ok {
		// The turn finished before we attached; read the persisted record.
		return loadOutcome(eng, sessionID, turnID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			fmt.Println(dimStyle.Render("  cancelling after the current step..."))
			eng.manager.CancelTurn(sessionID, turnID)
		case ev, open := <-events:
			if !open {
				return loadOutcome(eng, sessionID, turnID)
			}
			switch ev.Kind {
			case types.EventDone:
				answer = ev.Payload
			default:
				renderEvent(ev)
			}
		}
	}
}

func loadOutcome(eng *engine, sessionID, turnID string) (string, *types.ErrorInfo, error) {
	sess, err := eng.store.Load(sessionID)
	if err != nil {
		return "", nil, err
	}
	for i := range sess.Turns {
		if sess.Turns[i].ID == turnID {
			return sess.Turns[i].FinalAnswer, sess.Turns[i].Error, nil
		}
	}
	return "", nil, fmt.Errorf("%w: %s", types.ErrTurnNotFound, turnID)
}
