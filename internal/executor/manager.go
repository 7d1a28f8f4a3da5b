package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"codepilot/internal/logging"
	"codepilot/internal/stream"
	"codepilot/internal/types"
)

// Deps bundles the collaborators a turn needs. All fields are required
// except AllowedTools, which defaults to every registered tool.
type Deps struct {
	Model        types.ModelClient
	Retriever    types.Retriever
	Invoker      types.Invoker
	Store        types.SessionStore
	AllowedTools []string
}

// Manager owns turn lifecycles: it starts, resumes, cancels, and streams
// turns across sessions. The store's lease keeps each session to a single
// in-flight turn; the manager tracks the live runners for cancellation
// and subscription.
type Manager struct {
	deps    Deps
	budgets Budgets

	mu     sync.Mutex
	active map[string]*activeTurn // keyed by session ID
	wg     sync.WaitGroup
}

type activeTurn struct {
	turnID  string
	runner  *runner
	channel *stream.Channel
	cancel  context.CancelFunc
}

// NewManager wires a manager from its dependencies.
func NewManager(deps Deps, budgets Budgets) *Manager {
	return &Manager{
		deps:    deps,
		budgets: budgets,
		active:  make(map[string]*activeTurn),
	}
}

// StartTurn begins a new turn on the session, creating the session on
// first use. It returns types.ErrSessionBusy while another turn holds
// the session. The turn runs on its own goroutine; follow it with
// Subscribe.
func (m *Manager) StartTurn(ctx context.Context, sessionID, userInput string) (string, error) {
	if _, err := m.deps.Store.Load(sessionID); err != nil {
		if !errors.Is(err, types.ErrSessionNotFound) {
			return "", fmt.Errorf("load session %s: %w", sessionID, err)
		}
		if _, err := m.deps.Store.CreateSession(sessionID); err != nil {
			return "", fmt.Errorf("create session %s: %w", sessionID, err)
		}
	}

	turnID := uuid.New().String()
	turn := &types.Turn{
		ID:        turnID,
		SessionID: sessionID,
		UserInput: userInput,
		StartedAt: time.Now(),
	}
	if err := m.deps.Store.BeginTurn(sessionID, turn); err != nil {
		return "", err
	}

	ch := stream.NewChannel(turnID)
	r := newRunner(sessionID, turnID, userInput, m.deps, m.budgets, ch)
	m.launch(ctx, sessionID, r, ch)
	return turnID, nil
}

// ResumeTurn restarts an interrupted turn from its latest checkpoint.
// Steps already checkpointed are not repeated. A corrupt checkpoint
// fails the turn permanently.
func (m *Manager) ResumeTurn(ctx context.Context, sessionID, turnID string) error {
	if err := m.deps.Store.ResumeTurn(sessionID, turnID); err != nil {
		return err
	}

	cp, err := m.deps.Store.LatestCheckpoint(sessionID, turnID)
	if err != nil && !errors.Is(err, types.ErrTurnNotFound) {
		m.deps.Store.ReleaseTurn(sessionID)
		return fmt.Errorf("load checkpoint for turn %s: %w", turnID, err)
	}

	turn, err := m.findTurn(sessionID, turnID)
	if err != nil {
		m.deps.Store.ReleaseTurn(sessionID)
		return err
	}

	ch := stream.NewChannel(turnID)
	r := newRunner(sessionID, turnID, turn.UserInput, m.deps, m.budgets, ch)
	if cp != nil {
		if err := r.restore(cp); err != nil {
			info := types.NewErrorInfo(types.KindFatal, err)
			ch.Emit(types.Event{StepIndex: cp.StepIndex + 1, Kind: types.EventError, Payload: info.String()})
			ch.Close()
			if cerr := m.deps.Store.CompleteTurn(sessionID, turnID, "", info); cerr != nil {
				logging.Get(logging.CategoryExecutor).Error("Turn %s: failed to record corrupt checkpoint: %v", turnID, cerr)
			}
			return err
		}
		logging.Executor("Resuming turn %s from checkpoint step %d (state=%s)", turnID, cp.StepIndex, r.st.State)
	} else {
		logging.Executor("Resuming turn %s with no checkpoint, restarting from scratch", turnID)
	}

	m.launch(ctx, sessionID, r, ch)
	return nil
}

// launch registers the runner and drives it on its own goroutine. The
// session's active slot is cleared when the turn reaches a terminal
// state.
func (m *Manager) launch(ctx context.Context, sessionID string, r *runner, ch *stream.Channel) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.active[sessionID] = &activeTurn{turnID: r.turnID, runner: r, channel: ch, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := r.Run(runCtx); err != nil {
			logging.Get(logging.CategoryExecutor).Error("Turn %s ended with error: %v", r.turnID, err)
		}
		m.mu.Lock()
		if at, ok := m.active[sessionID]; ok && at.turnID == r.turnID {
			delete(m.active, sessionID)
		}
		m.mu.Unlock()
	}()
}

// CancelTurn requests cancellation of the session's in-flight turn. The
// turn stops at its next step boundary; a step already dispatched runs
// to completion. Cancelling an unknown or finished turn is a no-op.
func (m *Manager) CancelTurn(sessionID, turnID string) {
	m.mu.Lock()
	at, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok || at.turnID != turnID {
		return
	}
	logging.Executor("Cancellation requested for turn %s", turnID)
	at.runner.Cancel()
}

// Subscribe attaches to the session's in-flight turn event stream. The
// returned channel replays all events so far and then follows live; it
// closes when the turn ends. Returns false if no turn is in flight.
func (m *Manager) Subscribe(sessionID string) (<-chan types.Event, bool) {
	m.mu.Lock()
	at, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	return at.channel.Subscribe(), true
}

// Wait blocks until every in-flight turn reaches a terminal state.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown cancels all in-flight turns and waits for them to finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, at := range m.active {
		at.runner.Cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) findTurn(sessionID, turnID string) (*types.Turn, error) {
	sess, err := m.deps.Store.Load(sessionID)
	if err != nil {
		return nil, err
	}
	for i := range sess.Turns {
		if sess.Turns[i].ID == turnID {
			return &sess.Turns[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", types.ErrTurnNotFound, turnID)
}
