package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"codepilot/internal/logging"
	"codepilot/internal/stream"
	"codepilot/internal/tools"
	"codepilot/internal/types"
)

// retrieveContextTool is the synthetic tool the planner uses to request a
// retrieval step. It routes to the retriever, never to the invoker.
const retrieveContextTool = "retrieve_context"

const plannerSystemPrompt = `You are a coding assistant working inside a user's repository.
Decide the single next action that makes progress on the user's request.
Call retrieve_context to look up relevant code, call a tool to inspect or
change files, or reply with plain text when you have enough information to
answer. Prior actions and their results are included below; do not repeat
an action that already succeeded.`

const answerSystemPrompt = `You are a coding assistant. Using the gathered
context and tool results below, write the final answer to the user's
request. Be concrete and reference files by path.`

// Budgets groups the per-turn limits the runner enforces.
type Budgets struct {
	MaxSteps      int
	WallClock     time.Duration
	ToolRetries   int
	UpstreamTries int
	BackoffBase   time.Duration
}

// DefaultBudgets mirrors the configuration defaults.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxSteps:      25,
		WallClock:     10 * time.Minute,
		ToolRetries:   2,
		UpstreamTries: 3,
		BackoffBase:   time.Second,
	}
}

// runnerState is the serializable core of a runner, checkpointed after
// every step and restored on resume.
type runnerState struct {
	State      State             `json:"state"`
	StepIndex  int               `json:"step_index"`
	UserInput  string            `json:"user_input"`
	ContextLog []string          `json:"context_log"`
	Applied    []string          `json:"applied"`
	Failures   map[string]int    `json:"failures"`
	Draft      string            `json:"draft"`
	Answer     string            `json:"answer"`
	Pending    *types.ToolCallIntent `json:"pending,omitempty"`
	Query      *retrieveRequest  `json:"query,omitempty"`
	Failure    *types.ErrorInfo  `json:"failure,omitempty"`
	Forced     bool              `json:"forced"`
}

type retrieveRequest struct {
	Query      string `json:"query"`
	PathPrefix string `json:"path_prefix,omitempty"`
	Language   string `json:"language,omitempty"`
}

// runner drives exactly one turn. It is single-goroutine; only Cancel may
// be called from outside.
type runner struct {
	sessionID string
	turnID    string

	model     types.ModelClient
	retriever types.Retriever
	invoker   types.Invoker
	store     types.SessionStore
	channel   *stream.Channel
	allowed   []string
	budgets   Budgets

	st        runnerState
	applied   map[string]bool
	failures  map[string]int
	cancelled atomic.Bool
	started   time.Time
}

func newRunner(sessionID, turnID, userInput string, deps Deps, budgets Budgets, ch *stream.Channel) *runner {
	return &runner{
		sessionID: sessionID,
		turnID:    turnID,
		model:     deps.Model,
		retriever: deps.Retriever,
		invoker:   deps.Invoker,
		store:     deps.Store,
		channel:   ch,
		allowed:   deps.AllowedTools,
		budgets:   budgets,
		st: runnerState{
			State:     StatePlanning,
			UserInput: userInput,
		},
		applied:  make(map[string]bool),
		failures: make(map[string]int),
	}
}

// restore rebuilds a runner from a checkpoint snapshot.
func (r *runner) restore(cp *types.Checkpoint) error {
	var st runnerState
	if err := json.Unmarshal(cp.State, &st); err != nil {
		return fmt.Errorf("%w: %v", types.ErrCheckpointCorrupt, err)
	}
	if st.StepIndex != cp.StepIndex+1 {
		return fmt.Errorf("%w: snapshot inconsistent with step %d", types.ErrCheckpointCorrupt, cp.StepIndex)
	}
	r.st = st
	r.applied = make(map[string]bool, len(st.Applied))
	for _, fp := range st.Applied {
		r.applied[fp] = true
	}
	r.failures = st.Failures
	if r.failures == nil {
		r.failures = make(map[string]int)
	}
	return nil
}

// Cancel requests cooperative cancellation. It takes effect at the next
// step boundary; a step already dispatched runs to completion.
func (r *runner) Cancel() {
	r.cancelled.Store(true)
}

// Run drives the turn to a terminal state. The returned error reflects
// infrastructure failure only; domain failures finish the turn as FAILED
// with a terminal error event.
func (r *runner) Run(ctx context.Context) error {
	r.started = time.Now()
	logging.Executor("Turn %s starting on session %s (state=%s step=%d)", r.turnID, r.sessionID, r.st.State, r.st.StepIndex)

	for !IsTerminal(r.st.State) {
		// Step boundary: cancellation and budgets are only observed here,
		// never mid-call.
		if r.cancelled.Load() || ctx.Err() != nil {
			if err := r.transition(OutcomeCancel); err != nil {
				return err
			}
			continue
		}
		if r.st.State != StateResponding && r.budgetExhausted() {
			logging.Executor("Turn %s budget exhausted at step %d, forcing partial response", r.turnID, r.st.StepIndex)
			r.st.Forced = true
			if err := r.transition(OutcomeBudget); err != nil {
				return err
			}
			continue
		}

		var outcome Outcome
		var err error
		switch r.st.State {
		case StatePlanning:
			outcome, err = r.stepPlan(ctx)
		case StateRetrieving:
			outcome, err = r.stepRetrieve(ctx)
		case StateToolCalling:
			outcome, err = r.stepTool(ctx)
		case StateModelCalling:
			outcome, err = r.stepModel(ctx)
		case StateResponding:
			outcome, err = r.stepRespond(ctx)
		default:
			err = fmt.Errorf("runner in unknown state %s", r.st.State)
		}
		if err != nil {
			return r.abort(err)
		}
		if err := r.transition(outcome); err != nil {
			return err
		}
	}

	return r.finalize()
}

func (r *runner) transition(outcome Outcome) error {
	next, err := Next(r.st.State, outcome)
	if err != nil {
		// Invariant violation: fatal for the turn, reported, not recovered.
		return r.abort(fmt.Errorf("%w: %v", types.ErrCheckpointCorrupt, err))
	}
	logging.ExecutorDebug("Turn %s: %s --%s--> %s", r.turnID, r.st.State, outcome, next)
	r.st.State = next
	return nil
}

func (r *runner) budgetExhausted() bool {
	return r.st.StepIndex >= r.budgets.MaxSteps || time.Since(r.started) > r.budgets.WallClock
}

// recordStep persists the step, commits the post-step checkpoint, then
// emits the step's event. The checkpoint is durable before the step's
// effects count as done, and it snapshots the machine's position AFTER
// the outcome's transition so a resume continues instead of repeating.
func (r *runner) recordStep(kind types.StepKind, input, output string, stepErr *types.ErrorInfo, eventKind types.EventKind, payload string, outcome Outcome) error {
	idx := r.st.StepIndex
	step := types.Step{
		Index:     idx,
		Kind:      kind,
		Input:     input,
		Output:    output,
		Timestamp: time.Now(),
		Error:     stepErr,
	}
	if err := r.store.AppendStep(r.sessionID, r.turnID, step); err != nil {
		return fmt.Errorf("append step %d: %w", idx, err)
	}
	r.st.StepIndex = idx + 1

	r.st.Applied = r.st.Applied[:0]
	for fp := range r.applied {
		r.st.Applied = append(r.st.Applied, fp)
	}
	r.st.Failures = r.failures

	snap := r.st
	if next, err := Next(r.st.State, outcome); err == nil {
		snap.State = next
	}
	snapshot, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	cp := types.Checkpoint{TurnID: r.turnID, StepIndex: idx, State: snapshot}
	if err := r.store.CommitCheckpoint(r.sessionID, r.turnID, cp); err != nil {
		return fmt.Errorf("commit checkpoint %d: %w", idx, err)
	}

	r.channel.Emit(types.Event{StepIndex: idx, Kind: eventKind, Payload: payload})
	return nil
}

// callModelWithRetry retries transient upstream failures with exponential
// backoff up to the configured bound.
func (r *runner) callModelWithRetry(ctx context.Context, call func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= r.budgets.UpstreamTries; attempt++ {
		if err = call(ctx); err == nil || !types.IsTransient(err) {
			return err
		}
		if attempt == r.budgets.UpstreamTries {
			break
		}
		backoff := r.budgets.BackoffBase * time.Duration(1<<(attempt-1))
		logging.Executor("Transient upstream failure (attempt %d/%d), backing off %s: %v",
			attempt, r.budgets.UpstreamTries, backoff, err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// ============================================================================
// STEPS
// ============================================================================

func (r *runner) stepPlan(ctx context.Context) (Outcome, error) {
	defs := append(r.invoker.Definitions(r.allowed), retrieveDefinition())

	var resp *types.ModelResponse
	err := r.callModelWithRetry(ctx, func(ctx context.Context) error {
		var cerr error
		resp, cerr = r.model.CompleteWithTools(ctx, plannerSystemPrompt, r.buildContext(), defs)
		return cerr
	})
	if err != nil {
		return r.failStep(types.StepPlan, err)
	}

	if len(resp.ToolCalls) > 0 {
		intent := resp.ToolCalls[0]
		decision, _ := json.Marshal(map[string]any{"tool": intent.Name, "args": intent.Input})

		if intent.Name == retrieveContextTool {
			r.st.Query = parseRetrieveRequest(intent.Input)
			if err := r.recordStep(types.StepPlan, r.st.UserInput, string(decision), nil,
				types.EventThought, "retrieving context: "+r.st.Query.Query, OutcomeRetrieve); err != nil {
				return OutcomeFailure, err
			}
			return OutcomeRetrieve, nil
		}

		r.st.Pending = &intent
		if err := r.recordStep(types.StepPlan, r.st.UserInput, string(decision), nil,
			types.EventToolCall, string(decision), OutcomeToolCall); err != nil {
			return OutcomeFailure, err
		}
		return OutcomeToolCall, nil
	}

	r.st.Draft = resp.Text
	if err := r.recordStep(types.StepPlan, r.st.UserInput, resp.Text, nil,
		types.EventThought, resp.Text, OutcomeAnswer); err != nil {
		return OutcomeFailure, err
	}
	return OutcomeAnswer, nil
}

func (r *runner) stepRetrieve(ctx context.Context) (Outcome, error) {
	q := r.st.Query
	if q == nil {
		return r.failStep(types.StepRetrieve, fmt.Errorf("%w: retrieval step without query", types.ErrCheckpointCorrupt))
	}
	filters := types.ChunkFilters{PathPrefix: q.PathPrefix, Language: q.Language}

	var chunks []types.RetrievedChunk
	err := r.callModelWithRetry(ctx, func(ctx context.Context) error {
		var cerr error
		chunks, cerr = r.retriever.Retrieve(ctx, q.Query, 0, filters)
		return cerr
	})
	if err != nil {
		return r.failStep(types.StepRetrieve, err)
	}

	for _, c := range chunks {
		r.st.ContextLog = append(r.st.ContextLog,
			fmt.Sprintf("[%s bytes %d-%d]\n%s", c.SourcePath, c.StartByte, c.EndByte, c.Text))
	}
	r.st.Query = nil

	summary := fmt.Sprintf("retrieved %d chunks for %q", len(chunks), q.Query)
	if err := r.recordStep(types.StepRetrieve, q.Query, summary, nil, types.EventThought, summary, OutcomeAdvance); err != nil {
		return OutcomeFailure, err
	}
	return OutcomeAdvance, nil
}

func (r *runner) stepTool(ctx context.Context) (Outcome, error) {
	intent := r.st.Pending
	if intent == nil {
		return r.failStep(types.StepToolCall, fmt.Errorf("%w: tool step without pending call", types.ErrCheckpointCorrupt))
	}
	r.st.Pending = nil
	req := types.ToolRequest{Tool: intent.Name, Args: intent.Input}
	input, _ := json.Marshal(req)
	fp := tools.Fingerprint(req)

	// Replay after crash recovery: the side effect is already applied.
	if r.applied[fp] {
		out := fmt.Sprintf("%s already applied, skipped on replay", req.Tool)
		r.st.ContextLog = append(r.st.ContextLog, out)
		if err := r.recordStep(types.StepToolCall, string(input), out, nil, types.EventToolResult, out, OutcomeAdvance); err != nil {
			return OutcomeFailure, err
		}
		return OutcomeAdvance, nil
	}

	// Retry bound: identical failed calls are not dispatched again.
	if r.failures[fp] > r.budgets.ToolRetries {
		msg := fmt.Sprintf("%s rejected: retry limit (%d) reached for this call", req.Tool, r.budgets.ToolRetries)
		stepErr := &types.ErrorInfo{Kind: types.KindToolExecution, Message: msg}
		r.st.ContextLog = append(r.st.ContextLog, msg)
		if err := r.recordStep(types.StepToolCall, string(input), "", stepErr, types.EventToolResult, msg, OutcomeAdvance); err != nil {
			return OutcomeFailure, err
		}
		return OutcomeAdvance, nil
	}

	// Validation happens before dispatch; a bad request never reaches the
	// invoker's execution path and causes no side effect.
	if err := r.invoker.Validate(req); err != nil {
		stepErr := types.NewErrorInfo(types.KindValidation, err)
		r.st.ContextLog = append(r.st.ContextLog, fmt.Sprintf("%s rejected: %v", req.Tool, err))
		if rerr := r.recordStep(types.StepToolCall, string(input), "", stepErr, types.EventToolResult, stepErr.String(), OutcomeAdvance); rerr != nil {
			return OutcomeFailure, rerr
		}
		return OutcomeAdvance, nil
	}

	res := r.invoker.Invoke(ctx, req)
	if res.Error != nil {
		r.failures[fp]++
		r.st.ContextLog = append(r.st.ContextLog, fmt.Sprintf("%s failed: %s", req.Tool, res.Error.Message))
		if err := r.recordStep(types.StepToolCall, string(input), res.Output, res.Error, types.EventToolResult, res.Error.String(), OutcomeAdvance); err != nil {
			return OutcomeFailure, err
		}
		return OutcomeAdvance, nil
	}

	if res.Fingerprint != "" {
		r.applied[res.Fingerprint] = true
	}
	r.st.ContextLog = append(r.st.ContextLog, fmt.Sprintf("%s output:\n%s", req.Tool, res.Output))
	if err := r.recordStep(types.StepToolCall, string(input), res.Output, nil, types.EventToolResult, res.Output, OutcomeAdvance); err != nil {
		return OutcomeFailure, err
	}
	return OutcomeAdvance, nil
}

func (r *runner) stepModel(ctx context.Context) (Outcome, error) {
	var text string
	err := r.callModelWithRetry(ctx, func(ctx context.Context) error {
		var cerr error
		text, cerr = r.model.CompleteWithSystem(ctx, answerSystemPrompt, r.buildContext())
		return cerr
	})
	if err != nil {
		return r.failStep(types.StepModelCall, err)
	}

	r.st.Answer = text
	if err := r.recordStep(types.StepModelCall, r.st.Draft, text, nil, types.EventPartialAnswer, text, OutcomeAdvance); err != nil {
		return OutcomeFailure, err
	}
	return OutcomeAdvance, nil
}

func (r *runner) stepRespond(ctx context.Context) (Outcome, error) {
	if r.st.Answer == "" {
		r.st.Answer = r.partialAnswer()
	}
	if err := r.recordStep(types.StepRespond, "", r.st.Answer, nil, types.EventDone, r.st.Answer, OutcomeFinished); err != nil {
		return OutcomeFailure, err
	}
	return OutcomeFinished, nil
}

// failStep records a terminal error step and routes the machine to FAILED.
func (r *runner) failStep(kind types.StepKind, err error) (Outcome, error) {
	info := types.NewErrorInfo(types.KindOf(err), err)
	r.st.Failure = info
	logging.Get(logging.CategoryExecutor).Error("Turn %s step %d (%s) failed: %v", r.turnID, r.st.StepIndex, kind, err)
	if rerr := r.recordStep(kind, "", "", info, types.EventError, info.String(), OutcomeFailure); rerr != nil {
		return OutcomeFailure, rerr
	}
	return OutcomeFailure, nil
}

// partialAnswer assembles a best-effort response when the budget ran out
// before a model-generated answer existed.
func (r *runner) partialAnswer() string {
	var b strings.Builder
	b.WriteString("I ran out of budget before completing this request.\n")
	if r.st.Draft != "" {
		b.WriteString("\nLast plan:\n")
		b.WriteString(r.st.Draft)
		b.WriteString("\n")
	}
	if len(r.st.ContextLog) > 0 {
		b.WriteString("\nProgress so far:\n")
		for _, entry := range r.st.ContextLog {
			line := entry
			if idx := strings.IndexByte(line, '\n'); idx > 0 {
				line = line[:idx]
			}
			b.WriteString("- " + line + "\n")
		}
	}
	return b.String()
}

func (r *runner) buildContext() string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(r.st.UserInput)
	if len(r.st.ContextLog) > 0 {
		b.WriteString("\n\nGathered context and results:\n")
		for _, entry := range r.st.ContextLog {
			b.WriteString(entry)
			b.WriteString("\n---\n")
		}
	}
	return b.String()
}

// finalize commits the turn record for the terminal state and flushes the
// stream.
func (r *runner) finalize() error {
	defer r.channel.Close()

	switch r.st.State {
	case StateDone:
		logging.Executor("Turn %s done (%d steps)", r.turnID, r.st.StepIndex)
		return r.store.CompleteTurn(r.sessionID, r.turnID, r.st.Answer, nil)
	case StateCancelled:
		info := &types.ErrorInfo{Kind: types.KindCancelled, Message: "turn cancelled"}
		r.channel.Emit(types.Event{StepIndex: r.st.StepIndex, Kind: types.EventError, Payload: info.String()})
		logging.Executor("Turn %s cancelled at step %d", r.turnID, r.st.StepIndex)
		return r.store.CompleteTurn(r.sessionID, r.turnID, "", info)
	default: // StateFailed
		info := r.st.Failure
		if info == nil {
			info = &types.ErrorInfo{Kind: types.KindFatal, Message: "turn failed"}
		}
		logging.Executor("Turn %s failed: %s", r.turnID, info.String())
		return r.store.CompleteTurn(r.sessionID, r.turnID, "", info)
	}
}

// abort handles infrastructure failure (store writes, invariant breaks):
// the turn ends FAILED and the error also returns to the caller.
func (r *runner) abort(err error) error {
	kind := types.KindOf(err)
	if kind != types.KindCancelled {
		kind = types.KindFatal
	}
	r.st.Failure = &types.ErrorInfo{Kind: kind, Message: err.Error()}
	r.channel.Emit(types.Event{StepIndex: r.st.StepIndex, Kind: types.EventError, Payload: r.st.Failure.String()})
	r.channel.Close()
	if cerr := r.store.CompleteTurn(r.sessionID, r.turnID, "", r.st.Failure); cerr != nil {
		logging.Get(logging.CategoryExecutor).Error("Turn %s: failed to record abort: %v", r.turnID, cerr)
	}
	logging.Get(logging.CategoryExecutor).Error("Turn %s aborted: %v", r.turnID, err)
	return err
}

func retrieveDefinition() types.ToolDefinition {
	return types.ToolDefinition{
		Name:        retrieveContextTool,
		Description: "Look up the most relevant source code for a natural-language query",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":       map[string]any{"type": "string", "description": "What to search the codebase for"},
				"path_prefix": map[string]any{"type": "string", "description": "Restrict results to this path prefix"},
				"language":    map[string]any{"type": "string", "description": "Restrict results to this language"},
			},
			"required": []string{"query"},
		},
	}
}

func parseRetrieveRequest(args map[string]any) *retrieveRequest {
	req := &retrieveRequest{}
	if q, ok := args["query"].(string); ok {
		req.Query = q
	}
	if p, ok := args["path_prefix"].(string); ok {
		req.PathPrefix = p
	}
	if l, ok := args["language"].(string); ok {
		req.Language = l
	}
	return req
}
