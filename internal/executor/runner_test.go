package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"codepilot/internal/store"
	"codepilot/internal/stream"
	"codepilot/internal/tools"
	"codepilot/internal/types"
)

// ============================================================================
// STUBS
// ============================================================================

type planResult struct {
	resp *types.ModelResponse
	err  error
}

func planText(s string) planResult {
	return planResult{resp: &types.ModelResponse{Text: s, StopReason: "end_turn"}}
}

func planTool(name string, args map[string]any) planResult {
	return planResult{resp: &types.ModelResponse{
		ToolCalls:  []types.ToolCallIntent{{ID: "call-1", Name: name, Input: args}},
		StopReason: "tool_use",
	}}
}

func planErr(err error) planResult { return planResult{err: err} }

// scriptedModel returns its scripted plans in order; the last entry repeats
// once the script is exhausted. CompleteWithSystem returns the fixed answer.
type scriptedModel struct {
	mu          sync.Mutex
	plans       []planResult
	next        int
	answer      string
	answerErr   error
	planCalls   int
	answerCalls int

	// gate, when set, blocks each CompleteWithTools call until a value is
	// sent. Used to hold a turn mid-step.
	gate chan struct{}
}

func (m *scriptedModel) Complete(_ context.Context, _ string) (string, error) {
	return m.answer, m.answerErr
}

func (m *scriptedModel) CompleteWithSystem(_ context.Context, _, _ string) (string, error) {
	m.mu.Lock()
	m.answerCalls++
	m.mu.Unlock()
	return m.answer, m.answerErr
}

func (m *scriptedModel) CompleteWithTools(_ context.Context, _, _ string, _ []types.ToolDefinition) (*types.ModelResponse, error) {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planCalls++
	if len(m.plans) == 0 {
		return &types.ModelResponse{Text: "done", StopReason: "end_turn"}, nil
	}
	p := m.plans[m.next]
	if m.next < len(m.plans)-1 {
		m.next++
	}
	return p.resp, p.err
}

type fakeRetriever struct {
	mu     sync.Mutex
	chunks []types.RetrievedChunk
	err    error
	calls  int
}

func (f *fakeRetriever) Retrieve(_ context.Context, _ string, _ int, _ types.ChunkFilters) ([]types.RetrievedChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.chunks, nil
}

// spyInvoker counts Invoke calls so tests can assert that rejected
// requests never reach execution.
type spyInvoker struct {
	types.Invoker
	invokes atomic.Int64
}

func (s *spyInvoker) Invoke(ctx context.Context, req types.ToolRequest) *types.ToolResult {
	s.invokes.Add(1)
	return s.Invoker.Invoke(ctx, req)
}

// ============================================================================
// HARNESS
// ============================================================================

type harness struct {
	store *store.LocalStore
	model *scriptedModel
	retr  *fakeRetriever
	inv   *spyInvoker
	echos atomic.Int64
	deps  Deps
}

func newHarness(t *testing.T, model *scriptedModel) *harness {
	t.Helper()
	st, err := store.NewLocalStore(filepath.Join(t.TempDir(), "pilot.db"))
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{store: st, model: model, retr: &fakeRetriever{}}

	registry := tools.NewRegistry()
	registry.MustRegister(&tools.Tool{
		Name:        "echo",
		Description: "Echo the given text",
		Schema: tools.ToolSchema{
			Required:   []string{"text"},
			Properties: map[string]tools.Property{"text": {Type: "string"}},
		},
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			h.echos.Add(1)
			return "echo: " + args["text"].(string), nil
		},
	})
	registry.MustRegister(&tools.Tool{
		Name:        "mark",
		Description: "Record the given tag",
		Mutating:    true,
		Schema: tools.ToolSchema{
			Required:   []string{"tag"},
			Properties: map[string]tools.Property{"tag": {Type: "string"}},
		},
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			h.echos.Add(1)
			return "marked " + args["tag"].(string), nil
		},
	})

	h.inv = &spyInvoker{Invoker: tools.NewInvoker(registry, tools.InvokerConfig{
		AllowList: []string{"echo", "mark"},
	})}
	h.deps = Deps{
		Model:        model,
		Retriever:    h.retr,
		Invoker:      h.inv,
		Store:        st,
		AllowedTools: []string{"echo", "mark"},
	}
	return h
}

func testBudgets() Budgets {
	b := DefaultBudgets()
	b.BackoffBase = time.Millisecond
	return b
}

// runTurn drives one turn synchronously and returns the streamed events
// and the persisted turn record.
func (h *harness) runTurn(t *testing.T, budgets Budgets, sessionID, input string) ([]types.Event, *types.Turn) {
	t.Helper()
	if _, err := h.store.Load(sessionID); errors.Is(err, types.ErrSessionNotFound) {
		if _, err := h.store.CreateSession(sessionID); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	turnID := uuid.New().String()
	turn := &types.Turn{ID: turnID, SessionID: sessionID, UserInput: input, StartedAt: time.Now()}
	if err := h.store.BeginTurn(sessionID, turn); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	ch := stream.NewChannel(turnID)
	r := newRunner(sessionID, turnID, input, h.deps, budgets, ch)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var events []types.Event
	for ev := range ch.Subscribe() {
		events = append(events, ev)
	}
	return events, h.loadTurn(t, sessionID, turnID)
}

func (h *harness) loadTurn(t *testing.T, sessionID, turnID string) *types.Turn {
	t.Helper()
	sess, err := h.store.Load(sessionID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	for i := range sess.Turns {
		if sess.Turns[i].ID == turnID {
			return &sess.Turns[i]
		}
	}
	t.Fatalf("turn %s not found in session %s", turnID, sessionID)
	return nil
}

func assertOrdered(t *testing.T, events []types.Event, steps []types.Step) {
	t.Helper()
	for i, ev := range events {
		if ev.StepIndex != i {
			t.Errorf("event %d has step index %d, want %d", i, ev.StepIndex, i)
		}
	}
	for i, st := range steps {
		if st.Index != i {
			t.Errorf("step %d has index %d, want %d", i, st.Index, i)
		}
	}
}

// ============================================================================
// TESTS
// ============================================================================

func TestTurnDirectAnswer(t *testing.T) {
	model := &scriptedModel{
		plans:  []planResult{planText("the answer is in main.go")},
		answer: "Look at main.go line 10.",
	}
	h := newHarness(t, model)

	events, turn := h.runTurn(t, testBudgets(), "s1", "where is the entry point?")

	if turn.FinalAnswer != "Look at main.go line 10." {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}
	if turn.CompletedAt == nil {
		t.Error("turn not marked complete")
	}
	if turn.Error != nil {
		t.Errorf("unexpected turn error: %v", turn.Error)
	}

	wantKinds := []types.StepKind{types.StepPlan, types.StepModelCall, types.StepRespond}
	if len(turn.Steps) != len(wantKinds) {
		t.Fatalf("got %d steps, want %d", len(turn.Steps), len(wantKinds))
	}
	for i, k := range wantKinds {
		if turn.Steps[i].Kind != k {
			t.Errorf("step %d kind = %s, want %s", i, turn.Steps[i].Kind, k)
		}
	}
	if len(events) != 3 || events[2].Kind != types.EventDone {
		t.Fatalf("events = %+v", events)
	}
	assertOrdered(t, events, turn.Steps)
}

func TestTurnRetrievalAndToolSequence(t *testing.T) {
	model := &scriptedModel{
		plans: []planResult{
			planTool(retrieveContextTool, map[string]any{"query": "http handler"}),
			planTool("echo", map[string]any{"text": "hi"}),
			planText("enough context"),
		},
		answer: "The handler lives in server.go.",
	}
	h := newHarness(t, model)
	h.retr.chunks = []types.RetrievedChunk{
		{SourcePath: "server.go", StartByte: 0, EndByte: 40, Text: "func handler() {}", Score: 0.9},
	}

	events, turn := h.runTurn(t, testBudgets(), "s1", "how does the handler work?")

	wantKinds := []types.StepKind{
		types.StepPlan, types.StepRetrieve,
		types.StepPlan, types.StepToolCall,
		types.StepPlan, types.StepModelCall, types.StepRespond,
	}
	if len(turn.Steps) != len(wantKinds) {
		t.Fatalf("got %d steps, want %d: %+v", len(turn.Steps), len(wantKinds), turn.Steps)
	}
	for i, k := range wantKinds {
		if turn.Steps[i].Kind != k {
			t.Errorf("step %d kind = %s, want %s", i, turn.Steps[i].Kind, k)
		}
	}

	wantEvents := []types.EventKind{
		types.EventThought, types.EventThought,
		types.EventToolCall, types.EventToolResult,
		types.EventThought, types.EventPartialAnswer, types.EventDone,
	}
	if len(events) != len(wantEvents) {
		t.Fatalf("got %d events, want %d", len(events), len(wantEvents))
	}
	for i, k := range wantEvents {
		if events[i].Kind != k {
			t.Errorf("event %d kind = %s, want %s", i, events[i].Kind, k)
		}
	}
	assertOrdered(t, events, turn.Steps)

	if h.retr.calls != 1 {
		t.Errorf("retriever called %d times, want 1", h.retr.calls)
	}
	if got := h.inv.invokes.Load(); got != 1 {
		t.Errorf("invoker called %d times, want 1", got)
	}
	if !strings.Contains(events[3].Payload, "echo: hi") {
		t.Errorf("tool result payload = %q", events[3].Payload)
	}
	if turn.FinalAnswer != "The handler lives in server.go." {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}
}

func TestBudgetForcesPartialAnswer(t *testing.T) {
	// The planner always wants another tool call; the step budget must cut
	// the loop and force a non-error partial response.
	model := &scriptedModel{
		plans:  []planResult{planTool("echo", map[string]any{"text": "again"})},
		answer: "never used",
	}
	h := newHarness(t, model)

	budgets := testBudgets()
	budgets.MaxSteps = 3
	events, turn := h.runTurn(t, budgets, "s1", "loop forever")

	if turn.Error != nil {
		t.Fatalf("budget exhaustion must not fail the turn: %v", turn.Error)
	}
	if turn.CompletedAt == nil {
		t.Fatal("turn not complete")
	}
	if !strings.Contains(turn.FinalAnswer, "ran out of budget") {
		t.Errorf("final answer = %q, want partial-answer preamble", turn.FinalAnswer)
	}

	last := events[len(events)-1]
	if last.Kind != types.EventDone {
		t.Errorf("terminal event = %s, want %s", last.Kind, types.EventDone)
	}
	if len(turn.Steps) != budgets.MaxSteps+1 {
		t.Errorf("got %d steps, want %d (budget plus forced respond)", len(turn.Steps), budgets.MaxSteps+1)
	}
	// plan(0) tool(1) plan(2) respond(3): exactly one dispatch inside the bound.
	if got := h.inv.invokes.Load(); got != 1 {
		t.Errorf("invoker called %d times past the budget, want 1", got)
	}
	assertOrdered(t, events, turn.Steps)
}

func TestValidationFailureNeverInvokes(t *testing.T) {
	model := &scriptedModel{
		plans: []planResult{
			planTool("echo", map[string]any{"wrong": "field"}),
			planText("fine without it"),
		},
		answer: "done anyway",
	}
	h := newHarness(t, model)

	events, turn := h.runTurn(t, testBudgets(), "s1", "use the tool wrong")

	if got := h.inv.invokes.Load(); got != 0 {
		t.Fatalf("invalid request reached Invoke %d times, want 0", got)
	}
	if turn.Steps[1].Error == nil || turn.Steps[1].Error.Kind != types.KindValidation {
		t.Errorf("step 1 error = %+v, want kind %s", turn.Steps[1].Error, types.KindValidation)
	}
	// The turn recovers: the planner sees the rejection and answers.
	if turn.FinalAnswer != "done anyway" {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}
	if events[len(events)-1].Kind != types.EventDone {
		t.Errorf("terminal event = %s", events[len(events)-1].Kind)
	}
}

func TestToolRetryBound(t *testing.T) {
	failing := fmt.Errorf("disk full")
	model := &scriptedModel{
		plans: []planResult{
			planTool("boom", map[string]any{"n": "1"}),
			planTool("boom", map[string]any{"n": "1"}),
			planTool("boom", map[string]any{"n": "1"}),
			planTool("boom", map[string]any{"n": "1"}),
			planText("giving up on the tool"),
		},
		answer: "could not do it",
	}
	h := newHarness(t, model)

	registry := tools.NewRegistry()
	var executions atomic.Int64
	registry.MustRegister(&tools.Tool{
		Name:        "boom",
		Description: "Always fails",
		Schema: tools.ToolSchema{
			Required:   []string{"n"},
			Properties: map[string]tools.Property{"n": {Type: "string"}},
		},
		Execute: func(_ context.Context, _ map[string]any) (string, error) {
			executions.Add(1)
			return "", failing
		},
	})
	h.inv = &spyInvoker{Invoker: tools.NewInvoker(registry, tools.InvokerConfig{AllowList: []string{"boom"}})}
	h.deps.Invoker = h.inv
	h.deps.AllowedTools = []string{"boom"}

	budgets := testBudgets()
	budgets.ToolRetries = 2
	_, turn := h.runTurn(t, budgets, "s1", "keep trying the broken tool")

	// Initial attempt plus two retries; the fourth identical call is
	// rejected without dispatch.
	if got := executions.Load(); got != 3 {
		t.Errorf("tool executed %d times, want 3", got)
	}
	if turn.Error != nil {
		t.Errorf("tool failures must not fail the turn: %v", turn.Error)
	}
	if turn.FinalAnswer != "could not do it" {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}
	var rejected bool
	for _, st := range turn.Steps {
		if st.Error != nil && strings.Contains(st.Error.Message, "retry limit") {
			rejected = true
		}
	}
	if !rejected {
		t.Error("no step recorded the retry-limit rejection")
	}
}

func TestTransientUpstreamRetries(t *testing.T) {
	transient := fmt.Errorf("model overloaded: %w", types.ErrUnavailable)
	model := &scriptedModel{
		plans: []planResult{
			planErr(transient),
			planErr(transient),
			planText("third time lucky"),
		},
		answer: "recovered",
	}
	h := newHarness(t, model)

	_, turn := h.runTurn(t, testBudgets(), "s1", "flaky upstream")

	if turn.Error != nil {
		t.Fatalf("turn failed despite recovery: %v", turn.Error)
	}
	if turn.FinalAnswer != "recovered" {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}
	if model.planCalls < 3 {
		t.Errorf("planner called %d times, want at least 3", model.planCalls)
	}
}

func TestTransientUpstreamExhaustion(t *testing.T) {
	transient := fmt.Errorf("model overloaded: %w", types.ErrUnavailable)
	model := &scriptedModel{plans: []planResult{planErr(transient)}}
	h := newHarness(t, model)

	budgets := testBudgets()
	budgets.UpstreamTries = 2
	events, turn := h.runTurn(t, budgets, "s1", "upstream is down")

	if turn.Error == nil || turn.Error.Kind != types.KindTransientUpstream {
		t.Fatalf("turn error = %+v, want kind %s", turn.Error, types.KindTransientUpstream)
	}
	if model.planCalls != 2 {
		t.Errorf("planner called %d times, want 2", model.planCalls)
	}
	if events[len(events)-1].Kind != types.EventError {
		t.Errorf("terminal event = %s, want %s", events[len(events)-1].Kind, types.EventError)
	}
	if turn.CompletedAt == nil {
		t.Error("failed turn not marked complete")
	}
}

func TestRetrievalFailureFailsTurn(t *testing.T) {
	model := &scriptedModel{
		plans: []planResult{planTool(retrieveContextTool, map[string]any{"query": "anything"})},
	}
	h := newHarness(t, model)
	h.retr.err = fmt.Errorf("index gone: %w", types.ErrUnavailable)

	_, turn := h.runTurn(t, testBudgets(), "s1", "search for something")

	if turn.Error == nil || turn.Error.Kind != types.KindTransientUpstream {
		t.Fatalf("turn error = %+v, want kind %s", turn.Error, types.KindTransientUpstream)
	}
	if h.retr.calls != testBudgets().UpstreamTries {
		t.Errorf("retriever called %d times, want %d", h.retr.calls, testBudgets().UpstreamTries)
	}
}
