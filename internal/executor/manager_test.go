package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"codepilot/internal/stream"
	"codepilot/internal/types"
)

// gatedModel blocks every planner call until the gate releases, and
// signals on entered when a call is in flight.
type gatedModel struct {
	scriptedModel
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedModel(plans []planResult, answer string) *gatedModel {
	return &gatedModel{
		scriptedModel: scriptedModel{plans: plans, answer: answer},
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (m *gatedModel) CompleteWithTools(ctx context.Context, system, user string, defs []types.ToolDefinition) (*types.ModelResponse, error) {
	m.once.Do(func() { close(m.entered) })
	<-m.release
	return m.scriptedModel.CompleteWithTools(ctx, system, user, defs)
}

func drain(ch <-chan types.Event) []types.Event {
	var events []types.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

// checkLeaks ignores the database/sql pool goroutines, which live until
// the store closes in t.Cleanup.
func checkLeaks(t *testing.T) {
	t.Helper()
	goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionCleaner"),
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

func TestManagerSessionBusy(t *testing.T) {
	defer checkLeaks(t)

	model := newGatedModel([]planResult{planText("thinking")}, "first answer")
	h := newHarness(t, &model.scriptedModel)
	h.deps.Model = model
	man := NewManager(h.deps, testBudgets())

	ctx := context.Background()
	turnID, err := man.StartTurn(ctx, "s1", "first request")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	if _, err := man.StartTurn(ctx, "s1", "second request"); !errors.Is(err, types.ErrSessionBusy) {
		t.Fatalf("concurrent StartTurn error = %v, want %v", err, types.ErrSessionBusy)
	}

	// A different session is not affected by s1's lease.
	model2 := &scriptedModel{plans: []planResult{planText("other")}, answer: "other answer"}
	h.deps.Model = model2
	man2 := NewManager(h.deps, testBudgets())
	if _, err := man2.StartTurn(ctx, "s2", "other session"); err != nil {
		t.Fatalf("StartTurn on idle session: %v", err)
	}
	man2.Wait()

	close(model.release)
	man.Wait()

	turn := h.loadTurn(t, "s1", turnID)
	if turn.FinalAnswer != "first answer" {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}

	// The lease is free again once the turn completes.
	h.deps.Model = &scriptedModel{plans: []planResult{planText("again")}, answer: "second answer"}
	man3 := NewManager(h.deps, testBudgets())
	if _, err := man3.StartTurn(ctx, "s1", "after completion"); err != nil {
		t.Fatalf("StartTurn after completion: %v", err)
	}
	man3.Wait()
}

func TestManagerCancelStopsAtStepBoundary(t *testing.T) {
	defer checkLeaks(t)

	model := newGatedModel([]planResult{planText("a plan")}, "never delivered")
	h := newHarness(t, &model.scriptedModel)
	h.deps.Model = model
	man := NewManager(h.deps, testBudgets())

	turnID, err := man.StartTurn(context.Background(), "s1", "long request")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	sub, ok := man.Subscribe("s1")
	if !ok {
		t.Fatal("no in-flight turn to subscribe to")
	}

	// Cancel while the planner call is in flight; the call must finish and
	// its step must be recorded before the cancellation takes effect.
	<-model.entered
	man.CancelTurn("s1", turnID)
	close(model.release)
	man.Wait()

	events := drain(sub)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Kind != types.EventThought || events[0].StepIndex != 0 {
		t.Errorf("event 0 = %+v, want thought at step 0", events[0])
	}
	if events[1].Kind != types.EventError || events[1].StepIndex != 1 {
		t.Errorf("event 1 = %+v, want error at step 1", events[1])
	}

	turn := h.loadTurn(t, "s1", turnID)
	if turn.Error == nil || turn.Error.Kind != types.KindCancelled {
		t.Fatalf("turn error = %+v, want kind %s", turn.Error, types.KindCancelled)
	}
	if len(turn.Steps) != 1 {
		t.Errorf("got %d steps, want 1 (the in-flight plan step)", len(turn.Steps))
	}
	if model.answerCalls != 0 {
		t.Errorf("model answer called %d times after cancellation, want 0", model.answerCalls)
	}
}

func TestManagerResumeSkipsAppliedMutation(t *testing.T) {
	defer checkLeaks(t)

	markArgs := map[string]any{"tag": "alpha"}
	model1 := &scriptedModel{plans: []planResult{planTool("mark", markArgs)}}
	h := newHarness(t, model1)

	if _, err := h.store.CreateSession("s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	turnID := uuid.New().String()
	if err := h.store.BeginTurn("s1", &types.Turn{ID: turnID, SessionID: "s1", UserInput: "mark alpha", StartedAt: time.Now()}); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	// Run the turn up to and including the mutating tool step, committing
	// its checkpoint, then stop cold as a crash would.
	ctx := context.Background()
	ch := stream.NewChannel(turnID)
	r := newRunner("s1", turnID, "mark alpha", h.deps, testBudgets(), ch)
	for _, step := range []func(context.Context) (Outcome, error){r.stepPlan, r.stepTool} {
		outcome, err := step(ctx)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		if err := r.transition(outcome); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if got := h.echos.Load(); got != 1 {
		t.Fatalf("tool executed %d times before crash, want 1", got)
	}
	h.store.ReleaseTurn("s1")

	// The restarted process plans the same mutation again; the fingerprint
	// in the checkpoint marks it applied and it is skipped.
	h.deps.Model = &scriptedModel{
		plans:  []planResult{planTool("mark", markArgs), planText("already marked")},
		answer: "alpha was marked",
	}
	man := NewManager(h.deps, testBudgets())
	if err := man.ResumeTurn(ctx, "s1", turnID); err != nil {
		t.Fatalf("ResumeTurn: %v", err)
	}
	sub, ok := man.Subscribe("s1")
	if !ok {
		t.Fatal("no in-flight turn after resume")
	}
	events := drain(sub)
	man.Wait()

	if got := h.echos.Load(); got != 1 {
		t.Errorf("tool executed %d times in total, want 1 (no re-apply on resume)", got)
	}

	turn := h.loadTurn(t, "s1", turnID)
	if turn.FinalAnswer != "alpha was marked" {
		t.Errorf("final answer = %q", turn.FinalAnswer)
	}
	wantKinds := []types.StepKind{
		types.StepPlan, types.StepToolCall,
		types.StepPlan, types.StepToolCall,
		types.StepPlan, types.StepModelCall, types.StepRespond,
	}
	if len(turn.Steps) != len(wantKinds) {
		t.Fatalf("got %d steps, want %d", len(turn.Steps), len(wantKinds))
	}
	for i, k := range wantKinds {
		if turn.Steps[i].Index != i || turn.Steps[i].Kind != k {
			t.Errorf("step %d = (%d, %s), want (%d, %s)", i, turn.Steps[i].Index, turn.Steps[i].Kind, i, k)
		}
	}
	if !strings.Contains(turn.Steps[3].Output, "already applied") {
		t.Errorf("replayed tool step output = %q", turn.Steps[3].Output)
	}

	// Events on the resumed stream pick up exactly where the crash left off.
	for i, ev := range events {
		if ev.StepIndex != 2+i {
			t.Errorf("resumed event %d at step %d, want %d", i, ev.StepIndex, 2+i)
		}
	}
	if events[len(events)-1].Kind != types.EventDone {
		t.Errorf("terminal event = %s", events[len(events)-1].Kind)
	}
}

func TestManagerResumeCorruptCheckpoint(t *testing.T) {
	defer checkLeaks(t)

	h := newHarness(t, &scriptedModel{})
	if _, err := h.store.CreateSession("s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	turnID := uuid.New().String()
	if err := h.store.BeginTurn("s1", &types.Turn{ID: turnID, SessionID: "s1", UserInput: "doomed", StartedAt: time.Now()}); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}
	cp := types.Checkpoint{TurnID: turnID, StepIndex: 0, State: []byte("not json at all")}
	if err := h.store.CommitCheckpoint("s1", turnID, cp); err != nil {
		t.Fatalf("CommitCheckpoint: %v", err)
	}
	h.store.ReleaseTurn("s1")

	man := NewManager(h.deps, testBudgets())
	err := man.ResumeTurn(context.Background(), "s1", turnID)
	if !errors.Is(err, types.ErrCheckpointCorrupt) {
		t.Fatalf("ResumeTurn error = %v, want %v", err, types.ErrCheckpointCorrupt)
	}

	turn := h.loadTurn(t, "s1", turnID)
	if turn.Error == nil || turn.Error.Kind != types.KindFatal {
		t.Errorf("turn error = %+v, want kind %s", turn.Error, types.KindFatal)
	}
	if turn.CompletedAt == nil {
		t.Error("corrupt turn left incomplete")
	}
	sess, err := h.store.Load("s1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sess.Status != types.SessionFailed {
		t.Errorf("session status = %s, want %s", sess.Status, types.SessionFailed)
	}

	// The lease is released, so fresh turns can still be started.
	h.deps.Model = &scriptedModel{plans: []planResult{planText("ok")}, answer: "fresh turn"}
	man2 := NewManager(h.deps, testBudgets())
	if _, err := man2.StartTurn(context.Background(), "s1", "new request"); err != nil {
		t.Fatalf("StartTurn after corrupt resume: %v", err)
	}
	man2.Wait()
}

func TestManagerResumeCompletedTurnRejected(t *testing.T) {
	defer checkLeaks(t)

	model := &scriptedModel{plans: []planResult{planText("quick")}, answer: "done"}
	h := newHarness(t, model)
	man := NewManager(h.deps, testBudgets())

	turnID, err := man.StartTurn(context.Background(), "s1", "quick request")
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}
	man.Wait()

	if err := man.ResumeTurn(context.Background(), "s1", turnID); !errors.Is(err, types.ErrTurnNotFound) {
		t.Errorf("ResumeTurn on completed turn = %v, want %v", err, types.ErrTurnNotFound)
	}
}
