// Package executor drives one turn at a time through the planning state
// machine, checkpointing after every step.
package executor

import (
	"fmt"
)

// State is a node in the turn state machine.
type State string

const (
	StatePlanning     State = "PLANNING"
	StateRetrieving   State = "RETRIEVING"
	StateToolCalling  State = "TOOL_CALLING"
	StateModelCalling State = "MODEL_CALLING"
	StateResponding   State = "RESPONDING"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// Outcome is the result of executing one step, and the sole input (besides
// the current state) to the transition function.
type Outcome string

const (
	// OutcomeRetrieve: planning chose a context retrieval.
	OutcomeRetrieve Outcome = "retrieve"

	// OutcomeToolCall: planning chose a tool invocation.
	OutcomeToolCall Outcome = "tool_call"

	// OutcomeAnswer: planning decided enough context is gathered.
	OutcomeAnswer Outcome = "answer"

	// OutcomeAdvance: the sub-step finished and fed its result back.
	OutcomeAdvance Outcome = "advance"

	// OutcomeBudget: step-count or wall-clock budget exhausted; forces a
	// graceful partial response instead of an unbounded loop.
	OutcomeBudget Outcome = "budget_exhausted"

	// OutcomeFinished: the final answer is committed.
	OutcomeFinished Outcome = "finished"

	// OutcomeFailure: a non-recoverable error terminated the step.
	OutcomeFailure Outcome = "failure"

	// OutcomeCancel: cooperative cancellation observed at a step boundary.
	OutcomeCancel Outcome = "cancel"
)

// transitions is the pure mapping from (state, outcome) to next state.
// Failure and cancellation rows are filled in for every non-terminal state
// below; a lookup miss is an invariant violation.
var transitions = map[State]map[Outcome]State{
	StatePlanning: {
		OutcomeRetrieve: StateRetrieving,
		OutcomeToolCall: StateToolCalling,
		OutcomeAnswer:   StateModelCalling,
	},
	StateRetrieving: {
		OutcomeAdvance: StatePlanning,
	},
	StateToolCalling: {
		OutcomeAdvance: StatePlanning,
	},
	StateModelCalling: {
		OutcomeAdvance: StateResponding,
	},
	StateResponding: {
		OutcomeFinished: StateDone,
	},
}

func init() {
	for state, row := range transitions {
		if state != StateResponding {
			row[OutcomeBudget] = StateResponding
		}
		row[OutcomeFailure] = StateFailed
		row[OutcomeCancel] = StateCancelled
	}
}

// Next returns the successor state. An undefined (state, outcome) pair is
// an invariant violation and fatal to the turn.
func Next(state State, outcome Outcome) (State, error) {
	row, ok := transitions[state]
	if !ok {
		return StateFailed, fmt.Errorf("no transitions from state %s", state)
	}
	next, ok := row[outcome]
	if !ok {
		return StateFailed, fmt.Errorf("undefined transition: (%s, %s)", state, outcome)
	}
	return next, nil
}

// IsTerminal reports whether the state ends the turn.
func IsTerminal(state State) bool {
	switch state {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}
