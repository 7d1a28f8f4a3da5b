package executor

import "testing"

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		state   State
		outcome Outcome
		want    State
		wantErr bool
	}{
		{StatePlanning, OutcomeRetrieve, StateRetrieving, false},
		{StatePlanning, OutcomeToolCall, StateToolCalling, false},
		{StatePlanning, OutcomeAnswer, StateModelCalling, false},
		{StateRetrieving, OutcomeAdvance, StatePlanning, false},
		{StateToolCalling, OutcomeAdvance, StatePlanning, false},
		{StateModelCalling, OutcomeAdvance, StateResponding, false},
		{StateResponding, OutcomeFinished, StateDone, false},

		{StatePlanning, OutcomeBudget, StateResponding, false},
		{StateRetrieving, OutcomeBudget, StateResponding, false},
		{StateToolCalling, OutcomeBudget, StateResponding, false},
		{StateModelCalling, OutcomeBudget, StateResponding, false},

		{StatePlanning, OutcomeFailure, StateFailed, false},
		{StateResponding, OutcomeFailure, StateFailed, false},
		{StatePlanning, OutcomeCancel, StateCancelled, false},
		{StateModelCalling, OutcomeCancel, StateCancelled, false},

		// Undefined pairs are invariant violations, not silent no-ops.
		{StatePlanning, OutcomeAdvance, StateFailed, true},
		{StateRetrieving, OutcomeToolCall, StateFailed, true},
		{StateResponding, OutcomeBudget, StateFailed, true},
		{StateResponding, OutcomeAnswer, StateFailed, true},
		{StateDone, OutcomeAdvance, StateFailed, true},
		{StateFailed, OutcomeFinished, StateFailed, true},
		{StateCancelled, OutcomeCancel, StateFailed, true},
	}

	for _, tt := range tests {
		got, err := Next(tt.state, tt.outcome)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Next(%s, %s): expected error, got %s", tt.state, tt.outcome, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Next(%s, %s): unexpected error: %v", tt.state, tt.outcome, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Next(%s, %s) = %s, want %s", tt.state, tt.outcome, got, tt.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []State{StateDone, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = false, want true", s)
		}
	}
	live := []State{StatePlanning, StateRetrieving, StateToolCalling, StateModelCalling, StateResponding}
	for _, s := range live {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%s) = true, want false", s)
		}
	}
}
