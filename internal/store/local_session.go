package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"codepilot/internal/logging"
	"codepilot/internal/types"
)

// =============================================================================
// SESSION / TURN / CHECKPOINT PERSISTENCE
// =============================================================================

// CreateSession inserts a new active session.
func (s *LocalStore) CreateSession(sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Creating session: %s", sessionID)

	now := time.Now().UTC()
	_, err := s.db.Exec(
		"INSERT INTO sessions (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sessionID, string(types.SessionActive), now, now,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to create session %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return &types.Session{
		ID:        sessionID,
		Status:    types.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Load reconstructs a session with all its turns and steps.
func (s *LocalStore) Load(sessionID string) (*types.Session, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Load")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := &types.Session{ID: sessionID}
	var status string
	err := s.db.QueryRow(
		"SELECT status, created_at, updated_at FROM sessions WHERE id = ?", sessionID,
	).Scan(&status, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to load session %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.Status = types.SessionStatus(status)

	turns, err := s.loadTurns(sessionID)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns

	logging.StoreDebug("Loaded session %s: %d turns", sessionID, len(turns))
	return sess, nil
}

func (s *LocalStore) loadTurns(sessionID string) ([]types.Turn, error) {
	rows, err := s.db.Query(
		`SELECT id, user_input, COALESCE(final_answer, ''), error_json, started_at, completed_at
		 FROM turns WHERE session_id = ? ORDER BY started_at, id`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		t := types.Turn{SessionID: sessionID}
		var completed sql.NullTime
		var errJSON sql.NullString
		if err := rows.Scan(&t.ID, &t.UserInput, &t.FinalAnswer, &errJSON, &t.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		if errJSON.Valid && errJSON.String != "" {
			var info types.ErrorInfo
			if json.Unmarshal([]byte(errJSON.String), &info) == nil {
				t.Error = &info
			}
		}
		if completed.Valid {
			ts := completed.Time
			t.CompletedAt = &ts
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range turns {
		steps, err := s.loadSteps(turns[i].ID)
		if err != nil {
			return nil, err
		}
		turns[i].Steps = steps
	}
	return turns, nil
}

func (s *LocalStore) loadSteps(turnID string) ([]types.Step, error) {
	rows, err := s.db.Query(
		`SELECT step_index, kind, COALESCE(input, ''), COALESCE(output, ''), error_json, created_at
		 FROM steps WHERE turn_id = ? ORDER BY step_index`, turnID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []types.Step
	for rows.Next() {
		var st types.Step
		var kind string
		var errJSON sql.NullString
		if err := rows.Scan(&st.Index, &kind, &st.Input, &st.Output, &errJSON, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		st.Kind = types.StepKind(kind)
		if errJSON.Valid && errJSON.String != "" {
			var info types.ErrorInfo
			if err := json.Unmarshal([]byte(errJSON.String), &info); err == nil {
				st.Error = &info
			}
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ListSessions returns every session without its turns, newest first.
func (s *LocalStore) ListSessions() ([]types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, status, created_at, updated_at FROM sessions ORDER BY updated_at DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		var sess types.Session
		if err := rows.Scan(&sess.ID, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// BeginTurn acquires the session's turn lease and records the new turn.
// A second BeginTurn for the same session while a turn is inflight fails
// with ErrSessionBusy.
func (s *LocalStore) BeginTurn(sessionID string, turn *types.Turn) error {
	s.leaseMu.Lock()
	if holder, held := s.leases[sessionID]; held {
		s.leaseMu.Unlock()
		logging.StoreDebug("BeginTurn rejected: session %s busy with turn %s", sessionID, holder)
		return fmt.Errorf("session %s has inflight turn %s: %w", sessionID, holder, types.ErrSessionBusy)
	}
	s.leases[sessionID] = turn.ID
	s.leaseMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Beginning turn %s on session %s", turn.ID, sessionID)

	_, err := s.db.Exec(
		"INSERT INTO turns (id, session_id, user_input, started_at) VALUES (?, ?, ?, ?)",
		turn.ID, sessionID, turn.UserInput, turn.StartedAt.UTC(),
	)
	if err != nil {
		s.releaseLease(sessionID)
		logging.Get(logging.CategoryStore).Error("Failed to insert turn %s: %v", turn.ID, err)
		return fmt.Errorf("failed to begin turn: %w", err)
	}
	return nil
}

// ResumeTurn re-acquires the session lease for an existing incomplete
// turn, for crash recovery. The turn's rows stay as they were.
func (s *LocalStore) ResumeTurn(sessionID, turnID string) error {
	s.leaseMu.Lock()
	if holder, held := s.leases[sessionID]; held {
		s.leaseMu.Unlock()
		return fmt.Errorf("session %s has inflight turn %s: %w", sessionID, holder, types.ErrSessionBusy)
	}
	s.leases[sessionID] = turnID
	s.leaseMu.Unlock()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var completed sql.NullTime
	err := s.db.QueryRow("SELECT completed_at FROM turns WHERE id = ? AND session_id = ?", turnID, sessionID).Scan(&completed)
	if errors.Is(err, sql.ErrNoRows) {
		s.releaseLease(sessionID)
		return types.ErrTurnNotFound
	}
	if err != nil {
		s.releaseLease(sessionID)
		return fmt.Errorf("failed to resume turn: %w", err)
	}
	if completed.Valid {
		s.releaseLease(sessionID)
		return fmt.Errorf("turn %s already completed: %w", turnID, types.ErrTurnNotFound)
	}

	logging.Store("Resumed turn %s on session %s", turnID, sessionID)
	return nil
}

// AppendStep durably records one step. Steps for a turn must arrive with
// strictly increasing, gapless indices; the primary key rejects rewrites.
func (s *LocalStore) AppendStep(sessionID, turnID string, step types.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Appending step %d (%s) to turn %s", step.Index, step.Kind, turnID)

	var errJSON any
	if step.Error != nil {
		b, err := json.Marshal(step.Error)
		if err != nil {
			return fmt.Errorf("failed to encode step error: %w", err)
		}
		errJSON = string(b)
	}

	_, err := s.db.Exec(
		`INSERT INTO steps (turn_id, step_index, kind, input, output, error_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turnID, step.Index, string(step.Kind), step.Input, step.Output, errJSON, step.Timestamp.UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to append step %d to turn %s: %v", step.Index, turnID, err)
		return fmt.Errorf("failed to append step: %w", err)
	}
	return nil
}

// CommitCheckpoint durably stores the post-step snapshot. The checkpoint
// for a step index is written exactly once.
func (s *LocalStore) CommitCheckpoint(sessionID, turnID string, cp types.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.StoreDebug("Committing checkpoint: turn=%s step=%d bytes=%d", turnID, cp.StepIndex, len(cp.State))

	_, err := s.db.Exec(
		"INSERT INTO checkpoints (turn_id, step_index, state, created_at) VALUES (?, ?, ?, ?)",
		turnID, cp.StepIndex, cp.State, time.Now().UTC(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to commit checkpoint turn=%s step=%d: %v", turnID, cp.StepIndex, err)
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the highest-index checkpoint for the turn, or
// ErrTurnNotFound when the turn has no checkpoints at all.
func (s *LocalStore) LatestCheckpoint(sessionID, turnID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &types.Checkpoint{TurnID: turnID}
	err := s.db.QueryRow(
		`SELECT step_index, state, created_at FROM checkpoints
		 WHERE turn_id = ? ORDER BY step_index DESC LIMIT 1`, turnID,
	).Scan(&cp.StepIndex, &cp.State, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrTurnNotFound
	}
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to load checkpoint for turn %s: %v", turnID, err)
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	logging.StoreDebug("Loaded checkpoint: turn=%s step=%d", turnID, cp.StepIndex)
	return cp, nil
}

// CompleteTurn finalizes the turn record and releases the session lease.
// The turn is immutable after this call.
func (s *LocalStore) CompleteTurn(sessionID, turnID, finalAnswer string, errInfo *types.ErrorInfo) error {
	s.mu.Lock()

	logging.Store("Completing turn %s on session %s (err=%v)", turnID, sessionID, errInfo != nil)

	var errJSON any
	if errInfo != nil {
		b, merr := json.Marshal(errInfo)
		if merr != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to encode turn error: %w", merr)
		}
		errJSON = string(b)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(
		"UPDATE turns SET final_answer = ?, error_json = ?, completed_at = ? WHERE id = ?",
		finalAnswer, errJSON, now, turnID,
	)
	if err == nil {
		// Fatal turn errors take the whole session out of rotation.
		if errInfo != nil && errInfo.Kind == types.KindFatal {
			_, err = s.db.Exec("UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?",
				string(types.SessionFailed), now, sessionID)
		} else {
			_, err = s.db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", now, sessionID)
		}
	}
	s.mu.Unlock()

	s.releaseLease(sessionID)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to complete turn %s: %v", turnID, err)
		return fmt.Errorf("failed to complete turn: %w", err)
	}
	return nil
}

// ReleaseTurn drops the session lease without finalizing the turn record.
// Used when a turn is abandoned before any step could complete.
func (s *LocalStore) ReleaseTurn(sessionID string) {
	s.releaseLease(sessionID)
}

func (s *LocalStore) releaseLease(sessionID string) {
	s.leaseMu.Lock()
	delete(s.leases, sessionID)
	s.leaseMu.Unlock()
}
