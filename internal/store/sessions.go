package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/intake/internal/collector"
	"github.com/MikeSquared-Agency/intake/internal/session"
)

// SaveSession upserts the state of a session.
func (s *Store) SaveSession(ctx context.Context, st session.State) error {
	fields, err := json.Marshal(st.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO intake_sessions (session_id, fields, locked, turn_count, location, phase, updated_at, refreshed_turn)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id)
		DO UPDATE SET
			fields = $2,
			locked = $3,
			turn_count = $4,
			location = $5,
			phase = $6,
			updated_at = $7,
			refreshed_turn = $8`,
		st.SessionID, fields, st.Locked.Strings(), st.TurnCount, st.Location, string(st.Phase), st.UpdatedAt, st.RefreshedTurn,
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

// GetSession loads a session, returning session.ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.State, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, fields, locked, turn_count, location, phase, updated_at, refreshed_turn
		FROM intake_sessions WHERE session_id = $1`, sessionID)

	var (
		st     session.State
		fields []byte
		locked []string
		phase  string
	)
	err := row.Scan(&st.SessionID, &fields, &locked, &st.TurnCount, &st.Location, &phase, &st.UpdatedAt, &st.RefreshedTurn)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.State{}, session.ErrNotFound
	}
	if err != nil {
		return session.State{}, fmt.Errorf("get session: %w", err)
	}
	if err := json.Unmarshal(fields, &st.Fields); err != nil {
		return session.State{}, fmt.Errorf("parse fields: %w", err)
	}
	st.Locked = collector.LockSetFromStrings(locked)
	st.Phase = session.Phase(phase)
	return st, nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM intake_sessions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
