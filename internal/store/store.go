package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS intake_sessions (
	session_id  text PRIMARY KEY,
	fields      jsonb NOT NULL DEFAULT '{}'::jsonb,
	locked      text[] NOT NULL DEFAULT '{}',
	turn_count  integer NOT NULL DEFAULT 0,
	location    text NOT NULL DEFAULT '',
	phase       text NOT NULL DEFAULT 'collecting',
	updated_at  timestamptz NOT NULL DEFAULT now()
)`

var migrations = []string{
	`ALTER TABLE intake_sessions ADD COLUMN IF NOT EXISTS refreshed_turn integer NOT NULL DEFAULT 0`,
}

// EnsureSchema creates the sessions table if it does not exist and applies
// column additions to older tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migrate schema: %w", err)
		}
	}
	return nil
}
