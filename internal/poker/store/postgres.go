package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session fields in a single upsert table. It is
// the backend for deployments that already run Postgres and want titles
// and owners to survive a NATS outage as well.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pgx pool and verifies the connection.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the sessions table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS poker_sessions (
			code  TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			owner TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("ensure poker_sessions schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetField(ctx context.Context, code string, field Field) (string, error) {
	column, err := fieldColumn(field)
	if err != nil {
		return "", err
	}

	var value string
	query := fmt.Sprintf("SELECT %s FROM poker_sessions WHERE code = $1", column)
	err = s.pool.QueryRow(ctx, query, code).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s for session %s: %w", field, code, err)
	}
	return value, nil
}

func (s *PostgresStore) SetField(ctx context.Context, code string, field Field, value string) error {
	column, err := fieldColumn(field)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO poker_sessions (code, %[1]s) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET %[1]s = EXCLUDED.%[1]s`, column)
	if _, err := s.pool.Exec(ctx, query, code, value); err != nil {
		return fmt.Errorf("set %s for session %s: %w", field, code, err)
	}
	return nil
}

func (s *PostgresStore) Exists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM poker_sessions WHERE code = $1)", code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", code, err)
	}
	return exists, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// fieldColumn maps a Field onto its column, keeping user input out of the
// SQL text.
func fieldColumn(field Field) (string, error) {
	switch field {
	case FieldTitle:
		return "title", nil
	case FieldOwner:
		return "owner", nil
	default:
		return "", fmt.Errorf("unknown session field %q", field)
	}
}
