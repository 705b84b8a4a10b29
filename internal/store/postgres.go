package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/lobby/internal/ledger"
)

const uniqueViolation = "23505"

// PostgresStore persists sessions and participants in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lobby_sessions (
			id TEXT PRIMARY KEY,
			capacity INTEGER NOT NULL CHECK (capacity > 0),
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_lobby_sessions_status ON lobby_sessions (status, created_at);`,
		`CREATE TABLE IF NOT EXISTS lobby_participants (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES lobby_sessions(id) ON DELETE CASCADE,
			seat_number INTEGER NOT NULL CHECK (seat_number > 0),
			role TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, seat_number)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init lobby schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertSession(ctx context.Context, capacity int) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	var stored string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO lobby_sessions (id, capacity, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING id`,
		id,
		capacity,
		string(ledger.StatusWaiting),
		now,
	).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return stored, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, sessionID string, status ledger.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE lobby_sessions SET status=$2, updated_at=$3 WHERE id=$1`,
		sessionID,
		string(status),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertParticipant(ctx context.Context, p Participant) error {
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO lobby_participants (id, session_id, seat_number, role, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		p.ID,
		p.SessionID,
		p.Seat,
		p.Role,
		p.JoinedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("insert participant seat %d: %w", p.Seat, ErrSeatTaken)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountParticipants(ctx context.Context, sessionID string) (int, error) {
	var exists bool
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM lobby_sessions WHERE id=$1),
		        (SELECT COUNT(*) FROM lobby_participants WHERE session_id=$1)`,
		sessionID,
	).Scan(&exists, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("count participants: %w", err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	return count, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
