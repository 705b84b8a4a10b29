package store

import (
	"context"
	"time"

	"github.com/ent0n29/lobby/internal/ledger"
)

// permanentError is returned for failures a replay cannot fix.
type permanentError struct{ msg string }

func (e *permanentError) Error() string   { return e.msg }
func (e *permanentError) Permanent() bool { return true }

var (
	ErrNotFound  error = &permanentError{"session not found in store"}
	ErrSeatTaken error = &permanentError{"seat already taken in store"}
)

// Participant is the durable record of one allocated seat.
type Participant struct {
	ID        string    `json:"participant_id"`
	SessionID string    `json:"session_id"`
	Seat      int       `json:"seat_number"`
	Role      string    `json:"role"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Store is the durable mirror of the ledger. Every call may fail
// independently; writes are idempotent so they can be replayed.
type Store interface {
	InsertSession(ctx context.Context, capacity int) (string, error)
	UpdateStatus(ctx context.Context, sessionID string, status ledger.Status) error
	InsertParticipant(ctx context.Context, p Participant) error
	CountParticipants(ctx context.Context, sessionID string) (int, error)
	Close() error
}
