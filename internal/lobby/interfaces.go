package lobby

import "github.com/ent0n29/lobby/internal/ledger"

// SeatLedger is the subset of *ledger.Ledger the allocator and lifecycle use.
type SeatLedger interface {
	FindJoinable() (ledger.Session, bool)
	ReserveSeat(id string) (int, error)
	CreateSession(id string, capacity int) (ledger.Session, error)
	Publish(id string) error
	MarkActive(id string) (bool, error)
	Close(id string) (bool, error)
	Get(id string) (ledger.Session, error)
}

// EventPublisher receives lifecycle events for realtime fan-out.
type EventPublisher interface {
	Publish(event any)
}

type discardPublisher struct{}

func (discardPublisher) Publish(any) {}
