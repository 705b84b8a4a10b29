package lobby

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/protocol"
	"github.com/ent0n29/lobby/internal/store"
)

var errStoreDown = errors.New("store unavailable")

// flakyStore wraps the in-memory store with switchable failures.
type flakyStore struct {
	*store.InMemoryStore
	failParticipants atomic.Bool
	failStatus       atomic.Bool
	failSessions     atomic.Bool
	sessionInserts   atomic.Int64
	// insertDelay slows InsertSession down to widen creation races.
	insertDelay time.Duration
}

func newFlakyStore() *flakyStore {
	return &flakyStore{InMemoryStore: store.NewInMemoryStore()}
}

func (s *flakyStore) InsertSession(ctx context.Context, capacity int) (string, error) {
	s.sessionInserts.Add(1)
	if s.insertDelay > 0 {
		time.Sleep(s.insertDelay)
	}
	if s.failSessions.Load() {
		return "", errStoreDown
	}
	return s.InMemoryStore.InsertSession(ctx, capacity)
}

func (s *flakyStore) InsertParticipant(ctx context.Context, p store.Participant) error {
	if s.failParticipants.Load() {
		return errStoreDown
	}
	return s.InMemoryStore.InsertParticipant(ctx, p)
}

func (s *flakyStore) UpdateStatus(ctx context.Context, sessionID string, status ledger.Status) error {
	if s.failStatus.Load() {
		return errStoreDown
	}
	return s.InMemoryStore.UpdateStatus(ctx, sessionID, status)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) Publish(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) activations() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int)
	for _, ev := range r.events {
		if a, ok := ev.(protocol.SessionActivated); ok {
			out[a.SessionID]++
		}
	}
	return out
}

func (r *recorder) count(t protocol.MessageType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if got, ok := protocol.TypeOf(ev); ok && got == t {
			n++
		}
	}
	return n
}

// rejectingLedger refuses every seat, simulating a corrupted ledger.
type rejectingLedger struct {
	*ledger.Ledger
}

func (rejectingLedger) ReserveSeat(string) (int, error) { return 0, ledger.ErrFull }

// stuckLedger keeps offering a session that is always full, as if every
// reservation lost a race.
type stuckLedger struct {
	*ledger.Ledger
	stuck    ledger.Session
	reserves atomic.Int64
}

func (l *stuckLedger) FindJoinable() (ledger.Session, bool) { return l.stuck, true }

func (l *stuckLedger) ReserveSeat(id string) (int, error) {
	if id == l.stuck.ID {
		l.reserves.Add(1)
		return 0, ledger.ErrFull
	}
	return l.Ledger.ReserveSeat(id)
}
