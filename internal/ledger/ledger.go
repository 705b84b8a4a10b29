package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusWaiting Status = "waiting"
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrFull            = errors.New("session full")
	ErrDuplicate       = errors.New("session already exists")
	ErrInvalidCapacity = errors.New("capacity must be positive")
)

// Session is a point-in-time copy of a ledger entry.
type Session struct {
	ID          string    `json:"session_id"`
	Capacity    int       `json:"capacity"`
	Status      Status    `json:"status"`
	Occupied    int       `json:"occupied"`
	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at"`
	ClosedAt    time.Time `json:"closed_at"`
}

// Stats counts sessions per status.
type Stats struct {
	Waiting int `json:"waiting"`
	Active  int `json:"active"`
	Closed  int `json:"closed"`
}

type entry struct {
	mu          sync.Mutex
	id          string
	capacity    int
	status      Status
	occupied    int
	published   bool
	createdAt   time.Time
	activatedAt time.Time
	closedAt    time.Time
}

func (e *entry) snapshot() Session {
	return Session{
		ID:          e.id,
		Capacity:    e.capacity,
		Status:      e.status,
		Occupied:    e.occupied,
		CreatedAt:   e.createdAt,
		ActivatedAt: e.activatedAt,
		ClosedAt:    e.closedAt,
	}
}

func (e *entry) joinable() bool {
	return e.published && e.status == StatusWaiting && e.occupied < e.capacity
}

// Ledger is the in-memory authority on seat occupancy.
//
// mu guards only the index (sessions and waiting). Counters live behind each
// entry's own mutex, so reservations on different sessions never contend.
type Ledger struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	// waiting holds published sessions in creation order. Entries that fill
	// or close are dropped by MarkActive, Close and FindJoinable.
	waiting []*entry
}

func New() *Ledger {
	return &Ledger{
		sessions: make(map[string]*entry),
	}
}

// CreateSession registers an empty waiting session. It stays invisible to
// FindJoinable until Publish is called.
func (l *Ledger) CreateSession(id string, capacity int) (Session, error) {
	if capacity <= 0 {
		return Session{}, ErrInvalidCapacity
	}
	e := &entry{
		id:        id,
		capacity:  capacity,
		status:    StatusWaiting,
		createdAt: time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sessions[id]; ok {
		return Session{}, ErrDuplicate
	}
	l.sessions[id] = e
	return e.snapshot(), nil
}

// Publish makes a created session discoverable by FindJoinable. Publishing a
// session that already filled up is a no-op apart from the flag.
func (l *Ledger) Publish(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sessions[id]
	if !ok {
		return ErrNotFound
	}

	e.mu.Lock()
	already := e.published
	e.published = true
	joinable := e.joinable()
	e.mu.Unlock()

	if !already && joinable {
		l.waiting = append(l.waiting, e)
	}
	return nil
}

// FindJoinable returns the oldest published waiting session with a free seat.
// The answer is advisory: ReserveSeat re-validates it.
func (l *Ledger) FindJoinable() (Session, bool) {
	l.mu.RLock()
	stale := 0
	for _, e := range l.waiting {
		e.mu.Lock()
		ok := e.joinable()
		var s Session
		if ok {
			s = e.snapshot()
		}
		e.mu.Unlock()
		if ok {
			l.mu.RUnlock()
			return s, true
		}
		stale++
	}
	l.mu.RUnlock()

	if stale > 0 {
		l.compactWaiting()
	}
	return Session{}, false
}

// ReserveSeat claims the next seat of a session. The returned seat number is
// the occupied count after the increment.
func (l *Ledger) ReserveSeat(id string) (int, error) {
	e, err := l.lookup(id)
	if err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusWaiting || e.occupied >= e.capacity {
		return 0, ErrFull
	}
	e.occupied++
	return e.occupied, nil
}

// MarkActive flips a session from waiting to active. Only the first call
// reports true; later or concurrent calls are no-ops.
func (l *Ledger) MarkActive(id string) (bool, error) {
	e, err := l.lookup(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.status != StatusWaiting {
		e.mu.Unlock()
		return false, nil
	}
	e.status = StatusActive
	e.activatedAt = time.Now().UTC()
	e.mu.Unlock()

	l.compactWaiting()
	return true, nil
}

// Close moves a session to closed from any other status. Only the first call
// reports true.
func (l *Ledger) Close(id string) (bool, error) {
	e, err := l.lookup(id)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	if e.status == StatusClosed {
		e.mu.Unlock()
		return false, nil
	}
	e.status = StatusClosed
	e.closedAt = time.Now().UTC()
	e.mu.Unlock()

	l.compactWaiting()
	return true, nil
}

func (l *Ledger) Get(id string) (Session, error) {
	e, err := l.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), nil
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var st Stats
	for _, e := range l.sessions {
		e.mu.Lock()
		switch e.status {
		case StatusWaiting:
			st.Waiting++
		case StatusActive:
			st.Active++
		case StatusClosed:
			st.Closed++
		}
		e.mu.Unlock()
	}
	return st
}

// Prune forgets closed sessions that were closed before the cutoff and
// returns how many were removed.
func (l *Ledger) Prune(closedBefore time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, e := range l.sessions {
		e.mu.Lock()
		drop := e.status == StatusClosed && e.closedAt.Before(closedBefore)
		e.mu.Unlock()
		if drop {
			delete(l.sessions, id)
			removed++
		}
	}
	return removed
}

// StartJanitor periodically prunes closed sessions older than retention.
func (l *Ledger) StartJanitor(ctx context.Context, interval, retention time.Duration, onPrune func(int)) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n := l.Prune(time.Now().UTC().Add(-retention))
				if n > 0 && onPrune != nil {
					onPrune(n)
				}
			}
		}
	}()
}

func (l *Ledger) lookup(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (l *Ledger) compactWaiting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.waiting[:0]
	for _, e := range l.waiting {
		e.mu.Lock()
		ok := e.joinable()
		e.mu.Unlock()
		if ok {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(l.waiting); i++ {
		l.waiting[i] = nil
	}
	l.waiting = kept
}
