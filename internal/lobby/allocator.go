package lobby

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/observability"
	"github.com/ent0n29/lobby/internal/protocol"
	"github.com/ent0n29/lobby/internal/store"
)

type Config struct {
	Capacity     int
	RetryLimit   int
	Role         string
	StoreTimeout time.Duration
}

// JoinResult is what a participant learns about its seat.
type JoinResult struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
	Seat          int    `json:"seat_number"`
	Capacity      int    `json:"capacity"`
	Activated     bool   `json:"activated"`
}

// Allocator places each join request into a seat.
type Allocator struct {
	cfg        Config
	ledger     SeatLedger
	store      store.Store
	lifecycle  *Lifecycle
	events     EventPublisher
	metrics    *observability.Metrics
	reconciler *Reconciler

	// creates coalesces concurrent session creation so simultaneous
	// joiners that found nothing joinable share one new session.
	creates singleflight.Group
}

type reservation struct {
	session ledger.Session
	seat    int
	created bool
}

func NewAllocator(cfg Config, l SeatLedger, st store.Store, lifecycle *Lifecycle) (*Allocator, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("allocator capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	if strings.TrimSpace(cfg.Role) == "" {
		cfg.Role = "human"
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	return &Allocator{
		cfg:       cfg,
		ledger:    l,
		store:     st,
		lifecycle: lifecycle,
		events:    discardPublisher{},
	}, nil
}

func (a *Allocator) SetMetrics(m *observability.Metrics) { a.metrics = m }

func (a *Allocator) SetReconciler(r *Reconciler) { a.reconciler = r }

func (a *Allocator) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = discardPublisher{}
	}
	a.events = p
}

// Join reserves a seat for a new participant. On a PersistenceError the
// returned JoinResult is still populated: the seat is held in memory.
func (a *Allocator) Join(ctx context.Context) (JoinResult, error) {
	started := time.Now()
	res, created, err := a.join(ctx)
	a.observe(started, created, err)
	a.publishFailure(res.SessionID, err)
	return res, err
}

// publishFailure tells subscribers about joins that broke an invariant or
// left a write behind.
func (a *Allocator) publishFailure(sessionID string, err error) {
	var code string
	switch {
	case errors.Is(err, ErrInvariantViolation):
		code = "invariant_violation"
	case errors.Is(err, ErrPersistence):
		code = "persistence_failed"
	default:
		return
	}
	a.events.Publish(protocol.NewErrorEvent(sessionID, code, err.Error(), time.Now()))
}

func (a *Allocator) join(ctx context.Context) (JoinResult, bool, error) {
	r, created, err := a.reserve(ctx)
	if err != nil {
		return JoinResult{}, created, err
	}

	p := store.Participant{
		ID:        uuid.NewString(),
		SessionID: r.session.ID,
		Seat:      r.seat,
		Role:      a.cfg.Role,
		JoinedAt:  time.Now().UTC(),
	}
	res := JoinResult{
		SessionID:     p.SessionID,
		ParticipantID: p.ID,
		Seat:          p.Seat,
		Capacity:      r.session.Capacity,
	}

	persistErr := a.persistParticipant(ctx, p)
	a.events.Publish(protocol.NewParticipantJoined(p.SessionID, p.ID, p.Seat, r.session.Capacity, p.JoinedAt))

	// The seat is committed in memory whether or not the write landed, so a
	// full session is activated regardless.
	if r.seat == r.session.Capacity && a.lifecycle != nil {
		activated, err := a.lifecycle.Activate(ctx, r.session.ID)
		res.Activated = activated
		if persistErr == nil {
			persistErr = err
		}
	}
	return res, created, persistErr
}

// reserve runs the find-then-claim loop. A lost race (ErrFull) is retried up
// to RetryLimit times before falling back to creating a session.
func (a *Allocator) reserve(ctx context.Context) (reservation, bool, error) {
	// failedRounds counts coalesced creations whose leader failed for a reason
	// that does not apply to this request. A successful round resets it.
	failedRounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return reservation{}, false, err
		}

		exhausted := false
		for attempt := 0; ; attempt++ {
			if attempt == a.cfg.RetryLimit {
				exhausted = true
				break
			}
			s, ok := a.ledger.FindJoinable()
			if !ok {
				break
			}
			seat, err := a.ledger.ReserveSeat(s.ID)
			if err == nil {
				return reservation{session: s, seat: seat}, false, nil
			}
			if !errors.Is(err, ledger.ErrFull) && !errors.Is(err, ledger.ErrNotFound) {
				return reservation{}, false, fmt.Errorf("reserve seat in %s: %w", s.ID, err)
			}
			if a.metrics != nil {
				a.metrics.ReserveConflicts.Inc()
			}
		}

		if failedRounds >= a.cfg.RetryLimit {
			r, err := a.createAndReserve(ctx)
			return r, true, err
		}

		r, led, err := a.createShared(ctx, !exhausted)
		if led {
			return r, r.created, err
		}
		switch {
		case err == nil:
			failedRounds = 0
		case errors.Is(err, ErrPersistence) && !errors.Is(err, context.Canceled):
			// The store refused the session; nothing was reserved for anyone.
			return reservation{}, false, err
		default:
			failedRounds++
		}
	}
}

// createShared creates a session through the singleflight group, so a burst
// of joiners produces one session per round. Only the flight leader gets a
// seat from the round; followers report led=false, see the leader's error
// and go back to FindJoinable.
//
// With recheck the leader first retries a session that may have been
// published after its own lookup, which keeps rounds from overlapping.
func (a *Allocator) createShared(ctx context.Context, recheck bool) (reservation, bool, error) {
	led := false
	v, err, _ := a.creates.Do("create", func() (any, error) {
		led = true
		if recheck {
			if s, ok := a.ledger.FindJoinable(); ok {
				if seat, err := a.ledger.ReserveSeat(s.ID); err == nil {
					return reservation{session: s, seat: seat}, nil
				}
			}
		}
		return a.createAndReserve(ctx)
	})
	if !led {
		return reservation{}, false, err
	}
	if err != nil {
		return reservation{}, true, err
	}
	return v.(reservation), true, nil
}

// createAndReserve inserts a session in the store, registers it in the
// ledger and takes seat 1 before the session becomes discoverable.
func (a *Allocator) createAndReserve(ctx context.Context) (reservation, error) {
	writeCtx, cancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
	id, err := a.store.InsertSession(writeCtx, a.cfg.Capacity)
	cancel()
	if err != nil {
		if a.metrics != nil {
			a.metrics.PersistenceFailures.WithLabelValues("insert_session").Inc()
		}
		return reservation{}, &PersistenceError{Op: "insert_session", Err: err}
	}

	s, err := a.ledger.CreateSession(id, a.cfg.Capacity)
	if err != nil {
		return reservation{}, invariantf("register session %s: %v", id, err)
	}
	seat, err := a.ledger.ReserveSeat(id)
	if err != nil {
		return reservation{}, invariantf("first seat in new session %s: %v", id, err)
	}
	if seat != 1 {
		return reservation{}, invariantf("first seat in new session %s is %d", id, seat)
	}
	if err := a.ledger.Publish(id); err != nil {
		return reservation{}, invariantf("publish session %s: %v", id, err)
	}

	if a.metrics != nil {
		a.metrics.SessionsCreated.Inc()
	}
	return reservation{session: s, seat: seat, created: true}, nil
}

func (a *Allocator) persistParticipant(ctx context.Context, p store.Participant) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.StoreTimeout)
	defer cancel()

	err := a.store.InsertParticipant(writeCtx, p)
	if err == nil {
		return nil
	}

	log.Printf("allocator: persist participant %s (session %s seat %d) failed: %v", p.ID, p.SessionID, p.Seat, err)
	if a.metrics != nil {
		a.metrics.PersistenceFailures.WithLabelValues("insert_participant").Inc()
	}
	if a.reconciler != nil {
		a.reconciler.EnqueueParticipant(p, err)
	}
	return &PersistenceError{Op: "insert_participant", SessionID: p.SessionID, Committed: true, Err: err}
}

func (a *Allocator) observe(started time.Time, created bool, err error) {
	if errors.Is(err, ErrInvariantViolation) {
		log.Printf("allocator: %v", err)
	}
	if a.metrics == nil {
		return
	}
	a.metrics.ObserveJoinLatency(time.Since(started))
	outcome := "joined"
	switch {
	case errors.Is(err, ErrInvariantViolation):
		outcome = "invariant_violation"
	case errors.Is(err, ErrPersistence):
		outcome = "persistence_failed"
	case err != nil:
		outcome = "error"
	case created:
		outcome = "created"
	}
	a.metrics.Joins.WithLabelValues(outcome).Inc()
}
