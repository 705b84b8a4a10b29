package lobby

import (
	"context"
	"log"
	"time"

	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/observability"
	"github.com/ent0n29/lobby/internal/protocol"
	"github.com/ent0n29/lobby/internal/store"
)

// Lifecycle owns status transitions. Each transition takes effect once in
// the ledger; only the caller that wins it persists and publishes.
type Lifecycle struct {
	ledger       SeatLedger
	store        store.Store
	events       EventPublisher
	metrics      *observability.Metrics
	reconciler   *Reconciler
	storeTimeout time.Duration
}

func NewLifecycle(l SeatLedger, st store.Store, events EventPublisher, storeTimeout time.Duration) *Lifecycle {
	if events == nil {
		events = discardPublisher{}
	}
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Lifecycle{
		ledger:       l,
		store:        st,
		events:       events,
		storeTimeout: storeTimeout,
	}
}

func (lc *Lifecycle) SetMetrics(m *observability.Metrics) { lc.metrics = m }

func (lc *Lifecycle) SetReconciler(r *Reconciler) { lc.reconciler = r }

// Activate marks a full session active. It returns true only for the call
// that performed the transition.
func (lc *Lifecycle) Activate(ctx context.Context, sessionID string) (bool, error) {
	won, err := lc.ledger.MarkActive(sessionID)
	if err != nil || !won {
		return false, err
	}

	capacity := 0
	if s, err := lc.ledger.Get(sessionID); err == nil {
		capacity = s.Capacity
	}
	persistErr := lc.persistStatus(ctx, sessionID, ledger.StatusActive)

	if lc.metrics != nil {
		lc.metrics.SessionEvents.WithLabelValues("activated").Inc()
	}
	lc.events.Publish(protocol.NewSessionActivated(sessionID, capacity, time.Now().UTC()))
	return true, persistErr
}

// Close is the hook for external retention policy. Closing an unknown
// session returns ledger.ErrNotFound; closing twice is a no-op.
func (lc *Lifecycle) Close(ctx context.Context, sessionID, reason string) (bool, error) {
	won, err := lc.ledger.Close(sessionID)
	if err != nil || !won {
		return false, err
	}

	persistErr := lc.persistStatus(ctx, sessionID, ledger.StatusClosed)

	if lc.metrics != nil {
		lc.metrics.SessionEvents.WithLabelValues("closed").Inc()
	}
	lc.events.Publish(protocol.NewSessionClosed(sessionID, reason, time.Now().UTC()))
	return true, persistErr
}

func (lc *Lifecycle) persistStatus(ctx context.Context, sessionID string, status ledger.Status) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lc.storeTimeout)
	defer cancel()

	err := lc.store.UpdateStatus(writeCtx, sessionID, status)
	if err == nil {
		if lc.reconciler != nil {
			lc.reconciler.Resolve(statusKey(sessionID))
		}
		return nil
	}

	log.Printf("lifecycle: persist status %s for session %s failed: %v", status, sessionID, err)
	if lc.metrics != nil {
		lc.metrics.PersistenceFailures.WithLabelValues("update_status").Inc()
	}
	if lc.reconciler != nil {
		lc.reconciler.EnqueueStatus(sessionID, status, err)
	}
	return &PersistenceError{Op: "update_status", SessionID: sessionID, Committed: true, Err: err}
}
