package lobby

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/reliability"
	"github.com/ent0n29/lobby/internal/store"
)

// pendingWrite is a store write that failed after its in-memory effect was
// already committed.
type pendingWrite struct {
	key      string
	op       string
	apply    func(ctx context.Context, st store.Store) error
	attempts int
	nextAt   time.Time
}

// Reconciler replays failed store writes until they land or turn out to be
// permanent. Writes are keyed, so a newer status for a session replaces an
// older one still waiting.
type Reconciler struct {
	mu         sync.Mutex
	store      store.Store
	pending    map[string]*pendingWrite
	timeout    time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	onSize     func(int)
	now        func() time.Time
}

func NewReconciler(st store.Store, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		store:      st,
		pending:    make(map[string]*pendingWrite),
		timeout:    timeout,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: time.Minute,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetBacklogHook is called with the backlog size after every change.
func (r *Reconciler) SetBacklogHook(hook func(int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSize = hook
}

func (r *Reconciler) EnqueueParticipant(p store.Participant, cause error) {
	r.enqueue(participantKey(p.ID), "insert_participant", cause, func(ctx context.Context, st store.Store) error {
		return st.InsertParticipant(ctx, p)
	})
}

func (r *Reconciler) EnqueueStatus(sessionID string, status ledger.Status, cause error) {
	r.enqueue(statusKey(sessionID), "update_status", cause, func(ctx context.Context, st store.Store) error {
		return st.UpdateStatus(ctx, sessionID, status)
	})
}

// Resolve drops a pending write that has been superseded by a direct one.
func (r *Reconciler) Resolve(key string) {
	r.mu.Lock()
	if _, ok := r.pending[key]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	size, hook := len(r.pending), r.onSize
	r.mu.Unlock()
	if hook != nil {
		hook(size)
	}
}

func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush replays every write that is due and reports how many landed and how
// many were abandoned as permanent failures.
func (r *Reconciler) Flush(ctx context.Context) (replayed, dropped int) {
	return r.flush(ctx, false)
}

// Drain replays every pending write once, ignoring backoff. It is meant for
// shutdown, when there will be no later tick.
func (r *Reconciler) Drain(ctx context.Context) (replayed, dropped int) {
	return r.flush(ctx, true)
}

func (r *Reconciler) flush(ctx context.Context, all bool) (replayed, dropped int) {
	now := r.now()
	r.mu.Lock()
	due := make([]*pendingWrite, 0, len(r.pending))
	for _, w := range r.pending {
		if all || !w.nextAt.After(now) {
			due = append(due, w)
		}
	}
	r.mu.Unlock()

	for _, w := range due {
		if ctx.Err() != nil {
			break
		}
		writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := w.apply(writeCtx, r.store)
		cancel()

		r.mu.Lock()
		current, ok := r.pending[w.key]
		if !ok || current != w {
			// Superseded or resolved while the replay ran.
			r.mu.Unlock()
			continue
		}
		switch {
		case err == nil:
			delete(r.pending, w.key)
			replayed++
		case ctx.Err() != nil:
			// Shutting down; keep the write for the next run.
		case !reliability.IsRetryableStoreError(err):
			delete(r.pending, w.key)
			dropped++
			log.Printf("reconciler: abandoning %s %s after %d attempts: %v", w.op, w.key, w.attempts+1, err)
		default:
			w.attempts++
			w.nextAt = r.now().Add(reliability.ExponentialBackoff(w.attempts, r.minBackoff, r.maxBackoff))
		}
		r.mu.Unlock()
	}

	r.notify()
	return replayed, dropped
}

// StartJanitor flushes the backlog on every tick until ctx is done.
func (r *Reconciler) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if replayed, dropped := r.Flush(ctx); replayed+dropped > 0 {
					log.Printf("reconciler: replayed=%d dropped=%d pending=%d", replayed, dropped, r.Pending())
				}
			}
		}
	}()
}

func (r *Reconciler) enqueue(key, op string, cause error, apply func(context.Context, store.Store) error) {
	if !reliability.IsRetryableStoreError(cause) {
		log.Printf("reconciler: not queuing %s %s: %v", op, key, cause)
		return
	}
	r.mu.Lock()
	r.pending[key] = &pendingWrite{
		key:    key,
		op:     op,
		apply:  apply,
		nextAt: r.now().Add(r.minBackoff),
	}
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	size, hook := len(r.pending), r.onSize
	r.mu.Unlock()
	if hook != nil {
		hook(size)
	}
}

func participantKey(id string) string { return "participant:" + id }

func statusKey(sessionID string) string { return "status:" + sessionID }
