package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/store"
)

func TestReconcilerBacksOffWhileStoreIsDown(t *testing.T) {
	st := newFlakyStore()
	ctx := context.Background()
	id, err := st.InsertSession(ctx, 4)
	if err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	now := time.Now().UTC()
	r := NewReconciler(st, time.Second)
	r.now = func() time.Time { return now }
	var sizes []int
	r.SetBacklogHook(func(n int) { sizes = append(sizes, n) })

	st.failParticipants.Store(true)
	p := store.Participant{ID: "p1", SessionID: id, Seat: 1, Role: "human"}
	r.EnqueueParticipant(p, errStoreDown)

	if replayed, _ := r.Flush(ctx); replayed != 0 {
		t.Fatalf("Flush() before due replayed = %d, want 0", replayed)
	}

	now = now.Add(time.Second)
	replayed, dropped := r.Flush(ctx)
	if replayed != 0 || dropped != 0 || r.Pending() != 1 {
		t.Fatalf("Flush() while down = %d/%d pending %d, want 0/0 pending 1", replayed, dropped, r.Pending())
	}

	st.failParticipants.Store(false)
	now = now.Add(2 * time.Second)
	replayed, _ = r.Flush(ctx)
	if replayed != 1 || r.Pending() != 0 {
		t.Fatalf("Flush() after recovery replayed = %d pending %d, want 1, 0", replayed, r.Pending())
	}
	if n, _ := st.CountParticipants(ctx, id); n != 1 {
		t.Fatalf("store participants = %d, want 1", n)
	}
	if len(sizes) == 0 || sizes[len(sizes)-1] != 0 {
		t.Fatalf("backlog hook sizes = %v, want last 0", sizes)
	}
}

func TestReconcilerDropsPermanentFailures(t *testing.T) {
	st := newFlakyStore()
	now := time.Now().UTC()
	r := NewReconciler(st, time.Second)
	r.now = func() time.Time { return now }

	// The session does not exist in the store, so the replay can never land.
	r.EnqueueStatus("missing", ledger.StatusActive, errStoreDown)
	now = now.Add(time.Second)
	replayed, dropped := r.Flush(context.Background())
	if replayed != 0 || dropped != 1 || r.Pending() != 0 {
		t.Fatalf("Flush() = %d/%d pending %d, want 0/1 pending 0", replayed, dropped, r.Pending())
	}
}

func TestReconcilerSkipsNonRetryableCause(t *testing.T) {
	r := NewReconciler(newFlakyStore(), time.Second)
	r.EnqueueParticipant(store.Participant{ID: "p1", SessionID: "s1", Seat: 1}, store.ErrSeatTaken)
	if got := r.Pending(); got != 0 {
		t.Fatalf("Pending() = %d, want 0", got)
	}
}

func TestReconcilerNewerStatusReplacesOlder(t *testing.T) {
	st := newFlakyStore()
	ctx := context.Background()
	id, _ := st.InsertSession(ctx, 4)
	now := time.Now().UTC()
	r := NewReconciler(st, time.Second)
	r.now = func() time.Time { return now }

	r.EnqueueStatus(id, ledger.StatusActive, errStoreDown)
	r.EnqueueStatus(id, ledger.StatusClosed, errStoreDown)
	if got := r.Pending(); got != 1 {
		t.Fatalf("Pending() = %d, want 1", got)
	}
	now = now.Add(time.Second)
	if replayed, _ := r.Flush(ctx); replayed != 1 {
		t.Fatalf("Flush() replayed = %d, want 1", replayed)
	}
	if status, _ := st.Status(id); status != ledger.StatusClosed {
		t.Fatalf("store status = %q, want closed", status)
	}
}

func TestReconcilerDrainIgnoresBackoff(t *testing.T) {
	st := newFlakyStore()
	ctx := context.Background()
	id, _ := st.InsertSession(ctx, 4)
	now := time.Now().UTC()
	r := NewReconciler(st, time.Second)
	r.now = func() time.Time { return now }

	r.EnqueueParticipant(store.Participant{ID: "p1", SessionID: id, Seat: 1, Role: "human"}, errStoreDown)
	if replayed, _ := r.Flush(ctx); replayed != 0 {
		t.Fatalf("Flush() before due replayed = %d, want 0", replayed)
	}
	replayed, dropped := r.Drain(ctx)
	if replayed != 1 || dropped != 0 || r.Pending() != 0 {
		t.Fatalf("Drain() = %d/%d pending %d, want 1/0 pending 0", replayed, dropped, r.Pending())
	}
	if n, _ := st.CountParticipants(ctx, id); n != 1 {
		t.Fatalf("store participants = %d, want 1", n)
	}
}
