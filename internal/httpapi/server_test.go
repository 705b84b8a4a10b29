package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/lobby/internal/config"
	"github.com/ent0n29/lobby/internal/ledger"
	"github.com/ent0n29/lobby/internal/lobby"
	"github.com/ent0n29/lobby/internal/observability"
	"github.com/ent0n29/lobby/internal/protocol"
	"github.com/ent0n29/lobby/internal/realtime"
	"github.com/ent0n29/lobby/internal/store"
)

func newTestServer(t *testing.T, capacity int) (*httptest.Server, Services) {
	t.Helper()
	cfg := config.Config{Capacity: capacity, StoreTimeout: time.Second}
	l := ledger.New()
	st := store.NewInMemoryStore()
	hub := realtime.NewHub(16)
	lc := lobby.NewLifecycle(l, st, hub, time.Second)
	alloc, err := lobby.NewAllocator(lobby.Config{Capacity: capacity, RetryLimit: 5}, l, st, lc)
	if err != nil {
		t.Fatalf("NewAllocator() error = %v", err)
	}
	alloc.SetEventPublisher(hub)

	svc := Services{Ledger: l, Store: st, Allocator: alloc, Lifecycle: lc, Hub: hub}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry(), "test_httpapi")
	ts := httptest.NewServer(New(cfg, svc, metrics).Router())
	t.Cleanup(ts.Close)
	return ts, svc
}

func postJoin(t *testing.T, baseURL string) lobby.JoinResult {
	t.Helper()
	res, err := http.Post(baseURL+"/v1/lobby/join", "application/json", nil)
	if err != nil {
		t.Fatalf("join request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("join status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var out lobby.JoinResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode join response: %v", err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, 4)
	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var payload map[string]any
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", payload["status"])
	}
}

func TestJoinFillsSessionAndReportsSeats(t *testing.T) {
	ts, svc := newTestServer(t, 4)

	var first lobby.JoinResult
	for want := 1; want <= 4; want++ {
		got := postJoin(t, ts.URL)
		if want == 1 {
			first = got
		}
		if got.SessionID != first.SessionID || got.Seat != want {
			t.Fatalf("join #%d = %+v, want seat %d in %s", want, got, want, first.SessionID)
		}
		if got.Activated != (want == 4) {
			t.Fatalf("join #%d activated = %v, want %v", want, got.Activated, want == 4)
		}
	}

	res, err := http.Get(ts.URL + "/v1/lobby/sessions/" + first.SessionID)
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET session status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var view map[string]any
	if err := json.NewDecoder(res.Body).Decode(&view); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if view["status"] != string(ledger.StatusActive) {
		t.Fatalf("session status = %v, want active", view["status"])
	}
	if view["occupied"] != float64(4) || view["persisted_participants"] != float64(4) {
		t.Fatalf("session view = %+v, want 4 occupied and persisted", view)
	}

	if st := svc.Ledger.Stats(); st.Active != 1 {
		t.Fatalf("ledger stats = %+v, want 1 active", st)
	}
}

func TestCloseSession(t *testing.T) {
	ts, _ := newTestServer(t, 4)
	joined := postJoin(t, ts.URL)

	body := bytes.NewReader([]byte(`{"reason":"expired"}`))
	res, err := http.Post(ts.URL+"/v1/lobby/sessions/"+joined.SessionID+"/close", "application/json", body)
	if err != nil {
		t.Fatalf("close request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("close status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var sess ledger.Session
	if err := json.NewDecoder(res.Body).Decode(&sess); err != nil {
		t.Fatalf("decode close response: %v", err)
	}
	if sess.Status != ledger.StatusClosed {
		t.Fatalf("status = %q, want closed", sess.Status)
	}

	// A closed session no longer receives joiners.
	next := postJoin(t, ts.URL)
	if next.SessionID == joined.SessionID {
		t.Fatalf("join landed in closed session %s", joined.SessionID)
	}
}

func TestUnknownSessionReturnsNotFound(t *testing.T) {
	ts, _ := newTestServer(t, 4)
	res, err := http.Get(ts.URL + "/v1/lobby/sessions/nope")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}

	res, err = http.Post(ts.URL+"/v1/lobby/sessions/nope/close", "application/json", nil)
	if err != nil {
		t.Fatalf("close request error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("close status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestEventsWebSocketReceivesActivation(t *testing.T) {
	ts, svc := newTestServer(t, 2)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/lobby/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial events ws: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for svc.Hub.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	first := postJoin(t, ts.URL)
	postJoin(t, ts.URL)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		ev, err := protocol.ParseEvent(data)
		if err != nil {
			t.Fatalf("ParseEvent() error = %v", err)
		}
		if act, ok := ev.(protocol.SessionActivated); ok {
			if act.SessionID != first.SessionID || act.Capacity != 2 {
				t.Fatalf("activation = %+v, want session %s capacity 2", act, first.SessionID)
			}
			return
		}
	}
}
