package hub_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crowdwatch/crowdwatch/internal/hub"
	"github.com/crowdwatch/crowdwatch/internal/metrics"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

const testInterval = 20 * time.Millisecond

// --- helpers ----------------------------------------------------------------

type source struct {
	frame *types.Frame
	snap  types.SessionSnapshot
}

func (s *source) Latest() (types.Frame, bool) {
	if s.frame == nil {
		return types.Frame{}, false
	}
	return *s.frame, true
}

func (s *source) Session(context.Context) (types.SessionSnapshot, error) {
	return s.snap, nil
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// startHub serves h over httptest and runs its broadcast loop.
func startHub(t *testing.T, src hub.Source, m *metrics.Metrics) (string, *hub.Hub, context.CancelFunc) {
	t.Helper()

	h := hub.New(src, testInterval, m)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(h)
	go h.Run(ctx) //nolint:errcheck

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http"), h, cancel
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var e envelope
	if err := json.Unmarshal(msg, &e); err != nil {
		t.Fatalf("unmarshal %s: %v", msg, err)
	}
	return e
}

// readEvent skips messages until one with the given event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) envelope {
	t.Helper()
	for i := 0; i < 50; i++ {
		if e := read(t, conn); e.Event == event {
			return e
		}
	}
	t.Fatalf("no %q event received", event)
	return envelope{}
}

func waitCount(t *testing.T, h *hub.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("Count: got %d, want %d", h.Count(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// --- tests ------------------------------------------------------------------

func TestHub_ConnectReceivesLatestFrameThenSession(t *testing.T) {
	src := &source{
		frame: &types.Frame{Seq: 7, Count: 55, Category: types.High},
		snap:  types.SessionSnapshot{ID: "abc", State: "live"},
	}
	wsURL, _, _ := startHub(t, src, nil)
	conn := dial(t, wsURL)

	first := read(t, conn)
	if first.Event != hub.EventFrame {
		t.Fatalf("first event: got %q, want frame", first.Event)
	}
	var f types.Frame
	if err := json.Unmarshal(first.Data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Seq != 7 || f.Count != 55 || f.Category != types.High {
		t.Errorf("frame: %+v", f)
	}

	second := read(t, conn)
	if second.Event != hub.EventSession {
		t.Fatalf("second event: got %q, want session", second.Event)
	}
	var s types.SessionSnapshot
	if err := json.Unmarshal(second.Data, &s); err != nil {
		t.Fatal(err)
	}
	if s.ID != "abc" || s.State != "live" {
		t.Errorf("session: %+v", s)
	}
}

func TestHub_ConnectWithoutFrame(t *testing.T) {
	wsURL, _, _ := startHub(t, &source{snap: types.SessionSnapshot{State: "idle"}}, nil)
	conn := dial(t, wsURL)
	if e := read(t, conn); e.Event != hub.EventSession {
		t.Errorf("first event: got %q, want session", e.Event)
	}
}

func TestHub_PublishReachesClients(t *testing.T) {
	wsURL, h, _ := startHub(t, &source{}, nil)
	a := dial(t, wsURL)
	b := dial(t, wsURL)
	waitCount(t, h, 2)

	h.Publish(types.Frame{Seq: 1, Count: 12})

	for _, conn := range []*websocket.Conn{a, b} {
		e := readEvent(t, conn, hub.EventFrame)
		var f types.Frame
		json.Unmarshal(e.Data, &f) //nolint:errcheck
		if f.Count != 12 {
			t.Errorf("frame count: got %d, want 12", f.Count)
		}
	}
}

func TestHub_PeriodicSessionBroadcast(t *testing.T) {
	wsURL, _, _ := startHub(t, &source{snap: types.SessionSnapshot{State: "retrying", Attempt: 3}}, nil)
	conn := dial(t, wsURL)

	// Initial status on connect, then at least two ticks.
	for i := 0; i < 3; i++ {
		e := readEvent(t, conn, hub.EventSession)
		var s types.SessionSnapshot
		json.Unmarshal(e.Data, &s) //nolint:errcheck
		if s.Attempt != 3 {
			t.Errorf("attempt: got %d, want 3", s.Attempt)
		}
	}
}

func TestHub_CountAndMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	wsURL, h, _ := startHub(t, &source{}, m)

	conn := dial(t, wsURL)
	waitCount(t, h, 1)
	if got := testutil.ToFloat64(m.HubClients); got != 1 {
		t.Errorf("ws_clients: got %v, want 1", got)
	}

	conn.Close()
	waitCount(t, h, 0)
	if got := testutil.ToFloat64(m.HubClients); got != 0 {
		t.Errorf("ws_clients after disconnect: got %v, want 0", got)
	}
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	wsURL, h, cancel := startHub(t, &source{}, nil)
	conn := dial(t, wsURL)
	waitCount(t, h, 1)

	cancel()
	waitCount(t, h, 0)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestHub_RejectsPlainHTTP(t *testing.T) {
	h := hub.New(&source{}, time.Second, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/stream", nil))
	if rec.Code == http.StatusOK || rec.Code == http.StatusSwitchingProtocols {
		t.Errorf("non-websocket request: got status %d", rec.Code)
	}
}

// racingSource publishes a newer frame while the hub is priming a client.
type racingSource struct {
	hub atomic.Pointer[hub.Hub]
}

func (s *racingSource) Latest() (types.Frame, bool) {
	s.hub.Load().Publish(types.Frame{Seq: 2, Count: 20})
	return types.Frame{Seq: 1, Count: 10}, true
}

func (s *racingSource) Session(context.Context) (types.SessionSnapshot, error) {
	return types.SessionSnapshot{State: "live"}, nil
}

func TestHub_FramePublishedDuringConnectIsDelivered(t *testing.T) {
	src := &racingSource{}
	wsURL, h, _ := startHub(t, src, nil)
	src.hub.Store(h)
	conn := dial(t, wsURL)

	seen := map[uint64]bool{}
	for len(seen) < 2 {
		e := readEvent(t, conn, hub.EventFrame)
		var f types.Frame
		if err := json.Unmarshal(e.Data, &f); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		seen[f.Seq] = true
	}
	if !seen[1] || !seen[2] {
		t.Errorf("frames seen: %v, want seq 1 and 2", seen)
	}
}
