package monitor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crowdwatch/crowdwatch/internal/alert"
	"github.com/crowdwatch/crowdwatch/internal/control"
	"github.com/crowdwatch/crowdwatch/internal/metrics"
	"github.com/crowdwatch/crowdwatch/internal/session"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// ── fakes ────────────────────────────────────────────────────────────────────

type stream struct {
	msgs   chan string
	closed chan struct{}
	once   sync.Once
}

func (s *stream) Recv() (string, error) {
	select {
	case m := <-s.msgs:
		return m, nil
	case <-s.closed:
		return "", session.ErrEndOfStream
	}
}

func (s *stream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type feed struct {
	mu      sync.Mutex
	current *stream
	opens   int
}

func (f *feed) Open(context.Context) (session.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.current = &stream{msgs: make(chan string, 16), closed: make(chan struct{})}
	return f.current, nil
}

func (f *feed) send(t *testing.T, payload string) {
	t.Helper()
	eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.current != nil
	})
	f.mu.Lock()
	f.current.msgs <- payload
	f.mu.Unlock()
}

func (f *feed) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type controller struct {
	mu         sync.Mutex
	startErr   error
	stopErr    error
	startRes   control.StartResult
	analysis   control.Analysis
	analyzeErr error
	starts     int
	stops      int
}

func (c *controller) RequestStart(context.Context) (control.StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts++
	if c.startErr != nil {
		return "", c.startErr
	}
	if c.startRes == "" {
		return control.Started, nil
	}
	return c.startRes, nil
}

func (c *controller) RequestStop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return c.stopErr
}

func (c *controller) Analyze(_ context.Context, r io.Reader, name string) (control.Analysis, error) {
	_, _ = io.ReadAll(r)
	if c.analyzeErr != nil {
		return control.Analysis{}, c.analyzeErr
	}
	a := c.analysis
	if a.Label == "" {
		a.Label = name
	}
	return a, nil
}

type sink struct {
	mu     sync.Mutex
	frames []types.Frame
	alerts []alert.Alert
}

func (s *sink) Publish(f types.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *sink) Notify(a alert.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *sink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// ── harness ──────────────────────────────────────────────────────────────────

type env struct {
	m    *Monitor
	feed *feed
	ctrl *controller
	sink *sink
	met  *metrics.Metrics
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithRetry(t, session.Fixed(10*time.Millisecond))
}

func newEnvWithRetry(t *testing.T, retry session.RetryPolicy) *env {
	t.Helper()
	e := &env{feed: &feed{}, ctrl: &controller{}, sink: &sink{}, met: metrics.New(prometheus.NewRegistry())}
	m, err := New(Options{
		Feed:        e.feed,
		Controller:  e.ctrl,
		Threshold:   50,
		HistorySize: 60,
		Retry:       retry,
		Publisher:   e.sink,
		Notifier:    e.sink,
		Metrics:     e.met,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.m = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (e *env) state(t *testing.T) string {
	t.Helper()
	snap, err := e.m.Session(context.Background())
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	return snap.State
}

func (e *env) waitState(t *testing.T, want string) {
	t.Helper()
	eventually(t, func() bool { return e.state(t) == want })
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_RequiresFeedAndController(t *testing.T) {
	if _, err := New(Options{Threshold: 50}); err == nil {
		t.Fatal("expected error without feed and controller")
	}
}

func TestMonitor_LiveFlow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res, err := e.m.Start(ctx)
	if err != nil || res != control.Started {
		t.Fatalf("Start: %q, %v", res, err)
	}

	for _, p := range []string{"10", "40", "55", "90", "55", "10"} {
		e.feed.send(t, p)
	}
	eventually(t, func() bool { return e.sink.frameCount() == 6 })
	e.waitState(t, "live")

	f, ok := e.m.Latest()
	if !ok || f.Count != 10 || f.Origin != types.OriginLive {
		t.Fatalf("Latest: %+v", f)
	}
	if f.Alert.Count != 2 || f.Peak != 90 {
		t.Errorf("alert count=%d peak=%d, want 2 and 90", f.Alert.Count, f.Peak)
	}

	e.sink.mu.Lock()
	alerts := len(e.sink.alerts)
	var sid string
	if alerts > 0 {
		sid = e.sink.alerts[0].SessionID
	}
	e.sink.mu.Unlock()
	if alerts != 2 {
		t.Errorf("webhook alerts: got %d, want 2", alerts)
	}
	snap, _ := e.m.Session(ctx)
	if sid == "" || sid != snap.ID {
		t.Errorf("alert session id %q, want %q", sid, snap.ID)
	}

	if got := testutil.ToFloat64(e.met.SessionState.WithLabelValues("live")); got != 1 {
		t.Errorf("live state gauge: got %v", got)
	}
	if got := testutil.ToFloat64(e.met.Alerts.WithLabelValues("critical")); got != 1 {
		t.Errorf("critical alerts metric: got %v", got)
	}
}

func TestMonitor_StartFailureLeavesStateUnchanged(t *testing.T) {
	e := newEnv(t)
	e.ctrl.startErr = control.ErrRejected

	if _, err := e.m.Start(context.Background()); !errors.Is(err, control.ErrRejected) {
		t.Fatalf("Start: got %v, want ErrRejected", err)
	}
	if got := e.state(t); got != "idle" {
		t.Errorf("state: got %s, want idle", got)
	}
	if e.feed.openCount() != 0 {
		t.Error("feed opened despite failed start request")
	}
}

func TestMonitor_StopFailureLeavesStateUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	e.feed.send(t, "5")
	e.waitState(t, "live")

	e.ctrl.mu.Lock()
	e.ctrl.stopErr = control.ErrUnavailable
	e.ctrl.mu.Unlock()

	if err := e.m.Stop(ctx); !errors.Is(err, control.ErrUnavailable) {
		t.Fatalf("Stop: got %v, want ErrUnavailable", err)
	}
	if got := e.state(t); got != "live" {
		t.Errorf("state: got %s, want live", got)
	}
}

func TestMonitor_StopResetsAlerts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	e.feed.send(t, "90")
	eventually(t, func() bool { return e.sink.frameCount() == 1 })

	if err := e.m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := e.state(t); got != "closed" {
		t.Errorf("state: got %s, want closed", got)
	}
	if a := e.m.Alert(); a.Count != 0 || a.LastCategory != nil {
		t.Errorf("alert after Stop: %+v", a)
	}

	// Zero counts are held back while stopped.
	f, err := e.m.Ingest(ctx, 0, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if f.Recorded {
		t.Error("zero count recorded while stopped")
	}
}

func TestMonitor_RestartKeepsHistoryWhileActive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	e.feed.send(t, "20")
	eventually(t, func() bool { return e.sink.frameCount() == 1 })

	e.ctrl.startRes = control.AlreadyRunning
	res, err := e.m.Start(ctx)
	if err != nil || res != control.AlreadyRunning {
		t.Fatalf("second Start: %q, %v", res, err)
	}
	if s, _, _ := e.m.History(); len(s) != 1 {
		t.Errorf("history after restart while active: got %d samples, want 1", len(s))
	}

	if err := e.m.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := e.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if s, _, peak := e.m.History(); len(s) != 0 || peak != 0 {
		t.Errorf("history after start from closed: len=%d peak=%d", len(s), peak)
	}
}

func TestMonitor_Analyze(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.ctrl.analysis = control.Analysis{Count: 30}

	f, err := e.m.Analyze(ctx, strings.NewReader("img"), "gate.jpg")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if f.Origin != types.OriginStatic || f.Count != 30 || f.Label != "gate.jpg" || !f.Recorded {
		t.Errorf("frame: %+v", f)
	}

	e.ctrl.analyzeErr = control.ErrRejected
	if _, err := e.m.Analyze(ctx, strings.NewReader("img"), "bad.jpg"); !errors.Is(err, control.ErrRejected) {
		t.Fatalf("failed Analyze: got %v", err)
	}
	if s, _, _ := e.m.History(); len(s) != 1 {
		t.Errorf("failed analysis touched history: %d samples", len(s))
	}
	if got := e.sink.frameCount(); got != 1 {
		t.Errorf("frames: got %d, want 1", got)
	}
}

func TestMonitor_IngestNegative(t *testing.T) {
	e := newEnv(t)
	if _, err := e.m.Ingest(context.Background(), -4, ""); err == nil {
		t.Fatal("expected error for negative count")
	}
	if _, ok := e.m.Latest(); ok {
		t.Error("negative count produced a frame")
	}
}

func TestMonitor_Acknowledge(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if ok, err := e.m.Acknowledge(ctx); err != nil || ok {
		t.Fatalf("ack without critical: %v, %v", ok, err)
	}
	if _, err := e.m.Ingest(ctx, 100, "packed"); err != nil {
		t.Fatal(err)
	}
	if ok, err := e.m.Acknowledge(ctx); err != nil || !ok {
		t.Fatalf("ack while critical: %v, %v", ok, err)
	}
	f, _ := e.m.Ingest(ctx, 100, "packed")
	if f.ShowCriticalOverlay {
		t.Error("overlay shown after acknowledgment")
	}
}

func TestMonitor_ReconnectsAfterDrop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.m.Start(ctx); err != nil {
		t.Fatal(err)
	}
	e.feed.send(t, "1")
	e.waitState(t, "live")

	e.feed.mu.Lock()
	e.feed.current.Close()
	e.feed.mu.Unlock()

	eventually(t, func() bool { return e.feed.openCount() >= 2 })
	e.feed.send(t, "2")
	e.waitState(t, "live")

	if got := testutil.ToFloat64(e.met.Reconnects); got < 1 {
		t.Errorf("reconnects metric: got %v, want >= 1", got)
	}
}

func TestMonitor_SetThreshold(t *testing.T) {
	e := newEnv(t)
	if err := e.m.SetThreshold(0); err == nil {
		t.Error("SetThreshold(0): expected error")
	}
	if err := e.m.SetThreshold(80); err != nil {
		t.Fatal(err)
	}
	if e.m.Threshold() != 80 {
		t.Errorf("Threshold: got %d", e.m.Threshold())
	}
	if got := testutil.ToFloat64(e.met.Threshold); got != 80 {
		t.Errorf("threshold gauge: got %v", got)
	}
}

func TestMonitor_ZeroRecordedWhileRetrying(t *testing.T) {
	e := newEnvWithRetry(t, session.Fixed(time.Hour))
	ctx := context.Background()

	if _, err := e.m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	e.feed.send(t, "10")
	e.waitState(t, "live")

	e.feed.mu.Lock()
	e.feed.current.Close() //nolint:errcheck
	e.feed.mu.Unlock()
	e.waitState(t, "retrying")

	f, err := e.m.Ingest(ctx, 0, "gate")
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !f.Recorded {
		t.Error("zero count while retrying should be recorded: the session is still running")
	}

	if err := e.m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	f, err = e.m.Ingest(ctx, 0, "gate")
	if err != nil {
		t.Fatalf("Ingest after stop: %v", err)
	}
	if f.Recorded {
		t.Error("zero count after stop should not be recorded")
	}
}
