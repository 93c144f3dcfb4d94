package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/crowdwatch/crowdwatch/internal/alert"
	"github.com/crowdwatch/crowdwatch/internal/control"
	"github.com/crowdwatch/crowdwatch/internal/metrics"
	"github.com/crowdwatch/crowdwatch/internal/pipeline"
	"github.com/crowdwatch/crowdwatch/internal/session"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// Controller issues lifecycle and analysis requests to the detector backend.
type Controller interface {
	RequestStart(ctx context.Context) (control.StartResult, error)
	RequestStop(ctx context.Context) error
	Analyze(ctx context.Context, image io.Reader, filename string) (control.Analysis, error)
}

// Publisher receives every frame produced by the pipeline.
type Publisher interface {
	Publish(f types.Frame)
}

// Notifier delivers escalation alerts.
type Notifier interface {
	Notify(a alert.Alert)
}

// Options configures a Monitor. Feed and Controller are required.
type Options struct {
	Feed        session.Feed
	Controller  Controller
	Threshold   int
	HistorySize int
	Retry       session.RetryPolicy
	Clock       session.Clock

	Publisher Publisher
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

// Monitor is the session context: it owns the loop, the feed session and the
// pipeline for one camera feed.
type Monitor struct {
	loop    *Loop
	sess    *session.Session
	pipe    *pipeline.Pipeline
	ctrl    Controller
	pub     Publisher
	notify  Notifier
	metrics *metrics.Metrics

	// loop-owned
	lastState      session.State
	lastMalformed  uint64
	lastReconnects uint64
}

// New wires a Monitor. Nothing runs until Serve is called.
func New(opts Options) (*Monitor, error) {
	if opts.Feed == nil || opts.Controller == nil {
		return nil, fmt.Errorf("monitor: feed and controller are required")
	}
	if opts.Clock == nil {
		opts.Clock = session.SystemClock()
	}

	m := &Monitor{
		loop:    NewLoop(),
		ctrl:    opts.Controller,
		pub:     opts.Publisher,
		notify:  opts.Notifier,
		metrics: opts.Metrics,
	}

	pipe, err := pipeline.New(pipeline.Options{
		Threshold:   opts.Threshold,
		HistorySize: opts.HistorySize,
		Publisher:   m,
		Notifier:    m,
		Now:         opts.Clock.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	m.pipe = pipe

	m.sess = session.New(session.Options{
		Feed:    opts.Feed,
		Post:    m.post,
		Clock:   opts.Clock,
		Retry:   opts.Retry,
		OnCount: func(n int) { m.observe(n, types.OriginLive, "") }, //nolint:errcheck
		OnLive:  func() { m.pipe.SetRunning(true) },
		OnStop:  m.pipe.Stop,
	})
	if m.metrics != nil {
		m.metrics.Threshold.Set(float64(opts.Threshold))
	}
	return m, nil
}

// Serve runs the event loop until ctx is cancelled, then stops the session.
func (m *Monitor) Serve(ctx context.Context) error {
	slog.Info("monitor: event loop started")
	m.loop.Run(ctx)
	// The loop has exited; nothing else touches the session now.
	m.sess.Stop()
	m.syncSession()
	slog.Info("monitor: event loop stopped")
	return ctx.Err()
}

// Start asks the backend to begin acquisition and then (re)starts the feed
// session. History and peak are cleared only when no session was active.
func (m *Monitor) Start(ctx context.Context) (control.StartResult, error) {
	res, err := m.ctrl.RequestStart(ctx)
	if err != nil {
		return "", err
	}
	err = m.do(ctx, func() {
		if !m.sess.State().Active() {
			m.pipe.Begin()
		}
		m.sess.Start()
	})
	if err != nil {
		return "", err
	}
	slog.Info("monitor: session started", "backend", string(res))
	return res, nil
}

// Stop asks the backend to stop acquisition and then closes the session,
// resetting the alert state.
func (m *Monitor) Stop(ctx context.Context) error {
	if err := m.ctrl.RequestStop(ctx); err != nil {
		return err
	}
	return m.do(ctx, m.sess.Stop)
}

// Analyze runs a one-off static analysis and processes its count exactly like
// one observation. On failure nothing changes.
func (m *Monitor) Analyze(ctx context.Context, image io.Reader, filename string) (types.Frame, error) {
	a, err := m.ctrl.Analyze(ctx, image, filename)
	if err != nil {
		return types.Frame{}, err
	}
	return m.Ingest(ctx, a.Count, a.Label)
}

// Ingest processes a static result that was analyzed elsewhere.
func (m *Monitor) Ingest(ctx context.Context, count int, label string) (types.Frame, error) {
	var (
		f    types.Frame
		oerr error
	)
	if err := m.do(ctx, func() { f, oerr = m.observe(count, types.OriginStatic, label) }); err != nil {
		return types.Frame{}, err
	}
	return f, oerr
}

// Acknowledge acknowledges the current critical state.
func (m *Monitor) Acknowledge(ctx context.Context) (bool, error) {
	var ok bool
	err := m.do(ctx, func() { ok = m.pipe.AcknowledgeCritical() })
	return ok, err
}

// Session returns a snapshot of the feed session.
func (m *Monitor) Session(ctx context.Context) (types.SessionSnapshot, error) {
	var snap types.SessionSnapshot
	err := m.loop.Do(ctx, func() { snap = m.sess.Snapshot() })
	return snap, err
}

// Latest returns the most recent frame, if any.
func (m *Monitor) Latest() (types.Frame, bool) { return m.pipe.Latest() }

// History returns the retained samples with their average and the peak.
func (m *Monitor) History() ([]types.Sample, float64, int) { return m.pipe.History() }

// Alert returns the current alert state.
func (m *Monitor) Alert() types.AlertSnapshot { return m.pipe.Alert() }

// Threshold returns the active threshold.
func (m *Monitor) Threshold() int { return m.pipe.Threshold() }

// SetThreshold changes the threshold for subsequent observations.
func (m *Monitor) SetThreshold(n int) error {
	if err := m.pipe.SetThreshold(n); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.Threshold.Set(float64(n))
	}
	slog.Info("monitor: threshold changed", "threshold", n)
	return nil
}

// Publish implements pipeline.Publisher.
func (m *Monitor) Publish(f types.Frame) {
	if m.metrics != nil {
		m.metrics.ObserveFrame(f)
	}
	if m.pub != nil {
		m.pub.Publish(f)
	}
}

// Escalated implements pipeline.Notifier. It runs on the loop.
func (m *Monitor) Escalated(f types.Frame) {
	slog.Warn("monitor: alert raised",
		"category", f.Category.String(), "count", f.Count, "score", f.Score, "alerts", f.Alert.Count)
	if m.metrics != nil {
		m.metrics.ObserveEscalation(f.Category)
	}
	if m.notify != nil {
		m.notify.Notify(alert.NewAlert(m.sess.Snapshot().ID, f))
	}
}

func (m *Monitor) observe(count int, origin types.Origin, label string) (types.Frame, error) {
	f, err := m.pipe.Observe(count, origin, label)
	if err != nil {
		slog.Warn("monitor: observation rejected", "origin", string(origin), "count", count, "err", err)
	}
	return f, err
}

// post is the session's Post hook: it runs f on the loop and then mirrors the
// session into the metrics.
func (m *Monitor) post(f func()) {
	m.loop.Post(func() {
		f()
		m.syncSession()
	})
}

func (m *Monitor) do(ctx context.Context, f func()) error {
	return m.loop.Do(ctx, func() {
		f()
		m.syncSession()
	})
}

// syncSession pushes session changes into the metrics. Loop-only.
func (m *Monitor) syncSession() {
	if m.metrics == nil {
		return
	}
	snap := m.sess.Snapshot()
	if st := m.sess.State(); st != m.lastState {
		m.metrics.SetSessionState(st.String())
		m.lastState = st
	}
	m.metrics.Malformed.Add(float64(delta(snap.Malformed, &m.lastMalformed)))
	m.metrics.Reconnects.Add(float64(delta(snap.Reconnects, &m.lastReconnects)))
}

// delta returns how far a per-session counter moved since the last call.
// Counters restart from zero on each new session.
func delta(cur uint64, last *uint64) uint64 {
	d := cur
	if cur >= *last {
		d = cur - *last
	}
	*last = cur
	return d
}
