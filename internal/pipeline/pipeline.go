package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crowdwatch/crowdwatch/internal/alert"
	"github.com/crowdwatch/crowdwatch/internal/history"
	"github.com/crowdwatch/crowdwatch/internal/risk"
	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// ErrNegativeCount is returned by Observe for counts below zero.
var ErrNegativeCount = errors.New("pipeline: negative count")

// ErrInvalidThreshold is returned by SetThreshold for non-positive values.
var ErrInvalidThreshold = errors.New("pipeline: threshold must be positive")

// Publisher receives every frame.
type Publisher interface {
	Publish(f types.Frame)
}

// Notifier receives frames whose observation raised the alert count.
type Notifier interface {
	Escalated(f types.Frame)
}

// Options configures a Pipeline.
type Options struct {
	Threshold   int
	HistorySize int
	Publisher   Publisher
	Notifier    Notifier
	Now         func() time.Time
}

// Pipeline owns the alert tracker and history buffer for one monitor.
type Pipeline struct {
	pub    Publisher
	notify Notifier
	now    func() time.Time

	mu        sync.RWMutex
	threshold int
	tracker   *alert.Tracker
	history   *history.Buffer
	running   bool
	seq       uint64
	latest    types.Frame
	hasLatest bool
}

// New returns a Pipeline with an empty history.
func New(opts Options) (*Pipeline, error) {
	if opts.Threshold <= 0 {
		return nil, ErrInvalidThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		pub:       opts.Publisher,
		notify:    opts.Notifier,
		now:       opts.Now,
		threshold: opts.Threshold,
		tracker:   alert.NewTracker(),
		history:   history.New(opts.HistorySize),
	}, nil
}

// Observe processes one count and returns the resulting frame.
// Negative counts are rejected before any state changes.
func (p *Pipeline) Observe(count int, origin types.Origin, label string) (types.Frame, error) {
	if count < 0 {
		return types.Frame{}, fmt.Errorf("%w: %d", ErrNegativeCount, count)
	}

	p.mu.Lock()
	now := p.now()
	a := risk.Assess(count, p.threshold)
	ev := p.tracker.Observe(a.Category)

	recorded := p.running || count != 0
	if recorded {
		p.history.Push(types.Sample{At: now, Count: count})
	}

	p.seq++
	f := types.Frame{
		Seq:                 p.seq,
		At:                  now,
		Origin:              origin,
		Label:               label,
		Count:               count,
		Threshold:           p.threshold,
		Score:               a.Score,
		Category:            a.Category,
		ShowCriticalOverlay: ev.ShowCriticalOverlay,
		Recorded:            recorded,
		Alert:               p.tracker.Snapshot(),
		History:             p.history.Snapshot(),
		Average:             p.history.Average(),
		Peak:                p.history.Peak(),
	}
	p.latest = f
	p.hasLatest = true
	p.mu.Unlock()

	if p.pub != nil {
		p.pub.Publish(f)
	}
	if ev.Escalated && p.notify != nil {
		p.notify.Escalated(f)
	}
	return f, nil
}

// Begin prepares for a new session: history, peak and alert state are cleared.
func (p *Pipeline) Begin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history.Reset()
	p.tracker.Reset()
}

// SetRunning marks whether a session is live. Zero counts are only recorded
// while running.
func (p *Pipeline) SetRunning(running bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = running
}

// Running reports the running flag.
func (p *Pipeline) Running() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Stop resets the alert tracker and clears the running flag. The history is
// kept so the last trend stays visible.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracker.Reset()
	p.running = false
}

// AcknowledgeCritical acknowledges the current critical state. It returns
// false, changing nothing, when the current category is not critical.
func (p *Pipeline) AcknowledgeCritical() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.AcknowledgeCritical()
}

// Alert returns a snapshot of the alert tracker.
func (p *Pipeline) Alert() types.AlertSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracker.Snapshot()
}

// SetThreshold changes the threshold used for subsequent observations.
func (p *Pipeline) SetThreshold(n int) error {
	if n <= 0 {
		return ErrInvalidThreshold
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = n
	return nil
}

// Threshold returns the current threshold.
func (p *Pipeline) Threshold() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// Latest returns the most recent frame, if any.
func (p *Pipeline) Latest() (types.Frame, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.hasLatest
}

// History returns the retained samples oldest first together with their
// average and the session peak.
func (p *Pipeline) History() (samples []types.Sample, average float64, peak int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.history.Snapshot(), p.history.Average(), p.history.Peak()
}
