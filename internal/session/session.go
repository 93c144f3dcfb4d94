package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crowdwatch/crowdwatch/pkg/types"
)

// DefaultRetryDelay is used when Options.Retry is nil.
const DefaultRetryDelay = 2 * time.Second

// ErrEndOfStream is reported when a feed closes without a transport error.
var ErrEndOfStream = errors.New("session: end of stream")

// Stream is one open subscription. Recv blocks until the next payload
// arrives; it returns an error when the subscription ends. Close may be
// called concurrently with Recv and must unblock it.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Feed opens subscriptions to the live count source.
type Feed interface {
	Open(ctx context.Context) (Stream, error)
}

// Options configures a Session. Feed and Post are required.
type Options struct {
	Feed Feed

	// Post schedules f on the goroutine that owns the Session.
	Post func(f func())

	Clock Clock
	Retry RetryPolicy

	// OnCount receives every well-formed count in arrival order.
	OnCount func(count int)
	// OnLive is called on each Connecting to Live transition.
	OnLive func()
	// OnStop is called once per Stop.
	OnStop func()
}

// Session is the stream subscription state machine.
type Session struct {
	opts Options

	state   State
	gen     uint64
	id      string
	attempt int
	delay   time.Duration
	cancel  context.CancelFunc
	timer   Timer

	startedAt  time.Time
	liveSince  time.Time
	messages   uint64
	malformed  uint64
	reconnects uint64
	lastErr    string
}

// New returns an Idle Session.
func New(opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Retry == nil {
		opts.Retry = Fixed(DefaultRetryDelay)
	}
	if opts.OnCount == nil {
		opts.OnCount = func(int) {}
	}
	if opts.OnLive == nil {
		opts.OnLive = func() {}
	}
	if opts.OnStop == nil {
		opts.OnStop = func() {}
	}
	return &Session{opts: opts}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Start tears down any previous subscription or pending retry, begins a new
// session and enters Connecting.
func (s *Session) Start() {
	s.teardown()
	s.gen++
	s.id = uuid.NewString()
	s.attempt = 0
	s.delay = 0
	s.startedAt = s.opts.Clock.Now()
	s.liveSince = time.Time{}
	s.messages, s.malformed, s.reconnects = 0, 0, 0
	s.lastErr = ""

	slog.Info("session: starting", "session_id", s.id)
	s.connect()
}

// Stop cancels any pending retry, closes the subscription and enters Closed.
// It never blocks and is valid from every state.
func (s *Session) Stop() {
	s.teardown()
	s.gen++
	prev := s.state
	s.state = Closed
	s.attempt = 0
	s.delay = 0
	s.liveSince = time.Time{}
	slog.Info("session: stopped", "session_id", s.id, "from", prev.String())
	s.opts.OnStop()
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() types.SessionSnapshot {
	snap := types.SessionSnapshot{
		ID:         s.id,
		State:      s.state.String(),
		Attempt:    s.attempt,
		RetryDelay: s.delay,
		Messages:   s.messages,
		Malformed:  s.malformed,
		Reconnects: s.reconnects,
		LastError:  s.lastErr,
	}
	if !s.startedAt.IsZero() && s.state.Active() {
		t := s.startedAt
		snap.StartedAt = &t
	}
	if s.state == Live {
		t := s.liveSince
		snap.LiveSince = &t
	}
	return snap
}

// teardown releases the current subscription and retry timer.
func (s *Session) teardown() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

func (s *Session) connect() {
	s.state = Connecting
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx, s.gen)
}

// run owns one subscription. It never touches Session state directly.
func (s *Session) run(ctx context.Context, gen uint64) {
	stream, err := s.opts.Feed.Open(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.opts.Post(func() { s.fail(gen, fmt.Errorf("session: open feed: %w", err)) })
		}
		return
	}

	var once sync.Once
	closeStream := func() { once.Do(func() { _ = stream.Close() }) }
	stop := context.AfterFunc(ctx, closeStream)
	defer stop()
	defer closeStream()

	for {
		payload, err := stream.Recv()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.opts.Post(func() { s.fail(gen, err) })
			return
		}
		s.opts.Post(func() { s.receive(gen, payload) })
	}
}

func (s *Session) receive(gen uint64, payload string) {
	if gen != s.gen {
		return
	}
	switch s.state {
	case Connecting:
		s.state = Live
		s.liveSince = s.opts.Clock.Now()
		s.attempt = 0
		s.delay = 0
		slog.Info("session: live", "session_id", s.id)
		s.opts.OnLive()
	case Live:
	default:
		return
	}

	s.messages++
	n, err := ParseCount(payload)
	if err != nil {
		s.malformed++
		slog.Warn("session: dropping malformed payload", "session_id", s.id, "payload", payload, "err", err)
		return
	}
	s.opts.OnCount(n)
}

func (s *Session) fail(gen uint64, err error) {
	if gen != s.gen || (s.state != Connecting && s.state != Live) {
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}

	s.lastErr = err.Error()
	s.attempt++
	s.delay = s.opts.Retry.Delay(s.attempt)
	s.state = Retrying
	s.liveSince = time.Time{}
	s.timer = s.opts.Clock.AfterFunc(s.delay, func() {
		s.opts.Post(func() { s.retry(gen) })
	})
	slog.Warn("session: feed lost, retry scheduled",
		"session_id", s.id, "attempt", s.attempt, "delay", s.delay, "err", err)
}

func (s *Session) retry(gen uint64) {
	if gen != s.gen || s.state != Retrying {
		return
	}
	s.timer = nil
	s.reconnects++
	slog.Info("session: reconnecting", "session_id", s.id, "attempt", s.attempt)
	s.connect()
}

// ParseCount parses a feed payload as a non-negative integer count.
// Surrounding whitespace is ignored.
func ParseCount(payload string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("session: parse count: %w", err)
	}
	if n < 0 {
		return 0, fmt.Errorf("session: parse count: negative value %d", n)
	}
	return n, nil
}
