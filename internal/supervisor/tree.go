package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config holds supervisor tree settings. Zero values take suture's defaults.
type Config struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds.
	FailureDecay float64
	// FailureBackoff is the pause once the threshold is exceeded.
	FailureBackoff time.Duration
	// ShutdownTimeout bounds how long each service gets to stop.
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Tree is the crowdwatch supervisor hierarchy.
type Tree struct {
	root    *suture.Supervisor
	core    *suture.Supervisor
	surface *suture.Supervisor
}

// New builds the tree. Events from every layer are logged to logger.
func New(logger *slog.Logger, cfg Config) *Tree {
	cfg.applyDefaults()

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	layerSpec := func(withHook bool) suture.Spec {
		s := suture.Spec{
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		}
		if withHook {
			s.EventHook = hook
		}
		return s
	}

	t := &Tree{
		root:    suture.New("crowdwatch", layerSpec(true)),
		core:    suture.New("core", layerSpec(false)),
		surface: suture.New("surface", layerSpec(false)),
	}
	t.root.Add(t.core)
	t.root.Add(t.surface)
	return t
}

// AddCore adds a service to the core layer.
func (t *Tree) AddCore(svc suture.Service) suture.ServiceToken { return t.core.Add(svc) }

// AddSurface adds a service to the surface layer.
func (t *Tree) AddSurface(svc suture.Service) suture.ServiceToken { return t.surface.Add(svc) }

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
