package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service adapts a run function to suture.Service.
type Service struct {
	name string
	run  func(ctx context.Context) error
	once bool
}

// Func wraps run as a restartable service.
func Func(name string, run func(ctx context.Context) error) *Service {
	return &Service{name: name, run: run}
}

// Once wraps run as a service that is never restarted once it returns.
// Use it for components that cannot be run twice.
func Once(name string, run func(ctx context.Context) error) *Service {
	return &Service{name: name, run: run, once: true}
}

// Serve implements suture.Service.
func (s *Service) Serve(ctx context.Context) error {
	err := s.run(ctx)
	if s.once {
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("%s: %w: %w", s.name, err, suture.ErrDoNotRestart)
		}
		return suture.ErrDoNotRestart
	}
	return err
}

func (s *Service) String() string { return s.name }

// Server is the subset of *http.Server the HTTP service drives.
type Server interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServer runs srv until ctx is cancelled, then shuts it down gracefully.
func HTTPServer(srv Server, shutdownTimeout time.Duration) *Service {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return Func("http-server", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("supervisor: http server: %w", err)
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("supervisor: http server shutdown: %w", err)
			}
			<-errCh
			return ctx.Err()
		}
	})
}
