// Package shutdown tears the service down in order on a termination signal:
// stop scheduling reaper sweeps, remove every sandbox, then close the
// listener.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Scheduler is a periodic job whose Stop returns a context that is done once
// the job in flight has finished. *reaper.Reaper implements it.
type Scheduler interface {
	Stop() context.Context
}

// Drainer removes every sandbox. *lifecycle.Manager implements it.
type Drainer interface {
	DrainAll(ctx context.Context) (int, error)
}

// Server is the listener to close last. *http.Server implements it.
type Server interface {
	Shutdown(ctx context.Context) error
}

type Coordinator struct {
	Reaper   Scheduler
	Sessions Drainer
	Server   Server
	Timeout  time.Duration
}

// Shutdown runs every step even when an earlier one fails, all within
// Timeout. A nil error means every sandbox was removed.
func (c *Coordinator) Shutdown() error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Println("[shutdown] draining")
	var errs []error

	if c.Reaper != nil {
		select {
		case <-c.Reaper.Stop().Done():
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("reaper stop: %w", ctx.Err()))
		}
	}

	if c.Sessions != nil {
		n, err := c.Sessions.DrainAll(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		}
		log.Printf("[shutdown] removed %d sandbox(es)", n)
	}

	if c.Server != nil {
		if err := c.Server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		log.Printf("[shutdown] finished with errors: %v", err)
		return err
	}
	log.Println("[shutdown] complete")
	return nil
}
