// Package lifecycle owns every sandbox container: it creates, reuses, stops
// and removes them on behalf of client sessions and keeps each session's
// handles consistent with what the engine actually runs.
//
// All operations on one session are serialized by the session's lifecycle
// token. Operations on different sessions run concurrently.
package lifecycle

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/m1theusr/k8s-easy-start-lab/internal/events"
	"github.com/m1theusr/k8s-easy-start-lab/internal/logutil"
	"github.com/m1theusr/k8s-easy-start-lab/internal/orchestrator"
	"github.com/m1theusr/k8s-easy-start-lab/internal/session"
)

const defaultCleanupTimeout = 30 * time.Second

// Config shapes the sandboxes a Manager creates.
type Config struct {
	Image        string
	BuildContext string
	Dockerfile   string
	MemoryLimit  string
	CPULimit     string
	Shell        string
	NamePrefix   string
	Env          []string

	// SessionExpiry is the absolute sandbox lifetime; a reconnect to an
	// older container discards it.
	SessionExpiry time.Duration

	// Delays between container start and shell attach, letting the image's
	// entrypoint finish its setup.
	CreateSettle    time.Duration
	ReconnectSettle time.Duration

	// CleanupTimeout bounds the engine calls of one cleanup.
	CleanupTimeout time.Duration
}

type Manager struct {
	runtime  orchestrator.ContainerRuntime
	registry *session.Registry
	clock    clock.Clock
	cfg      Config

	// ctx is canceled when draining starts; it aborts in-flight operations
	// and rejects new ones.
	ctx    context.Context
	cancel context.CancelFunc

	images singleflight.Group
}

func New(runtime orchestrator.ContainerRuntime, registry *session.Registry, clk clock.Clock, cfg Config) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = defaultCleanupTimeout
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		runtime:  runtime,
		registry: registry,
		clock:    clk,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Manager) Registry() *session.Registry {
	return m.registry
}

// opContext derives the context of one operation: it ends with the caller's
// ctx or when draining starts, whichever comes first.
func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// acquire resolves id to its live session and takes the lifecycle token.
// A session removed by the reaper while we waited is replaced by a fresh one.
func (m *Manager) acquire(ctx context.Context, id string) (*session.Session, error) {
	for {
		if m.ctx.Err() != nil {
			return nil, ErrShuttingDown
		}
		s, _ := m.registry.GetOrCreate(id)
		if err := s.Acquire(ctx); err != nil {
			if m.ctx.Err() != nil {
				return nil, ErrShuttingDown
			}
			return nil, err
		}
		if !s.Removed() && m.ctx.Err() == nil {
			return s, nil
		}
		s.Release()
	}
}

// begin is the common prologue of client-driven operations.
func (m *Manager) begin(ctx context.Context, id string, em events.Emitter) (*session.Session, error) {
	s, err := m.acquire(ctx, id)
	if err != nil {
		log.Printf("[lifecycle] %s: %v", logutil.ShortID(id), err)
		return nil, err
	}
	if em != nil {
		s.SetClient(em)
	}
	s.Touch(m.clock.Now())
	return s, nil
}

// settle waits d unless ctx ends first.
func (m *Manager) settle(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := m.clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emit(em events.Emitter, event string, payload any) {
	if em == nil {
		return
	}
	if err := em.Emit(event, payload); err != nil {
		log.Printf("[lifecycle] emit %s to %s: %v", event, em.ID(), err)
	}
}

func emitStatus(em events.Emitter, st events.Status) {
	emit(em, events.ContainerStatus, st)
}

// reportError tells the client an operation failed. The session is left
// able to accept a new create.
func (m *Manager) reportError(em events.Emitter, err error) {
	msg := m.describe(err)
	emitStatus(em, events.StatusError)
	emit(em, events.ContainerError, msg)
	emit(em, events.ContainerOutput, events.ErrorText(msg))
}

// describe renders err for the client. An operation aborted because
// draining started is reported as a shutdown, not a cancellation.
func (m *Manager) describe(err error) string {
	canceled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	switch {
	case errors.Is(err, ErrShuttingDown), canceled && m.ctx.Err() != nil:
		return "Server is shutting down"
	case canceled:
		return "Operation cancelled"
	default:
		return err.Error()
	}
}
