package lifecycle

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/m1theusr/k8s-easy-start-lab/internal/events"
	"github.com/m1theusr/k8s-easy-start-lab/internal/logutil"
	"github.com/m1theusr/k8s-easy-start-lab/internal/session"
)

// drainParallelism bounds how many sandboxes are torn down at once during
// shutdown.
const drainParallelism = 8

// Cleanup releases every resource the session owns. It is idempotent and
// never fails: each step's outcome is in the returned report.
func (m *Manager) Cleanup(ctx context.Context, s *session.Session) (CleanupReport, error) {
	if err := s.Acquire(ctx); err != nil {
		return CleanupReport{SessionID: s.ID}, err
	}
	defer s.Release()
	return m.cleanupLocked(ctx, s), nil
}

// cleanupLocked requires the session's lifecycle token. The engine calls run
// on a context detached from ctx's cancellation so an aborted operation still
// removes its container.
func (m *Manager) cleanupLocked(ctx context.Context, s *session.Session) CleanupReport {
	h := s.TakeHandles()
	report := CleanupReport{SessionID: s.ID, ContainerID: h.ContainerID}

	if h.Logs != nil {
		report.add("close-logs", h.Logs.Close())
	}
	if h.Exec != nil {
		report.add("close-shell", h.Exec.Close())
	}
	if h.ContainerID != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CleanupTimeout)
		defer cancel()
		report.add("stop-container", m.runtime.StopContainer(ctx, h.ContainerID))
		report.add("remove-container", m.runtime.RemoveContainer(ctx, h.ContainerID))
	}

	if len(report.Steps) == 0 {
		return report
	}
	if err := report.Err(); err != nil {
		log.Printf("[lifecycle] %s: cleanup incomplete: %v", logutil.ShortID(s.ID), err)
	} else {
		log.Printf("[lifecycle] %s: cleaned up [%s]", logutil.ShortID(s.ID), report)
	}
	return report
}

// closeHandles closes the relays of handles whose container is already gone.
func closeHandles(h session.Handles) {
	if h.Logs != nil {
		h.Logs.Close()
	}
	if h.Exec != nil {
		h.Exec.Close()
	}
}

// Reclaim tears down s and drops it from the registry if verdict, evaluated
// under the session's lifecycle token, returns a non-empty reason. Sessions
// that are busy, already removed, or own no container are left alone. The
// reason is returned when the session was reclaimed.
func (m *Manager) Reclaim(ctx context.Context, s *session.Session, verdict func(session.Snapshot) string) (string, bool) {
	if !s.TryAcquire() {
		return "", false
	}
	defer s.Release()

	if s.Removed() || !s.HasContainer() {
		return "", false
	}
	reason := verdict(s.Snapshot())
	if reason == "" {
		return "", false
	}

	em := s.Client()
	emitStatus(em, events.StatusStopping)
	m.cleanupLocked(ctx, s)
	m.registry.Remove(s)
	emitStatus(em, events.StatusStopped)
	return reason, true
}

// DrainAll rejects new operations, aborts in-flight ones, and tears down
// every session. It returns the number of sandboxes removed. Sessions whose
// token cannot be acquired before ctx ends are reported in the error.
func (m *Manager) DrainAll(ctx context.Context) (int, error) {
	m.cancel()

	var removed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(drainParallelism)
	for _, s := range m.registry.List() {
		g.Go(func() error {
			if err := s.Acquire(ctx); err != nil {
				return fmt.Errorf("drain %s: %w", logutil.ShortID(s.ID), err)
			}
			defer s.Release()

			if s.HasContainer() {
				em := s.Client()
				emitStatus(em, events.StatusStopping)
				m.cleanupLocked(ctx, s)
				emitStatus(em, events.StatusStopped)
				removed.Add(1)
			}
			m.registry.Remove(s)
			return nil
		})
	}
	err := g.Wait()
	return int(removed.Load()), err
}

// SweepOrphans removes managed containers that no session owns, typically
// left behind by a previous process that did not shut down cleanly.
func (m *Manager) SweepOrphans(ctx context.Context) (int, error) {
	ids, err := m.runtime.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	owned := make(map[string]bool)
	for _, s := range m.registry.List() {
		if id := s.Handles().ContainerID; id != "" {
			owned[id] = true
		}
	}

	n := 0
	for _, id := range ids {
		if owned[id] {
			continue
		}
		if err := m.runtime.RemoveContainer(ctx, id); err != nil {
			log.Printf("[lifecycle] orphan %s: %v", logutil.ShortID(id), err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("[lifecycle] removed %d orphaned container(s)", n)
	}
	return n, nil
}
