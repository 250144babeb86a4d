package lifecycle

import (
	"context"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/m1theusr/k8s-easy-start-lab/internal/events"
	"github.com/m1theusr/k8s-easy-start-lab/internal/logutil"
	"github.com/m1theusr/k8s-easy-start-lab/internal/orchestrator"
	"github.com/m1theusr/k8s-easy-start-lab/internal/session"
	"github.com/m1theusr/k8s-easy-start-lab/internal/terminal"
)

// Create gives the session id a brand-new sandbox, discarding any container
// it already owns. Progress is reported to em as status events; on failure
// the partial sandbox is torn down and the session stays retryable.
func (m *Manager) Create(ctx context.Context, id string, em events.Emitter) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	s, err := m.begin(ctx, id, em)
	if err != nil {
		m.reportError(em, err)
		return err
	}
	defer s.Release()

	if s.HasContainer() {
		log.Printf("[lifecycle] %s: replacing existing container", logutil.ShortID(id))
		m.cleanupLocked(ctx, s)
	}

	emitStatus(em, events.StatusStarting)
	if err := m.EnsureImage(ctx); err != nil {
		return m.fail(ctx, s, em, err)
	}
	if err := m.startSandbox(ctx, s, em); err != nil {
		return m.fail(ctx, s, em, err)
	}
	emitStatus(em, events.StatusRunning)
	emit(em, events.ContainerReady, nil)
	log.Printf("[lifecycle] %s: sandbox %s ready", logutil.ShortID(id), logutil.ShortID(s.Handles().ContainerID))
	return nil
}

func (m *Manager) startSandbox(ctx context.Context, s *session.Session, em events.Emitter) error {
	name := orchestrator.ContainerName(m.cfg.NamePrefix, s.ID, uuid.New().String()[:8])
	containerID, err := m.runtime.CreateContainer(ctx, orchestrator.CreateParams{
		Name:        name,
		Image:       m.cfg.Image,
		MemoryLimit: m.cfg.MemoryLimit,
		CPULimit:    m.cfg.CPULimit,
		Env:         m.cfg.Env,
		Labels: map[string]string{
			orchestrator.LabelManagedBy: orchestrator.ManagedByValue,
			orchestrator.LabelSession:   s.ID,
		},
	})
	if err != nil {
		return wrap(ErrContainerCreate, err)
	}
	s.SetContainer(containerID, m.clock.Now())
	log.Printf("[lifecycle] %s: created container %s (%s)", logutil.ShortID(s.ID), name, logutil.ShortID(containerID))

	if err := m.runtime.StartContainer(ctx, containerID); err != nil {
		return wrap(ErrContainerStart, err)
	}
	emitStatus(em, events.StatusInstalling)

	if err := m.mirrorLogs(ctx, s, em); err != nil {
		return err
	}

	if err := m.settle(ctx, m.cfg.CreateSettle); err != nil {
		return err
	}
	return m.startShell(ctx, s, em)
}

// mirrorLogs replaces the session's container log mirror with one bound to
// em. A mirror whose stream ends, or whose client goes away, drops itself
// from the session.
func (m *Manager) mirrorLogs(ctx context.Context, s *session.Session, em events.Emitter) error {
	if old := s.TakeLogs(); old != nil {
		old.Close()
	}
	logs, err := m.runtime.AttachContainer(ctx, s.Handles().ContainerID)
	if err != nil {
		return wrap(ErrStream, err)
	}
	mirror := terminal.Mirror(logs, outputSink(em), terminal.Options{
		OnDetach: func(b *terminal.Bridge, _ error) { s.ClearLogsIf(b) },
	})
	s.SetLogs(mirror)
	select {
	case <-mirror.Done():
		s.ClearLogsIf(mirror)
	default:
	}
	return nil
}

// startShell opens an interactive shell in the session's container and
// binds it to em.
func (m *Manager) startShell(ctx context.Context, s *session.Session, em events.Emitter) error {
	containerID := s.Handles().ContainerID
	execID, err := m.runtime.CreateExec(ctx, containerID, orchestrator.ExecParams{
		Cmd: []string{m.cfg.Shell},
		Tty: true,
	})
	if err != nil {
		return wrap(ErrExecAttach, err)
	}
	stream, err := m.runtime.StartExec(ctx, execID)
	if err != nil {
		return wrap(ErrExecAttach, err)
	}

	bridge := terminal.Attach(stream, outputSink(em), terminal.Options{
		OnInput:  func() { s.Touch(m.clock.Now()) },
		OnDetach: func(b *terminal.Bridge, err error) { m.shellDetached(s, b, err) },
		Resize: func(cols, rows uint16) error {
			return m.runtime.ResizeExec(m.ctx, execID, cols, rows)
		},
	})
	s.SetExec(execID, bridge)

	// The shell may have died before SetExec; OnDetach could not clear it.
	select {
	case <-bridge.Done():
		s.ClearExecIf(bridge)
		return wrap(ErrExecAttach, bridge.Err())
	default:
	}
	return nil
}

// shellDetached runs when a shell relay ends on its own. The container is
// left in place either way: a client that went away can reconnect, and a
// shell that exited can be replaced by a reconnect.
func (m *Manager) shellDetached(s *session.Session, b *terminal.Bridge, err error) {
	if !s.ClearExecIf(b) {
		return
	}
	if errors.Is(err, terminal.ErrClientGone) {
		log.Printf("[lifecycle] %s: client gone, shell detached", logutil.ShortID(s.ID))
		return
	}
	log.Printf("[lifecycle] %s: shell ended: %v", logutil.ShortID(s.ID), err)
	emitStatus(s.Client(), events.StatusStopped)
}

func outputSink(em events.Emitter) terminal.Sink {
	return func(p []byte) error {
		if em == nil {
			return terminal.ErrClientGone
		}
		return em.Emit(events.ContainerOutput, string(p))
	}
}

// fail tears down whatever the failed operation left behind and reports err.
func (m *Manager) fail(ctx context.Context, s *session.Session, em events.Emitter, err error) error {
	log.Printf("[lifecycle] %s: %v", logutil.ShortID(s.ID), err)
	if s.HasContainer() {
		m.cleanupLocked(ctx, s)
	}
	m.reportError(em, err)
	return err
}

// Reconnect rebinds the session id to em. A running container younger than
// the session expiry is reused with a fresh shell; anything else is cleaned
// up and reported as no container. It reports whether a container was
// reused.
func (m *Manager) Reconnect(ctx context.Context, id string, em events.Emitter) (bool, error) {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	s, err := m.begin(ctx, id, em)
	if err != nil {
		m.reportError(em, err)
		return false, err
	}
	defer s.Release()

	containerID := s.Handles().ContainerID
	if containerID == "" {
		emitStatus(em, events.StatusNone)
		return false, nil
	}

	state, err := m.runtime.InspectContainer(ctx, containerID)
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		log.Printf("[lifecycle] %s: container %s vanished", logutil.ShortID(id), logutil.ShortID(containerID))
		closeHandles(s.TakeHandles())
		emitStatus(em, events.StatusNone)
		return false, nil
	case err != nil:
		log.Printf("[lifecycle] %s: %v", logutil.ShortID(id), wrap(ErrInspect, err))
		m.cleanupLocked(ctx, s)
		emitStatus(em, events.StatusNone)
		return false, nil
	}

	now := m.clock.Now()
	if !state.Running || (m.cfg.SessionExpiry > 0 && s.Snapshot().Age(now) > m.cfg.SessionExpiry) {
		log.Printf("[lifecycle] %s: container %s not reusable (status=%s)", logutil.ShortID(id), logutil.ShortID(containerID), state.Status)
		m.cleanupLocked(ctx, s)
		emitStatus(em, events.StatusNone)
		return false, nil
	}

	emitStatus(em, events.StatusStarting)
	if old := s.TakeExec(); old != nil {
		old.Close()
	}
	emitStatus(em, events.StatusInstalling)
	if err := m.settle(ctx, m.cfg.ReconnectSettle); err != nil {
		m.reportError(em, err)
		return false, err
	}
	if err := m.startShell(ctx, s, em); err != nil {
		log.Printf("[lifecycle] %s: %v", logutil.ShortID(id), err)
		m.reportError(em, err)
		return false, err
	}

	if err := m.mirrorLogs(ctx, s, em); err != nil {
		log.Printf("[lifecycle] %s: container logs not mirrored: %v", logutil.ShortID(id), err)
	}

	n := s.IncReconnections()
	emitStatus(em, events.StatusRunning)
	emit(em, events.ContainerReady, nil)
	log.Printf("[lifecycle] %s: reconnected to %s (reconnection #%d)", logutil.ShortID(id), logutil.ShortID(containerID), n)
	return true, nil
}

// Stop tears down the session's sandbox. The session record itself stays.
func (m *Manager) Stop(ctx context.Context, id string, em events.Emitter) error {
	ctx, cancel := m.opContext(ctx)
	defer cancel()

	s, err := m.begin(ctx, id, em)
	if err != nil {
		m.reportError(em, err)
		return err
	}
	defer s.Release()

	if !s.HasContainer() {
		emitStatus(em, events.StatusNone)
		return nil
	}
	emitStatus(em, events.StatusStopping)
	report := m.cleanupLocked(ctx, s)
	emitStatus(em, events.StatusStopped)
	return report.Err()
}

// Input forwards terminal input to the session's shell.
func (m *Manager) Input(id string, p []byte) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrNoSession
	}
	s.Touch(m.clock.Now())
	t := s.Exec()
	if t == nil {
		return ErrNoShell
	}
	return t.Input(p)
}

// Resize changes the tty size of the session's shell.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	s, ok := m.registry.Get(id)
	if !ok {
		return ErrNoSession
	}
	s.Touch(m.clock.Now())
	t := s.Exec()
	if t == nil {
		return ErrNoShell
	}
	return t.Resize(cols, rows)
}

// Disconnect records that connection connID of session id went away. The
// sandbox keeps running until a reconnect, an explicit stop or the reaper.
func (m *Manager) Disconnect(id, connID string) {
	s, ok := m.registry.Get(id)
	if !ok {
		return
	}
	s.Touch(m.clock.Now())
	if s.DetachClient(connID) && s.HasContainer() {
		log.Printf("[lifecycle] %s: client disconnected, container kept for reconnect", logutil.ShortID(id))
	}
}
