package session

import (
	"context"
	"sync"
	"time"

	"github.com/m1theusr/k8s-easy-start-lab/internal/events"
	"golang.org/x/sync/semaphore"
)

// Terminal is the live shell relay a session owns.
type Terminal interface {
	Input(p []byte) error
	Resize(cols, rows uint16) error
	Close() error
}

// Handles are the engine resources owned by a session. All fields are empty
// when the session has no container.
type Handles struct {
	ContainerID string
	ExecID      string
	Exec        Terminal // shell exec stream relay
	Logs        Terminal // container log stream mirror
}

// Session is the record kept for one persistent identifier.
//
// Fields are guarded by mu and only read or written through methods. The
// lifecycle token serializes create, reconnect, stop and cleanup for the
// session; it is held for the whole duration of those operations, so field
// accessors never wait on it.
type Session struct {
	ID string

	lifecycle *semaphore.Weighted

	mu            sync.Mutex
	client        events.Emitter
	handles       Handles
	createdAt     time.Time
	lastActivity  time.Time
	reconnections int
	removed       bool
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		lifecycle:    semaphore.NewWeighted(1),
		createdAt:    now,
		lastActivity: now,
	}
}

// Acquire takes the session's lifecycle token, waiting until ctx is done.
func (s *Session) Acquire(ctx context.Context) error {
	return s.lifecycle.Acquire(ctx, 1)
}

// TryAcquire takes the lifecycle token only if it is free.
func (s *Session) TryAcquire() bool {
	return s.lifecycle.TryAcquire(1)
}

// Release returns the lifecycle token.
func (s *Session) Release() {
	s.lifecycle.Release(1)
}

// Client returns the currently attached connection, or nil.
func (s *Session) Client() events.Emitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// SetClient records em as the current connection.
func (s *Session) SetClient(em events.Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = em
}

// DetachClient clears the current connection if it is still connID.
func (s *Session) DetachClient(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.client.ID() != connID {
		return false
	}
	s.client = nil
	return true
}

func (s *Session) Handles() Handles {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles
}

// HasContainer reports whether the session owns a container.
func (s *Session) HasContainer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.ContainerID != ""
}

// SetContainer records a freshly created container and restarts the
// absolute-lifetime clock.
func (s *Session) SetContainer(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.ContainerID = id
	s.createdAt = now
	s.bump(now)
}

func (s *Session) SetLogs(t Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.Logs = t
}

// TakeLogs detaches and returns the log mirror.
func (s *Session) TakeLogs() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.handles.Logs
	s.handles.Logs = nil
	return t
}

// ClearLogsIf drops the log mirror only if t is still the current one.
func (s *Session) ClearLogsIf(t Terminal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles.Logs != t {
		return false
	}
	s.handles.Logs = nil
	return true
}

func (s *Session) SetExec(execID string, t Terminal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.ExecID = execID
	s.handles.Exec = t
}

// TakeExec detaches and returns the exec relay, leaving the container in
// place.
func (s *Session) TakeExec() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.handles.Exec
	s.handles.Exec = nil
	s.handles.ExecID = ""
	return t
}

// ClearExecIf drops the exec handles only if t is still the current relay.
func (s *Session) ClearExecIf(t Terminal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles.Exec != t {
		return false
	}
	s.handles.Exec = nil
	s.handles.ExecID = ""
	return true
}

// TakeHandles clears every handle and returns what was there, so the caller
// can release the resources without holding the session lock.
func (s *Session) TakeHandles() Handles {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.handles
	s.handles = Handles{}
	return h
}

// Exec returns the current shell relay, or nil.
func (s *Session) Exec() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles.Exec
}

// Touch refreshes the activity timestamp. It never moves backwards.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bump(now)
}

func (s *Session) bump(now time.Time) {
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

func (s *Session) IncReconnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnections++
	return s.reconnections
}

// Removed reports whether the session was dropped from its registry. A
// removed session must not acquire new resources.
func (s *Session) Removed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// Snapshot is a consistent copy of a session's bookkeeping.
type Snapshot struct {
	ID            string
	ContainerID   string
	ExecID        string
	HasExec       bool
	HasLogs       bool
	ClientID      string
	CreatedAt     time.Time
	LastActivity  time.Time
	Reconnections int
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:            s.ID,
		ContainerID:   s.handles.ContainerID,
		ExecID:        s.handles.ExecID,
		HasExec:       s.handles.Exec != nil,
		HasLogs:       s.handles.Logs != nil,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		Reconnections: s.reconnections,
	}
	if s.client != nil {
		snap.ClientID = s.client.ID()
	}
	return snap
}

// Age is how long ago the sandbox clock started.
func (snap Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(snap.CreatedAt)
}

// Idle is how long the session has gone without client activity.
func (snap Snapshot) Idle(now time.Time) time.Duration {
	return now.Sub(snap.LastActivity)
}
