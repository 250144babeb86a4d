package session

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/m1theusr/k8s-easy-start-lab/internal/logutil"
	"github.com/samber/lo"
)

// Registry maps persistent identifiers to sessions. It is the single source
// of truth for whether an identifier has a live sandbox.
//
// The registry lock only guards the map. Per-session state lives behind each
// session's own lock, so unrelated sessions never contend.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    clock.Clock
}

func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		clock:    clk,
	}
}

// Now is the registry's notion of the current time.
func (r *Registry) Now() time.Time {
	return r.clock.Now()
}

// GetOrCreate returns the session for id, creating an empty one on first
// contact. created reports whether this call created it.
func (r *Registry) GetOrCreate(id string) (s *Session, created bool) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return s, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s, false
	}
	s = newSession(id, r.clock.Now())
	r.sessions[id] = s
	log.Printf("[session] registered %s", logutil.ShortID(id))
	return s, true
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch refreshes the activity timestamp of id, if registered.
func (r *Registry) Touch(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.Touch(r.clock.Now())
	return true
}

// Remove drops s from the registry and marks it removed. It is a no-op if
// the identifier has since been mapped to a different session. Callers hold
// the session's lifecycle token.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.removed = true
	s.mu.Unlock()
}

// List returns every registered session ordered by identifier.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	list := lo.Values(r.sessions)
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ContainerCount returns how many sessions currently own a container.
func (r *Registry) ContainerCount() int {
	return lo.CountBy(r.List(), func(s *Session) bool { return s.HasContainer() })
}
