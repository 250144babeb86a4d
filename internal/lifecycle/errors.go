package lifecycle

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds. Every error returned by a lifecycle operation wraps exactly
// one of these so callers can branch with errors.Is.
var (
	ErrImageBuild      = errors.New("sandbox image build failed")
	ErrContainerCreate = errors.New("container create failed")
	ErrContainerStart  = errors.New("container start failed")
	ErrExecAttach      = errors.New("shell attach failed")
	ErrStream          = errors.New("terminal stream failed")
	ErrInspect         = errors.New("container inspect failed")
	ErrCleanup         = errors.New("cleanup failed")

	ErrShuttingDown = errors.New("session manager is shutting down")
	ErrNoSession    = errors.New("no such session")
	ErrNoShell      = errors.New("session has no attached shell")
)

func wrap(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

// CleanupStep is one resource release performed by cleanup.
type CleanupStep struct {
	Name string
	Err  error
}

// CleanupReport lists every step cleanup ran for a session, in order. Steps
// whose resource was absent are not listed.
type CleanupReport struct {
	SessionID   string
	ContainerID string
	Steps       []CleanupStep
}

func (r *CleanupReport) add(name string, err error) {
	r.Steps = append(r.Steps, CleanupStep{Name: name, Err: err})
}

// Failed returns the steps that did not succeed.
func (r CleanupReport) Failed() []CleanupStep {
	var out []CleanupStep
	for _, s := range r.Steps {
		if s.Err != nil {
			out = append(out, s)
		}
	}
	return out
}

// Err returns nil when every step succeeded, otherwise an error wrapping
// ErrCleanup that names each failed step.
func (r CleanupReport) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	errs := make([]error, len(failed))
	for i, s := range failed {
		errs[i] = fmt.Errorf("%s: %w", s.Name, s.Err)
	}
	return wrap(ErrCleanup, errors.Join(errs...))
}

func (r CleanupReport) String() string {
	names := make([]string, len(r.Steps))
	for i, s := range r.Steps {
		if s.Err != nil {
			names[i] = s.Name + "(failed)"
		} else {
			names[i] = s.Name
		}
	}
	return strings.Join(names, ",")
}
