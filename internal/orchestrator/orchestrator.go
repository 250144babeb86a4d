package orchestrator

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned (wrapped) by InspectContainer when the container
// no longer exists on the engine.
var ErrNotFound = errors.New("container not found")

// ContainerRuntime is the capability set the session lifecycle needs from a
// container engine. It is deliberately thin: every method maps to a single
// engine call so fakes stay trivial.
type ContainerRuntime interface {
	BackendName() string

	// Images
	ListImages(ctx context.Context) ([]string, error)
	BuildImage(ctx context.Context, params BuildParams) error

	// Containers
	CreateContainer(ctx context.Context, params CreateParams) (string, error)
	StartContainer(ctx context.Context, id string) error
	AttachContainer(ctx context.Context, id string) (Stream, error)
	InspectContainer(ctx context.Context, id string) (ContainerState, error)
	StopContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ListManaged(ctx context.Context) ([]string, error)

	// Exec
	CreateExec(ctx context.Context, containerID string, params ExecParams) (string, error)
	StartExec(ctx context.Context, execID string) (Stream, error)
	ResizeExec(ctx context.Context, execID string, cols, rows uint16) error
}

// Stream is a hijacked, raw (tty) byte stream to a container or exec.
type Stream interface {
	io.ReadWriteCloser
}

type BuildParams struct {
	Tag         string
	ContextDir  string
	Dockerfile  string
	BuildOutput io.Writer // build progress; nil discards it
}

type CreateParams struct {
	Name        string
	Image       string
	MemoryLimit string // go-units RAM size, e.g. "256m"
	CPULimit    string // cores ("0.5") or millicores ("500m")
	Env         []string
	Labels      map[string]string
}

type ExecParams struct {
	Cmd []string
	Tty bool
}

type ContainerState struct {
	ID      string
	Name    string
	Status  string
	Running bool
}
