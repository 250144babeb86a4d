package orchestrator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// SetForTest sets the global runtime for testing.
func SetForTest(r ContainerRuntime) {
	mu.Lock()
	defer mu.Unlock()
	current = r
}

// ResetForTest clears the global runtime.
func ResetForTest() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
}

// FakeContainer is the bookkeeping FakeRuntime keeps per created container.
type FakeContainer struct {
	ID      string
	Name    string
	Image   string
	Env     []string
	Labels  map[string]string
	Memory  string
	CPU     string
	Running bool
}

// FakeRuntime is an in-memory ContainerRuntime for tests. Every call is
// recorded by operation name; the *Err fields make the matching operation
// fail.
type FakeRuntime struct {
	mu sync.Mutex

	Images   []string
	BuildErr error

	CreateErr     error
	StartErr      error
	AttachErr     error
	ExecCreateErr error
	ExecStartErr  error
	InspectErr    error
	StopErr       error
	RemoveErr     error

	// OnCreate runs at the start of CreateContainer, outside the lock.
	OnCreate func(ctx context.Context)

	calls      []string
	containers map[string]*FakeContainer
	nextID     int
	execs      map[string]string // exec ID → container ID
	attaches   []*FakeStream
	execStream []*FakeStream
	resizes    []string
}

func NewFakeRuntime(images ...string) *FakeRuntime {
	return &FakeRuntime{
		Images:     images,
		containers: make(map[string]*FakeContainer),
		execs:      make(map[string]string),
	}
}

func (f *FakeRuntime) record(op string) {
	f.calls = append(f.calls, op)
}

func (f *FakeRuntime) BackendName() string { return "fake" }

func (f *FakeRuntime) ListImages(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list-images")
	return append([]string(nil), f.Images...), nil
}

func (f *FakeRuntime) BuildImage(_ context.Context, params BuildParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build")
	if f.BuildErr != nil {
		return f.BuildErr
	}
	tag := params.Tag
	if !strings.Contains(tag, ":") {
		tag += ":latest"
	}
	f.Images = append(f.Images, tag)
	return nil
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, params CreateParams) (string, error) {
	if f.OnCreate != nil {
		f.OnCreate(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("create")
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &FakeContainer{
		ID:     id,
		Name:   params.Name,
		Image:  params.Image,
		Env:    params.Env,
		Labels: params.Labels,
		Memory: params.MemoryLimit,
		CPU:    params.CPULimit,
	}
	return id, nil
}

func (f *FakeRuntime) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start")
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrNotFound)
	}
	c.Running = true
	return nil
}

func (f *FakeRuntime) AttachContainer(_ context.Context, id string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("attach")
	if f.AttachErr != nil {
		return nil, f.AttachErr
	}
	s := NewFakeStream()
	f.attaches = append(f.attaches, s)
	return s, nil
}

func (f *FakeRuntime) InspectContainer(_ context.Context, id string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect")
	if f.InspectErr != nil {
		return ContainerState{}, f.InspectErr
	}
	c, ok := f.containers[id]
	if !ok {
		return ContainerState{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
	}
	status := "exited"
	if c.Running {
		status = "running"
	}
	return ContainerState{ID: c.ID, Name: c.Name, Status: status, Running: c.Running}, nil
}

func (f *FakeRuntime) StopContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	if f.StopErr != nil {
		return f.StopErr
	}
	if c, ok := f.containers[id]; ok {
		c.Running = false
	}
	return nil
}

func (f *FakeRuntime) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remove")
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	delete(f.containers, id)
	return nil
}

func (f *FakeRuntime) ListManaged(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("list-managed")
	var ids []string
	for id, c := range f.containers {
		if c.Labels[LabelManagedBy] == ManagedByValue {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *FakeRuntime) CreateExec(_ context.Context, containerID string, _ ExecParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec-create")
	if f.ExecCreateErr != nil {
		return "", f.ExecCreateErr
	}
	if _, ok := f.containers[containerID]; !ok {
		return "", fmt.Errorf("exec create: %w", ErrNotFound)
	}
	id := fmt.Sprintf("exec-%d", len(f.execs)+1)
	f.execs[id] = containerID
	return id, nil
}

func (f *FakeRuntime) StartExec(_ context.Context, execID string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec-start")
	if f.ExecStartErr != nil {
		return nil, f.ExecStartErr
	}
	s := NewFakeStream()
	f.execStream = append(f.execStream, s)
	return s, nil
}

func (f *FakeRuntime) ResizeExec(_ context.Context, execID string, cols, rows uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec-resize")
	f.resizes = append(f.resizes, fmt.Sprintf("%s:%dx%d", execID, cols, rows))
	return nil
}

// AddContainer registers a container that was not created through the fake,
// e.g. one left behind by a previous process.
func (f *FakeRuntime) AddContainer(c FakeContainer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[c.ID] = &c
}

// Calls returns the recorded operation names in call order.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many times op was called.
func (f *FakeRuntime) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// Containers returns a snapshot of the containers that have not been removed.
func (f *FakeRuntime) Containers() []FakeContainer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeContainer, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, *c)
	}
	return out
}

// SetRunning flips the running flag of a container, simulating an external
// stop or crash.
func (f *FakeRuntime) SetRunning(id string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.Running = running
	}
}

// Vanish deletes a container behind the caller's back.
func (f *FakeRuntime) Vanish(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

// ExecStreams returns every stream handed out by StartExec, oldest first.
func (f *FakeRuntime) ExecStreams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.execStream...)
}

// AttachStreams returns every stream handed out by AttachContainer.
func (f *FakeRuntime) AttachStreams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.attaches...)
}

// Resizes returns "execID:COLSxROWS" for every ResizeExec call.
func (f *FakeRuntime) Resizes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resizes...)
}

// FakeStream is an in-memory Stream. Output written with Send is what the
// reader side sees; bytes written to the stream are collected as input.
type FakeStream struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	input  strings.Builder
	closed bool
	inCh   chan struct{}
}

func NewFakeStream() *FakeStream {
	r, w := io.Pipe()
	return &FakeStream{outR: r, outW: w, inCh: make(chan struct{}, 1)}
}

func (s *FakeStream) Read(p []byte) (int, error) {
	return s.outR.Read(p)
}

func (s *FakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.input.Write(p)
	select {
	case s.inCh <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (s *FakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.outW.Close()
	s.outR.Close()
	return nil
}

// Send makes data readable from the stream, blocking until it is consumed.
func (s *FakeStream) Send(data string) error {
	_, err := s.outW.Write([]byte(data))
	return err
}

// End simulates the remote process exiting: readers see EOF.
func (s *FakeStream) End() {
	s.outW.Close()
}

// Input returns everything written to the stream so far.
func (s *FakeStream) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

// InputSignal fires (coalesced) after each write.
func (s *FakeStream) InputSignal() <-chan struct{} {
	return s.inCh
}

// IsClosed reports whether Close was called.
func (s *FakeStream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ ContainerRuntime = (*FakeRuntime)(nil)
