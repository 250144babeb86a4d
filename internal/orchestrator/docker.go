package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
)

// stopTimeout is how long docker waits for the sandbox shell to exit before
// killing it.
const stopTimeout = 10

type DockerRuntime struct {
	client *dockerclient.Client
	host   string
}

// NewDockerRuntime returns an uninitialized runtime; host overrides
// DOCKER_HOST when non-empty.
func NewDockerRuntime(host string) *DockerRuntime {
	return &DockerRuntime{host: host}
}

func (d *DockerRuntime) Initialize(ctx context.Context) error {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if d.host != "" {
		opts = append(opts, dockerclient.WithHost(d.host))
	}

	var err error
	d.client, err = dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}

	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	log.Println("[docker] daemon connected")
	return nil
}

func (d *DockerRuntime) BackendName() string {
	return "docker"
}

func (d *DockerRuntime) Close() error {
	if d.client == nil {
		return nil
	}
	return d.client.Close()
}

func (d *DockerRuntime) ListImages(ctx context.Context) ([]string, error) {
	summaries, err := d.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var tags []string
	for _, s := range summaries {
		tags = append(tags, s.RepoTags...)
	}
	return tags, nil
}

// BuildImage builds params.Tag from the directory params.ContextDir and
// blocks until the daemon reports the build finished. A build step failure
// is reported by the daemon inside the JSON progress stream, which is why the
// stream is fully drained before returning.
func (d *DockerRuntime) BuildImage(ctx context.Context, params BuildParams) error {
	buildCtx, err := archive.TarWithOptions(params.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("archive build context %s: %w", params.ContextDir, err)
	}
	defer buildCtx.Close()

	resp, err := d.client.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{params.Tag},
		Dockerfile:  params.Dockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", params.Tag, err)
	}
	defer resp.Body.Close()

	out := params.BuildOutput
	if out == nil {
		out = io.Discard
	}
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return fmt.Errorf("build image %s: %w", params.Tag, err)
	}
	return nil
}

func (d *DockerRuntime) CreateContainer(ctx context.Context, params CreateParams) (string, error) {
	nanoCPUs, err := parseCPUToNanoCPUs(params.CPULimit)
	if err != nil {
		return "", err
	}
	memLimit, err := parseMemoryToBytes(params.MemoryLimit)
	if err != nil {
		return "", err
	}

	containerCfg := &container.Config{
		Image:        params.Image,
		Env:          params.Env,
		Labels:       params.Labels,
		Tty:          true,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostCfg := &container.HostConfig{
		AutoRemove: false,
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memLimit,
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, params.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", params.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Printf("[docker] create %s: %s", params.Name, w)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) error {
	return d.client.ContainerStart(ctx, id, container.StartOptions{})
}

func (d *DockerRuntime) AttachContainer(ctx context.Context, id string) (Stream, error) {
	resp, err := d.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}
	return &hijackedStream{resp: resp}, nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (ContainerState, error) {
	inspect, err := d.client.ContainerInspect(ctx, id)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return ContainerState{}, fmt.Errorf("inspect %s: %w", id, ErrNotFound)
		}
		return ContainerState{}, fmt.Errorf("inspect %s: %w", id, err)
	}
	state := ContainerState{ID: inspect.ID, Name: inspect.Name}
	if inspect.State != nil {
		state.Status = inspect.State.Status
		state.Running = inspect.State.Running
	}
	return state, nil
}

// StopContainer treats an already stopped or already removed container as
// stopped.
func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	timeout := stopTimeout
	err := d.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	return nil
}

// RemoveContainer force-removes id; a missing container is not an error.
func (d *DockerRuntime) RemoveContainer(ctx context.Context, id string) error {
	err := d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// ListManaged returns the IDs of every container, running or not, carrying
// the managed-by label of this service.
func (d *DockerRuntime) ListManaged(ctx context.Context) ([]string, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	return ids, nil
}

func (d *DockerRuntime) CreateExec(ctx context.Context, containerID string, params ExecParams) (string, error) {
	execCfg := container.ExecOptions{
		Cmd:          params.Cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          params.Tty,
	}
	if params.Tty {
		execCfg.ConsoleSize = &[2]uint{24, 80}
	}

	resp, err := d.client.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) StartExec(ctx context.Context, execID string) (Stream, error) {
	resp, err := d.client.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	return &hijackedStream{resp: resp}, nil
}

func (d *DockerRuntime) ResizeExec(ctx context.Context, execID string, cols, rows uint16) error {
	return d.client.ContainerExecResize(ctx, execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

// hijackedStream reads through the response's buffered reader so bytes the
// client already buffered during the upgrade are not lost.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}

// Ensure DockerRuntime implements ContainerRuntime
var _ ContainerRuntime = (*DockerRuntime)(nil)
