package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

type (
	// WaitStatus is the terminal state of one container run.
	WaitStatus struct {
		ExitCode  int64
		OOMKilled bool
	}

	// ContainerAPI is the slice of the Docker Engine API the runner
	// needs. The production implementation wraps the official client;
	// tests substitute a fake.
	ContainerAPI interface {
		// ImageExists reports whether an image matching ref is present
		// locally.
		ImageExists(ctx context.Context, ref string) (bool, error)

		// ImagePull pulls ref from its registry, blocking until complete.
		ImagePull(ctx context.Context, ref string) error

		// ContainerCreate creates a container and returns its id.
		ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error)

		// ContainerStart starts a created container.
		ContainerStart(ctx context.Context, id string) error

		// ContainerWait blocks until the container stops and reports its
		// terminal state.
		ContainerWait(ctx context.Context, id string) (WaitStatus, error)

		// ContainerStderrTail returns the last lines of the container's
		// stderr stream.
		ContainerStderrTail(ctx context.Context, id string, lines int) (string, error)

		// ContainerRemove force-deletes a container.
		ContainerRemove(ctx context.Context, id string) error
	}

	// dockerAPI implements ContainerAPI over the official engine client.
	dockerAPI struct {
		cli *client.Client
	}
)

var _ ContainerAPI = (*dockerAPI)(nil)

// NewDockerAPI connects to the engine using the standard environment
// (DOCKER_HOST and friends) with API version negotiation.
func NewDockerAPI() (ContainerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &dockerAPI{cli: cli}, nil
}

func (d *dockerAPI) ImageExists(ctx context.Context, ref string) (bool, error) {
	summaries, err := d.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", ref)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list images for %s: %w", ref, err)
	}

	return len(summaries) > 0, nil
}

func (d *dockerAPI) ImagePull(ctx context.Context, ref string) error {
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete pull of %s: %w", ref, err)
	}

	return nil
}

func (d *dockerAPI) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig) (string, error) {
	resp, err := d.cli.ContainerCreate(ctx, cfg, host, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("failed to create container for %s: %w", cfg.Image, err)
	}

	return resp.ID, nil
}

func (d *dockerAPI) ContainerStart(ctx context.Context, id string) error {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", id, err)
	}

	return nil
}

func (d *dockerAPI) ContainerWait(ctx context.Context, id string) (WaitStatus, error) {
	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return WaitStatus{}, fmt.Errorf("failed to wait for container %s: %w", id, err)
	case resp := <-waitCh:
		status := WaitStatus{ExitCode: resp.StatusCode}

		// OOM kills surface in the inspect state, not the wait response.
		inspect, err := d.cli.ContainerInspect(ctx, id)
		if err == nil && inspect.State != nil {
			status.OOMKilled = inspect.State.OOMKilled
		}

		return status, nil
	case <-ctx.Done():
		return WaitStatus{}, ctx.Err()
	}
}

func (d *dockerAPI) ContainerStderrTail(ctx context.Context, id string, lines int) (string, error) {
	reader, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read logs for container %s: %w", id, err)
	}
	defer func() { _ = reader.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("failed to demux logs for container %s: %w", id, err)
	}

	return strings.TrimSpace(stderr.String()), nil
}

func (d *dockerAPI) ContainerRemove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}

	return nil
}
