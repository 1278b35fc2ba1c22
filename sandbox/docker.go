package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// dockerClient is the slice of the daemon API the backend depends on.
// Tests substitute a fake.
type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options types.CopyToContainerOptions) error
	CopyFromContainer(ctx context.Context, containerID, srcPath string) (io.ReadCloser, types.ContainerPathStat, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
}

// DaemonBackend implements Backend against the container daemon API. It is
// the primary isolation backend.
type DaemonBackend struct {
	logger *zap.Logger
	cli    dockerClient

	mu     sync.Mutex
	pulled map[string]bool
}

// NewDaemonBackend constructs the daemon backend. An empty host uses the
// environment's endpoint. Constructing the client does not contact the
// daemon; reachability is established by Ping.
func NewDaemonBackend(logger *zap.Logger, host string) (*DaemonBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create daemon client: %w", err)
	}

	return newDaemonBackend(logger, cli), nil
}

func newDaemonBackend(logger *zap.Logger, cli dockerClient) *DaemonBackend {
	return &DaemonBackend{
		logger: logger,
		cli:    cli,
		pulled: make(map[string]bool),
	}
}

// Name identifies the backend.
func (b *DaemonBackend) Name() string { return "daemon" }

// Ping probes the daemon.
func (b *DaemonBackend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("daemon ping: %w", err)
	}
	return nil
}

// CreateContainer provisions an isolated container: language image, fixed
// entry command, scratch workdir, resource ceilings and no network.
func (b *DaemonBackend) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	resp, err := b.cli.ContainerCreate(
		ctx,
		&container.Config{
			Image:           spec.Image,
			Cmd:             spec.Cmd,
			WorkingDir:      scratchDir,
			NetworkDisabled: true,
		},
		hostConfigFor(spec.Limits),
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	return resp.ID, nil
}

func (b *DaemonBackend) ensureImage(ctx context.Context, ref string) error {
	b.mu.Lock()
	done := b.pulled[ref]
	b.mu.Unlock()
	if done {
		return nil
	}

	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("consume pull output for %s: %w", ref, err)
	}

	b.mu.Lock()
	b.pulled[ref] = true
	b.mu.Unlock()
	return nil
}

// CopyIn places files under the scratch directory.
func (b *DaemonBackend) CopyIn(ctx context.Context, containerID string, files []FileSpec) error {
	if len(files) == 0 {
		return nil
	}

	reader, err := makeArchive(files)
	if err != nil {
		return err
	}

	if err := b.cli.CopyToContainer(ctx, containerID, scratchDir, reader, types.CopyToContainerOptions{AllowOverwriteDirWithFile: true}); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// CopyOut reads a single file back out of the container.
func (b *DaemonBackend) CopyOut(ctx context.Context, containerID, path string) ([]byte, error) {
	reader, _, err := b.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	defer reader.Close()

	return extractSingleFile(reader)
}

// StartContainer starts the container's entry command.
func (b *DaemonBackend) StartContainer(ctx context.Context, containerID string) error {
	if err := b.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// WaitContainer blocks until the container is no longer running or ctx is
// done, returning the exit code.
func (b *DaemonBackend) WaitContainer(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := b.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil {
			return 0, fmt.Errorf("container error: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return 0, fmt.Errorf("wait for container: %w", err)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// StopContainer force-terminates the container after the grace period.
func (b *DaemonBackend) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// InspectContainer reports the container's exit state, including whether
// the kernel OOM killer fired.
func (b *DaemonBackend) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	inspect, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspect container: %w", err)
	}

	state := ContainerState{}
	if inspect.State != nil {
		state.Running = inspect.State.Running
		state.ExitCode = inspect.State.ExitCode
		state.OOMKilled = inspect.State.OOMKilled
	}
	return state, nil
}

// ContainerLogs fetches stdout and stderr produced since the given time,
// demultiplexed from the daemon's combined stream.
func (b *DaemonBackend) ContainerLogs(ctx context.Context, containerID string, since time.Time) ([]byte, []byte, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if !since.IsZero() {
		opts.Since = since.Format(time.RFC3339Nano)
	}

	logs, err := b.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch logs: %w", err)
	}
	defer logs.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, logs); err != nil {
		return nil, nil, fmt.Errorf("demux logs: %w", err)
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), nil
}

// RemoveContainer destroys the container and its filesystem scope.
func (b *DaemonBackend) RemoveContainer(ctx context.Context, containerID string) error {
	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close releases the daemon client.
func (b *DaemonBackend) Close() error {
	return b.cli.Close()
}
