package sandbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIBackend implements Backend by driving the docker or podman command
// line. It is the degraded-but-still-isolated fallback used when the
// daemon API is unreachable, and achieves the same isolation guarantees
// through the same runtime, just over a different invocation path.
type CLIBackend struct {
	logger *zap.Logger
	binary string
	runner CommandRunner
}

// CLIBackendOption defines a functional option for CLIBackend.
type CLIBackendOption func(*CLIBackend)

// WithCommandRunner sets the CommandRunner for CLIBackend.
func WithCommandRunner(runner CommandRunner) CLIBackendOption {
	return func(b *CLIBackend) {
		b.runner = runner
	}
}

// NewCLIBackend constructs a CLI backend. binary is "docker" or "podman".
func NewCLIBackend(logger *zap.Logger, binary string, opts ...CLIBackendOption) *CLIBackend {
	if binary == "" {
		binary = "docker"
	}

	backend := &CLIBackend{
		logger: logger,
		binary: binary,
		runner: RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(backend)
	}
	return backend
}

// Name identifies the backend.
func (b *CLIBackend) Name() string { return "cli-" + b.binary }

func (b *CLIBackend) run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, error) {
	stdout, stderr, exitCode, err := b.runner.Run(ctx, stdin, append([]string{b.binary}, args...))
	if err != nil {
		return stdout, stderr, fmt.Errorf("%s %s: %w", b.binary, args[0], err)
	}
	if exitCode != 0 {
		return stdout, stderr, fmt.Errorf("%s %s: exit %d: %s", b.binary, args[0], exitCode, strings.TrimSpace(string(stderr)))
	}
	return stdout, stderr, nil
}

// Ping probes the CLI and its runtime.
func (b *CLIBackend) Ping(ctx context.Context) error {
	if _, _, err := b.run(ctx, nil, "version", "--format", "{{.Server.Version}}"); err != nil {
		return fmt.Errorf("cli ping: %w", err)
	}
	return nil
}

// CreateContainer provisions a container with the same constraint set the
// daemon backend applies, expressed as CLI flags.
func (b *CLIBackend) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	args := []string{"create", "--workdir", scratchDir}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	args = append(args, cliLimitArgs(spec.Limits)...)
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	stdout, _, err := b.run(ctx, nil, args...)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	id := strings.TrimSpace(string(stdout))
	if id == "" {
		return "", fmt.Errorf("create container: %s printed no id", b.binary)
	}
	return id, nil
}

// CopyIn streams a tar of the files to `cp -` so binary content survives
// the trip.
func (b *CLIBackend) CopyIn(ctx context.Context, containerID string, files []FileSpec) error {
	if len(files) == 0 {
		return nil
	}

	archive, err := makeArchive(files)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(archive)
	if err != nil {
		return err
	}

	if _, _, err := b.run(ctx, data, "cp", "-", containerID+":"+scratchDir); err != nil {
		return fmt.Errorf("copy to container: %w", err)
	}
	return nil
}

// CopyOut reads a single file back via `cp <id>:<path> -`, which emits a
// tar stream on stdout.
func (b *CLIBackend) CopyOut(ctx context.Context, containerID, path string) ([]byte, error) {
	stdout, _, err := b.run(ctx, nil, "cp", containerID+":"+path, "-")
	if err != nil {
		return nil, fmt.Errorf("copy from container: %w", err)
	}
	return extractSingleFile(strings.NewReader(string(stdout)))
}

// StartContainer starts the container detached; output is collected via
// ContainerLogs.
func (b *CLIBackend) StartContainer(ctx context.Context, containerID string) error {
	if _, _, err := b.run(ctx, nil, "start", containerID); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

// WaitContainer blocks in `wait`, which prints the exit code. Cancelling
// ctx kills only the CLI process; the engine stops the container itself.
func (b *CLIBackend) WaitContainer(ctx context.Context, containerID string) (int, error) {
	stdout, _, err := b.run(ctx, nil, "wait", containerID)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("wait for container: %w", err)
	}

	code, convErr := strconv.Atoi(strings.TrimSpace(string(stdout)))
	if convErr != nil {
		return 0, fmt.Errorf("wait for container: parse exit code %q: %w", strings.TrimSpace(string(stdout)), convErr)
	}
	return code, nil
}

// StopContainer force-terminates the container after the grace period.
func (b *CLIBackend) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	if _, _, err := b.run(ctx, nil, "stop", "--time", strconv.Itoa(seconds), containerID); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	return nil
}

// InspectContainer reports running state, exit code and OOM kill flag.
func (b *CLIBackend) InspectContainer(ctx context.Context, containerID string) (ContainerState, error) {
	stdout, _, err := b.run(ctx, nil, "inspect", "--format", "{{.State.Running}} {{.State.ExitCode}} {{.State.OOMKilled}}", containerID)
	if err != nil {
		return ContainerState{}, fmt.Errorf("inspect container: %w", err)
	}

	fields := strings.Fields(string(stdout))
	if len(fields) != 3 {
		return ContainerState{}, fmt.Errorf("inspect container: unexpected output %q", strings.TrimSpace(string(stdout)))
	}

	exitCode, convErr := strconv.Atoi(fields[1])
	if convErr != nil {
		return ContainerState{}, fmt.Errorf("inspect container: parse exit code: %w", convErr)
	}

	return ContainerState{
		Running:   fields[0] == "true",
		ExitCode:  exitCode,
		OOMKilled: fields[2] == "true",
	}, nil
}

// ContainerLogs fetches output since the given time. The CLI splits the
// two streams onto its own stdout and stderr, so no demultiplexing is
// needed.
func (b *CLIBackend) ContainerLogs(ctx context.Context, containerID string, since time.Time) ([]byte, []byte, error) {
	args := []string{"logs"}
	if !since.IsZero() {
		args = append(args, "--since", since.Format(time.RFC3339Nano))
	}
	args = append(args, containerID)

	stdout, stderr, err := b.run(ctx, nil, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch logs: %w", err)
	}
	return stdout, stderr, nil
}

// RemoveContainer destroys the container and its filesystem scope.
func (b *CLIBackend) RemoveContainer(ctx context.Context, containerID string) error {
	if _, _, err := b.run(ctx, nil, "rm", "--force", containerID); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Close is a no-op; the CLI holds no persistent connection.
func (b *CLIBackend) Close() error { return nil }
