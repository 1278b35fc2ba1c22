package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// scratchDir is the in-container directory every run works under. Each run
// gets its own job subdirectory; the entry script removes the previous ones
// so no run can leak state into the next.
const scratchDir = "/tmp"

// ErrEngineUnavailable is returned when neither the daemon backend nor the
// CLI backend is reachable.
var ErrEngineUnavailable = errors.New("no container backend available")

// FileSpec describes one file injected into a container before a run.
// Name is relative to the scratch directory.
type FileSpec struct {
	Name string
	Mode int64
	Data []byte
}

// ContainerSpec describes the isolated environment for one context:
// the language image, the fixed entry command and the resource ceilings
// enforced at creation time (memory cap, CPU share, no network).
type ContainerSpec struct {
	Image  string
	Name   string
	Cmd    []string
	Limits ResourceLimits
}

// ContainerState is the observable state of a container after a run.
type ContainerState struct {
	Running   bool
	ExitCode  int
	OOMKilled bool
}

// Backend is the low-level isolation mechanism. Both implementations (the
// daemon API backend and the CLI backend) expose this identical contract,
// so everything above the Selector is oblivious to which one serves a
// request.
type Backend interface {
	// Name identifies the backend in logs and health reports.
	Name() string
	// Ping probes reachability. It must respect ctx so a hung probe
	// cannot block a request beyond the probe timeout.
	Ping(ctx context.Context) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	// CopyIn places files under the scratch directory of a created or
	// stopped container.
	CopyIn(ctx context.Context, containerID string, files []FileSpec) error
	// CopyOut reads a single file back out, e.g. a compiled binary.
	CopyOut(ctx context.Context, containerID, path string) ([]byte, error)
	StartContainer(ctx context.Context, containerID string) error
	// WaitContainer blocks until the container exits or ctx is done and
	// returns the exit code.
	WaitContainer(ctx context.Context, containerID string) (int, error)
	// StopContainer force-terminates the container's process group after
	// the grace period.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	InspectContainer(ctx context.Context, containerID string) (ContainerState, error)
	// ContainerLogs returns the stdout and stderr produced since the given
	// time, demultiplexed.
	ContainerLogs(ctx context.Context, containerID string, since time.Time) (stdout, stderr []byte, err error)
	// RemoveContainer releases every OS-level resource of the container.
	RemoveContainer(ctx context.Context, containerID string) error
	Close() error
}

// CommandRunner defines an interface for executing system commands. The CLI
// backend shells out through it; tests substitute a mock.
type CommandRunner interface {
	Run(ctx context.Context, stdin []byte, args []string) (stdout, stderr []byte, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands.
type RealCommandRunner struct{}

// Run executes the given command with arguments, feeding stdin when
// provided and capturing both output streams.
func (RealCommandRunner) Run(ctx context.Context, stdin []byte, args []string) ([]byte, []byte, int, error) {
	if len(args) < 1 {
		return nil, nil, 0, errors.New("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Arguments are built from configuration, not candidate input
	if len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return stdoutBuf.Bytes(), stderrBuf.Bytes(), 0, err
		}
	}

	return stdoutBuf.Bytes(), stderrBuf.Bytes(), exitCode, nil
}
