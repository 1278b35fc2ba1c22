package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeBackend is the scripted Backend used across selector, pool and
// engine tests. Error fields inject failures; Wait exit codes are popped
// from a queue so multi-run scenarios (compile then execute) can script
// distinct outcomes.
type fakeBackend struct {
	name string

	mu sync.Mutex

	pingErr error
	pings   int

	createErr error
	created   []ContainerSpec
	nextID    int

	copyInErr error
	copyIns   [][]FileSpec

	startErr error
	started  []string

	waitExits []int
	waitErr   error
	waitDelay time.Duration

	state      ContainerState
	inspectErr error

	stdout  []byte
	stderr  []byte
	logsErr error

	stopErr error
	stopped []string

	copyOutData []byte
	copyOutErr  error

	removed []string
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeBackend) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeBackend) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeBackend) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	f.created = append(f.created, spec)
	return fmt.Sprintf("%s-c%d", f.name, f.nextID), nil
}

func (f *fakeBackend) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeBackend) CopyIn(_ context.Context, _ string, files []FileSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyInErr != nil {
		return f.copyInErr
	}
	f.copyIns = append(f.copyIns, files)
	return nil
}

func (f *fakeBackend) lastCopyIn() []FileSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.copyIns) == 0 {
		return nil
	}
	return f.copyIns[len(f.copyIns)-1]
}

func (f *fakeBackend) CopyOut(context.Context, string, string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copyOutData, f.copyOutErr
}

func (f *fakeBackend) StartContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeBackend) WaitContainer(ctx context.Context, _ string) (int, error) {
	if f.waitDelay > 0 {
		select {
		case <-time.After(f.waitDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waitErr != nil {
		return 0, f.waitErr
	}
	exit := 0
	if len(f.waitExits) > 0 {
		exit = f.waitExits[0]
		f.waitExits = f.waitExits[1:]
	}
	return exit, nil
}

func (f *fakeBackend) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeBackend) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func (f *fakeBackend) InspectContainer(context.Context, string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.inspectErr
}

func (f *fakeBackend) ContainerLogs(context.Context, string, time.Time) ([]byte, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stdout, f.stderr, f.logsErr
}

func (f *fakeBackend) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeBackend) removedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

func (f *fakeBackend) Close() error { return nil }
