package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ContextState is the lifecycle state of an ExecutionContext.
type ContextState string

const (
	StateProvisioning ContextState = "provisioning"
	StateReady        ContextState = "ready"
	StateRunning      ContextState = "running"
	StateFaulted      ContextState = "faulted"
	StateTerminated   ContextState = "terminated"
)

// legalTransitions encodes the context state machine. Terminated is a
// point of no return.
var legalTransitions = map[ContextState][]ContextState{
	StateProvisioning: {StateReady, StateFaulted, StateTerminated},
	StateReady:        {StateRunning, StateFaulted, StateTerminated},
	StateRunning:      {StateReady, StateFaulted, StateTerminated},
	StateFaulted:      {StateTerminated},
	StateTerminated:   {},
}

// ExecutionContext represents one isolated runtime instance: a container
// bound to a single language. At most one request binds to a context at a
// time; the Pool enforces that with slot locking, the state machine guards
// it here.
type ExecutionContext struct {
	id          string
	language    Language
	backend     Backend
	containerID string
	createdAt   time.Time

	mu       sync.Mutex
	state    ContextState
	lastUsed time.Time
}

func newExecutionContext(language Language, backend Backend) *ExecutionContext {
	now := time.Now()
	return &ExecutionContext{
		id:        uuid.NewString(),
		language:  language,
		backend:   backend,
		createdAt: now,
		state:     StateProvisioning,
		lastUsed:  now,
	}
}

// ID returns the context's identifier.
func (e *ExecutionContext) ID() string { return e.id }

// Language returns the single language this context serves. A context is
// never reused across languages.
func (e *ExecutionContext) Language() Language { return e.language }

// State returns the current lifecycle state.
func (e *ExecutionContext) State() ContextState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// LastUsed returns the time of the most recent transition, used by the
// pool's idle eviction.
func (e *ExecutionContext) LastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// transition moves the context to the target state, rejecting moves the
// state machine does not allow.
func (e *ExecutionContext) transition(to ContextState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, allowed := range legalTransitions[e.state] {
		if allowed == to {
			e.state = to
			e.lastUsed = time.Now()
			return nil
		}
	}
	return fmt.Errorf("context %s: illegal transition %s -> %s", e.id, e.state, to)
}

// terminate is the single teardown funnel: every exit path (success,
// timeout kill, cancellation, crash, eviction) releases the container and
// its filesystem scope here. Once terminated the context holds no OS-level
// resources. Safe to call more than once.
func (e *ExecutionContext) terminate(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state = StateTerminated
	e.lastUsed = time.Now()
	containerID := e.containerID
	e.mu.Unlock()

	if containerID == "" {
		return nil
	}
	if err := e.backend.RemoveContainer(ctx, containerID); err != nil {
		return fmt.Errorf("terminate context %s: %w", e.id, err)
	}
	return nil
}
