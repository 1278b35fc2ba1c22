package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextLifecycle(t *testing.T) {
	backend := newFakeBackend("daemon")
	ec := newExecutionContext(LanguagePython, backend)

	assert.Equal(t, StateProvisioning, ec.State())
	assert.NotEmpty(t, ec.ID())
	assert.Equal(t, LanguagePython, ec.Language())

	require.NoError(t, ec.transition(StateReady))
	require.NoError(t, ec.transition(StateRunning))
	require.NoError(t, ec.transition(StateReady), "a clean run returns the context to ready")
	require.NoError(t, ec.transition(StateRunning))
	require.NoError(t, ec.transition(StateFaulted))
	require.NoError(t, ec.transition(StateTerminated))
}

func TestContextRejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []ContextState
		to   ContextState
	}{
		{"provisioning to running", nil, StateRunning},
		{"faulted to running", []ContextState{StateReady, StateFaulted}, StateRunning},
		{"faulted to ready", []ContextState{StateReady, StateFaulted}, StateReady},
		{"terminated to ready", []ContextState{StateTerminated}, StateReady},
		{"terminated to running", []ContextState{StateTerminated}, StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := newExecutionContext(LanguagePython, newFakeBackend("daemon"))
			for _, s := range tt.path {
				require.NoError(t, ec.transition(s))
			}
			assert.Error(t, ec.transition(tt.to))
		})
	}
}

func TestContextTerminateReleasesContainer(t *testing.T) {
	backend := newFakeBackend("daemon")
	ec := newExecutionContext(LanguageCPP, backend)
	ec.containerID = "c1"

	require.NoError(t, ec.terminate(context.Background()))
	assert.Equal(t, StateTerminated, ec.State())
	assert.Equal(t, 1, backend.removedCount())

	// Idempotent: a second terminate does not touch the backend again.
	require.NoError(t, ec.terminate(context.Background()))
	assert.Equal(t, 1, backend.removedCount())
}

func TestContextTerminateWithoutContainer(t *testing.T) {
	backend := newFakeBackend("daemon")
	ec := newExecutionContext(LanguagePython, backend)

	require.NoError(t, ec.terminate(context.Background()))
	assert.Equal(t, 0, backend.removedCount())
}
