package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testLanguageSpecs() map[Language]LanguageSpec {
	return map[Language]LanguageSpec{
		LanguagePython: {
			Image:      "python:3.11-slim",
			SourceFile: "solution.py",
			RunCmd:     "python3 solution.py",
		},
		LanguageJavaScript: {
			Image:      "node:20-slim",
			SourceFile: "solution.js",
			RunCmd:     "node solution.js",
		},
		LanguageCPP: {
			Image:      "gcc:13",
			SourceFile: "solution.cpp",
			BinaryFile: "solution",
			CompileCmd: "g++ -O2 -std=c++17 -o solution solution.cpp",
			RunCmd:     "./solution",
		},
	}
}

func newTestEngine(t *testing.T, backends ...Backend) *Engine {
	t.Helper()
	logger := zaptest.NewLogger(t)
	selector := NewSelector(logger, SelectorConfig{}, backends...)
	pool := NewPool(logger, PoolConfig{Capacity: 4, JanitorInterval: time.Hour})
	t.Cleanup(func() { _ = pool.Close() })
	return NewEngine(logger, selector, pool, testLanguageSpecs(), ResourceLimits{})
}

func TestEngineExecuteSuccess(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.stdout = []byte("hello\n")
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `print("hello")`,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
	assert.False(t, result.Truncated)
	assert.Equal(t, 0, result.MemoryUsedMB)
}

func TestEngineReusesContextAcrossRuns(t *testing.T) {
	backend := newFakeBackend("daemon")
	engine := newTestEngine(t, backend)

	req := ExecutionRequest{Language: LanguagePython, SourceCode: `print(1)`}
	for i := 0; i < 3; i++ {
		result, err := engine.Execute(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, result.Status)
	}
	assert.Equal(t, 1, backend.createdCount(), "healthy runs should reuse one warm context")
}

func TestEngineInjectsStdinAndEntryScript(t *testing.T) {
	backend := newFakeBackend("daemon")
	engine := newTestEngine(t, backend)

	_, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `print(input())`,
		Stdin:      "5\n",
	})
	require.NoError(t, err)

	files := backend.lastCopyIn()
	require.Len(t, files, 3)

	var sawStdin, sawEntry, sawSource bool
	for _, f := range files {
		switch {
		case strings.HasSuffix(f.Name, "/stdin.txt"):
			sawStdin = true
			assert.Equal(t, "5\n", string(f.Data))
		case f.Name == "entry.sh":
			sawEntry = true
			script := string(f.Data)
			assert.Contains(t, script, "exec python3 solution.py < stdin.txt")
			assert.Contains(t, script, "rm -rf", "entry prelude must clear previous job directories")
		case strings.HasSuffix(f.Name, "/solution.py"):
			sawSource = true
		}
	}
	assert.True(t, sawStdin)
	assert.True(t, sawEntry)
	assert.True(t, sawSource)
}

func TestEngineClassifiesRuntimeError(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.waitExits = []int{1}
	backend.stderr = []byte("Traceback (most recent call last):\nZeroDivisionError: division by zero\n")
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `1 / 0`,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRuntimeError, result.Status)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "ZeroDivisionError")
}

func TestEngineClassifiesTimeout(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.waitDelay = 200 * time.Millisecond
	backend.stdout = []byte("partial output")
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `while True: pass`,
		Limits:     ResourceLimits{WallTimeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Equal(t, "partial output", result.Stdout, "output produced before the deadline is preserved")
	assert.Equal(t, -1, result.ExitCode)
	assert.Equal(t, 1, backend.stoppedCount(), "the runaway process must be stopped")
	assert.Equal(t, 1, backend.removedCount(), "a timed-out context is faulted and terminated")
}

func TestEngineUnkillableProcessIsInternalError(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.waitDelay = 200 * time.Millisecond
	backend.stopErr = errors.New("cannot kill container")
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `while True: pass`,
		Limits:     ResourceLimits{WallTimeout: 20 * time.Millisecond},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInternalError, result.Status)
}

func TestEngineClassifiesMemoryExceeded(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.waitExits = []int{137}
	backend.state = ContainerState{ExitCode: 137, OOMKilled: true}
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `x = "a" * (10 ** 10)`,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusMemoryExceeded, result.Status)
	assert.Equal(t, DefaultMemoryCeilingMB, result.MemoryUsedMB)
}

func TestEngineTruncatesOversizedOutput(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.stdout = []byte(strings.Repeat("a", 10*1024))
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `print("a" * 10240)`,
		Limits:     ResourceLimits{MaxOutputKB: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.True(t, result.Truncated)
	assert.Len(t, result.Stdout, 1024)
}

func TestEngineCompileErrorShortCircuits(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.waitExits = []int{1}
	backend.stderr = []byte("solution.cpp:3:5: error: expected ';' before 'return'\n")
	engine := newTestEngine(t, backend)

	artifact, result, err := engine.Prepare(context.Background(), ExecutionRequest{
		Language:   LanguageCPP,
		SourceCode: "int main() { return 0 }",
	})
	require.NoError(t, err)
	require.Nil(t, artifact)
	require.NotNil(t, result)
	assert.Equal(t, StatusCompileError, result.Status)
	assert.Contains(t, result.Stderr, "expected ';'")
}

func TestEngineCompilesOnceThenRunsBinary(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.copyOutData = []byte("\x7fELF machine code")
	backend.stdout = []byte("42\n")
	engine := newTestEngine(t, backend)

	artifact, result, err := engine.Prepare(context.Background(), ExecutionRequest{
		Language:   LanguageCPP,
		SourceCode: "#include <iostream>\nint main() { std::cout << 42; }",
	})
	require.NoError(t, err)
	require.Nil(t, result)
	require.NotNil(t, artifact)
	assert.Equal(t, "./solution", artifact.RunCommand)
	require.Len(t, artifact.Files, 1)
	assert.Equal(t, "solution", artifact.Files[0].Name)
	assert.Equal(t, backend.copyOutData, artifact.Files[0].Data, "the compiled binary is the artifact")

	run, err := engine.Invoke(context.Background(), artifact, "")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, run.Status)
	assert.Equal(t, "42\n", run.Stdout)
}

func TestEngineRejectsEmptySource(t *testing.T) {
	backend := newFakeBackend("daemon")
	engine := newTestEngine(t, backend)

	t.Run("compiled", func(t *testing.T) {
		result, err := engine.Execute(context.Background(), ExecutionRequest{Language: LanguageCPP, SourceCode: "  \n"})
		require.NoError(t, err)
		assert.Equal(t, StatusCompileError, result.Status)
	})

	t.Run("interpreted", func(t *testing.T) {
		result, err := engine.Execute(context.Background(), ExecutionRequest{Language: LanguagePython, SourceCode: ""})
		require.NoError(t, err)
		assert.Equal(t, StatusRuntimeError, result.Status)
	})

	assert.Equal(t, 0, backend.createdCount(), "empty source never reaches a container")
}

func TestEngineUnavailableWhenNoBackendReachable(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.setPingErr(errors.New("connection refused"))
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `print(1)`,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusEngineUnavailable, result.Status)
}

func TestEngineFailedRetryIsInternalError(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.startErr = errors.New("daemon hiccup")
	engine := newTestEngine(t, backend)

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `print(1)`,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInternalError, result.Status)
	assert.Equal(t, 2, backend.createdCount(), "one retry on a refreshed backend")
}

func TestEngineRetriesOnFallbackBackend(t *testing.T) {
	primary := newFakeBackend("daemon")
	primary.startErr = errors.New("daemon hiccup")
	fallback := newFakeBackend("cli-docker")
	fallback.stdout = []byte("ok\n")
	engine := newTestEngine(t, primary, fallback)

	// Seed the selection while the primary still answers pings, then take
	// it down: the first attempt fails mid-operation and the refreshed
	// probe lands the retry on the fallback.
	_, err := engine.selector.Current(context.Background())
	require.NoError(t, err)
	primary.setPingErr(errors.New("daemon went away"))

	result, err := engine.Execute(context.Background(), ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `print("ok")`,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "ok\n", result.Stdout)
	assert.Equal(t, 1, fallback.createdCount())
}

func TestEngineCancellationPropagates(t *testing.T) {
	backend := newFakeBackend("daemon")
	backend.waitDelay = time.Second
	engine := newTestEngine(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := engine.Execute(ctx, ExecutionRequest{
		Language:   LanguagePython,
		SourceCode: `while True: pass`,
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEngineRejectsUnknownLanguage(t *testing.T) {
	engine := newTestEngine(t, newFakeBackend("daemon"))

	_, _, err := engine.Prepare(context.Background(), ExecutionRequest{
		Language:   Language("cobol"),
		SourceCode: "DISPLAY 'HELLO'.",
	})
	require.Error(t, err)
}
