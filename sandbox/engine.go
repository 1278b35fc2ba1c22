package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// stopGrace is how long a timed-out process gets to exit on SIGTERM before
// the backend escalates to SIGKILL.
const stopGrace = 2 * time.Second

const entryFile = "entry.sh"

// entryCmd is the fixed container entry point. A container never changes
// its command; each run swaps the entry script and job files instead, which
// is what makes Ready contexts reusable.
var entryCmd = []string{"/bin/sh", scratchDir + "/" + entryFile}

// jobSpec is one container run: the files to inject, the command the entry
// script execs and the ceilings to apply. extractPath, when set, names a
// file to copy back out after a clean exit.
type jobSpec struct {
	language    Language
	image       string
	files       []FileSpec
	command     string
	stdin       []byte
	limits      ResourceLimits
	extractPath string
}

// Engine executes candidate code inside pooled, resource-limited
// contexts. It is the only component that touches Backend operations
// directly; callers deal in requests, artifacts and results.
//
// Errors returned by Engine methods signal caller cancellation only.
// Every sandbox-side failure, including an unreachable engine, comes back
// as a classified ExecutionResult so callers have a single place to look.
type Engine struct {
	logger    *zap.Logger
	selector  *Selector
	pool      *Pool
	languages map[Language]LanguageSpec
	defaults  ResourceLimits
}

// NewEngine constructs an engine over the given backend selector and
// context pool. defaults fills unset request limits; its own zero fields
// fall back to the package defaults.
func NewEngine(logger *zap.Logger, selector *Selector, pool *Pool, languages map[Language]LanguageSpec, defaults ResourceLimits) *Engine {
	return &Engine{
		logger:    logger,
		selector:  selector,
		pool:      pool,
		languages: languages,
		defaults:  ResourceLimits{}.Normalize(defaults),
	}
}

// Defaults returns the fully-populated default resource envelope.
func (e *Engine) Defaults() ResourceLimits { return e.defaults }

// WarmSpecs builds one container spec per configured language, suitable
// for Pool.WarmUp at startup.
func (e *Engine) WarmSpecs() map[Language]ContainerSpec {
	specs := make(map[Language]ContainerSpec, len(e.languages))
	for language, ls := range e.languages {
		specs[language] = e.containerSpec(ls.Image, e.defaults)
	}
	return specs
}

// Prepare turns a request into a runnable artifact. For the compiled
// language this is where compilation happens, once per submission; a
// compile failure comes back as the non-nil ExecutionResult and no
// artifact. The returned error signals caller cancellation only.
func (e *Engine) Prepare(ctx context.Context, req ExecutionRequest) (*Artifact, *ExecutionResult, error) {
	spec, ok := e.languages[req.Language]
	if !ok {
		return nil, nil, fmt.Errorf("language %q is not configured", req.Language)
	}
	runner, err := runnerFor(req.Language)
	if err != nil {
		return nil, nil, err
	}
	limits := req.Limits.Normalize(e.defaults)
	return runner.prepare(ctx, e, spec, req, limits)
}

// Invoke runs a prepared artifact once with the given stdin. Artifacts are
// immutable, so concurrent Invoke calls on the same artifact are safe;
// each lands on its own context.
func (e *Engine) Invoke(ctx context.Context, art *Artifact, input string) (*ExecutionResult, error) {
	result, _, err := e.runJob(ctx, jobSpec{
		language: art.Language,
		image:    art.Image,
		files:    art.Files,
		command:  art.RunCommand,
		stdin:    []byte(input),
		limits:   art.Limits,
	})
	return result, err
}

// Execute is the one-shot convenience: prepare the request and invoke it
// once with the request's stdin.
func (e *Engine) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	art, result, err := e.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return e.Invoke(ctx, art, req.Stdin)
}

// runJob executes one container run, retrying once on a refreshed backend
// when the selected one fails mid-operation. Whatever happens on the
// sandbox side, the caller gets a classified result; the error return
// carries ctx cancellation only.
func (e *Engine) runJob(ctx context.Context, job jobSpec) (*ExecutionResult, []byte, error) {
	backend, err := e.selector.Current(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return unavailableResult(), nil, nil
	}

	result, extracted, err := e.attempt(ctx, backend, job)
	if err == nil {
		if !result.Status.Infrastructure() {
			e.selector.ReportSuccess(backend)
		}
		return result, extracted, nil
	}
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	e.selector.ReportFailure(backend)
	e.logger.Warn("execution attempt failed, retrying on refreshed backend",
		zap.String("backend", backend.Name()),
		zap.String("language", string(job.language)),
		zap.Error(err))

	backend, rerr := e.selector.Refresh(ctx)
	if rerr != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return unavailableResult(), nil, nil
	}

	result, extracted, err = e.attempt(ctx, backend, job)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		e.selector.ReportFailure(backend)
		e.logger.Error("execution failed after retry",
			zap.String("backend", backend.Name()),
			zap.Error(err))
		return internalResult(), nil, nil
	}
	if !result.Status.Infrastructure() {
		e.selector.ReportSuccess(backend)
	}
	return result, extracted, nil
}

// attempt performs a single run on the given backend. A non-nil error
// means an engine-side operation failed and the run may be retried
// elsewhere; classified outcomes (timeout, OOM, non-zero exit, even an
// unkillable process) are results, not errors.
func (e *Engine) attempt(ctx context.Context, backend Backend, job jobSpec) (*ExecutionResult, []byte, error) {
	jobDir := "job-" + uuid.NewString()[:8]

	spec := e.containerSpec(job.image, job.limits)
	ec, err := e.pool.Acquire(ctx, backend, spec, job.language)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire context: %w", err)
	}

	healthy := false
	defer func() { e.pool.Release(ec, healthy, job.limits) }()

	files := make([]FileSpec, 0, len(job.files)+2)
	for _, f := range job.files {
		files = append(files, FileSpec{Name: jobDir + "/" + f.Name, Mode: f.Mode, Data: f.Data})
	}
	files = append(files,
		FileSpec{Name: jobDir + "/stdin.txt", Mode: 0o644, Data: job.stdin},
		FileSpec{Name: entryFile, Mode: 0o755, Data: entryScript(jobDir, job.command)},
	)

	if err := backend.CopyIn(ctx, ec.containerID, files); err != nil {
		return nil, nil, fmt.Errorf("inject files: %w", err)
	}

	started := time.Now()
	if err := backend.StartContainer(ctx, ec.containerID); err != nil {
		return nil, nil, fmt.Errorf("start container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, job.limits.WallTimeout)
	exitCode, waitErr := backend.WaitContainer(waitCtx, ec.containerID)
	cancel()
	elapsed := time.Since(started)

	if waitErr != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if errors.Is(waitErr, context.DeadlineExceeded) {
			return e.timeoutResult(backend, ec.containerID, job, started, elapsed)
		}
		return nil, nil, fmt.Errorf("wait for container: %w", waitErr)
	}

	state, err := backend.InspectContainer(ctx, ec.containerID)
	if err != nil {
		return nil, nil, fmt.Errorf("inspect container: %w", err)
	}

	stdout, stderr, err := backend.ContainerLogs(ctx, ec.containerID, started)
	if err != nil {
		return nil, nil, fmt.Errorf("collect logs: %w", err)
	}

	outStr, outTrunc := truncateOutput(stdout, job.limits.MaxOutputKB)
	errStr, errTrunc := truncateOutput(stderr, job.limits.MaxOutputKB)
	result := &ExecutionResult{
		Stdout:    outStr,
		Stderr:    errStr,
		ExitCode:  exitCode,
		Duration:  elapsed,
		Truncated: outTrunc || errTrunc,
	}

	if state.OOMKilled {
		result.Status = StatusMemoryExceeded
		result.MemoryUsedMB = job.limits.MemoryCeilingMB
		return result, nil, nil
	}

	var extracted []byte
	if exitCode == 0 {
		result.Status = StatusSuccess
		if job.extractPath != "" {
			extracted, err = backend.CopyOut(ctx, ec.containerID, scratchDir+"/"+jobDir+"/"+job.extractPath)
			if err != nil {
				return nil, nil, fmt.Errorf("extract %s: %w", job.extractPath, err)
			}
		}
	} else {
		result.Status = StatusRuntimeError
	}

	// The run completed and the entry prelude of the next run clears this
	// job's scratch directory, so the context can serve another request.
	healthy = true
	return result, extracted, nil
}

// timeoutResult handles a run that outlived its wall clock: stop the
// container, salvage whatever output it produced before the deadline and
// classify. A container that refuses to stop makes the outcome an
// internal error; its context is faulted on release either way.
func (e *Engine) timeoutResult(backend Backend, containerID string, job jobSpec, started time.Time, elapsed time.Duration) (*ExecutionResult, []byte, error) {
	stopCtx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
	defer cancel()

	if err := backend.StopContainer(stopCtx, containerID, stopGrace); err != nil {
		e.logger.Error("container would not stop after timeout",
			zap.String("container_id", containerID),
			zap.Error(err))
		return internalResult(), nil, nil
	}

	stdout, stderr, err := backend.ContainerLogs(stopCtx, containerID, started)
	if err != nil {
		e.logger.Warn("could not salvage output of timed-out run",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
	outStr, outTrunc := truncateOutput(stdout, job.limits.MaxOutputKB)
	errStr, errTrunc := truncateOutput(stderr, job.limits.MaxOutputKB)

	return &ExecutionResult{
		Status:    StatusTimeout,
		Stdout:    outStr,
		Stderr:    errStr,
		ExitCode:  -1,
		Duration:  elapsed,
		Truncated: outTrunc || errTrunc,
	}, nil, nil
}

func (e *Engine) containerSpec(image string, limits ResourceLimits) ContainerSpec {
	return ContainerSpec{
		Image:  image,
		Name:   "sbx-" + uuid.NewString()[:12],
		Cmd:    entryCmd,
		Limits: limits,
	}
}

// entryScript builds the per-run shell entry point. The prelude removes
// every other job directory, so a reused context never exposes a previous
// run's files to the current one.
func entryScript(jobDir, command string) []byte {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "find %s -mindepth 1 -maxdepth 1 -name 'job-*' ! -name %q -exec rm -rf {} + 2>/dev/null\n", scratchDir, jobDir)
	fmt.Fprintf(&b, "cd %s/%s || exit 97\n", scratchDir, jobDir)
	fmt.Fprintf(&b, "exec %s < stdin.txt\n", command)
	return []byte(b.String())
}

func unavailableResult() *ExecutionResult {
	return &ExecutionResult{
		Status:   StatusEngineUnavailable,
		Stderr:   ErrEngineUnavailable.Error(),
		ExitCode: -1,
	}
}

func internalResult() *ExecutionResult {
	return &ExecutionResult{
		Status:   StatusInternalError,
		Stderr:   "internal sandbox failure",
		ExitCode: -1,
	}
}
