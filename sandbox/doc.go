// Package sandbox provides secure code execution capabilities.
//
// The sandbox package implements the execution engine for running untrusted
// candidate code in isolated, resource-bounded containers. The primary
// backend talks to the container daemon API; when the daemon is unreachable
// a command-line driven backend provides the same contract through the
// docker or podman CLI. Backend selection is probed and cached by the
// Selector and re-evaluated, circuit-breaker style, when the chosen backend
// starts failing.
//
// A context (one container plus its scratch directory) is owned by a
// fixed-capacity Pool that keeps warm instances per language. The Engine
// drives the full lifecycle of a run: acquire a context, copy code and
// input in, execute under the resource limits, classify the outcome and
// funnel every exit path through the same teardown routine.
//
// Usage:
//
//	engine := sandbox.NewEngine(logger, selector, pool, languages, sandbox.ResourceLimits{})
//	result, err := engine.Execute(ctx, sandbox.ExecutionRequest{
//	    Language:   sandbox.LanguagePython,
//	    SourceCode: "print('Hello, World!')",
//	})
package sandbox
