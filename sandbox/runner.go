package sandbox

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// compileTimeout bounds the toolchain invocation for compiled languages.
// Compilation is never candidate-controlled enough to deserve the per-test
// wall clock, but it must still be bounded.
const compileTimeout = 30 * time.Second

// LanguageSpec describes how one language is materialized inside a
// context: which image to run, what the source file is called and the
// commands to compile and run it.
type LanguageSpec struct {
	Image      string
	SourceFile string
	BinaryFile string
	CompileCmd string
	RunCmd     string
}

// Artifact is a ready-to-run unit produced by prepare: the files to inject
// into a context (source for interpreted languages, the extracted binary
// for compiled ones) and the command that runs them. Artifacts are
// self-contained, so independent test cases can invoke the same artifact
// on disjoint contexts concurrently.
type Artifact struct {
	Language   Language
	Image      string
	Files      []FileSpec
	RunCommand string
	Limits     ResourceLimits
}

// languageRunner is the per-language adapter: prepare materializes source
// into an artifact (or a compile failure), invoke semantics are carried by
// the artifact itself. The set of implementations is closed; see
// runnerFor.
type languageRunner interface {
	prepare(ctx context.Context, eng *Engine, spec LanguageSpec, req ExecutionRequest, limits ResourceLimits) (*Artifact, *ExecutionResult, error)
}

// runnerFor dispatches over the fixed language set. Adding a language
// means adding a case here, keeping the supported set auditable.
func runnerFor(lang Language) (languageRunner, error) {
	switch lang {
	case LanguagePython:
		return interpretedRunner{}, nil
	case LanguageJavaScript:
		return vmRunner{}, nil
	case LanguageCPP:
		return compiledRunner{}, nil
	default:
		return nil, fmt.Errorf("no runner registered for language %q", lang)
	}
}

// interpretedRunner serves the interpreted language: the source is the
// artifact, prepare never touches a container.
type interpretedRunner struct{}

func (interpretedRunner) prepare(_ context.Context, _ *Engine, spec LanguageSpec, req ExecutionRequest, limits ResourceLimits) (*Artifact, *ExecutionResult, error) {
	if result := rejectEmptySource(req.SourceCode, StatusRuntimeError); result != nil {
		return nil, result, nil
	}
	return sourceArtifact(spec, req, limits), nil, nil
}

// vmRunner serves the VM/JIT language. Bytecode compilation happens inside
// the VM at run time, so prepare is source-as-artifact just like the
// interpreted case.
type vmRunner struct{}

func (vmRunner) prepare(_ context.Context, _ *Engine, spec LanguageSpec, req ExecutionRequest, limits ResourceLimits) (*Artifact, *ExecutionResult, error) {
	if result := rejectEmptySource(req.SourceCode, StatusRuntimeError); result != nil {
		return nil, result, nil
	}
	return sourceArtifact(spec, req, limits), nil, nil
}

func sourceArtifact(spec LanguageSpec, req ExecutionRequest, limits ResourceLimits) *Artifact {
	return &Artifact{
		Language: req.Language,
		Image:    spec.Image,
		Files: []FileSpec{
			{Name: spec.SourceFile, Mode: 0o644, Data: []byte(req.SourceCode)},
		},
		RunCommand: spec.RunCmd,
		Limits:     limits,
	}
}

// compiledRunner serves the ahead-of-time compiled language: prepare runs
// the toolchain in a build context, extracts the produced binary and hands
// it out as the artifact. A compile failure short-circuits the whole
// submission with the captured compiler stderr.
type compiledRunner struct{}

func (compiledRunner) prepare(ctx context.Context, eng *Engine, spec LanguageSpec, req ExecutionRequest, limits ResourceLimits) (*Artifact, *ExecutionResult, error) {
	if result := rejectEmptySource(req.SourceCode, StatusCompileError); result != nil {
		return nil, result, nil
	}

	buildLimits := limits
	buildLimits.WallTimeout = compileTimeout

	job := jobSpec{
		language: req.Language,
		image:    spec.Image,
		files: []FileSpec{
			{Name: spec.SourceFile, Mode: 0o644, Data: []byte(req.SourceCode)},
		},
		command:     spec.CompileCmd,
		limits:      buildLimits,
		extractPath: spec.BinaryFile,
	}

	result, binary, err := eng.runJob(ctx, job)
	if err != nil {
		return nil, nil, err
	}

	if result.Status != StatusSuccess {
		// Any failed build outcome is a compile error to the caller; the
		// toolchain diagnostics are already in stderr.
		if !result.Status.Infrastructure() {
			result.Status = StatusCompileError
		}
		return nil, result, nil
	}

	return &Artifact{
		Language: req.Language,
		Image:    spec.Image,
		Files: []FileSpec{
			{Name: spec.BinaryFile, Mode: 0o755, Data: binary},
		},
		RunCommand: "./" + spec.BinaryFile,
		Limits:     limits,
	}, nil, nil
}

func rejectEmptySource(source string, status Status) *ExecutionResult {
	if strings.TrimSpace(source) != "" {
		return nil
	}
	return &ExecutionResult{
		Status:   status,
		Stderr:   "source code is empty",
		ExitCode: -1,
	}
}
