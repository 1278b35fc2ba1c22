package sandbox

import (
	"fmt"
	"time"
)

// Language identifies a supported runtime language.
type Language string

// Supported languages. The set is closed: interpreted, VM-based and
// ahead-of-time compiled, one each.
const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
	LanguageCPP        Language = "cpp"
)

// ParseLanguage validates a language identifier supplied by a caller.
func ParseLanguage(s string) (Language, error) {
	switch Language(s) {
	case LanguagePython, LanguageJavaScript, LanguageCPP:
		return Language(s), nil
	default:
		return "", fmt.Errorf("unsupported language: %q, must be one of: python, javascript, cpp", s)
	}
}

// Status classifies the outcome of a single execution.
type Status string

const (
	StatusSuccess           Status = "success"
	StatusCompileError      Status = "compile_error"
	StatusRuntimeError      Status = "runtime_error"
	StatusTimeout           Status = "timeout"
	StatusMemoryExceeded    Status = "memory_exceeded"
	StatusEngineUnavailable Status = "engine_unavailable"
	StatusInternalError     Status = "internal_error"
)

// Infrastructure reports whether the status originates from the sandbox
// itself rather than from the candidate's code. Infrastructure statuses
// abort a submission's remaining test cases; candidate statuses do not.
func (s Status) Infrastructure() bool {
	return s == StatusEngineUnavailable || s == StatusInternalError
}

// ResourceLimits is the hard ceiling applied to one run. A request without
// limits is never executed unbounded: Normalize fills every zero field with
// the engine default.
type ResourceLimits struct {
	WallTimeout     time.Duration
	MemoryCeilingMB int
	CPUShare        float64
	MaxOutputKB     int
}

// Default resource envelope, matching the per-language defaults of the
// deployment configuration.
const (
	DefaultWallTimeout     = 5 * time.Second
	DefaultMemoryCeilingMB = 256
	DefaultCPUShare        = 1.0
	DefaultMaxOutputKB     = 64
)

// Normalize replaces zero or negative fields with defaults taken from d.
// Zero fields of d itself fall back to the package defaults, so the result
// always carries enforceable ceilings.
func (l ResourceLimits) Normalize(d ResourceLimits) ResourceLimits {
	if d.WallTimeout <= 0 {
		d.WallTimeout = DefaultWallTimeout
	}
	if d.MemoryCeilingMB <= 0 {
		d.MemoryCeilingMB = DefaultMemoryCeilingMB
	}
	if d.CPUShare <= 0 {
		d.CPUShare = DefaultCPUShare
	}
	if d.MaxOutputKB <= 0 {
		d.MaxOutputKB = DefaultMaxOutputKB
	}

	if l.WallTimeout <= 0 {
		l.WallTimeout = d.WallTimeout
	}
	if l.MemoryCeilingMB <= 0 {
		l.MemoryCeilingMB = d.MemoryCeilingMB
	}
	if l.CPUShare <= 0 {
		l.CPUShare = d.CPUShare
	}
	if l.MaxOutputKB <= 0 {
		l.MaxOutputKB = d.MaxOutputKB
	}
	return l
}

// ExecutionRequest is an immutable description of one execution: the code,
// the language, optional stdin and the resource ceilings. It is owned by
// the call it serves and never mutated.
type ExecutionRequest struct {
	Language   Language
	SourceCode string
	Stdin      string
	Limits     ResourceLimits
}

// ExecutionResult is the outcome of one context invocation. Stdout and
// Stderr hold the raw captured bytes (possibly non-UTF8); when either
// stream exceeded the output ceiling it is cut and Truncated is set.
type ExecutionResult struct {
	Status       Status
	Stdout       string
	Stderr       string
	ExitCode     int
	Duration     time.Duration
	MemoryUsedMB int
	Truncated    bool
}

// truncateOutput caps a captured stream at maxKB kibibytes. The cut is
// byte-exact; partial output is always preserved, never dropped.
func truncateOutput(b []byte, maxKB int) (string, bool) {
	limit := maxKB * 1024
	if limit <= 0 || len(b) <= limit {
		return string(b), false
	}
	return string(b[:limit]), true
}
