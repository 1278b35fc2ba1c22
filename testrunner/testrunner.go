package testrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
)

// Engine is the slice of the execution engine the runner depends on.
type Engine interface {
	Prepare(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.Artifact, *sandbox.ExecutionResult, error)
	Invoke(ctx context.Context, art *sandbox.Artifact, input string) (*sandbox.ExecutionResult, error)
	Defaults() sandbox.ResourceLimits
}

// TestCase is one input/expected-output pair.
type TestCase struct {
	ID       string
	Input    string
	Expected string
}

// Submission is a candidate's code plus the cases to evaluate it against.
// Visible and hidden cases run identically; the split only affects
// reporting.
type Submission struct {
	Language sandbox.Language
	Code     string
	Visible  []TestCase
	Hidden   []TestCase
	Limits   sandbox.ResourceLimits
}

// Config tunes the runner.
type Config struct {
	// Parallelism bounds how many test cases run concurrently per
	// submission.
	Parallelism int
	// Budget is the wall-clock ceiling for a whole submission, all cases
	// included.
	Budget time.Duration
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.Budget <= 0 {
		c.Budget = time.Minute
	}
	return c
}

// Service runs submissions.
type Service struct {
	logger *zap.Logger
	engine Engine
	cfg    Config
}

// NewService constructs a runner over the given engine.
func NewService(logger *zap.Logger, engine Engine, cfg Config) *Service {
	return &Service{
		logger: logger,
		engine: engine,
		cfg:    cfg.withDefaults(),
	}
}

// Run evaluates the submission: one compilation, then every test case
// against the same artifact. Cases are independent, so they fan out up to
// the configured parallelism; results come back in declaration order
// regardless of completion order. The first infrastructure failure aborts
// the cases still pending. The returned error signals caller cancellation
// only.
func (s *Service) Run(ctx context.Context, sub Submission) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Budget)
	defer cancel()

	cases := s.collect(sub)
	if len(cases) == 0 {
		return &Report{
			Overall:   sandbox.StatusSuccess,
			Execution: sandbox.ExecutionResult{Status: sandbox.StatusSuccess},
		}, nil
	}

	artifact, prep, err := s.engine.Prepare(ctx, sandbox.ExecutionRequest{
		Language:   sub.Language,
		SourceCode: sub.Code,
		Limits:     sub.Limits,
	})
	if err != nil {
		return nil, err
	}
	if prep != nil {
		// Compilation (or source validation) failed; every case shares the
		// outcome and nothing runs.
		return s.shortCircuit(cases, prep), nil
	}

	results := make([]TestResult, len(cases))
	ran := make([]bool, len(cases))
	execs := make([]*sandbox.ExecutionResult, len(cases))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)

	for i, tc := range cases {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := s.engine.Invoke(gctx, artifact, tc.Input)
			if err != nil {
				return err
			}
			results[i] = evaluate(tc, res)
			ran[i] = true
			execs[i] = res
			if res.Status.Infrastructure() {
				// Abort the cases still waiting; running ones finish.
				return fmt.Errorf("case %s: %s", tc.ID, res.Status)
			}
			return nil
		})
	}

	groupErr := g.Wait()
	if errors.Is(groupErr, context.Canceled) {
		// The caller went away; a partial report serves nobody.
		return nil, groupErr
	}

	abortStatus := sandbox.StatusInternalError
	if errors.Is(groupErr, context.DeadlineExceeded) {
		// The submission budget ran out; whatever did not run is a timeout.
		abortStatus = sandbox.StatusTimeout
	}
	for i := range results {
		if ran[i] && results[i].Status.Infrastructure() {
			abortStatus = results[i].Status
			break
		}
	}
	for i, tc := range cases {
		if !ran[i] {
			results[i] = TestResult{
				ID:      tc.ID,
				Hidden:  tc.hidden,
				Status:  abortStatus,
				Skipped: true,
			}
		}
	}

	report := assemble(results)
	for _, exec := range execs {
		if exec != nil {
			report.Execution = *exec
			break
		}
	}
	s.logger.Info("submission evaluated",
		zap.String("language", string(sub.Language)),
		zap.String("overall", string(report.Overall)),
		zap.Int("passed", report.Summary.TotalPassed()),
		zap.Int("total", report.Summary.Total()))
	return report, nil
}

// internalCase carries the hidden flag alongside the case through the
// fan-out.
type internalCase struct {
	TestCase
	hidden bool
}

func (s *Service) collect(sub Submission) []internalCase {
	cases := make([]internalCase, 0, len(sub.Visible)+len(sub.Hidden))
	for i, tc := range sub.Visible {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("visible-%d", i+1)
		}
		cases = append(cases, internalCase{TestCase: tc})
	}
	for i, tc := range sub.Hidden {
		if tc.ID == "" {
			tc.ID = fmt.Sprintf("hidden-%d", i+1)
		}
		cases = append(cases, internalCase{TestCase: tc, hidden: true})
	}
	return cases
}

func (s *Service) shortCircuit(cases []internalCase, prep *sandbox.ExecutionResult) *Report {
	results := make([]TestResult, len(cases))
	for i, tc := range cases {
		results[i] = TestResult{
			ID:      tc.ID,
			Hidden:  tc.hidden,
			Status:  prep.Status,
			Stderr:  prep.Stderr,
			Skipped: true,
		}
	}
	report := assemble(results)
	report.Overall = prep.Status
	report.Execution = *prep
	return report
}

// evaluate scores one execution. A case passes when the run succeeded and
// the trimmed outputs match; trailing whitespace is never the difference
// between pass and fail.
func evaluate(tc internalCase, res *sandbox.ExecutionResult) TestResult {
	passed := res.Status == sandbox.StatusSuccess &&
		strings.TrimSpace(res.Stdout) == strings.TrimSpace(tc.Expected)

	return TestResult{
		ID:       tc.ID,
		Hidden:   tc.hidden,
		Passed:   passed,
		Status:   res.Status,
		Input:    tc.Input,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Expected: tc.Expected,
		ExitCode: res.ExitCode,
		Duration: res.Duration,
	}
}
