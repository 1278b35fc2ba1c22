package testrunner

import (
	"time"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
)

// TestResult is the scored outcome of one test case. This is the trusted,
// unredacted record; candidates see it only through CandidateView.
type TestResult struct {
	ID       string
	Hidden   bool
	Passed   bool
	Status   sandbox.Status
	Input    string
	Stdout   string
	Stderr   string
	Expected string
	ExitCode int
	Duration time.Duration
	// Skipped marks a case that never ran: it was behind a compile error
	// or an aborted submission.
	Skipped bool
}

// Summary is the aggregate verdict count of a report, split the way the
// caller reports it.
type Summary struct {
	VisiblePassed int
	VisibleFailed int
	HiddenPassed  int
	HiddenFailed  int
}

// Total is the number of cases evaluated.
func (s Summary) Total() int {
	return s.VisiblePassed + s.VisibleFailed + s.HiddenPassed + s.HiddenFailed
}

// TotalPassed is the number of cases that passed.
func (s Summary) TotalPassed() int { return s.VisiblePassed + s.HiddenPassed }

// TotalFailed is the number of cases that failed or were skipped.
func (s Summary) TotalFailed() int { return s.VisibleFailed + s.HiddenFailed }

// Report is the full evaluation of a submission, cases in declaration
// order.
type Report struct {
	Overall sandbox.Status
	// Execution is the top-level compile/run outcome: the compile result
	// when compilation failed, otherwise the first executed case.
	Execution sandbox.ExecutionResult
	Results   []TestResult
	Summary   Summary
}

// AllPassed reports whether every case ran and matched.
func (r *Report) AllPassed() bool {
	return r.Summary.Total() > 0 && r.Summary.TotalFailed() == 0
}

// statusRank orders statuses by severity for the overall classification.
// A wrong answer on a clean run does not change the overall status; the
// summary carries that.
var statusRank = map[sandbox.Status]int{
	sandbox.StatusSuccess:           0,
	sandbox.StatusRuntimeError:      1,
	sandbox.StatusMemoryExceeded:    2,
	sandbox.StatusTimeout:           3,
	sandbox.StatusCompileError:      4,
	sandbox.StatusInternalError:     5,
	sandbox.StatusEngineUnavailable: 6,
}

func assemble(results []TestResult) *Report {
	report := &Report{
		Overall: sandbox.StatusSuccess,
		Results: results,
	}

	for _, res := range results {
		switch {
		case res.Hidden && res.Passed:
			report.Summary.HiddenPassed++
		case res.Hidden:
			report.Summary.HiddenFailed++
		case res.Passed:
			report.Summary.VisiblePassed++
		default:
			report.Summary.VisibleFailed++
		}
		if statusRank[res.Status] > statusRank[report.Overall] {
			report.Overall = res.Status
		}
	}
	return report
}

// ExecutionView is the outward shape of the top-level execution outcome.
type ExecutionView struct {
	Status          string `json:"status"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExitCode        int    `json:"exit_code"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	MemoryUsageMB   int    `json:"memory_usage_mb"`
}

// VisibleCaseView is the outward shape of a visible test case.
type VisibleCaseView struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	Input           string  `json:"input"`
	ExpectedOutput  string  `json:"expected_output"`
	ActualOutput    string  `json:"actual_output"`
	ExecutionTimeMS int64   `json:"execution_time_ms"`
	Error           *string `json:"error"`
}

// HiddenCaseView exposes identity, verdict and timing of a hidden case.
// Inputs, outputs and diagnostics never leave the service.
type HiddenCaseView struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// TestResultsView groups the per-case views.
type TestResultsView struct {
	Visible []VisibleCaseView `json:"visible"`
	Hidden  []HiddenCaseView  `json:"hidden"`
}

// SummaryView is the outward shape of the verdict counts.
type SummaryView struct {
	VisiblePassed int `json:"visible_passed"`
	VisibleFailed int `json:"visible_failed"`
	HiddenPassed  int `json:"hidden_passed"`
	HiddenFailed  int `json:"hidden_failed"`
}

// CandidateReportView is the redacted, candidate-facing report.
type CandidateReportView struct {
	Execution   ExecutionView   `json:"execution"`
	TestResults TestResultsView `json:"test_results"`
	Summary     SummaryView     `json:"summary"`
}

func verdict(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}

// caseError is the candidate-visible diagnostic for a failed case. Only
// candidate-domain text (program stderr, compiler output) qualifies;
// infrastructure detail stays in the logs.
func caseError(res TestResult) *string {
	if res.Passed || res.Status == sandbox.StatusSuccess {
		return nil
	}
	if res.Status.Infrastructure() {
		msg := "execution service unavailable"
		return &msg
	}
	msg := res.Stderr
	if msg == "" {
		msg = string(res.Status)
	}
	return &msg
}

// CandidateView redacts the report for candidate consumption.
func (r *Report) CandidateView() CandidateReportView {
	view := CandidateReportView{
		Execution: ExecutionView{
			Status:          string(r.Execution.Status),
			Stdout:          r.Execution.Stdout,
			Stderr:          r.Execution.Stderr,
			ExitCode:        r.Execution.ExitCode,
			ExecutionTimeMS: r.Execution.Duration.Milliseconds(),
			MemoryUsageMB:   r.Execution.MemoryUsedMB,
		},
		TestResults: TestResultsView{
			Visible: []VisibleCaseView{},
			Hidden:  []HiddenCaseView{},
		},
		Summary: SummaryView{
			VisiblePassed: r.Summary.VisiblePassed,
			VisibleFailed: r.Summary.VisibleFailed,
			HiddenPassed:  r.Summary.HiddenPassed,
			HiddenFailed:  r.Summary.HiddenFailed,
		},
	}

	for _, res := range r.Results {
		if res.Hidden {
			view.TestResults.Hidden = append(view.TestResults.Hidden, HiddenCaseView{
				ID:              res.ID,
				Status:          verdict(res.Passed),
				ExecutionTimeMS: res.Duration.Milliseconds(),
			})
			continue
		}
		view.TestResults.Visible = append(view.TestResults.Visible, VisibleCaseView{
			ID:              res.ID,
			Status:          verdict(res.Passed),
			Input:           res.Input,
			ExpectedOutput:  res.Expected,
			ActualOutput:    res.Stdout,
			ExecutionTimeMS: res.Duration.Milliseconds(),
			Error:           caseError(res),
		})
	}
	return view
}
