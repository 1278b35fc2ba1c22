package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/testrunner"
)

type fakeRunner struct {
	report  *testrunner.Report
	err     error
	lastSub testrunner.Submission
	calls   int
}

func (f *fakeRunner) Run(_ context.Context, sub testrunner.Submission) (*testrunner.Report, error) {
	f.lastSub = sub
	f.calls++
	return f.report, f.err
}

func passingReport() *testrunner.Report {
	return &testrunner.Report{
		Overall:   sandbox.StatusSuccess,
		Execution: sandbox.ExecutionResult{Status: sandbox.StatusSuccess, Stdout: "4\n"},
		Results: []testrunner.TestResult{
			{ID: "t1", Passed: true, Status: sandbox.StatusSuccess, Input: "2 2", Stdout: "4\n", Expected: "4"},
			{ID: "h1", Hidden: true, Passed: true, Status: sandbox.StatusSuccess},
		},
		Summary: testrunner.Summary{VisiblePassed: 1, HiddenPassed: 1},
	}
}

func startConsumer(t *testing.T, runner Runner) (*redis.Client, func()) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	consumer := NewConsumer(zaptest.NewLogger(t), rdb, runner, Config{
		SubmissionKey: "jobs",
		ResultPrefix:  "results:",
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Start(ctx)
	}()

	return rdb, func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("consumer did not stop after cancellation")
		}
	}
}

func waitForResult(t *testing.T, rdb *redis.Client, key string) resultEnvelope {
	t.Helper()

	var raw string
	require.Eventually(t, func() bool {
		val, err := rdb.Get(context.Background(), key).Result()
		if err != nil {
			return false
		}
		raw = val
		return true
	}, 2*time.Second, 10*time.Millisecond)

	var envelope resultEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))
	return envelope
}

func TestConsumerEvaluatesQueuedSubmission(t *testing.T) {
	runner := &fakeRunner{report: passingReport()}
	rdb, stop := startConsumer(t, runner)
	defer stop()

	job := `{
		"submission_id": "sub-42",
		"language": "python",
		"code": "print(sum(map(int, input().split())))",
		"tests": {
			"visible": [{"id": "t1", "input": "2 2", "expected_output": "4"}],
			"hidden": [{"id": "h1", "input": "10 -3", "expected_output": "7"}]
		},
		"timeout_seconds": 2,
		"memory_limit_mb": 128
	}`
	require.NoError(t, rdb.RPush(context.Background(), "jobs", job).Err())

	envelope := waitForResult(t, rdb, "results:sub-42")
	assert.Equal(t, "sub-42", envelope.SubmissionID)
	assert.Empty(t, envelope.Error)
	require.NotNil(t, envelope.Report)
	assert.Equal(t, 1, envelope.Report.Summary.VisiblePassed)
	assert.Equal(t, 1, envelope.Report.Summary.HiddenPassed)

	assert.Equal(t, sandbox.LanguagePython, runner.lastSub.Language)
	assert.Equal(t, 2*time.Second, runner.lastSub.Limits.WallTimeout)
	assert.Equal(t, 128, runner.lastSub.Limits.MemoryCeilingMB)
}

func TestConsumerRecordsRejectedSubmission(t *testing.T) {
	runner := &fakeRunner{report: passingReport()}
	rdb, stop := startConsumer(t, runner)
	defer stop()

	job := `{"submission_id": "sub-7", "language": "cobol", "code": "DISPLAY 1"}`
	require.NoError(t, rdb.RPush(context.Background(), "jobs", job).Err())

	envelope := waitForResult(t, rdb, "results:sub-7")
	assert.NotEmpty(t, envelope.Error)
	assert.Nil(t, envelope.Report)
	assert.Zero(t, runner.calls)
}

func TestConsumerMasksRunnerFailure(t *testing.T) {
	runner := &fakeRunner{err: sandbox.ErrEngineUnavailable}
	rdb, stop := startConsumer(t, runner)
	defer stop()

	job := `{"submission_id": "sub-9", "language": "python", "code": "print(1)"}`
	require.NoError(t, rdb.RPush(context.Background(), "jobs", job).Err())

	envelope := waitForResult(t, rdb, "results:sub-9")
	assert.Equal(t, "execution service unavailable", envelope.Error)
	assert.Nil(t, envelope.Report)
}

func TestConsumerDropsMalformedPayload(t *testing.T) {
	runner := &fakeRunner{report: passingReport()}
	rdb, stop := startConsumer(t, runner)
	defer stop()

	require.NoError(t, rdb.RPush(context.Background(), "jobs", "not json").Err())
	require.NoError(t, rdb.RPush(context.Background(), "jobs", `{"language": "python", "code": "print(1)"}`).Err())

	job := `{"submission_id": "sub-1", "language": "python", "code": "print(1)"}`
	require.NoError(t, rdb.RPush(context.Background(), "jobs", job).Err())

	envelope := waitForResult(t, rdb, "results:sub-1")
	assert.Equal(t, "sub-1", envelope.SubmissionID)
	assert.Equal(t, 1, runner.calls)
}
