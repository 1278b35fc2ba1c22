package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/testrunner"
)

// retryBackoff is the pause after a transient Redis error before the next
// blocking pop.
const retryBackoff = time.Second

// Runner evaluates submissions.
type Runner interface {
	Run(ctx context.Context, sub testrunner.Submission) (*testrunner.Report, error)
}

// Config sizes the consumer.
type Config struct {
	// SubmissionKey is the Redis list external graders push jobs onto.
	SubmissionKey string
	// ResultPrefix prefixes the per-submission result keys.
	ResultPrefix string
	// ResultTTL bounds how long a result stays readable. Zero means one
	// hour.
	ResultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubmissionKey == "" {
		c.SubmissionKey = "sandbox:submissions"
	}
	if c.ResultPrefix == "" {
		c.ResultPrefix = "sandbox:results:"
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = time.Hour
	}
	return c
}

// Consumer pops submissions off a Redis list and evaluates them.
type Consumer struct {
	logger *zap.Logger
	rdb    *redis.Client
	runner Runner
	cfg    Config
}

// NewConsumer builds a consumer over an existing Redis client.
func NewConsumer(logger *zap.Logger, rdb *redis.Client, runner Runner, cfg Config) *Consumer {
	return &Consumer{
		logger: logger,
		rdb:    rdb,
		runner: runner,
		cfg:    cfg.withDefaults(),
	}
}

// casePayload mirrors one test case in the queued submission JSON.
type casePayload struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// submissionPayload is the JSON document external graders push onto the
// submission list.
type submissionPayload struct {
	SubmissionID string `json:"submission_id"`
	Language     string `json:"language"`
	Code         string `json:"code"`
	Tests        struct {
		Visible []casePayload `json:"visible"`
		Hidden  []casePayload `json:"hidden"`
	} `json:"tests"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	MemoryLimitMB  int     `json:"memory_limit_mb"`
}

// resultEnvelope is what gets written under the result key.
type resultEnvelope struct {
	SubmissionID string                          `json:"submission_id"`
	Error        string                          `json:"error,omitempty"`
	Report       *testrunner.CandidateReportView `json:"report,omitempty"`
}

// Start blocks on the submission list until ctx is cancelled. Malformed jobs
// are logged and dropped so one bad payload cannot wedge the queue.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("queue consumer started",
		zap.String("submission_key", c.cfg.SubmissionKey))

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("queue consumer stopping")
			return
		default:
		}

		popped, err := c.rdb.BLPop(ctx, 0, c.cfg.SubmissionKey).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(retryBackoff):
			}
			continue
		}
		if len(popped) < 2 {
			continue
		}

		c.process(ctx, []byte(popped[1]))
	}
}

func (c *Consumer) process(ctx context.Context, raw []byte) {
	var payload submissionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.logger.Warn("dropping malformed submission", zap.Error(err))
		return
	}
	if payload.SubmissionID == "" {
		c.logger.Warn("dropping submission without an id")
		return
	}

	envelope := resultEnvelope{SubmissionID: payload.SubmissionID}

	sub, err := toSubmission(payload)
	if err != nil {
		envelope.Error = err.Error()
		c.publish(ctx, payload.SubmissionID, envelope)
		return
	}

	report, err := c.runner.Run(ctx, sub)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("submission evaluation failed",
			zap.String("submission_id", payload.SubmissionID),
			zap.Error(err))
		envelope.Error = "execution service unavailable"
		c.publish(ctx, payload.SubmissionID, envelope)
		return
	}

	view := report.CandidateView()
	envelope.Report = &view
	c.publish(ctx, payload.SubmissionID, envelope)

	c.logger.Info("submission evaluated",
		zap.String("submission_id", payload.SubmissionID),
		zap.String("overall", string(report.Overall)),
		zap.Int("passed", report.Summary.TotalPassed()),
		zap.Int("failed", report.Summary.TotalFailed()))
}

func (c *Consumer) publish(ctx context.Context, submissionID string, envelope resultEnvelope) {
	buf, err := json.Marshal(envelope)
	if err != nil {
		c.logger.Error("encode result failed",
			zap.String("submission_id", submissionID),
			zap.Error(err))
		return
	}

	key := c.cfg.ResultPrefix + submissionID
	if err := c.rdb.Set(ctx, key, buf, c.cfg.ResultTTL).Err(); err != nil {
		c.logger.Error("store result failed",
			zap.String("submission_id", submissionID),
			zap.Error(err))
	}
}

func toSubmission(payload submissionPayload) (testrunner.Submission, error) {
	language, err := sandbox.ParseLanguage(payload.Language)
	if err != nil {
		return testrunner.Submission{}, err
	}
	if payload.Code == "" {
		return testrunner.Submission{}, errors.New("code must not be empty")
	}

	return testrunner.Submission{
		Language: language,
		Code:     payload.Code,
		Visible:  toCases(payload.Tests.Visible),
		Hidden:   toCases(payload.Tests.Hidden),
		Limits: sandbox.ResourceLimits{
			WallTimeout:     time.Duration(payload.TimeoutSeconds * float64(time.Second)),
			MemoryCeilingMB: payload.MemoryLimitMB,
		},
	}, nil
}

func toCases(payloads []casePayload) []testrunner.TestCase {
	cases := make([]testrunner.TestCase, 0, len(payloads))
	for _, p := range payloads {
		cases = append(cases, testrunner.TestCase{
			ID:       p.ID,
			Input:    p.Input,
			Expected: p.ExpectedOutput,
		})
	}
	return cases
}
