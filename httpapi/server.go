package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/testrunner"
)

// Runner evaluates submissions.
type Runner interface {
	Run(ctx context.Context, sub testrunner.Submission) (*testrunner.Report, error)
}

// HealthReporter says which isolation backend currently serves requests.
type HealthReporter interface {
	SelectedName() string
}

// Server holds the HTTP handlers.
type Server struct {
	logger *zap.Logger
	runner Runner
	health HealthReporter
}

// NewServer constructs the HTTP surface.
func NewServer(logger *zap.Logger, runner Runner, health HealthReporter) *Server {
	return &Server{
		logger: logger,
		runner: runner,
		health: health,
	}
}

// Routes assembles the router.
func (s *Server) Routes() http.Handler {
	mux := chi.NewRouter()

	mux.Use(middleware.RequestID)
	mux.Use(middleware.Recoverer)
	mux.Use(cors.AllowAll().Handler)

	mux.Post("/run", s.handleRun)
	mux.Get("/healthz", s.handleHealth)

	return mux
}

type caseSpec struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

type runRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Tests    struct {
		Visible []caseSpec `json:"visible"`
		Hidden  []caseSpec `json:"hidden"`
	} `json:"tests"`
	TimeoutSeconds float64 `json:"timeout_seconds"`
	MemoryLimitMB  int     `json:"memory_limit_mb"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	language, err := sandbox.ParseLanguage(req.Language)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Code == "" {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "code must not be empty"})
		return
	}

	sub := testrunner.Submission{
		Language: language,
		Code:     req.Code,
		Visible:  toCases(req.Tests.Visible),
		Hidden:   toCases(req.Tests.Hidden),
		Limits: sandbox.ResourceLimits{
			WallTimeout:     time.Duration(req.TimeoutSeconds * float64(time.Second)),
			MemoryCeilingMB: req.MemoryLimitMB,
		},
	}

	report, err := s.runner.Run(r.Context(), sub)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// The client went away; nobody is reading the response.
			return
		}
		s.logger.Error("submission run failed", zap.Error(err))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "execution service unavailable"})
		return
	}

	if report.Overall.Infrastructure() {
		s.logger.Error("submission hit infrastructure failure",
			zap.String("language", string(language)),
			zap.String("status", string(report.Overall)))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "execution service unavailable"})
		return
	}

	s.writeJSON(w, http.StatusOK, report.CandidateView())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.health.SelectedName(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func toCases(specs []caseSpec) []testrunner.TestCase {
	cases := make([]testrunner.TestCase, 0, len(specs))
	for _, spec := range specs {
		cases = append(cases, testrunner.TestCase{
			ID:       spec.ID,
			Input:    spec.Input,
			Expected: spec.ExpectedOutput,
		})
	}
	return cases
}
