// Package mcpserver exposes submission evaluation over the Model Context
// Protocol (MCP).
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/config"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/sandbox"
	"github.com/Sotef/t1-msk-a88-VibeCode-Jam/testrunner"
)

// Runner evaluates submissions.
type Runner interface {
	Run(ctx context.Context, sub testrunner.Submission) (*testrunner.Report, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	runner    Runner
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, runner Runner) (*MCPServer, error) {
	s := &MCPServer{
		config: cfg,
		logger: logger,
		runner: runner,
	}

	s.mcpServer = server.NewMCPServer("sandbox-runner", "Evaluates candidate code against test cases")

	s.registerRunCodeTestsTool()

	return s, nil
}

// caseParam mirrors one test case in the tool arguments.
type caseParam struct {
	ID             string `json:"id"`
	Input          string `json:"input"`
	ExpectedOutput string `json:"expected_output"`
}

// testsParam mirrors the tests argument of run_code_tests.
type testsParam struct {
	Visible []caseParam `json:"visible"`
	Hidden  []caseParam `json:"hidden"`
}

// registerRunCodeTestsTool registers the run_code_tests tool
func (s *MCPServer) registerRunCodeTestsTool() {
	caseSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":              map[string]any{"type": "string"},
			"input":           map[string]any{"type": "string"},
			"expected_output": map[string]any{"type": "string"},
		},
	}

	tool := mcp.Tool{
		Name:        "run_code_tests",
		Description: "Run untrusted candidate code against visible and hidden test cases in an isolated sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Candidate-provided source code",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "Runtime language",
					"enum":        []string{"python", "javascript", "cpp"},
				},
				"tests": map[string]any{
					"type":        "object",
					"description": "Visible and hidden test cases",
					"properties": map[string]any{
						"visible": map[string]any{"type": "array", "items": caseSchema},
						"hidden":  map[string]any{"type": "array", "items": caseSchema},
					},
				},
				"timeout_seconds": map[string]any{
					"type":        "number",
					"description": "Per-case wall clock limit in seconds (optional)",
				},
				"memory_limit_mb": map[string]any{
					"type":        "integer",
					"description": "Per-case memory ceiling in MiB (optional)",
				},
			},
			Required: []string{"code", "language"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunCodeTests)
}

// handleRunCodeTests handles the run_code_tests tool
func (s *MCPServer) handleRunCodeTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}

	rawLanguage, err := request.RequireString("language")
	if err != nil {
		return nil, fmt.Errorf("language parameter is required: %w", err)
	}

	language, err := sandbox.ParseLanguage(rawLanguage)
	if err != nil {
		return toolError(err.Error()), nil
	}

	tests, err := decodeTests(request.GetArguments()["tests"])
	if err != nil {
		return toolError(fmt.Sprintf("invalid tests argument: %v", err)), nil
	}

	sub := testrunner.Submission{
		Language: language,
		Code:     code,
		Visible:  toCases(tests.Visible),
		Hidden:   toCases(tests.Hidden),
		Limits: sandbox.ResourceLimits{
			WallTimeout:     secondsToDuration(request.GetFloat("timeout_seconds", 0)),
			MemoryCeilingMB: request.GetInt("memory_limit_mb", 0),
		},
	}

	s.logger.Info("evaluating submission over mcp",
		zap.String("language", string(language)),
		zap.Int("visible_cases", len(sub.Visible)),
		zap.Int("hidden_cases", len(sub.Hidden)))

	report, err := s.runner.Run(ctx, sub)
	if err != nil {
		s.logger.Error("submission evaluation failed",
			zap.Error(err),
			zap.String("language", string(language)))
		return toolError("execution service unavailable"), nil
	}

	payload, err := json.Marshal(report.CandidateView())
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}

	s.logger.Info("submission evaluation completed",
		zap.String("language", string(language)),
		zap.String("overall", string(report.Overall)),
		zap.Int("passed", report.Summary.TotalPassed()),
		zap.Int("failed", report.Summary.TotalFailed()))

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(payload),
			},
		},
	}, nil
}

// decodeTests converts the loosely typed tests argument into testsParam.
func decodeTests(raw any) (testsParam, error) {
	var tests testsParam
	if raw == nil {
		return tests, nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return tests, err
	}
	if err := json.Unmarshal(buf, &tests); err != nil {
		return tests, err
	}
	return tests, nil
}

func toCases(params []caseParam) []testrunner.TestCase {
	cases := make([]testrunner.TestCase, 0, len(params))
	for _, p := range params {
		cases = append(cases, testrunner.TestCase{
			ID:       p.ID,
			Input:    p.Input,
			Expected: p.ExpectedOutput,
		})
	}
	return cases
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func toolError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.MCPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	httpServer := server.NewStreamableHTTPServer(s.mcpServer)
	return httpServer.Start(fmt.Sprintf(":%d", port))
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
