// Package api exposes the agent and the workflow platform over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/logstream"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
	"github.com/opentalon/evolve/internal/version"
	"github.com/opentalon/evolve/internal/workflow"
)

// Pipeline is the agent surface: the full reflection run and the one-shot
// generate-and-create.
type Pipeline interface {
	Run(ctx context.Context, prompt string, maxIterations int) (*orchestrator.Result, error)
	Generate(ctx context.Context, prompt string) (*orchestrator.GenerateResult, error)
}

// Platform is the workflow platform surface passed through under /api/v1/n8n.
type Platform interface {
	CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error)
	GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	UpdateWorkflow(ctx context.Context, id string, def *workflow.Definition) (*workflow.Definition, error)
	DeleteWorkflow(ctx context.Context, id string) (*workflow.Definition, error)
	ListWorkflows(ctx context.Context, filter n8n.ListFilter, limit int, cursor string) (*n8n.Page, error)
	DeleteWorkflows(ctx context.Context, filter n8n.ListFilter) ([]string, error)
	ActivateWorkflow(ctx context.Context, id string) (n8n.ActivationResult, error)
	DeactivateWorkflow(ctx context.Context, id string) (bool, error)
	InvokeTrigger(ctx context.Context, path string, method workflow.HTTPMethod, payload any) (json.RawMessage, error)
	GetExecution(ctx context.Context, id string, includeData bool) (*n8n.Execution, error)
	ListExecutions(ctx context.Context, f n8n.ExecutionFilter) (*n8n.ExecutionPage, error)
}

type Options struct {
	Pipeline Pipeline
	Platform Platform
	Hub      *logstream.Hub // nil disables /api/v1/agent/logs
	MCP      http.Handler   // nil disables /mcp
	Logger   *slog.Logger
}

type Server struct {
	pipeline Pipeline
	platform Platform
	hub      *logstream.Hub
	mcp      http.Handler
	logger   *slog.Logger
	echo     *echo.Echo
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline: opts.Pipeline,
		platform: opts.Platform,
		hub:      opts.Hub,
		mcp:      opts.MCP,
		logger:   log.WithComponent(logger, "api"),
	}
	s.echo = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelDebug
			if v.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int(log.KeyStatus, v.Status),
				slog.Int64(log.KeyDurationMS, v.Latency.Milliseconds()),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, log.Error(v.Error))
			}
			s.logger.LogAttrs(c.Request().Context(), level, "request", attrs...)
			return nil
		},
	}))

	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	agent := e.Group("/api/v1/agent")
	agent.POST("/generate_workflow", s.generateWorkflow)
	agent.POST("/pipeline", s.runPipeline)
	agent.GET("/logs", s.streamLogs)

	platform := e.Group("/api/v1/n8n")
	platform.POST("/workflows", s.importWorkflow)
	platform.GET("/workflows", s.listWorkflows)
	platform.DELETE("/workflows", s.deleteWorkflows)
	platform.GET("/workflows/:id", s.getWorkflow)
	platform.PUT("/workflows/:id", s.updateWorkflow)
	platform.DELETE("/workflows/:id", s.deleteWorkflow)
	platform.POST("/workflows/:id/activate", s.activateWorkflow)
	platform.POST("/workflows/:id/deactivate", s.deactivateWorkflow)
	platform.GET("/workflows/:id/executions", s.listExecutions)
	platform.GET("/executions/:id", s.getExecution)
	platform.POST("/webhook", s.callWebhook)

	if s.mcp != nil {
		e.Any("/mcp", echo.WrapHandler(s.mcp))
		e.Any("/mcp/*", echo.WrapHandler(s.mcp))
	}
	return e
}

type healthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Version   version.Info `json:"version"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", Timestamp: time.Now().UTC(), Version: version.Get()})
}
