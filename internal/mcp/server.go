// Package mcp exposes the agent as Model Context Protocol tools.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
	"github.com/opentalon/evolve/internal/version"
)

// Pipeline runs the agent.
type Pipeline interface {
	Run(ctx context.Context, prompt string, maxIterations int) (*orchestrator.Result, error)
	Generate(ctx context.Context, prompt string) (*orchestrator.GenerateResult, error)
}

// Workflows lists and deletes workflows on the platform.
type Workflows interface {
	ListWorkflows(ctx context.Context, filter n8n.ListFilter, limit int, cursor string) (*n8n.Page, error)
	DeleteWorkflows(ctx context.Context, filter n8n.ListFilter) ([]string, error)
}

type Deps struct {
	Pipeline  Pipeline
	Workflows Workflows
	Logger    *slog.Logger
}

type Server struct {
	pipeline  Pipeline
	workflows Workflows
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		pipeline:  deps.Pipeline,
		workflows: deps.Workflows,
		logger:    log.WithComponent(logger, "mcp"),
	}
	s.mcpServer = server.NewMCPServer(
		"evolve",
		version.Get().Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("evolve turns a natural-language request into a running n8n workflow. "+
			"Use run_pipeline to generate, deploy and test a workflow with automatic repair, generate_workflow "+
			"to only generate and import one, and list_workflows / delete_workflows to manage what was created."),
	)
	s.mcpServer.AddTools(s.tools()...)
	return s
}

func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// HTTPHandler serves the streamable HTTP transport.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// ServeStdio serves the stdio transport until ctx is done or stdin closes.
func (s *Server) ServeStdio(ctx context.Context) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, os.Stdin, os.Stdout)
}
