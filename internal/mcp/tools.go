package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
)

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runPipelineTool(), Handler: s.handleRunPipeline},
		{Tool: generateWorkflowTool(), Handler: s.handleGenerateWorkflow},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: deleteWorkflowsTool(), Handler: s.handleDeleteWorkflows},
	}
}

func runPipelineTool() mcp.Tool {
	return mcp.NewTool("run_pipeline",
		mcp.WithDescription("Generate an n8n workflow for a request, deploy it, call its webhook and repair it until it works"),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the workflow should do")),
		mcp.WithNumber("max_iterations", mcp.Description("Maximum generation attempts (default from server configuration)")),
	)
}

func generateWorkflowTool() mcp.Tool {
	return mcp.NewTool("generate_workflow",
		mcp.WithDescription("Generate one n8n workflow for a request and import it without activating it"),
		mcp.WithString("prompt", mcp.Required(), mcp.Description("What the workflow should do")),
	)
}

func filterOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithBoolean("active", mcp.Description("Only workflows with this activation state")),
		mcp.WithArray("tags", mcp.WithStringItems(), mcp.Description("Only workflows carrying all of these tags")),
		mcp.WithString("name", mcp.Description("Only workflows with this name")),
		mcp.WithString("project_id", mcp.Description("Only workflows in this project")),
	}
}

func listWorkflowsTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("List workflows on the n8n instance"),
		mcp.WithNumber("limit", mcp.Description("Page size, at most 250")),
		mcp.WithString("cursor", mcp.Description("Cursor returned by a previous call")),
	}, filterOptions()...)
	return mcp.NewTool("list_workflows", opts...)
}

func deleteWorkflowsTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Delete every workflow matching the filter. An empty filter requires all=true."),
		mcp.WithBoolean("all", mcp.Description("Confirm deleting without a filter")),
	}, filterOptions()...)
	return mcp.NewTool("delete_workflows", opts...)
}

func (s *Server) handleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil || prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	res, err := s.pipeline.Run(ctx, prompt, req.GetInt("max_iterations", 0))
	if err != nil {
		var ex *orchestrator.ExhaustedRetriesError
		if errors.As(err, &ex) {
			return mcp.NewToolResultError(ex.Error()), nil
		}
		s.logger.Warn("run_pipeline failed", log.Error(err))
		return mcp.NewToolResultErrorFromErr("pipeline failed", err), nil
	}
	return mcp.NewToolResultJSON(res)
}

func (s *Server) handleGenerateWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	prompt, err := req.RequireString("prompt")
	if err != nil || prompt == "" {
		return mcp.NewToolResultError("prompt is required"), nil
	}
	res, err := s.pipeline.Generate(ctx, prompt)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("generate failed", err), nil
	}
	return mcp.NewToolResultJSON(res)
}

func listFilter(req mcp.CallToolRequest) n8n.ListFilter {
	f := n8n.ListFilter{
		Tags:      req.GetStringSlice("tags", nil),
		Name:      req.GetString("name", ""),
		ProjectID: req.GetString("project_id", ""),
	}
	if _, ok := req.GetArguments()["active"]; ok {
		active := req.GetBool("active", false)
		f.Active = &active
	}
	return f
}

func (s *Server) handleListWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := s.workflows.ListWorkflows(ctx, listFilter(req), req.GetInt("limit", 0), req.GetString("cursor", ""))
	if err != nil {
		return mcp.NewToolResultErrorFromErr("list failed", err), nil
	}
	return mcp.NewToolResultJSON(page)
}

type deleted struct {
	Deleted []string `json:"deleted"`
}

func (s *Server) handleDeleteWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := listFilter(req)
	if f.Empty() && !req.GetBool("all", false) {
		return mcp.NewToolResultError("refusing to delete every workflow without all=true"), nil
	}
	ids, err := s.workflows.DeleteWorkflows(ctx, f)
	if err != nil {
		return mcp.NewToolResultErrorFromErr("delete failed", err), nil
	}
	s.logger.Info("deleted workflows", "count", len(ids))
	return mcp.NewToolResultJSON(deleted{Deleted: ids})
}
