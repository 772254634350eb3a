package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
	"github.com/opentalon/evolve/internal/workflow"
)

type mockPipeline struct {
	prompt   string
	limit    int
	result   *orchestrator.Result
	generate *orchestrator.GenerateResult
	err      error
}

func (m *mockPipeline) Run(_ context.Context, prompt string, maxIterations int) (*orchestrator.Result, error) {
	m.prompt, m.limit = prompt, maxIterations
	return m.result, m.err
}

func (m *mockPipeline) Generate(_ context.Context, prompt string) (*orchestrator.GenerateResult, error) {
	m.prompt = prompt
	return m.generate, m.err
}

type mockWorkflows struct {
	filter  n8n.ListFilter
	limit   int
	cursor  string
	page    *n8n.Page
	deleted []string
	calls   int
	err     error
}

func (m *mockWorkflows) ListWorkflows(_ context.Context, f n8n.ListFilter, limit int, cursor string) (*n8n.Page, error) {
	m.filter, m.limit, m.cursor = f, limit, cursor
	return m.page, m.err
}

func (m *mockWorkflows) DeleteWorkflows(_ context.Context, f n8n.ListFilter) ([]string, error) {
	m.calls++
	m.filter = f
	return m.deleted, m.err
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestToolsRegistered(t *testing.T) {
	s := NewServer(Deps{Pipeline: &mockPipeline{}, Workflows: &mockWorkflows{}})
	names := map[string]bool{}
	for _, st := range s.tools() {
		names[st.Tool.Name] = true
	}
	for _, want := range []string{"run_pipeline", "generate_workflow", "list_workflows", "delete_workflows"} {
		assert.True(t, names[want], want)
	}
	assert.NotNil(t, s.MCPServer())
	assert.NotNil(t, s.HTTPHandler())
}

func TestRunPipelineTool(t *testing.T) {
	p := &mockPipeline{result: &orchestrator.Result{RunID: "r1", Response: json.RawMessage(`{"ok":true}`), Iterations: 1}}
	s := NewServer(Deps{Pipeline: p, Workflows: &mockWorkflows{}})

	res, err := s.handleRunPipeline(context.Background(), buildRequest("run_pipeline", map[string]any{
		"prompt":         "set up an hourly weather check",
		"max_iterations": float64(3),
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, "set up an hourly weather check", p.prompt)
	assert.Equal(t, 3, p.limit)

	var got orchestrator.Result
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &got))
	assert.Equal(t, "r1", got.RunID)
	assert.JSONEq(t, `{"ok":true}`, string(got.Response))
}

func TestRunPipelineToolErrors(t *testing.T) {
	s := NewServer(Deps{Pipeline: &mockPipeline{}, Workflows: &mockWorkflows{}})
	res, err := s.handleRunPipeline(context.Background(), buildRequest("run_pipeline", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "prompt is required", textOf(t, res))

	p := &mockPipeline{err: &orchestrator.ExhaustedRetriesError{Attempts: 5}}
	s = NewServer(Deps{Pipeline: p, Workflows: &mockWorkflows{}})
	res, err = s.handleRunPipeline(context.Background(), buildRequest("run_pipeline", map[string]any{"prompt": "x"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "failed to generate workflow after 5 attempts", textOf(t, res))

	p.err = errors.New("planner unavailable")
	res, err = s.handleRunPipeline(context.Background(), buildRequest("run_pipeline", map[string]any{"prompt": "x"}))
	require.NoError(t, err)
	assert.Equal(t, "pipeline failed: planner unavailable", textOf(t, res))
}

func TestGenerateWorkflowTool(t *testing.T) {
	p := &mockPipeline{generate: &orchestrator.GenerateResult{Workflow: &workflow.Definition{ID: "wf-1", Name: "weather"}}}
	s := NewServer(Deps{Pipeline: p, Workflows: &mockWorkflows{}})

	res, err := s.handleGenerateWorkflow(context.Background(), buildRequest("generate_workflow", map[string]any{"prompt": "weather"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, textOf(t, res), `"id":"wf-1"`)
}

func TestListWorkflowsTool(t *testing.T) {
	w := &mockWorkflows{page: &n8n.Page{Data: []workflow.Definition{{ID: "1", Name: "a"}}}}
	s := NewServer(Deps{Pipeline: &mockPipeline{}, Workflows: w})

	res, err := s.handleListWorkflows(context.Background(), buildRequest("list_workflows", map[string]any{
		"active": false,
		"tags":   []any{"evolve"},
		"limit":  float64(20),
		"cursor": "abc",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.NotNil(t, w.filter.Active)
	assert.False(t, *w.filter.Active)
	assert.Equal(t, []string{"evolve"}, w.filter.Tags)
	assert.Equal(t, 20, w.limit)
	assert.Equal(t, "abc", w.cursor)
	assert.Contains(t, textOf(t, res), `"id":"1"`)

	_, err = s.handleListWorkflows(context.Background(), buildRequest("list_workflows", map[string]any{}))
	require.NoError(t, err)
	assert.Nil(t, w.filter.Active, "absent active must not filter")
}

func TestDeleteWorkflowsTool(t *testing.T) {
	w := &mockWorkflows{deleted: []string{"1", "2"}}
	s := NewServer(Deps{Pipeline: &mockPipeline{}, Workflows: w})

	res, err := s.handleDeleteWorkflows(context.Background(), buildRequest("delete_workflows", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, 0, w.calls)

	res, err = s.handleDeleteWorkflows(context.Background(), buildRequest("delete_workflows", map[string]any{"name": "stale"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, "stale", w.filter.Name)
	assert.JSONEq(t, `{"deleted":["1","2"]}`, textOf(t, res))

	w.err = errors.New("n8n down")
	res, err = s.handleDeleteWorkflows(context.Background(), buildRequest("delete_workflows", map[string]any{"all": true}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, textOf(t, res), "n8n down")
}
