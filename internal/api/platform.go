package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/workflow"
)

const maxWorkflowBody = 4 << 20

func readDefinition(c echo.Context) (*workflow.Definition, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWorkflowBody))
	if err != nil {
		return nil, badRequest("could not read request body")
	}
	return workflow.Parse(data)
}

// listFilter reads active, tags (comma separated), name and projectId.
func listFilter(c echo.Context) (n8n.ListFilter, error) {
	var f n8n.ListFilter
	if v := c.QueryParam("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, badRequest("active must be true or false")
		}
		f.Active = &b
	}
	if v := c.QueryParam("tags"); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Tags = append(f.Tags, t)
			}
		}
	}
	f.Name = c.QueryParam("name")
	f.ProjectID = c.QueryParam("projectId")
	return f, nil
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest(name + " must be a non-negative integer")
	}
	return n, nil
}

func boolParam(c echo.Context, name string) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest(name + " must be true or false")
	}
	return b, nil
}

func (s *Server) importWorkflow(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	created, err := s.platform.CreateWorkflow(c.Request().Context(), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) listWorkflows(c echo.Context) error {
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	page, err := s.platform.ListWorkflows(c.Request().Context(), f, limit, c.QueryParam("cursor"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

type deletedResponse struct {
	Deleted []string `json:"deleted"`
}

// deleteWorkflows deletes every workflow matching the query filter. An
// unfiltered request must say all=true.
func (s *Server) deleteWorkflows(c echo.Context) error {
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	all, err := boolParam(c, "all")
	if err != nil {
		return err
	}
	if f.Empty() && !all {
		return badRequest("refusing to delete every workflow without all=true")
	}
	ids, err := s.platform.DeleteWorkflows(c.Request().Context(), f)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deletedResponse{Deleted: ids})
}

func (s *Server) getWorkflow(c echo.Context) error {
	wf, err := s.platform.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) updateWorkflow(c echo.Context) error {
	def, err := readDefinition(c)
	if err != nil {
		return err
	}
	wf, err := s.platform.UpdateWorkflow(c.Request().Context(), c.Param("id"), def)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

func (s *Server) deleteWorkflow(c echo.Context) error {
	wf, err := s.platform.DeleteWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, wf)
}

// activateWorkflow answers 200 for activated and not-activatable outcomes;
// the body tells them apart. Other platform failures are a 502.
func (s *Server) activateWorkflow(c echo.Context) error {
	res, err := s.platform.ActivateWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if res.Outcome == n8n.RemoteFailure {
		return &n8n.RemoteError{
			Operation:  "activate_workflow",
			Method:     http.MethodPost,
			URL:        "/workflows/" + c.Param("id") + "/activate",
			StatusCode: res.StatusCode,
			Body:       res.Body,
		}
	}
	return c.JSON(http.StatusOK, res)
}

type deactivateResponse struct {
	ID          string `json:"id"`
	Deactivated bool   `json:"deactivated"`
}

func (s *Server) deactivateWorkflow(c echo.Context) error {
	ok, err := s.platform.DeactivateWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, deactivateResponse{ID: c.Param("id"), Deactivated: ok})
}

func (s *Server) listExecutions(c echo.Context) error {
	limit, err := intParam(c, "limit")
	if err != nil {
		return err
	}
	includeData, err := boolParam(c, "include_data")
	if err != nil {
		return err
	}
	page, err := s.platform.ListExecutions(c.Request().Context(), n8n.ExecutionFilter{
		WorkflowID:  c.Param("id"),
		Status:      c.QueryParam("status"),
		IncludeData: includeData,
		Limit:       limit,
		Cursor:      c.QueryParam("cursor"),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) getExecution(c echo.Context) error {
	includeData, err := boolParam(c, "include_data")
	if err != nil {
		return err
	}
	ex, err := s.platform.GetExecution(c.Request().Context(), c.Param("id"), includeData)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ex)
}

type webhookRequest struct {
	Path    string          `json:"path"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// callWebhook invokes a trigger path with the given method and payload.
func (s *Server) callWebhook(c echo.Context) error {
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	req.Path = strings.TrimLeft(strings.TrimSpace(req.Path), "/")
	if req.Path == "" {
		return badRequest("path is required")
	}
	method := workflow.MethodPost
	if req.Method != "" {
		m, err := workflow.ParseHTTPMethod(req.Method)
		if err != nil {
			return badRequest(err.Error())
		}
		method = m
	}
	var payload any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &payload); err != nil {
			return badRequest("payload must be JSON")
		}
	}
	resp, err := s.platform.InvokeTrigger(c.Request().Context(), req.Path, method, payload)
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, resp)
}
