package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type promptRequest struct {
	Prompt        string `json:"prompt"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func bindPrompt(c echo.Context) (promptRequest, error) {
	var req promptRequest
	if err := c.Bind(&req); err != nil {
		return req, badRequest("invalid request body")
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return req, badRequest("prompt is required")
	}
	if req.MaxIterations < 0 {
		return req, badRequest("max_iterations must not be negative")
	}
	return req, nil
}

// generateWorkflow generates one workflow and creates it without
// activation (POST /api/v1/agent/generate_workflow).
func (s *Server) generateWorkflow(c echo.Context) error {
	req, err := bindPrompt(c)
	if err != nil {
		return err
	}
	res, err := s.pipeline.Generate(c.Request().Context(), req.Prompt)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// runPipeline runs the full reflection loop (POST /api/v1/agent/pipeline).
func (s *Server) runPipeline(c echo.Context) error {
	req, err := bindPrompt(c)
	if err != nil {
		return err
	}
	res, err := s.pipeline.Run(c.Request().Context(), req.Prompt, req.MaxIterations)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
