package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/lua"
	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/orchestrator"
	"github.com/opentalon/evolve/internal/retriever"
	"github.com/opentalon/evolve/internal/workflow"
)

const problemContentType = "application/problem+json"

// Problem is an RFC 7807 problem document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Attempts is set when a pipeline run gave up.
	Attempts int `json:"attempts,omitempty"`
	// Stage is the lifecycle stage of the last failed candidate.
	Stage string `json:"stage,omitempty"`
}

func badRequest(detail string) error {
	return echo.NewHTTPError(http.StatusBadRequest, detail)
}

// problemFor maps an error to its problem document.
func problemFor(err error) Problem {
	var (
		he        *echo.HTTPError
		exhausted *orchestrator.ExhaustedRetriesError
		rejected  *lua.RejectedError
		remote    *n8n.RemoteError
		genErr    *retriever.GenerationError
		parseErr  *workflow.ParseError
		invalid   *workflow.ValidationError
	)
	switch {
	case errors.As(err, &he):
		p := Problem{Status: he.Code, Title: http.StatusText(he.Code)}
		if msg, ok := he.Message.(string); ok && msg != http.StatusText(he.Code) {
			p.Detail = msg
		}
		return p
	case errors.As(err, &exhausted):
		p := Problem{Status: http.StatusInternalServerError, Title: "Workflow generation failed", Detail: exhausted.Error(), Attempts: exhausted.Attempts}
		if exhausted.Last != nil {
			p.Stage = string(exhausted.Last.Stage)
		}
		return p
	case errors.As(err, &rejected):
		return Problem{Status: http.StatusUnprocessableEntity, Title: "Prompt rejected", Detail: rejected.Message}
	case errors.Is(err, orchestrator.ErrEmptyPrompt), errors.Is(err, retriever.ErrEmptyQuery):
		return Problem{Status: http.StatusBadRequest, Title: "Bad Request", Detail: "prompt is required"}
	case errors.As(err, &parseErr), errors.As(err, &invalid):
		return Problem{Status: http.StatusBadRequest, Title: "Invalid workflow", Detail: err.Error()}
	case errors.As(err, &genErr):
		return Problem{Status: http.StatusBadGateway, Title: "Generated workflow is unusable", Detail: genErr.Err.Error()}
	case errors.As(err, &remote):
		status := http.StatusBadGateway
		if remote.StatusCode >= 400 && remote.StatusCode < 500 {
			status = remote.StatusCode
		}
		return Problem{Status: status, Title: "Workflow platform error", Detail: remote.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return Problem{Status: http.StatusGatewayTimeout, Title: http.StatusText(http.StatusGatewayTimeout), Detail: err.Error()}
	case errors.Is(err, context.Canceled):
		return Problem{Status: http.StatusServiceUnavailable, Title: "Request canceled", Detail: err.Error()}
	default:
		return Problem{Status: http.StatusInternalServerError, Title: http.StatusText(http.StatusInternalServerError), Detail: err.Error()}
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	p := problemFor(err)
	p.Type = "about:blank"
	p.Instance = c.Request().URL.Path
	if p.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", p.Instance, log.KeyStatus, p.Status, log.Error(err))
	}
	c.Response().Header().Set(echo.HeaderContentType, problemContentType)
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(p.Status)
		return
	}
	if werr := c.JSON(p.Status, p); werr != nil {
		s.logger.Warn("write problem response", log.Error(werr))
	}
}
