package n8n

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opentalon/evolve/internal/workflow"
)

// MaxPageSize is the largest page the platform returns for a listing.
const MaxPageSize = 250

// ListFilter narrows a workflow listing. Zero values are not sent.
type ListFilter struct {
	Active    *bool    `json:"active,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Name      string   `json:"name,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
}

// Empty reports whether f matches every workflow.
func (f ListFilter) Empty() bool {
	return f.Active == nil && len(f.Tags) == 0 && f.Name == "" && f.ProjectID == ""
}

func (f ListFilter) values() url.Values {
	q := url.Values{}
	if f.Active != nil {
		q.Set("active", strconv.FormatBool(*f.Active))
	}
	var tags []string
	for _, t := range f.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	if len(tags) > 0 {
		q.Set("tags", strings.Join(tags, ","))
	}
	if f.Name != "" {
		q.Set("name", f.Name)
	}
	if f.ProjectID != "" {
		q.Set("projectId", f.ProjectID)
	}
	return q
}

// Page is one cursor-delimited slice of a workflow listing.
type Page struct {
	Data       []workflow.Definition `json:"data"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

// FlexID decodes identifiers the platform renders either as strings or as
// numbers depending on its version.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

type Execution struct {
	ID             FlexID          `json:"id"`
	WorkflowID     FlexID          `json:"workflowId"`
	Finished       bool            `json:"finished"`
	Mode           string          `json:"mode"`
	Status         string          `json:"status,omitempty"`
	RetryOf        FlexID          `json:"retryOf,omitempty"`
	RetrySuccessID FlexID          `json:"retrySuccessId,omitempty"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	StoppedAt      *time.Time      `json:"stoppedAt,omitempty"`
	WaitTill       *time.Time      `json:"waitTill,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// ExecutionFilter selects executions for ListExecutions.
type ExecutionFilter struct {
	WorkflowID  string
	Status      string
	IncludeData bool
	Limit       int
	Cursor      string
}

type ExecutionPage struct {
	Data       []Execution `json:"data"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// ActivationOutcome distinguishes the three ways an activation can end.
type ActivationOutcome int

const (
	Activated ActivationOutcome = iota
	NotActivatable
	RemoteFailure
)

func (o ActivationOutcome) String() string {
	switch o {
	case Activated:
		return "activated"
	case NotActivatable:
		return "not_activatable"
	case RemoteFailure:
		return "remote_failure"
	}
	return "unknown"
}

func (o ActivationOutcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// ActivationResult reports an activation attempt. A workflow can be
// syntactically valid yet refused by the platform (missing credentials,
// unsupported trigger); that is NotActivatable with the platform's reason.
// Any other non-2xx answer is RemoteFailure.
type ActivationResult struct {
	Outcome    ActivationOutcome    `json:"outcome"`
	Workflow   *workflow.Definition `json:"workflow,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	StatusCode int                  `json:"status_code"`
	Body       string               `json:"body,omitempty"`
}

func (r ActivationResult) OK() bool { return r.Outcome == Activated }

// messageOf extracts the "message" field of a platform error body, falling
// back to the raw body.
func messageOf(body []byte) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(body))
}
