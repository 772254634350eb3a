package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/metrics"
	"github.com/opentalon/evolve/internal/workflow"
)

const (
	DefaultBaseURL   = "http://n8n:5678"
	DefaultAPIPrefix = "/api/v1"
	apiKeyHeader     = "X-N8N-API-KEY"
)

// Client talks to the workflow platform's management API and to its
// webhook namespace.
type Client struct {
	baseURL    string
	apiPrefix  string
	webhookURL string
	apiKey     string
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithAPIPrefix overrides the management API prefix (default /api/v1).
func WithAPIPrefix(prefix string) Option {
	return func(cl *Client) {
		if prefix != "" {
			cl.apiPrefix = "/" + strings.Trim(prefix, "/")
		}
	}
}

// WithWebhookBaseURL overrides where trigger paths are served
// (default <base>/webhook).
func WithWebhookBaseURL(u string) Option {
	return func(cl *Client) {
		if u != "" {
			cl.webhookURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimit bounds outgoing requests per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) {
		if l != nil {
			cl.logger = l
		}
	}
}

// New creates a platform client.
func New(baseURL, apiKey string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	c := &Client{
		baseURL:    baseURL,
		apiPrefix:  DefaultAPIPrefix,
		webhookURL: baseURL + "/webhook",
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

// WebhookURL returns the externally reachable URL of a trigger path.
func (c *Client) WebhookURL(path string) string {
	return c.webhookURL + "/" + strings.TrimLeft(path, "/")
}

// writePayload is the subset of a definition the platform accepts on
// create and update; read-only fields are rejected by the API.
type writePayload struct {
	Name        string               `json:"name"`
	Nodes       []workflow.Node      `json:"nodes"`
	Connections workflow.Connections `json:"connections"`
	Settings    workflow.Settings    `json:"settings"`
}

func newWritePayload(def *workflow.Definition) writePayload {
	n := def.Normalize()
	return writePayload{Name: n.Name, Nodes: n.Nodes, Connections: n.Connections, Settings: n.Settings}
}

// CreateWorkflow persists a new workflow and returns it with its id.
func (c *Client) CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	var out workflow.Definition
	if err := c.do(ctx, "create_workflow", http.MethodPost, c.api("/workflows"), nil, newWritePayload(def), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	var out workflow.Definition
	if err := c.do(ctx, "get_workflow", http.MethodGet, c.api("/workflows/"+url.PathEscape(id)), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateWorkflow replaces the definition stored under id.
func (c *Client) UpdateWorkflow(ctx context.Context, id string, def *workflow.Definition) (*workflow.Definition, error) {
	var out workflow.Definition
	if err := c.do(ctx, "update_workflow", http.MethodPut, c.api("/workflows/"+url.PathEscape(id)), nil, newWritePayload(def), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorkflow removes a workflow and returns what was deleted.
func (c *Client) DeleteWorkflow(ctx context.Context, id string) (*workflow.Definition, error) {
	var out workflow.Definition
	if err := c.do(ctx, "delete_workflow", http.MethodDelete, c.api("/workflows/"+url.PathEscape(id)), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkflows returns one page of workflows matching filter. limit is
// clamped to MaxPageSize; an empty cursor starts from the beginning.
func (c *Client) ListWorkflows(ctx context.Context, filter ListFilter, limit int, cursor string) (*Page, error) {
	q := filter.values()
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q.Set("limit", fmt.Sprint(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var out Page
	if err := c.do(ctx, "list_workflows", http.MethodGet, c.api("/workflows"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteWorkflows pages through every workflow matching filter and deletes
// each one, returning the deleted ids in deletion order.
func (c *Client) DeleteWorkflows(ctx context.Context, filter ListFilter) ([]string, error) {
	deleted := []string{}
	cursor := ""
	seen := map[string]bool{}
	for {
		page, err := c.ListWorkflows(ctx, filter, MaxPageSize, cursor)
		if err != nil {
			return deleted, err
		}
		for _, wf := range page.Data {
			if _, err := c.DeleteWorkflow(ctx, wf.ID); err != nil {
				return deleted, fmt.Errorf("delete workflow %s: %w", wf.ID, err)
			}
			deleted = append(deleted, wf.ID)
		}
		if page.NextCursor == "" {
			return deleted, nil
		}
		if seen[page.NextCursor] {
			return deleted, fmt.Errorf("delete workflows: listing repeated cursor %q", page.NextCursor)
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

// TagWorkflow sets the tags of workflow id to names, creating tags that do
// not exist yet, and returns the workflow's tags afterwards.
func (c *Client) TagWorkflow(ctx context.Context, id string, names ...string) ([]workflow.Tag, error) {
	if len(names) == 0 {
		return nil, nil
	}
	known, err := c.listTags(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]tagRef, 0, len(names))
	added := map[string]bool{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" || added[name] {
			continue
		}
		added[name] = true
		tagID, ok := known[name]
		if !ok {
			var created workflow.Tag
			if err := c.do(ctx, "create_tag", http.MethodPost, c.api("/tags"), nil, workflow.Tag{Name: name}, &created); err != nil {
				return nil, err
			}
			tagID = created.ID
		}
		refs = append(refs, tagRef{ID: tagID})
	}
	var out []workflow.Tag
	u := c.api("/workflows/" + url.PathEscape(id) + "/tags")
	if err := c.do(ctx, "tag_workflow", http.MethodPut, u, nil, refs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type tagRef struct {
	ID string `json:"id"`
}

type tagPage struct {
	Data       []workflow.Tag `json:"data"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

// listTags returns every tag on the platform as name -> id.
func (c *Client) listTags(ctx context.Context) (map[string]string, error) {
	tags := map[string]string{}
	cursor := ""
	seen := map[string]bool{}
	for {
		q := url.Values{}
		q.Set("limit", fmt.Sprint(MaxPageSize))
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var page tagPage
		if err := c.do(ctx, "list_tags", http.MethodGet, c.api("/tags"), q, nil, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Data {
			tags[t.Name] = t.ID
		}
		if page.NextCursor == "" || seen[page.NextCursor] {
			return tags, nil
		}
		seen[page.NextCursor] = true
		cursor = page.NextCursor
	}
}

// ActivateWorkflow asks the platform to activate id. Refusals are reported
// in the result; the error is non-nil only when no answer was obtained.
func (c *Client) ActivateWorkflow(ctx context.Context, id string) (ActivationResult, error) {
	u := c.api("/workflows/" + url.PathEscape(id) + "/activate")
	status, body, err := c.send(ctx, "activate_workflow", http.MethodPost, u, nil, nil)
	if err != nil {
		return ActivationResult{}, err
	}
	switch {
	case status >= 200 && status < 300:
		wf := workflow.Definition{ID: id, Active: true}
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &wf); err != nil {
				return ActivationResult{}, fmt.Errorf("decode activate response: %w", err)
			}
		}
		return ActivationResult{Outcome: Activated, Workflow: &wf, StatusCode: status}, nil
	case status == http.StatusBadRequest:
		return ActivationResult{Outcome: NotActivatable, Reason: messageOf(body), StatusCode: status, Body: string(body)}, nil
	default:
		return ActivationResult{Outcome: RemoteFailure, Reason: messageOf(body), StatusCode: status, Body: string(body)}, nil
	}
}

// DeactivateWorkflow reports whether the workflow is inactive afterwards.
func (c *Client) DeactivateWorkflow(ctx context.Context, id string) (bool, error) {
	var out workflow.Definition
	u := c.api("/workflows/" + url.PathEscape(id) + "/deactivate")
	if err := c.do(ctx, "deactivate_workflow", http.MethodPost, u, nil, nil, &out); err != nil {
		return false, err
	}
	return !out.Active, nil
}

// InvokeTrigger calls a webhook path. For methods without a body the payload
// is sent as query parameters. The response is returned as JSON; a non-JSON
// body is wrapped as a JSON string.
func (c *Client) InvokeTrigger(ctx context.Context, path string, method workflow.HTTPMethod, payload any) (json.RawMessage, error) {
	if method == "" {
		method = workflow.MethodPost
	}
	u := c.WebhookURL(path)
	var (
		q    url.Values
		body any
	)
	if method.HasBody() {
		body = payload
	} else {
		q = queryFrom(payload)
	}
	status, resp, err := c.send(ctx, "call_webhook", string(method), u, q, body)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &RemoteError{Operation: "call_webhook", Method: string(method), URL: u, StatusCode: status, Body: string(resp)}
	}
	trimmed := bytes.TrimSpace(resp)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	wrapped, err := json.Marshal(string(resp))
	if err != nil {
		return nil, fmt.Errorf("encode webhook response: %w", err)
	}
	return wrapped, nil
}

func (c *Client) GetExecution(ctx context.Context, id string, includeData bool) (*Execution, error) {
	q := url.Values{}
	q.Set("includeData", fmt.Sprint(includeData))
	var out Execution
	if err := c.do(ctx, "get_execution", http.MethodGet, c.api("/executions/"+url.PathEscape(id)), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListExecutions(ctx context.Context, f ExecutionFilter) (*ExecutionPage, error) {
	q := url.Values{}
	if f.WorkflowID != "" {
		q.Set("workflowId", f.WorkflowID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	q.Set("includeData", fmt.Sprint(f.IncludeData))
	limit := f.Limit
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	q.Set("limit", fmt.Sprint(limit))
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	var out ExecutionPage
	if err := c.do(ctx, "list_executions", http.MethodGet, c.api("/executions"), q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) api(path string) string {
	return c.baseURL + c.apiPrefix + path
}

// do sends a request and decodes a 2xx JSON answer into out. Any other
// status becomes a *RemoteError.
func (c *Client) do(ctx context.Context, op, method, u string, q url.Values, in, out any) error {
	status, body, err := c.send(ctx, op, method, u, q, in)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &RemoteError{Operation: op, Method: method, URL: u, StatusCode: status, Body: string(body)}
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("n8n %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, op, method, u string, q url.Values, in any) (int, []byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("n8n %s: rate limit: %w", op, err)
		}
	}
	var reader io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, nil, fmt.Errorf("n8n %s: marshal request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("n8n %s: create request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" && strings.HasPrefix(u, c.baseURL+c.apiPrefix) {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		metrics.RecordRemote(op, 0, time.Since(start))
		return 0, nil, fmt.Errorf("n8n %s: http request: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	elapsed := time.Since(start)
	metrics.RecordRemote(op, resp.StatusCode, elapsed)
	if err != nil {
		return 0, nil, fmt.Errorf("n8n %s: read response: %w", op, err)
	}
	c.logger.DebugContext(ctx, "n8n request",
		slog.String(log.KeyOperation, op),
		slog.String("method", method),
		slog.String("url", u),
		slog.Int(log.KeyStatus, resp.StatusCode),
		slog.Int64(log.KeyDurationMS, elapsed.Milliseconds()),
	)
	return resp.StatusCode, body, nil
}

// queryFrom flattens a payload object into query parameters. Strings are
// sent as-is; other values are JSON encoded.
func queryFrom(payload any) url.Values {
	q := url.Values{}
	var m map[string]any
	switch p := payload.(type) {
	case nil:
		return q
	case map[string]any:
		m = p
	default:
		data, err := json.Marshal(p)
		if err != nil || json.Unmarshal(data, &m) != nil {
			return q
		}
	}
	for k, v := range m {
		switch t := v.(type) {
		case string:
			q.Set(k, t)
		case nil:
			q.Set(k, "")
		default:
			data, err := json.Marshal(t)
			if err != nil {
				continue
			}
			q.Set(k, string(data))
		}
	}
	return q
}
