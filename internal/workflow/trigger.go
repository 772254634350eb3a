package workflow

import (
	"fmt"
	"strings"
)

type HTTPMethod string

const (
	MethodGet     HTTPMethod = "GET"
	MethodPost    HTTPMethod = "POST"
	MethodPut     HTTPMethod = "PUT"
	MethodDelete  HTTPMethod = "DELETE"
	MethodPatch   HTTPMethod = "PATCH"
	MethodHead    HTTPMethod = "HEAD"
	MethodOptions HTTPMethod = "OPTIONS"
)

// ParseHTTPMethod accepts any casing of the supported methods.
func ParseHTTPMethod(s string) (HTTPMethod, error) {
	m := HTTPMethod(strings.ToUpper(strings.TrimSpace(s)))
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch, MethodHead, MethodOptions:
		return m, nil
	}
	return "", fmt.Errorf("unsupported http method %q", s)
}

// HasBody reports whether a payload is sent as the request body rather than
// as query parameters.
func (m HTTPMethod) HasBody() bool {
	switch m {
	case MethodGet, MethodHead, MethodOptions:
		return false
	}
	return true
}

const DefaultResponseMode = "responseNode"

// TriggerDescriptor is what is needed to invoke a webhook trigger node from
// outside the platform.
type TriggerDescriptor struct {
	NodeName     string         `json:"node_name"`
	Path         string         `json:"path"`
	Method       HTTPMethod     `json:"method"`
	ResponseMode string         `json:"response_mode"`
	WebhookID    string         `json:"webhook_id,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
}

// Triggers returns the webhook triggers of the definition in node order.
// Disabled nodes are skipped. A trigger without an explicit path is served by
// the platform under its webhook id.
func (d *Definition) Triggers() []TriggerDescriptor {
	var out []TriggerDescriptor
	for _, n := range d.Nodes {
		if n.Type != TriggerNodeType || n.Disabled {
			continue
		}
		td := TriggerDescriptor{
			NodeName:     n.Name,
			Method:       MethodPost,
			ResponseMode: DefaultResponseMode,
			WebhookID:    n.WebhookID,
			Parameters:   n.Parameters,
		}
		if p, ok := n.Parameters["path"].(string); ok {
			td.Path = strings.Trim(strings.TrimSpace(p), "/")
		}
		if td.Path == "" {
			td.Path = n.WebhookID
		}
		if s, ok := n.Parameters["httpMethod"].(string); ok && s != "" {
			if m, err := ParseHTTPMethod(s); err == nil {
				td.Method = m
			}
		}
		if s, ok := n.Parameters["responseMode"].(string); ok && s != "" {
			td.ResponseMode = s
		}
		out = append(out, td)
	}
	return out
}

// Trigger returns the first webhook trigger, if any.
func (d *Definition) Trigger() (TriggerDescriptor, bool) {
	ts := d.Triggers()
	if len(ts) == 0 {
		return TriggerDescriptor{}, false
	}
	return ts[0], true
}
