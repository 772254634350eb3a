package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/opentalon/evolve/internal/workflow"
)

// Plan is the planner's answer for one iteration.
type Plan struct {
	Thought    string
	Guidelines string
}

// ParsePlan reads the planner's {thought, guidelines} object. Guidelines
// given as a list are rendered one per line; any other JSON value is kept in
// compact form. Text that is not a JSON object yields an error and a Plan
// whose Guidelines is the trimmed text, so the caller can still use it.
func ParsePlan(raw string) (Plan, error) {
	text := strings.TrimSpace(raw)
	obj, ok := workflow.ExtractObject(text)
	if !ok {
		return Plan{Guidelines: text}, fmt.Errorf("planner output is not a JSON object")
	}
	var body struct {
		Thought    json.RawMessage `json:"thought"`
		Guidelines json.RawMessage `json:"guidelines"`
	}
	if err := json.Unmarshal([]byte(obj), &body); err != nil {
		return Plan{Guidelines: text}, fmt.Errorf("decode planner output: %w", err)
	}
	return Plan{
		Thought:    renderValue(body.Thought),
		Guidelines: renderValue(body.Guidelines),
	}, nil
}

func renderValue(v json.RawMessage) string {
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var list []any
	if err := json.Unmarshal(v, &list); err == nil {
		lines := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				lines = append(lines, "- "+str)
				continue
			}
			b, _ := json.Marshal(item)
			lines = append(lines, "- "+string(b))
		}
		return strings.Join(lines, "\n")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, v); err != nil {
		return string(v)
	}
	return compact.String()
}
