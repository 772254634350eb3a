package workflow

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://evolve.opentalon.dev/schemas/workflow.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add workflow schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// ParseError is returned when text is not a well-formed JSON object.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("workflow is not well-formed JSON: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError is returned when the JSON is well-formed but does not
// describe a usable workflow.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid workflow: %s: %v", e.Reason, e.Err)
	}
	return "invalid workflow: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Parse decodes and validates a workflow definition. Structural problems are
// reported as *ParseError (not JSON) or *ValidationError (wrong shape).
func Parse(data []byte) (*Definition, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &ParseError{Raw: string(data), Err: errors.New("empty document")}
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
	if err != nil {
		return nil, &ParseError{Raw: string(data), Err: err}
	}
	if _, ok := doc.(map[string]any); !ok {
		return nil, &ParseError{Raw: string(data), Err: errors.New("top-level value is not an object")}
	}
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &ValidationError{Reason: "schema", Err: err}
	}

	var def Definition
	if err := json.Unmarshal(trimmed, &def); err != nil {
		return nil, &ValidationError{Reason: "decode", Err: err}
	}
	if err := def.check(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ParseString is Parse for LLM output: surrounding prose and code fences are
// stripped before decoding.
func ParseString(text string) (*Definition, error) {
	obj, ok := ExtractObject(text)
	if !ok {
		return nil, &ParseError{Raw: text, Err: errors.New("no JSON object found")}
	}
	return Parse([]byte(obj))
}

func (d *Definition) check() error {
	names := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if _, dup := names[n.Name]; dup {
			return &ValidationError{Reason: fmt.Sprintf("duplicate node name %q", n.Name)}
		}
		names[n.Name] = struct{}{}
	}
	for src, byType := range d.Connections {
		if _, ok := names[src]; !ok {
			return &ValidationError{Reason: fmt.Sprintf("connection from unknown node %q", src)}
		}
		for _, outputs := range byType {
			for _, targets := range outputs {
				for _, t := range targets {
					if _, ok := names[t.Node]; !ok {
						return &ValidationError{Reason: fmt.Sprintf("connection from %q to unknown node %q", src, t.Node)}
					}
				}
			}
		}
	}
	return nil
}

// ExtractObject returns the outermost JSON object in text, tolerating
// markdown code fences and leading or trailing prose.
func ExtractObject(text string) (string, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if json.Valid([]byte(s)) && strings.HasPrefix(s, "{") {
		return s, true
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", false
	}
	candidate := s[start : end+1]
	if !json.Valid([]byte(candidate)) {
		return "", false
	}
	return candidate, true
}
