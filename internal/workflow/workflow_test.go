package workflow

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookWorkflow = `{
  "name": "Echo",
  "nodes": [
    {
      "name": "Webhook",
      "type": "n8n-nodes-base.webhook",
      "typeVersion": 2,
      "position": [0, 0],
      "webhookId": "0b7c",
      "parameters": {"path": "/echo/", "httpMethod": "get"}
    },
    {
      "name": "Respond",
      "type": "n8n-nodes-base.respondToWebhook",
      "typeVersion": 1,
      "position": [200, 0],
      "parameters": {"respondWith": "json"}
    }
  ],
  "connections": {
    "Webhook": {"main": [[{"node": "Respond", "type": "main", "index": 0}]]}
  }
}`

func TestParseValidWorkflow(t *testing.T) {
	def, err := Parse([]byte(webhookWorkflow))
	require.NoError(t, err)
	assert.Equal(t, "Echo", def.Name)
	require.Len(t, def.Nodes, 2)
	assert.Equal(t, Position{200, 0}, def.Nodes[1].Position)
	targets := def.Connections["Webhook"]["main"][0]
	require.Len(t, targets, 1)
	assert.Equal(t, "Respond", targets[0].Node)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name      string
		input     string
		wantParse bool
	}{
		{"empty", "  ", true},
		{"truncated", `{"nodes": [`, true},
		{"array", `[1,2]`, true},
		{"missing nodes", `{"name": "x", "connections": {}}`, false},
		{"no nodes", `{"nodes": [], "connections": {}}`, false},
		{"node without type", `{"nodes": [{"name": "A"}], "connections": {}}`, false},
		{"duplicate names", `{"nodes": [{"name": "A", "type": "t"}, {"name": "A", "type": "t"}], "connections": {}}`, false},
		{"dangling target", `{"nodes": [{"name": "A", "type": "t"}], "connections": {"A": {"main": [[{"node": "B"}]]}}}`, false},
		{"unknown source", `{"nodes": [{"name": "A", "type": "t"}], "connections": {"Z": {"main": [[{"node": "A"}]]}}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.input))
			require.Error(t, err)
			var pe *ParseError
			var ve *ValidationError
			if tc.wantParse {
				assert.True(t, errors.As(err, &pe), "err = %v, want *ParseError", err)
			} else {
				assert.True(t, errors.As(err, &ve), "err = %v, want *ValidationError", err)
			}
		})
	}
}

func TestParseStringStripsFences(t *testing.T) {
	text := "Here is the workflow:\n```json\n" + webhookWorkflow + "\n```\nEnjoy."
	def, err := ParseString(text)
	require.NoError(t, err)
	assert.Equal(t, "Echo", def.Name)

	_, err = ParseString("no json here")
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestExtractObject(t *testing.T) {
	got, ok := ExtractObject("```\n{\"a\": 1}\n```")
	require.True(t, ok)
	assert.JSONEq(t, `{"a": 1}`, got)

	got, ok = ExtractObject(`prefix {"a": {"b": 2}} suffix`)
	require.True(t, ok)
	assert.JSONEq(t, `{"a": {"b": 2}}`, got)

	_, ok = ExtractObject(`{"a": `)
	assert.False(t, ok)
}

func TestNormalizeDefaults(t *testing.T) {
	def := &Definition{Nodes: []Node{{Name: "A", Type: "t"}}}
	n := def.Normalize()

	assert.Equal(t, DefaultName, n.Name)
	assert.NotNil(t, n.Connections)
	assert.NotNil(t, n.Nodes[0].Parameters)
	assert.Equal(t, "v1", n.Settings.ExecutionOrder)
	require.NotNil(t, n.Settings.SaveExecutionProgress)
	assert.True(t, *n.Settings.SaveExecutionProgress)
	require.NotNil(t, n.Settings.SaveManualExecutions)
	assert.True(t, *n.Settings.SaveManualExecutions)
	assert.Equal(t, "all", n.Settings.SaveDataErrorExecution)
	assert.Equal(t, "all", n.Settings.SaveDataSuccessExecution)

	// the receiver is left untouched
	assert.Empty(t, def.Name)
	assert.Nil(t, def.Nodes[0].Parameters)
}

func TestNormalizeKeepsExplicitSettings(t *testing.T) {
	f := false
	def := &Definition{Name: "x", Settings: Settings{ExecutionOrder: "v0", SaveManualExecutions: &f, SaveDataErrorExecution: "none"}}
	n := def.Normalize()
	assert.Equal(t, "v0", n.Settings.ExecutionOrder)
	assert.False(t, *n.Settings.SaveManualExecutions)
	assert.Equal(t, "none", n.Settings.SaveDataErrorExecution)
}

func TestPrefixedAndClone(t *testing.T) {
	def, err := Parse([]byte(webhookWorkflow))
	require.NoError(t, err)

	p := def.Prefixed("2026-01-02_03-04-05-01")
	assert.Equal(t, "2026-01-02_03-04-05-01-Echo", p.Name)
	assert.Equal(t, "Echo", def.Name)

	p.Nodes[0].Parameters["path"] = "changed"
	assert.Equal(t, "/echo/", def.Nodes[0].Parameters["path"])
}

func TestUnmodelledFieldsSurvive(t *testing.T) {
	const src = `{
  "name": "Resilient",
  "nodes": [
    {
      "name": "Webhook",
      "type": "n8n-nodes-base.webhook",
      "position": [0, 0],
      "parameters": {"path": "r"},
      "onError": "continueRegularOutput",
      "retryOnFail": true,
      "maxTries": 4,
      "waitBetweenTries": 1500,
      "alwaysOutputData": true,
      "executeOnce": true,
      "notesInFlow": true
    }
  ],
  "connections": {},
  "settings": {"executionTimeout": 120, "callerPolicy": "workflowsFromSameOwner"}
}`
	def, err := Parse([]byte(src))
	require.NoError(t, err)

	out := def.Renamed("run-1-Resilient").Normalize()
	data, err := json.Marshal(out)
	require.NoError(t, err)

	var m struct {
		Name     string                       `json:"name"`
		Nodes    []map[string]json.RawMessage `json:"nodes"`
		Settings map[string]json.RawMessage   `json:"settings"`
	}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "run-1-Resilient", m.Name)
	require.Len(t, m.Nodes, 1)
	node := m.Nodes[0]
	assert.JSONEq(t, `"continueRegularOutput"`, string(node["onError"]))
	assert.JSONEq(t, `true`, string(node["retryOnFail"]))
	assert.JSONEq(t, `4`, string(node["maxTries"]))
	assert.JSONEq(t, `1500`, string(node["waitBetweenTries"]))
	assert.JSONEq(t, `true`, string(node["alwaysOutputData"]))
	assert.JSONEq(t, `true`, string(node["executeOnce"]))
	assert.JSONEq(t, `true`, string(node["notesInFlow"]))
	assert.JSONEq(t, `"Webhook"`, string(node["name"]))

	assert.JSONEq(t, `120`, string(m.Settings["executionTimeout"]))
	assert.JSONEq(t, `"workflowsFromSameOwner"`, string(m.Settings["callerPolicy"]))
	assert.JSONEq(t, `"v1"`, string(m.Settings["executionOrder"]))

	assert.NotContains(t, string(data), "Extra")
}

func TestModelledFieldsWinOverExtra(t *testing.T) {
	n := Node{Name: "A", Type: "t", Extra: map[string]json.RawMessage{
		"name":    json.RawMessage(`"shadow"`),
		"onError": json.RawMessage(`"stopWorkflow"`),
	}}
	data, err := json.Marshal(n)
	require.NoError(t, err)
	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "A", back.Name)
	assert.Equal(t, map[string]json.RawMessage{"onError": json.RawMessage(`"stopWorkflow"`)}, back.Extra)
}

func TestReadOnlyFieldsOmitted(t *testing.T) {
	def := &Definition{Name: "x", Nodes: []Node{{Name: "A", Type: "t"}}}
	data, err := json.Marshal(def.Normalize())
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	for _, k := range []string{"id", "active", "createdAt", "updatedAt", "tags"} {
		_, present := m[k]
		assert.False(t, present, "key %q should be omitted", k)
	}
}

func TestTriggers(t *testing.T) {
	def, err := Parse([]byte(webhookWorkflow))
	require.NoError(t, err)

	tr, ok := def.Trigger()
	require.True(t, ok)
	assert.Equal(t, "Webhook", tr.NodeName)
	assert.Equal(t, "echo", tr.Path)
	assert.Equal(t, MethodGet, tr.Method)
	assert.Equal(t, DefaultResponseMode, tr.ResponseMode)
}

func TestTriggersDefaultsAndOrder(t *testing.T) {
	def := &Definition{Nodes: []Node{
		{Name: "Set", Type: "n8n-nodes-base.set"},
		{Name: "Off", Type: TriggerNodeType, Disabled: true, Parameters: map[string]any{"path": "off"}},
		{Name: "First", Type: TriggerNodeType, WebhookID: "abc"},
		{Name: "Second", Type: TriggerNodeType, Parameters: map[string]any{"path": "b", "httpMethod": "BOGUS", "responseMode": "onReceived"}},
	}}
	ts := def.Triggers()
	require.Len(t, ts, 2)
	assert.Equal(t, "First", ts[0].NodeName)
	assert.Equal(t, "abc", ts[0].Path)
	assert.Equal(t, MethodPost, ts[0].Method)
	assert.Equal(t, MethodPost, ts[1].Method)
	assert.Equal(t, "onReceived", ts[1].ResponseMode)

	_, ok := (&Definition{}).Trigger()
	assert.False(t, ok)
}

func TestParseHTTPMethod(t *testing.T) {
	m, err := ParseHTTPMethod(" patch ")
	require.NoError(t, err)
	assert.Equal(t, MethodPatch, m)
	assert.True(t, m.HasBody())
	assert.False(t, MethodGet.HasBody())

	_, err = ParseHTTPMethod("TRACE")
	assert.Error(t, err)
}
