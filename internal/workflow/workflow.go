package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// TriggerNodeType is the node type that exposes an externally callable
// webhook entry point.
const TriggerNodeType = "n8n-nodes-base.webhook"

const (
	DefaultName           = "Imported Workflow"
	DefaultExecutionOrder = "v1"
	DefaultDataRetention  = "all"
)

// Definition is a named graph of typed nodes plus the connections between
// node outputs and node inputs. Read-only fields set by the platform (id,
// active, timestamps, tags) are omitted when the definition is submitted.
type Definition struct {
	ID          string      `json:"id,omitempty"`
	Name        string      `json:"name"`
	Active      bool        `json:"active,omitempty"`
	Nodes       []Node      `json:"nodes"`
	Connections Connections `json:"connections"`
	Settings    Settings    `json:"settings"`
	Tags        []Tag       `json:"tags,omitempty"`
	CreatedAt   *time.Time  `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time  `json:"updatedAt,omitempty"`
}

type Node struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	TypeVersion float64        `json:"typeVersion,omitempty"`
	Position    Position       `json:"position"`
	Parameters  map[string]any `json:"parameters"`
	Credentials map[string]any `json:"credentials,omitempty"`
	WebhookID   string         `json:"webhookId,omitempty"`
	Disabled    bool           `json:"disabled,omitempty"`
	Notes       string         `json:"notes,omitempty"`

	// Extra keeps node fields not modelled above (onError, retryOnFail,
	// maxTries, executeOnce, ...) so they survive a round trip.
	Extra map[string]json.RawMessage `json:"-"`
}

type nodeFields Node

func (n *Node) UnmarshalJSON(data []byte) error {
	var f nodeFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := extraFields(data, nodeKeys)
	if err != nil {
		return err
	}
	f.Extra = extra
	*n = Node(f)
	return nil
}

func (n Node) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(nodeFields(n), n.Extra)
}

// Position is the [x, y] canvas coordinate of a node.
type Position [2]float64

// Connections maps a source node name to its outgoing connections, keyed by
// connection type ("main", "ai_languageModel", ...). Each output index holds
// the list of targets fed by that output.
type Connections map[string]NodeConnections

type NodeConnections map[string][][]Connection

type Connection struct {
	Node  string `json:"node"`
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type Settings struct {
	ExecutionOrder           string `json:"executionOrder,omitempty"`
	SaveExecutionProgress    *bool  `json:"saveExecutionProgress,omitempty"`
	SaveManualExecutions     *bool  `json:"saveManualExecutions,omitempty"`
	SaveDataErrorExecution   string `json:"saveDataErrorExecution,omitempty"`
	SaveDataSuccessExecution string `json:"saveDataSuccessExecution,omitempty"`
	Timezone                 string `json:"timezone,omitempty"`
	ErrorWorkflow            string `json:"errorWorkflow,omitempty"`

	// Extra keeps settings the platform accepts but this type does not
	// model, such as executionTimeout and callerPolicy.
	Extra map[string]json.RawMessage `json:"-"`
}

type settingsFields Settings

func (s *Settings) UnmarshalJSON(data []byte) error {
	var f settingsFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	extra, err := extraFields(data, settingsKeys)
	if err != nil {
		return err
	}
	f.Extra = extra
	*s = Settings(f)
	return nil
}

func (s Settings) MarshalJSON() ([]byte, error) {
	return marshalWithExtra(settingsFields(s), s.Extra)
}

var (
	nodeKeys     = jsonKeys(reflect.TypeOf(nodeFields{}))
	settingsKeys = jsonKeys(reflect.TypeOf(settingsFields{}))
)

// jsonKeys lists the JSON names of t's encoded fields.
func jsonKeys(t reflect.Type) map[string]bool {
	keys := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name != "" && name != "-" {
			keys[name] = true
		}
	}
	return keys
}

// extraFields returns the members of the JSON object data whose names are
// not in known, or nil when there are none.
func extraFields(data []byte, known map[string]bool) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, v := range all {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra, nil
}

// marshalWithExtra encodes v and adds the extra members that v does not
// already set.
func marshalWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return data, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for k, raw := range extra {
		if _, ok := merged[k]; !ok {
			merged[k] = raw
		}
	}
	return json.Marshal(merged)
}

type Tag struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// Normalize returns a copy with the minimum shape the platform requires:
// a name, non-nil nodes, connections and parameters, and settings defaults
// for execution order and execution-data retention.
func (d *Definition) Normalize() *Definition {
	out := d.Clone()
	if out.Name == "" {
		out.Name = DefaultName
	}
	if out.Nodes == nil {
		out.Nodes = []Node{}
	}
	for i := range out.Nodes {
		if out.Nodes[i].Parameters == nil {
			out.Nodes[i].Parameters = map[string]any{}
		}
	}
	if out.Connections == nil {
		out.Connections = Connections{}
	}
	s := &out.Settings
	if s.ExecutionOrder == "" {
		s.ExecutionOrder = DefaultExecutionOrder
	}
	if s.SaveExecutionProgress == nil {
		s.SaveExecutionProgress = boolPtr(true)
	}
	if s.SaveManualExecutions == nil {
		s.SaveManualExecutions = boolPtr(true)
	}
	if s.SaveDataErrorExecution == "" {
		s.SaveDataErrorExecution = DefaultDataRetention
	}
	if s.SaveDataSuccessExecution == "" {
		s.SaveDataSuccessExecution = DefaultDataRetention
	}
	return out
}

// Clone returns a deep copy. Definitions handed to the platform or archived
// after a failed attempt are never shared with later mutations.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		cp := *d
		return &cp
	}
	var out Definition
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *d
		return &cp
	}
	return &out
}

// Renamed returns a copy carrying the given name.
func (d *Definition) Renamed(name string) *Definition {
	out := d.Clone()
	out.Name = name
	return out
}

// Prefixed returns a copy whose name is "<prefix>-<name>".
func (d *Definition) Prefixed(prefix string) *Definition {
	name := d.Name
	if name == "" {
		name = DefaultName
	}
	return d.Renamed(fmt.Sprintf("%s-%s", prefix, name))
}

// JSON renders the definition as indented JSON, as stored in the archive and
// the audit directory.
func (d *Definition) JSON() string {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", *d)
	}
	return string(data)
}

// Node returns the node with the given name.
func (d *Definition) Node(name string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return Node{}, false
}

func boolPtr(b bool) *bool { return &b }
