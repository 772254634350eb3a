package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/opentalon/evolve/internal/provider"
)

// Transcript is the planner conversation of one run. Entries are only ever
// appended.
type Transcript struct {
	entries []provider.Message
}

func NewTranscript(system, prompt string) *Transcript {
	return &Transcript{entries: []provider.Message{provider.System(system), provider.User(prompt)}}
}

func (t *Transcript) Append(m provider.Message) { t.entries = append(t.entries, m) }

func (t *Transcript) Len() int { return len(t.entries) }

// Messages returns a copy of the entries.
func (t *Transcript) Messages() []provider.Message {
	out := make([]provider.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Archive holds the serialized rejected candidates of one run, oldest first.
type Archive struct {
	entries []string
}

// Add serializes a rejected candidate and returns the stored text. A failure
// without a definition archives the raw model output instead.
func (a *Archive) Add(f *StageFailure) string {
	var entry string
	if f.Definition != nil {
		data, err := json.MarshalIndent(f.Definition, "", "  ")
		if err == nil {
			entry = string(data)
		}
	}
	if entry == "" {
		entry = f.Raw
	}
	a.entries = append(a.entries, entry)
	return entry
}

func (a *Archive) Len() int { return len(a.entries) }

func (a *Archive) Entries() []string {
	out := make([]string, len(a.entries))
	copy(out, a.entries)
	return out
}

// Joined is the archive as handed to the generator.
func (a *Archive) Joined() string { return strings.Join(a.entries, "\n") }

// ReflectionState is everything the loop carries between iterations.
type ReflectionState struct {
	Transcript *Transcript
	Archive    *Archive
	LastError  string
}

func newReflectionState(system, prompt string) *ReflectionState {
	return &ReflectionState{Transcript: NewTranscript(system, prompt), Archive: &Archive{}}
}
