package orchestrator

import (
	"testing"

	"github.com/opentalon/evolve/internal/provider"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		thought    string
		guidelines string
		wantErr    bool
	}{
		{"string guidelines", `{"thought":"t","guidelines":"use a webhook"}`, "t", "use a webhook", false},
		{"list guidelines", `{"thought":"t","guidelines":["webhook","respond"]}`, "t", "- webhook\n- respond", false},
		{"object guidelines", `{"guidelines":{"trigger": "webhook"}}`, "", `{"trigger":"webhook"}`, false},
		{"fenced", "```json\n{\"guidelines\":\"x\"}\n```", "", "x", false},
		{"missing guidelines", `{"thought":"only thinking"}`, "only thinking", "", false},
		{"plain text", "  just do it  ", "", "just do it", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePlan(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if p.Thought != tt.thought || p.Guidelines != tt.guidelines {
				t.Errorf("plan = %+v", p)
			}
		})
	}
}

func TestTranscriptIsAppendOnlyCopy(t *testing.T) {
	tr := NewTranscript("sys", "prompt")
	msgs := tr.Messages()
	msgs[0].Content = "changed"
	if tr.Messages()[0].Content != "sys" {
		t.Error("Messages must return a copy")
	}
	tr.Append(provider.Assistant("a"))
	if tr.Len() != 3 {
		t.Errorf("len = %d", tr.Len())
	}
}

func TestArchive(t *testing.T) {
	var a Archive
	a.Add(&StageFailure{Stage: StageCreate, Definition: singleTrigger()})
	a.Add(&StageFailure{Stage: StageGenerate, Raw: "garbage"})
	if a.Len() != 2 {
		t.Fatalf("len = %d", a.Len())
	}
	if a.Entries()[1] != "garbage" {
		t.Errorf("raw entry = %q", a.Entries()[1])
	}
	if a.Joined() != a.Entries()[0]+"\n"+"garbage" {
		t.Error("joined archive is newline separated")
	}
}
