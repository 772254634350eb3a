package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/opentalon/evolve/internal/n8n"
	"github.com/opentalon/evolve/internal/provider"
	"github.com/opentalon/evolve/internal/retriever"
	"github.com/opentalon/evolve/internal/workflow"
)

type fakeLLM struct {
	responses []string
	err       error
	requests  []*provider.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.requests) > len(f.responses) {
		return &provider.CompletionResponse{Content: `{"thought":"again","guidelines":"retry"}`}, nil
	}
	return &provider.CompletionResponse{Content: f.responses[len(f.requests)-1]}, nil
}

// fakeGenerator returns defs[i] (or errs[i]) on the i-th call and the last
// entry once exhausted.
type fakeGenerator struct {
	defs    []*workflow.Definition
	errs    []error
	queries []retriever.Query
}

func (g *fakeGenerator) Retrieve(_ context.Context, q retriever.Query) (*retriever.Result, error) {
	g.queries = append(g.queries, q)
	i := len(g.queries) - 1
	if i < len(g.errs) && g.errs[i] != nil {
		return nil, g.errs[i]
	}
	def := g.defs[min(i, len(g.defs)-1)]
	return &retriever.Result{Definition: def.Clone(), Raw: def.JSON(), Sources: []string{"weather.json"}}, nil
}

type memorySink struct {
	saved map[string]*workflow.Definition
	order []string
}

func (s *memorySink) SaveCandidate(name string, def *workflow.Definition) (string, error) {
	if s.saved == nil {
		s.saved = map[string]*workflow.Definition{}
	}
	s.saved[name] = def
	s.order = append(s.order, name)
	return "/runs/" + name + ".json", nil
}

func newTestOrchestrator(planner *fakeLLM, gen *fakeGenerator, client *fakeN8N) *Orchestrator {
	o := New(planner, gen, NewLifecycle(client, &fakeSynth{}, nil), Options{})
	o.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return o
}

func TestRunSucceedsFirstIteration(t *testing.T) {
	planner := &fakeLLM{responses: []string{`{"thought":"t","guidelines":"use a webhook then respond"}`}}
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}
	client := &fakeN8N{response: json.RawMessage(`{"temp":31}`)}
	sink := &memorySink{}

	res, err := newTestOrchestrator(planner, gen, client).Run(context.Background(), Request{
		Prompt: "set up an hourly weather check", MaxIterations: 3, Sink: sink,
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Response) != `{"temp":31}` || res.Iterations != 1 {
		t.Errorf("result = %+v", res)
	}
	if len(res.Archive) != 0 {
		t.Error("successful candidate is never archived")
	}
	wantName := "2026-01-02_03-04-05-01-weather"
	if res.Candidate.Name != wantName || client.created[0].Name != wantName {
		t.Errorf("candidate name = %q, created %q", res.Candidate.Name, client.created[0].Name)
	}
	if sink.order[0] != wantName {
		t.Errorf("saved = %v", sink.order)
	}
	q := gen.queries[0]
	if q.Text != "set up an hourly weather check" || q.Guidelines != "use a webhook then respond" || q.Archive != "" || q.Errors != "" {
		t.Errorf("first query = %+v", q)
	}

	msgs := planner.requests[0].Messages
	if len(msgs) != 2 || msgs[0].Role != provider.RoleSystem || msgs[1].Role != provider.RoleUser {
		t.Fatalf("initial transcript = %+v", msgs)
	}
	if msgs[1].Content != "set up an hourly weather check" {
		t.Errorf("user prompt = %q", msgs[1].Content)
	}
}

// Scenario A: create fails with a 500 on iteration 1, the loop archives the
// candidate and goes on to iteration 2.
func TestRunCreateFailureThenSuccess(t *testing.T) {
	planner := &fakeLLM{responses: []string{
		`{"thought":"first","guidelines":"g1"}`,
		`{"thought":"second","guidelines":"g2"}`,
	}}
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}
	client := &fakeN8N{createErr: &n8n.RemoteError{Operation: "create_workflow", StatusCode: 500, Body: "internal"}}
	o := newTestOrchestrator(planner, gen, client)

	// let create succeed from the second call on
	failing := client.createErr
	calls := 0
	o.lifecycle.client = &createHook{fakeN8N: client, before: func() {
		calls++
		if calls == 2 {
			client.createErr = nil
		}
	}}

	res, err := o.Run(context.Background(), Request{Prompt: "set up an hourly weather check", MaxIterations: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 {
		t.Errorf("iterations = %d", res.Iterations)
	}
	if len(res.Archive) != 1 {
		t.Fatalf("archive = %d entries, want 1", len(res.Archive))
	}
	if !strings.Contains(res.Archive[0], `"name": "2026-01-02_03-04-05-01-weather"`) {
		t.Errorf("archived candidate = %s", res.Archive[0])
	}

	second := gen.queries[1]
	if second.Archive != res.Archive[0] {
		t.Error("second generation sees the archive")
	}
	if !strings.Contains(second.Errors, "And the error is in the step: create_workflow") {
		t.Errorf("errors = %q", second.Errors)
	}
	if !strings.Contains(second.Errors, failing.Error()) {
		t.Errorf("errors should quote the remote error: %q", second.Errors)
	}
	if second.Guidelines != "g2" {
		t.Errorf("guidelines = %q", second.Guidelines)
	}
	if res.Candidate.Name != "2026-01-02_03-04-05-02-weather" {
		t.Errorf("second candidate name = %q", res.Candidate.Name)
	}

	// transcript: system, user, assistant, reflection, assistant
	msgs := planner.requests[1].Messages
	if len(msgs) != 4 {
		t.Fatalf("second planner call saw %d messages", len(msgs))
	}
	if msgs[2].Role != provider.RoleAssistant || msgs[2].Content != planner.responses[0] {
		t.Errorf("planner output not kept verbatim: %+v", msgs[2])
	}
	if msgs[3].Role != provider.RoleUser || !strings.Contains(msgs[3].Content, "create_workflow") {
		t.Errorf("reflection message = %+v", msgs[3])
	}
}

type createHook struct {
	*fakeN8N
	before func()
}

func (h *createHook) CreateWorkflow(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	h.before()
	return h.fakeN8N.CreateWorkflow(ctx, def)
}

// Scenario B: every iteration fails at activation.
func TestRunExhaustsAfterMaxIterations(t *testing.T) {
	planner := &fakeLLM{}
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}
	client := &fakeN8N{activation: &n8n.ActivationResult{Outcome: n8n.NotActivatable, StatusCode: 400, Reason: "missing credentials"}}

	_, err := newTestOrchestrator(planner, gen, client).Run(context.Background(), Request{Prompt: "p", MaxIterations: 3})
	var ex *ExhaustedRetriesError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want ExhaustedRetriesError", err)
	}
	if ex.Attempts != 3 || ex.Last == nil || ex.Last.Stage != StageActivate {
		t.Errorf("exhausted = %+v", ex)
	}
	if len(planner.requests) != 3 || len(gen.queries) != 3 || len(client.activated) != 3 {
		t.Errorf("attempts: planner %d, generator %d, activate %d; want 3 each",
			len(planner.requests), len(gen.queries), len(client.activated))
	}
	// archive grows by one per failed iteration
	for i, q := range gen.queries {
		if got := archiveLen(q.Archive); got != i {
			t.Errorf("query %d saw %d archived candidates, want %d", i, got, i)
		}
	}
}

func archiveLen(joined string) int {
	if joined == "" {
		return 0
	}
	return strings.Count(joined, `"name": "2026-`)
}

// Scenario C: two triggers, only the first one is used.
func TestRunMultiTriggerUsesFirst(t *testing.T) {
	def := definition("two-hooks", webhookNode("A", "alpha", "POST"), webhookNode("B", "beta", "POST"))
	client := &fakeN8N{}
	_, err := newTestOrchestrator(&fakeLLM{}, &fakeGenerator{defs: []*workflow.Definition{def}}, client).
		Run(context.Background(), Request{Prompt: "p", MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(client.invoked) != "[POST alpha]" {
		t.Errorf("invoked = %v", client.invoked)
	}
}

func TestRunGenerationParseFailureIsRetried(t *testing.T) {
	gen := &fakeGenerator{
		defs: []*workflow.Definition{singleTrigger()},
		errs: []error{&retriever.GenerationError{Raw: "not json at all", Err: &workflow.ParseError{Raw: "not json at all", Err: errors.New("no JSON object found")}}},
	}
	client := &fakeN8N{}
	res, err := newTestOrchestrator(&fakeLLM{}, gen, client).Run(context.Background(), Request{Prompt: "p", MaxIterations: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 || len(res.Archive) != 1 || res.Archive[0] != "not json at all" {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(gen.queries[1].Errors, "And the error is in the step: generate_workflow") {
		t.Errorf("errors = %q", gen.queries[1].Errors)
	}
	if len(client.created) != 1 {
		t.Error("an unparsable answer is never submitted")
	}
}

func TestRunPlannerErrorAborts(t *testing.T) {
	boom := errors.New("all providers down")
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}
	_, err := newTestOrchestrator(&fakeLLM{err: boom}, gen, &fakeN8N{}).Run(context.Background(), Request{Prompt: "p", MaxIterations: 3})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	var ex *ExhaustedRetriesError
	if errors.As(err, &ex) {
		t.Error("transport failure is not a candidate failure")
	}
	if len(gen.queries) != 0 {
		t.Error("generator must not run without a plan")
	}
}

func TestRunGeneratorTransportErrorAborts(t *testing.T) {
	boom := errors.New("embedding service unavailable")
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}, errs: []error{boom}}
	_, err := newTestOrchestrator(&fakeLLM{}, gen, &fakeN8N{}).Run(context.Background(), Request{Prompt: "p", MaxIterations: 3})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(gen.queries) != 1 {
		t.Errorf("generator calls = %d", len(gen.queries))
	}
}

func TestRunPlainTextPlanUsedAsGuidelines(t *testing.T) {
	planner := &fakeLLM{responses: []string{"just use a webhook"}}
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}
	_, err := newTestOrchestrator(planner, gen, &fakeN8N{}).Run(context.Background(), Request{Prompt: "p", MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	if gen.queries[0].Guidelines != "just use a webhook" {
		t.Errorf("guidelines = %q", gen.queries[0].Guidelines)
	}
}

func TestRunRejectsEmptyPrompt(t *testing.T) {
	_, err := newTestOrchestrator(&fakeLLM{}, &fakeGenerator{}, &fakeN8N{}).Run(context.Background(), Request{Prompt: "  "})
	if !errors.Is(err, ErrEmptyPrompt) {
		t.Errorf("err = %v", err)
	}
}

func TestRunStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	planner := &fakeLLM{}
	_, err := newTestOrchestrator(planner, &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}, &fakeN8N{}).
		Run(ctx, Request{Prompt: "p", MaxIterations: 3})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if len(planner.requests) != 0 {
		t.Error("no iteration starts after cancellation")
	}
}

func TestRunDefaultIterations(t *testing.T) {
	gen := &fakeGenerator{defs: []*workflow.Definition{singleTrigger()}}
	client := &fakeN8N{createErr: errors.New("down")}
	_, err := newTestOrchestrator(&fakeLLM{}, gen, client).Run(context.Background(), Request{Prompt: "p"})
	var ex *ExhaustedRetriesError
	if !errors.As(err, &ex) || ex.Attempts != DefaultMaxIterations {
		t.Fatalf("err = %v", err)
	}
}
