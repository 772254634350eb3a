package retriever

import (
	_ "embed"
	"strings"
)

//go:embed exemplar/llm_with_webhook.json
var exemplarWorkflow string

// Exemplar returns the workflow every generated candidate copies its
// webhook mechanism from.
func Exemplar() string { return exemplarWorkflow }

// Query is one generation request. Archive, Errors and Guidelines carry
// feedback from earlier attempts and are omitted from the prompt when empty.
type Query struct {
	Text       string
	Archive    string
	Errors     string
	Guidelines string
}

const promptHeader = `You are an expert at understanding and explaining workflow templates.
And you are given the following template information:
`

const promptRules = `
Remember to:
1. Imitate the style of the template
2. Make sure to return in a WELL-FORMED JSON object
3. Focus on the "nodes" and "connections" keys
4. DO generate the workflow using the same webhook mechanism as the following template:

`

// BuildPrompt renders the generation prompt from the retrieved template
// chunks and q.
func BuildPrompt(matches []Match, q Query) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Content)
	}
	b.WriteString("\n\nAnswer the question based on the templates provided:\n\nQuestion: ")
	b.WriteString(q.Text)
	b.WriteString("\n")

	if q.Guidelines != "" {
		b.WriteString("\nFollow these guidelines:\n")
		b.WriteString(q.Guidelines)
		b.WriteString("\n")
	}
	if q.Archive != "" {
		b.WriteString("\nThese workflows were generated before and rejected. Do not repeat them:\n")
		b.WriteString(q.Archive)
		b.WriteString("\n")
	}
	if q.Errors != "" {
		b.WriteString("\n")
		b.WriteString(q.Errors)
	}

	b.WriteString(promptRules)
	b.WriteString(exemplarWorkflow)
	return b.String()
}
