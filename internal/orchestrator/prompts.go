package orchestrator

import (
	"fmt"
	"strings"
)

const systemDirective = `You are a senior automation engineer who designs n8n workflows.
Another model builds each workflow from similar templates; the workflow is then created on the n8n server, activated and run by calling its webhook.
Your job is to plan the workflow for the user's request and to steer the builder with precise guidelines.

Respond with a WELL-FORMED JSON object with exactly two keys:
- "thought": your reasoning about the request and about any previous attempts
- "guidelines": concrete instructions for the builder: which nodes to use, how they connect, the webhook method and path, and what the workflow responds with

`

// SystemPrompt is the planner's fixed directive followed by the rules section.
func SystemPrompt(rules *RulesConfig) string {
	if rules == nil {
		rules = DefaultRulesConfig()
	}
	return systemDirective + rules.BuildPromptSection()
}

// ErrorMessage renders a stage failure the way the planner and the builder
// see it.
func ErrorMessage(stage Stage, message string) string {
	return fmt.Sprintf(`There are some errors in the previous workflow.
The workflow generation process is as follows:
1. %s
2. %s
3. %s
4. %s
5. %s

And the error is in the step: %s
With the following error message:
%s
`, StageGenerate, StageCreate, StageTrigger, StageActivate, StageInvoke, stage, message)
}

// ReflectionPrompt asks the planner to critique a rejected candidate.
func ReflectionPrompt(archived, errorMessage string) string {
	var sb strings.Builder
	sb.WriteString("The workflow below was rejected.\n\n")
	sb.WriteString(archived)
	sb.WriteString("\n\n")
	sb.WriteString(errorMessage)
	sb.WriteString(`
Reflect on this attempt before planning the next one:
1. Novelty: is this workflow a new approach, or does it repeat a design that already failed?
2. Mistakes: find the implementation mistakes that caused the error above.
3. Revision: propose a revised plan that fixes them.

Respond with the same JSON object with "thought" and "guidelines".`)
	return sb.String()
}

const synthesisPrompt = `You are an expert at understanding and explaining workflow templates.
And you are given the following template information:
%s

There is a webhook in the template. Provide the input for the webhook. Make sure to return in a WELL-FORMED JSON object.`
