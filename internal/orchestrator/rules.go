package orchestrator

import "strings"

var defaultRules = []string{
	"Every workflow starts with exactly one Webhook trigger node (type n8n-nodes-base.webhook) with an explicit path and HTTP method.",
	"The webhook must answer its caller: end the flow with a Respond to Webhook node and set the webhook responseMode to responseNode.",
	"Only use node types that exist in n8n. Prefer nodes that work without credentials unless the request cannot be met otherwise.",
	"Node names are unique and every connection references an existing node.",
	"Never repeat a design that already failed. Change the part of the workflow that caused the reported error.",
}

// RulesConfig holds the rules the planner must follow; custom rules from
// configuration are appended to the defaults.
type RulesConfig struct {
	rules []string
}

func NewRulesConfig(customRules []string) *RulesConfig {
	rules := make([]string, len(defaultRules))
	copy(rules, defaultRules)

	for _, r := range customRules {
		r = strings.TrimSpace(r)
		if r != "" {
			rules = append(rules, r)
		}
	}

	return &RulesConfig{rules: rules}
}

func DefaultRulesConfig() *RulesConfig {
	return NewRulesConfig(nil)
}

func (rc *RulesConfig) Rules() []string {
	return rc.rules
}

func (rc *RulesConfig) BuildPromptSection() string {
	var sb strings.Builder
	sb.WriteString("## Rules\n")
	sb.WriteString("The guidelines you write must respect all of the following:\n\n")

	for i, rule := range rc.rules {
		if i < len(defaultRules) {
			sb.WriteString("- ")
		} else {
			sb.WriteString("- [custom] ")
		}
		sb.WriteString(rule)
		sb.WriteString("\n")
	}
	return sb.String()
}
