package provider

import (
	"fmt"
	"strings"
)

// ModelRef names a model as "provider/model", e.g. "openai/gpt-4o" or
// "ollama/llama3.2". The model part may itself contain slashes.
type ModelRef string

func NewModelRef(providerID, modelID string) ModelRef {
	return ModelRef(providerID + "/" + modelID)
}

func (r ModelRef) Provider() string {
	p, _, ok := strings.Cut(string(r), "/")
	if !ok {
		return ""
	}
	return p
}

func (r ModelRef) Model() string {
	_, m, ok := strings.Cut(string(r), "/")
	if !ok {
		return string(r)
	}
	return m
}

func (r ModelRef) String() string { return string(r) }

func (r ModelRef) Valid() bool {
	return r.Provider() != "" && r.Model() != ""
}

func ParseModelRef(s string) (ModelRef, error) {
	ref := ModelRef(strings.TrimSpace(s))
	if !ref.Valid() {
		return "", fmt.Errorf("invalid model ref %q: expected format provider/model", s)
	}
	return ref, nil
}

type Feature string

const (
	FeatureJSON       Feature = "json"
	FeatureEmbeddings Feature = "embeddings"
)

type ModelInfo struct {
	ID            string    `json:"id" yaml:"id"`
	Name          string    `json:"name,omitempty" yaml:"name"`
	ContextWindow int       `json:"context_window,omitempty" yaml:"context_window"`
	MaxTokens     int       `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Features      []Feature `json:"features,omitempty" yaml:"features"`
}

func (m ModelInfo) SupportsFeature(f Feature) bool {
	for _, feat := range m.Features {
		if feat == f {
			return true
		}
	}
	return false
}
