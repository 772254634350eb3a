package provider

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Format selects between free text and a single JSON object output.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

func ParseFormat(s string) Format {
	if s == string(FormatJSON) || s == "json_object" {
		return FormatJSON
	}
	return FormatText
}

type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Format      Format    `json:"format,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type CompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

type Provider interface {
	ID() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Models() []ModelInfo
	SupportsFeature(feature Feature) bool
}

// Embedder turns texts into vectors. Providers that expose an embeddings
// endpoint implement it alongside Provider.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

type apiKeyKey struct{}

// WithAPIKey returns a context that overrides the provider's configured key
// for calls made with it. Key rotation uses this to pick a credential per
// attempt without rebuilding providers.
func WithAPIKey(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyKey{}, key)
}

// APIKey returns the key set by WithAPIKey, if any.
func APIKey(ctx context.Context) string {
	k, _ := ctx.Value(apiKeyKey{}).(string)
	return k
}

func apiKeyFrom(ctx context.Context, fallback string) string {
	if k := APIKey(ctx); k != "" {
		return k
	}
	return fallback
}

// Float returns a pointer to f, for CompletionRequest.Temperature.
func Float(f float64) *float64 { return &f }
