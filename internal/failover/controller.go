package failover

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opentalon/evolve/internal/auth"
	"github.com/opentalon/evolve/internal/log"
	"github.com/opentalon/evolve/internal/metrics"
	"github.com/opentalon/evolve/internal/provider"
)

const maxKeyAttempts = 3

// Controller runs a completion against a chain of models, rotating keys
// within a provider and falling back to the next model on retryable errors.
type Controller struct {
	registry *provider.Registry
	rotator  *auth.Rotator
	logger   *slog.Logger
	now      func() time.Time
}

func NewController(registry *provider.Registry, rotator *auth.Rotator, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		registry: registry,
		rotator:  rotator,
		logger:   logger,
		now:      time.Now,
	}
}

// Execute tries each model in order. The request is copied per attempt;
// the caller's request is not modified. It returns the model that answered.
func (c *Controller) Execute(ctx context.Context, role string, models []provider.ModelRef, req *provider.CompletionRequest) (*provider.CompletionResponse, provider.ModelRef, error) {
	attempted := make([]string, 0, len(models))
	var lastErr error

	for _, m := range models {
		if contains(attempted, m.String()) {
			continue
		}
		attempted = append(attempted, m.String())

		if c.rotator.AllInCooldown(m.Provider(), c.now()) {
			continue
		}

		resp, err := c.tryWithRotation(ctx, role, m, req)
		if err == nil {
			return resp, m, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, m, err
		}
		log.FromContext(ctx, c.logger).WarnContext(ctx, "model failed, trying fallback",
			slog.String(log.KeyRole, role),
			slog.String(log.KeyModel, m.String()),
			log.Error(err),
		)
	}
	return nil, "", &AllExhaustedError{Attempted: attempted, Last: lastErr}
}

func (c *Controller) tryWithRotation(ctx context.Context, role string, model provider.ModelRef, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	p, err := c.registry.GetForModel(model)
	if err != nil {
		return nil, err
	}
	runID := log.RunID(ctx)
	var lastErr error

	for attempt := 0; attempt < maxKeyAttempts; attempt++ {
		now := c.now()
		profile, err := c.rotator.Select(model.Provider(), runID, now)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		r := *req
		r.Model = model.Model()
		start := c.now()
		resp, err := p.Complete(provider.WithAPIKey(ctx, profile.Key), &r)
		metrics.RecordLLMCall(role, p.ID(), err)
		logger := log.FromContext(ctx, c.logger)
		if err == nil {
			c.rotator.Succeeded(model.Provider(), profile.ID)
			logger.DebugContext(ctx, "completion",
				slog.String(log.KeyRole, role),
				slog.String(log.KeyModel, model.String()),
				slog.Int("output_tokens", resp.Usage.OutputTokens),
				slog.Int64(log.KeyDurationMS, c.now().Sub(start).Milliseconds()),
			)
			return resp, nil
		}

		lastErr = err
		if IsRateLimitError(err) || IsAuthError(err) {
			c.rotator.Failed(model.Provider(), profile.ID, now)
			logger.WarnContext(ctx, "key rejected, rotating",
				slog.String(log.KeyProvider, model.Provider()),
				slog.String("profile", profile.ID),
				slog.String("key", log.SanitizeAPIKey(profile.Key)),
				log.Error(err),
			)
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func contains(slice []string, s string) bool {
	for _, item := range slice {
		if item == s {
			return true
		}
	}
	return false
}

// Binding fixes the model chain and sampling settings of one role
// (planner, generator, synthesizer).
type Binding struct {
	Role        string
	Model       provider.ModelRef
	Fallbacks   []provider.ModelRef
	Temperature *float64
	Format      provider.Format
	MaxTokens   int
}

// Client is a role-bound completion client.
type Client struct {
	ctrl    *Controller
	binding Binding
}

func (c *Controller) Client(b Binding) *Client {
	return &Client{ctrl: c, binding: b}
}

func (c *Client) Binding() Binding { return c.binding }

// Complete fills in the role's temperature, format and token limit where
// the request leaves them unset, then executes it over the model chain.
func (c *Client) Complete(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionResponse, error) {
	if req == nil {
		return nil, errors.New("nil completion request")
	}
	r := *req
	if r.Temperature == nil {
		r.Temperature = c.binding.Temperature
	}
	if r.Format == "" {
		r.Format = c.binding.Format
	}
	if r.MaxTokens == 0 {
		r.MaxTokens = c.binding.MaxTokens
	}
	models := append([]provider.ModelRef{c.binding.Model}, c.binding.Fallbacks...)
	resp, _, err := c.ctrl.Execute(ctx, c.binding.Role, models, &r)
	return resp, err
}
