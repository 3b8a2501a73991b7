package inference

import (
	"context"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/pageindex/internal/config"
	"github.com/sells-group/pageindex/internal/resilience"
	"github.com/sells-group/pageindex/pkg/anthropic"
)

// New constructs the backend named by cfg.Provider.
func New(ctx context.Context, cfg config.InferenceConfig) (Backend, error) {
	switch cfg.Provider {
	case "anthropic":
		var opts []anthropic.ClientOption
		if cfg.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
		}
		return NewAnthropicBackend(anthropic.NewClient(cfg.APIKey, opts...), AnthropicOptions{
			Model:      cfg.Model,
			MaxTokens:  cfg.MaxTokens,
			CacheTTL:   cfg.CacheTTL,
			NoBatch:    cfg.NoBatch,
			SmallBatch: cfg.SmallBatchThreshold,
		}), nil
	case "openai":
		return NewOpenAIBackend(NewOpenAIClient(cfg.APIKey, cfg.BaseURL), OpenAIOptions{
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		}), nil
	case "vertex":
		return NewVertexBackend(ctx, VertexOptions{
			Project:   cfg.Vertex.Project,
			Region:    cfg.Vertex.Region,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
	default:
		return nil, eris.Errorf("inference: unknown provider %q", cfg.Provider)
	}
}

// NewGuardedFromConfig wraps backend with the controller and the limits from cfg.
func NewGuardedFromConfig(backend Backend, ctrl *resilience.Controller, cfg config.InferenceConfig, onUsage UsageObserver) *Guarded {
	return NewGuarded(backend, ctrl, cfg.Model,
		WithLimiter(NewAdaptiveLimiter(cfg.RateLimit, 1)),
		WithMaxInFlight(cfg.MaxInFlight),
		WithTimeout(cfg.Timeout()),
		WithMaxContinuations(cfg.MaxContinuations),
		WithUsageObserver(onUsage),
	)
}

// Close releases backend resources when the backend holds any.
func Close(b Backend) error {
	if g, ok := b.(*Guarded); ok {
		b = g.backend
	}
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
