// Package oracle provides the completion oracle used by the reasoning stages.
//
// The oracle is a plain text-in, text-out collaborator. Calls are rate
// limited, guarded by a circuit breaker, and retried on transient transport
// failures through the resilience package.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/config"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable is returned while the circuit breaker is open.
	ErrUnavailable = errors.New("completion oracle unavailable")

	// ErrEmptyPrompt is returned for a blank prompt.
	ErrEmptyPrompt = errors.New("prompt cannot be empty")
)

// Completer turns a prompt into a response.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Options tune a Client independently of the backing model.
type Options struct {
	Temperature     float64
	Policy          resilience.Policy
	RateLimit       float64 // requests per second, 0 disables limiting
	Burst           int
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client is a Completer backed by a langchaingo model.
type Client struct {
	model       llms.Model
	temperature float64
	policy      resilience.Policy
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

// New creates a Client for the configured provider.
func New(cfg config.OracleConfig, logger *zap.Logger) (*Client, error) {
	model, err := newModel(cfg)
	if err != nil {
		return nil, err
	}
	return NewWithModel(model, Options{
		Temperature: cfg.Temperature,
		Policy: resilience.Policy{
			Timeout:  cfg.Timeout.Duration(),
			MaxTries: uint(cfg.MaxRetries) + 1,
		},
		RateLimit:       cfg.RateLimit,
		Burst:           cfg.Burst,
		BreakerFailures: cfg.BreakerFailures,
		BreakerCooldown: cfg.BreakerCooldown.Duration(),
	}, logger), nil
}

func newModel(cfg config.OracleConfig) (llms.Model, error) {
	switch cfg.Provider {
	case "openai", "":
		opts := []openai.Option{openai.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		token := cfg.APIKey.Value()
		if token == "" {
			// OpenAI-compatible local servers ignore the token but langchaingo requires one.
			token = "placeholder"
		}
		opts = append(opts, openai.WithToken(token))
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating openai client: %w", err)
		}
		return llm, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating ollama client: %w", err)
		}
		return llm, nil
	case "anthropic":
		llm, err := anthropic.New(
			anthropic.WithModel(cfg.Model),
			anthropic.WithToken(cfg.APIKey.Value()),
		)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic client: %w", err)
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("unsupported oracle provider: %s", cfg.Provider)
	}
}

// NewWithModel wraps an existing model.
func NewWithModel(model llms.Model, opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown == 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	opts.Policy.Logger = logger

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "completion-oracle",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !resilience.IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Client{
		model:       model,
		temperature: opts.Temperature,
		policy:      opts.Policy,
		limiter:     rate.NewLimiter(limit, burst),
		breaker:     breaker,
		logger:      logger,
	}
}

// Complete sends prompt to the model and returns its text response.
func (c *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", ErrEmptyPrompt
	}

	start := time.Now()
	out, err := resilience.Do(ctx, c.policy, "oracle.complete", func(ctx context.Context) (string, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		res, err := c.breaker.Execute(func() (interface{}, error) {
			return llms.GenerateFromSinglePrompt(ctx, c.model, prompt, llms.WithTemperature(c.temperature))
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if err != nil {
			return "", err
		}
		return res.(string), nil
	})
	if err != nil {
		return "", fmt.Errorf("completing prompt: %w", err)
	}

	c.logger.Debug("oracle completion",
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", len(out)),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// BreakerState reports the circuit breaker state, for health endpoints.
func (c *Client) BreakerState() string {
	return c.breaker.State().String()
}
