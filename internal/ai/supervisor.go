// Package ai calls a generative model for advisory workflow analysis.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
)

// Model names.
const (
	// ModelSonnet is used for pattern analysis by default
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku is the cheaper model
	ModelHaiku = "claude-3-5-haiku-20241022"
)

const defaultMaxTokens = 4096

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("ANTHROPIC_API_KEY not set")

// GetDefaultModel returns the model to use, honoring OVERSEER_MODEL.
func GetDefaultModel() string {
	if model := os.Getenv("OVERSEER_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// Completion is the text and token usage of one model call.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Backend sends one prompt to a model.
type Backend interface {
	Complete(ctx context.Context, model string, maxTokens int64, prompt string) (Completion, error)
}

// anthropicBackend calls the Anthropic Messages API.
type anthropicBackend struct {
	client anthropic.Client
}

// NewAnthropicBackend creates a backend using apiKey.
func NewAnthropicBackend(apiKey string) Backend {
	return &anthropicBackend{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

func (b *anthropicBackend) Complete(ctx context.Context, model string, maxTokens int64, prompt string) (Completion, error) {
	resp, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Completion{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return Completion{
		Text:         text.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// Supervisor makes model calls with retries, a circuit breaker and a
// concurrency limit.
//
// The work is split across files:
//   - supervisor.go: construction and CallAI
//   - retry.go: error classification, circuit breaker and backoff
//   - pattern.go: unusual-pattern detection over workflow activity
//   - json_parser.go: tolerant parsing of model JSON output
type Supervisor struct {
	backend        Backend
	model          string
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	logger         *slog.Logger
}

// Config holds supervisor configuration
type Config struct {
	APIKey string // Anthropic API key (if empty, reads ANTHROPIC_API_KEY)
	Model  string // Model to use (default: GetDefaultModel())
	Retry  RetryConfig
	// Backend replaces the Anthropic client, mainly for tests.
	Backend Backend
	Logger  *slog.Logger
}

// NewSupervisor creates a new AI supervisor
func NewSupervisor(cfg *Config) (*Supervisor, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "ai")

	backend := cfg.Backend
	if backend == nil {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, ErrNoAPIKey
		}
		backend = NewAnthropicBackend(apiKey)
	}

	model := cfg.Model
	if model == "" {
		model = GetDefaultModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 && retry.InitialBackoff == 0 {
		retry = DefaultRetryConfig()
	}
	retry = retry.withDefaults()

	var circuitBreaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
		circuitBreaker.logger = logger
		logger.Debug("circuit breaker initialized",
			"failure_threshold", retry.FailureThreshold,
			"success_threshold", retry.SuccessThreshold,
			"open_timeout", retry.OpenTimeout)
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	return &Supervisor{
		backend:        backend,
		model:          model,
		retry:          retry,
		circuitBreaker: circuitBreaker,
		concurrencySem: concurrencySem,
		logger:         logger,
	}, nil
}

// Model returns the default model
func (s *Supervisor) Model() string { return s.model }

// HealthCheck returns an error if the circuit breaker is open.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	if s.circuitBreaker == nil {
		return nil
	}
	state, failures, _ := s.circuitBreaker.GetMetrics()
	if state == CircuitOpen {
		return fmt.Errorf("AI supervisor unavailable: %w (failures=%d, retry in %v)",
			ErrCircuitOpen, failures, s.retry.OpenTimeout)
	}
	return nil
}

// CallAI sends prompt to the model with retries. An empty model uses the
// supervisor default; maxTokens 0 means 4096.
func (s *Supervisor) CallAI(ctx context.Context, prompt, operation, model string, maxTokens int) (string, error) {
	start := time.Now()
	if model == "" {
		model = s.model
	}
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	var completion Completion
	err := s.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		c, apiErr := s.backend.Complete(attemptCtx, model, int64(maxTokens), prompt)
		if apiErr != nil {
			return apiErr
		}
		completion = c
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	s.logger.Info("AI call complete",
		"operation", operation,
		"model", model,
		"input_tokens", completion.InputTokens,
		"output_tokens", completion.OutputTokens,
		"duration", time.Since(start))
	return completion.Text, nil
}
