// Package assist talks to AI completion providers on behalf of an
// authoring session.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sonnun/internal/security"
)

// Defaults for the OpenAI chat-completions endpoint.
const (
	DefaultEndpoint    = "https://api.openai.com/v1/chat/completions"
	DefaultModel       = "gpt-3.5-turbo"
	DefaultMaxTokens = 1000
	DefaultTimeout   = 60 * time.Second
	DefaultAPIKeyEnv = "OPENAI_API_KEY"
)

// maxErrorBody bounds how much of a failed response is kept.
const maxErrorBody = 4096

// Errors
var (
	ErrEmptyPrompt   = errors.New("assist: empty prompt")
	ErrMissingAPIKey = errors.New("assist: API key not set")
	ErrEmptyResponse = errors.New("assist: response contained no completion")
)

// Completion is a provider's answer to a prompt.
type Completion struct {
	Text       string
	Model      string
	TokenCount int
}

// Provider produces completions. Implementations must honour ctx.
type Provider interface {
	Complete(ctx context.Context, prompt string) (Completion, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, prompt string) (Completion, error)

// Complete calls f.
func (f ProviderFunc) Complete(ctx context.Context, prompt string) (Completion, error) {
	return f(ctx, prompt)
}

// ProviderError reports a failed provider call. Body is sanitized and
// truncated.
type ProviderError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("assist: provider returned %d: %s", e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("assist: provider returned %d", e.StatusCode)
	default:
		return fmt.Sprintf("assist: provider request failed: %v", e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Config configures an OpenAIProvider.
type Config struct {
	Endpoint  string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	APIKey    string

	// Temperature is sent as given; zero asks for greedy sampling.
	Temperature float64

	// RequestsPerMinute throttles calls; zero disables throttling.
	RequestsPerMinute int
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Option configures an OpenAIProvider.
type Option func(*OpenAIProvider)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) {
		if c != nil {
			p.client = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *OpenAIProvider) {
		if l != nil {
			p.logger = l
		}
	}
}

// OpenAIProvider calls an OpenAI-compatible chat-completions endpoint.
type OpenAIProvider struct {
	cfg       Config
	client    *http.Client
	limiter   *security.RateLimiter
	validator *security.InputValidator
	logger    *slog.Logger
}

// NewOpenAIProvider creates a provider. The API key is required.
func NewOpenAIProvider(cfg Config, opts ...Option) (*OpenAIProvider, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	p := &OpenAIProvider{
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.Timeout},
		validator: security.DefaultInputValidator(),
		logger:    slog.Default(),
	}
	if cfg.RequestsPerMinute > 0 {
		p.limiter = security.PerMinute(cfg.RequestsPerMinute)
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "assist")
	return p, nil
}

// Model returns the configured model name.
func (p *OpenAIProvider) Model() string {
	return p.cfg.Model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends prompt as a single user message.
func (p *OpenAIProvider) Complete(ctx context.Context, prompt string) (Completion, error) {
	if strings.TrimSpace(prompt) == "" {
		return Completion{}, ErrEmptyPrompt
	}
	if err := p.validator.Validate(prompt); err != nil {
		return Completion{}, fmt.Errorf("assist: prompt rejected: %w", err)
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return Completion{}, &ProviderError{Err: err}
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:       p.cfg.Model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return Completion{}, fmt.Errorf("assist: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Completion{}, fmt.Errorf("assist: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	start := time.Now()
	res, err := p.client.Do(req)
	if err != nil {
		return Completion{}, &ProviderError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		perr := &ProviderError{
			StatusCode: res.StatusCode,
			Body:       security.SanitizeLogOutput(strings.TrimSpace(string(raw))),
		}
		p.logger.Warn("completion failed", "status", res.StatusCode, "model", p.cfg.Model)
		return Completion{}, perr
	}

	var payload chatResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Completion{}, &ProviderError{StatusCode: res.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(payload.Choices) == 0 || payload.Choices[0].Message.Content == "" {
		return Completion{}, ErrEmptyResponse
	}

	model := p.cfg.Model
	if payload.Model != "" {
		model = payload.Model
	}
	p.logger.Debug("completion received",
		"model", model,
		"usage", payload.Usage.TotalTokens,
		"elapsed", time.Since(start))

	return Completion{
		Text:       payload.Choices[0].Message.Content,
		Model:      model,
		TokenCount: payload.Usage.TotalTokens,
	}, nil
}
