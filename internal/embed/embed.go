// Package embed turns item text into vectors through an OpenAI-compatible
// /v1/embeddings endpoint.
//
// Supported providers:
// - openrouter: https://openrouter.ai/api/v1/embeddings (default)
// - openai: https://api.openai.com/v1/embeddings
// - ollama: http://localhost:11434/v1/embeddings
// - custom: endpoint supplied by configuration
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hurttlocker/dornt/internal/ratelimit"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Observer is told the status of every API attempt: "ok", "retry" or "error".
type Observer interface {
	EmbedRequest(status string)
}

// Config holds embedding provider configuration.
type Config struct {
	Provider   string
	Model      string
	Endpoint   string
	APIKey     string
	MaxRetries int
	Timeout    time.Duration
}

// DefaultModel matches the model the pipeline has always embedded with.
const DefaultModel = "nomic-ai/nomic-embed-text-v1.5"

// ErrNotConfigured is returned when no endpoint can be derived.
var ErrNotConfigured = errors.New("embedding provider not configured")

// HTTPError is a non-200 response.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type request struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// ParseEmbedFlag parses "provider/model". Model names may contain slashes.
func ParseEmbedFlag(flag string) (Config, error) {
	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return Config{}, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}
	cfg := Config{Provider: flag[:slashIdx], Model: flag[slashIdx+1:]}
	if cfg.Provider == "" || cfg.Model == "" {
		return Config{}, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}
	if err := cfg.applyProviderDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyProviderDefaults() error {
	var endpoint, keyEnv string
	switch c.Provider {
	case "", "openrouter":
		c.Provider = "openrouter"
		endpoint, keyEnv = "https://openrouter.ai/api/v1/embeddings", "OPENROUTER_API_KEY"
	case "openai":
		endpoint, keyEnv = "https://api.openai.com/v1/embeddings", "OPENAI_API_KEY"
	case "ollama":
		endpoint = "http://localhost:11434/v1/embeddings"
	case "custom":
	default:
		return fmt.Errorf("unknown provider %q. Supported: openrouter, openai, ollama, custom", c.Provider)
	}
	if c.Endpoint == "" {
		c.Endpoint = endpoint
	}
	if c.APIKey == "" && keyEnv != "" {
		c.APIKey = os.Getenv(keyEnv)
	}
	return nil
}

// Validate fills provider defaults and checks the result is usable.
func (c *Config) Validate() error {
	if err := c.applyProviderDefaults(); err != nil {
		return err
	}
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Endpoint == "" {
		return ErrNotConfigured
	}
	if c.Provider != "ollama" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q", c.Provider)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return nil
}

// Client implements Embedder over HTTP.
type Client struct {
	config   Config
	http     *http.Client
	limiter  *ratelimit.Limiter
	observer Observer
	sleep    func(context.Context, time.Duration) error
	log      zerolog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithLimiter paces every attempt, retries included.
func WithLimiter(l *ratelimit.Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithObserver reports attempt outcomes.
func WithObserver(o Observer) Option { return func(c *Client) { c.observer = o } }

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithBackoffSleep replaces the sleep used between retries.
func WithBackoffSleep(f func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = f }
}

// NewClient validates cfg and returns a Client.
func NewClient(cfg Config, log zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid embed config: %w", err)
	}
	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		sleep:  ratelimit.Sleep,
		log:    log.With().Str("component", "embed").Str("model", cfg.Model).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EmbedBatch embeds texts in one API call, retrying transient failures with
// exponential backoff (1s, 2s, 4s) or the server's Retry-After on 429.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		embeddings, err := c.attempt(ctx, texts)
		if err == nil {
			c.observe("ok")
			return embeddings, nil
		}
		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && !httpErr.retryable() {
			c.observe("error")
			return nil, err
		}
		if ctx.Err() != nil || attempt == c.config.MaxRetries {
			break
		}
		c.observe("retry")

		backoff := time.Duration(1<<attempt) * time.Second
		if httpErr != nil && httpErr.StatusCode == http.StatusTooManyRequests && httpErr.RetryAfter > 0 {
			backoff = httpErr.RetryAfter
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("embedding request failed, retrying")
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	c.observe("error")
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) observe(status string) {
	if c.observer != nil {
		c.observer.EmbedRequest(status)
	}
}

func (c *Client) attempt(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(request{Model: c.config.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == "openrouter" {
		httpReq.Header.Set("HTTP-Referer", "https://dornt.com")
		httpReq.Header.Set("X-Title", "Dornt News Intelligence")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(s) * time.Second
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(raw), RetryAfter: retryAfter}
	}

	var parsed response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("invalid embedding index: %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
	}
	return out, nil
}
