// Package llm is a small OpenRouter chat-completions client. It implements
// the headline extraction and article rewriting capabilities.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/headlines"
	"github.com/JakeFAU/feedcache/internal/metrics"
)

const (
	// DefaultEndpoint is the OpenRouter chat completions URL.
	DefaultEndpoint = "https://openrouter.ai/api/v1/chat/completions"
	// DefaultModel is used when no model is configured.
	DefaultModel = "qwen/qwen3-next-80b-a3b-instruct:free"

	defaultMaxRetries  = 2
	defaultRetryDelay  = 1500 * time.Millisecond
	defaultTimeout     = 30 * time.Second
	defaultTemperature = 0.7
	maxErrorBody       = 4 << 10

	referer = "https://feedcache.local"
	appName = "feedcache"
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = fmt.Errorf("llm: api key not configured: %w", headlines.ErrUnavailable)
	// ErrAuth is returned when the API rejects the credentials.
	ErrAuth = fmt.Errorf("llm: credentials rejected: %w", headlines.ErrUnavailable)
	// ErrEmptyResponse is returned when a completion carries no choice.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// RequestError is a non-2xx answer from the API. Timeouts are reported as
// status 408.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("llm: api error %d: %s", e.Status, e.Body)
}

// Retryable reports whether the same model may be asked again.
func (e *RequestError) Retryable() bool {
	return e.Status == http.StatusRequestTimeout ||
		e.Status == http.StatusTooManyRequests ||
		(e.Status >= 500 && e.Status < 600)
}

func (e *RequestError) auth() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// Config configures the client.
type Config struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	FallbackModels []string      `mapstructure:"fallback_models"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Endpoint       string        `mapstructure:"endpoint"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	c.FallbackModels = cleanModels(c.FallbackModels)
	return c
}

// DefaultConfig returns the stock settings without an API key.
func DefaultConfig() Config {
	return Config{
		Model:      DefaultModel,
		MaxRetries: defaultMaxRetries,
		RetryDelay: defaultRetryDelay,
		Timeout:    defaultTimeout,
		Endpoint:   DefaultEndpoint,
	}
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatOptions tune one completion.
type ChatOptions struct {
	Model       string
	Temperature *float64
	MaxTokens   int
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Client talks to the chat completions endpoint.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New builds a Client. A nil httpClient uses a default client; the per
// request timeout comes from cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		http:   httpClient,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("llm"),
		sleep:  sleepCtx,
	}
	if !c.Configured() {
		c.logger.Warn("openrouter api key not configured, headline features disabled")
	}
	return c
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c != nil && strings.TrimSpace(c.cfg.APIKey) != ""
}

// Model returns the primary model.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Chat sends messages to the selected model, then to each fallback model in
// order. Credential errors stop the chain.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	selected := opts.Model
	if selected == "" {
		selected = c.cfg.Model
	}
	models := []string{selected}
	for _, m := range c.cfg.FallbackModels {
		if m != selected {
			models = append(models, m)
		}
	}

	var lastErr error
	for i, model := range models {
		out, err := c.chatWithRetries(ctx, model, messages, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.auth() {
			return "", fmt.Errorf("%w: %w", ErrAuth, err)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("llm chat: %w", ctx.Err())
		}
		if i < len(models)-1 {
			c.logger.Warn("model failed, trying fallback", zap.String("model", model), zap.Error(err))
		}
	}
	return "", fmt.Errorf("llm chat: %w", lastErr)
}

func (c *Client) chatWithRetries(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	for attempt := 0; ; attempt++ {
		out, err := c.request(ctx, model, messages, opts)
		if err == nil {
			metrics.ObserveLLMRequest(model, "ok")
			return out, nil
		}
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			metrics.ObserveLLMRequest(model, "error")
			return "", err
		}
		metrics.ObserveLLMRequest(model, strconv.Itoa(reqErr.Status))
		if !reqErr.Retryable() || attempt >= c.cfg.MaxRetries {
			return "", err
		}
		wait := c.cfg.RetryDelay * time.Duration(1<<attempt)
		c.logger.Warn("temporary api error, retrying",
			zap.String("model", model),
			zap.Int("status", reqErr.Status),
			zap.Int("retry", attempt+1),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Duration("wait", wait))
		if err := c.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
}

func (c *Client) request(ctx context.Context, model string, messages []Message, opts ChatOptions) (string, error) {
	temperature := defaultTemperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   opts.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("HTTP-Referer", referer)
	req.Header.Set("X-Title", appName)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return "", &RequestError{
				Status: http.StatusRequestTimeout,
				Body:   fmt.Sprintf("request timeout after %s", c.cfg.Timeout),
			}
		}
		return "", fmt.Errorf("send chat request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(text))}
	}
	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return decoded.Choices[0].Message.Content, nil
}

// Prompt sends a user prompt with an optional system prompt.
func (c *Client) Prompt(ctx context.Context, user, system string) (string, error) {
	var messages []Message
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})
	return c.Chat(ctx, messages, ChatOptions{})
}

func cleanModels(models []string) []string {
	var out []string
	for _, m := range models {
		for _, part := range strings.Split(m, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
