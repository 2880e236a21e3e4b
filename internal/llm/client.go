// Package llm is the boundary to the model backend: an OpenAI-compatible
// chat-completions endpoint. Transport failures are retried with bounded
// exponential backoff; malformed model output is not a transport concern and
// surfaces to the caller as ordinary response text.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/basket/scibench/internal/config"
	scibenchotel "github.com/basket/scibench/internal/otel"
)

// ErrTransport marks transient model-backend failures that exhausted their
// retry budget.
var ErrTransport = errors.New("model backend transport error")

// Message is one role-tagged segment of the transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles understood by the backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Client calls an OpenAI-compatible chat-completions API.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	opts    config.LLMConfig
	retry   config.RetryConfig
	httpc   *http.Client
	logger  *slog.Logger
	metrics *scibenchotel.Metrics
}

// NewClient creates a model backend client.
func NewClient(cfg config.LLMConfig, retry config.RetryConfig, logger *slog.Logger, metrics *scibenchotel.Metrics) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		opts:    cfg,
		retry:   retry,
		httpc:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		logger:  logger,
		metrics: metrics,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends the transcript and returns the generated text. Transient
// failures are retried up to the configured attempt budget with exponential
// backoff and jitter; the parent context cancels retries immediately.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	return c.ChatWithOptions(ctx, messages, c.opts.Temperature, c.opts.MaxTokens)
}

// ChatWithOptions is Chat with per-call sampling parameters, used by the
// extractor which samples cooler than the agent.
func (c *Client) ChatWithOptions(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if c.metrics != nil {
				c.metrics.LLMRetries.Add(ctx, 1)
			}
			delay := backoffDelay(c.retry, attempt-1)
			c.logger.Warn("model backend retry", "attempt", attempt, "delay", delay, "err", lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
			case <-time.After(delay):
			}
		}

		start := time.Now()
		callCtx, span := scibenchotel.StartClientSpan(ctx, scibenchotel.Tracer(), "llm.chat",
			scibenchotel.AttrModel.String(c.model))
		text, err := c.chatOnce(callCtx, messages, temperature, maxTokens)
		if err != nil {
			span.RecordError(err)
		}
		span.End()
		if c.metrics != nil {
			c.metrics.LLMCallDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return text, nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: %d attempts exhausted: %v", ErrTransport, c.retry.MaxAttempts, lastErr)
}

// ChatSimple sends a system prompt and a single user prompt.
func (c *Client) ChatSimple(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.Chat(ctx, []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	})
}

func (c *Client) chatOnce(ctx context.Context, messages []Message, temperature float64, maxTokens int) (string, error) {
	payload, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &transientError{err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &transientError{err}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &transientError{fmt.Errorf("status %d: %s", resp.StatusCode, snippet(body))}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat completions: status %d: %s", resp.StatusCode, snippet(body))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("chat completions: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat completions: empty choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// backoffDelay computes the delay before retry n (1-based) with full jitter.
func backoffDelay(cfg config.RetryConfig, n int) time.Duration {
	d := cfg.BaseDelay() << (n - 1)
	if max := cfg.MaxDelay(); d > max {
		d = max
	}
	// half fixed, half jittered
	return d/2 + time.Duration(rand.Int64N(int64(d/2)+1))
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 256 {
		s = s[:256] + "..."
	}
	return s
}
