// Package conversation calls the hosted model that produces Luna's replies.
package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/goodtune/lunameter/internal/metrics"
	"github.com/goodtune/lunameter/internal/storage"
)

// ErrUnavailable is returned when no reply could be obtained.
var ErrUnavailable = errors.New("conversation service unavailable")

const (
	// APIVersion is sent in the anthropic-version header.
	APIVersion = "2023-06-01"

	// DefaultSystemPrompt is used when none is configured.
	DefaultSystemPrompt = "You are Luna, a warm and attentive companion. Keep replies short and conversational."

	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 500
	defaultTimeout   = 60 * time.Second
)

// Config holds client configuration
type Config struct {
	BaseURL        string
	APIKey         string
	Model          string
	MaxTokens      int
	SystemPrompt   string
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
}

// Client is a Messages API client.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
}

// New creates a client. An API key is required.
func New(config Config, logger zerolog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("conversation: api key is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaultMaxTokens
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 500 * time.Millisecond
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With().Str("component", "conversation").Logger(),
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type response struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

func (r response) text() string {
	var sb strings.Builder
	for _, block := range r.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// Reply sends history plus message and returns the assistant's text.
// Rate limiting, server errors and network failures are retried with
// exponential backoff. Every failure wraps ErrUnavailable.
func (c *Client) Reply(ctx context.Context, history []storage.Turn, msg string) (string, error) {
	payload, err := json.Marshal(c.buildRequest(history, msg))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	start := time.Now()
	defer func() {
		metrics.ConversationDuration.Observe(time.Since(start).Seconds())
	}()

	var reply string
	operation := func() error {
		text, err := c.do(ctx, payload)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) && !se.retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		reply = text
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", wait).Msg("Conversation request failed, retrying")
	}

	if err := backoff.RetryNotify(operation, c.retryPolicy(ctx), notify); err != nil {
		metrics.ConversationRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Error().Err(err).Msg("Conversation request failed")
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	metrics.ConversationRequestsTotal.WithLabelValues("ok").Inc()
	return reply, nil
}

func (c *Client) buildRequest(history []storage.Turn, msg string) request {
	messages := make([]message, 0, len(history)+1)
	for _, turn := range history {
		role := turn.Role
		if role != "user" && role != "assistant" {
			continue
		}
		// The API requires alternating roles; merge consecutive turns.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content += "\n\n" + turn.Content
			continue
		}
		messages = append(messages, message{Role: role, Content: turn.Content})
	}
	if n := len(messages); n > 0 && messages[n-1].Role == "user" {
		messages[n-1].Content += "\n\n" + msg
	} else {
		messages = append(messages, message{Role: "user", Content: msg})
	}
	// The first message must come from the user.
	if messages[0].Role != "user" {
		messages = messages[1:]
	}

	return request{
		Model:     c.config.Model,
		MaxTokens: c.config.MaxTokens,
		System:    c.config.SystemPrompt,
		Messages:  messages,
	}
}

func (c *Client) do(ctx context.Context, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.config.BaseURL, "/")+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("anthropic-version", APIVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	var decoded response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	text := decoded.text()
	if text == "" {
		return "", backoff.Permanent(fmt.Errorf("empty reply (stop reason %q)", decoded.StopReason))
	}
	return text, nil
}

func (c *Client) retryPolicy(ctx context.Context) backoff.BackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.InitialBackoff
	policy.MaxElapsedTime = c.config.Timeout
	return backoff.WithContext(backoff.WithMaxRetries(policy, c.config.MaxRetries), ctx)
}
