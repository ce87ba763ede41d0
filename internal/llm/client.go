// Package llm provides the chat-completion collaborator used to write
// performance reports.
//
// The client speaks the OpenAI-compatible /chat/completions API, so any
// compatible host (OpenAI, a Gaia node, a local gateway) can be configured
// through BaseURL.
//
// # Usage
//
//	client := llm.NewClient(llm.Config{
//	    BaseURL: "https://api.openai.com/v1",
//	    APIKey:  key,
//	    Model:   "gpt-4o-mini",
//	}, logger)
//
//	text, err := client.Complete(ctx, []llm.Message{
//	    {Role: llm.RoleSystem, Content: instruction},
//	    {Role: llm.RoleUser, Content: prompt},
//	})
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one chat message.
type Message struct {
	Role    Role
	Content string
}

// Config holds configuration for the chat client.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	// Defaults to the OpenAI endpoint if empty.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Model names the chat model. Defaults to "gpt-4o-mini".
	Model string

	// Timeout bounds a single attempt. Defaults to 60 seconds.
	Timeout time.Duration

	// MaxRetries is the number of retries for transport failures, 429 and
	// 5xx. Defaults to 2 if zero. Negative disables retries.
	MaxRetries int

	// BaseRetryDelay is the initial backoff. Defaults to 1 second.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the backoff. Defaults to 8 seconds.
	MaxRetryDelay time.Duration

	// JSONResponse asks the model for a JSON object reply.
	JSONResponse bool

	// HTTPClient allows injecting a custom HTTP client (useful for testing).
	HTTPClient *http.Client
}

// Client is a chat-completion client.
type Client struct {
	config Config
	api    openai.Client
	log    *zap.Logger
}

// NewClient creates a chat client with the given configuration.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	if cfg.BaseRetryDelay == 0 {
		cfg.BaseRetryDelay = time.Second
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 8 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []option.RequestOption{
		option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/") + "/"),
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	return &Client{
		config: cfg,
		api:    openai.NewClient(opts...),
		log:    log.Named("llm"),
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.config.Model
}

// Complete sends msgs and returns the first choice's content. Transport
// failures, 429 and 5xx are retried with exponential backoff. Every error
// returned wraps ErrUnavailable.
func (c *Client) Complete(ctx context.Context, msgs []Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.config.Model),
		Messages: toParams(msgs),
	}
	if c.config.JSONResponse {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	var text string
	attempt := 0
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		attempt++
		out, err := c.completeOnce(ctx, params)
		if err == nil {
			text = out
			return nil
		}
		if isRetryable(ctx, err) {
			c.log.Warn("chat completion failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return "", unavailable(err)
	}
	return text, nil
}

func (c *Client) completeOnce(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	c.log.Debug("chat completion",
		zap.String("model", resp.Model),
		zap.Int64("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int64("completion_tokens", resp.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)))
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) backoff() retry.Backoff {
	b := retry.NewExponential(c.config.BaseRetryDelay)
	b = retry.WithCappedDuration(c.config.MaxRetryDelay, b)
	retries := c.config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// classify maps an SDK error onto this package's error types.
func classify(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("llm: http request: %w", err)
	}
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{StatusCode: apiErr.StatusCode, Message: apiErr.Message}
	}
	return &HTTPError{StatusCode: apiErr.StatusCode, Body: apiErr.Message}
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.IsRetryable()
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	return !errors.Is(err, ErrEmptyReply)
}
