// Package llm talks to an Ollama-compatible chat API and turns it into the
// answer generator used by the chat service.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/mymydata/internal/logger"
)

// ClientError is an error from the chat API client.
type ClientError struct {
	Type    ErrorType
	Message string
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error {
	return e.Cause
}

// Is matches any ClientError of the same Type, so wrapped sentinels compare equal.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Type == e.Type
}

type ErrorType int

const (
	ErrTypeUnknown ErrorType = iota
	ErrTypeNotRunning
	ErrTypeTimeout
	ErrTypeModelNotFound
	ErrTypeConnection
	ErrTypeInvalidResponse
)

var (
	ErrNotRunning      = &ClientError{Type: ErrTypeNotRunning, Message: "model server is not running"}
	ErrTimeout         = &ClientError{Type: ErrTypeTimeout, Message: "request timed out"}
	ErrModelNotFound   = &ClientError{Type: ErrTypeModelNotFound, Message: "model not found"}
	ErrInvalidResponse = &ClientError{Type: ErrTypeInvalidResponse, Message: "invalid response"}
)

// Retryable reports whether err is worth another attempt. Model and request
// errors are not.
func Retryable(err error) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Type == ErrTypeTimeout || ce.Type == ErrTypeNotRunning || ce.Type == ErrTypeConnection
}

type ClientConfig struct {
	BaseURL string
	Model   string
	// Timeout bounds one HTTP attempt.
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		BaseURL:    "http://127.0.0.1:11434",
		Model:      "llama3.2-vision",
		Timeout:    60 * time.Second,
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

type Client struct {
	config     ClientConfig
	httpClient *http.Client
}

// NewClient fills unset fields of config from DefaultConfig. A negative
// MaxRetries disables retries.
func NewClient(config ClientConfig) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = def.RetryDelay
	}
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

func (c *Client) Model() string {
	return c.config.Model
}

// Chat sends messages and returns the assistant's reply. Timeouts and
// connection failures are retried up to MaxRetries times.
func (c *Client) Chat(ctx context.Context, messages []Message) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Warnf("llm: retry %d/%d after: %v", attempt, c.config.MaxRetries, lastErr)
			select {
			case <-ctx.Done():
				return nil, &ClientError{Type: ErrTypeTimeout, Message: "request cancelled", Cause: ctx.Err()}
			case <-time.After(c.config.RetryDelay):
			}
		}
		resp, err := c.chatOnce(ctx, messages)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) chatOnce(ctx context.Context, messages []Message) (*ChatResponse, error) {
	body, err := json.Marshal(ChatRequest{Model: c.config.Model, Messages: messages, Stream: false})
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &ClientError{Type: ErrTypeConnection, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, &ClientError{Type: ErrTypeTimeout, Message: "request timed out", Cause: err}
		}
		if ctx.Err() != nil {
			return nil, &ClientError{Type: ErrTypeTimeout, Message: "request cancelled", Cause: ctx.Err()}
		}
		return nil, &ClientError{Type: ErrTypeNotRunning, Message: "model server is not running", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &ClientError{Type: ErrTypeModelNotFound, Message: "model not found: " + c.config.Model}
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: apiErr.Error}
		}
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "chat request failed: " + resp.Status}
	}

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "failed to decode response", Cause: err}
	}
	return &result, nil
}

// EncodeImage returns data in the form the chat API expects in Message.Images.
func EncodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
