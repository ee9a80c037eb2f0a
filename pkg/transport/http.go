// Package transport opens the chunked HTTP response of one chat exchange.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/killallgit/chatstream/pkg/chat"
	"github.com/tidwall/gjson"
)

const maxErrorBody = 64 << 10

// StatusError is returned when the server answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// CheckResponse turns a non-2xx response into a *StatusError, preferring the
// "error" or "message" field of a JSON body over the raw text. The body is
// closed in that case.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	errorBody, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &StatusError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read error response: %v", err)}
	}

	if gjson.ValidBytes(errorBody) {
		for _, path := range []string{"error.message", "error", "message"} {
			if v := gjson.GetBytes(errorBody, path); v.Type == gjson.String && v.String() != "" {
				return &StatusError{StatusCode: resp.StatusCode, Message: v.String()}
			}
		}
	}

	msg := string(bytes.TrimSpace(errorBody))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{StatusCode: resp.StatusCode, Message: msg}
}

// HTTPTransport posts a chat request and hands back the streaming body.
type HTTPTransport struct {
	url        string
	apiKey     string
	httpClient *http.Client
	headers    http.Header
}

type Option func(*HTTPTransport)

// WithAPIKey sends key as a bearer token.
func WithAPIKey(key string) Option {
	return func(t *HTTPTransport) {
		t.apiKey = key
	}
}

// WithTimeout bounds the whole exchange. Zero means no limit, which is what
// long streams usually want; cancellation still applies.
func WithTimeout(timeout time.Duration) Option {
	return func(t *HTTPTransport) {
		t.httpClient.Timeout = timeout
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(t *HTTPTransport) {
		t.httpClient = c
	}
}

func WithHeader(key, value string) Option {
	return func(t *HTTPTransport) {
		t.headers.Set(key, value)
	}
}

// NewHTTPTransport creates a transport posting to url.
func NewHTTPTransport(url string, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		url:        url,
		httpClient: &http.Client{},
		headers:    http.Header{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Open sends req and returns the response body for decoding. Aborting ctx
// stops chunk delivery: pending reads on the body fail promptly. A request
// that cannot be built is reported wrapped in chat.ErrInvalidRequest.
func (t *HTTPTransport) Open(ctx context.Context, req chat.ChatRequest) (io.ReadCloser, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", chat.ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", chat.ErrInvalidRequest, err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	if t.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)
	}
	for key, values := range t.headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if err := CheckResponse(resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}
