package handler

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
)

// DefaultHTTPTimeout bounds a single outbound request.
const DefaultHTTPTimeout = 30 * time.Second

// HTTPAction is the action payload understood by the built-in handler.
type HTTPAction struct {
	Method string          `json:"method"`
	URL    string          `json:"url"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// HTTPHandler is the built-in generic handler: one outbound HTTP request
// per invocation, any non-2xx status is a failure.
type HTTPHandler struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPHandler creates the built-in HTTP handler. A non-positive
// timeout defaults to DefaultHTTPTimeout.
func NewHTTPHandler(timeout time.Duration) *HTTPHandler {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &HTTPHandler{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Invoke implements Handler.
func (h *HTTPHandler) Invoke(ctx context.Context, _ string, action json.RawMessage) error {
	var a HTTPAction
	if err := json.Unmarshal(action, &a); err != nil {
		return fmt.Errorf("handler: decode http action: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(a.Method))
	if method == "" {
		method = http.MethodGet
	}
	if strings.TrimSpace(a.URL) == "" {
		return errors.New("handler: http action missing url")
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var body io.Reader
	if len(a.Body) > 0 {
		body = bytes.NewReader(a.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.URL, body)
	if err != nil {
		return fmt.Errorf("handler: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("handler: %s %s: %w", method, a.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("handler: %s %s: unexpected status %d", method, a.URL, resp.StatusCode)
	}
	return nil
}
