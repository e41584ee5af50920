package backend

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

	"github.com/google/uuid"

	"github.com/example/rider-agent/internal/logging"
)

var (
	// ErrClaimed means another rider owns the order.
	ErrClaimed      = errors.New("backend: order claimed by another rider")
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrNotFound     = errors.New("backend: not found")
)

// NetworkError wraps every failed REST call.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("backend %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TokenProvider supplies the bearer token for authenticated calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Client talks to the dispatch backend's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	timeout time.Duration
	log     *slog.Logger
}

// New builds a client. tokens may be nil for the unauthenticated token
// refresh endpoint.
func New(baseURL string, tokens TokenProvider, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		tokens:  tokens,
		timeout: timeout,
		log:     logging.Component(log, "backend"),
	}
}

// do sends a JSON request and decodes a JSON response into out (when non-nil).
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("marshaling request body: %w", err)}
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnauthorized, err)}
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("executing request: %w", err)}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	c.log.Debug("backend_call", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: ErrUnauthorized}
	case resp.StatusCode == http.StatusNotFound:
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: ErrNotFound}
	case resp.StatusCode == http.StatusConflict:
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: ErrClaimed}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(data)))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("unmarshaling response: %w", err)}
	}
	return nil
}
