package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/observability"
)

var ErrNotConnected = errors.New("realtime: not connected")

// Handler receives every decoded inbound event. The client owns the single
// subscription on the socket and dispatches to exactly one handler.
type Handler interface {
	HandleEvent(ctx context.Context, ev Event)
}

type HandlerFunc func(ctx context.Context, ev Event)

func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// TokenProvider supplies the bearer token sent on dial.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Client struct {
	url          string
	tokens       TokenProvider
	dialer       *websocket.Dialer
	log          *slog.Logger
	writeTimeout time.Duration
	minBackoff   time.Duration
	maxBackoff   time.Duration

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

func NewClient(url string, tokens TokenProvider, log *slog.Logger) *Client {
	return &Client{
		url:          url,
		tokens:       tokens,
		dialer:       &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:          logging.Component(log, "realtime"),
		writeTimeout: 5 * time.Second,
		minBackoff:   time.Second,
		maxBackoff:   30 * time.Second,
	}
}

// Connected reports whether a socket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials, reads and dispatches until ctx is done, reconnecting with
// doubling backoff after failures.
func (c *Client) Run(ctx context.Context, h Handler) error {
	backoff := c.minBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err != nil {
			observability.RealtimeReconnects.Inc()
			c.log.Warn("realtime_dial_failed", "err", err, "backoff", backoff.String())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = c.minBackoff
		c.log.Info("realtime_connected", "url", c.url)
		err = c.readLoop(ctx, conn, h)
		c.drop(conn)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("realtime_disconnected", "err", err)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("token: %w", err)
		}
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return nil, fmt.Errorf("connecting to websocket: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		ev, err := Decode(payload)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				c.log.Debug("realtime_event_ignored", "err", err)
			} else {
				c.log.Warn("realtime_event_invalid", "err", err)
			}
			continue
		}
		h.HandleEvent(ctx, ev)
	}
}

// Emit sends one event. Writes are serialized; a write deadline bounds each.
func (c *Client) Emit(ctx context.Context, typ string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	frame, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}
