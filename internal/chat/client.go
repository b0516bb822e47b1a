// Package chat connects the voice pipeline to the assistant backend.
//
// Final transcripts are sent as chat messages over a long-lived WebSocket
// (the same channel the dashboard's text input uses). [Client] owns the
// connection and reconnects with capped exponential backoff whenever the
// backend goes away.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ShinnosukeUesaka/house-agent/internal/observe"
	"github.com/ShinnosukeUesaka/house-agent/internal/resilience"
)

// DefaultURL is the assistant backend's WebSocket endpoint.
const DefaultURL = "ws://localhost:8000/ws"

// Default reconnection parameters.
const (
	defaultBackoff    = 3 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrNotConnected is returned by [Client.Send] while no connection is up.
var ErrNotConnected = errors.New("chat: not connected")

// Inbound message types.
const (
	TypeMessage = "chat.message"
	TypePlot    = "chat.plot"
)

// Dispatcher delivers user utterances to the assistant.
type Dispatcher interface {
	Send(ctx context.Context, content string) error
}

// Compile-time interface assertion.
var _ Dispatcher = (*Client)(nil)

// outbound is a user chat message.
type outbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Payload is the body of an inbound message.
type Payload struct {
	Content string `json:"content,omitempty"`
	HTML    string `json:"html,omitempty"`
}

// Message is one inbound backend message.
type Message struct {
	Type    string  `json:"type"`
	Payload Payload `json:"payload"`
}

// Client is a reconnecting chat WebSocket client.
//
// All methods are safe for concurrent use.
type Client struct {
	url        string
	httpHeader map[string][]string
	backoff    time.Duration
	maxBackoff time.Duration
	breaker    *resilience.CircuitBreaker
	log        *slog.Logger
	metrics    *observe.Metrics
	onMessage  func(Message)

	mu   sync.Mutex
	conn *websocket.Conn
}

// Option is a functional option for [New].
type Option func(*Client)

// WithBackoff sets the initial and maximum reconnect delays. Defaults: 3s
// and 30s.
func WithBackoff(initial, max time.Duration) Option {
	return func(c *Client) {
		c.backoff = initial
		c.maxBackoff = max
	}
}

// WithBreaker guards dial attempts with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithMessageHandler registers fn for every inbound message. fn runs on the
// read goroutine and must not block.
func WithMessageHandler(fn func(Message)) Option {
	return func(c *Client) { c.onMessage = fn }
}

// WithHeader adds an HTTP header to the handshake.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		if c.httpHeader == nil {
			c.httpHeader = make(map[string][]string)
		}
		c.httpHeader[key] = append(c.httpHeader[key], value)
	}
}

// New creates a [Client] for url. Call [Client.Run] to connect.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	if c.url == "" {
		c.url = DefaultURL
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:         "chat",
			MaxFailures:  5,
			ResetTimeout: time.Minute,
			Logger:       c.log,
		})
	}
	if c.maxBackoff < c.backoff {
		c.maxBackoff = c.backoff
	}
	return c
}

// URL returns the backend address.
func (c *Client) URL() string { return c.url }

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run keeps a connection open until ctx is done. Each time the connection
// drops it waits for the current backoff (doubling up to the maximum and
// resetting after a successful connection) before dialling again. Run
// returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	delay := c.backoff
	for {
		err := c.breaker.Execute(ctx, c.dial)
		if err == nil {
			delay = c.backoff
			c.log.Info("chat: connected", "url", c.url)
			c.readLoop(ctx)
		} else if ctx.Err() == nil {
			c.log.Warn("chat: connect failed", "url", c.url, "err", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		if err != nil {
			delay = min(delay*2, c.maxBackoff)
		}
	}
}

func (c *Client) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{HTTPHeader: c.httpHeader})
	if err != nil {
		return fmt.Errorf("chat: dial %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// readLoop consumes inbound messages until the connection fails or ctx is
// done, then clears and closes the connection.
func (c *Client) readLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("chat: connection lost", "err", err)
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Debug("chat: skipping malformed message", "err", err)
			continue
		}
		c.metrics.RecordChatMessage(ctx, "in", msg.Type)
		switch msg.Type {
		case TypeMessage:
			c.log.Info("chat: assistant replied", "chars", len(msg.Payload.Content))
		case TypePlot:
			c.log.Info("chat: assistant sent a plot", "bytes", len(msg.Payload.HTML))
		default:
			c.log.Debug("chat: unhandled message", "type", msg.Type)
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
	}
}

// Send implements [Dispatcher]. It writes {"type":"chat","content":...}.
func (c *Client) Send(ctx context.Context, content string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, conn, outbound{Type: "chat", Content: content}); err != nil {
		c.metrics.RecordProviderError(ctx, "chat", "send")
		return fmt.Errorf("chat: send: %w", err)
	}
	c.metrics.RecordChatMessage(ctx, "out", "chat")
	return nil
}
