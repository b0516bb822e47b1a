// Package realtime implements the stt.Dialer interface for the OpenAI
// Realtime API transcription intent.
//
// It opens a WebSocket to the Realtime endpoint authenticated with an
// ephemeral client secret, streams base64-encoded PCM16 chunks as
// input_audio_buffer.append events and decodes the server's transcription
// events into stt.Event values. Session configuration (model, language,
// turn detection) is fixed when the ephemeral secret is minted, so no
// session.update is sent.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ShinnosukeUesaka/house-agent/pkg/audio"
	"github.com/ShinnosukeUesaka/house-agent/pkg/provider/stt"
)

// Compile-time assertions that Dialer and Conn satisfy the stt interfaces.
var _ stt.Dialer = (*Dialer)(nil)
var _ stt.Conn = (*Conn)(nil)

const (
	// DefaultURL is the Realtime endpoint with the transcription intent.
	DefaultURL = "wss://api.openai.com/v1/realtime?intent=transcription"

	defaultEventBuffer = 64
	readLimit          = 1 << 20
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithURL overrides the WebSocket URL. Primarily used in tests to point at a
// local server.
func WithURL(url string) Option {
	return func(d *Dialer) { d.url = url }
}

// WithHTTPClient sets the HTTP client used for the WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dialer) { d.httpClient = c }
}

// WithEventBuffer sets the capacity of each connection's event channel.
func WithEventBuffer(n int) Option {
	return func(d *Dialer) {
		if n > 0 {
			d.eventBuffer = n
		}
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dialer) { d.log = l }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer opens Realtime transcription connections.
type Dialer struct {
	url         string
	httpClient  *http.Client
	eventBuffer int
	log         *slog.Logger
}

// New creates a Dialer with the given options.
func New(opts ...Option) *Dialer {
	d := &Dialer{
		url:         DefaultURL,
		eventBuffer: defaultEventBuffer,
		log:         slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial connects using token as the bearer credential.
func (d *Dialer) Dial(ctx context.Context, token string) (stt.Conn, error) {
	if token == "" {
		return nil, errors.New("realtime: token must not be empty")
	}

	ws, _, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		events: make(chan stt.Event, d.eventBuffer),
		ctx:    connCtx,
		cancel: cancel,
		log:    d.log,
	}
	go c.receiveLoop()
	return c, nil
}

// ── Conn ───────────────────────────────────────────────────────────────────────

// Conn is one open Realtime transcription connection.
type Conn struct {
	ws     *websocket.Conn
	events chan stt.Event
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error
	closed bool
}

// SendAudio encodes pcm as base64 and sends an input_audio_buffer.append
// event.
func (c *Conn) SendAudio(ctx context.Context, pcm []int16) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.ctx.Err() != nil {
		return stt.ErrClosed
	}

	data, err := json.Marshal(appendAudioMessage{
		Type:  typeAppend,
		Audio: audio.EncodeForTransport(pcm),
	})
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Events returns the inbound event stream. It is closed when the transport
// ends.
func (c *Conn) Events() <-chan stt.Event { return c.events }

// Err returns the transport error that ended the connection, if any. A
// normal close by either side reports nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the connection. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}

// receiveLoop reads events until the transport ends. It owns events and
// closes it on exit.
func (c *Conn) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				c.setErr(err)
			}
			return
		}

		ev, err := ParseEvent(data)
		if err != nil {
			c.log.Debug("realtime: skipping malformed event", "err", err)
			continue
		}

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}
