// Package transport holds the single duplex websocket connection of a call.
//
// Outbound, [Conn.SendAudio] serialises microphone payloads. Inbound, a
// receive goroutine parses every frame and publishes it, together with the
// connection's lifecycle, on one ordered [Event] channel. The connection never
// reconnects; a failure is reported once and the channel is closed.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/pkg/audio"
)

// ErrTransport wraps every connection-level failure: a failed dial, a read
// error, or an abnormal close by the peer.
var ErrTransport = errors.New("transport: connection error")

const (
	defaultWriteTimeout = 5 * time.Second
	eventBuffer         = 64
)

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventReady is always the first event of a connection.
	EventReady EventKind = iota

	// EventMessage carries one parsed inbound [Message].
	EventMessage

	// EventClosed reports that the peer closed the connection normally.
	EventClosed

	// EventFailed reports a connection failure. Err wraps [ErrTransport].
	EventFailed
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventReady:
		return "ready"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one item on [Conn.Events].
type Event struct {
	Kind    EventKind
	Message Message
	Err     error
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [Dial].
type Option func(*Conn)

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(cn *Conn) { cn.httpClient = c }
}

// WithHeader adds headers to the handshake request.
func WithHeader(h http.Header) Option {
	return func(cn *Conn) { cn.header = h }
}

// WithWriteTimeout bounds each outbound write. Default: 5s.
func WithWriteTimeout(d time.Duration) Option {
	return func(cn *Conn) { cn.writeTimeout = d }
}

// WithMetrics records inbound message counts on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cn *Conn) { cn.metrics = m }
}

// WithLogger sets the logger for dropped frames and lifecycle changes.
func WithLogger(l *slog.Logger) Option {
	return func(cn *Conn) { cn.log = l }
}

// ── Conn ──────────────────────────────────────────────────────────────────────

// Conn is one open duplex connection. All methods are safe for concurrent use.
type Conn struct {
	httpClient   *http.Client
	header       http.Header
	writeTimeout time.Duration
	metrics      *observe.Metrics
	log          *slog.Logger

	ws     *websocket.Conn
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	open    atomic.Bool
	dropped atomic.Uint64

	mu     sync.Mutex
	closed bool
}

// Dial opens the connection to url. On success the first value on
// [Conn.Events] is an [EventReady]. A failed handshake returns an error
// wrapping [ErrTransport].
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	c := &Conn{
		writeTimeout: defaultWriteTimeout,
		events:       make(chan Event, eventBuffer),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.log == nil {
		c.log = slog.Default()
	}

	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: c.header,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}
	// Inbound audio chunks are far larger than the library's 32 KiB default.
	ws.SetReadLimit(-1)

	c.ws = ws
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.open.Store(true)
	c.events <- Event{Kind: EventReady}

	go c.receiveLoop()
	return c, nil
}

// Events returns the ordered event channel. It is closed after the receive
// loop exits, following a terminal event or [Conn.Close].
func (c *Conn) Events() <-chan Event { return c.events }

// Open reports whether outbound sends are currently transmitted.
func (c *Conn) Open() bool { return c.open.Load() }

// Dropped returns the number of outbound payloads discarded because the
// connection was not open.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// SendAudio writes one audio message. While the connection is not open the
// payload is discarded and nil is returned; nothing is queued or retried.
func (c *Conn) SendAudio(p audio.Payload) error {
	if !c.open.Load() {
		c.dropped.Add(1)
		return nil
	}

	data, err := json.Marshal(outboundAudio{Type: TypeAudio, Audio: p.Audio, SampleRate: p.SampleRate})
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		if !c.open.Load() {
			c.dropped.Add(1)
			return nil
		}
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// receiveLoop reads frames until the connection ends. It owns events and
// closes it on exit.
func (c *Conn) receiveLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.open.Store(false)
			if c.ctx.Err() != nil {
				// Closed locally; the caller already knows.
				return
			}
			c.emit(c.terminalEvent(err))
			c.ws.CloseNow()
			return
		}

		msg, err := ParseMessage(data)
		if err != nil {
			c.metrics.ProtocolErrors.Add(c.ctx, 1)
			c.log.Debug("transport: dropping inbound frame", "err", err)
			continue
		}
		c.metrics.RecordInbound(c.ctx, string(msg.Type))
		c.emit(Event{Kind: EventMessage, Message: msg})
	}
}

func (c *Conn) terminalEvent(err error) Event {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		c.log.Info("transport: peer closed connection")
		return Event{Kind: EventClosed}
	default:
		c.log.Warn("transport: connection failed", "err", err)
		return Event{Kind: EventFailed, Err: fmt.Errorf("%w: %w", ErrTransport, err)}
	}
}

// emit delivers ev unless the connection is being closed locally.
func (c *Conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// Close shuts the connection down and waits for the receive loop to exit.
// No terminal event is emitted for a local close. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.open.Store(false)
	c.cancel()
	// The read loop may already have torn the socket down; nothing useful
	// can be done with an error here.
	_ = c.ws.Close(websocket.StatusNormalClosure, "call ended")
	<-c.done

	if n := c.dropped.Load(); n > 0 {
		c.log.Debug("transport: dropped outbound payloads", "count", n)
	}
	return nil
}
