// Package dswebsocket implements deepstream.Transport over a WebSocket
// connection using gorilla/websocket.
package dswebsocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/deepstream-go"
)

// Transport is a gorilla/websocket-backed deepstream.Transport. Each
// Transport is single-use: dial it once with Connect, then Close it;
// a fresh Transport is created per reconnect or redirect by the
// function passed to deepstream.NewConnection.
type Transport struct {
	dialer websocket.Dialer
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	events    chan deepstream.TransportEvent
	closeOnce sync.Once
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithReadBufferSize overrides gorilla/websocket's default read buffer.
func WithReadBufferSize(n int) Option {
	return func(t *Transport) { t.dialer.ReadBufferSize = n }
}

// WithWriteBufferSize overrides gorilla/websocket's default write
// buffer.
func WithWriteBufferSize(n int) Option {
	return func(t *Transport) { t.dialer.WriteBufferSize = n }
}

// WithHandshakeTimeout overrides gorilla/websocket's default handshake
// timeout.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialer.HandshakeTimeout = d }
}

// New builds a Transport ready to Connect. Pass a constructor like
//
//	func() deepstream.Transport { return dswebsocket.New() }
//
// to deepstream.NewConnection so every dial attempt gets a fresh
// instance.
func New(opts ...Option) *Transport {
	t := &Transport{
		dialer: websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: slog.Default(),
		events: make(chan deepstream.TransportEvent, 64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connect dials url and starts the read loop.
func (t *Transport) Connect(ctx context.Context, url string) error {
	conn, _, err := t.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dswebsocket: dial %s: %w", url, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	go t.readLoop(conn)
	return nil
}

// Send writes frame as a single WebSocket text message — deepstream
// frames are US/RS-delimited ASCII-safe text, matching the protocol's
// own wire convention.
func (t *Transport) Send(ctx context.Context, frame []byte) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("dswebsocket: not connected")
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("dswebsocket: write: %w", err)
	}
	return nil
}

// Receive returns the channel frames and terminal errors are delivered
// on.
func (t *Transport) Receive() <-chan deepstream.TransportEvent {
	return t.events
}

// Close closes the underlying WebSocket connection. Safe to call more
// than once.
func (t *Transport) Close() error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer t.closeOnce.Do(func() { close(t.events) })

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.events <- deepstream.TransportEvent{Err: fmt.Errorf("dswebsocket: read: %w", err)}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		t.events <- deepstream.TransportEvent{Frame: data}
	}
}
