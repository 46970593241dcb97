package deepstream

import (
	"context"
	"log/slog"
)

// Client is the public entry point: it owns a Connection and the Event
// and Presence coordinators built on top of it. Construct one with New,
// then call Start to dial and run the handshake.
type Client struct {
	conn     *Connection
	event    *Event
	presence *Presence
}

// Options configures a Client. ErrorHandler and Logger both default
// when left nil: ErrorHandler to a LogErrorHandler wrapping Logger,
// Logger to slog.Default().
type Options struct {
	ConnectOptions ConnectOptions
	ErrorHandler   ErrorHandler
	Logger         *slog.Logger
}

// New builds a Client against url, using newTransport to obtain a fresh
// Transport for the initial connection and every subsequent reconnect
// or redirect.
func New(newTransport func() Transport, url string, opts Options) *Client {
	conn := NewConnection(newTransport, url, opts.ConnectOptions, opts.ErrorHandler, opts.Logger)
	c := &Client{conn: conn}
	c.event = NewEvent(conn)
	c.presence = NewPresence(conn)
	return c
}

// Start dials the server and blocks until the handshake reaches
// AWAIT_AUTHENTICATION (ready for Login) or fails permanently. It does
// not wait for OPEN, which is reached only after a successful Login.
func (c *Client) Start(ctx context.Context) error {
	return c.conn.Start(ctx)
}

// Login authenticates the connection. cb is invoked exactly once, either
// with the server's client data or an error; if the connection closes
// first it is invoked with (nil, ErrConnectionClosed).
func (c *Client) Login(authParams []byte, cb LoginCallback) {
	c.conn.Login(authParams, cb)
}

// Event returns the EVENT-topic coordinator.
func (c *Client) Event() *Event { return c.event }

// Presence returns the PRESENCE-topic coordinator.
func (c *Client) Presence() *Presence { return c.presence }

// ConnectionState returns the connection's current state.
func (c *Client) ConnectionState() ConnectionState { return c.conn.State() }

// Close shuts the client down permanently.
func (c *Client) Close() error { return c.conn.Close() }
