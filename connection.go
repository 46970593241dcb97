package deepstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectOptions configures handshake retry limits. Both fields default
// to 3 when left at zero (DefaultConnectOptions), matching
// original_source's hard-coded constants.
type ConnectOptions struct {
	MaxReconnectAttempts int
	MaxRedirects         int
}

// DefaultConnectOptions returns the teacher's defaults: three reconnect
// attempts, three redirects, before giving up.
func DefaultConnectOptions() ConnectOptions {
	return ConnectOptions{MaxReconnectAttempts: 3, MaxRedirects: 3}
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 3
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 3
	}
	return o
}

// LoginCallback is invoked exactly once per Login call, either with the
// server's client data on success or with an error. If the connection
// closes before a response arrives, it is invoked with (nil,
// ErrConnectionClosed) rather than left dangling.
type LoginCallback func(clientData []byte, err error)

// MessageHandler receives every incoming message for the topic it was
// registered against (see Connection.OnMessage). Handlers run on the
// connection's single dispatch goroutine and must not block.
type MessageHandler func(Message)

// Connection drives the deepstream handshake, login, and reconnection
// lifecycle over a Transport. All of its state is private to one
// goroutine (loop); Start, Send, Login, State and Close communicate with
// that goroutine over a channel instead of taking a lock, following
// original_source's single-threaded core in Go idiom.
type Connection struct {
	id           uuid.UUID
	newTransport func() Transport
	opts         ConnectOptions
	errorHandler ErrorHandler
	logger       *slog.Logger

	url        string
	authParams []byte
	login      LoginCallback

	handlersMu sync.RWMutex // guards handlers only; handlers itself is read/written from many goroutines via OnMessage
	handlers   map[Topic]MessageHandler

	// onOpen is the resync hook, invoked synchronously from the dispatch
	// goroutine once OPEN is (re)achieved — it receives the live
	// connState directly rather than going through the command channel,
	// since calling back into Send from inside the dispatch goroutine
	// itself would deadlock waiting on a result only that same
	// goroutine could deliver.
	onOpen func(*connState)

	cmd    chan func(*connState)
	done   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// connState is the private, single-goroutine-owned mutable state of a
// Connection. Splitting it out from Connection keeps the exported type's
// method set free of anything that would tempt a caller to reach past
// the command channel.
type connState struct {
	transport Transport
	state     ConnectionState
	events    <-chan TransportEvent

	redirectsUsed  int
	reconnectsUsed int

	pendingLogin bool
}

// NewConnection builds a Connection. newTransport is called once per
// dial attempt (including reconnects and redirects) so every attempt
// gets a fresh Transport instance.
func NewConnection(newTransport func() Transport, url string, opts ConnectOptions, errorHandler ErrorHandler, logger *slog.Logger) *Connection {
	if errorHandler == nil {
		errorHandler = NewLogErrorHandler(logger)
	}
	if logger == nil {
		logger = slog.Default()
	}
	instanceID, err := uuid.NewV7()
	if err != nil {
		instanceID = uuid.New()
	}
	c := &Connection{
		id:           instanceID,
		newTransport: newTransport,
		opts:         opts.withDefaults(),
		errorHandler: errorHandler,
		logger:       logger,
		url:          url,
		handlers:     make(map[Topic]MessageHandler),
		cmd:          make(chan func(*connState), 16),
		done:         make(chan struct{}),
		closed:       make(chan struct{}),
	}
	return c
}

// OnMessage registers h to receive every message for topic, overwriting
// any previous registration. Coordinators (Event, Presence) each
// register for their own topic at construction time.
func (c *Connection) OnMessage(topic Topic, h MessageHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[topic] = h
}

// OnReconnected registers a hook invoked on the dispatch goroutine every
// time the connection reaches ConnectionStateOpen, including the first
// time and every reconnect after. Used by the Event and Presence
// coordinators to replay subscriptions. fn runs synchronously on the
// dispatch goroutine and must use sendDirect, never Send, to transmit
// anything. Every call adds an additional hook; all registered hooks run
// in registration order.
func (c *Connection) OnReconnected(fn func(*connState)) {
	prev := c.onOpen
	if prev == nil {
		c.onOpen = fn
		return
	}
	c.onOpen = func(s *connState) {
		prev(s)
		fn(s)
	}
}

// Start dials the transport and runs the dispatch loop until ctx is
// done or Close is called. It blocks until the connection and
// challenge handshake reach AWAIT_AUTHENTICATION (ready for Login) or
// fail permanently — it does not wait for Login to complete, since
// Login is ordinarily called only after Start returns.
func (c *Connection) Start(ctx context.Context) error {
	opened := make(chan error, 1)
	go c.loop(ctx, opened)
	return <-opened
}

// Send frames and transmits a message built from h and args on the
// dispatch goroutine, returning once it has been handed to the
// transport (not once the server has acknowledged it).
func (c *Connection) Send(ctx context.Context, h Header, args ...[]byte) error {
	b := NewMessageBuilder(h)
	for _, a := range args {
		b.AddArgument(a)
	}
	frame, err := b.Build()
	if err != nil {
		return err
	}

	result := make(chan error, 1)
	select {
	case c.cmd <- func(s *connState) {
		if s.state != ConnectionStateOpen && h.Topic != TopicConnection && h.Topic != TopicAuth {
			result <- newError(ErrorKindConnectionClosed, "connection is not open", nil)
			return
		}
		result <- c.sendFrame(s, frame)
	}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrConnectionClosed
	}
}

// sendDirect builds and transmits a message immediately against s,
// without going through the command channel. It exists for hooks that
// already run on the dispatch goroutine (see OnReconnected) — routing
// through Send from there would deadlock the goroutine waiting on
// itself.
func (c *Connection) sendDirect(s *connState, h Header, args ...[]byte) error {
	return c.sendFrame(s, mustBuild(h, args...))
}

// Login authenticates with authParams (an already-JSON-encoded
// credentials payload) and invokes cb exactly once with the result.
// A Login made while an earlier Login's callback is still pending is
// rejected immediately: cb is invoked with an error. Once the earlier
// callback has run, Login may be called again.
func (c *Connection) Login(authParams []byte, cb LoginCallback) {
	c.cmd <- func(s *connState) {
		if c.login != nil {
			if cb != nil {
				cb(nil, fmt.Errorf("deepstream: login already in progress"))
			}
			return
		}
		c.authParams = authParams
		c.login = cb
		s.pendingLogin = true
		if s.state == ConnectionStateAwaitAuthentication {
			c.sendAuthRequest(s)
		}
	}
}

// ID returns the connection's instance identifier, a UUIDv7 generated
// fresh for each Connection and stable across its reconnects and
// redirects. It is meant for correlating log lines, not for protocol
// use.
func (c *Connection) ID() uuid.UUID { return c.id }

// State returns the connection's current state. It is safe to call from
// any goroutine.
func (c *Connection) State() ConnectionState {
	result := make(chan ConnectionState, 1)
	select {
	case c.cmd <- func(s *connState) { result <- s.state }:
		return <-result
	case <-c.closed:
		return ConnectionStateClosed
	}
}

// Close shuts the connection down permanently. Safe to call more than
// once and from any goroutine.
func (c *Connection) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	<-c.closed
	return nil
}

func (c *Connection) loop(ctx context.Context, opened chan<- error) {
	defer close(c.closed)

	s := &connState{state: ConnectionStateClosed}
	firstOpen := opened

	if err := c.dial(ctx, s); err != nil {
		if firstOpen != nil {
			firstOpen <- err
			firstOpen = nil
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown(s)
			return

		case <-c.done:
			c.shutdown(s)
			return

		case fn := <-c.cmd:
			fn(s)
			if firstOpen != nil && (s.state == ConnectionStateAwaitAuthentication || s.state == ConnectionStateOpen) {
				firstOpen <- nil
				firstOpen = nil
			}

		case ev, ok := <-s.events:
			if !ok {
				continue
			}
			if ev.Err != nil {
				// Reconnect attempts continue in the background;
				// firstOpen, if still pending, is left for the
				// dial-error path inside handleTransportError.
				c.handleTransportError(ctx, s, ev.Err)
				if firstOpen != nil && s.state == ConnectionStateClosed {
					firstOpen <- newError(ErrorKindTransport, "initial connection failed", ev.Err)
					firstOpen = nil
				}
				continue
			}
			c.dispatchFrame(s, ev.Frame)
			if firstOpen != nil && (s.state == ConnectionStateAwaitAuthentication || s.state == ConnectionStateOpen) {
				firstOpen <- nil
				firstOpen = nil
			}
			if firstOpen != nil && s.state == ConnectionStateClosed {
				firstOpen <- ErrConnectionRejected
				firstOpen = nil
			}
		}
	}
}

func (c *Connection) shutdown(s *connState) {
	if s.transport != nil {
		s.transport.Close()
	}
	s.state = ConnectionStateClosed
	if c.login != nil {
		cb := c.login
		c.login = nil
		cb(nil, ErrConnectionClosed)
	}
}

func (c *Connection) dial(ctx context.Context, s *connState) error {
	t := c.newTransport()
	if err := t.Connect(ctx, c.url); err != nil {
		return fmt.Errorf("deepstream: connect to %s: %w", c.url, err)
	}
	s.transport = t
	s.events = t.Receive()
	s.state = ConnectionStateAwaitConnection
	return nil
}

func (c *Connection) sendFrame(s *connState, frame []byte) error {
	if err := s.transport.Send(context.Background(), frame); err != nil {
		return newError(ErrorKindTransport, "send failed", err)
	}
	return nil
}

func (c *Connection) dispatchFrame(s *connState, frame []byte) {
	result := Parse(frame)
	for _, perr := range result.Errors {
		c.errorHandler.HandleError(newError(ErrorKindParse, perr.Error(), perr))
	}
	for _, msg := range result.Messages {
		c.handleMessage(s, msg)
	}
}

func (c *Connection) handleMessage(s *connState, msg Message) {
	next := transitionIncoming(s.state, msg.Header)
	prev := s.state
	s.state = next

	switch {
	case msg.Header.Topic == TopicConnection && msg.Header.Action == ActionPing:
		c.sendFrame(s, mustBuild(Header{TopicConnection, ActionPong, false}))
		return

	case msg.Header.Topic == TopicConnection && msg.Header.Action == ActionChallenge:
		c.sendChallengeResponse(s)
		return

	case msg.Header.Topic == TopicConnection && msg.Header.Action == ActionRedirect:
		c.handleRedirect(s, msg)
		return

	case msg.Header.Topic == TopicConnection && msg.Header.Action == ActionReject:
		c.errorHandler.HandleError(newError(ErrorKindConnectionRejected, "server rejected connection", nil))
		return

	case msg.Header.Topic == TopicConnection && msg.Header.Action == ActionChallengeResponse && msg.Header.IsAck:
		// Credentials from an earlier Login are sent as soon as the
		// handshake (first or after a reconnect) is ready for them.
		if next == ConnectionStateAwaitAuthentication && s.pendingLogin {
			c.sendAuthRequest(s)
		}

	case msg.Header.Topic == TopicAuth && msg.Header.Action == ActionRequest && msg.Header.IsAck:
		c.completeLogin(msg.Arguments(), nil)

	case msg.Header.Topic == TopicAuth && msg.Header.Action == ActionErrorInvalidAuthData:
		c.completeLoginRetry(newError(ErrorKindAuthRejected, "invalid auth data", nil))

	case msg.Header.Topic == TopicAuth && msg.Header.Action == ActionErrorInvalidAuthMsg:
		c.completeLogin(nil, newError(ErrorKindAuthRejected, "invalid auth message", nil))

	case msg.Header.Topic == TopicAuth && msg.Header.Action == ActionErrorTooManyAuthAttempts:
		c.completeLogin(nil, newError(ErrorKindTooManyAuthAttempts, "too many authentication attempts", nil))
	}

	if prev != ConnectionStateOpen && next == ConnectionStateOpen {
		s.redirectsUsed = 0
		s.reconnectsUsed = 0
		if c.onOpen != nil {
			c.onOpen(s)
		}
	}

	c.handlersMu.RLock()
	h, ok := c.handlers[msg.Header.Topic]
	c.handlersMu.RUnlock()
	if ok {
		h(msg)
	}
}

func (c *Connection) sendChallengeResponse(s *connState) {
	s.state = transitionOutgoing(s.state, Header{TopicConnection, ActionChallengeResponse, false})
	c.sendFrame(s, mustBuild(Header{TopicConnection, ActionChallengeResponse, false}, []byte(c.url)))
}

func (c *Connection) sendAuthRequest(s *connState) {
	s.state = transitionOutgoing(s.state, Header{TopicAuth, ActionRequest, false})
	c.sendFrame(s, mustBuild(Header{TopicAuth, ActionRequest, false}, c.authParams))
}

func (c *Connection) completeLogin(userData []Buffer, err error) {
	if c.login == nil {
		return
	}
	cb := c.login
	c.login = nil
	var data []byte
	if len(userData) > 0 {
		data = userData[0]
	}
	cb(data, err)
}

// completeLoginRetry reports a retryable auth failure and hands it to the
// pending callback. The state is back at AWAIT_AUTHENTICATION, so a new
// Login call sends fresh credentials.
func (c *Connection) completeLoginRetry(err error) {
	if c.login == nil {
		return
	}
	c.errorHandler.HandleError(err)
	c.completeLogin(nil, err)
}

func (c *Connection) handleRedirect(s *connState, msg Message) {
	if s.redirectsUsed >= c.opts.MaxRedirects {
		c.errorHandler.HandleError(newError(ErrorKindTooManyRedirects, "exceeded redirect limit", nil))
		s.state = ConnectionStateClosed
		return
	}
	s.redirectsUsed++
	if msg.NumArguments() > 0 {
		c.url = string(msg.Argument(0))
	}
	if s.transport != nil {
		s.transport.Close()
	}
	if err := c.dial(context.Background(), s); err != nil {
		c.errorHandler.HandleError(newError(ErrorKindTransport, "redirect dial failed", err))
		s.state = ConnectionStateClosed
	}
}

func (c *Connection) handleTransportError(ctx context.Context, s *connState, transportErr error) {
	wasOpen := s.state == ConnectionStateOpen
	s.state = ConnectionStateReconnecting

	for {
		if s.reconnectsUsed >= c.opts.MaxReconnectAttempts {
			c.errorHandler.HandleError(newError(ErrorKindTooManyReconnectAttempts, "exceeded reconnect attempt limit", transportErr))
			s.state = ConnectionStateClosed
			return
		}
		s.reconnectsUsed++

		delay := time.Duration(s.reconnectsUsed) * 500 * time.Millisecond
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}

		if err := c.dial(ctx, s); err != nil {
			c.errorHandler.HandleError(newError(ErrorKindTransport, "reconnect attempt failed", err))
			continue
		}
		if wasOpen {
			c.logger.Info("deepstream reconnecting", "connection", c.id, "attempt", s.reconnectsUsed)
		}
		return
	}
}

func mustBuild(h Header, args ...[]byte) []byte {
	b := NewMessageBuilder(h)
	for _, a := range args {
		b.AddArgument(a)
	}
	frame, err := b.Build()
	if err != nil {
		// Every call site passes a header from headerTable with
		// arguments that never contain a separator byte, so this
		// cannot fail; a panic here means the header table itself
		// is wrong.
		panic(fmt.Sprintf("deepstream: internal message build failed: %v", err))
	}
	return frame
}
