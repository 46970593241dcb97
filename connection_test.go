package deepstream

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory Transport double. Frames handed to Send
// are forwarded to onSend (if set); frames pushed onto events arrive as
// if read off the wire. It lets tests script a minimal deepstream
// server without a real socket.
type fakeTransport struct {
	mu     sync.Mutex
	onSend func(frame []byte)
	events chan TransportEvent
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan TransportEvent, 32)}
}

func (f *fakeTransport) Connect(ctx context.Context, url string) error { return nil }

func (f *fakeTransport) Send(ctx context.Context, frame []byte) error {
	f.mu.Lock()
	fn := f.onSend
	f.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
	return nil
}

func (f *fakeTransport) Receive() <-chan TransportEvent { return f.events }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

// scriptedServer wires a fakeTransport to a handler that is invoked with
// every parsed incoming message (from the client's perspective, every
// frame it sent) and replies by pushing frames onto the transport's
// event stream.
func scriptedServer(t *testing.T, ft *fakeTransport, onMessage func(msg Message, reply func(h Header, args ...[]byte))) {
	t.Helper()
	reply := func(h Header, args ...[]byte) {
		ft.events <- TransportEvent{Frame: mustBuild(h, args...)}
	}

	ft.mu.Lock()
	ft.onSend = func(frame []byte) {
		result := Parse(frame)
		for _, msg := range result.Messages {
			onMessage(msg, reply)
		}
	}
	ft.mu.Unlock()
}

func defaultHandshakeServer(msg Message, reply func(h Header, args ...[]byte)) {
	switch {
	case msg.Header == (Header{TopicConnection, ActionChallengeResponse, false}):
		reply(Header{TopicConnection, ActionChallengeResponse, true})
	case msg.Header == (Header{TopicAuth, ActionRequest, false}):
		reply(Header{TopicAuth, ActionRequest, true}, []byte("clientdata"))
	}
}

func TestConnectionHandshakeReachesOpen(t *testing.T) {
	ft := newFakeTransport()
	scriptedServer(t, ft, defaultHandshakeServer)

	conn := NewConnection(func() Transport { return ft }, "ws://test", ConnectOptions{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The server sends CHALLENGE unprompted, as a real deepstream
	// server does immediately after accepting a connection.
	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicConnection, ActionChallenge, false})}

	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer conn.Close()

	if got := conn.State(); got != ConnectionStateAwaitAuthentication {
		t.Fatalf("state after challenge handshake = %v, want AWAIT_AUTHENTICATION", got)
	}

	loggedIn := make(chan error, 1)
	conn.Login([]byte(`{"username":"x"}`), func(clientData []byte, err error) {
		loggedIn <- err
	})

	select {
	case err := <-loggedIn:
		if err != nil {
			t.Fatalf("login callback error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login callback never fired")
	}

	if got := conn.State(); got != ConnectionStateOpen {
		t.Fatalf("state after login = %v, want OPEN", got)
	}
}

func TestConnectionLoginCallbackFiresOnClose(t *testing.T) {
	ft := newFakeTransport()
	scriptedServer(t, ft, func(msg Message, reply func(h Header, args ...[]byte)) {
		if msg.Header == (Header{TopicConnection, ActionChallengeResponse, false}) {
			reply(Header{TopicConnection, ActionChallengeResponse, true})
		}
		// Auth requests are deliberately left unanswered so Login
		// never completes on its own.
	})

	conn := NewConnection(func() Transport { return ft }, "ws://test", ConnectOptions{}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicConnection, ActionChallenge, false})}
	if err := conn.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	loggedIn := make(chan error, 1)
	conn.Login([]byte(`{}`), func(clientData []byte, err error) {
		loggedIn <- err
	})

	conn.Close()

	select {
	case err := <-loggedIn:
		if err != ErrConnectionClosed {
			t.Fatalf("login callback error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login callback never fired on close")
	}
}
