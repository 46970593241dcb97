package deepstream

import (
	"context"
	"testing"
	"time"
)

// openClient dials ft through a Client, completing a trivial handshake
// and login so Event/Presence tests can focus on their own topic.
func openClient(t *testing.T, ft *fakeTransport, extra func(msg Message, reply func(h Header, args ...[]byte))) *Client {
	t.Helper()

	scriptedServer(t, ft, func(msg Message, reply func(h Header, args ...[]byte)) {
		defaultHandshakeServer(msg, reply)
		if extra != nil {
			extra(msg, reply)
		}
	})

	client := New(func() Transport { return ft }, "ws://test", Options{})
	// The dispatch loop runs until ctx is done, so ctx must outlive this
	// helper and is cancelled only when the test ends.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicConnection, ActionChallenge, false})}
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	loggedIn := make(chan error, 1)
	client.Login([]byte(`{}`), func(clientData []byte, err error) { loggedIn <- err })
	select {
	case err := <-loggedIn:
		if err != nil {
			t.Fatalf("login failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login never completed")
	}

	return client
}

func TestEventSubscribeAnnounceOnceAndReceivesEvent(t *testing.T) {
	ft := newFakeTransport()
	var subscribeCount int

	client := openClient(t, ft, func(msg Message, reply func(h Header, args ...[]byte)) {
		if msg.Header == (Header{TopicEvent, ActionSubscribe, false}) {
			subscribeCount++
		}
	})
	defer client.Close()

	received := make(chan []byte, 4)
	client.Event().Subscribe("news", func(data []byte) { received <- data })
	client.Event().Subscribe("news", func(data []byte) { received <- data })

	// The event arrives only after both subscribers are registered.
	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicEvent, ActionEvent, false}, []byte("news"), EncodeString("hello"))}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("event never delivered to both subscribers")
		}
	}

	if subscribeCount != 1 {
		t.Errorf("server saw %d E|S announcements, want exactly 1 (announce-once)", subscribeCount)
	}
}

func TestEventUnsubscribeLastRemoverSendsUS(t *testing.T) {
	ft := newFakeTransport()
	unsub := make(chan struct{}, 1)

	client := openClient(t, ft, func(msg Message, reply func(h Header, args ...[]byte)) {
		if msg.Header == (Header{TopicEvent, ActionUnsubscribe, false}) {
			select {
			case unsub <- struct{}{}:
			default:
			}
		}
	})
	defer client.Close()

	id1 := client.Event().Subscribe("news", func([]byte) {})
	id2 := client.Event().Subscribe("news", func([]byte) {})

	client.Event().Unsubscribe("news", id1)
	select {
	case <-unsub:
		t.Fatal("E|US sent before the last subscriber unsubscribed")
	case <-time.After(200 * time.Millisecond):
	}

	client.Event().Unsubscribe("news", id2)
	select {
	case <-unsub:
	case <-time.After(2 * time.Second):
		t.Fatal("E|US never sent after the last subscriber unsubscribed")
	}
}

func TestEventSubscribeDispatchesInRegistrationOrder(t *testing.T) {
	ft := newFakeTransport()

	client := openClient(t, ft, nil)
	defer client.Close()

	const subscribers = 8
	order := make(chan int, subscribers)
	for i := 0; i < subscribers; i++ {
		i := i
		client.Event().Subscribe("news", func([]byte) { order <- i })
	}

	// The event arrives only after every subscriber is registered.
	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicEvent, ActionEvent, false}, []byte("news"), EncodeString("hello"))}

	for i := 0; i < subscribers; i++ {
		select {
		case got := <-order:
			if got != i {
				t.Fatalf("dispatch order[%d] = %d, want %d (registration order)", i, got, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("event never delivered to all subscribers")
		}
	}
}

func TestEventUnsubscribeAllRemovesEveryCallbackAndSendsUS(t *testing.T) {
	ft := newFakeTransport()
	unsub := make(chan struct{}, 1)

	client := openClient(t, ft, func(msg Message, reply func(h Header, args ...[]byte)) {
		if msg.Header == (Header{TopicEvent, ActionUnsubscribe, false}) {
			select {
			case unsub <- struct{}{}:
			default:
			}
		}
	})
	defer client.Close()

	fired := make(chan struct{}, 2)
	client.Event().Subscribe("news", func([]byte) { fired <- struct{}{} })
	client.Event().Subscribe("news", func([]byte) { fired <- struct{}{} })

	client.Event().UnsubscribeAll("news")
	select {
	case <-unsub:
	case <-time.After(2 * time.Second):
		t.Fatal("E|US never sent after UnsubscribeAll")
	}

	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicEvent, ActionEvent, false}, []byte("news"), EncodeString("hello"))}
	select {
	case <-fired:
		t.Error("a callback fired after UnsubscribeAll removed every subscriber")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventListenAcceptsAndRejectsMatches(t *testing.T) {
	ft := newFakeTransport()
	responses := make(chan Message, 4)

	client := openClient(t, ft, func(msg Message, reply func(h Header, args ...[]byte)) {
		if msg.Header.Topic == TopicEvent && (msg.Header.Action == ActionListenAccept || msg.Header.Action == ActionListenReject) {
			responses <- msg
		}
	})
	defer client.Close()

	client.Event().Listen("news/.*", func(match string, isSubscribed bool) bool {
		return match == "news/sports"
	})

	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicEvent, ActionSubscriptionForPatternFound, false}, []byte("news/.*"), []byte("news/sports"))}
	ft.events <- TransportEvent{Frame: mustBuild(Header{TopicEvent, ActionSubscriptionForPatternFound, false}, []byte("news/.*"), []byte("news/weather"))}

	var gotAccept, gotReject bool
	for i := 0; i < 2; i++ {
		select {
		case msg := <-responses:
			if msg.Header.Action == ActionListenAccept {
				gotAccept = true
			}
			if msg.Header.Action == ActionListenReject {
				gotReject = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("listen response never sent")
		}
	}
	if !gotAccept || !gotReject {
		t.Errorf("gotAccept=%v gotReject=%v, want both true", gotAccept, gotReject)
	}
}
