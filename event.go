package deepstream

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscriptionID identifies one Subscribe, Listen call. IDs are
// monotonically increasing and never reused, even after Unsubscribe —
// original_source hands these out as raw integers and relies on the
// same guarantee so a stale ID can never silently alias a later
// subscription.
type SubscriptionID uint64

// EventCallback receives the payload published to a subscribed event
// name.
type EventCallback func(data []byte)

// ListenCallback is invoked when a client subscribes to (accept=true
// case) or unsubscribes from (accept=false was never sent, this is a
// removal notice) a name matching a registered pattern. Returning true
// tells the server to route matching publishes through this client.
type ListenCallback func(match string, isSubscribed bool) bool

// eventSubscription holds the callbacks registered for one event name, in
// registration order — spec §3 models this as name → ordered list of
// SubscriptionId, and original_source/src/core/event.cpp:238-247 dispatches
// by copying and ranging its ordered SubscriberList rather than any
// unordered container, so dispatch order matches subscribe order even
// though lookup by id also needs to be fast.
type eventSubscription struct {
	order     []SubscriptionID
	callbacks map[SubscriptionID]EventCallback
}

func newEventSubscription() *eventSubscription {
	return &eventSubscription{callbacks: make(map[SubscriptionID]EventCallback)}
}

func (s *eventSubscription) add(id SubscriptionID, cb EventCallback) {
	s.order = append(s.order, id)
	s.callbacks[id] = cb
}

func (s *eventSubscription) remove(id SubscriptionID) {
	if _, ok := s.callbacks[id]; !ok {
		return
	}
	delete(s.callbacks, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *eventSubscription) len() int { return len(s.order) }

// snapshot returns the callbacks in registration order, safe to range
// over after releasing the lock even if a callback unsubscribes or
// resubscribes mid-dispatch.
func (s *eventSubscription) snapshot() []EventCallback {
	cbs := make([]EventCallback, 0, len(s.order))
	for _, id := range s.order {
		cbs = append(cbs, s.callbacks[id])
	}
	return cbs
}

type listenRegistration struct {
	id SubscriptionID
	cb ListenCallback
}

// Event is the EVENT-topic coordinator: subscribe/unsubscribe,
// listen/unlisten for pattern providers, and emit. It is grounded on
// original_source's core::Event, translated from shared_ptr-keyed
// callback storage into a monotonic-ID-keyed, registration-ordered
// eventSubscription, which gives the same "a callback stays valid even
// if it removes itself mid-dispatch" property without refcounting.
type Event struct {
	conn *Connection

	mu            sync.Mutex
	subscriptions map[string]*eventSubscription
	listeners     map[string]listenRegistration
	nextID        uint64
	resendQueue   [][]byte
}

// NewEvent wires an Event coordinator to conn, registering itself as the
// TopicEvent message handler and reconnect-resync hook. Callers
// typically obtain this through Client.Event rather than constructing it
// directly.
func NewEvent(conn *Connection) *Event {
	e := &Event{
		conn:          conn,
		subscriptions: make(map[string]*eventSubscription),
		listeners:     make(map[string]listenRegistration),
	}
	conn.OnMessage(TopicEvent, e.handleMessage)
	conn.OnReconnected(e.resync)
	return e
}

func (e *Event) allocID() SubscriptionID {
	return SubscriptionID(atomic.AddUint64(&e.nextID, 1))
}

// Subscribe registers cb to be called with every payload published to
// name. The first subscriber for a name triggers an E|S announcement to
// the server; later subscribers for the same name do not (announce-once
// semantics, spec.md §4.6).
func (e *Event) Subscribe(name string, cb EventCallback) SubscriptionID {
	e.mu.Lock()
	id := e.allocID()
	sub, ok := e.subscriptions[name]
	if !ok {
		sub = newEventSubscription()
		e.subscriptions[name] = sub
	}
	sub.add(id, cb)
	announce := sub.len() == 1
	e.mu.Unlock()

	if announce {
		e.sendOrQueue(Header{TopicEvent, ActionSubscribe, false}, []byte(name))
	}
	return id
}

// Unsubscribe removes the subscription identified by id. The last
// subscriber removed for a name triggers an E|US announcement.
func (e *Event) Unsubscribe(name string, id SubscriptionID) {
	e.mu.Lock()
	sub, ok := e.subscriptions[name]
	if !ok {
		e.mu.Unlock()
		return
	}
	sub.remove(id)
	empty := sub.len() == 0
	if empty {
		delete(e.subscriptions, name)
	}
	e.mu.Unlock()

	if empty {
		e.sendOrQueue(Header{TopicEvent, ActionUnsubscribe, false}, []byte(name))
	}
}

// UnsubscribeAll removes every callback subscribed to name and sends
// E|US, matching spec's unsubscribe(name) overload and
// original_source/src/core/event.cpp:93-116.
func (e *Event) UnsubscribeAll(name string) {
	e.mu.Lock()
	_, ok := e.subscriptions[name]
	delete(e.subscriptions, name)
	e.mu.Unlock()

	if ok {
		e.sendOrQueue(Header{TopicEvent, ActionUnsubscribe, false}, []byte(name))
	}
}

// Listen registers cb as the provider callback for every subscribed
// name matching pattern. Only one listener may be active per pattern at
// a time, matching original_source (a second Listen on the same pattern
// replaces the first).
func (e *Event) Listen(pattern string, cb ListenCallback) SubscriptionID {
	e.mu.Lock()
	id := e.allocID()
	e.listeners[pattern] = listenRegistration{id: id, cb: cb}
	e.mu.Unlock()

	e.sendOrQueue(Header{TopicEvent, ActionListen, false}, []byte(pattern))
	return id
}

// Unlisten removes the listener registered for pattern.
func (e *Event) Unlisten(pattern string) {
	e.mu.Lock()
	_, ok := e.listeners[pattern]
	delete(e.listeners, pattern)
	e.mu.Unlock()

	if ok {
		e.sendOrQueue(Header{TopicEvent, ActionUnlisten, false}, []byte(pattern))
	}
}

// Emit publishes data under name.
func (e *Event) Emit(name string, data []byte) error {
	return e.sendOrQueue(Header{TopicEvent, ActionEvent, false}, []byte(name), data)
}

// sendOrQueue attempts an immediate send; a failure (connection not yet
// open, or the transport rejecting the write) enqueues the frame for
// replay once the connection reopens, preserving FIFO order with
// anything already queued.
func (e *Event) sendOrQueue(h Header, args ...[]byte) error {
	err := e.conn.Send(context.Background(), h, args...)
	if err != nil {
		frame := mustBuild(h, args...)
		e.mu.Lock()
		e.resendQueue = append(e.resendQueue, frame)
		e.mu.Unlock()
	}
	return err
}

// resync replays every active subscription and listener after a
// reconnect, then flushes the resend queue in order, halting at the
// first failed send so later entries stay queued rather than arriving
// out of order after a gap (spec.md §4.6). It runs synchronously on the
// dispatch goroutine (see Connection.OnReconnected) and so talks to s
// directly rather than through Connection.Send.
func (e *Event) resync(s *connState) {
	e.mu.Lock()
	names := make([]string, 0, len(e.subscriptions))
	for name := range e.subscriptions {
		names = append(names, name)
	}
	patterns := make([]string, 0, len(e.listeners))
	for p := range e.listeners {
		patterns = append(patterns, p)
	}
	queue := e.resendQueue
	e.resendQueue = nil
	e.mu.Unlock()

	for _, name := range names {
		e.conn.sendDirect(s, Header{TopicEvent, ActionSubscribe, false}, []byte(name))
	}
	for _, p := range patterns {
		e.conn.sendDirect(s, Header{TopicEvent, ActionListen, false}, []byte(p))
	}

	for i, frame := range queue {
		if err := e.conn.sendFrame(s, frame); err != nil {
			e.mu.Lock()
			e.resendQueue = append(queue[i:], e.resendQueue...)
			e.mu.Unlock()
			return
		}
	}
}

func (e *Event) handleMessage(msg Message) {
	switch msg.Header.Action {
	case ActionEvent:
		if msg.NumArguments() < 2 {
			return
		}
		name := string(msg.Argument(0))
		data := msg.Argument(1)

		e.mu.Lock()
		sub, ok := e.subscriptions[name]
		var cbs []EventCallback
		if ok {
			// Snapshot in registration order before iterating, so a
			// callback that calls Unsubscribe on itself (or Subscribe
			// again) mid-dispatch never mutates what we are ranging
			// over, and dispatch order matches the subscriber-id list
			// order at the moment dispatch began.
			cbs = sub.snapshot()
		}
		e.mu.Unlock()

		payload := append([]byte(nil), data...)
		for _, cb := range cbs {
			cb(payload)
		}

	case ActionSubscriptionForPatternFound:
		e.handlePatternNotice(msg, true)

	case ActionSubscriptionForPatternRemoved:
		e.handlePatternNotice(msg, false)
	}
}

func (e *Event) handlePatternNotice(msg Message, isSubscribed bool) {
	if msg.NumArguments() < 2 {
		return
	}
	pattern := string(msg.Argument(0))
	match := string(msg.Argument(1))

	e.mu.Lock()
	reg, ok := e.listeners[pattern]
	e.mu.Unlock()
	if !ok {
		return
	}

	accept := reg.cb(match, isSubscribed)
	if !isSubscribed {
		return
	}
	action := ActionListenReject
	if accept {
		action = ActionListenAccept
	}
	// This runs on the dispatch goroutine, which Send waits on, so the
	// reply is sent from a separate goroutine.
	go e.conn.Send(context.Background(), Header{TopicEvent, action, false}, []byte(pattern), []byte(match))
}
