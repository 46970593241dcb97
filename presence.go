package deepstream

import (
	"context"
	"sync"
)

// PresenceCallback receives a join/leave notification for one user.
// isJoin is true for PNJ, false for PNL.
type PresenceCallback func(username string, isJoin bool)

// QueryCallback receives the result of a GetAll query: every currently
// connected, authenticated user.
type QueryCallback func(usernames []string)

// Presence is the PRESENCE-topic coordinator: global join/leave
// subscription plus one-shot GetAll queries. Grounded on
// original_source's core::Presence. The wire protocol carries no
// correlation ID between a U|Q|Q request and its U|Q response, so one
// response resolves every pending query, in the order GetAll was called.
type Presence struct {
	conn *Connection

	mu           sync.Mutex
	order        []SubscriptionID
	callbacks    map[SubscriptionID]PresenceCallback
	nextID       uint64
	pendingQuery []QueryCallback
	resendQueue  [][]byte
}

// NewPresence wires a Presence coordinator to conn. Callers typically
// obtain this through Client.Presence rather than constructing it
// directly.
func NewPresence(conn *Connection) *Presence {
	p := &Presence{
		conn:      conn,
		callbacks: make(map[SubscriptionID]PresenceCallback),
	}
	conn.OnMessage(TopicPresence, p.handleMessage)
	conn.OnReconnected(p.resync)
	return p
}

func (p *Presence) allocID() SubscriptionID {
	p.nextID++
	return SubscriptionID(p.nextID)
}

// Subscribe registers cb for every future join/leave notification. The
// first subscriber sends U|S; it is never re-sent for later
// subscribers (announce-once, same discipline as Event.Subscribe).
func (p *Presence) Subscribe(cb PresenceCallback) SubscriptionID {
	p.mu.Lock()
	id := p.allocID()
	p.order = append(p.order, id)
	p.callbacks[id] = cb
	announce := len(p.order) == 1
	p.mu.Unlock()

	if announce {
		p.sendOrQueue(Header{TopicPresence, ActionSubscribe, false})
	}
	return id
}

// Unsubscribe removes the subscription identified by id. The last
// removal sends U|US.
func (p *Presence) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	_, had := p.callbacks[id]
	p.removeLocked(id)
	empty := had && len(p.order) == 0
	p.mu.Unlock()

	if empty {
		p.sendOrQueue(Header{TopicPresence, ActionUnsubscribe, false})
	}
}

// UnsubscribeAll removes every join/leave subscriber and sends U|US,
// matching spec's no-arg unsubscribe() overload and
// original_source/src/core/presence.cpp:78-87.
func (p *Presence) UnsubscribeAll() {
	p.mu.Lock()
	hadSubscribers := len(p.order) > 0
	p.order = nil
	p.callbacks = make(map[SubscriptionID]PresenceCallback)
	p.mu.Unlock()

	if hadSubscribers {
		p.sendOrQueue(Header{TopicPresence, ActionUnsubscribe, false})
	}
}

func (p *Presence) removeLocked(id SubscriptionID) {
	if _, ok := p.callbacks[id]; !ok {
		return
	}
	delete(p.callbacks, id)
	for i, oid := range p.order {
		if oid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// GetAll asks the server for every currently connected user and invokes
// cb once with the result. A U|Q|Q request is only sent when no query
// is already in flight; callers that call GetAll while one is pending
// are queued and all resolved together from the single response that
// arrives, matching original_source's core::Presence (one request can
// serve many waiting callers).
func (p *Presence) GetAll(cb QueryCallback) {
	p.mu.Lock()
	sendRequest := len(p.pendingQuery) == 0
	p.pendingQuery = append(p.pendingQuery, cb)
	p.mu.Unlock()

	if sendRequest {
		p.sendOrQueue(Header{TopicPresence, ActionQuery, false}, []byte("Q"))
	}
}

func (p *Presence) sendOrQueue(h Header, args ...[]byte) error {
	err := p.conn.Send(context.Background(), h, args...)
	if err != nil {
		frame := mustBuild(h, args...)
		p.mu.Lock()
		p.resendQueue = append(p.resendQueue, frame)
		p.mu.Unlock()
	}
	return err
}

// resync runs synchronously on the dispatch goroutine (see
// Connection.OnReconnected) and so talks to s directly rather than
// through Connection.Send.
func (p *Presence) resync(s *connState) {
	p.mu.Lock()
	subscribed := len(p.order) > 0
	queue := p.resendQueue
	p.resendQueue = nil
	p.mu.Unlock()

	if subscribed {
		p.conn.sendDirect(s, Header{TopicPresence, ActionSubscribe, false})
	}

	for i, frame := range queue {
		if err := p.conn.sendFrame(s, frame); err != nil {
			p.mu.Lock()
			p.resendQueue = append(queue[i:], p.resendQueue...)
			p.mu.Unlock()
			return
		}
	}
}

func (p *Presence) handleMessage(msg Message) {
	switch msg.Header.Action {
	case ActionPresenceJoin:
		if msg.NumArguments() < 1 {
			return
		}
		p.notify(string(msg.Argument(0)), true)

	case ActionPresenceLeave:
		if msg.NumArguments() < 1 {
			return
		}
		p.notify(string(msg.Argument(0)), false)

	case ActionQuery:
		p.resolveQuery(msg)
	}
}

// notify snapshots the subscriber list in registration order before
// calling out, matching original_source/src/core/presence.cpp:130-135
// (which iterates the ordered subscribers_ list) rather than ranging an
// unordered container.
func (p *Presence) notify(username string, isJoin bool) {
	p.mu.Lock()
	cbs := make([]PresenceCallback, 0, len(p.order))
	for _, id := range p.order {
		cbs = append(cbs, p.callbacks[id])
	}
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(username, isJoin)
	}
}

func (p *Presence) resolveQuery(msg Message) {
	p.mu.Lock()
	pending := p.pendingQuery
	p.pendingQuery = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return
	}

	users := make([]string, msg.NumArguments())
	for i := 0; i < msg.NumArguments(); i++ {
		users[i] = string(msg.Argument(i))
	}
	for _, cb := range pending {
		cb(users)
	}
}
