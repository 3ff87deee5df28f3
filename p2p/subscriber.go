package p2p

import "sync"

// ChannelHandler receives each channel event relayed by the Coordinator:
// nil error for a newly promoted channel, or a non-nil error (typically
// ErrServiceStopped) once the subscription can no longer expect more.
type ChannelHandler func(err error, ch *Channel)

type subscription struct {
	id      uint64
	handler ChannelHandler
}

// Subscriber is the Coordinator's event bus. Each registered handler is
// invoked exactly once for the next relayed event, then dropped: Relay
// consumes the entire subscriber set the same way Stop does, so a caller
// that wants to hear about every promoted channel must resubscribe from
// inside its own handler. This matches the reference channel_subscriber,
// whose notify() drains its subscriber list on every invocation. The one
// documented race is subscribe-versus-stop: a Subscribe arriving
// concurrently with Stop must not be silently dropped forever: Stop takes
// mu, snapshots and clears the handler set, marks the bus stopped, and only
// then releases the lock; Subscribe checks the same flag under the same
// lock, so it either lands in the snapshot Stop is about to notify, or
// observes stopped and is handed ErrServiceStopped itself. Either way the
// callback is dispatched on the pool, so it may run after Stop has
// returned.
type Subscriber struct {
	pool *WorkerPool

	mu      sync.Mutex
	subs    map[uint64]*subscription
	nextID  uint64
	stopped bool
}

// NewSubscriber constructs an empty, running event bus.
func NewSubscriber(pool *WorkerPool) *Subscriber {
	return &Subscriber{pool: pool, subs: make(map[uint64]*subscription)}
}

// Subscribe registers handler and returns an id usable with Unsubscribe. If
// the bus has already stopped, handler is invoked once, asynchronously,
// with ErrServiceStopped, and the returned id is 0 (nothing to unsubscribe).
func (s *Subscriber) Subscribe(handler ChannelHandler) uint64 {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.pool.Dispatch(func() { handler(ErrServiceStopped, nil) })
		return 0
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = &subscription{id: id, handler: handler}
	s.mu.Unlock()
	return id
}

// Unsubscribe removes a subscription. A no-op if id is unknown or already
// removed, including by Stop.
func (s *Subscriber) Unsubscribe(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Relay delivers (err, ch) to every currently registered subscriber, then
// drops them: each handler is invoked exactly once per relayed event, not
// once per Subscribe. A handler wanting to hear about the next event too
// must call Subscribe again from within itself. Each handler runs on the
// worker pool, not on the caller's goroutine.
func (s *Subscriber) Relay(err error, ch *Channel) {
	s.mu.Lock()
	handlers := make([]ChannelHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		handlers = append(handlers, sub.handler)
	}
	s.subs = make(map[uint64]*subscription)
	s.mu.Unlock()
	for _, h := range handlers {
		h := h
		s.pool.Dispatch(func() { h(err, ch) })
	}
}

// Stop notifies every remaining subscriber with err exactly once and clears
// the subscriber set; every later Subscribe call observes stopped.
func (s *Subscriber) Stop(err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	handlers := make([]ChannelHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		handlers = append(handlers, sub.handler)
	}
	s.subs = make(map[uint64]*subscription)
	s.mu.Unlock()

	for _, h := range handlers {
		h := h
		s.pool.Dispatch(func() { h(err, nil) })
	}
}
