package p2p

import "sync"

// MessageHandler receives a wire message not claimed by any of the
// channel's own protocols, together with the channel it arrived on.
type MessageHandler func(ch *Channel, msg *Message)

// MessageBus relays unhandled wire messages (any type outside
// version/verack/ping/pong/get_addresses/addresses) to interested
// subscribers, per §4.9's "relayed to subscribers unchanged." Unlike
// Subscriber, registration here is not one-shot: a caller subscribes once
// and keeps receiving every unhandled message on every channel until it
// unsubscribes, since a message stream (as opposed to a single promotion
// event) has no natural single delivery to consume.
type MessageBus struct {
	pool *WorkerPool

	mu     sync.Mutex
	subs   map[uint64]MessageHandler
	nextID uint64
}

// NewMessageBus constructs an empty message bus.
func NewMessageBus(pool *WorkerPool) *MessageBus {
	return &MessageBus{pool: pool, subs: make(map[uint64]MessageHandler)}
}

// Subscribe registers handler for every future unhandled message and
// returns an id usable with Unsubscribe.
func (b *MessageBus) Subscribe(handler MessageHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[id] = handler
	return id
}

// Unsubscribe removes a subscription. A no-op if id is unknown.
func (b *MessageBus) Unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Publish delivers msg, unchanged, to every current subscriber, each on its
// own worker pool dispatch so a slow subscriber cannot stall the channel's
// read loop.
func (b *MessageBus) Publish(ch *Channel, msg *Message) {
	b.mu.Lock()
	handlers := make([]MessageHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h := h
		b.pool.Dispatch(func() { h(ch, msg) })
	}
}
