package p2p

import (
	"log/slog"
	"sync"
)

// ConnectionRegistry is the bounded set of live channels. Mutations are
// serialized on reg.mu; store/remove/stop never run concurrently against
// each other, which is what closes the specification's documented
// post-stop registration hazard (§9 open question): stop sets a
// registry-local stopped flag synchronously, under the same lock every
// store call takes, so no store beginning after stop returns can complete.
type ConnectionRegistry struct {
	pool   *WorkerPool
	logger *slog.Logger
	limit  int

	mu       sync.Mutex
	byIP     map[string]*Channel
	stopped  bool
}

// NewConnectionRegistry constructs a registry bounded by limit.
func NewConnectionRegistry(pool *WorkerPool, limit int, logger *slog.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		pool:   pool,
		logger: logger,
		limit:  limit,
		byIP:   make(map[string]*Channel),
	}
}

// Exists reports whether a channel for addr's IP is currently registered.
func (r *ConnectionRegistry) Exists(addr Address, cb func(bool)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		_, ok := r.byIP[addr.IP.String()]
		r.mu.Unlock()
		cb(ok)
	})
}

// Store inserts ch, keyed by its remote IP. Fails with ErrAddressInUse if
// another channel from the same IP is already registered, or
// ErrResourceLimit if the registry is at capacity. Fails with
// ErrServiceStopped once Stop has been called.
func (r *ConnectionRegistry) Store(ch *Channel, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			cb(ErrServiceStopped)
			return
		}
		key := ch.RemoteAddress().IP.String()
		if _, exists := r.byIP[key]; exists {
			r.mu.Unlock()
			cb(ErrAddressInUse)
			return
		}
		if r.limit > 0 && len(r.byIP) >= r.limit {
			r.mu.Unlock()
			cb(ErrResourceLimit)
			return
		}
		r.byIP[key] = ch
		r.mu.Unlock()
		cb(nil)
	})
}

// Remove deletes ch if present.
func (r *ConnectionRegistry) Remove(ch *Channel, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		key := ch.RemoteAddress().IP.String()
		if current, ok := r.byIP[key]; ok && current == ch {
			delete(r.byIP, key)
		}
		r.mu.Unlock()
		cb(nil)
	})
}

// Count reports the current number of registered channels.
func (r *ConnectionRegistry) Count(cb func(int)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		n := len(r.byIP)
		r.mu.Unlock()
		cb(n)
	})
}

// Stop marks the registry stopped, refusing further Store calls, and stops
// every currently registered channel with code, then empties the set.
func (r *ConnectionRegistry) Stop(code error) {
	r.mu.Lock()
	r.stopped = true
	channels := make([]*Channel, 0, len(r.byIP))
	for _, ch := range r.byIP {
		channels = append(channels, ch)
	}
	r.byIP = make(map[string]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		ch.Stop(code)
	}
}
