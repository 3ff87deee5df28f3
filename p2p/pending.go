package p2p

import (
	"container/list"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	pendingRegistryTTL             = 15 * time.Minute
	pendingRegistryJanitorInterval = time.Minute
)

type pendingEntry struct {
	nonce  uint64
	ch     *Channel
	expiry time.Time
}

// PendingRegistry is keyed by 64-bit handshake nonce. Every outbound dial
// registers its locally-generated nonce for the duration of its handshake;
// an inbound channel whose peer-advertised nonce is found here is the local
// node connecting to itself, and is dropped with ErrAcceptFailed. Entries
// are TTL-bound and swept by a background janitor so a channel that never
// calls Unpend (a bug, or a crash mid-handshake) cannot leak forever.
type PendingRegistry struct {
	pool   *WorkerPool
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List

	janitorStop chan struct{}
	stopOnce    sync.Once
	janitorWG   sync.WaitGroup

	size    prometheus.Gauge
	expired prometheus.Counter
}

// NewPendingRegistry constructs a Pending Registry and starts its janitor.
func NewPendingRegistry(pool *WorkerPool, logger *slog.Logger) *PendingRegistry {
	r := &PendingRegistry{
		pool:        pool,
		clock:       pool.clock,
		logger:      logger,
		entries:     make(map[uint64]*list.Element),
		order:       list.New(),
		janitorStop: make(chan struct{}),
		size:        pendingRegistrySize,
		expired:     pendingRegistryExpired,
	}
	r.janitorWG.Add(1)
	go r.runJanitor()
	return r
}

// Exists reports whether nonce is currently pending.
func (r *PendingRegistry) Exists(nonce uint64, cb func(bool)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		_, ok := r.entries[nonce]
		r.mu.Unlock()
		cb(ok)
	})
}

// Store registers ch under nonce for the handshake duration.
func (r *PendingRegistry) Store(nonce uint64, ch *Channel, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		if _, exists := r.entries[nonce]; exists {
			r.mu.Unlock()
			cb(ErrAddressInUse)
			return
		}
		entry := &pendingEntry{nonce: nonce, ch: ch, expiry: r.clock.Now().Add(pendingRegistryTTL)}
		elem := r.order.PushFront(entry)
		r.entries[nonce] = elem
		r.size.Set(float64(len(r.entries)))
		r.mu.Unlock()
		cb(nil)
	})
}

// Remove unregisters nonce, on handshake completion (success or failure).
func (r *PendingRegistry) Remove(nonce uint64, cb func(error)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		if elem, ok := r.entries[nonce]; ok {
			r.order.Remove(elem)
			delete(r.entries, nonce)
			r.size.Set(float64(len(r.entries)))
		}
		r.mu.Unlock()
		cb(nil)
	})
}

// Count reports the number of currently pending nonces.
func (r *PendingRegistry) Count(cb func(int)) {
	r.pool.Dispatch(func() {
		r.mu.Lock()
		n := len(r.entries)
		r.mu.Unlock()
		cb(n)
	})
}

func (r *PendingRegistry) runJanitor() {
	defer r.janitorWG.Done()
	ticker := r.clock.Ticker(pendingRegistryJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.janitorStop:
			return
		}
	}
}

func (r *PendingRegistry) sweep() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		elem := r.order.Back()
		if elem == nil {
			break
		}
		entry := elem.Value.(*pendingEntry)
		if now.Before(entry.expiry) {
			break
		}
		r.order.Remove(elem)
		delete(r.entries, entry.nonce)
		r.expired.Inc()
	}
	r.size.Set(float64(len(r.entries)))
}

// Close stops the janitor goroutine. Called by the Coordinator's Close.
func (r *PendingRegistry) Close() {
	r.stopOnce.Do(func() {
		close(r.janitorStop)
		r.janitorWG.Wait()
	})
}
