package p2p

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mlmikael/libbitcoin/p2p/seeds"
)

// Coordinator is the top-level binding of the Worker Pool, the three
// registries, the event bus, and the four sessions. It exposes the
// asynchronous, callback-completed operations a caller drives the network
// stack with: Start loads persisted state and seeds it if empty, Run opens
// the node up to outbound and inbound traffic, Stop tears connections down,
// and Close releases every remaining resource. All of it may be called at
// most once, in that order; calling out of order or twice returns
// ErrOperationFailed or ErrServiceStopped as appropriate rather than
// panicking.
type Coordinator struct {
	settings Settings
	logger   *slog.Logger

	pool        *WorkerPool
	hosts       *HostsStore
	connections *ConnectionRegistry
	pending     *PendingRegistry
	subscriber  *Subscriber
	messages    *MessageBus

	manual   *ManualSession
	seed     *SeedSession
	outbound *OutboundSession
	inbound  *InboundSession

	seedRegistry *seeds.Registry
	seedResolver seeds.Resolver

	height atomic.Uint64

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener

	started bool
	running bool
	stopped bool
	closed  bool
}

// Option configures a Coordinator at construction.
type Option func(*Coordinator)

// WithClock overrides the pool's clock, for deterministic tests.
func WithClock(clk clock.Clock) Option {
	return func(co *Coordinator) { co.pool = NewWorkerPool(co.logger, clk) }
}

// WithSeedRegistry attaches a governance-signed seed registry consulted by
// Session Seed in addition to Settings.Seeds.
func WithSeedRegistry(reg *seeds.Registry, resolver seeds.Resolver) Option {
	return func(co *Coordinator) {
		co.seedRegistry = reg
		co.seedResolver = resolver
	}
}

// New constructs a Coordinator. The only goroutine it starts is the Pending
// Registry's janitor; call Start then Run to bring the network stack up.
func New(settings Settings, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	co := &Coordinator{
		settings: settings,
		logger:   logger,
		pool:     NewWorkerPool(logger, nil),
	}
	for _, opt := range opts {
		opt(co)
	}

	hosts, err := NewHostsStore(co.pool, settings, logger)
	if err != nil {
		return nil, err
	}
	co.hosts = hosts
	co.connections = NewConnectionRegistry(co.pool, settings.ConnectionLimit, logger)
	co.pending = NewPendingRegistry(co.pool, logger)
	co.subscriber = NewSubscriber(co.pool)
	co.messages = NewMessageBus(co.pool)

	co.manual = newManualSession(co)
	co.seed = newSeedSession(co)
	co.outbound = newOutboundSession(co)
	co.inbound = newInboundSession(co)

	if co.seedResolver == nil {
		co.seedResolver = seeds.DefaultResolver()
	}

	co.ctx, co.cancel = context.WithCancel(context.Background())
	return co, nil
}

// Height reports the coordinator's advertised chain height, sent in every
// outbound version message.
func (co *Coordinator) Height() uint64 {
	return co.height.Load()
}

// SetHeight updates the advertised chain height.
func (co *Coordinator) SetHeight(h uint64) {
	co.height.Store(h)
}

// Start spawns the worker pool, loads the Hosts Store, and runs Session
// Seed if and only if the store loaded empty. cb receives the outcome.
func (co *Coordinator) Start(cb func(error)) {
	if co.started {
		cb(ErrOperationFailed)
		return
	}
	co.started = true
	co.pool.Spawn(co.settings.threads(), "high")

	co.hosts.Load(func(err error) {
		if err != nil {
			cb(err)
			return
		}
		co.hosts.Count(func(n int) {
			if n > 0 {
				cb(nil)
				return
			}
			co.seed.Run(co.ctx, func(harvested int) {
				co.logger.Info("seeding complete", slog.Int("addresses", harvested))
				co.hosts.Count(func(n int) {
					if n == 0 {
						cb(ErrPeerThrottling)
						return
					}
					cb(nil)
				})
			})
		})
	})
}

// Run starts Session Outbound (maintaining OutboundConnections slots) and,
// if InboundPort is non-zero and the connection limit leaves room beyond the
// outbound slots, Session Inbound's listener. Session Manual has no startup
// step of its own — Connect dials on demand — so it is already reachable
// once Start has completed, before Run is ever called.
func (co *Coordinator) Run(cb func(error)) {
	if !co.started || co.running || co.stopped {
		cb(ErrOperationFailed)
		return
	}
	co.running = true

	if co.settings.InboundPort != 0 && co.settings.ConnectionLimit > co.settings.OutboundConnections {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", co.settings.InboundPort))
		if err != nil {
			cb(err)
			return
		}
		co.listener = listener
		go co.inbound.Serve(co.ctx, listener)
	}

	co.outbound.Run(co.ctx)
	cb(nil)
}

// Connect issues a manual, user-requested outbound connection, subject to
// Settings.ManualRetryLimit. Reachable as soon as Start has completed —
// Session Manual dials on demand and does not wait for Run. cb is optional.
func (co *Coordinator) Connect(host string, port uint16, cb func(*Channel, error)) {
	if cb == nil {
		cb = func(*Channel, error) {}
	}
	if !co.started || co.stopped {
		cb(nil, ErrOperationFailed)
		return
	}
	co.manual.Connect(co.ctx, net.JoinHostPort(host, fmt.Sprintf("%d", port)), cb)
}

// Subscribe registers handler for the next promoted channel, or the
// coordinator's stop event, whichever comes first; like the underlying
// Subscriber, delivery consumes the registration, so a handler that wants
// to hear about every promotion must call Subscribe again from within
// itself.
func (co *Coordinator) Subscribe(handler ChannelHandler) uint64 {
	return co.subscriber.Subscribe(handler)
}

// Unsubscribe cancels a prior Subscribe.
func (co *Coordinator) Unsubscribe(id uint64) {
	co.subscriber.Unsubscribe(id)
}

// SubscribeMessages registers handler for every wire message, on any
// channel, that none of that channel's attached protocols claim — the
// relay-to-subscribers path required for message types outside
// version/verack/ping/pong/get_addresses/addresses. Unlike Subscribe,
// registration is persistent: handler keeps receiving messages until
// UnsubscribeMessages is called.
func (co *Coordinator) SubscribeMessages(handler MessageHandler) uint64 {
	return co.messages.Subscribe(handler)
}

// UnsubscribeMessages cancels a prior SubscribeMessages.
func (co *Coordinator) UnsubscribeMessages(id uint64) {
	co.messages.Unsubscribe(id)
}

// wireUnhandled arranges for ch's messages that no attached protocol claims
// to be relayed through the coordinator's MessageBus. Every session calls
// this right after constructing a channel.
func (co *Coordinator) wireUnhandled(ch *Channel) {
	ch.SetUnhandledHandler(func(msg *Message) { co.messages.Publish(ch, msg) })
}

// relay is available to protocols and sessions that need to publish a
// channel event outside the ordinary handshake-completion path.
func (co *Coordinator) relay(err error, ch *Channel) {
	co.subscriber.Relay(err, ch)
}

// Connected reports whether addr already has a registered channel.
func (co *Coordinator) Connected(addr Address, cb func(bool)) {
	co.connections.Exists(addr, cb)
}

// StoreChannel and RemoveChannel expose the Connection Registry directly,
// for callers (tests, alternative sessions) that construct channels outside
// the ordinary session paths.
func (co *Coordinator) StoreChannel(ch *Channel, cb func(error)) {
	co.connections.Store(ch, cb)
}

func (co *Coordinator) RemoveChannel(ch *Channel, cb func(error)) {
	co.connections.Remove(ch, cb)
}

// ConnectedCount reports the current number of registered channels.
func (co *Coordinator) ConnectedCount(cb func(int)) {
	co.connections.Count(cb)
}

// FetchAddress draws one candidate address from the Hosts Store.
func (co *Coordinator) FetchAddress(cb func(Address, error)) {
	co.hosts.Fetch(cb)
}

// StoreAddress and RemoveAddress expose the Hosts Store directly.
func (co *Coordinator) StoreAddress(addr Address, cb func(error)) {
	co.hosts.Store(addr, cb)
}

func (co *Coordinator) RemoveAddress(addr Address, cb func(error)) {
	co.hosts.Remove(addr, cb)
}

// StoreAddresses stores a batch, as delivered by an Addresses message.
func (co *Coordinator) StoreAddresses(list AddressList, cb func(error)) {
	co.hosts.StoreList(list, cb)
}

// AddressCount reports the current size of the Hosts Store.
func (co *Coordinator) AddressCount(cb func(int)) {
	co.hosts.Count(cb)
}

// Pend, Unpend, Pent, and PentCount are direct passthroughs to the Pending
// Registry, exposed on the coordinator because the reference implementation
// exposes them there rather than making callers reach into a registry.
func (co *Coordinator) Pend(nonce uint64, ch *Channel, cb func(error)) {
	co.pending.Store(nonce, ch, cb)
}

func (co *Coordinator) Unpend(nonce uint64, cb func(error)) {
	co.pending.Remove(nonce, cb)
}

func (co *Coordinator) Pent(nonce uint64, cb func(bool)) {
	co.pending.Exists(nonce, cb)
}

func (co *Coordinator) PentCount(cb func(int)) {
	co.pending.Count(cb)
}

// Stop closes the inbound listener, stops every session and registered
// channel, notifies subscribers, and persists the Hosts Store. Afterward the
// Connection Registry refuses further Store calls; the worker pool and the
// Pending Registry janitor keep running until Close releases them.
func (co *Coordinator) Stop(cb func(error)) {
	if co.stopped {
		cb(ErrServiceStopped)
		return
	}
	co.stopped = true
	co.cancel()

	if co.listener != nil {
		_ = co.listener.Close()
	}
	co.connections.Stop(ErrServiceStopped)
	co.subscriber.Stop(ErrServiceStopped)

	saveErr := make(chan error, 1)
	co.hosts.Save(func(err error) { saveErr <- err })
	go func() {
		var err error
		select {
		case err = <-saveErr:
		case <-time.After(5 * time.Second):
			err = ErrOperationFailed
		}
		cb(err)
	}()
}

// Close stops the Pending Registry janitor and shuts the worker pool down.
// Safe to call once, after Stop; calling it without a prior Stop runs Stop
// first (closing every channel, notifying subscribers, saving the Hosts
// Store) and returns Stop's error.
func (co *Coordinator) Close() error {
	if co.closed {
		return ErrServiceStopped
	}
	co.closed = true
	var err error
	if !co.stopped {
		done := make(chan error, 1)
		co.Stop(func(e error) { done <- e })
		err = <-done
	}

	co.pending.Close()
	co.pool.Shutdown()
	co.pool.Join()
	return err
}

func (s Settings) threads() int {
	if s.Threads <= 0 {
		return 1
	}
	return s.Threads
}

// seedAddresses collects Settings.Seeds together with any addresses
// resolved from an attached seed registry.
func (co *Coordinator) seedAddresses(ctx context.Context) []string {
	out := append([]string(nil), co.settings.Seeds...)
	if co.seedRegistry == nil {
		return out
	}
	resolved, err := co.seedRegistry.Resolve(ctx, co.pool.Now(), co.seedResolver, co.settings.Identifier)
	if err != nil {
		co.logger.Warn("seed registry resolve failed", slog.Any("error", err))
		return out
	}
	for _, r := range resolved {
		out = append(out, r.Address)
	}
	return out
}
