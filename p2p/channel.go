package p2p

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ChannelState is the position of a Channel in its Germinating -> Handshaking
// -> Active -> Stopped lifecycle (§4.5).
type ChannelState int

const (
	ChannelGerminating ChannelState = iota
	ChannelHandshaking
	ChannelActive
	ChannelStopped
)

func (s ChannelState) String() string {
	switch s {
	case ChannelGerminating:
		return "germinating"
	case ChannelHandshaking:
		return "handshaking"
	case ChannelActive:
		return "active"
	case ChannelStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Protocol is a per-channel state machine attached after the channel is
// constructed. Version is always attached first; Ping/Address/Seed attach
// once Version promotes the channel (Seed sessions attach Seed instead of
// Address).
type Protocol interface {
	// Attach wires the protocol to its channel and begins its own work
	// (e.g. Version sends its version message immediately).
	Attach(ch *Channel)
	// HandleMessage is offered each message received on the channel, in
	// wire order, until the channel stops. Protocols are tried in attach
	// order: returning handled=true claims the message and later protocols
	// do not see it; false passes it on. Protocols return an error to
	// request the channel be torn down (e.g. a ping/pong mismatch).
	HandleMessage(msg *Message) (handled bool, err error)
	// Stop notifies the protocol the channel has stopped, exactly once.
	Stop(err error)
}

// Channel represents one live peer connection: framed transport plus
// per-peer state, timers, and attached protocols.
type Channel struct {
	id       string
	conn     net.Conn
	reader   *bufio.Reader
	pool     *WorkerPool
	clock    clock.Clock
	logger   *slog.Logger
	settings Settings

	inbound  bool
	dialAddr string
	remote   Address

	outbound chan *Message

	mu           sync.RWMutex
	state        ChannelState
	version      uint32
	services     uint64
	peerHeight   uint64
	nonce        uint64
	lastActivity time.Time
	promotedAt   time.Time

	protocols   []Protocol
	onHeartbeat func()
	onRevival   func()
	onUnhandled func(*Message)

	germinationTimer *clock.Timer
	handshakeTimer   *clock.Timer
	heartbeatTimer   *clock.Timer
	inactivityTimer  *clock.Timer
	expirationTimer  *clock.Timer
	revivalTimer     *clock.Timer

	stopOnce     sync.Once
	stopped      chan struct{}
	stopErr      error
	stopHandlers []func(error)
	stopMu       sync.Mutex
}

// NewChannel wraps conn. inbound distinguishes accepted sockets (Session
// Inbound) from dialed ones (every other session). dialAddr is the address
// that was dialed, when known, used for logging and for Hosts Store removal
// on dial failure.
func NewChannel(conn net.Conn, inbound bool, dialAddr string, pool *WorkerPool, settings Settings, logger *slog.Logger) *Channel {
	ch := &Channel{
		id:       uuid.NewString(),
		conn:     conn,
		reader:   bufio.NewReader(conn),
		pool:     pool,
		clock:    pool.clock,
		logger:   logger,
		settings: settings,
		inbound:  inbound,
		dialAddr: dialAddr,
		outbound: make(chan *Message, 64),
		state:    ChannelGerminating,
		stopped:  make(chan struct{}),
	}
	if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			ch.remote = Address{IP: ip}
		}
	}
	return ch
}

// ID returns the channel's internal identifier, used only for logging.
func (c *Channel) ID() string { return c.id }

// Inbound reports whether this channel was accepted rather than dialed.
func (c *Channel) Inbound() bool { return c.inbound }

// RemoteAddress returns the peer endpoint.
func (c *Channel) RemoteAddress() Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remote
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Nonce returns the locally-generated handshake nonce Version registered in
// the Pending Registry.
func (c *Channel) Nonce() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nonce
}

// SetNonce records the nonce Version generated for this channel.
func (c *Channel) SetNonce(n uint64) {
	c.mu.Lock()
	c.nonce = n
	c.mu.Unlock()
}

// PeerHeight and SetPeerHeight/SetPeerServices record the handshake-reported
// height/services, written once by Version under the "not thread safe
// until handshake completes" discipline the original protocol base class
// documents for peer_version.
func (c *Channel) PeerHeight() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peerHeight
}

func (c *Channel) SetPeerHeight(h uint64) {
	c.mu.Lock()
	c.peerHeight = h
	c.mu.Unlock()
}

func (c *Channel) SetPeerServices(s uint64) {
	c.mu.Lock()
	c.services = s
	c.mu.Unlock()
}

// AttachProtocol adds a protocol to the channel's dispatch set and starts it.
func (c *Channel) AttachProtocol(p Protocol) {
	c.mu.Lock()
	c.protocols = append(c.protocols, p)
	c.mu.Unlock()
	p.Attach(c)
}

// Start arms the germination timer and launches the read/write loops. The
// caller must have attached at least the Version protocol (or Seed, inside a
// seed session) before or immediately after calling Start.
func (c *Channel) Start() {
	c.armGermination()
	go c.readLoop()
	go c.writeLoop()
}

// Send enqueues msg for delivery. Returns ErrChannelStopped if the channel
// has already stopped, or ErrChannelDropped if the outbound queue is
// saturated (the peer is not draining fast enough to keep up).
func (c *Channel) Send(msg *Message) error {
	select {
	case <-c.stopped:
		return ErrChannelStopped
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.stopped:
		return ErrChannelStopped
	default:
		return ErrChannelDropped
	}
}

// OnStop registers handler to be invoked exactly once when the channel
// stops, carrying the stop reason. If the channel has already stopped,
// handler runs (via the pool) immediately.
func (c *Channel) OnStop(handler func(error)) {
	c.stopMu.Lock()
	select {
	case <-c.stopped:
		err := c.stopErr
		c.stopMu.Unlock()
		c.pool.Dispatch(func() { handler(err) })
		return
	default:
	}
	c.stopHandlers = append(c.stopHandlers, handler)
	c.stopMu.Unlock()
}

// Stop tears the channel down exactly once: cancels every timer, closes the
// transport, notifies every attached protocol, and runs every registered
// stop handler, all with the given reason. Protocols are notified after the
// one-time teardown has finished, so a protocol whose Stop leads back into
// Channel.Stop returns at once instead of blocking.
func (c *Channel) Stop(err error) {
	if err == nil {
		err = ErrChannelStopped
	}
	stopping := false
	c.stopOnce.Do(func() {
		stopping = true
		c.mu.Lock()
		c.state = ChannelStopped
		c.mu.Unlock()

		c.pool.CancelTimer(c.germinationTimer)
		c.pool.CancelTimer(c.handshakeTimer)
		c.pool.CancelTimer(c.heartbeatTimer)
		c.pool.CancelTimer(c.inactivityTimer)
		c.pool.CancelTimer(c.expirationTimer)
		c.pool.CancelTimer(c.revivalTimer)

		_ = c.conn.Close()
		close(c.outbound)

		c.stopErr = err
		close(c.stopped)
	})
	if !stopping {
		return
	}

	c.mu.RLock()
	protocols := append([]Protocol(nil), c.protocols...)
	c.mu.RUnlock()
	for _, p := range protocols {
		p.Stop(err)
	}

	c.stopMu.Lock()
	handlers := c.stopHandlers
	c.stopHandlers = nil
	c.stopMu.Unlock()
	for _, h := range handlers {
		h := h
		c.pool.Dispatch(func() { h(err) })
	}
}

// Promote moves the channel from Handshaking to Active, disarming the
// handshake timer and arming the heartbeat/inactivity/expiration/revival
// timers. Called by the Version protocol exactly once on handshake success.
func (c *Channel) Promote() {
	c.mu.Lock()
	if c.state != ChannelHandshaking {
		c.mu.Unlock()
		return
	}
	c.state = ChannelActive
	c.promotedAt = c.clock.Now()
	c.lastActivity = c.clock.Now()
	c.mu.Unlock()

	c.pool.CancelTimer(c.handshakeTimer)
	c.armHeartbeat()
	c.armInactivity()
	c.armExpiration()
	c.armRevival()
}

func (c *Channel) armGermination() {
	if c.settings.germinationTimeout() <= 0 {
		return
	}
	c.germinationTimer = c.pool.AfterFunc(c.settings.germinationTimeout(), func() {
		if c.State() == ChannelGerminating {
			c.Stop(ErrChannelTimeout)
		}
	})
}

// beginHandshake transitions Germinating -> Handshaking on first byte
// received and arms the handshake timeout.
func (c *Channel) beginHandshake() {
	c.mu.Lock()
	if c.state != ChannelGerminating {
		c.mu.Unlock()
		return
	}
	c.state = ChannelHandshaking
	c.mu.Unlock()

	c.pool.CancelTimer(c.germinationTimer)
	if c.settings.handshakeTimeout() <= 0 {
		return
	}
	c.handshakeTimer = c.pool.AfterFunc(c.settings.handshakeTimeout(), func() {
		if c.State() == ChannelHandshaking {
			c.Stop(ErrChannelTimeout)
		}
	})
}

func (c *Channel) armHeartbeat() {
	if c.settings.heartbeatInterval() <= 0 {
		return
	}
	c.heartbeatTimer = c.pool.AfterFunc(c.settings.heartbeatInterval(), func() {
		if c.State() != ChannelActive {
			return
		}
		c.heartbeatFired()
		c.armHeartbeat()
	})
}

func (c *Channel) armInactivity() {
	if c.settings.inactivityTimeout() <= 0 {
		return
	}
	c.inactivityTimer = c.pool.AfterFunc(c.settings.inactivityTimeout(), func() {
		c.mu.RLock()
		last := c.lastActivity
		c.mu.RUnlock()
		if c.clock.Now().Sub(last) >= c.settings.inactivityTimeout() {
			c.Stop(ErrChannelTimeout)
			return
		}
		c.armInactivity()
	})
}

func (c *Channel) armExpiration() {
	if c.settings.expirationTimeout() <= 0 {
		return
	}
	c.expirationTimer = c.pool.AfterFunc(c.settings.expirationTimeout(), func() {
		if c.State() == ChannelActive {
			c.Stop(ErrChannelDropped)
		}
	})
}

func (c *Channel) armRevival() {
	if c.settings.revivalInterval() <= 0 {
		return
	}
	c.revivalTimer = c.pool.AfterFunc(c.settings.revivalInterval(), func() {
		if c.State() != ChannelActive {
			return
		}
		c.revivalFired()
		c.armRevival()
	})
}

// heartbeatFired/revivalFired fire on the channel's own timers, which exist
// to guarantee a beat even if nothing else drives one. PingProtocol sets
// onHeartbeat/onRevival from Attach; a channel with no Ping protocol
// attached simply has nothing to call.
func (c *Channel) heartbeatFired() {
	c.mu.RLock()
	fn := c.onHeartbeat
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (c *Channel) revivalFired() {
	c.mu.RLock()
	fn := c.onRevival
	c.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// SetHeartbeatHandler registers the callback invoked each time the
// channel's heartbeat timer fires while Active.
func (c *Channel) SetHeartbeatHandler(fn func()) {
	c.mu.Lock()
	c.onHeartbeat = fn
	c.mu.Unlock()
}

// SetRevivalHandler registers the callback invoked each time the channel's
// revival timer fires while Active.
func (c *Channel) SetRevivalHandler(fn func()) {
	c.mu.Lock()
	c.onRevival = fn
	c.mu.Unlock()
}

// SetUnhandledHandler registers the callback invoked, in dispatch order,
// with every wire message that none of the channel's attached protocols
// claimed. Per §4.9, any message type outside version/verack/ping/pong/
// get_addresses/addresses is relayed unchanged rather than dropped.
func (c *Channel) SetUnhandledHandler(fn func(*Message)) {
	c.mu.Lock()
	c.onUnhandled = fn
	c.mu.Unlock()
}

// touch records inbound message activity and resets the inactivity timer's
// effective deadline check. Only meaningful while Active, per §4.5.
func (c *Channel) touch() {
	c.mu.Lock()
	if c.state == ChannelActive {
		c.lastActivity = c.clock.Now()
	}
	c.mu.Unlock()
}

func (c *Channel) readLoop() {
	first := true
	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("channel read error", slog.String("channel", c.id), slog.Any("error", err))
			}
			c.Stop(ErrChannelDropped)
			return
		}
		if first {
			first = false
			c.beginHandshake()
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.Stop(ErrBadStream)
			return
		}
		c.touch()
		c.dispatch(&msg)
	}
}

func (c *Channel) dispatch(msg *Message) {
	c.mu.RLock()
	protocols := append([]Protocol(nil), c.protocols...)
	onUnhandled := c.onUnhandled
	c.mu.RUnlock()
	for _, p := range protocols {
		handled, err := p.HandleMessage(msg)
		if err != nil {
			c.Stop(err)
			return
		}
		if handled {
			return
		}
	}
	if onUnhandled != nil {
		onUnhandled(msg)
	}
}

func (c *Channel) writeLoop() {
	for msg := range c.outbound {
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		data = append(data, '\n')
		if _, err := c.conn.Write(data); err != nil {
			c.Stop(ErrChannelDropped)
			return
		}
	}
}
