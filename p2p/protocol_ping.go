package p2p

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// PingProtocol drives the heartbeat. It sends a ping with a fresh nonce each
// time the channel's heartbeat timer fires, and expects a matching pong
// before the next ping is due; a mismatched pong, or a pong still
// outstanding when the next ping is due, stops the channel with
// ErrChannelTimeout.
// It also answers pings received from the peer.
type PingProtocol struct {
	ch     *Channel
	logger *slog.Logger

	mu        sync.Mutex
	lastNonce uint64
	awaiting  bool
}

func NewPingProtocol(logger *slog.Logger) *PingProtocol {
	return &PingProtocol{logger: logger}
}

func (p *PingProtocol) Attach(ch *Channel) {
	p.ch = ch
	ch.SetHeartbeatHandler(p.sendPing)
	ch.SetRevivalHandler(p.sendPing)
}

func (p *PingProtocol) sendPing() {
	nonce := randomNonce()
	p.mu.Lock()
	if p.awaiting {
		p.mu.Unlock()
		p.ch.Stop(ErrChannelTimeout)
		return
	}
	p.lastNonce = nonce
	p.awaiting = true
	p.mu.Unlock()

	msg, err := newPingMessage(nonce, p.ch.clock.Now())
	if err != nil {
		p.ch.Stop(err)
		return
	}
	if err := p.ch.Send(msg); err != nil {
		p.ch.Stop(err)
	}
}

func (p *PingProtocol) HandleMessage(msg *Message) (bool, error) {
	switch msg.Type {
	case MsgTypePing:
		var payload PingPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return true, ErrBadStream
		}
		pong, err := newPongMessage(payload.Nonce, p.ch.clock.Now())
		if err != nil {
			return true, err
		}
		return true, p.ch.Send(pong)
	case MsgTypePong:
		var payload PongPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return true, ErrBadStream
		}
		p.mu.Lock()
		matched := p.awaiting && payload.Nonce == p.lastNonce
		if matched {
			p.awaiting = false
		}
		p.mu.Unlock()
		if !matched {
			return true, ErrChannelTimeout
		}
		return true, nil
	default:
		return false, nil
	}
}

func (p *PingProtocol) Stop(err error) {}
