package p2p

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"log/slog"
)

// VersionProtocol is the first protocol attached to every channel. It must
// complete within settings.ChannelHandshakeSeconds (enforced by the
// channel's own handshake timer, not by this protocol). It sends a version
// message carrying the coordinator's current height, its advertised self
// address, a services bitmask, and a fresh 64-bit nonce; an outbound
// channel's nonce is registered in the Pending Registry for the duration of
// the handshake, an inbound channel's is not. It awaits the peer's version
// then verack, and rejects any peer whose advertised nonce is found in
// Pending (a self-connection) — only possible when the local nonce that
// comes back belongs to one of this node's own outbound dials.
type VersionProtocol struct {
	ch     *Channel
	co     *Coordinator
	logger *slog.Logger

	nonce uint64

	gotVersion bool
	gotVerack  bool

	onComplete func(error)
	doneOnce   bool
}

// NewVersionProtocol constructs the handshake protocol. onComplete is
// invoked exactly once: nil once version+verack have both been exchanged
// and the peer did not turn out to be ourselves, or an error if the
// handshake fails (including self-connection, which fails with
// ErrAcceptFailed).
func NewVersionProtocol(co *Coordinator, onComplete func(error)) *VersionProtocol {
	return &VersionProtocol{co: co, logger: co.logger, onComplete: onComplete}
}

func (v *VersionProtocol) Attach(ch *Channel) {
	v.ch = ch
	v.nonce = randomNonce()
	ch.SetNonce(v.nonce)

	sendVersion := func(err error) {
		if err != nil {
			v.finish(err)
			return
		}
		payload := VersionPayload{
			Identifier: v.co.settings.Identifier,
			Height:     v.co.Height(),
			Services:   0,
			Self:       v.co.settings.Self.String(),
			Nonce:      v.nonce,
		}
		msg, err := newVersionMessage(payload)
		if err != nil {
			v.finish(err)
			return
		}
		if err := ch.Send(msg); err != nil {
			v.finish(err)
		}
	}

	// Only an outbound dial's nonce goes into Pending: it is the side that
	// can later see its own nonce come back from an inbound accept and
	// detect a self-connection. Registering an inbound channel's nonce too
	// would make the outbound side's own self-check (in HandleMessage,
	// below) match against a stranger's nonce and reject a legitimate peer.
	if ch.Inbound() {
		v.co.pool.Dispatch(func() { sendVersion(nil) })
		return
	}
	v.co.pending.Store(v.nonce, ch, sendVersion)
}

func (v *VersionProtocol) HandleMessage(msg *Message) (bool, error) {
	switch msg.Type {
	case MsgTypeVersion:
		var payload VersionPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return true, ErrBadStream
		}
		if payload.Identifier != v.co.settings.Identifier {
			return true, ErrAcceptFailed
		}
		v.co.pending.Exists(payload.Nonce, func(exists bool) {
			if exists {
				v.co.logger.Debug("rejecting self-connection", slog.Uint64("nonce", payload.Nonce))
				v.finish(ErrAcceptFailed)
				v.ch.Stop(ErrAcceptFailed)
				return
			}
			v.ch.SetPeerHeight(payload.Height)
			v.ch.SetPeerServices(payload.Services)
			v.gotVersion = true
			if err := v.ch.Send(newVerackMessage()); err != nil {
				v.finish(err)
				return
			}
			v.maybeComplete()
		})
		return true, nil

	case MsgTypeVerack:
		v.gotVerack = true
		v.maybeComplete()
		return true, nil
	default:
		return false, nil
	}
}

func (v *VersionProtocol) maybeComplete() {
	if v.gotVersion && v.gotVerack {
		v.ch.Promote()
		v.finish(nil)
	}
}

func (v *VersionProtocol) finish(err error) {
	if v.doneOnce {
		return
	}
	v.doneOnce = true
	v.co.pending.Remove(v.nonce, func(error) {})
	if v.onComplete != nil {
		v.onComplete(err)
	}
}

func (v *VersionProtocol) Stop(err error) {
	v.finish(err)
}

func randomNonce() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}
