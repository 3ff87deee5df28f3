package p2p

import (
	"encoding/json"
	"log/slog"
	"time"
)

// addressBatchLimit caps both the size of a get_addresses request and the
// number of addresses relayed in a single addresses message, so a single
// peer cannot force an unbounded Hosts Store dump onto the wire.
const addressBatchLimit = 1000

// addressRequestMinInterval bounds how often a single peer may successfully
// request an address sample; a peer that asks more often than this is
// throttled rather than served.
const addressRequestMinInterval = 30 * time.Second

// AddressProtocol implements peer-to-peer address exchange (PEX): it asks
// the peer for addresses once attached, answers get_addresses with a sample
// drawn from the Hosts Store, and stores any addresses the peer offers.
type AddressProtocol struct {
	ch     *Channel
	co     *Coordinator
	logger *slog.Logger

	relay      bool
	lastServed time.Time
}

// NewAddressProtocol constructs the address-gossip protocol. relay controls
// whether addresses received from this peer are stored (Settings.RelayTransactions
// gates this the same way it gates relay of other unsolicited peer data).
func NewAddressProtocol(co *Coordinator, relay bool) *AddressProtocol {
	return &AddressProtocol{co: co, logger: co.logger, relay: relay}
}

func (a *AddressProtocol) Attach(ch *Channel) {
	a.ch = ch
	msg, err := newGetAddressesMessage(addressBatchLimit)
	if err != nil {
		return
	}
	_ = ch.Send(msg)
}

func (a *AddressProtocol) HandleMessage(msg *Message) (bool, error) {
	switch msg.Type {
	case MsgTypeGetAddresses:
		var payload GetAddressesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return true, ErrBadStream
		}
		now := a.ch.clock.Now()
		if !a.lastServed.IsZero() && now.Sub(a.lastServed) < addressRequestMinInterval {
			return true, ErrPeerThrottling
		}
		a.lastServed = now

		limit := payload.Limit
		if limit <= 0 || limit > addressBatchLimit {
			limit = addressBatchLimit
		}
		ch := a.ch
		a.co.hosts.Sample(limit, func(sample AddressList) {
			out, err := newAddressesMessage(sample)
			if err != nil {
				ch.Stop(err)
				return
			}
			if err := ch.Send(out); err != nil {
				ch.Stop(err)
			}
		})
		return true, nil
	case MsgTypeAddresses:
		var payload AddressesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return true, ErrBadStream
		}
		if !a.relay {
			return true, nil
		}
		list := fromWireAddresses(payload.Addresses)
		if len(list) > addressBatchLimit {
			list = list[:addressBatchLimit]
		}
		a.co.hosts.StoreList(list, func(error) {})
		return true, nil
	default:
		return false, nil
	}
}

func (a *AddressProtocol) Stop(err error) {}
