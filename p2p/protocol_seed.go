package p2p

import (
	"encoding/json"
	"log/slog"
)

// SeedProtocol is attached to channels opened by Session Seed in place of
// Ping and Address. It requests the peer's address table once, stores
// whatever comes back, and closes the channel: a seed connection exists
// only to harvest addresses and is never kept alive.
type SeedProtocol struct {
	ch     *Channel
	co     *Coordinator
	logger *slog.Logger
	done   func()
}

// NewSeedProtocol constructs the seed-harvest protocol. done is invoked
// once the channel is stopped, successfully or not, so Session Seed can
// count this seed's dial as finished.
func NewSeedProtocol(co *Coordinator, done func()) *SeedProtocol {
	return &SeedProtocol{co: co, logger: co.logger, done: done}
}

func (s *SeedProtocol) Attach(ch *Channel) {
	s.ch = ch
	msg, err := newGetAddressesMessage(addressBatchLimit)
	if err != nil {
		ch.Stop(err)
		return
	}
	if err := ch.Send(msg); err != nil {
		ch.Stop(err)
	}
}

func (s *SeedProtocol) HandleMessage(msg *Message) (bool, error) {
	if msg.Type != MsgTypeAddresses {
		return false, nil
	}
	var payload AddressesPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return true, ErrBadStream
	}
	list := fromWireAddresses(payload.Addresses)
	s.co.hosts.StoreList(list, func(error) {
		s.logger.Debug("seed harvest complete", slog.Int("addresses", len(list)))
		s.ch.Stop(nil)
	})
	return true, nil
}

func (s *SeedProtocol) Stop(err error) {
	if s.done != nil {
		s.done()
	}
}
