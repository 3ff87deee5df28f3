package p2p

import (
	"encoding/json"
	"time"
)

// Message is the generic framed unit exchanged between two channels. The
// wire codec for payload contents beyond what the version/verack/ping/pong/
// get_addresses/addresses messages below need is out of scope: any other
// message type is handed to subscribers unmodified.
type Message struct {
	Type    byte   `json:"type"`
	Payload []byte `json:"payload"`
}

// Message type identifiers for the messages this core consumes directly.
// Any byte value outside this set is relayed to subscribers unchanged.
const (
	MsgTypeVersion      byte = 0x01
	MsgTypeVerack       byte = 0x02
	MsgTypePing         byte = 0x03
	MsgTypePong         byte = 0x04
	MsgTypeGetAddresses byte = 0x05
	MsgTypeAddresses    byte = 0x06
)

// VersionPayload is the handshake message: current height, the node's own
// advertised address, a services bitmask, and a locally-generated 64-bit
// nonce used for self-connection detection via the Pending Registry.
type VersionPayload struct {
	Identifier uint32 `json:"identifier"`
	Height     uint64 `json:"height"`
	Services   uint64 `json:"services"`
	Self       string `json:"self"`
	Nonce      uint64 `json:"nonce"`
}

// PingPayload and PongPayload implement the heartbeat protocol.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// GetAddressesPayload requests a sample of the peer's known hosts.
type GetAddressesPayload struct {
	Limit int `json:"limit"`
}

// wireAddress is the JSON-wire form of Address; Address itself carries a
// net.IP which needs explicit (de)serialization.
type wireAddress struct {
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	Services uint64 `json:"services"`
	LastSeen int64  `json:"lastSeen"`
}

// AddressesPayload carries a bulk address exchange, capped at 1000 entries
// per §4.6 Address.
type AddressesPayload struct {
	Addresses []wireAddress `json:"addresses"`
}

func toWireAddresses(list AddressList) []wireAddress {
	out := make([]wireAddress, 0, len(list))
	for _, a := range list {
		out = append(out, wireAddress{IP: a.IP.String(), Port: a.Port, Services: a.Services, LastSeen: a.LastSeen.Unix()})
	}
	return out
}

func fromWireAddresses(in []wireAddress) AddressList {
	out := make(AddressList, 0, len(in))
	for _, w := range in {
		out = append(out, Address{IP: parseStoredIP(w.IP), Port: w.Port, Services: w.Services, LastSeen: unixToTime(w.LastSeen)})
	}
	return out
}

func newVersionMessage(p VersionPayload) (*Message, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeVersion, Payload: data}, nil
}

func newVerackMessage() *Message {
	return &Message{Type: MsgTypeVerack}
}

func newPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	data, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePing, Payload: data}, nil
}

func newPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	data, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePong, Payload: data}, nil
}

func newGetAddressesMessage(limit int) (*Message, error) {
	data, err := json.Marshal(GetAddressesPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeGetAddresses, Payload: data}, nil
}

func newAddressesMessage(list AddressList) (*Message, error) {
	data, err := json.Marshal(AddressesPayload{Addresses: toWireAddresses(list)})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeAddresses, Payload: data}, nil
}
