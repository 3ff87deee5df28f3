package p2p

import "time"

// Settings is the immutable configuration supplied at Coordinator
// construction. It is never mutated after being handed to New.
type Settings struct {
	// Threads sizes the Worker Pool.
	Threads int
	// Identifier is the network magic word distinguishing incompatible
	// networks at the wire-protocol level.
	Identifier uint32
	// InboundPort is the listen port for Session Inbound. Zero disables
	// listening.
	InboundPort uint16

	// ConnectionLimit bounds the Connection Registry.
	ConnectionLimit int
	// OutboundConnections is the number of outbound slots Session Outbound
	// maintains.
	OutboundConnections int
	// ManualRetryLimit bounds Session Manual's per-target dial retries.
	ManualRetryLimit int

	// ConnectBatchSize is the parallel-dial fan-out per outbound slot.
	ConnectBatchSize int
	// ConnectTimeoutSeconds bounds a single dial attempt.
	ConnectTimeoutSeconds int

	ChannelHandshakeSeconds int
	ChannelHeartbeatMinutes int
	ChannelInactivityMinutes int
	ChannelExpirationMinutes int
	ChannelGerminationSeconds int
	ChannelRevivalMinutes    int

	HostPoolCapacity  int
	RelayTransactions bool

	HostsFile string
	DebugFile string
	ErrorFile string

	Self       Address
	Blacklists []string
	Seeds      []string
}

func (s Settings) connectTimeout() time.Duration {
	return time.Duration(s.ConnectTimeoutSeconds) * time.Second
}

func (s Settings) handshakeTimeout() time.Duration {
	return time.Duration(s.ChannelHandshakeSeconds) * time.Second
}

func (s Settings) germinationTimeout() time.Duration {
	return time.Duration(s.ChannelGerminationSeconds) * time.Second
}

func (s Settings) heartbeatInterval() time.Duration {
	return time.Duration(s.ChannelHeartbeatMinutes) * time.Minute
}

func (s Settings) inactivityTimeout() time.Duration {
	return time.Duration(s.ChannelInactivityMinutes) * time.Minute
}

func (s Settings) expirationTimeout() time.Duration {
	return time.Duration(s.ChannelExpirationMinutes) * time.Minute
}

func (s Settings) revivalInterval() time.Duration {
	return time.Duration(s.ChannelRevivalMinutes) * time.Minute
}

// Mainnet and Testnet are canonical presets differing only in Identifier,
// InboundPort, and Seeds, matching the mainnet/testnet settings construction
// in the reference network::p2p implementation field-for-field.
var (
	Mainnet = Settings{
		Threads:                   4,
		Identifier:                0xd9b4bef9,
		InboundPort:               8333,
		ConnectionLimit:           256,
		OutboundConnections:       8,
		ManualRetryLimit:          0,
		ConnectBatchSize:          5,
		ConnectTimeoutSeconds:     5,
		ChannelHandshakeSeconds:   30,
		ChannelHeartbeatMinutes:   1,
		ChannelInactivityMinutes:  10,
		ChannelExpirationMinutes:  60,
		ChannelGerminationSeconds: 30,
		ChannelRevivalMinutes:     15,
		HostPoolCapacity:          1000,
		RelayTransactions:         true,
		HostsFile:                "hosts.cache",
		DebugFile:                "debug.log",
		ErrorFile:                "error.log",
		Seeds: []string{
			"seed.example-mainnet.org:8333",
		},
	}

	Testnet = Settings{
		Threads:                   4,
		Identifier:                0x0709110b,
		InboundPort:               18333,
		ConnectionLimit:           256,
		OutboundConnections:       8,
		ManualRetryLimit:          0,
		ConnectBatchSize:          5,
		ConnectTimeoutSeconds:     5,
		ChannelHandshakeSeconds:   30,
		ChannelHeartbeatMinutes:   1,
		ChannelInactivityMinutes:  10,
		ChannelExpirationMinutes:  60,
		ChannelGerminationSeconds: 30,
		ChannelRevivalMinutes:     15,
		HostPoolCapacity:          1000,
		RelayTransactions:         true,
		HostsFile:                "hosts.cache",
		DebugFile:                "debug.log",
		ErrorFile:                "error.log",
		Seeds: []string{
			"seed.example-testnet.org:18333",
		},
	}
)

// SeedOrigin records where a configured seed came from (static config or a
// resolved DNS/governance registry entry). No session or log line in this
// package uses it.
type SeedOrigin struct {
	NodeID    string
	Address   string
	Source    string
	NotBefore int64
	NotAfter  int64
}
