package p2p

import (
	"context"
	"log/slog"
	"net"
)

// dial wraps net.Dialer with the coordinator's configured connect
// timeout, shared by every session that originates outbound connections.
func (co *Coordinator) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: co.settings.connectTimeout()}
	return dialer.DialContext(ctx, "tcp", address)
}

// startChannel wires a freshly constructed Channel through the version
// handshake and, on success, into the Connection Registry and the
// Subscriber, then attaches Ping and Address so the promoted channel keeps
// itself alive and gossips. done is invoked exactly once: nil once the
// channel is registered and relayed, or the error that ended the attempt
// (handshake failure, self-connection, registry rejection). It never
// receives the channel's later, post-promotion stop; callers that care use
// Channel.OnStop.
func (co *Coordinator) startChannel(ch *Channel, done func(*Channel, error)) {
	co.wireUnhandled(ch)
	version := NewVersionProtocol(co, func(err error) {
		if err != nil {
			ch.Stop(err)
			handshakeFailedTotal.Inc()
			done(ch, err)
			return
		}
		co.connections.Store(ch, func(err error) {
			if err != nil {
				ch.Stop(err)
				handshakeFailedTotal.Inc()
				done(ch, err)
				return
			}
			handshakeCompletedTotal.Inc()
			connectedPeers.Inc()
			ch.AttachProtocol(NewPingProtocol(co.logger))
			ch.AttachProtocol(NewAddressProtocol(co, co.settings.RelayTransactions))
			ch.OnStop(func(error) {
				connectedPeers.Dec()
				co.connections.Remove(ch, func(error) {})
			})
			co.subscriber.Relay(nil, ch)
			done(ch, nil)
		})
	})
	ch.AttachProtocol(version)
	ch.Start()
}

// startSeedChannel is startChannel's counterpart for Session Seed: the
// version handshake still runs, but the channel carries SeedProtocol
// instead of Ping/Address and is never registered or relayed, since a seed
// connection exists only to harvest addresses.
func (co *Coordinator) startSeedChannel(ch *Channel, done func()) {
	co.wireUnhandled(ch)
	version := NewVersionProtocol(co, func(err error) {
		if err != nil {
			ch.Stop(err)
			done()
			return
		}
		ch.AttachProtocol(NewSeedProtocol(co, done))
	})
	ch.AttachProtocol(version)
	ch.Start()
}

func (co *Coordinator) newLogger(component string) *slog.Logger {
	return co.logger.With(slog.String("component", component))
}
