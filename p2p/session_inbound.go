package p2p

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/mlmikael/libbitcoin/observability/logging"
)

// InboundSession accepts connections on the configured listener up to
// Settings.ConnectionLimit, rejecting a duplicate-IP or blacklisted peer
// before it is ever handed a Version protocol.
type InboundSession struct {
	co     *Coordinator
	logger *slog.Logger
}

func newInboundSession(co *Coordinator) *InboundSession {
	return &InboundSession{co: co, logger: co.newLogger("session.inbound")}
}

// Serve accepts connections until ctx is cancelled or the listener errors.
func (in *InboundSession) Serve(ctx context.Context, listener net.Listener) {
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			in.logger.Warn("accept failed", slog.Any("error", err))
			continue
		}
		go in.handle(conn)
	}
}

func (in *InboundSession) handle(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return
	}
	ip := net.ParseIP(host)
	addr := Address{IP: ip}

	rules, err := parseBlacklist(in.co.settings.Blacklists)
	if err == nil && blacklisted(rules, addr) {
		in.logger.Debug("rejecting blacklisted inbound peer", logging.MaskField("ip", host))
		acceptFailedTotal.Inc()
		_ = conn.Close()
		return
	}

	in.co.connections.Exists(addr, func(exists bool) {
		if exists {
			_ = conn.Close()
			return
		}
		in.co.connections.Count(func(n int) {
			if in.co.settings.ConnectionLimit > 0 && n >= in.co.settings.ConnectionLimit {
				acceptFailedTotal.Inc()
				_ = conn.Close()
				return
			}
			ch := NewChannel(conn, true, "", in.co.pool, in.co.settings, in.logger)
			in.co.startChannel(ch, func(*Channel, error) {})
		})
	})
}
