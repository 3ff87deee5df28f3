package p2p

import (
	"context"
	"log/slog"
	"time"

	"github.com/mlmikael/libbitcoin/observability/logging"
)

// ManualSession backs the Coordinator's Connect API: user-requested,
// one-off outbound connections, each retried independently up to
// Settings.ManualRetryLimit (zero means retry indefinitely, matching the
// reference session_manual's treatment of a zero retry count) with a fixed
// backoff between attempts.
type ManualSession struct {
	co     *Coordinator
	logger *slog.Logger
}

func newManualSession(co *Coordinator) *ManualSession {
	return &ManualSession{co: co, logger: co.newLogger("session.manual")}
}

const manualRetryBackoff = 2 * time.Second

// Connect dials host:port, retrying on failure per Settings.ManualRetryLimit.
// cb is invoked exactly once: with the promoted channel on success, or the
// final attempt's error once retries are exhausted.
func (m *ManualSession) Connect(ctx context.Context, address string, cb func(*Channel, error)) {
	go m.attempt(ctx, address, 0, cb)
}

func (m *ManualSession) attempt(ctx context.Context, address string, tries int, cb func(*Channel, error)) {
	select {
	case <-ctx.Done():
		cb(nil, ErrServiceStopped)
		return
	default:
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.co.settings.connectTimeout())
	conn, err := m.co.dial(dialCtx, address)
	cancel()
	if err != nil {
		m.logger.Debug("manual dial failed", logging.MaskField("address", address), slog.Any("error", err))
		dialFailedTotal.Inc()
		if m.co.settings.ManualRetryLimit > 0 && tries >= m.co.settings.ManualRetryLimit {
			cb(nil, err)
			return
		}
		select {
		case <-ctx.Done():
			cb(nil, ErrServiceStopped)
		case <-m.co.pool.clock.After(manualRetryBackoff):
			m.attempt(ctx, address, tries+1, cb)
		}
		return
	}

	ch := NewChannel(conn, false, address, m.co.pool, m.co.settings, m.logger)
	m.co.startChannel(ch, func(started *Channel, err error) {
		if err != nil {
			m.logger.Debug("manual handshake failed", logging.MaskField("address", address), slog.Any("error", err))
			if m.co.settings.ManualRetryLimit > 0 && tries >= m.co.settings.ManualRetryLimit {
				cb(nil, err)
				return
			}
			select {
			case <-ctx.Done():
				cb(nil, ErrServiceStopped)
			case <-m.co.pool.clock.After(manualRetryBackoff):
				m.attempt(ctx, address, tries+1, cb)
			}
			return
		}
		cb(started, nil)
	})
}
