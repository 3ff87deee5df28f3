package p2p

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mlmikael/libbitcoin/observability/logging"
)

// OutboundSession maintains Settings.OutboundConnections concurrent
// channels. Each slot that is empty or has just lost its channel refills by
// racing ConnectBatchSize simultaneous dials against freshly fetched Hosts
// Store candidates and keeping the first to complete its handshake; losers
// are stopped. A candidate that fails to dial or handshake is dropped from
// the Hosts Store, since a stale or unreachable address is worse than no
// address.
type OutboundSession struct {
	co     *Coordinator
	logger *slog.Logger
}

func newOutboundSession(co *Coordinator) *OutboundSession {
	return &OutboundSession{co: co, logger: co.newLogger("session.outbound")}
}

// Run launches one goroutine per outbound slot; each refills itself
// whenever its channel stops, until ctx is cancelled.
func (o *OutboundSession) Run(ctx context.Context) {
	n := o.co.settings.OutboundConnections
	for i := 0; i < n; i++ {
		go o.maintainSlot(ctx)
	}
}

func (o *OutboundSession) maintainSlot(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		ch, err := o.fillSlot(ctx)
		if err != nil {
			continue
		}
		<-ch.stopped
	}
}

// fillSlot races ConnectBatchSize dial+handshake attempts and returns the
// first promoted channel, stopping every other attempt that completes
// later.
func (o *OutboundSession) fillSlot(ctx context.Context) (*Channel, error) {
	batch := o.co.settings.ConnectBatchSize
	if batch < 1 {
		batch = 1
	}

	winner := make(chan *Channel, 1)
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < batch; i++ {
		group.Go(func() error {
			return o.attempt(gctx, winner)
		})
	}
	go func() {
		_ = group.Wait()
		close(winner)
	}()

	select {
	case ch, ok := <-winner:
		if !ok || ch == nil {
			return nil, ErrOperationFailed
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ErrServiceStopped
	}
}

func (o *OutboundSession) attempt(ctx context.Context, winner chan<- *Channel) error {
	addr, err := o.fetch()
	if err != nil {
		return nil
	}

	target := addr.String()

	dialCtx, cancel := context.WithTimeout(ctx, o.co.settings.connectTimeout())
	defer cancel()
	conn, err := o.co.dial(dialCtx, target)
	if err != nil {
		o.logger.Debug("outbound dial failed", logging.MaskField("address", target), slog.Any("error", err))
		dialFailedTotal.Inc()
		o.co.hosts.Remove(addr, func(error) {})
		return nil
	}

	ch := NewChannel(conn, false, target, o.co.pool, o.co.settings, o.logger)
	done := make(chan struct{})
	o.co.startChannel(ch, func(started *Channel, err error) {
		defer close(done)
		if err != nil {
			o.co.hosts.Remove(addr, func(error) {})
			return
		}
		select {
		case winner <- started:
		default:
			started.Stop(ErrChannelDropped)
		}
	})
	<-done
	return nil
}

func (o *OutboundSession) fetch() (Address, error) {
	var addr Address
	var ferr error
	done := make(chan struct{})
	o.co.hosts.Fetch(func(a Address, err error) {
		addr, ferr = a, err
		close(done)
	})
	<-done
	return addr, ferr
}
