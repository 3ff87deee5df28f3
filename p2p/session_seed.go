package p2p

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mlmikael/libbitcoin/observability/logging"
)

// SeedSession runs once, at Start, and only when the Hosts Store loaded
// nothing from disk: it dials every configured seed in parallel, harvests
// whatever addresses each one offers via SeedProtocol, and returns once
// every dial has finished (successfully or not). It never retries and
// never runs again; a node with a populated Hosts Store skips seeding
// entirely and relies on Session Outbound plus ongoing PEX instead.
type SeedSession struct {
	co     *Coordinator
	logger *slog.Logger
}

func newSeedSession(co *Coordinator) *SeedSession {
	return &SeedSession{co: co, logger: co.newLogger("session.seed")}
}

// Run dials every seed address concurrently and blocks until all have
// completed. cb is invoked once, with the number of addresses harvested.
func (s *SeedSession) Run(ctx context.Context, cb func(int)) {
	addresses := s.co.seedAddresses(ctx)
	if len(addresses) == 0 {
		cb(0)
		return
	}

	var harvested int
	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	for _, addr := range addresses {
		addr := addr
		group.Go(func() error {
			s.dialOne(gctx, addr, &mu, &harvested)
			return nil
		})
	}
	_ = group.Wait()

	mu.Lock()
	total := harvested
	mu.Unlock()
	cb(total)
}

func (s *SeedSession) dialOne(ctx context.Context, address string, mu *sync.Mutex, harvested *int) {
	dialCtx, cancel := context.WithTimeout(ctx, s.co.settings.connectTimeout())
	defer cancel()

	conn, err := s.co.dial(dialCtx, address)
	if err != nil {
		s.logger.Debug("seed dial failed", logging.MaskField("address", address), slog.Any("error", err))
		return
	}

	before := s.countSync()

	done := make(chan struct{})
	ch := NewChannel(conn, false, address, s.co.pool, s.co.settings, s.logger)
	s.co.startSeedChannel(ch, func() { close(done) })

	select {
	case <-done:
	case <-dialCtx.Done():
		ch.Stop(ErrChannelTimeout)
		<-done
	}

	after := s.countSync()
	if after > before {
		mu.Lock()
		*harvested += after - before
		mu.Unlock()
	}
}

func (s *SeedSession) countSync() int {
	done := make(chan int, 1)
	s.co.hosts.Count(func(n int) { done <- n })
	return <-done
}
