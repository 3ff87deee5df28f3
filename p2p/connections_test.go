package p2p

import (
	"net"
	"testing"
)

func newTestChannel(t *testing.T, pool *WorkerPool, remoteIP string) *Channel {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	ch := NewChannel(server, false, "", pool, Settings{}, discardLogger())
	ch.remote = Address{IP: net.ParseIP(remoteIP)}
	return ch
}

func storeChannelSync(t *testing.T, reg *ConnectionRegistry, ch *Channel) error {
	t.Helper()
	done := make(chan error, 1)
	reg.Store(ch, func(err error) { done <- err })
	return <-done
}

func countChannelsSync(t *testing.T, reg *ConnectionRegistry) int {
	t.Helper()
	done := make(chan int, 1)
	reg.Count(func(n int) { done <- n })
	return <-done
}

func TestConnectionRegistryRejectsDuplicateIP(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), nil)
	pool.Spawn(1, "default")
	t.Cleanup(pool.Shutdown)

	reg := NewConnectionRegistry(pool, 10, discardLogger())
	first := newTestChannel(t, pool, "1.2.3.4")
	second := newTestChannel(t, pool, "1.2.3.4")

	if err := storeChannelSync(t, reg, first); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if err := storeChannelSync(t, reg, second); err != ErrAddressInUse {
		t.Fatalf("expected ErrAddressInUse, got %v", err)
	}
}

func TestConnectionRegistryEnforcesLimit(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), nil)
	pool.Spawn(1, "default")
	t.Cleanup(pool.Shutdown)

	reg := NewConnectionRegistry(pool, 1, discardLogger())
	first := newTestChannel(t, pool, "1.1.1.1")
	second := newTestChannel(t, pool, "2.2.2.2")

	if err := storeChannelSync(t, reg, first); err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if err := storeChannelSync(t, reg, second); err != ErrResourceLimit {
		t.Fatalf("expected ErrResourceLimit, got %v", err)
	}
}

func TestConnectionRegistryStopClosesChannelsAndRefusesFurtherStore(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), nil)
	pool.Spawn(1, "default")
	t.Cleanup(pool.Shutdown)

	reg := NewConnectionRegistry(pool, 10, discardLogger())
	ch := newTestChannel(t, pool, "3.3.3.3")
	if err := storeChannelSync(t, reg, ch); err != nil {
		t.Fatalf("Store: %v", err)
	}

	reg.Stop(ErrServiceStopped)

	select {
	case <-ch.stopped:
	default:
		t.Fatal("expected channel to be stopped")
	}

	late := newTestChannel(t, pool, "4.4.4.4")
	if err := storeChannelSync(t, reg, late); err != ErrServiceStopped {
		t.Fatalf("expected ErrServiceStopped after Stop, got %v", err)
	}
	if n := countChannelsSync(t, reg); n != 0 {
		t.Fatalf("expected empty registry after Stop, got %d", n)
	}
}
