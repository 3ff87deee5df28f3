package p2p

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func existsSync(t *testing.T, reg *PendingRegistry, nonce uint64) bool {
	t.Helper()
	done := make(chan bool, 1)
	reg.Exists(nonce, func(ok bool) { done <- ok })
	return <-done
}

func TestPendingRegistryStoreExistsRemove(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), nil)
	pool.Spawn(1, "default")
	t.Cleanup(pool.Shutdown)

	reg := NewPendingRegistry(pool, discardLogger())
	t.Cleanup(reg.Close)

	storeDone := make(chan error, 1)
	reg.Store(42, nil, func(err error) { storeDone <- err })
	if err := <-storeDone; err != nil {
		t.Fatalf("Store: %v", err)
	}

	if !existsSync(t, reg, 42) {
		t.Fatal("expected nonce 42 to be pending")
	}

	removeDone := make(chan error, 1)
	reg.Remove(42, func(err error) { removeDone <- err })
	<-removeDone

	if existsSync(t, reg, 42) {
		t.Fatal("expected nonce 42 to be removed")
	}
}

func TestPendingRegistryRejectsDuplicateNonce(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), nil)
	pool.Spawn(1, "default")
	t.Cleanup(pool.Shutdown)

	reg := NewPendingRegistry(pool, discardLogger())
	t.Cleanup(reg.Close)

	first := make(chan error, 1)
	reg.Store(7, nil, func(err error) { first <- err })
	<-first

	second := make(chan error, 1)
	reg.Store(7, nil, func(err error) { second <- err })
	if err := <-second; err != ErrAddressInUse {
		t.Fatalf("expected ErrAddressInUse for duplicate nonce, got %v", err)
	}
}

func TestPendingRegistrySweepsExpiredEntries(t *testing.T) {
	mock := clock.NewMock()
	pool := NewWorkerPool(discardLogger(), mock)
	pool.Spawn(1, "default")
	t.Cleanup(pool.Shutdown)

	reg := NewPendingRegistry(pool, discardLogger())
	t.Cleanup(reg.Close)

	storeDone := make(chan error, 1)
	reg.Store(99, nil, func(err error) { storeDone <- err })
	<-storeDone

	mock.Add(pendingRegistryTTL + pendingRegistryJanitorInterval)
	// Allow the janitor goroutine, woken by the mock ticker, to run its sweep.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !existsSync(t, reg, 99) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected nonce 99 to be swept after TTL elapsed")
}
