package p2p

import (
	"net"
	"testing"
	"time"
)

func newTestCoordinator(t *testing.T, identifier uint32) *Coordinator {
	t.Helper()
	settings := Settings{
		Threads:                 2,
		Identifier:              identifier,
		ChannelHandshakeSeconds: 5,
		HostPoolCapacity:        10,
		HostsFile:               t.TempDir() + "/hosts.db",
	}
	co, err := New(settings, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	co.pool.Spawn(2, "default")
	t.Cleanup(co.pool.Shutdown)
	return co
}

func TestVersionProtocolCompletesHandshakeBothSides(t *testing.T) {
	a := newTestCoordinator(t, 0xabc)
	b := newTestCoordinator(t, 0xabc)

	connA, connB := net.Pipe()
	t.Cleanup(func() { _ = connA.Close() })
	t.Cleanup(func() { _ = connB.Close() })

	chA := NewChannel(connA, false, "peerB:1", a.pool, a.settings, discardLogger())
	chB := NewChannel(connB, true, "", b.pool, b.settings, discardLogger())

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	chA.AttachProtocol(NewVersionProtocol(a, func(err error) { doneA <- err }))
	chB.AttachProtocol(NewVersionProtocol(b, func(err error) { doneB <- err }))
	chA.Start()
	chB.Start()

	select {
	case err := <-doneA:
		if err != nil {
			t.Fatalf("side A handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for side A handshake")
	}
	select {
	case err := <-doneB:
		if err != nil {
			t.Fatalf("side B handshake failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for side B handshake")
	}

	if chA.State() != ChannelActive || chB.State() != ChannelActive {
		t.Fatalf("expected both channels active, got %s / %s", chA.State(), chB.State())
	}
}

func TestVersionProtocolRejectsMismatchedIdentifier(t *testing.T) {
	a := newTestCoordinator(t, 0x111)
	b := newTestCoordinator(t, 0x222)

	connA, connB := net.Pipe()
	t.Cleanup(func() { _ = connA.Close() })
	t.Cleanup(func() { _ = connB.Close() })

	chA := NewChannel(connA, false, "peerB:1", a.pool, a.settings, discardLogger())
	chB := NewChannel(connB, true, "", b.pool, b.settings, discardLogger())

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	chA.AttachProtocol(NewVersionProtocol(a, func(err error) { doneA <- err }))
	chB.AttachProtocol(NewVersionProtocol(b, func(err error) { doneB <- err }))
	chA.Start()
	chB.Start()

	sawReject := false
	select {
	case err := <-doneA:
		if err == ErrAcceptFailed {
			sawReject = true
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for side A outcome")
	}
	select {
	case err := <-doneB:
		if err == ErrAcceptFailed {
			sawReject = true
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for side B outcome")
	}

	if !sawReject {
		t.Fatal("expected at least one side to reject the mismatched identifier")
	}
}

// TestVersionProtocolRejectsSelfConnection exercises spec.md's "handshake
// self-detect" scenario: only the outbound side's nonce lands in Pending, so
// the inbound side reading that same nonce back in its peer's version is the
// one that recognizes the self-connection and rejects it with
// ErrAcceptFailed; the outbound side never gets a verack in reply. Because
// Channel.Stop closes the underlying conn synchronously, the outbound side
// observes that as a dropped connection (ErrChannelDropped) rather than
// waiting out its handshake timer — a faster, still-correct detection of the
// same failure the spec describes as a timeout.
func TestVersionProtocolRejectsSelfConnection(t *testing.T) {
	co := newTestCoordinator(t, 0x333)

	connA, connB := net.Pipe()
	t.Cleanup(func() { _ = connA.Close() })
	t.Cleanup(func() { _ = connB.Close() })

	chA := NewChannel(connA, false, "self:1", co.pool, co.settings, discardLogger())
	chB := NewChannel(connB, true, "", co.pool, co.settings, discardLogger())

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	chA.AttachProtocol(NewVersionProtocol(co, func(err error) { doneA <- err }))
	chB.AttachProtocol(NewVersionProtocol(co, func(err error) { doneB <- err }))
	chA.Start()
	chB.Start()

	select {
	case err := <-doneB:
		if err != ErrAcceptFailed {
			t.Fatalf("expected inbound side to reject the self-connection with ErrAcceptFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound side to reject the self-connection")
	}

	select {
	case err := <-doneA:
		if err == nil {
			t.Fatal("expected outbound side to fail once its self-connected peer rejected it")
		}
		if err == ErrAcceptFailed {
			t.Fatal("outbound side's own nonce was never registered as a stranger's, so it should not see ErrAcceptFailed itself")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound side to notice the dropped connection")
	}

	pentCh := make(chan int, 1)
	co.pending.Count(func(n int) { pentCh <- n })
	if n := <-pentCh; n != 0 {
		t.Fatalf("expected Pending to be empty after the self-connection resolves, got %d", n)
	}

	connectedCh := make(chan int, 1)
	co.connections.Count(func(n int) { connectedCh <- n })
	if n := <-connectedCh; n != 0 {
		t.Fatalf("expected Connections to remain empty after a rejected self-connection, got %d", n)
	}
}
