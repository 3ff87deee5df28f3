package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func newInboundTestCoordinator(t *testing.T, blacklists []string, connectionLimit int) (*Coordinator, net.Listener) {
	t.Helper()
	settings := Settings{
		Threads:                 2,
		Identifier:              0xbeef,
		ConnectionLimit:         connectionLimit,
		ChannelHandshakeSeconds: 5,
		HostPoolCapacity:        10,
		HostsFile:               t.TempDir() + "/hosts.db",
		Blacklists:              blacklists,
	}
	co, err := New(settings, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	co.pool.Spawn(2, "default")
	t.Cleanup(co.pool.Shutdown)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go co.inbound.Serve(ctx, listener)
	return co, listener
}

func TestInboundSessionRejectsBlacklistedPeer(t *testing.T) {
	_, listener := newInboundTestCoordinator(t, []string{"127.0.0.1"}, 10)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected the blacklisted connection to be closed by the server")
	}
}

func TestInboundSessionRejectsOverLimitPeer(t *testing.T) {
	co, listener := newInboundTestCoordinator(t, nil, 1)

	held := make(chan error, 1)
	occupant := NewChannel(&pipeConnStub{}, true, "", co.pool, co.settings, discardLogger())
	co.connections.Store(occupant, func(err error) { held <- err })
	if err := <-held; err != nil {
		t.Fatalf("failed to occupy the single connection slot: %v", err)
	}

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	if err == nil {
		t.Fatal("expected the over-limit connection to be closed by the server")
	}
}

func TestInboundSessionAcceptsAndCompletesHandshake(t *testing.T) {
	co, listener := newInboundTestCoordinator(t, nil, 10)

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := VersionPayload{Identifier: co.settings.Identifier, Height: 0, Self: "", Nonce: 999}
	msg, err := newVersionMessage(payload)
	if err != nil {
		t.Fatalf("newVersionMessage: %v", err)
	}
	data := marshalFramed(t, msg)
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	verack := &Message{Type: MsgTypeVerack}
	if _, err := conn.Write(marshalFramed(t, verack)); err != nil {
		t.Fatalf("write verack: %v", err)
	}

	// The server sends its own version and its verack reply independently
	// (both racing through the worker pool), so only their combined arrival
	// as a set is guaranteed, not a fixed order.
	reader := bufio.NewReader(conn)
	seen := map[byte]bool{}
	for i := 0; i < 2; i++ {
		msg := readWireMessage(t, reader)
		seen[msg.Type] = true
	}
	if !seen[MsgTypeVersion] || !seen[MsgTypeVerack] {
		t.Fatalf("expected both version and verack from the server, got %v", seen)
	}
}

func marshalFramed(t *testing.T, msg *Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return append(data, '\n')
}
