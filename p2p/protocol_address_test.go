package p2p

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newAddressTestChannel(t *testing.T, co *Coordinator) (*Channel, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	ch := NewChannel(server, true, "", co.pool, co.settings, discardLogger())
	return ch, client
}

func TestAddressProtocolAttachSendsGetAddresses(t *testing.T) {
	co := newTestCoordinator(t, 1)
	ch, client := newAddressTestChannel(t, co)

	addr := NewAddressProtocol(co, true)
	ch.AttachProtocol(addr)
	ch.Start()

	reader := bufio.NewReader(client)
	msg := readWireMessage(t, reader)
	if msg.Type != MsgTypeGetAddresses {
		t.Fatalf("expected get_addresses on attach, got %d", msg.Type)
	}
}

func TestAddressProtocolServesSampleOnRequest(t *testing.T) {
	co := newTestCoordinator(t, 2)
	stored := make(chan error, 1)
	co.hosts.Store(Address{IP: net.ParseIP("9.9.9.9"), Port: 8333}, func(err error) { stored <- err })
	if err := <-stored; err != nil {
		t.Fatalf("seed store: %v", err)
	}

	ch, client := newAddressTestChannel(t, co)
	addr := NewAddressProtocol(co, true)
	ch.AttachProtocol(addr)
	ch.Start()

	reader := bufio.NewReader(client)
	readWireMessage(t, reader) // discard the get_addresses sent on attach

	req, err := newGetAddressesMessage(10)
	if err != nil {
		t.Fatalf("newGetAddressesMessage: %v", err)
	}
	data, _ := json.Marshal(req)
	data = append(data, '\n')
	if _, err := client.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	reply := readWireMessage(t, reader)
	if reply.Type != MsgTypeAddresses {
		t.Fatalf("expected addresses reply, got %d", reply.Type)
	}
	var payload AddressesPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.Addresses) != 1 || payload.Addresses[0].IP != "9.9.9.9" {
		t.Fatalf("expected the seeded address in the sample, got %+v", payload.Addresses)
	}
}

func TestAddressProtocolThrottlesRepeatRequests(t *testing.T) {
	mock := clock.NewMock()
	co := newTestCoordinator(t, 3)
	co.pool.Shutdown()
	co.pool = NewWorkerPool(discardLogger(), mock)
	co.pool.Spawn(2, "default")
	t.Cleanup(co.pool.Shutdown)

	ch := NewChannel(&pipeConnStub{}, true, "", co.pool, co.settings, discardLogger())
	addr := NewAddressProtocol(co, true)
	addr.ch = ch

	req, err := newGetAddressesMessage(10)
	if err != nil {
		t.Fatalf("newGetAddressesMessage: %v", err)
	}

	if _, err := addr.HandleMessage(req); err != nil {
		t.Fatalf("first request should succeed, got %v", err)
	}
	_, err = addr.HandleMessage(req)
	if err != ErrPeerThrottling {
		t.Fatalf("expected ErrPeerThrottling on immediate repeat, got %v", err)
	}

	mock.Add(addressRequestMinInterval + time.Second)
	if _, err := addr.HandleMessage(req); err != nil {
		t.Fatalf("expected request past the throttle window to succeed, got %v", err)
	}
}

func TestAddressProtocolStoresRelayedAddressesWhenRelayEnabled(t *testing.T) {
	co := newTestCoordinator(t, 4)
	ch, client := newAddressTestChannel(t, co)
	addr := NewAddressProtocol(co, true)
	ch.AttachProtocol(addr)
	ch.Start()

	list := AddressList{{IP: net.ParseIP("5.5.5.5"), Port: 8333}}
	msg, err := newAddressesMessage(list)
	if err != nil {
		t.Fatalf("newAddressesMessage: %v", err)
	}
	data, _ := json.Marshal(msg)
	data = append(data, '\n')
	if _, err := client.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if countHostsSync(t, co) == 1 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected relayed address to be stored in the hosts store")
}

func countHostsSync(t *testing.T, co *Coordinator) int {
	t.Helper()
	done := make(chan int, 1)
	co.hosts.Count(func(n int) { done <- n })
	return <-done
}

// pipeConnStub satisfies net.Conn for tests that only need Address.HandleMessage
// exercised directly, never actually reading or writing bytes.
type pipeConnStub struct{ net.Conn }

func (p *pipeConnStub) RemoteAddr() net.Addr { return dummyAddr{} }
func (p *pipeConnStub) Close() error         { return nil }

type dummyAddr struct{}

func (dummyAddr) Network() string { return "tcp" }
func (dummyAddr) String() string  { return "0.0.0.0:0" }
