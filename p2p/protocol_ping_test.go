package p2p

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func newPipedChannel(t *testing.T) (*Channel, net.Conn) {
	t.Helper()
	pool := NewWorkerPool(discardLogger(), nil)
	pool.Spawn(2, "default")
	t.Cleanup(pool.Shutdown)

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })

	ch := NewChannel(server, true, "", pool, Settings{}, discardLogger())
	return ch, client
}

func readWireMessage(t *testing.T, r *bufio.Reader) Message {
	t.Helper()
	line, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return msg
}

func TestPingProtocolAnswersIncomingPing(t *testing.T) {
	ch, client := newPipedChannel(t)
	ping := NewPingProtocol(discardLogger())
	ch.AttachProtocol(ping)
	ch.Start()

	reader := bufio.NewReader(client)
	pingMsg, err := newPingMessage(123, time.Now())
	if err != nil {
		t.Fatalf("newPingMessage: %v", err)
	}
	data, _ := json.Marshal(pingMsg)
	data = append(data, '\n')
	if _, err := client.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	reply := readWireMessage(t, reader)
	if reply.Type != MsgTypePong {
		t.Fatalf("expected pong reply, got %d", reply.Type)
	}
	var payload PongPayload
	if err := json.Unmarshal(reply.Payload, &payload); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if payload.Nonce != 123 {
		t.Fatalf("expected echoed nonce 123, got %d", payload.Nonce)
	}
}

func TestPingProtocolMatchedPongClearsAwaiting(t *testing.T) {
	ch, _ := newPipedChannel(t)
	ping := NewPingProtocol(discardLogger())
	ch.AttachProtocol(ping)
	ch.Start()

	ping.sendPing()
	if !ping.awaiting {
		t.Fatal("expected awaiting to be set after sendPing")
	}

	pong, err := newPongMessage(ping.lastNonce, time.Now())
	if err != nil {
		t.Fatalf("newPongMessage: %v", err)
	}
	handled, err := ping.HandleMessage(pong)
	if !handled || err != nil {
		t.Fatalf("expected matched pong to be handled without error, got handled=%v err=%v", handled, err)
	}
	if ping.awaiting {
		t.Fatal("expected awaiting to clear after matching pong")
	}
}

func TestPingProtocolMismatchedPongTimesOut(t *testing.T) {
	ch, _ := newPipedChannel(t)
	ping := NewPingProtocol(discardLogger())
	ch.AttachProtocol(ping)
	ch.Start()

	ping.sendPing()
	pong, err := newPongMessage(ping.lastNonce+1, time.Now())
	if err != nil {
		t.Fatalf("newPongMessage: %v", err)
	}
	_, err = ping.HandleMessage(pong)
	if err != ErrChannelTimeout {
		t.Fatalf("expected ErrChannelTimeout for mismatched nonce, got %v", err)
	}
}

func TestPingProtocolUnansweredPingStopsChannel(t *testing.T) {
	ch, _ := newPipedChannel(t)
	ping := NewPingProtocol(discardLogger())
	ch.AttachProtocol(ping)
	ch.Start()

	ping.sendPing()
	ping.sendPing()

	select {
	case <-ch.stopped:
		if ch.stopErr != ErrChannelTimeout {
			t.Fatalf("expected ErrChannelTimeout, got %v", ch.stopErr)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the second unanswered ping to stop the channel")
	}
}
