package neo

import (
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sender := newFrameSender(client)
	receiver := newFrameReceiver(server, 4096)

	body := []byte("hello")
	done := make(chan error, 1)
	go func() {
		_, err := sender.Assign(MsgRequest, 42, body)
		done <- err
	}()

	var got Message
	if err := receiver.Receive(func(m Message) { got = m }); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if got.Type != MsgRequest {
		t.Errorf("Type = %v, want MsgRequest", got.Type)
	}
	if got.RequestId != 42 {
		t.Errorf("RequestId = %d, want 42", got.RequestId)
	}
	if string(got.Body) != "hello" {
		t.Errorf("Body = %q, want %q", got.Body, "hello")
	}
}

func TestFrameReceiveOversizeBody(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		header := encodeFrame(MsgRequest, 1, nil)
		// Lie about the body length to exceed maxFrameBody.
		header[0], header[1], header[2], header[3] = 0xff, 0xff, 0xff, 0xff
		client.Write(header)
	}()

	receiver := newFrameReceiver(server, 4096)
	err := receiver.Receive(func(Message) { t.Fatal("callback should not run") })
	if err == nil {
		t.Fatal("expected error for oversize frame body")
	}
}

func TestIsTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	client.SetWriteDeadline(time.Now().Add(-time.Second))
	_, err := client.Write([]byte("x"))
	if err == nil {
		t.Fatal("expected write to time out")
	}
	if !isTimeout(err) {
		t.Fatalf("isTimeout(%v) = false, want true", err)
	}
}
