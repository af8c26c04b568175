package neo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// driveTestConnection emulates a Connection's sender/receiver goroutines
// for a fake, socket-less Connection built by newTestConnection: it
// resumes whatever gets queued for sending, then replies to whatever
// registers to receive with body(id).
func driveTestConnection(stop <-chan struct{}, c *Connection, body func(id RequestId) []byte) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			c.sendQ.drain(func(id RequestId) {
				if r := c.lookupRoC(id); r != nil {
					r.resume(wakeMsg{kind: wakeSent})
				}
			})
			c.recvSet.drain(func(id RequestId) {
				if r := c.lookupRoC(id); r != nil {
					r.resume(wakeMsg{kind: wakeReceived, body: body(id)})
				}
			})
			time.Sleep(time.Millisecond)
		}
	}()
}

func TestRunAllNodesRequestSuccess(t *testing.T) {
	cs := newTestConnSet("a", "b")
	rs := NewRequestSet(10, nil)

	stop := make(chan struct{})
	defer close(stop)
	for _, c := range cs.All() {
		driveTestConnection(stop, c, func(RequestId) []byte { return []byte{byte(StatusOK)} })
	}

	var initCount int
	init := InitialiserFunc(func(ctx context.Context, roc *RoC) error {
		initCount++
		return nil
	})

	rec, err := RunAllNodesRequest(context.Background(), cs, rs, Command{Code: 1, Version: 1}, nil, init,
		func(ctx context.Context, roc *RoC, status StatusCode) error { return nil }, nil)
	if err != nil {
		t.Fatalf("RunAllNodesRequest: %v", err)
	}
	if err := rec.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if initCount != 2 {
		t.Fatalf("initCount = %d, want 2", initCount)
	}
}

func TestRunAllNodesRequestStatusNotSupported(t *testing.T) {
	cs := newTestConnSet("a")
	rs := NewRequestSet(10, nil)

	stop := make(chan struct{})
	defer close(stop)
	for _, c := range cs.All() {
		driveTestConnection(stop, c, func(RequestId) []byte { return []byte{byte(StatusRequestNotSupported)} })
	}

	rec, err := RunAllNodesRequest(context.Background(), cs, rs, Command{Code: 99, Version: 1}, nil, nil,
		func(ctx context.Context, roc *RoC, status StatusCode) error { return nil }, nil)
	if err != nil {
		t.Fatalf("RunAllNodesRequest: %v", err)
	}
	err = rec.Wait(context.Background())
	if err == nil {
		t.Fatal("expected a *StatusError from the unsupported node")
	}
	if _, ok := err.(*StatusError); !ok {
		t.Fatalf("err = %v (%T), want *StatusError", err, err)
	}
}

// TestRunAllNodesRequestReconnectsAfterDrop proves the per-node RoC survives
// a single reconnectable failure rather than ending the whole node's share
// of the request (spec §4.9's central reconnect loop): the first pass's
// send fails with a reconnectable error, the Connection's status is driven
// to Connected shortly after, and the retried pass is expected to reach the
// Handler exactly once.
func TestRunAllNodesRequestReconnectsAfterDrop(t *testing.T) {
	cs := newTestConnSet("a")
	rs := NewRequestSet(10, nil)
	conn := cs.All()[0]

	var attempts int32
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			conn.sendQ.drain(func(id RequestId) {
				r := conn.lookupRoC(id)
				if r == nil {
					return
				}
				if atomic.AddInt32(&attempts, 1) == 1 {
					r.resume(wakeMsg{kind: wakeErr, err: ErrConnLost})
					return
				}
				r.resume(wakeMsg{kind: wakeSent})
			})
			conn.recvSet.drain(func(id RequestId) {
				if r := conn.lookupRoC(id); r != nil {
					r.resume(wakeMsg{kind: wakeReceived, body: []byte{byte(StatusOK)}})
				}
			})
			time.Sleep(time.Millisecond)
		}
	}()

	go func() {
		time.Sleep(5 * time.Millisecond)
		conn.setStatus(Connected)
	}()

	var handlerCalls int32
	rec, err := RunAllNodesRequest(context.Background(), cs, rs, Command{Code: 1, Version: 1}, nil, nil,
		func(ctx context.Context, roc *RoC, status StatusCode) error {
			atomic.AddInt32(&handlerCalls, 1)
			return nil
		}, nil)
	if err != nil {
		t.Fatalf("RunAllNodesRequest: %v", err)
	}
	if err := rec.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if atomic.LoadInt32(&attempts) < 2 {
		t.Fatalf("attempts = %d, want >= 2", attempts)
	}
	if atomic.LoadInt32(&handlerCalls) != 1 {
		t.Fatalf("handlerCalls = %d, want 1 (not invoked on the failed pass)", handlerCalls)
	}
}
