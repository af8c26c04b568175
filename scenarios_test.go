package neo_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pascaldekloe/neo"
)

// echoCommand is a toy request kind: the node replies with a status byte
// followed by the request's own payload, letting a scenario verify both
// wire content and reply delivery without a real protocol behind it.
var echoCommand = neo.Command{Code: 7, Version: 1}

// notSupportedCommand is never recognised by the fake node below.
var notSupportedCommand = neo.Command{Code: 404, Version: 1}

// consumeCommand is a toy suspendable request kind: the node replies
// StatusOK to the initial command, then treats every later one-byte frame
// on that same request as a control message and answers it with Ack.
var consumeCommand = neo.Command{Code: 55, Version: 1}

func echoHandler(payload string) neo.Handler {
	return func(ctx context.Context, roc *neo.RoC) error {
		if err := roc.Send(func(p *neo.Payload) {
			p.AddCommand(echoCommand)
			p.AddString(payload)
		}); err != nil {
			return err
		}
		return roc.Receive(func(body []byte) error {
			if len(body) < 1 || neo.StatusCode(body[0]) != neo.StatusOK {
				return neo.ErrConnLost
			}
			if string(body[1:]) != payload {
				return fmt.Errorf("echo reply %q, want %q", body[1:], payload)
			}
			return nil
		})
	}
}

// steadyYieldHandler builds an AllNodesHandler that signals entered once,
// then yields in a loop checking ctx.Done() every pass — the idiomatic
// style a suspendable steady-state Handler is expected to use so that
// runWhileState's per-transition context cancellation actually interrupts
// it (spec §4.7), rather than blocking on a wire receive that nothing in a
// Suspend/Resume exchange ever wakes.
func steadyYieldHandler(entered chan struct{}) neo.AllNodesHandler {
	return func(ctx context.Context, roc *neo.RoC, status neo.StatusCode) error {
		entered <- struct{}{}
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := roc.Yield(); err != nil {
				return err
			}
		}
	}
}

// fakeNode is a minimal server implementing just enough of the wire
// protocol to drive the scenarios below: it echoes every request's body
// back prefixed with a status byte, unless the request's command code is
// unrecognised, in which case it replies StatusRequestNotSupported with no
// body, or unless silence is requested, in which case it never replies.
type fakeNode struct {
	ln      net.Listener
	silent  bool
	accepts chan net.Conn
	// frames receives a value every time serve reads a request frame off
	// the wire, letting a scenario assert that a reconnecting client did
	// or did not send anything.
	frames chan struct{}
}

func newFakeNode() *fakeNode {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	n := &fakeNode{ln: ln, accepts: make(chan net.Conn, 8), frames: make(chan struct{}, 64)}
	go n.acceptLoop()
	return n
}

func (n *fakeNode) acceptLoop() {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.accepts <- conn
		go n.serve(conn)
	}
}

func (n *fakeNode) serve(conn net.Conn) {
	defer conn.Close()
	recv := newFakeNodeReceiver(conn)
	send := newFakeNodeSender(conn)
	initialised := make(map[uint64]bool)
	for {
		typ, id, body, err := recv.readFrame()
		if err != nil {
			return
		}
		if typ != 0 { // only MsgRequest is handled by this fake
			continue
		}
		select {
		case n.frames <- struct{}{}:
		default:
		}
		if n.silent {
			continue
		}
		if initialised[id] {
			// A later frame on an already-initialised request is a
			// one-byte suspend/resume/stop control message: ack it.
			send.writeFrame(id, []byte{byte(neo.ControlAck)})
			continue
		}
		code := uint16(body[0])<<8 | uint16(body[1])
		if code == uint16(notSupportedCommand.Code) {
			send.writeFrame(id, []byte{byte(neo.StatusRequestNotSupported)})
			continue
		}
		initialised[id] = true
		reply := append([]byte{byte(neo.StatusOK)}, body[3:]...)
		send.writeFrame(id, reply)
	}
}

func (n *fakeNode) addr() string { return n.ln.Addr().String() }
func (n *fakeNode) close()       { n.ln.Close() }

// The frame codec below duplicates the package's own wire format
// deliberately: scenarios_test.go lives in package neo_test and must not
// reach into neo's unexported frame encoder to build its test double.
type fakeNodeReceiver struct{ conn net.Conn }
type fakeNodeSender struct{ conn net.Conn }

func newFakeNodeReceiver(c net.Conn) *fakeNodeReceiver { return &fakeNodeReceiver{conn: c} }
func newFakeNodeSender(c net.Conn) *fakeNodeSender     { return &fakeNodeSender{conn: c} }

func (r *fakeNodeReceiver) readFrame() (typ byte, id uint64, body []byte, err error) {
	var header [13]byte
	if _, err = io.ReadFull(r.conn, header[:]); err != nil {
		return
	}
	bodyLen := uint32(header[0])<<24 | uint32(header[1])<<16 | uint32(header[2])<<8 | uint32(header[3])
	typ = header[4]
	for i := 0; i < 8; i++ {
		id = id<<8 | uint64(header[5+i])
	}
	body = make([]byte, bodyLen)
	if bodyLen > 0 {
		_, err = io.ReadFull(r.conn, body)
	}
	return
}

func (s *fakeNodeSender) writeFrame(id uint64, body []byte) error {
	buf := make([]byte, 13+len(body))
	n := uint32(len(body))
	buf[0], buf[1], buf[2], buf[3] = byte(n>>24), byte(n>>16), byte(n>>8), byte(n)
	buf[4] = 0 // MsgRequest
	for i := 0; i < 8; i++ {
		buf[5+i] = byte(id >> uint(8*(7-i)))
	}
	copy(buf[13:], body)
	_, err := s.conn.Write(buf)
	return err
}

var _ = Describe("neo request scenarios (spec.md §8)", func() {
	var ctx context.Context
	var cancel context.CancelFunc

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	})
	AfterEach(func() { cancel() })

	It("S1: single-node echo produces exactly the sent payload and leaves no active requests", func() {
		node := newFakeNode()
		defer node.close()

		client := neo.NewClient(neo.ClientConfig{})
		defer client.Close()
		client.Conns.AddNode(node.addr())

		Expect(client.SingleNode(ctx, node.addr(), nil, echoHandler("hello"))).To(Succeed())
		Eventually(client.Reqs.Len).Should(Equal(0))
	})

	It("S2: three back-to-back requests are each echoed correctly", func() {
		node := newFakeNode()
		defer node.close()

		client := neo.NewClient(neo.ClientConfig{})
		defer client.Close()
		client.Conns.AddNode(node.addr())

		errs := make(chan error, 3)
		for _, body := range []string{"a", "b", "c"} {
			body := body
			go func() { errs <- client.SingleNode(ctx, node.addr(), nil, echoHandler(body)) }()
		}
		for i := 0; i < 3; i++ {
			Eventually(errs).Should(Receive(BeNil()))
		}
	})

	It("S3: a connection lost mid-request surfaces an error, and a later request succeeds once reconnected", func() {
		node := newFakeNode()
		defer node.close()
		node.silent = true

		client := neo.NewClient(neo.ClientConfig{Conn: neo.ConnConfig{BackoffMax: 10 * time.Millisecond}})
		defer client.Close()
		client.Conns.AddNode(node.addr())

		var firstConn net.Conn
		Eventually(node.accepts).Should(Receive(&firstConn))

		errCh := make(chan error, 1)
		go func() { errCh <- client.SingleNode(ctx, node.addr(), nil, echoHandler("lost")) }()

		firstConn.Close() // force connection loss mid-request

		Eventually(errCh).Should(Receive(HaveOccurred()))

		node.silent = false
		var secondConn net.Conn
		Eventually(node.accepts, 2*time.Second).Should(Receive(&secondConn))

		Expect(client.SingleNode(ctx, node.addr(), nil, echoHandler("recovered"))).To(Succeed())
	})

	It("S4: an unsupported command surfaces a *StatusError exactly once", func() {
		node := newFakeNode()
		defer node.close()

		client := neo.NewClient(neo.ClientConfig{})
		defer client.Close()
		client.Conns.AddNode(node.addr())

		err := client.SingleNode(ctx, node.addr(), nil, func(ctx context.Context, roc *neo.RoC) error {
			_, err := neo.SendCommand(roc, notSupportedCommand)
			return err
		})
		Expect(err).To(HaveOccurred())
		var statusErr *neo.StatusError
		Expect(asStatusError(err, &statusErr)).To(BeTrue())
		Expect(statusErr.Code).To(Equal(neo.StatusRequestNotSupported))
	})

	It("S5: Suspend halts every node's handler and settles once both have acked", func() {
		nodeA, nodeB := newFakeNode(), newFakeNode()
		defer nodeA.close()
		defer nodeB.close()

		client := neo.NewClient(neo.ClientConfig{})
		defer client.Close()
		client.Conns.AddNode(nodeA.addr())
		client.Conns.AddNode(nodeB.addr())

		entered := make(chan struct{}, 8)
		settled := make(chan neo.DesiredState, 8)
		handler := steadyYieldHandler(entered)

		_, ctrl, err := client.SuspendableAllNodes(ctx, consumeCommand, nil, nil, handler,
			func(d neo.DesiredState) { settled <- d })
		Expect(err).NotTo(HaveOccurred())

		Eventually(entered).Should(Receive())
		Eventually(entered).Should(Receive())

		ctrl.Suspend()
		Eventually(settled, 2*time.Second).Should(Receive(Equal(neo.StateSuspended)))
	})

	It("S6: Resume restarts the handler on every node after a Suspend", func() {
		nodeA, nodeB := newFakeNode(), newFakeNode()
		defer nodeA.close()
		defer nodeB.close()

		client := neo.NewClient(neo.ClientConfig{})
		defer client.Close()
		client.Conns.AddNode(nodeA.addr())
		client.Conns.AddNode(nodeB.addr())

		entered := make(chan struct{}, 8)
		settled := make(chan neo.DesiredState, 8)
		handler := steadyYieldHandler(entered)

		_, ctrl, err := client.SuspendableAllNodes(ctx, consumeCommand, nil, nil, handler,
			func(d neo.DesiredState) { settled <- d })
		Expect(err).NotTo(HaveOccurred())

		Eventually(entered).Should(Receive())
		Eventually(entered).Should(Receive())

		ctrl.Suspend()
		Eventually(settled, 2*time.Second).Should(Receive(Equal(neo.StateSuspended)))

		ctrl.Resume()
		Eventually(settled, 2*time.Second).Should(Receive(Equal(neo.StateRunning)))
		Eventually(entered).Should(Receive())
		Eventually(entered).Should(Receive())
	})

	It("S7: a node reconnecting after Stop sends no setup message", func() {
		node := newFakeNode()
		defer node.close()

		client := neo.NewClient(neo.ClientConfig{Conn: neo.ConnConfig{BackoffMax: 10 * time.Millisecond}})
		defer client.Close()
		client.Conns.AddNode(node.addr())

		var firstConn net.Conn
		Eventually(node.accepts).Should(Receive(&firstConn))

		settled := make(chan neo.DesiredState, 8)
		handler := func(ctx context.Context, roc *neo.RoC, status neo.StatusCode) error {
			return roc.Receive(func([]byte) error { return nil })
		}
		rec, ctrl, err := client.SuspendableAllNodes(ctx, consumeCommand, nil, nil, handler,
			func(d neo.DesiredState) { settled <- d })
		Expect(err).NotTo(HaveOccurred())

		Eventually(node.frames).Should(Receive()) // the initial command frame

		firstConn.Close() // force a reconnectable drop mid-request
		ctrl.Stop()
		Eventually(settled, 2*time.Second).Should(Receive(Equal(neo.StateStopped)))

		Eventually(node.accepts, 2*time.Second).Should(Receive())
		Consistently(node.frames, 300*time.Millisecond).ShouldNot(Receive())

		Expect(rec.Wait(ctx)).To(Succeed())
	})
})

func asStatusError(err error, out **neo.StatusError) bool {
	se, ok := err.(*neo.StatusError)
	if ok {
		*out = se
	}
	return ok
}
