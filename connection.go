package neo

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Status is the Connection lifecycle state (spec §3, §4.4).
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Authenticating
	Connected
	ShuttingDown
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Connected:
		return "connected"
	case ShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// ConnConfig configures one Connection, in the teacher's own connConfig
// shape (client.go), generalized beyond Redis-specific fields.
type ConnConfig struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	ReadBufferSize int
	BackoffMax     time.Duration
	DialsPerSecond float64
}

func (c ConnConfig) withDefaults() ConnConfig {
	if c.DialTimeout <= 0 {
		c.DialTimeout = time.Second
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 500 * time.Millisecond
	}
	if c.DialsPerSecond <= 0 {
		c.DialsPerSecond = 10
	}
	return c
}

type errBox struct{ err error }

// Connection owns a socket, a sender goroutine, a receiver goroutine, its
// SendQueue and ReceiveSet, and drives authentication, reconnection, and
// shutdown (spec §3, §4.4). It is created at most once per (addr,port) by
// a ConnectionSet.
type Connection struct {
	Addr          string
	Authenticator Authenticator
	cfg           ConnConfig
	loop          *EventLoopContext
	logger        *slog.Logger
	stats         *connStats

	status atomic.Int32

	mu   sync.Mutex
	rocs map[RequestId]*RoC

	sender MessageSender

	sendQ    *sendQueue
	recvSet  *receiveSet
	sendWake chan struct{}
	shutdown_ chan error // buffered 1; see shutdown()

	shuttingDownFlag atomic.Bool
	curErr           atomic.Pointer[errBox]

	stopping    atomic.Bool
	dialLimiter *rate.Limiter
	backoff     *backoffPolicy

	dial func(ctx context.Context, addr string) (net.Conn, error)

	done chan struct{}
}

// NewConnection builds a Connection and immediately starts its sender
// goroutine, which drives the connect-authenticate-serve-reconnect cycle
// (spec §4.4), the same way the teacher's NewClient starts `go c.manage()`.
func NewConnection(addr string, auth Authenticator, cfg ConnConfig, loop *EventLoopContext, stats *Stats, logger *slog.Logger) *Connection {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		Addr:          addr,
		Authenticator: auth,
		cfg:           cfg,
		loop:          loop,
		logger:        logger.With("addr", addr),
		stats:         stats.forConnection(addr),
		rocs:          make(map[RequestId]*RoC),
		sendQ:         newSendQueue(),
		recvSet:       newReceiveSet(),
		sendWake:      make(chan struct{}, 1),
		shutdown_:     make(chan error, 1),
		dialLimiter:   rate.NewLimiter(rate.Limit(cfg.DialsPerSecond), 1),
		backoff:       newBackoffPolicy(cfg.BackoffMax),
		done:          make(chan struct{}),
	}
	c.sendQ.onDwell = func(d time.Duration) { c.stats.observeDwell(d) }
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	go c.run()
	return c
}

func (c *Connection) setStatus(s Status) { c.status.Store(int32(s)) }

// Status reports the Connection's current lifecycle state.
func (c *Connection) Status() Status { return Status(c.status.Load()) }

// currentException returns the exception saved by an in-flight shutdown, or
// nil. While non-nil, start/registerForSending/registerForErrorNotification
// must fail (spec §4.4's concurrency discipline).
func (c *Connection) currentException() error {
	b := c.curErr.Load()
	if b == nil {
		return nil
	}
	return b.err
}

// Stop marks the Connection for permanent shutdown: the run loop will not
// attempt to reconnect after the current episode ends.
func (c *Connection) Stop() {
	c.stopping.Store(true)
	c.shutdown(ErrClosed, noRequest)
}

// Done is closed once the Connection's run loop has exited for good (after
// Stop).
func (c *Connection) Done() <-chan struct{} { return c.done }

// AwaitConnected blocks until the Connection reaches Connected status
// again, returns ErrClosed once it has stopped for good, or ctx.Err() if
// ctx is done first. The all-nodes request kit uses this to resume a
// dropped RoC once its Connection has reconnected on its own (spec
// §4.9's "per-connection retry").
func (c *Connection) AwaitConnected(ctx context.Context) error {
	const pollInterval = 5 * time.Millisecond
	for {
		if c.Status() == Connected {
			return nil
		}
		select {
		case <-c.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (c *Connection) run() {
	defer close(c.done)
	for {
		if c.stopping.Load() {
			return
		}

		conn, sender, receiver, err := c.connect()
		if err != nil {
			c.setStatus(Disconnected)
			var ae *AuthError
			if errors.As(err, &ae) {
				c.logger.Error("authentication failed; not reconnecting", "err", err)
				return
			}
			c.logger.Warn("connect failed", "err", err)
			c.backoff.wait(context.Background())
			continue
		}
		c.backoff.reset()

		c.sender = sender
		c.setStatus(Connected)
		c.stats.setConnected(true)

		stopRecv := make(chan struct{})
		go c.receiverLoop(conn, receiver, stopRecv)

		exc := c.sendLoop()
		close(stopRecv)
		c.shutdownImpl(conn, exc)
		c.stats.setConnected(false)
	}
}

// connect performs the initial-handshake protocol: DNS-resolved TCP
// connect, keepalive tuning, then authentication (spec §1, §4.4).
func (c *Connection) connect() (net.Conn, MessageSender, MessageReceiver, error) {
	c.setStatus(Connecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	if err := c.dialLimiter.Wait(ctx); err != nil {
		return nil, nil, nil, err
	}

	conn, err := c.dial(ctx, c.Addr)
	if err != nil {
		return nil, nil, nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAliveConfig(net.KeepAliveConfig{
			Enable:   true,
			Idle:     5 * time.Second,
			Interval: 3 * time.Second,
			Count:    3,
		})
	}

	sender := newFrameSender(conn)
	receiver := newFrameReceiver(conn, c.cfg.ReadBufferSize)

	if c.Authenticator != nil {
		c.setStatus(Authenticating)
		if err := c.Authenticator.Authenticate(sender, receiver); err != nil {
			conn.Close()
			return nil, nil, nil, &AuthError{Err: err}
		}
	}

	return conn, sender, receiver, nil
}

// sendLoop is the sender goroutine's steady-state loop (spec §4.4): drain
// the send queue, then wait for either a new push or a shutdown request.
func (c *Connection) sendLoop() error {
	for {
		c.sendQ.drain(c.handleOneRequestSend)

		select {
		case <-c.sendWake:
			continue
		case exc := <-c.shutdown_:
			return exc
		}
	}
}

// handleOneRequestSend writes the payload the addressed RoC staged during
// registerForSending, or does nothing if the RoC is already gone (spec
// §4.4's step 1: "the RoC may decline").
func (c *Connection) handleOneRequestSend(id RequestId) {
	roc := c.lookupRoC(id)
	if roc == nil {
		return
	}

	body := append([]byte(nil), roc.payload.Bytes()...)

	if _, err := c.sender.Assign(MsgRequest, id, body); err != nil {
		c.shutdown(err, noRequest)
		return
	}
	c.stats.addBytesSent(frameHeaderSize + len(body))
	roc.resume(wakeMsg{kind: wakeSent})
}

// receiverLoop is the receiver goroutine (spec §4.4): read frames until the
// connection is closed out from under it, dispatching each to the RoC
// waiting on its RequestId.
func (c *Connection) receiverLoop(conn net.Conn, receiver MessageReceiver, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := receiver.Receive(c.dispatchReceived); err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.shutdown(err, noRequest)
			return
		}
	}
}

func (c *Connection) dispatchReceived(msg Message) {
	if msg.Type != MsgRequest {
		c.shutdown(protocolErrorf("unexpected message type %d on established connection", msg.Type), noRequest)
		return
	}
	if !c.recvSet.remove(msg.RequestId) {
		c.shutdown(protocolErrorf("unsolicited message for request %d", msg.RequestId), noRequest)
		return
	}
	roc := c.lookupRoC(msg.RequestId)
	if roc == nil {
		return // raced with shutdown/detach; nothing to deliver to
	}
	c.stats.addBytesReceived(frameHeaderSize + len(msg.Body))
	roc.resume(wakeMsg{kind: wakeReceived, body: msg.Body})
}

// registerForSending pushes r onto the send queue and wakes an idle sender
// goroutine (spec §4.2's push, §4.5's nextEvent send branch). It always
// reports wouldBlock=true in this port: the RoC's goroutine and the
// Connection's sender goroutine are different goroutines, so there is no
// same-stack synchronous fast path the way there is in the fiber-based
// source (see SPEC_FULL.md §4.1/§5 REDESIGN FLAG).
func (c *Connection) registerForSending(r *RoC) (wouldBlock bool, err error) {
	if err := c.currentException(); err != nil {
		return false, err
	}
	c.attachRoC(r)
	if !c.sendQ.push(r.ID) {
		return false, protocolErrorf("roc %d already queued for sending", r.ID)
	}
	select {
	case c.sendWake <- struct{}{}:
	default:
	}
	return true, nil
}

func (c *Connection) unregisterSending(id RequestId) {
	c.sendQ.remove(id)
}

func (c *Connection) registerForErrorNotification(r *RoC) error {
	if err := c.currentException(); err != nil {
		return err
	}
	c.attachRoC(r)
	c.recvSet.put(r.ID)
	return nil
}

func (c *Connection) unregisterErrorNotification(id RequestId) {
	c.recvSet.remove(id)
}

func (c *Connection) attachRoC(r *RoC) {
	c.mu.Lock()
	c.rocs[r.ID] = r
	c.mu.Unlock()
}

// Detach removes an RoC once its handler has fully terminated. Callers
// (RequestSet/dispatch) must call this exactly once per RoC.
func (c *Connection) Detach(id RequestId) {
	c.mu.Lock()
	delete(c.rocs, id)
	c.mu.Unlock()
}

func (c *Connection) lookupRoC(id RequestId) *RoC {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rocs[id]
}

func (c *Connection) notifyShutdown(id RequestId, exc error) {
	c.mu.Lock()
	r := c.rocs[id]
	delete(c.rocs, id)
	c.mu.Unlock()
	if r != nil {
		r.resume(wakeMsg{kind: wakeErr, err: exc})
	}
}

// shutdown requests a teardown of this Connection (spec §4.4).
//
// If originID is given, it is removed from the SendQueue/ReceiveSet first,
// so the RoC that triggered its own connection's shutdown is not also
// notified of that shutdown (spec §4.4).
func (c *Connection) shutdown(exc error, originID RequestId) {
	if originID != noRequest {
		c.sendQ.remove(originID)
		c.recvSet.remove(originID)
	}
	if !c.shuttingDownFlag.CompareAndSwap(false, true) {
		return // shutdown already in flight
	}
	c.curErr.Store(&errBox{err: exc})
	select {
	case c.shutdown_ <- exc:
	default:
	}
}

// shutdownImpl runs on the sender goroutine once sendLoop returns,
// implementing spec §4.4's five numbered steps.
func (c *Connection) shutdownImpl(conn net.Conn, exc error) {
	c.setStatus(ShuttingDown)
	conn.Close()

	c.sendQ.drain(func(id RequestId) {
		c.recvSet.remove(id)
		c.notifyShutdown(id, exc)
	})
	c.recvSet.drain(func(id RequestId) {
		c.notifyShutdown(id, exc)
	})

	c.curErr.Store(nil)
	c.shuttingDownFlag.Store(false)
	c.setStatus(Disconnected)
}
