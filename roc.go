package neo

import "encoding/binary"

// EventFlags selects which wake reasons NextEvent is willing to accept,
// mirroring spec's `flags ⊆ {Receive, Yield}` (spec §4.5). Send readiness
// is implied by passing a non-nil fill function, not by a flag.
type EventFlags uint8

const (
	FlagReceive EventFlags = 1 << iota
	FlagYield
)

// EventKind classifies why NextEvent returned.
type EventKind uint8

const (
	EventSent EventKind = iota
	EventReceived
	EventResumedYielded
	EventResumedWithCode
)

// Event is the classified wake reason delivered by NextEvent.
type Event struct {
	Kind EventKind
	// Body is valid only for EventReceived, and only until the RoC's
	// next suspension point (spec invariant 5) — callers must copy or
	// fully consume it before calling NextEvent again.
	Body []byte
	// Code is valid only for EventResumedWithCode.
	Code int
}

// wakeKind tags what roc.wake is delivering.
type wakeKind uint8

const (
	wakeSent wakeKind = iota
	wakeReceived
	wakeYielded
	wakeCode
	wakeErr
)

type wakeMsg struct {
	kind wakeKind
	body []byte
	code int
	err  error
}

// RoC is a request-on-connection: the per-request cooperative task handling
// one request on one specific Connection (spec §3, §4.5). Each RoC runs its
// Handler in its own goroutine; wake is its private mailbox, which plays
// the role spec's per-task identity token plays in the fiber-based source —
// since nothing but this RoC's owner ever holds a send-side reference to
// it, a stray wake cannot be misattributed (see SPEC_FULL.md §5).
type RoC struct {
	ID   RequestId
	Conn *Connection

	// Context is the caller-supplied per-request value; RoC merely
	// carries it to the handler (spec's user_context).
	Context any

	wake    chan wakeMsg // buffered 1: at most one outstanding wake
	payload *Payload

	registeredSend    bool
	registeredReceive bool
	registeredYield   bool
}

func newRoC(id RequestId, conn *Connection, ctx any) *RoC {
	return &RoC{
		ID:      id,
		Conn:    conn,
		Context: ctx,
		wake:    make(chan wakeMsg, 1),
		payload: newPayload(),
	}
}

// NextEvent is the sole suspension point of an RoC (spec §4.5, §5). It
// consumes exactly one wake; no send / receive / yield registration
// survives past this call: on every exit path, whichever were not consumed
// are unregistered.
func (r *RoC) NextEvent(flags EventFlags, fill func(*Payload)) (Event, error) {
	wantSend := fill != nil
	wantReceive := flags&FlagReceive != 0
	wantYield := flags&FlagYield != 0

	if wantSend {
		r.payload.reset()
		fill(r.payload)
		wouldBlock, err := r.Conn.registerForSending(r)
		if err != nil {
			return Event{}, err
		}
		if !wouldBlock {
			// Sent synchronously: no suspend needed (spec §4.5).
			r.unregisterAll()
			return Event{Kind: EventSent}, nil
		}
		r.registeredSend = true
	}
	if wantReceive {
		if err := r.Conn.registerForErrorNotification(r); err != nil {
			r.unregisterAll()
			return Event{}, err
		}
		r.registeredReceive = true
	}
	if wantYield {
		r.Conn.loop.registerYield(r)
		r.registeredYield = true
	}

	msg := <-r.wake

	switch msg.kind {
	case wakeSent:
		r.registeredSend = false
		if !wantSend {
			return r.protocolViolation("unexpected send completion")
		}
		r.unregisterAll()
		return Event{Kind: EventSent}, nil

	case wakeReceived:
		r.registeredReceive = false
		if !wantReceive {
			return r.protocolViolation("unsolicited message while not receiving")
		}
		r.unregisterAll()
		return Event{Kind: EventReceived, Body: msg.body}, nil

	case wakeYielded:
		r.registeredYield = false
		if !wantYield {
			return r.protocolViolation("unexpected yield resumption")
		}
		r.unregisterAll()
		return Event{Kind: EventResumedYielded}, nil

	case wakeCode:
		r.unregisterAll()
		return Event{Kind: EventResumedWithCode, Code: msg.code}, nil

	default: // wakeErr
		r.unregisterAll()
		return Event{}, msg.err
	}
}

func (r *RoC) protocolViolation(reason string) (Event, error) {
	err := protocolErrorf("roc %d: %s", r.ID, reason)
	r.unregisterAll()
	r.Conn.shutdown(err, r.ID)
	return Event{}, err
}

// unregisterAll clears whichever of send/receive/yield were not consumed by
// the wake that just arrived (spec §4.5's "on any exit path...").
func (r *RoC) unregisterAll() {
	if r.registeredSend {
		r.Conn.unregisterSending(r.ID)
		r.registeredSend = false
	}
	if r.registeredReceive {
		r.Conn.unregisterErrorNotification(r.ID)
		r.registeredReceive = false
	}
	if r.registeredYield {
		r.Conn.loop.unregisterYield(r.ID)
		r.registeredYield = false
	}
}

// resume delivers a wake to this RoC. It never blocks: the mailbox is
// buffered 1, and nothing sends a second wake before the RoC consumes the
// first (each registration is retired before the next is made).
func (r *RoC) resume(msg wakeMsg) {
	select {
	case r.wake <- msg:
	default:
		// Should not happen given the single-outstanding-wake
		// discipline above; drop rather than deadlock the resumer.
	}
}

// Send is a convenience wrapper asserting only EventSent is possible.
func (r *RoC) Send(fill func(*Payload)) error {
	ev, err := r.NextEvent(0, fill)
	if err != nil {
		return err
	}
	if ev.Kind != EventSent {
		return protocolErrorf("roc %d: send wrapper received non-Sent event", r.ID)
	}
	return nil
}

// Receive waits for one message and delivers its body to cb before the
// next suspension point (spec §4.5).
func (r *RoC) Receive(cb func([]byte) error) error {
	ev, err := r.NextEvent(FlagReceive, nil)
	if err != nil {
		return err
	}
	if ev.Kind != EventReceived {
		return protocolErrorf("roc %d: receive wrapper received non-Received event", r.ID)
	}
	return cb(ev.Body)
}

// ReceiveValue waits for a single message whose body is one fixed-size POD
// value of type T, decoded in network byte order.
func ReceiveValue[T pod](r *RoC) (T, error) {
	var zero T
	var size int
	switch any(zero).(type) {
	case int8, uint8:
		size = 1
	case int16, uint16:
		size = 2
	case int32, uint32:
		size = 4
	default:
		size = 8
	}

	var result T
	err := r.Receive(func(body []byte) error {
		if len(body) != size {
			return protocolErrorf("roc %d: expected %d-byte value, got %d bytes", r.ID, size, len(body))
		}
		switch size {
		case 1:
			result = T(body[0])
		case 2:
			result = T(binary.BigEndian.Uint16(body))
		case 4:
			result = T(binary.BigEndian.Uint32(body))
		default:
			result = T(binary.BigEndian.Uint64(body))
		}
		return nil
	})
	return result, err
}

// Yield registers with the connection's yield scheduler; a single pass
// resumes this RoC with EventResumedYielded (spec §4.5).
func (r *RoC) Yield() error {
	ev, err := r.NextEvent(FlagYield, nil)
	if err != nil {
		return err
	}
	if ev.Kind != EventResumedYielded {
		return protocolErrorf("roc %d: yield wrapper received non-yield event", r.ID)
	}
	return nil
}

// ShutdownConnection tears down this RoC's Connection, passing this RoC's
// id as the origin so it does not get notified of its own shutdown
// (spec §4.5, §4.4).
func (r *RoC) ShutdownConnection(err error) {
	r.unregisterAll()
	r.Conn.shutdown(err, r.ID)
}

// ShutdownWithProtocolError is ShutdownConnection with a *ProtocolError.
func (r *RoC) ShutdownWithProtocolError(format string, args ...any) {
	r.ShutdownConnection(protocolErrorf(format, args...))
}
