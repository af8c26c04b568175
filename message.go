package neo

import "sync/atomic"

// RequestId is an opaque identifier, globally unique within a client
// process for the lifetime of the process. It is monotonically allocated
// and never reused; zero means "no request" (spec §3).
type RequestId uint64

// noRequest is the reserved "no request" sentinel.
const noRequest RequestId = 0

// requestIdAllocator hands out monotonically increasing, never-reused
// RequestIds. The zero value is ready to use; its first allocation returns 1.
type requestIdAllocator struct {
	next atomic.Uint64
}

func (a *requestIdAllocator) allocate() RequestId {
	return RequestId(a.next.Add(1))
}

// Command identifies a request type on the wire: a code plus a version,
// immutable per request kind (spec §3).
type Command struct {
	Code    uint16
	Version uint8
}

// MessageType distinguishes the handful of message shapes the core cares
// about. Only Request is interpreted by the core; the rest are reserved for
// the authentication handshake (spec §3, §6) and are handled underneath it.
type MessageType uint8

const (
	// MsgRequest carries a RequestId-addressed request/reply body.
	MsgRequest MessageType = 0
	// MsgAuthChallenge carries a node-issued authentication nonce.
	MsgAuthChallenge MessageType = 1
	// MsgAuthResponse carries a client-issued HMAC response to a nonce.
	MsgAuthResponse MessageType = 2
)

// Message is one fully assembled frame: a type, the RequestId it addresses
// (zero for non-Request types), and its body.
type Message struct {
	Type      MessageType
	RequestId RequestId
	Body      []byte
}

// StatusCode is the single status byte that prefixes the node's first reply
// to a freshly-initialised request (spec §6, §8 property 6).
type StatusCode uint8

const (
	// StatusOK means the node accepted the request; request-specific
	// status codes start above this reserved range.
	StatusOK StatusCode = 0
	// StatusRequestNotSupported means the node does not implement this
	// command code at all. Handled globally before any request sees it
	// (spec §4.9, §7.4, §8 property 7).
	StatusRequestNotSupported StatusCode = 1
	// StatusRequestVersionNotSupported means the node implements the
	// command but not this Command.Version. Handled globally, same as
	// StatusRequestNotSupported.
	StatusRequestVersionNotSupported StatusCode = 2
)

func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRequestNotSupported:
		return "request not supported"
	case StatusRequestVersionNotSupported:
		return "request version not supported"
	default:
		return "status " + itoa(int(s))
	}
}

// ControlCode is the wire-level message a suspendable request's steady
// state handler exchanges with a node at every Suspend/Resume/Stop
// transition (spec §4.7 step 4, §6): the client sends one of the first
// three, and the node always answers with ControlAck.
type ControlCode uint8

const (
	ControlSuspend ControlCode = 1
	ControlResume  ControlCode = 2
	ControlStop    ControlCode = 3
	ControlAck     ControlCode = 4
)

func (c ControlCode) String() string {
	switch c {
	case ControlSuspend:
		return "suspend"
	case ControlResume:
		return "resume"
	case ControlStop:
		return "stop"
	case ControlAck:
		return "ack"
	default:
		return "control " + itoa(int(c))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// MessageSender is the non-blocking, framing-layer contract the Connection
// engine consumes to write one message. Assign stages a message for
// sending; it returns true when the message could not be written in one
// go, in which case the caller must call FinishSending on subsequent
// writable events. Both methods may do partial, non-blocking I/O
// (spec §4.1).
type MessageSender interface {
	// Assign stages typ/id/body for sending, attempting to write it
	// fully without blocking. It returns true if more writes are needed.
	Assign(typ MessageType, id RequestId, body []byte) (wouldBlock bool, err error)
	// FinishSending continues a write staged by Assign. It returns true
	// if the message is still incomplete (caller must wait for the next
	// writable event).
	FinishSending() (wouldBlock bool, err error)
}

// MessageReceiver is the non-blocking, framing-layer contract the Connection
// engine consumes to read messages. Receive is called whenever the socket
// reports readable; it invokes cb once per fully assembled message, and may
// invoke cb zero or more times per call (spec §4.1).
type MessageReceiver interface {
	Receive(cb func(Message)) error
}

// Authenticator performs the initial-handshake protocol's authentication
// step once TCP connect succeeds, before the Connection is usable for
// requests (spec §1, §4.4, §7.3). A failure is fatal to the connection
// attempt and is not retried by the sender loop.
type Authenticator interface {
	Authenticate(sender MessageSender, receiver MessageReceiver) error
}
