package neo

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
)

// Wire layout (spec §6), fixed to network byte order — resolving the open
// question spec.md §9 leaves undocumented:
//
//	+---- 4 bytes ----+-- 1 byte --+-- 8 bytes --+----- body -----+
//	|   body_length   | msg_type   | request_id  |      body      |
//	+-----------------+------------+-------------+-----------------+
//
// body_length counts only the body that follows request_id; msg_type and
// request_id are not included in the count.
const frameHeaderSize = 4 + 1 + 8

// maxFrameBody bounds a single message body to guard against a corrupt
// length prefix turning into an unbounded allocation.
const maxFrameBody = 64 << 20

// frameSender implements MessageSender over a net.Conn, buffering partial
// writes the way the teacher's resp.go buffers partial reads.
type frameSender struct {
	conn    net.Conn
	pending []byte // unwritten remainder of the current frame
}

func newFrameSender(conn net.Conn) *frameSender {
	return &frameSender{conn: conn}
}

func encodeFrame(typ MessageType, id RequestId, body []byte) []byte {
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)))
	buf[4] = byte(typ)
	binary.BigEndian.PutUint64(buf[5:13], uint64(id))
	copy(buf[13:], body)
	return buf
}

func (s *frameSender) Assign(typ MessageType, id RequestId, body []byte) (bool, error) {
	s.pending = encodeFrame(typ, id, body)
	return s.FinishSending()
}

func (s *frameSender) FinishSending() (bool, error) {
	for len(s.pending) > 0 {
		n, err := s.conn.Write(s.pending)
		s.pending = s.pending[n:]
		if err != nil {
			if isTimeout(err) {
				return true, nil
			}
			return false, err
		}
	}
	return false, nil
}

// isTimeout reports whether err is a network timeout, the signal a
// non-blocking caller uses to mean "would block, try again on the next
// writable event" (spec §4.1, §4.4 step 2).
func isTimeout(err error) bool {
	var ne net.Error
	if nerr, ok := err.(net.Error); ok {
		ne = nerr
		return ne.Timeout()
	}
	return false
}

// frameReceiver implements MessageReceiver over a buffered net.Conn reader.
type frameReceiver struct {
	r *bufio.Reader
}

func newFrameReceiver(conn net.Conn, bufSize int) *frameReceiver {
	return &frameReceiver{r: bufio.NewReaderSize(conn, bufSize)}
}

// Receive reads exactly one frame, blocking until its header and whole body
// have arrived, and passes it to cb. The Connection's receiver goroutine
// calls this in a loop until a read fails, e.g. because the socket was
// closed (spec §4.4's receiver task).
func (r *frameReceiver) Receive(cb func(Message)) error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return err
	}
	bodyLen := binary.BigEndian.Uint32(header[0:4])
	if bodyLen > maxFrameBody {
		return protocolErrorf("frame body length %d exceeds limit %d", bodyLen, maxFrameBody)
	}
	typ := MessageType(header[4])
	id := RequestId(binary.BigEndian.Uint64(header[5:13]))

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r.r, body); err != nil {
			return err
		}
	}
	cb(Message{Type: typ, RequestId: id, Body: body})
	return nil
}
