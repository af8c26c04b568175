package neo

import "encoding/binary"

// pod is the set of plain-old-data integer kinds Payload.Add knows how to
// encode directly, mirroring the narrow set of value types the teacher's
// codec.go hand-rolls encoders for (addDecimal, addBytesInt, ...).
type pod interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 | ~int64 | ~uint64
}

// scratchSize is the fixed in-builder buffer for AddCopy, preserved from
// spec's design notes: many requests append enum-typed constants that are
// not addressable lvalues in the source implementation, so a small scratch
// area holds a byte-for-byte copy long enough to be appended.
const scratchSize = 256

// Payload is a scope-lifetime builder for one request's send body. It is
// obtained from an EventDispatcher call and must not outlive that call
// (spec §4.5).
type Payload struct {
	buf     []byte
	scratch [scratchSize]byte
	used    int
}

func newPayload() *Payload {
	return &Payload{}
}

func (p *Payload) reset() {
	p.buf = p.buf[:0]
	p.used = 0
}

// Bytes returns the accumulated body. Valid only until the Payload is
// reused by its owning RoC.
func (p *Payload) Bytes() []byte { return p.buf }

// AddBytes appends a raw byte slice without a length prefix.
func (p *Payload) AddBytes(b []byte) *Payload {
	p.buf = append(p.buf, b...)
	return p
}

// AddString appends a raw string without a length prefix.
func (p *Payload) AddString(s string) *Payload {
	p.buf = append(p.buf, s...)
	return p
}

// Add appends one POD value in network byte order.
func Add[T pod](p *Payload, v T) *Payload {
	switch any(v).(type) {
	case int8, uint8:
		p.buf = append(p.buf, byte(v))
	case int16, uint16:
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(v))
		p.buf = append(p.buf, tmp[:]...)
	case int32, uint32:
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(v))
		p.buf = append(p.buf, tmp[:]...)
	default:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
		p.buf = append(p.buf, tmp[:]...)
	}
	return p
}

// AddArray appends a length-prefixed array of POD values: a uint32 element
// count followed by each element in network byte order (spec §4.5's
// addArray, which "prepends the length as a copied value").
func AddArray[T pod](p *Payload, values []T) *Payload {
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(values)))
	p.buf = append(p.buf, countBuf[:]...)
	for _, v := range values {
		Add(p, v)
	}
	return p
}

// AddCopy stages a non-addressable constant (e.g. an enum literal) through
// the builder's fixed scratch buffer before appending it, matching spec's
// design note on addCopy. It panics if the remaining scratch space is
// exhausted across the Payload's lifetime — 256 bytes comfortably covers
// the handful of constants a single request prelude adds.
func AddCopy[T pod](p *Payload, v T) *Payload {
	n := podSize(v)
	if p.used+n > scratchSize {
		panic("neo: Payload scratch buffer exhausted")
	}
	start := p.used
	p.used += n
	tmp := p.scratch[start:p.used]
	switch n {
	case 1:
		tmp[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(tmp, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(tmp, uint32(v))
	default:
		binary.BigEndian.PutUint64(tmp, uint64(v))
	}
	p.buf = append(p.buf, tmp...)
	return p
}

func podSize[T pod](v T) int {
	switch any(v).(type) {
	case int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32:
		return 4
	default:
		return 8
	}
}

// AddCommand appends the standard request prelude: cmd.code, cmd.ver,
// i.e. the first bytes of every initial Request payload (spec §6).
func (p *Payload) AddCommand(cmd Command) *Payload {
	Add(p, cmd.Code)
	Add(p, cmd.Version)
	return p
}
