// Package defrag implements the stateful per-stream reassembler for the
// fragmented asynchronous streams d, b, and B: fragments of length 255
// continue a message, a fragment of any other length closes it.
package defrag

import (
	"sync"

	"github.com/m3ice/icebridge/iceerr"
)

// Streams are the three fragmented asynchronous message types.
const (
	StreamI2C   = 'd'
	StreamMBus  = 'b'
	StreamSnoop = 'B'
)

// Reassembler holds one buffer per stream. All streams share a single lock,
// so a Feed on one stream waits for a Feed in progress on any other.
type Reassembler struct {
	mu  sync.Mutex
	buf map[byte][]byte
}

// New constructs an empty Reassembler.
func New() *Reassembler {
	return &Reassembler{buf: make(map[byte][]byte)}
}

// Feed appends payload to the buffer for stream typ. A 255-byte fragment
// continues the message and Feed returns (nil, false). Any other length
// closes it: Feed returns the assembled message and true, and resets the
// buffer for the next message.
func (r *Reassembler) Feed(typ byte, payload []byte) (message []byte, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[typ] = append(r.buf[typ], payload...)
	if len(payload) == 255 {
		return nil, false
	}
	msg := r.buf[typ]
	delete(r.buf, typ)
	return msg, true
}

// Common is the second-stage parse of a closed b+/B+ message: spec §4.4's
// common_bB_formatter, splitting {addr: 4 bytes, data: N-1 bytes,
// control: 1 byte}.
type Common struct {
	Addr    [4]byte
	Data    []byte
	CB0     bool
	CB1     bool
}

// FormatCommon parses a reassembled b+/B+ payload into its address, data,
// and control-bit fields.
func FormatCommon(msg []byte) (Common, error) {
	if len(msg) < 5 {
		return Common{}, &iceerr.FormatError{Reason: "b+/B+ message shorter than addr+control"}
	}
	var c Common
	copy(c.Addr[:], msg[0:4])
	c.Data = append([]byte(nil), msg[4:len(msg)-1]...)
	control := msg[len(msg)-1]
	c.CB0 = control&0x1 != 0
	c.CB1 = control&0x2 != 0
	return c, nil
}

// Success reports the "success" bit the original implementation computes
// as cb0 & ~cb1. Spec §9 flags this as ambiguous: the control-bit truth
// table is cb=00 general error, cb=01 ACK, cb=10 TX/RX error, cb=11 NAK, so
// "success" by that table is CB0 && !CB1, which is exactly what this
// method preserves. Callers that need the full four-state classification
// should inspect CB0/CB1 directly rather than relying on Success alone.
func (c Common) Success() bool {
	return c.CB0 && !c.CB1
}

// AddrUint32 decodes Addr as a big-endian 32-bit value, the shape every
// MBus address field uses on the wire.
func (c Common) AddrUint32() uint32 {
	return uint32(c.Addr[0])<<24 | uint32(c.Addr[1])<<16 | uint32(c.Addr[2])<<8 | uint32(c.Addr[3])
}
