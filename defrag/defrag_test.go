package defrag

import (
	"bytes"
	"testing"
)

func TestReassemblerClosesOnShortFragment(t *testing.T) {
	r := New()
	if _, closed := r.Feed(StreamMBus, bytes.Repeat([]byte{0xAB}, 255)); closed {
		t.Fatal("255-byte fragment should not close the message")
	}
	if _, closed := r.Feed(StreamMBus, bytes.Repeat([]byte{0xAB}, 255)); closed {
		t.Fatal("second 255-byte fragment should not close the message")
	}
	msg, closed := r.Feed(StreamMBus, []byte{0x01, 0x02})
	if !closed {
		t.Fatal("short fragment should close the message")
	}
	if len(msg) != 255+255+2 {
		t.Fatalf("got combined length %d, want %d", len(msg), 255+255+2)
	}
}

func TestReassemblerStreamsIndependent(t *testing.T) {
	r := New()
	r.Feed(StreamMBus, bytes.Repeat([]byte{0x01}, 255))
	msg, closed := r.Feed(StreamI2C, []byte{0x02})
	if !closed || !bytes.Equal(msg, []byte{0x02}) {
		t.Fatalf("i2c stream should close independently of mbus stream: %v %v", msg, closed)
	}
}

func TestFormatCommon(t *testing.T) {
	msg := append([]byte{0x00, 0x00, 0x01, 0x00}, append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 0x01)...)
	c, err := FormatCommon(msg)
	if err != nil {
		t.Fatalf("FormatCommon: %v", err)
	}
	if c.AddrUint32() != 0x00000100 {
		t.Fatalf("got addr 0x%x", c.AddrUint32())
	}
	if !bytes.Equal(c.Data, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("got data %x", c.Data)
	}
	if !c.CB0 || c.CB1 {
		t.Fatalf("got cb0=%v cb1=%v, want ACK (01)", c.CB0, c.CB1)
	}
	if !c.Success() {
		t.Fatal("ACK control bits should report Success()")
	}
}
