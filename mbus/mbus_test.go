package mbus

import "testing"

func TestShortAddrWord(t *testing.T) {
	got := shortAddrWord(0xe, FnMemoryWrite)
	want := uint32(0xe2)
	if got != want {
		t.Fatalf("shortAddrWord = %#x, want %#x", got, want)
	}
}

func TestPutGetU32RoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	putU32(buf, 0xdeadbeef)
	if got := getU32(buf); got != 0xdeadbeef {
		t.Fatalf("round trip = %#x, want 0xdeadbeef", got)
	}
}
