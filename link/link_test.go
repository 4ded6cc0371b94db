package link

import (
	"bytes"
	"testing"
	"time"
)

// fakeDevice is an in-memory Device used for tests, filling the role the
// socat pty pair plays in the original implementation's test suite, without
// spawning a subprocess (spec §1 excludes the pty plumbing from core scope).
type fakeDevice struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func newFakeDevice(preloaded []byte) *fakeDevice {
	return &fakeDevice{in: bytes.NewBuffer(preloaded), out: &bytes.Buffer{}}
}

func (f *fakeDevice) Write(p []byte) (int, error)    { return f.out.Write(p) }
func (f *fakeDevice) Read(p []byte) (int, error)     { return f.in.Read(p) }
func (f *fakeDevice) SetReadTimeout(d time.Duration) {}
func (f *fakeDevice) Close() error                   { return nil }

func TestLinkReadFull(t *testing.T) {
	dev := newFakeDevice([]byte{0x01, 0x02, 0x03})
	l := New(dev)
	buf := make([]byte, 3)
	if err := l.ReadFull(buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("got %v", buf)
	}
}

func TestLinkReadFullShort(t *testing.T) {
	dev := newFakeDevice([]byte{0x01})
	l := New(dev)
	buf := make([]byte, 3)
	err := l.ReadFull(buf)
	if err == nil {
		t.Fatal("expected timeout error on short read")
	}
}

func TestDividerRoundTrip(t *testing.T) {
	for _, baud := range []int{115200, 2000000, 3000000} {
		div, ok := DividerForBaud(baud)
		if !ok {
			t.Fatalf("no divider for %d", baud)
		}
		got, ok := BaudDividers[div]
		if !ok || got != baud {
			t.Fatalf("round trip failed for %d: got %d", baud, got)
		}
	}
}
