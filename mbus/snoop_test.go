package mbus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/m3ice/icebridge/defrag"
)

func TestSnoopWriterWritesRow(t *testing.T) {
	var buf bytes.Buffer
	w := NewSnoopWriter(&buf, func() float64 { return 1234.5 })
	c := defrag.Common{Addr: [4]byte{0xe1, 0, 0, 0}, Data: []byte{0xaa, 0xbb}, CB0: true, CB1: false}
	if err := w.Write(c); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "1234.5") || !strings.Contains(out, "e1000000") || !strings.Contains(out, "aabb") {
		t.Fatalf("unexpected row: %q", out)
	}
}

func TestReplayPeerDecodesRows(t *testing.T) {
	csv := "1234.5,e1000000,aabb\n"
	p := NewReplayPeer(strings.NewReader(csv))
	payload, err := p.Next()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xe1, 0, 0, 0, 0xaa, 0xbb, 0x02}
	if !bytes.Equal(payload, want) {
		t.Fatalf("payload = % x, want % x", payload, want)
	}
	if _, err := p.Next(); err == nil {
		t.Fatal("expected EOF on second Next")
	}
}
