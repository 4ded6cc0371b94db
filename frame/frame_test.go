package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: 'V', EventID: 0, Payload: nil},
		{Type: 'b', EventID: 7, Payload: []byte{0x10, 0x00, 0x00, 0x01}},
		{Type: TypeACK, EventID: 255, Payload: []byte{0x01}},
	}
	for _, f := range cases {
		enc, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode(%v): %v", f, err)
		}
		if int(enc[2]) != len(f.Payload) {
			t.Fatalf("length byte mismatch: got %d want %d", enc[2], len(f.Payload))
		}
		got, err := Decode(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Type != f.Type || got.EventID != f.EventID || !bytes.Equal(got.Payload, f.Payload) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, f)
		}
	}
}

func TestEncodeOversizePayload(t *testing.T) {
	_, err := Encode(Frame{Type: 'b', Payload: make([]byte, 256)})
	if err == nil {
		t.Fatal("expected FormatError for oversize payload")
	}
}

func TestDecodeShortHeader(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x01, 0x02}))
	if err == nil {
		t.Fatal("expected error on short header")
	}
}
