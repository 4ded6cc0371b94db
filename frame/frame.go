// Package frame implements the ICE wire frame: a fixed three-byte header
// {type, event_id, length} followed by length bytes of payload. Types 0 and
// 1 are reserved for ACK and NAK.
package frame

import (
	"io"

	"github.com/m3ice/icebridge/iceerr"
)

const (
	TypeACK byte = 0
	TypeNAK byte = 1
)

// MaxPayload is the largest payload a single frame can carry; length is a
// single byte on the wire.
const MaxPayload = 255

// Frame is a single decoded ICE protocol frame.
type Frame struct {
	Type    byte
	EventID byte
	Payload []byte
}

// Encode serializes f as {type, event_id, length, payload...}. It fails
// with FormatError if the payload exceeds MaxPayload bytes.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, &iceerr.FormatError{Reason: "payload exceeds 255 bytes"}
	}
	buf := make([]byte, 3+len(f.Payload))
	buf[0] = f.Type
	buf[1] = f.EventID
	buf[2] = byte(len(f.Payload))
	copy(buf[3:], f.Payload)
	return buf, nil
}

// Reader is the minimal read surface FrameCodec needs from the transport
// below it (SerialLink in production, an io.Pipe or bytes.Reader in tests).
type Reader interface {
	Read(p []byte) (int, error)
}

// Decode reads exactly one frame from r. A short read of the 3-byte header
// or of the payload surfaces as whatever error r.Read returns (typically an
// iceerr.TimeoutError from the link layer); Decode itself does not impose a
// timeout.
func Decode(r Reader) (Frame, error) {
	hdr := make([]byte, 3)
	if err := readFull(r, hdr); err != nil {
		return Frame{}, err
	}
	length := int(hdr[2])
	payload := make([]byte, length)
	if length > 0 {
		if err := readFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: hdr[0], EventID: hdr[1], Payload: payload}, nil
}

func readFull(r Reader, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := r.Read(buf[got:])
		got += n
		if err != nil {
			if err == io.EOF && got == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}
