package mbus

import (
	"encoding/binary"

	"github.com/m3ice/icebridge/iceerr"
)

const (
	runCPUAssert = 0x10000000
	runCPUClear  = 0x10000001
)

// chunkSizeBytes matches the original's 128-byte-per-packet chunking.
const chunkSizeBytes = 128

// Programmer flashes a binary image to the target over MBus, reproducing
// the wire shape of m3_mbus.py's mbus_controller.cmd_program: assert
// RUN_CPU reset, write the image in 128-byte chunks with each word
// byte-swapped to big-endian, then clear RUN_CPU reset.
type Programmer struct {
	t *Transport
}

// NewProgrammer builds a Programmer over an already-configured Transport.
func NewProgrammer(t *Transport) *Programmer { return &Programmer{t: t} }

// Flash writes image to the target starting at memory address 0.
func (p *Programmer) Flash(image []byte) error {
	if len(image)%4 != 0 {
		return &iceerr.ParameterError{Reason: "image length must be a multiple of 4 bytes"}
	}
	if err := p.t.writeRunCPU(runCPUAssert); err != nil {
		return err
	}
	swapped := swapWordEndian(image)
	for offset := 0; offset < len(swapped); offset += chunkSizeBytes {
		end := offset + chunkSizeBytes
		if end > len(swapped) {
			end = len(swapped)
		}
		if err := p.writeChunk(uint32(offset), swapped[offset:end]); err != nil {
			return err
		}
	}
	return p.t.writeRunCPU(runCPUClear)
}

func (t *Transport) writeRunCPU(value uint32) error {
	if err := t.requireReady(); err != nil {
		return err
	}
	payload := make([]byte, 8)
	putU32(payload[0:4], shortAddrWord(t.prefix, FnRegisterWrite))
	putU32(payload[4:8], value)
	_, err := t.sess.SendUntilAcked('b', payload, retries)
	return err
}

func (p *Programmer) writeChunk(memAddr uint32, data []byte) error {
	payload := make([]byte, 8+len(data))
	putU32(payload[0:4], shortAddrWord(p.t.prefix, FnMemoryWrite))
	putU32(payload[4:8], memAddr)
	copy(payload[8:], data)
	_, err := p.t.sess.SendFragmented('b', payload)
	return err
}

// swapWordEndian reinterprets image as little-endian 32-bit words and
// repacks them big-endian, matching cmd_program's unpack-little/pack-big
// dance before transmission.
func swapWordEndian(image []byte) []byte {
	out := make([]byte, len(image))
	for i := 0; i+4 <= len(image); i += 4 {
		w := binary.LittleEndian.Uint32(image[i : i+4])
		binary.BigEndian.PutUint32(out[i:i+4], w)
	}
	return out
}
