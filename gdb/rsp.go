// Package gdb implements GdbServer: a single-connection TCP server speaking
// the GDB remote serial protocol, translating a subset of GDB packets into
// target.Controller operations.
package gdb

import (
	"bufio"
	"fmt"
	"sync"
)

// ctrlC is the Ctrl-C byte GDB sends outside of packet framing to request
// an asynchronous interrupt.
const ctrlC = 0x03

// frameWriter serializes writes to the connection's bufio.Writer. Serve runs
// a dedicated packet-reading goroutine so a blocked handleContinue/handleStep
// can still notice an incoming Ctrl-C; that goroutine's packet ACKs and the
// main loop's reply packets both land on the same underlying writer, so both
// go through here instead of touching w directly.
type frameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (f *frameWriter) ack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.w.WriteByte('+'); err != nil {
		return err
	}
	return f.w.Flush()
}

func (f *frameWriter) packet(payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := fmt.Fprintf(f.w, "$%s#%02x", payload, checksum(payload)); err != nil {
		return err
	}
	return f.w.Flush()
}

// readPacket reads one RSP packet ("$payload#cc") from r, ACKing it through
// fw as soon as the checksum is verified. A bare Ctrl-C byte encountered
// before a '$' is reported as the special packet "\x03". A '+'
// encountered outside packet framing is silently discarded, matching spec
// §4.7 ("each received '+' is discarded").
func readPacket(r *bufio.Reader, fw *frameWriter) (string, error) {
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		switch c {
		case ctrlC:
			return "\x03", nil
		case '+':
			continue
		case '$':
			payload, err := r.ReadString('#')
			if err != nil {
				return "", err
			}
			payload = payload[:len(payload)-1]
			c1, err := r.ReadByte()
			if err != nil {
				return "", err
			}
			c2, err := r.ReadByte()
			if err != nil {
				return "", err
			}
			want := fmt.Sprintf("%02x", checksum(payload))
			got := string([]byte{c1, c2})
			if got != want {
				return "", fmt.Errorf("gdb: checksum mismatch (got %s want %s)", got, want)
			}
			if err := fw.ack(); err != nil {
				return "", err
			}
			return payload, nil
		}
	}
}

// writePacket frames payload as "$payload#cc" and writes it through fw.
func writePacket(fw *frameWriter, payload string) error {
	return fw.packet(payload)
}

func checksum(payload string) byte {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum += payload[i]
	}
	return sum
}
