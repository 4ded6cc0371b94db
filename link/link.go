// Package link implements SerialLink: a reliable byte-stream abstraction
// over a serial device with a configurable baud rate and a bounded read
// timeout, plus the baud-divider table and baud autodetect. It does not
// build or send the sideband baud-renegotiation command; DividerForBaud
// only supplies the divider value. It is transport-agnostic: any io.ReadWriteCloser that also
// exposes a bounded-timeout Read (termios-backed serial.Port, D2XX-backed
// serial.FTDIPort, or an in-memory pipe in tests) can back it.
package link

import (
	"time"

	"github.com/m3ice/icebridge/iceerr"
	"github.com/m3ice/icebridge/mlog"
)

// Device is the minimal contract SerialLink needs from its transport.
type Device interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
	SetReadTimeout(d time.Duration)
	Close() error
}

// DefaultReadTimeout is the bounded timeout SerialLink reads use so the
// reader loop above it can poll a shutdown signal cleanly, matching spec §5.
const DefaultReadTimeout = 500 * time.Millisecond

// BaudDividers maps the wire-level 16-bit baud divider to the baud rate it
// selects (spec §6).
var BaudDividers = map[uint16]int{
	0x00AE: 115200,
	0x000A: 2000000,
	0x0007: 3000000,
}

// DividerForBaud is the inverse of BaudDividers.
func DividerForBaud(baud int) (uint16, bool) {
	for div, b := range BaudDividers {
		if b == baud {
			return div, true
		}
	}
	return 0, false
}

// AutodetectBauds is the ordered candidate list find_baud tries.
var AutodetectBauds = []int{115200, 2000000}

// AutodetectTimeout is the per-candidate timeout find_baud uses.
const AutodetectTimeout = 50 * time.Millisecond

// Link wraps a Device with the read/write semantics SerialLink needs above
// it: a caller-visible Read that surfaces short reads as iceerr.TimeoutError
// instead of returning a short buffer silently.
type Link struct {
	dev Device
}

// New wraps an already-open Device.
func New(dev Device) *Link {
	dev.SetReadTimeout(DefaultReadTimeout)
	return &Link{dev: dev}
}

// Write writes the entirety of p, matching SerialLink's "raw framed write"
// responsibility; callers (IceSession) are responsible for framing.
func (l *Link) Write(p []byte) error {
	for len(p) > 0 {
		n, err := l.dev.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

// ReadFull reads exactly len(buf) bytes, retrying short reads until the
// buffer is full, mirroring ice.py's useful_read. The first error from the
// device (normally its read timeout expiring) ends the read: ReadFull then
// returns an iceerr.TimeoutError carrying the partial bytes.
func (l *Link) ReadFull(buf []byte) error {
	start := time.Now()
	got := 0
	for got < len(buf) {
		n, err := l.dev.Read(buf[got:])
		got += n
		if err != nil {
			return &iceerr.TimeoutError{
				Elapsed:   time.Since(start).Seconds(),
				Partial:   append([]byte(nil), buf[:got]...),
				Requested: len(buf),
			}
		}
	}
	return nil
}

// ReadByte reads and discards exactly one byte, used by the session's
// resynchronization recovery (spec §4.3: "drain one byte and continue").
func (l *Link) ReadByte() error {
	var b [1]byte
	return l.ReadFull(b[:])
}

// Close closes the underlying device.
func (l *Link) Close() error {
	return l.dev.Close()
}

// Autodetect probes AutodetectBauds in order by setting the device's
// read timeout to AutodetectTimeout, sending a zero-payload 'V' version
// probe encoded by sendProbe, and returning the first baud that produces
// any reply bytes. baudSetter is invoked to actually change the line speed
// between probes (termios ioctl or D2XX SetBaudRate, depending on
// transport).
func Autodetect(l *Link, baudSetter func(baud int) error, sendProbe func() error) (int, error) {
	l.dev.SetReadTimeout(AutodetectTimeout)
	defer l.dev.SetReadTimeout(DefaultReadTimeout)
	for _, baud := range AutodetectBauds {
		if err := baudSetter(baud); err != nil {
			return 0, err
		}
		if err := sendProbe(); err != nil {
			return 0, err
		}
		probe := make([]byte, 1)
		n, _ := l.dev.Read(probe)
		if n > 0 {
			mlog.Get("link").Info("autodetect succeeded", "baud", baud)
			return baud, nil
		}
	}
	return 0, &iceerr.TimeoutError{Requested: 1}
}
