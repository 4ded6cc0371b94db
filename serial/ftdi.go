package serial

import (
	"fmt"
	"time"

	"periph.io/x/d2xx"
)

// FTDIPort is the alternate SerialLink backend for ICE bridge boards that
// expose their console through an onboard FTDI FT232-class USB-to-UART
// chip rather than a native tty. It satisfies the same io.ReadWriteCloser
// shape as Port so everything above the serial package stays
// transport-agnostic.
type FTDIPort struct {
	h           d2xx.Handle
	readTimeout time.Duration
}

// OpenFTDI opens the nth enumerated D2XX device (0-indexed) at the given
// baud rate.
func OpenFTDI(index int, baud uint32) (*FTDIPort, error) {
	devices, err := d2xx.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("d2xx: list devices: %w", err)
	}
	if index < 0 || index >= len(devices) {
		return nil, fmt.Errorf("d2xx: device index %d out of range (%d found)", index, len(devices))
	}
	h, err := d2xx.Open(devices[index])
	if err != nil {
		return nil, fmt.Errorf("d2xx: open: %w", err)
	}
	if err := h.SetBaudRate(baud); err != nil {
		h.Close()
		return nil, fmt.Errorf("d2xx: set baud rate: %w", err)
	}
	return &FTDIPort{h: h, readTimeout: 500 * time.Millisecond}, nil
}

// Write implements io.Writer.
func (f *FTDIPort) Write(data []byte) (int, error) {
	return f.h.Write(data)
}

// Read implements io.Reader using the read timeout most recently set by
// SetReadTimeout, mirroring Port.Read's bounded-read behavior.
func (f *FTDIPort) Read(data []byte) (int, error) {
	if err := f.h.SetTimeouts(f.readTimeout, f.readTimeout); err != nil {
		return 0, fmt.Errorf("d2xx: set timeouts: %w", err)
	}
	return f.h.Read(data)
}

// SetReadTimeout adjusts the bounded-read timeout applied on the next Read.
func (f *FTDIPort) SetReadTimeout(timeout time.Duration) {
	f.readTimeout = timeout
}

// SetBaudRate changes the device's line speed.
func (f *FTDIPort) SetBaudRate(baud uint32) error {
	return f.h.SetBaudRate(baud)
}

// Close releases the underlying D2XX handle.
func (f *FTDIPort) Close() error {
	return f.h.Close()
}
