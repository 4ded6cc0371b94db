package mbus

import (
	"strings"

	"github.com/m3ice/icebridge/iceerr"
)

// Masks is the (ones, zeros) pair spec §6 decodes mask strings into: bit i
// is required 1 iff set in Ones, required 0 iff set in Zeros, don't-care
// otherwise. A bit set in both is invalid.
type Masks struct {
	Ones  uint32
	Zeros uint32
}

// StringToMasks parses an ASCII mask string over {'0','1','x','X',' '}
// (spaces ignored, 'X' normalized to 'x') into a Masks pair. The
// most-significant character corresponds to bit n-1.
func StringToMasks(s string) (Masks, int, error) {
	var m Masks
	bit := -1
	for _, r := range s {
		switch r {
		case ' ':
			continue
		case '0':
			bit++
		case '1':
			bit++
		case 'x', 'X':
			bit++
		default:
			return Masks{}, 0, &iceerr.ParameterError{Reason: "mask string contains invalid character"}
		}
	}
	n := bit + 1
	if n <= 0 {
		return Masks{}, 0, &iceerr.ParameterError{Reason: "empty mask string"}
	}
	bit = n - 1
	for _, r := range s {
		switch r {
		case ' ':
			continue
		case '1':
			m.Ones |= 1 << uint(bit)
			bit--
		case '0':
			m.Zeros |= 1 << uint(bit)
			bit--
		case 'x', 'X':
			bit--
		}
	}
	if m.Ones&m.Zeros != 0 {
		return Masks{}, 0, &iceerr.FormatError{Reason: "mask has conflicting 1 and 0 at same bit position"}
	}
	return m, n, nil
}

// MasksToString renders a Masks pair back to an n-character mask string
// using 'x' for don't-care positions, the inverse of StringToMasks.
func MasksToString(m Masks, n int) string {
	var b strings.Builder
	for bit := n - 1; bit >= 0; bit-- {
		switch {
		case m.Ones&(1<<uint(bit)) != 0:
			b.WriteByte('1')
		case m.Zeros&(1<<uint(bit)) != 0:
			b.WriteByte('0')
		default:
			b.WriteByte('x')
		}
	}
	return b.String()
}

// Match reports whether addr (the low n bits) satisfies m, the same rule
// ice_simulator.py's match_mask applies when filtering inbound I2C/MBus
// traffic against a configured address mask.
func (m Masks) Match(addr uint32, n int) bool {
	bits := (uint32(1) << uint(n)) - 1
	addr &= bits
	if addr&m.Ones != m.Ones {
		return false
	}
	if ^addr&m.Zeros != m.Zeros {
		return false
	}
	return true
}

// I2C holds the bus parameters spec §6's 'i'/'I' messages expose: the bus
// speed and the address mask traffic is filtered against before being
// surfaced as d+ fragments, grounded in m3_mbus.py's i2c_controller.
type I2C struct {
	t *Transport

	speedHz uint32
	addr    Masks
	addrLen int
}

// NewI2C builds an I2C parameter view bound to t. t is unused for now
// beyond anchoring this view to a live session; SetSpeed/SetAddressMask
// only track local intent until a full 'i' wire encoding is specified.
func NewI2C(t *Transport) *I2C {
	return &I2C{t: t, speedHz: 100_000, addrLen: 7}
}

// SetSpeed records the I2C bus clock rate in Hz.
func (i *I2C) SetSpeed(hz uint32) error {
	if hz == 0 {
		return &iceerr.ParameterError{Reason: "I2C speed must be non-zero"}
	}
	i.speedHz = hz
	return nil
}

// Speed returns the configured I2C bus clock rate in Hz.
func (i *I2C) Speed() uint32 { return i.speedHz }

// SetAddressMask configures which I2C addresses this peer responds to, mask
// encoded per spec §6's mask-string convention over addrLen bits (7 or 10).
func (i *I2C) SetAddressMask(mask string, addrLen int) error {
	m, n, err := StringToMasks(mask)
	if err != nil {
		return err
	}
	if n != addrLen {
		return &iceerr.ParameterError{Reason: "mask length does not match address width"}
	}
	i.addr = m
	i.addrLen = addrLen
	return nil
}

// Matches reports whether addr falls within the configured address mask.
func (i *I2C) Matches(addr uint32) bool {
	return i.addr.Match(addr, i.addrLen)
}
