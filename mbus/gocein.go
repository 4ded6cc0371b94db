package mbus

import (
	"encoding/binary"

	"github.com/m3ice/icebridge/iceerr"
)

// GOCVersion selects which injection-message framing strategy to use,
// modeling spec §9's "monkey-patched instance methods for per-connection
// GOC protocol selection" as an enum dispatched at send time rather than a
// runtime-patched method.
type GOCVersion int

const (
	GOCv1 GOCVersion = 1
	GOCv2 GOCVersion = 2
	GOCv3 GOCVersion = 3
	GOCv4 GOCVersion = 4
)

// InjectionParams describes one GOC/EIN programming message, grounded in
// m3_common.py's _build_injection_message.
type InjectionParams struct {
	ChipIDMask    byte // low nibble used
	Reset         bool
	ChipIDCoding  bool
	IsMBus        bool
	RunAfter      bool
	ChipID        uint16
	MemAddr       uint32
	Data          []byte
}

func controlByte(p InjectionParams) byte {
	c := p.ChipIDMask & 0x0f
	if p.Reset {
		c |= 1 << 4
	}
	if p.ChipIDCoding {
		c |= 1 << 5
	}
	if p.IsMBus {
		c |= 1 << 6
	}
	if p.RunAfter {
		c |= 1 << 7
	}
	return c
}

func xorParity(b []byte) byte {
	var p byte
	for _, v := range b {
		p ^= v
	}
	return p
}

func truncatedSumParity(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// BuildInjectionMessage builds the on-wire GOC/EIN injection message for
// the given version, per spec §6's "Injection message framing".
func BuildInjectionMessage(ver GOCVersion, p InjectionParams) ([]byte, error) {
	if len(p.Data) == 0 {
		return nil, &iceerr.ParameterError{Reason: "injection data must be non-empty"}
	}
	switch ver {
	case GOCv1:
		return buildV1(p)
	case GOCv2, GOCv3, GOCv4:
		return buildV2Plus(ver, p)
	default:
		return nil, &iceerr.ParameterError{Reason: "unknown GOC version"}
	}
}

func buildV1(p InjectionParams) ([]byte, error) {
	header := make([]byte, 0, 7)
	header = append(header, controlByte(p))
	var chipID [2]byte
	binary.BigEndian.PutUint16(chipID[:], p.ChipID)
	header = append(header, chipID[:]...)
	var memAddr [2]byte
	binary.BigEndian.PutUint16(memAddr[:], uint16(p.MemAddr))
	header = append(header, memAddr[:]...)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(p.Data)))
	header = append(header, length[:]...)
	header = append(header, xorParity(header))

	data := make([]byte, 0, len(p.Data)+1)
	data = append(data, xorParity(p.Data))
	data = append(data, p.Data...)
	return append(header, data...), nil
}

func buildV2Plus(ver GOCVersion, p InjectionParams) ([]byte, error) {
	header := make([]byte, 0, 6)
	header = append(header, controlByte(p))
	var chipID [2]byte
	binary.BigEndian.PutUint16(chipID[:], p.ChipID)
	header = append(header, chipID[:]...)
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(p.Data)-1))
	header = append(header, length[:]...)

	if ver == GOCv2 {
		header = append(header, xorParity(header))
	} else {
		header = append(header, truncatedSumParity(header))
	}

	data := make([]byte, 0, 4+len(p.Data)+1)
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], p.MemAddr)
	data = append(data, addr[:]...)
	data = append(data, p.Data...)
	if ver == GOCv2 {
		data = append(data, xorParity(data))
	} else {
		data = append(data, truncatedSumParity(data))
	}
	return append(header, data...), nil
}
