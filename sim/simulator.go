// Package sim implements the board side of the ICE bridge protocol: a
// Simulator that speaks the wire protocol an M3 research chip's ICE
// interface board would, suitable as an integration-test fixture standing
// in for real hardware.
package sim

import (
	"io"
	"sync"

	"github.com/m3ice/icebridge/frame"
	"github.com/m3ice/icebridge/mbus"
	"github.com/m3ice/icebridge/mlog"
)

// Capabilities is the capability string a protocol-0.3 simulator reports,
// matching ice_simulator.py's CAPABILITES constant.
const Capabilities = "?_dIifOoBbMmeGgPp"

const maxGPIO = 24

type gpio struct {
	direction byte // 0 input, 1 output, 2 tristate
	level     bool
	interrupt bool
}

// Simulator reproduces the peer half of the ICE bridge protocol: version
// negotiation, capability and baud-rate queries, GPIO state, I2C bus
// parameters, MBus parameters, oscillator/FLOW clock state, and power-rail
// state. It is grounded directly on ice_simulator.py's Simulator class and
// is meant to be driven over an io.Pipe/net.Pipe in tests exercising
// session.Session end to end.
type Simulator struct {
	rw io.ReadWriter

	writeMu sync.Mutex
	event   byte

	minor int

	baudDivider uint16

	gpios [maxGPIO]gpio

	i2cSpeedKHz    int
	i2cMaskOnes    byte
	i2cMaskZeros   byte

	flowClockHz float64
	flowOn      bool
	einGOC      bool

	vset0p6, vset1p2, vsetVBatt       byte
	power0p6On, power1p2On, powerVBattOn, powerGOCOn bool

	mbusFullOnes, mbusFullZeros uint32
	mbusShortPrefix             byte
	mbusSnoopEnabled            bool
	mbusBroadcastOnes           byte
	mbusBroadcastZeros          byte
	mbusMsg                     []byte

	i2cMsg   []byte
	i2cMatch bool
}

// New builds a Simulator that reads frames from and writes frames to rw.
func New(rw io.ReadWriter) *Simulator {
	return &Simulator{
		rw:                rw,
		baudDivider:        0x00AE,
		i2cSpeedKHz:        100,
		flowClockHz:        0.625,
		vset0p6:            19,
		vset1p2:            25,
		vsetVBatt:          25,
		mbusFullOnes:       0xfffff0,
		mbusFullZeros:      0xfffff0,
		mbusShortPrefix:    0x0f,
		mbusBroadcastOnes:  0x0f,
		mbusBroadcastZeros: 0x0f,
		i2cMatch:           true,
	}
}

// Run processes frames from rw until it returns an error (typically io.EOF
// when the peer closes the connection).
func (s *Simulator) Run() error {
	log := mlog.Get("sim")
	for {
		f, err := frame.Decode(s.rw)
		if err != nil {
			return err
		}
		if err := s.dispatch(f.Type, f.Payload); err != nil {
			log.Warn("rejecting frame", "type", string(f.Type), "error", err)
			s.nak()
		}
	}
}

func (s *Simulator) respond(payload []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	enc, err := frame.Encode(frame.Frame{Type: frame.TypeACK, EventID: s.event, Payload: payload})
	s.event++
	if err != nil {
		return
	}
	s.rw.Write(enc)
}

func (s *Simulator) ack() { s.respond(nil) }

func (s *Simulator) nak() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	enc, err := frame.Encode(frame.Frame{Type: frame.TypeNAK, EventID: s.event, Payload: nil})
	s.event++
	if err != nil {
		return
	}
	s.rw.Write(enc)
}

// unknownCommand marks a dispatch failure that should NAK rather than
// propagate, mirroring UnknownCommandException in the original.
type unknownCommand struct{ reason string }

func (e unknownCommand) Error() string { return e.reason }

func (s *Simulator) requireMinor(min int) error {
	if s.minor < min {
		return unknownCommand{"command requires a later negotiated protocol minor version"}
	}
	return nil
}

func (s *Simulator) dispatch(typ byte, msg []byte) error {
	switch typ {
	case 'V':
		s.respond([]byte{0, 3, 0, 2, 0, 1})
		return nil
	case 'v':
		return s.handleVersionSelect(msg)
	case '?':
		return s.handleQuery(msg)
	case '_':
		return s.handleBaudSet(msg)
	case 'b':
		return s.handleMBusFragment(msg)
	case 'd':
		return s.handleI2CFragment(msg)
	case 'e', 'f':
		s.ack()
		return nil
	case 'G':
		return s.handleGPIOQuery(msg)
	case 'g':
		return s.handleGPIOSet(msg)
	case 'I':
		return s.handleI2CQuery(msg)
	case 'i':
		return s.handleI2CSet(msg)
	case 'M':
		return s.handleMBusQuery(msg)
	case 'm':
		return s.handleMBusSet(msg)
	case 'O':
		return s.handleOscQuery(msg)
	case 'o':
		return s.handleOscSet(msg)
	case 'P':
		return s.handlePowerQuery(msg)
	case 'p':
		return s.handlePowerSet(msg)
	default:
		return unknownCommand{"unknown message type"}
	}
}

func (s *Simulator) handleVersionSelect(msg []byte) error {
	if len(msg) != 2 {
		return unknownCommand{"version select must be 2 bytes"}
	}
	switch {
	case msg[0] == 0 && msg[1] == 3:
		s.minor = 3
	case msg[0] == 0 && msg[1] == 2:
		s.minor = 2
	case msg[0] == 0 && msg[1] == 1:
		s.minor = 1
	default:
		return unknownCommand{"unknown version requested"}
	}
	s.ack()
	return nil
}

func (s *Simulator) handleQuery(msg []byte) error {
	if err := s.requireMinor(2); err != nil {
		return err
	}
	if len(msg) < 1 {
		return unknownCommand{"empty '?' message"}
	}
	switch msg[0] {
	case '?':
		s.respond([]byte(Capabilities))
	case 'b':
		s.respond([]byte{byte(s.baudDivider >> 8), byte(s.baudDivider)})
	default:
		return unknownCommand{"bad '?' subtype"}
	}
	return nil
}

func (s *Simulator) handleBaudSet(msg []byte) error {
	if err := s.requireMinor(2); err != nil {
		return err
	}
	if len(msg) != 3 || msg[0] != 'b' {
		return unknownCommand{"bad '_' message"}
	}
	div := uint16(msg[1])<<8 | uint16(msg[2])
	switch div {
	case 0x00AE, 0x000A, 0x0007:
		s.baudDivider = div
		s.ack()
		return nil
	default:
		return unknownCommand{"bad baudrate divider"}
	}
}

func (s *Simulator) handleMBusFragment(msg []byte) error {
	if err := s.requireMinor(2); err != nil {
		return err
	}
	s.mbusMsg = append(s.mbusMsg, msg...)
	if len(msg) != 255 {
		s.mbusMsg = nil
	}
	s.ack()
	return nil
}

func (s *Simulator) handleI2CFragment(msg []byte) error {
	if !s.i2cMatch {
		if len(msg) == 0 {
			return unknownCommand{"empty i2c fragment"}
		}
		masks := mbus.Masks{Ones: uint32(s.i2cMaskOnes), Zeros: uint32(s.i2cMaskZeros)}
		if !masks.Match(uint32(msg[0]), 8) {
			s.respond(nil)
			return nil
		}
		s.i2cMatch = true
	}
	s.i2cMsg = append(s.i2cMsg, msg...)
	if len(msg) != 255 {
		s.i2cMsg = nil
		s.i2cMatch = false
	}
	s.ack()
	return nil
}

func gpioMaskOf(get func(gpio) bool, gpios [maxGPIO]gpio) uint32 {
	var mask uint32
	for i, g := range gpios {
		if get(g) {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

func (s *Simulator) handleGPIOQuery(msg []byte) error {
	if len(msg) < 1 {
		return unknownCommand{"empty 'G' message"}
	}
	if s.minor == 1 {
		if len(msg) != 2 {
			return unknownCommand{"bad v0.1 'G' message"}
		}
		idx := msg[1]
		if int(idx) >= maxGPIO {
			return unknownCommand{"GPIO index out of range"}
		}
		switch msg[0] {
		case 'l':
			s.respond([]byte{boolByte(s.gpios[idx].level)})
		case 'd':
			s.respond([]byte{s.gpios[idx].direction})
		default:
			return unknownCommand{"bad 'G' subtype"}
		}
		return nil
	}
	var mask uint32
	switch msg[0] {
	case 'l':
		mask = gpioMaskOf(func(g gpio) bool { return g.level }, s.gpios)
	case 'd':
		mask = gpioMaskOf(func(g gpio) bool { return g.direction != 0 }, s.gpios)
	case 'i':
		mask = gpioMaskOf(func(g gpio) bool { return g.interrupt }, s.gpios)
	default:
		return unknownCommand{"bad 'G' subtype"}
	}
	s.respond([]byte{byte(mask >> 16), byte(mask >> 8), byte(mask)})
	return nil
}

func (s *Simulator) handleGPIOSet(msg []byte) error {
	if len(msg) < 1 {
		return unknownCommand{"empty 'g' message"}
	}
	if s.minor == 1 {
		if len(msg) != 3 {
			return unknownCommand{"bad v0.1 'g' message"}
		}
		idx := msg[1]
		if int(idx) >= maxGPIO {
			return unknownCommand{"GPIO index out of range"}
		}
		switch msg[0] {
		case 'l':
			s.gpios[idx].level = msg[2] != 0
		case 'd':
			s.gpios[idx].direction = msg[2]
		default:
			return unknownCommand{"bad 'g' subtype"}
		}
		s.ack()
		return nil
	}
	if len(msg) != 4 {
		return unknownCommand{"bad v0.2+ 'g' message"}
	}
	mask := uint32(msg[3]) | uint32(msg[2])<<8 | uint32(msg[1])<<16
	switch msg[0] {
	case 'l':
		for i := 0; i < maxGPIO; i++ {
			s.gpios[i].level = (mask>>uint(i))&1 != 0
		}
	case 'd':
		for i := 0; i < maxGPIO; i++ {
			if (mask>>uint(i))&1 != 0 {
				s.gpios[i].direction = 1
			} else {
				s.gpios[i].direction = 0
			}
		}
	case 'i':
		for i := 0; i < maxGPIO; i++ {
			s.gpios[i].interrupt = (mask>>uint(i))&1 != 0
		}
	default:
		return unknownCommand{"bad 'g' subtype"}
	}
	s.ack()
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (s *Simulator) handleI2CQuery(msg []byte) error {
	if len(msg) < 1 {
		return unknownCommand{"empty 'I' message"}
	}
	switch msg[0] {
	case 'c':
		s.respond([]byte{byte(s.i2cSpeedKHz / 2)})
	case 'a':
		s.respond([]byte{s.i2cMaskOnes, s.i2cMaskZeros})
	default:
		return unknownCommand{"bad 'I' subtype"}
	}
	return nil
}

func (s *Simulator) handleI2CSet(msg []byte) error {
	if len(msg) < 1 {
		return unknownCommand{"empty 'i' message"}
	}
	switch msg[0] {
	case 'c':
		if len(msg) != 2 {
			return unknownCommand{"bad 'ic' message"}
		}
		s.i2cSpeedKHz = int(msg[1]) * 2
	case 'a':
		if len(msg) != 3 {
			return unknownCommand{"bad 'ia' message"}
		}
		s.i2cMaskOnes = msg[1]
		s.i2cMaskZeros = msg[2]
	default:
		return unknownCommand{"bad 'i' subtype"}
	}
	s.ack()
	return nil
}

func (s *Simulator) handleMBusQuery(msg []byte) error {
	if err := s.requireMinor(2); err != nil {
		return err
	}
	if len(msg) < 1 {
		return unknownCommand{"empty 'M' message"}
	}
	switch msg[0] {
	case 'l':
		s.respond(mbusPrefixReply(s.mbusFullOnes, s.mbusFullZeros))
	case 's':
		s.respond([]byte{s.mbusShortPrefix})
	case 'S':
		s.respond([]byte{boolByte(s.mbusSnoopEnabled)})
	case 'b':
		s.respond([]byte{s.mbusBroadcastOnes, s.mbusBroadcastZeros})
	default:
		return unknownCommand{"bad 'M' subtype"}
	}
	return nil
}

func mbusPrefixReply(ones, zeros uint32) []byte {
	return []byte{
		byte(ones >> 16), byte(ones >> 8), byte(ones),
		byte(zeros >> 16), byte(zeros >> 8), byte(zeros),
	}
}

func (s *Simulator) handleMBusSet(msg []byte) error {
	if err := s.requireMinor(2); err != nil {
		return err
	}
	if len(msg) < 1 {
		return unknownCommand{"empty 'm' message"}
	}
	switch msg[0] {
	case 'l':
		if len(msg) != 7 {
			return unknownCommand{"bad 'ml' message"}
		}
		s.mbusFullOnes = uint32(msg[1])<<16 | uint32(msg[2])<<8 | uint32(msg[3])
		s.mbusFullZeros = uint32(msg[4])<<16 | uint32(msg[5])<<8 | uint32(msg[6])
	case 's':
		if len(msg) != 2 {
			return unknownCommand{"bad 'ms' message"}
		}
		s.mbusShortPrefix = msg[1]
	case 'S':
		if len(msg) != 2 {
			return unknownCommand{"bad 'mS' message"}
		}
		s.mbusSnoopEnabled = msg[1] != 0
	case 'b':
		if len(msg) != 3 {
			return unknownCommand{"bad 'mb' message"}
		}
		s.mbusBroadcastOnes = msg[1]
		s.mbusBroadcastZeros = msg[2]
	default:
		return unknownCommand{"bad 'm' subtype"}
	}
	s.ack()
	return nil
}

func (s *Simulator) handleOscQuery(msg []byte) error {
	if len(msg) < 1 {
		return unknownCommand{"empty 'O' message"}
	}
	switch msg[0] {
	case 'c':
		div := uint32(clockFreqHz(s.minor) / s.flowClockHz)
		if s.minor >= 3 {
			s.respond([]byte{byte(div >> 24), byte(div >> 16), byte(div >> 8), byte(div)})
		} else {
			s.respond([]byte{byte(div >> 16), byte(div >> 8), byte(div)})
		}
	case 'o':
		if err := s.requireMinor(2); err != nil {
			return err
		}
		s.respond([]byte{boolByte(s.flowOn)})
	default:
		return unknownCommand{"bad 'O' subtype"}
	}
	return nil
}

func clockFreqHz(minor int) float64 {
	if minor >= 2 {
		return 4e6
	}
	return 2e6
}

func (s *Simulator) handleOscSet(msg []byte) error {
	if len(msg) < 1 {
		return unknownCommand{"empty 'o' message"}
	}
	switch msg[0] {
	case 'c':
		var div uint32
		if s.minor >= 3 {
			if len(msg) != 5 {
				return unknownCommand{"bad 'oc' message"}
			}
			div = uint32(msg[1])<<24 | uint32(msg[2])<<16 | uint32(msg[3])<<8 | uint32(msg[4])
		} else {
			if len(msg) != 4 {
				return unknownCommand{"bad 'oc' message"}
			}
			div = uint32(msg[1])<<16 | uint32(msg[2])<<8 | uint32(msg[3])
		}
		s.flowClockHz = clockFreqHz(s.minor) / float64(div)
		s.ack()
	case 'o':
		if err := s.requireMinor(2); err != nil {
			return err
		}
		if len(msg) != 2 {
			return unknownCommand{"bad 'oo' message"}
		}
		s.flowOn = msg[1] != 0
		s.ack()
	case 'p':
		if err := s.requireMinor(2); err != nil {
			return err
		}
		if len(msg) != 2 {
			return unknownCommand{"bad 'op' message"}
		}
		s.einGOC = msg[1] != 0
		s.ack()
	default:
		return unknownCommand{"bad 'o' subtype"}
	}
	return nil
}

// Power rail indices, matching ice.py's ICE.POWER_* constants.
const (
	powerRail0p6  = 0
	powerRail1p2  = 1
	powerRailVBat = 2
	powerRailGOC  = 3
)

func (s *Simulator) handlePowerQuery(msg []byte) error {
	if len(msg) < 2 {
		return unknownCommand{"empty 'P' message"}
	}
	idx := msg[1]
	switch msg[0] {
	case 'v':
		switch idx {
		case powerRail0p6:
			s.respond([]byte{idx, s.vset0p6})
		case powerRail1p2:
			s.respond([]byte{idx, s.vset1p2})
		case powerRailVBat:
			s.respond([]byte{idx, s.vsetVBatt})
		default:
			return unknownCommand{"illegal power index"}
		}
	case 'o':
		switch idx {
		case powerRail0p6:
			s.respond([]byte{boolByte(s.power0p6On)})
		case powerRail1p2:
			s.respond([]byte{boolByte(s.power1p2On)})
		case powerRailVBat:
			s.respond([]byte{boolByte(s.powerVBattOn)})
		case powerRailGOC:
			s.respond([]byte{boolByte(s.powerGOCOn)})
		default:
			return unknownCommand{"illegal power index"}
		}
	default:
		return unknownCommand{"bad 'P' subtype"}
	}
	return nil
}

func (s *Simulator) handlePowerSet(msg []byte) error {
	if len(msg) < 2 {
		return unknownCommand{"empty 'p' message"}
	}
	idx := msg[1]
	switch msg[0] {
	case 'v':
		if len(msg) != 3 {
			return unknownCommand{"bad 'pv' message"}
		}
		switch idx {
		case powerRail0p6:
			s.vset0p6 = msg[2]
		case powerRail1p2:
			s.vset1p2 = msg[2]
		case powerRailVBat:
			s.vsetVBatt = msg[2]
		default:
			return unknownCommand{"illegal power index"}
		}
		s.ack()
	case 'o':
		if len(msg) != 3 {
			return unknownCommand{"bad 'po' message"}
		}
		switch idx {
		case powerRail0p6:
			s.power0p6On = msg[2] != 0
		case powerRail1p2:
			s.power1p2On = msg[2] != 0
		case powerRailVBat:
			s.powerVBattOn = msg[2] != 0
		case powerRailGOC:
			if s.minor < 3 {
				return unknownCommand{"illegal power index"}
			}
			s.powerGOCOn = msg[2] != 0
		default:
			return unknownCommand{"illegal power index"}
		}
		s.ack()
	default:
		return unknownCommand{"bad 'p' subtype"}
	}
	return nil
}

// SendSnoop emits an unsolicited B-type snoop frame, matching
// ice_simulator.py's spurious_message_thread/replay_message_thread.
func (s *Simulator) SendSnoop(addr [4]byte, data []byte, control byte) {
	if !s.mbusSnoopEnabled {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	payload := make([]byte, 0, 5+len(data))
	payload = append(payload, addr[:]...)
	payload = append(payload, data...)
	payload = append(payload, control)
	enc, err := frame.Encode(frame.Frame{Type: 'B', EventID: s.event, Payload: payload})
	s.event++
	if err != nil {
		return
	}
	s.rw.Write(enc)
}
