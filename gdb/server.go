package gdb

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/m3ice/icebridge/gdb/thumb"
	"github.com/m3ice/icebridge/mlog"
	"github.com/m3ice/icebridge/target"
)

// softBreakpointInst is the 16-bit "SVC #01" encoding planted in place of
// a target instruction to implement a software breakpoint.
const softBreakpointInst = 0xdf01

// Server is a single-connection GDB remote serial protocol server,
// translating a subset of GDB packets into target.Controller operations.
// Grounded in spec §4.7's packet table and single-step algorithm.
type Server struct {
	ctl *target.Controller

	mu          sync.Mutex
	breakpoints map[uint32]uint16 // addr -> original instruction

	// packets carries every packet the connection's reader goroutine reads,
	// including a bare Ctrl-C. Serve assigns it before entering its main
	// loop; handleContinue/handleStep drain it directly while they are
	// blocked waiting on a halt, since the main loop isn't reading it then.
	// nil outside of Serve (e.g. in unit tests that call handlers directly),
	// in which case Ctrl-C simply can't interrupt an in-flight continue.
	packets <-chan string
}

// New builds a Server driving ctl.
func New(ctl *target.Controller) *Server {
	return &Server{ctl: ctl, breakpoints: make(map[uint32]uint16)}
}

// ListenAndServe accepts a single TCP connection on addr and serves GDB
// packets from it until the connection closes, then returns. It does not
// loop to accept further connections; spec §4.7 describes "a single TCP
// connection" per server instance.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	return s.Serve(conn)
}

// Serve drives one already-accepted connection. Packet reading runs on its
// own goroutine so a Ctrl-C byte can reach handleContinue/handleStep while
// either is blocked waiting for the target to halt on its own; see the
// packets field.
func (s *Server) Serve(conn net.Conn) error {
	defer conn.Close()
	r := bufio.NewReader(conn)
	fw := &frameWriter{w: bufio.NewWriter(conn)}
	log := mlog.Get("gdb")

	packets := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		for {
			packet, err := readPacket(r, fw)
			if err != nil {
				readErr <- err
				close(packets)
				return
			}
			packets <- packet
		}
	}()
	s.packets = packets

	for packet := range packets {
		if packet == "" {
			continue
		}
		reply := s.handle(packet)
		if err := writePacket(fw, reply); err != nil {
			return err
		}
	}
	err := <-readErr
	log.Info("gdb connection ended", "error", err)
	return err
}

func (s *Server) handle(packet string) string {
	log := mlog.Get("gdb")
	switch {
	case packet == "\x03":
		return s.handleHaltQuery()
	case packet == "?":
		return s.handleHaltQuery()
	case packet == "qSupported" || strings.HasPrefix(packet, "qSupported:"):
		return "PacketSize=4096"
	case packet == "qC", strings.HasPrefix(packet, "qfThreadInfo"),
		strings.HasPrefix(packet, "qL"), packet == "qAttached",
		packet == "qOffsets", packet == "qTStatus", strings.HasPrefix(packet, "H"):
		return ""
	case packet == "qSymbol::":
		return "OK"
	case packet == "vCont?":
		return "vCont;cs"
	case packet == "g":
		return s.handleReadAllRegisters()
	case strings.HasPrefix(packet, "p"):
		return s.handleReadRegister(packet)
	case strings.HasPrefix(packet, "P"):
		return s.handleWriteRegister(packet)
	case strings.HasPrefix(packet, "m"):
		return s.handleReadMemory(packet)
	case strings.HasPrefix(packet, "M"):
		return s.handleWriteMemory(packet)
	case strings.HasPrefix(packet, "Z0,"):
		return s.handleInsertBreakpoint(packet)
	case strings.HasPrefix(packet, "z0,"):
		return s.handleRemoveBreakpoint(packet)
	case packet == "c":
		return s.handleContinue()
	case packet == "s":
		return s.handleStep()
	case packet == "D":
		return s.handleDetach()
	case packet == "k":
		return s.handleKill()
	case strings.HasPrefix(packet, "X"):
		return ""
	default:
		log.Debug("unhandled gdb packet", "packet", packet)
		return ""
	}
}

func (s *Server) handleHaltQuery() string {
	if s.ctl.IsHalted() {
		return "S05"
	}
	done := make(chan string, 1)
	if err := s.ctl.Halt(func(payload string) { done <- payload }); err != nil {
		return "E01"
	}
	return <-done
}

func (s *Server) handleReadAllRegisters() string {
	var out []byte
	for i := 0; i < target.NumGDBRegs; i++ {
		v, err := s.ctl.Regs.Read(i)
		if err != nil {
			return ""
		}
		if i >= target.GDBF0 && i <= target.GDBF7 {
			out = append(out, make([]byte, 8)...)
			continue
		}
		out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	return hex.EncodeToString(out)
}

func (s *Server) handleReadRegister(packet string) string {
	n, err := strconv.ParseInt(packet[1:], 16, 32)
	if err != nil {
		return ""
	}
	if n >= target.GDBF0 && n <= target.GDBF7 {
		return "0000000000000000"
	}
	v, err := s.ctl.Regs.Read(int(n))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%02x%02x%02x%02x", byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (s *Server) handleWriteRegister(packet string) string {
	parts := strings.SplitN(packet[1:], "=", 2)
	if len(parts) != 2 {
		return "E01"
	}
	n, err := strconv.ParseInt(parts[0], 16, 32)
	if err != nil {
		return "E01"
	}
	v, err := parseLittleEndianHex(parts[1])
	if err != nil {
		return "E01"
	}
	if err := s.ctl.Regs.ForceWrite(int(n), v); err != nil {
		return "E01"
	}
	return "OK"
}

func parseLittleEndianHex(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v, nil
}

func (s *Server) handleReadMemory(packet string) string {
	var addr, length uint32
	if _, err := fmt.Sscanf(packet[1:], "%x,%x", &addr, &length); err != nil {
		return ""
	}
	data, err := s.ctl.Memory.ReadBytes(addr, int(length))
	if err != nil {
		return "E01"
	}
	return hex.EncodeToString(data)
}

func (s *Server) handleWriteMemory(packet string) string {
	rest := packet[1:]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "E01"
	}
	header := rest[:colon]
	var addr, length uint32
	if _, err := fmt.Sscanf(header, "%x,%x", &addr, &length); err != nil {
		return "E01"
	}
	data, err := hex.DecodeString(rest[colon+1:])
	if err != nil || uint32(len(data)) != length {
		return "E01"
	}
	if err := s.ctl.Memory.WriteBytes(addr, data); err != nil {
		return "E01"
	}
	return "OK"
}

func (s *Server) handleInsertBreakpoint(packet string) string {
	var addr uint32
	if _, err := fmt.Sscanf(packet[len("Z0,"):], "%x,2", &addr); err != nil {
		return "E01"
	}
	if err := s.plantBreakpoint(addr); err != nil {
		return "E01"
	}
	return "OK"
}

func (s *Server) handleRemoveBreakpoint(packet string) string {
	var addr uint32
	if _, err := fmt.Sscanf(packet[len("z0,"):], "%x,2", &addr); err != nil {
		return "E01"
	}
	if err := s.removeBreakpoint(addr); err != nil {
		return "E01"
	}
	return "OK"
}

func (s *Server) plantBreakpoint(addr uint32) error {
	original, err := s.ctl.Memory.ReadWord(addr, 16)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.breakpoints[addr] = uint16(original)
	s.mu.Unlock()
	return s.ctl.Memory.ForceWriteWord(addr, softBreakpointInst, 16)
}

func (s *Server) removeBreakpoint(addr uint32) error {
	s.mu.Lock()
	original, ok := s.breakpoints[addr]
	delete(s.breakpoints, addr)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.ctl.Memory.ForceWriteWord(addr, uint32(original), 16)
}

func (s *Server) handleContinue() string {
	done := make(chan string, 1)
	s.ctl.NotifyNextHalt(func(payload string) { done <- payload })
	if err := s.ctl.Resume(); err != nil {
		return "E01"
	}
	return s.waitForHalt(done)
}

// waitForHalt blocks until done carries the target's halt payload. While
// waiting it also watches s.packets (wired up by Serve; nil when a handler
// is exercised directly, as the unit tests do) for a bare Ctrl-C byte, since
// that's the one packet GDB can legally send while continue/step are
// in flight. A Ctrl-C turns into an Interrupt request; anything else
// arriving mid-continue is logged and dropped.
func (s *Server) waitForHalt(done <-chan string) string {
	if s.packets == nil {
		return <-done
	}
	for {
		select {
		case payload := <-done:
			return payload
		case packet, ok := <-s.packets:
			if !ok {
				return <-done
			}
			if packet == "\x03" {
				s.ctl.Interrupt()
				continue
			}
			mlog.Get("gdb").Debug("ignoring packet received mid-continue", "packet", packet)
		}
	}
}

func (s *Server) handleDetach() string {
	if s.ctl.IsHalted() {
		s.mu.Lock()
		addrs := make([]uint32, 0, len(s.breakpoints))
		for addr := range s.breakpoints {
			addrs = append(addrs, addr)
		}
		s.mu.Unlock()
		for _, addr := range addrs {
			s.removeBreakpoint(addr)
		}
		s.ctl.Resume()
	}
	return "OK"
}

func (s *Server) handleKill() string {
	if s.ctl.IsHalted() {
		s.ctl.Resume()
	}
	return ""
}

// memReader adapts target.Memory to thumb.Memory's single-halfword fetch.
type memReader struct{ m *target.Memory }

func (r memReader) ReadHalfword(addr uint32) (uint16, error) {
	v, err := r.m.ReadWord(addr, 16)
	return uint16(v), err
}

// regsReader adapts target.RegisterFile to thumb.Registers.
type regsReader struct{ r *target.RegisterFile }

func (r regsReader) Read(idx int) (uint32, error) {
	if idx == 16 {
		return r.r.Read(target.GDBCPSR)
	}
	return r.r.Read(idx)
}

// handleStep implements spec §4.7's single-step algorithm: displace any
// breakpoint at the current PC, emulate one instruction to find the next
// PC, plant a temporary breakpoint there, resume, wait for the trap, clean
// up, and reinstate whatever breakpoint was displaced.
func (s *Server) handleStep() string {
	pc, err := s.ctl.Regs.Read(target.GDBPC)
	if err != nil {
		return "E01"
	}
	pc -= 4 // undo the RegisterFile's +4 read convention to get the true PC

	s.mu.Lock()
	displaced, hadBreakpoint := s.breakpoints[pc]
	s.mu.Unlock()
	if hadBreakpoint {
		if err := s.removeBreakpoint(pc); err != nil {
			return "E01"
		}
	}

	nextPC, err := thumb.Step(pc, memReader{s.ctl.Memory}, regsReader{s.ctl.Regs})
	if err != nil {
		return "E01"
	}

	if err := s.plantBreakpoint(nextPC); err != nil {
		return "E01"
	}

	done := make(chan string, 1)
	s.ctl.NotifyNextHalt(func(payload string) { done <- payload })
	if err := s.ctl.Resume(); err != nil {
		return "E01"
	}
	s.waitForHalt(done)

	s.removeBreakpoint(nextPC)
	if hadBreakpoint {
		s.mu.Lock()
		s.breakpoints[pc] = displaced
		s.mu.Unlock()
		s.ctl.Memory.ForceWriteWord(pc, softBreakpointInst, 16)
	}

	return "S05"
}
