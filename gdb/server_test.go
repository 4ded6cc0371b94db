package gdb

import (
	"encoding/hex"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/m3ice/icebridge/frame"
	"github.com/m3ice/icebridge/mbus"
	"github.com/m3ice/icebridge/session"
	"github.com/m3ice/icebridge/target"
)

type pipeDevice struct{ net.Conn }

func (p pipeDevice) SetReadTimeout(d time.Duration) {
	p.Conn.SetReadDeadline(time.Now().Add(d))
}

// fakeBoard handshakes version/capability negotiation, services MBus
// register-write, memory-write, and memory-read transactions against an
// in-memory word store, and lets the test script synthesize halt
// notifications at will.
type fakeBoard struct {
	mu    sync.Mutex
	mem   map[uint32]uint32
	event byte
	conn  net.Conn
}

func newFakeBoard(conn net.Conn) *fakeBoard {
	return &fakeBoard{mem: make(map[uint32]uint32), conn: conn}
}

func (b *fakeBoard) nextEvent() byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.event
	b.event++
	return e
}

func (b *fakeBoard) send(typ byte, payload []byte) {
	enc, _ := frame.Encode(frame.Frame{Type: typ, EventID: b.nextEvent(), Payload: payload})
	b.conn.Write(enc)
}

func (b *fakeBoard) sendHalt(addr uint32) {
	payload := []byte{0xe0, 0, 0, 0, byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr), 0x01}
	b.send('b', payload)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (b *fakeBoard) run(t *testing.T) {
	t.Helper()
	go func() {
		for {
			f, err := frame.Decode(b.conn)
			if err != nil {
				return
			}
			switch f.Type {
			case 'V':
				b.send(frame.TypeACK, []byte{0, 2})
			case 'v', '?':
				if f.Type == '?' {
					b.send(frame.TypeACK, []byte("?_bB"))
				} else {
					b.send(frame.TypeACK, nil)
				}
			case 'b':
				b.handleMBus(f.Payload)
			default:
				b.send(frame.TypeACK, nil)
			}
		}
	}()
}

func (b *fakeBoard) handleMBus(payload []byte) {
	b.send(frame.TypeACK, nil)
	if len(payload) < 4 {
		return
	}
	word0 := be32(payload[0:4])
	fn := word0 & 0xf
	b.mu.Lock()
	defer b.mu.Unlock()
	switch fn {
	case mbus.FnRegisterWrite:
		// Nothing further to simulate for this test.
	case mbus.FnMemoryWrite:
		if len(payload) < 12 {
			return
		}
		addr := be32(payload[4:8])
		val := be32(payload[8:12])
		b.mem[addr] = val
	case mbus.FnMemoryRead:
		if len(payload) < 12 {
			return
		}
		addr := be32(payload[8:12])
		val := b.mem[addr]
		reply := make([]byte, 13)
		reply[0] = mbus.ReplyAddr
		reply[8] = byte(val >> 24)
		reply[9] = byte(val >> 16)
		reply[10] = byte(val >> 8)
		reply[11] = byte(val)
		reply[12] = 0x01 // cb0 set, cb1 clear
		go b.send('b', reply)
	}
}

func newTestServer(t *testing.T) (*Server, *fakeBoard, net.Conn) {
	t.Helper()
	hostConn, boardConn := net.Pipe()
	board := newFakeBoard(boardConn)
	board.run(t)

	sess := session.New()
	if err := sess.Connect(pipeDevice{hostConn}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { sess.Destroy() })

	transport := mbus.New(sess, mbus.DefaultPrefix)
	ctl := target.New(transport)
	return New(ctl), board, boardConn
}

func haltAndWait(t *testing.T, s *Server, board *fakeBoard, flagAddr, baseAddr uint32) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.handleHaltQuery()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	board.sendHalt(flagAddr)
	board.sendHalt(baseAddr)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for halt")
	}
}

func TestHandleHaltQueryReportsHalted(t *testing.T) {
	s, board, _ := newTestServer(t)
	haltAndWait(t, s, board, 0x2000_0000, 0x2000_1000)
	if reply := s.handleHaltQuery(); reply != "S05" {
		t.Fatalf("handleHaltQuery (already halted) = %q, want S05", reply)
	}
}

func TestReadWriteRegister(t *testing.T) {
	s, board, _ := newTestServer(t)
	haltAndWait(t, s, board, 0x2000_0000, 0x2000_1000)

	reply := s.handleWriteRegister("P" + hexIdx(0) + "=78563412")
	if reply != "OK" {
		t.Fatalf("handleWriteRegister = %q, want OK", reply)
	}

	// ForceWrite writes through immediately, so a subsequent Read fetches
	// the same little-endian encoding back from the fake board's memory.
	got := s.handleReadRegister("p" + hexIdx(0))
	if got != "78563412" {
		t.Fatalf("handleReadRegister(r0) = %q, want 78563412", got)
	}
}

func hexIdx(n int) string {
	return hex.EncodeToString([]byte{byte(n)})
}

func TestReadWriteMemory(t *testing.T) {
	s, _, _ := newTestServer(t)

	writeReply := s.handleWriteMemory("M2000,4:deadbeef")
	if writeReply != "OK" {
		t.Fatalf("handleWriteMemory = %q, want OK", writeReply)
	}

	readReply := s.handleReadMemory("m2000,4")
	if readReply != "deadbeef" {
		t.Fatalf("handleReadMemory = %q, want deadbeef", readReply)
	}
}

func TestBreakpointInsertRemove(t *testing.T) {
	s, _, _ := newTestServer(t)

	// Seed the word the breakpoint will displace and restore.
	s.handleWriteMemory("M100,4:12345678")

	if reply := s.handleInsertBreakpoint("Z0,100,2"); reply != "OK" {
		t.Fatalf("handleInsertBreakpoint = %q, want OK", reply)
	}
	s.mu.Lock()
	_, planted := s.breakpoints[0x100]
	s.mu.Unlock()
	if !planted {
		t.Fatal("expected breakpoint recorded at 0x100")
	}

	if reply := s.handleRemoveBreakpoint("z0,100,2"); reply != "OK" {
		t.Fatalf("handleRemoveBreakpoint = %q, want OK", reply)
	}
	s.mu.Lock()
	_, stillPlanted := s.breakpoints[0x100]
	s.mu.Unlock()
	if stillPlanted {
		t.Fatal("expected breakpoint cleared at 0x100")
	}
}

func TestHandleContinueInterruptedByCtrlC(t *testing.T) {
	s, board, _ := newTestServer(t)

	packets := make(chan string, 1)
	s.packets = packets

	result := make(chan string, 1)
	go func() { result <- s.handleContinue() }()

	// Let handleContinue reach waitForHalt before the Ctrl-C arrives.
	time.Sleep(20 * time.Millisecond)
	packets <- "\x03"

	// The fake board doesn't model halt-on-register-write, so answer the
	// Interrupt request the same way the real chip would: by emitting the
	// usual pair of halt-announcement messages.
	time.Sleep(20 * time.Millisecond)
	board.sendHalt(0x2000_0000)
	board.sendHalt(0x2000_1000)

	select {
	case reply := <-result:
		if reply != "S05" {
			t.Fatalf("handleContinue = %q, want S05", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for continue to return after ctrl-c")
	}
}

func TestHandleDispatchUnknownPacketIsEmpty(t *testing.T) {
	s, _, _ := newTestServer(t)
	if reply := s.handle("qRandomQuery"); reply != "" {
		t.Fatalf("handle(unknown) = %q, want empty", reply)
	}
}

func TestHandleQSupported(t *testing.T) {
	s, _, _ := newTestServer(t)
	if reply := s.handle("qSupported:multiprocess+"); reply != "PacketSize=4096" {
		t.Fatalf("handle(qSupported) = %q", reply)
	}
}
