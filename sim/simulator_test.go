package sim

import (
	"net"
	"testing"
	"time"

	"github.com/m3ice/icebridge/session"
)

// pipeDevice adapts a net.Conn to link.Device/session's host-side
// transport requirement for this integration test.
type pipeDevice struct {
	net.Conn
}

func (p pipeDevice) SetReadTimeout(d time.Duration) {
	p.Conn.SetReadDeadline(time.Now().Add(d))
}

func TestSessionAgainstSimulator(t *testing.T) {
	hostConn, boardConn := net.Pipe()
	board := New(boardConn)
	go board.Run()

	sess := session.New()
	if err := sess.Connect(pipeDevice{hostConn}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Destroy()

	if sess.Minor() != 3 {
		t.Fatalf("Minor() = %d, want 3", sess.Minor())
	}
	if sess.Capabilities() != Capabilities {
		t.Fatalf("Capabilities() = %q, want %q", sess.Capabilities(), Capabilities)
	}
	if !sess.HasCapability('b') {
		t.Fatalf("expected MBus capability negotiated")
	}
}

func TestSessionGPIOSetGetRoundTrip(t *testing.T) {
	hostConn, boardConn := net.Pipe()
	board := New(boardConn)
	go board.Run()

	sess := session.New()
	if err := sess.Connect(pipeDevice{hostConn}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Destroy()

	// Set GPIO level mask to 0x000005 (GPIO0, GPIO2 high), then read it back.
	if _, err := sess.SendUntilAcked('g', []byte{'l', 0x00, 0x00, 0x05}, 3); err != nil {
		t.Fatalf("set GPIO level: %v", err)
	}
	ack, resp, err := sess.SendSync('G', []byte{'l'})
	if err != nil {
		t.Fatalf("query GPIO level: %v", err)
	}
	if !ack {
		t.Fatalf("expected ACK for GPIO level query")
	}
	if len(resp) != 3 || resp[2] != 0x05 {
		t.Fatalf("GPIO level mask = % x, want low byte 0x05", resp)
	}
}
