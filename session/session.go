// Package session implements IceSession: the concurrent demultiplexer that
// owns a SerialLink, runs the background reader, routes synchronous
// ACK/NAK replies to a single in-flight request slot, dispatches
// asynchronous events to typed handlers, and implements version
// negotiation and capability gating.
package session

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3ice/icebridge/frame"
	"github.com/m3ice/icebridge/iceerr"
	"github.com/m3ice/icebridge/link"
	"github.com/m3ice/icebridge/mlog"
)

// Version is a {major, minor} protocol version pair.
type Version struct {
	Major byte
	Minor byte
}

// SupportedVersions is the set of minor versions this implementation
// understands under major 0; any major != 0 is fatal, per spec §3.
var SupportedVersions = map[byte]bool{1: true, 2: true, 3: true, 4: true, 5: true}

// LegacyCapabilities is seeded for peers negotiated below minor 2, which
// predate the '?' capability query.
const LegacyCapabilities = "VvXxdIifOoGgPp"

// oneYear is the "effectively unbounded" timeout spec §5 calls for on
// synchronous sends, chosen to stay interrupt-responsive on hosts whose
// blocking reads cannot themselves be interrupted.
const oneYear = 365 * 24 * time.Hour

// Handler processes one asynchronous (non ACK/NAK) frame.
type Handler func(eventID byte, payload []byte)

type pendingReply struct {
	ack     bool
	payload []byte
}

// Session is a single connection to an ICE bridge board.
type Session struct {
	lnk *link.Link

	writeMu sync.Mutex
	eventID uint32 // next outgoing event_id, incremented mod 256

	mailbox chan pendingReply

	handlersMu sync.RWMutex
	handlers   map[byte]Handler

	lastEventID    byte
	haveLastEvent  bool
	capMu          sync.RWMutex
	minor          int
	capabilities   string
	connected      atomic.Bool
	stopCh         chan struct{}
	stoppedCh      chan struct{}
	onDisconnect   func(error)
	disconnectOnce sync.Once
}

// New constructs a Session with no live link; call Connect to start it.
func New() *Session {
	return &Session{
		mailbox:  make(chan pendingReply, 1),
		handlers: make(map[byte]Handler),
	}
}

// OnEvent registers the handler invoked for asynchronous frames of the
// given type. Registering for type 0 or 1 (ACK/NAK) panics: those are
// reserved for the synchronous reply path.
func (s *Session) OnEvent(typ byte, h Handler) {
	if typ == frame.TypeACK || typ == frame.TypeNAK {
		panic("session: cannot register a handler for ACK/NAK types")
	}
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[typ] = h
}

// OnDisconnect registers the callback invoked exactly once when the reader
// loop observes a fatal I/O error.
func (s *Session) OnDisconnect(cb func(error)) {
	s.onDisconnect = cb
}

// Connect opens the reader loop over dev and performs version negotiation
// and capability discovery, per spec §3's Lifecycle.
func (s *Session) Connect(dev link.Device) error {
	s.lnk = link.New(dev)
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	go s.communicator()

	v, err := s.negotiateVersion()
	if err != nil {
		return err
	}
	s.minor = int(v.Minor)

	if s.minor >= 2 {
		caps, err := s.queryCapabilities()
		if err != nil {
			return err
		}
		s.capMu.Lock()
		s.capabilities = caps
		s.capMu.Unlock()
	} else {
		s.capMu.Lock()
		s.capabilities = LegacyCapabilities
		s.capMu.Unlock()
	}

	s.connected.Store(true)

	if s.minor == 2 {
		// One-time quirk carried from the original implementation: minor==2
		// boards power up with the GOC light on and it must be explicitly
		// disabled once per connection.
		_, _ = s.SendUntilAcked('f', []byte{0x00}, 1)
	}

	return nil
}

// IsConnected reports whether Connect has completed successfully and
// Destroy has not yet been called.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// Destroy signals the reader to stop, waits for it to exit, and closes the
// underlying link.
func (s *Session) Destroy() error {
	if s.stopCh != nil {
		close(s.stopCh)
		<-s.stoppedCh
	}
	s.connected.Store(false)
	if s.lnk != nil {
		return s.lnk.Close()
	}
	return nil
}

// Minor returns the negotiated protocol minor version.
func (s *Session) Minor() int { return s.minor }

// Capabilities returns the negotiated capability set.
func (s *Session) Capabilities() string {
	s.capMu.RLock()
	defer s.capMu.RUnlock()
	return s.capabilities
}

// HasCapability reports whether c is present in the negotiated capability
// set.
func (s *Session) HasCapability(c byte) bool {
	return strings.IndexByte(s.Capabilities(), c) >= 0
}

// RequireVersion returns VersionError if the negotiated minor version is
// below min, and NotConnected if the session hasn't connected yet. This is
// the call-time guard spec §9 substitutes for the original's version
// decorator.
func (s *Session) RequireVersion(min int) error {
	if !s.connected.Load() {
		return &iceerr.NotConnected{}
	}
	if s.minor < min {
		return &iceerr.VersionError{Required: min, Current: s.minor}
	}
	return nil
}

// RequireCapability returns CapabilityError if c is absent from the
// negotiated capability set, and NotConnected if the session hasn't
// connected yet.
func (s *Session) RequireCapability(c byte) error {
	if !s.connected.Load() {
		return &iceerr.NotConnected{}
	}
	if !s.HasCapability(c) {
		return &iceerr.CapabilityError{Required: c, Have: s.Capabilities()}
	}
	return nil
}

func (s *Session) nextEventID() byte {
	return byte(atomic.AddUint32(&s.eventID, 1) - 1)
}

// SendSync issues a single synchronous request and blocks for its ACK/NAK
// reply. It is the building block every higher-level operation in mbus and
// target is built from.
func (s *Session) SendSync(typ byte, payload []byte) (ack bool, resp []byte, err error) {
	if !s.connected.Load() && typ != 'V' && typ != 'v' && typ != '?' {
		return false, nil, &iceerr.NotConnected{}
	}
	s.writeMu.Lock()
	f := frame.Frame{Type: typ, EventID: s.nextEventID(), Payload: payload}
	enc, encErr := frame.Encode(f)
	if encErr != nil {
		s.writeMu.Unlock()
		return false, nil, encErr
	}
	writeErr := s.lnk.Write(enc)
	s.writeMu.Unlock()
	if writeErr != nil {
		return false, nil, writeErr
	}

	select {
	case r := <-s.mailbox:
		return r.ack, r.payload, nil
	case <-time.After(oneYear):
		return false, nil, &iceerr.TimeoutError{Elapsed: oneYear.Seconds()}
	case <-s.stopCh:
		return false, nil, &iceerr.NotConnected{Op: "send"}
	}
}

// SendUntilAcked retries a synchronous request up to tries times until
// ACKed, returning NakError once the budget is exhausted.
func (s *Session) SendUntilAcked(typ byte, payload []byte, tries int) ([]byte, error) {
	for i := 0; i < tries; i++ {
		ack, resp, err := s.SendSync(typ, payload)
		if err != nil {
			return nil, err
		}
		if ack {
			return resp, nil
		}
	}
	return nil, &iceerr.NakError{Type: typ, Tries: tries}
}

// SendFragmented splits msg at 255-byte boundaries and sends each chunk as
// its own synchronous request of type typ, per spec §4.3's fragmented-send
// contract: a NAK with an empty body is retried once assuming zero bytes
// were accepted; the final sub-255 chunk (possibly zero-length) is always
// sent so the peer observes end-of-message. Returns the number of payload
// bytes the peer is believed to have accepted.
func (s *Session) SendFragmented(typ byte, msg []byte) (int, error) {
	const fragSize = frame.MaxPayload
	sent := 0
	i := 0
	retriedEmptyNak := false
	for {
		end := i + fragSize
		if end > len(msg) {
			end = len(msg)
		}
		chunk := msg[i:end]
		ack, resp, err := s.SendSync(typ, chunk)
		if err != nil {
			return sent, err
		}
		if !ack {
			if len(resp) == 0 && !retriedEmptyNak {
				retriedEmptyNak = true
				continue
			}
			accepted := 0
			if len(resp) > 0 {
				accepted = int(resp[0])
			}
			return sent + accepted, &iceerr.NakError{Type: typ, Tries: 1}
		}
		retriedEmptyNak = false
		sent += len(chunk)
		i = end
		if len(chunk) < fragSize {
			return sent, nil
		}
	}
}

// communicator is the single background reader thread. It classifies every
// inbound frame as a synchronous reply (type 0/1) or an asynchronous event,
// and performs the resynchronization recovery described in spec §4.3.
func (s *Session) communicator() {
	defer close(s.stoppedCh)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		hdr := make([]byte, 3)
		if err := s.lnk.ReadFull(hdr); err != nil {
			var te *iceerr.TimeoutError
			if errors.As(err, &te) && len(te.Partial) == 0 {
				// Nothing arrived this poll interval; spec §5's 0.5s
				// shutdown-polling granularity, not a real error.
				continue
			}
			s.fireDisconnect(err)
			return
		}
		length := int(hdr[2])
		payload := make([]byte, length)
		if length > 0 {
			if err := s.lnk.ReadFull(payload); err != nil {
				s.fireDisconnect(err)
				return
			}
		}
		s.dispatch(hdr[0], hdr[1], payload)
	}
}

func (s *Session) dispatch(typ, eventID byte, payload []byte) {
	if s.haveLastEvent && eventID == s.lastEventID {
		mlog.Get("session").Debug("duplicate event_id dropped", "type", typ, "event_id", eventID)
		return
	}
	s.lastEventID = eventID
	s.haveLastEvent = true

	if typ == frame.TypeACK || typ == frame.TypeNAK {
		select {
		case s.mailbox <- pendingReply{ack: typ == frame.TypeACK, payload: payload}:
		default:
			mlog.Get("session").Warn("unsolicited ACK/NAK dropped", "type", typ)
		}
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[typ]
	s.handlersMu.RUnlock()
	if ok {
		h(eventID, payload)
		return
	}
	if !s.HasCapability(typ) {
		mlog.Get("session").Warn("unknown frame type, resynchronizing", "type", typ)
		_ = s.lnk.ReadByte()
	}
}

func (s *Session) fireDisconnect(err error) {
	s.connected.Store(false)
	s.disconnectOnce.Do(func() {
		if s.onDisconnect != nil {
			s.onDisconnect(err)
		}
	})
}

func (s *Session) negotiateVersion() (Version, error) {
	_, resp, err := s.SendSync('V', nil)
	if err != nil {
		return Version{}, err
	}
	var best Version
	found := false
	for i := 0; i+1 < len(resp); i += 2 {
		major, minor := resp[i], resp[i+1]
		if major != 0 {
			continue
		}
		if !SupportedVersions[minor] {
			continue
		}
		if !found || minor > best.Minor {
			best = Version{Major: major, Minor: minor}
			found = true
		}
	}
	if !found {
		return Version{}, &iceerr.VersionError{Required: 1, Current: 0}
	}
	if _, _, err := s.SendSync('v', []byte{best.Major, best.Minor}); err != nil {
		return Version{}, err
	}
	return best, nil
}

func (s *Session) queryCapabilities() (string, error) {
	_, resp, err := s.SendSync('?', []byte{'?'})
	if err != nil {
		return "", err
	}
	return string(resp), nil
}
