package rtpmidi

import (
	"errors"
	"net"
	"time"

	"github.com/1ureka/rtpmidi/internal/midi"
	"github.com/1ureka/rtpmidi/internal/reactor"
	"github.com/1ureka/rtpmidi/internal/signal"
	"github.com/1ureka/rtpmidi/internal/token"
	"github.com/1ureka/rtpmidi/internal/util"
)

// State is one of the peer session's lifecycle stages.
type State uint8

const (
	NotConnected State = iota
	ControlConnecting
	// ControlConnected is declared for parity with the data model but is
	// never observed as a resting state: accepting the control invitation
	// and sending the data invitation happen inside the same callback, so
	// the peer moves straight on to MidiConnecting.
	ControlConnected
	MidiConnecting
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case ControlConnecting:
		return "ControlConnecting"
	case ControlConnected:
		return "ControlConnected"
	case MidiConnecting:
		return "MidiConnecting"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Port identifies which of the peer's two UDP sockets a packet arrived on
// or should be sent from.
type Port uint8

const (
	ControlPort Port = iota
	DataPort
)

func (p Port) String() string {
	if p == DataPort {
		return "data"
	}
	return "control"
}

const (
	handshakeTimeout  = 1 * time.Second
	ckBurstInterval   = 1 * time.Second
	ckBurstCount      = 6
	ckSteadyInterval  = 10 * time.Second
	ckLivenessWindow  = 60 * time.Second
)

// Socket is the minimal send/receive/close surface a UDP socket must offer
// the peer. *net.UDPConn satisfies it; tests supply an in-process fake.
type Socket interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
}

// MidiEventNotice is the raw, pre-decode packet notice published on every
// inbound datagram, for inspection and tracing.
type MidiEventNotice struct {
	Port Port
	Raw  []byte
}

// Stats is a point-in-time snapshot of a peer's session for diagnostics.
type Stats struct {
	State      State
	RemoteName string
	LocalSSRC  uint32
	RemoteSSRC uint32
	RTT        time.Duration
	Offset     time.Duration
}

// Peer implements the session state machine for one RTP-MIDI connection: a
// control socket and a paired data socket, driven entirely from the
// reactor goroutine that dispatches their readability callbacks.
type Peer struct {
	name       string
	localToken uint32
	localSSRC  uint32

	remoteSSRC        uint32
	remoteName        string
	remoteAddrControl net.Addr
	remoteAddrData    net.Addr
	sessionID         uint32

	state State

	seq         uint16
	lastSeq     uint16
	haveLastSeq bool

	clock *Clock

	control Socket
	data    Socket
	r       *reactor.Reactor

	controlTok    *token.Token
	dataTok       *token.Token
	handshakeTok  *token.Token
	ckTimer       *token.Token
	ckTimeoutTok  *token.Token
	ckSentCount   int

	MidiEvent    *signal.Signal[MidiEventNotice]
	DecodedMidi  *signal.Signal[[]midi.Event]
	OnConnected  *signal.Signal[string]
	OnDisconnect *signal.Signal[ErrorKind]
	OnCK         *signal.Signal[time.Duration]
}

// NewPeer creates a peer bound to an already-constructed control/data
// socket pair and registers their readability watchers with r. Binding and
// closing the sockets is the caller's responsibility except that a
// transition into Disconnected always closes both, per the session
// lifecycle invariant.
func NewPeer(r *reactor.Reactor, localName string, control, data Socket) *Peer {
	p := &Peer{
		name:       localName,
		localToken: NewToken(),
		localSSRC:  NewSSRC(),
		seq:        NewSequence(),
		state:      NotConnected,
		clock:      NewClock(time.Now()),
		control:    control,
		data:       data,
		r:          r,

		MidiEvent:    signal.New[MidiEventNotice](),
		DecodedMidi:  signal.New[[]midi.Event](),
		OnConnected:  signal.New[string](),
		OnDisconnect: signal.New[ErrorKind](),
		OnCK:         signal.New[time.Duration](),
	}

	p.controlTok = r.AddFDIn(control, func(b []byte, addr net.Addr, err error) {
		p.handlePacket(ControlPort, b, addr, err)
	})
	p.dataTok = r.AddFDIn(data, func(b []byte, addr net.Addr, err error) {
		p.handlePacket(DataPort, b, addr, err)
	})

	return p
}

// State returns the peer's current lifecycle state.
func (p *Peer) State() State { return p.state }

// LocalSSRC returns the session's local synchronisation source identifier.
func (p *Peer) LocalSSRC() uint32 { return p.localSSRC }

// RemoteSSRC returns the learned remote SSRC, valid once past ControlConnecting.
func (p *Peer) RemoteSSRC() uint32 { return p.remoteSSRC }

// Stats returns a snapshot of the peer's session state.
func (p *Peer) Stats() Stats {
	return Stats{
		State:      p.state,
		RemoteName: p.remoteName,
		LocalSSRC:  p.localSSRC,
		RemoteSSRC: p.remoteSSRC,
		RTT:        time.Duration(p.clock.RTT()) * tickDuration,
		Offset:     time.Duration(p.clock.Offset()) * tickDuration,
	}
}

// Connect initiates the invitation handshake against remoteControl, an
// endpoint for the remote control port. The remote data port is derived as
// remoteControl's port + 1, per the port-pairing invariant.
func (p *Peer) Connect(remoteControl net.Addr) error {
	if p.state != NotConnected {
		return newErr(BadCommand, "Connect called outside NotConnected", nil)
	}
	dataAddr, err := dataPortOf(remoteControl)
	if err != nil {
		return err
	}

	p.remoteAddrControl = remoteControl
	p.remoteAddrData = dataAddr
	p.sessionID = util.SessionID(p.name, remoteControl.String())
	p.state = ControlConnecting

	util.LogDebug("rtpmidi[%08x]: connecting to %s", p.sessionID, remoteControl)
	p.sendInvite(ControlPort)
	p.startHandshakeTimeout()
	return nil
}

// Disconnect sends BY on the control channel and releases both sockets and
// all timers. It is idempotent.
func (p *Peer) Disconnect() {
	if p.state == Disconnected {
		return
	}
	p.writeControl(EncodeEndSession(EndSession{Token: p.localToken, SSRC: p.localSSRC}))
	p.teardown()
}

// SendMIDI encodes events and sends them as one data packet, incrementing
// the session's sequence number.
func (p *Peer) SendMIDI(events []midi.Event) error {
	if p.state != Connected {
		return newErr(BadCommand, "SendMIDI called outside Connected", nil)
	}
	payload := midi.Encode(events)
	raw, err := EncodeDataPacket(DataHeader{
		Seq:       p.seq,
		Timestamp: uint32(p.clock.Now()),
		SSRC:      p.localSSRC,
	}, payload)
	if err != nil {
		return err
	}
	p.seq++
	p.writeData(raw)
	return nil
}

// SendCK sends a clock-sync packet with the given count and the current
// session timestamp as T0.
func (p *Peer) SendCK(count uint8) {
	p.writeData(EncodeClockSync(ClockSync{SSRC: p.localSSRC, Count: count, T0: p.clock.Now()}))
}

func (p *Peer) sendInvite(port Port) {
	raw := EncodeInvite(Invitation{Version: ProtocolVersion, Token: p.localToken, SSRC: p.localSSRC, Name: p.name})
	if port == ControlPort {
		p.writeControl(raw)
	} else {
		p.writeData(raw)
	}
}

func (p *Peer) writeControl(b []byte) {
	n, err := p.control.WriteTo(b, p.remoteAddrControl)
	if err != nil {
		p.handleSocketError(err)
		return
	}
	util.Stats.AddSent(n)
}

func (p *Peer) writeData(b []byte) {
	n, err := p.data.WriteTo(b, p.remoteAddrData)
	if err != nil {
		p.handleSocketError(err)
		return
	}
	util.Stats.AddSent(n)
}

// handlePacket is the single entry point for both sockets' readability
// callbacks; port tells the two apart.
func (p *Peer) handlePacket(port Port, raw []byte, addr net.Addr, err error) {
	if err != nil {
		p.handleSocketError(err)
		return
	}
	util.Stats.AddRecv(len(raw))
	p.MidiEvent.Emit(MidiEventNotice{Port: port, Raw: raw})

	if !hasMagic(raw) {
		if port == DataPort {
			p.handleMidiData(raw)
		} else {
			util.LogDebug("rtpmidi: ignoring unframed control-port packet")
		}
		return
	}

	cmd, err := PeekCommand(raw)
	if err != nil {
		util.LogWarning("rtpmidi: %v", err)
		return
	}

	switch cmd {
	case cmdAccept:
		p.handleAccept(raw, port)
	case cmdReject:
		p.handleReject(port)
	case cmdClockSync:
		p.handleClockSync(raw, port)
	case cmdEnd:
		p.handleEnd(raw)
	case cmdInvite, cmdFeedback:
		// This peer only ever plays the initiator role; a receiver-role
		// inbound invitation or feedback packet is out of scope.
		util.LogDebug("rtpmidi: ignoring unsupported inbound command %q", cmd)
	default:
		util.LogWarning("rtpmidi: unrecognized control command %q", cmd)
	}
}

func (p *Peer) handleAccept(raw []byte, port Port) {
	inv, err := DecodeInvitation(raw)
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Kind == VersionMismatch {
			p.fail(ConnectionRejected)
			return
		}
		util.LogWarning("rtpmidi: dropping malformed OK: %v", err)
		return
	}
	if inv.Token != p.localToken {
		util.LogWarning("rtpmidi: OK token mismatch, rejecting handshake")
		p.fail(ConnectionRejected)
		return
	}

	switch p.state {
	case ControlConnecting:
		if port != ControlPort {
			return
		}
		p.remoteSSRC = inv.SSRC
		p.cancelHandshakeTimeout()
		p.state = MidiConnecting
		p.sendInvite(DataPort)
		p.startHandshakeTimeout()

	case MidiConnecting:
		if port != DataPort {
			return
		}
		p.remoteName = inv.Name
		p.cancelHandshakeTimeout()
		p.state = Connected
		util.LogSuccess("rtpmidi[%08x]: connected to %q", p.sessionID, p.remoteName)
		util.Stats.AddSession()
		p.startCkBurst()
		p.OnConnected.Emit(p.remoteName)
	}
}

func (p *Peer) handleReject(port Port) {
	switch p.state {
	case ControlConnecting:
		if port != ControlPort {
			return
		}
		p.fail(ConnectionRejected)

	case MidiConnecting:
		if port != DataPort {
			return
		}
		p.fail(ConnectionRejected)
	}
}

func (p *Peer) handleClockSync(raw []byte, port Port) {
	if port != DataPort {
		util.LogWarning("rtpmidi[%08x]: CK received on control port, dropping session", p.sessionID)
		p.fail(BadCommand)
		return
	}
	if p.state != Connected {
		return
	}
	cs, err := DecodeClockSync(raw)
	if err != nil {
		util.LogWarning("rtpmidi: dropping malformed CK: %v", err)
		return
	}
	if cs.SSRC != p.remoteSSRC {
		util.LogDebug("rtpmidi: dropping CK from unexpected ssrc %08x", cs.SSRC)
		return
	}

	switch cs.Count {
	case 0:
		p.writeData(EncodeClockSync(ClockSync{SSRC: p.localSSRC, Count: 1, T0: cs.T0, T1: p.clock.Now()}))
	case 1:
		t2 := p.clock.Now()
		rtt, offset := EstimateFromExchange(cs.T0, cs.T1, t2)
		p.clock.SetEstimate(rtt, offset)
		p.writeData(EncodeClockSync(ClockSync{SSRC: p.localSSRC, Count: 2, T0: cs.T0, T1: cs.T1, T2: t2}))
		p.resetCkTimeout()
		p.OnCK.Emit(time.Duration(rtt) * tickDuration)
	case 2:
		rtt, offset := EstimateFromExchange(cs.T0, cs.T1, cs.T2)
		p.clock.SetEstimate(rtt, offset)
		p.resetCkTimeout()
		p.OnCK.Emit(time.Duration(rtt) * tickDuration)
	default:
		util.LogWarning("rtpmidi: invalid CK count %d", cs.Count)
	}
}

func (p *Peer) handleEnd(raw []byte) {
	if p.state == NotConnected || p.state == Disconnected {
		return
	}
	es, err := DecodeEndSession(raw)
	if err != nil {
		util.LogWarning("rtpmidi: dropping malformed BY: %v", err)
		return
	}
	if es.SSRC != p.remoteSSRC {
		return // SsrcMismatch: silently ignored per the wire spec
	}
	p.fail(PeerShutdown)
}

func (p *Peer) handleMidiData(raw []byte) {
	if p.state != Connected {
		return
	}
	hdr, payload, err := DecodeDataPacket(raw)
	if err != nil {
		util.LogWarning("rtpmidi: dropping malformed data packet: %v", err)
		return
	}
	if hdr.SSRC != p.remoteSSRC {
		return
	}
	if p.haveLastSeq && !seqNewer(p.lastSeq, hdr.Seq) {
		util.LogDebug("rtpmidi: dropping reordered midi packet seq=%d last=%d", hdr.Seq, p.lastSeq)
		return
	}
	p.lastSeq = hdr.Seq
	p.haveLastSeq = true

	events, err := midi.Decode(payload)
	if err != nil {
		util.LogWarning("rtpmidi: dropping malformed midi payload: %v", err)
		return
	}
	if len(events) > 0 {
		p.DecodedMidi.Emit(events)
	}
}

// seqNewer reports whether next is newer than prev under wrap-aware u16
// comparison: next is newer iff int16(next-prev) > 0.
func seqNewer(prev, next uint16) bool {
	return int16(next-prev) > 0
}

func (p *Peer) startHandshakeTimeout() {
	p.handshakeTok = p.r.AddTimer(handshakeTimeout, p.onHandshakeTimeout)
}

func (p *Peer) cancelHandshakeTimeout() {
	if p.handshakeTok != nil {
		p.handshakeTok.Close()
		p.handshakeTok = nil
	}
}

func (p *Peer) onHandshakeTimeout() {
	switch p.state {
	case ControlConnecting, MidiConnecting:
		p.fail(Timeout)
	}
}

func (p *Peer) startCkBurst() {
	p.ckSentCount = 0
	p.SendCK(0)
	p.ckSentCount = 1
	p.ckTimer = p.r.AddRepeat(ckBurstInterval, p.onCkDue)
	p.armCkTimeout()
}

func (p *Peer) onCkDue() {
	if p.state != Connected {
		return
	}
	p.SendCK(0)
	if p.ckSentCount < ckBurstCount {
		p.ckSentCount++
		if p.ckSentCount == ckBurstCount {
			if p.ckTimer != nil {
				p.ckTimer.Close()
			}
			p.ckTimer = p.r.AddRepeat(ckSteadyInterval, p.onCkDue)
		}
	}
}

func (p *Peer) armCkTimeout() {
	p.ckTimeoutTok = p.r.AddTimer(ckLivenessWindow, p.onCkTimeout)
}

func (p *Peer) resetCkTimeout() {
	if p.ckTimeoutTok != nil {
		p.ckTimeoutTok.Close()
	}
	p.armCkTimeout()
}

func (p *Peer) onCkTimeout() {
	if p.state != Connected {
		return
	}
	p.fail(CkTimeout)
}

func (p *Peer) handleSocketError(err error) {
	util.LogError("rtpmidi: socket error: %v", err)
	if isFatalSocketError(err) {
		p.fail(NetworkError)
	}
}

func isFatalSocketError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// fail tears the session down and publishes the reason. Nothing calls this
// for a locally-initiated Disconnect, which is silent by design: the caller
// already knows why the session ended.
func (p *Peer) fail(reason ErrorKind) {
	util.LogInfo("rtpmidi[%08x]: session ended (%s)", p.sessionID, reason)
	p.teardown()
	p.OnDisconnect.Emit(reason)
}

func (p *Peer) teardown() {
	if p.state == Connected {
		util.Stats.RemoveSession()
	}
	p.cancelHandshakeTimeout()
	if p.ckTimer != nil {
		p.ckTimer.Close()
		p.ckTimer = nil
	}
	if p.ckTimeoutTok != nil {
		p.ckTimeoutTok.Close()
		p.ckTimeoutTok = nil
	}
	if p.controlTok != nil {
		p.controlTok.Close()
		p.controlTok = nil
	}
	if p.dataTok != nil {
		p.dataTok.Close()
		p.dataTok = nil
	}
	if err := errors.Join(p.control.Close(), p.data.Close()); err != nil {
		util.LogWarning("rtpmidi[%08x]: error closing sockets: %v", p.sessionID, err)
	}
	p.state = Disconnected
}

// dataPortOf derives the data-channel endpoint from a control endpoint,
// per the even/odd port-pairing invariant.
func dataPortOf(control net.Addr) (net.Addr, error) {
	udpAddr, ok := control.(*net.UDPAddr)
	if !ok {
		return nil, newErr(NetworkError, "control endpoint is not a UDP address", nil)
	}
	dup := *udpAddr
	dup.Port++
	return &dup, nil
}
