package rtpmidi

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rtpmidi/internal/midi"
	"github.com/1ureka/rtpmidi/internal/reactor"
)

// scriptedSocket is an in-process Socket: ReadFrom blocks on an inbox
// channel fed by push, WriteTo records every outbound datagram instead of
// touching the network. Mirrors the linked-mock-transport pattern used for
// the DataChannel adapter tests, adapted to a single-ended UDP socket.
type scriptedSocket struct {
	mu     sync.Mutex
	inbox  chan []byte
	sent   [][]byte
	from   net.Addr
	closed bool
}

func newScriptedSocket(from net.Addr) *scriptedSocket {
	return &scriptedSocket{inbox: make(chan []byte, 32), from: from}
}

func (s *scriptedSocket) push(b []byte) { s.inbox <- append([]byte(nil), b...) }

func (s *scriptedSocket) ReadFrom(p []byte) (int, net.Addr, error) {
	b, ok := <-s.inbox
	if !ok {
		return 0, nil, net.ErrClosed
	}
	return copy(p, b), s.from, nil
}

func (s *scriptedSocket) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	s.mu.Unlock()
	return len(p), nil
}

func (s *scriptedSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.inbox)
	}
	return nil
}

func (s *scriptedSocket) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

func driveUntil(r *reactor.Reactor, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if !time.Now().Before(deadline) {
			return cond()
		}
		r.RunOnce(10 * time.Millisecond)
	}
}

const testRemoteSSRC = 0xAABBCCDD

// newConnectedPeer drives a peer through a full successful handshake and
// returns it already in the Connected state.
func newConnectedPeer(t *testing.T) (*reactor.Reactor, *Peer, *scriptedSocket, *scriptedSocket) {
	t.Helper()
	r := reactor.New()
	remoteAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	control := newScriptedSocket(remoteAddr)
	data := newScriptedSocket(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6001})

	p := NewPeer(r, "t", control, data)
	if err := p.Connect(remoteAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if !driveUntil(r, time.Second, func() bool { return len(control.Sent()) >= 1 }) {
		t.Fatal("expected IN on control")
	}
	inv, err := DecodeInvitation(control.Sent()[0])
	if err != nil {
		t.Fatalf("DecodeInvitation: %v", err)
	}
	control.push(EncodeAccept(Invitation{Version: ProtocolVersion, Token: inv.Token, SSRC: testRemoteSSRC, Name: "srv"}))

	if !driveUntil(r, time.Second, func() bool { return len(data.Sent()) >= 1 }) {
		t.Fatal("expected IN on data after control OK")
	}
	inv2, err := DecodeInvitation(data.Sent()[0])
	if err != nil {
		t.Fatalf("DecodeInvitation: %v", err)
	}
	data.push(EncodeAccept(Invitation{Version: ProtocolVersion, Token: inv2.Token, SSRC: testRemoteSSRC, Name: "srv"}))

	if !driveUntil(r, time.Second, func() bool { return p.State() == Connected }) {
		t.Fatalf("state = %v, want Connected", p.State())
	}
	return r, p, control, data
}

func TestSuccessfulHandshake(t *testing.T) {
	_, p, _, _ := newConnectedPeer(t)
	if p.RemoteSSRC() != testRemoteSSRC {
		t.Fatalf("remote ssrc = %#x, want %#x", p.RemoteSSRC(), testRemoteSSRC)
	}
	if p.Stats().RemoteName != "srv" {
		t.Fatalf("remote name = %q, want srv", p.Stats().RemoteName)
	}
}

func TestConnectRejectedByNO(t *testing.T) {
	r := reactor.New()
	remoteAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	control := newScriptedSocket(remoteAddr)
	data := newScriptedSocket(remoteAddr)

	p := NewPeer(r, "t", control, data)
	var reason ErrorKind
	p.OnDisconnect.Connect(func(k ErrorKind) { reason = k })

	if err := p.Connect(remoteAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	driveUntil(r, time.Second, func() bool { return len(control.Sent()) >= 1 })
	control.push(EncodeReject(Invitation{Version: ProtocolVersion}))

	if !driveUntil(r, time.Second, func() bool { return p.State() == Disconnected }) {
		t.Fatalf("state = %v, want Disconnected", p.State())
	}
	if reason != ConnectionRejected {
		t.Fatalf("reason = %v, want ConnectionRejected", reason)
	}
}

// TestRejectOnWrongPortIsIgnored checks that a NO arriving on the data
// socket while still waiting for the control handshake to complete cannot
// abort the connection; only a NO on the port currently being negotiated
// counts, mirroring the accept-side port pairing in handleAccept.
func TestRejectOnWrongPortIsIgnored(t *testing.T) {
	r := reactor.New()
	remoteAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6001}
	control := newScriptedSocket(remoteAddr)
	data := newScriptedSocket(remoteAddr)

	p := NewPeer(r, "t", control, data)
	var disconnects int
	p.OnDisconnect.Connect(func(ErrorKind) { disconnects++ })

	if err := p.Connect(remoteAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	driveUntil(r, time.Second, func() bool { return len(control.Sent()) >= 1 })

	data.push(EncodeReject(Invitation{Version: ProtocolVersion}))
	r.RunOnce(10 * time.Millisecond)

	if p.State() != ControlConnecting {
		t.Fatalf("state = %v, want ControlConnecting after stray NO on data port", p.State())
	}
	if disconnects != 0 {
		t.Fatalf("disconnects = %d, want 0", disconnects)
	}
}

func TestConnectTimesOutWithoutOK(t *testing.T) {
	r := reactor.New()
	remoteAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	control := newScriptedSocket(remoteAddr)
	data := newScriptedSocket(remoteAddr)

	p := NewPeer(r, "t", control, data)
	var reason ErrorKind
	p.OnDisconnect.Connect(func(k ErrorKind) { reason = k })

	if err := p.Connect(remoteAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if !driveUntil(r, 2*time.Second, func() bool { return p.State() == Disconnected }) {
		t.Fatalf("state = %v, want Disconnected after handshake timeout", p.State())
	}
	if reason != Timeout {
		t.Fatalf("reason = %v, want Timeout", reason)
	}
}

func TestTokenMismatchRejectsHandshake(t *testing.T) {
	r := reactor.New()
	remoteAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	control := newScriptedSocket(remoteAddr)
	data := newScriptedSocket(remoteAddr)

	p := NewPeer(r, "t", control, data)
	var reason ErrorKind
	p.OnDisconnect.Connect(func(k ErrorKind) { reason = k })

	if err := p.Connect(remoteAddr); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	driveUntil(r, time.Second, func() bool { return len(control.Sent()) >= 1 })
	control.push(EncodeAccept(Invitation{Version: ProtocolVersion, Token: 0xFFFFFFFF, SSRC: 1, Name: "x"}))

	if !driveUntil(r, time.Second, func() bool { return p.State() == Disconnected }) {
		t.Fatalf("state = %v, want Disconnected", p.State())
	}
	if reason != ConnectionRejected {
		t.Fatalf("reason = %v, want ConnectionRejected", reason)
	}
}

func TestClockSyncRoundTripUpdatesRTT(t *testing.T) {
	r, p, _, data := newConnectedPeer(t)

	var gotRTT time.Duration
	var ckCalls int
	p.OnCK.Connect(func(d time.Duration) { gotRTT = d; ckCalls++ })

	// Put the peer's local clock at about 1200 ticks, so the scripted T0=1000
	// is a time at which this peer could have sent its CK(0).
	p.clock = NewClock(time.Now().Add(-120 * time.Millisecond))

	before := len(data.Sent())
	data.push(EncodeClockSync(ClockSync{SSRC: p.RemoteSSRC(), Count: 1, T0: 1000, T1: 1100}))

	if !driveUntil(r, time.Second, func() bool { return ckCalls > 0 }) {
		t.Fatal("expected a CK signal after processing CK(1)")
	}
	if gotRTT <= 0 {
		t.Fatalf("rtt = %v, want positive", gotRTT)
	}

	sent := data.Sent()
	if len(sent) <= before {
		t.Fatal("expected a CK(2) reply on the data socket")
	}
	reply, err := DecodeClockSync(sent[len(sent)-1])
	if err != nil {
		t.Fatalf("DecodeClockSync: %v", err)
	}
	if reply.Count != 2 || reply.T0 != 1000 || reply.T1 != 1100 {
		t.Fatalf("reply = %+v, want Count=2 T0=1000 T1=1100", reply)
	}
	wantRTT, wantOffset := EstimateFromExchange(reply.T0, reply.T1, reply.T2)
	if p.Stats().RTT != time.Duration(wantRTT)*tickDuration {
		t.Fatalf("stored RTT does not match the exchange it replied with")
	}
	_ = wantOffset
}

func TestClockSyncOnControlPortDropsSession(t *testing.T) {
	r, p, control, _ := newConnectedPeer(t)

	var reason ErrorKind
	p.OnDisconnect.Connect(func(k ErrorKind) { reason = k })

	control.push(EncodeClockSync(ClockSync{SSRC: p.RemoteSSRC(), Count: 1, T0: 1000, T1: 1100}))

	if !driveUntil(r, time.Second, func() bool { return p.State() == Disconnected }) {
		t.Fatalf("state = %v, want Disconnected after CK on control port", p.State())
	}
	if reason != BadCommand {
		t.Fatalf("reason = %v, want BadCommand", reason)
	}
}

func TestMidiReorderingDropsStalePacket(t *testing.T) {
	r, p, _, data := newConnectedPeer(t)

	var batches [][]midi.Event
	p.DecodedMidi.Connect(func(evts []midi.Event) { batches = append(batches, evts) })

	send := func(seq uint16, note uint8) {
		payload := midi.Encode([]midi.Event{{Kind: midi.NoteOn, Channel: 0, Data1: note, Data2: 100}})
		raw, err := EncodeDataPacket(DataHeader{Seq: seq, SSRC: p.RemoteSSRC()}, payload)
		if err != nil {
			t.Fatalf("EncodeDataPacket: %v", err)
		}
		data.push(raw)
	}

	send(100, 60)
	send(102, 61)
	send(101, 62)

	if !driveUntil(r, time.Second, func() bool { return len(batches) >= 2 }) {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	// Give any (incorrect) delivery of the reordered packet a chance to land.
	r.RunOnce(20 * time.Millisecond)
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want exactly 2 (seq 101 must be dropped)", len(batches))
	}
	if batches[0][0].Data1 != 60 || batches[1][0].Data1 != 61 {
		t.Fatalf("got notes %d, %d, want 60, 61", batches[0][0].Data1, batches[1][0].Data1)
	}
}

func TestEndSessionIgnoredFromWrongSSRC(t *testing.T) {
	r, p, control, _ := newConnectedPeer(t)

	var reason ErrorKind
	var disconnects int
	p.OnDisconnect.Connect(func(k ErrorKind) { reason = k; disconnects++ })

	control.push(EncodeEndSession(EndSession{Token: 0, SSRC: 0x2222}))
	for i := 0; i < 5; i++ {
		r.RunOnce(10 * time.Millisecond)
	}
	if p.State() != Connected {
		t.Fatalf("state = %v, want still Connected after wrong-ssrc BY", p.State())
	}

	control.push(EncodeEndSession(EndSession{Token: 0, SSRC: p.RemoteSSRC()}))
	if !driveUntil(r, time.Second, func() bool { return p.State() == Disconnected }) {
		t.Fatalf("state = %v, want Disconnected", p.State())
	}
	if disconnects != 1 || reason != PeerShutdown {
		t.Fatalf("disconnects=%d reason=%v, want 1 PeerShutdown", disconnects, reason)
	}
}

func TestSeqNewerWrapAround(t *testing.T) {
	cases := []struct {
		prev, next uint16
		want       bool
	}{
		{0, 1, true},
		{1, 0, false},
		{65535, 0, true},
		{0, 65535, false},
		{100, 102, true},
		{102, 101, false},
		{30000, 30001, true},
	}
	for _, c := range cases {
		if got := seqNewer(c.prev, c.next); got != c.want {
			t.Fatalf("seqNewer(%d, %d) = %v, want %v", c.prev, c.next, got, c.want)
		}
	}
}

func TestPortPairingRejectsNonUDPAddr(t *testing.T) {
	_, err := dataPortOf(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000})
	if err == nil {
		t.Fatal("expected an error for a non-UDP control address")
	}
}

func TestPortPairingDerivesOddDataPort(t *testing.T) {
	got, err := dataPortOf(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000})
	if err != nil {
		t.Fatalf("dataPortOf: %v", err)
	}
	udp := got.(*net.UDPAddr)
	if udp.Port != 6001 {
		t.Fatalf("data port = %d, want 6001", udp.Port)
	}
}

func TestSendMIDIRequiresConnected(t *testing.T) {
	r := reactor.New()
	remoteAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6000}
	control := newScriptedSocket(remoteAddr)
	data := newScriptedSocket(remoteAddr)
	p := NewPeer(r, "t", control, data)
	defer control.Close()
	defer data.Close()

	err := p.SendMIDI([]midi.Event{{Kind: midi.NoteOn, Data1: 60, Data2: 100}})
	if err == nil {
		t.Fatal("expected an error sending MIDI before Connected")
	}
}
