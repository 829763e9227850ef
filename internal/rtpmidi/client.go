package rtpmidi

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/1ureka/rtpmidi/internal/midi"
	"github.com/1ureka/rtpmidi/internal/reactor"
	"github.com/1ureka/rtpmidi/internal/signal"
	"github.com/1ureka/rtpmidi/internal/token"
	"github.com/1ureka/rtpmidi/internal/util"
	"golang.org/x/sys/unix"
)

// defaultPort is used for an endpoint whose port string is empty.
const defaultPort = "5004"

const (
	interEndpointDelay = 200 * time.Millisecond
	passDelay          = 5 * time.Second
	maxPasses          = 3
)

// Endpoint names a remote control port by hostname and decimal port string.
type Endpoint struct {
	Host string
	Port string // "1".."65535"; empty means defaultPort
}

func (e Endpoint) String() string {
	port := e.Port
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(e.Host, port)
}

func resolveEndpoint(e Endpoint) (net.Addr, error) {
	addr, err := net.ResolveUDPAddr("udp", e.String())
	if err != nil {
		return nil, newErr(NetworkError, "failed to resolve endpoint "+e.String(), err)
	}
	return addr, nil
}

// SocketFactory binds a fresh control/data socket pair on localPort and
// localPort+1. Client calls it once per connection attempt, since a peer
// closes its sockets on every transition into Disconnected.
type SocketFactory func(localPort int) (control, data Socket, err error)

// Client drives a Peer through an ordered endpoint list: address
// resolution, inter-endpoint and inter-pass retry pacing, and automatic
// reconnection after a live session drops.
type Client struct {
	name          string
	localBasePort int
	factory       SocketFactory
	r             *reactor.Reactor

	endpoints     []Endpoint
	idx           int
	pass          int
	everConnected bool

	peer *Peer

	interEndpointTok *token.Token
	passTok          *token.Token

	OnConnected  *signal.Signal[string]
	OnDisconnect *signal.Signal[ErrorKind]
	OnCK         *signal.Signal[time.Duration]
	DecodedMidi  *signal.Signal[[]midi.Event]
}

// NewClient creates a client that will bind its local sockets via factory
// on localBasePort each time it dials an endpoint.
func NewClient(r *reactor.Reactor, name string, localBasePort int, factory SocketFactory) *Client {
	return &Client{
		name:          name,
		localBasePort: localBasePort,
		factory:       factory,
		r:             r,

		OnConnected:  signal.New[string](),
		OnDisconnect: signal.New[ErrorKind](),
		OnCK:         signal.New[time.Duration](),
		DecodedMidi:  signal.New[[]midi.Event](),
	}
}

// Peer returns the client's current peer, or nil before the first ConnectTo.
func (c *Client) Peer() *Peer { return c.peer }

// EnableStatsReporting starts logging process-wide session and byte
// throughput every 10 seconds, until ctx is cancelled. It is process-wide
// rather than per-client since every peer in the process shares one
// util.Stats counter set.
func EnableStatsReporting(ctx context.Context) {
	util.StartStatsReporter(ctx)
}

// ConnectTo begins driving the peer through endpoints in order. It resolves
// and dials only the first endpoint synchronously; the rest happen from
// reactor callbacks as earlier attempts fail.
func (c *Client) ConnectTo(endpoints []Endpoint) error {
	if len(endpoints) == 0 {
		return newErr(BadCommand, "ConnectTo requires at least one endpoint", nil)
	}
	c.endpoints = endpoints
	c.idx = 0
	c.pass = 1
	c.everConnected = false
	return c.dialCurrent()
}

// Disconnect tears the active session down and stops any pending retries.
func (c *Client) Disconnect() {
	c.cancelRetryTimers()
	if c.peer != nil {
		c.peer.Disconnect()
	}
}

// SendMIDI forwards events to the active peer.
func (c *Client) SendMIDI(events []midi.Event) error {
	if c.peer == nil {
		return newErr(BadCommand, "SendMIDI called with no active peer", nil)
	}
	return c.peer.SendMIDI(events)
}

func (c *Client) dialCurrent() error {
	ep := c.endpoints[c.idx]
	addr, err := resolveEndpoint(ep)
	if err != nil {
		util.LogWarning("rtpmidi client: %v", err)
		c.advance()
		return nil
	}

	control, data, err := c.factory(c.localBasePort)
	if err != nil {
		return newErr(NetworkError, "failed to bind local sockets", err)
	}

	p := NewPeer(c.r, c.name, control, data)
	c.wirePeer(p)
	c.peer = p

	if err := p.Connect(addr); err != nil {
		return err
	}
	return nil
}

func (c *Client) wirePeer(p *Peer) {
	p.OnConnected.Connect(func(name string) {
		c.everConnected = true
		c.cancelRetryTimers()
		c.OnConnected.Emit(name)
	})
	p.DecodedMidi.Connect(func(events []midi.Event) {
		c.DecodedMidi.Emit(events)
	})
	p.OnCK.Connect(func(rtt time.Duration) {
		c.OnCK.Emit(rtt)
	})
	p.OnDisconnect.Connect(c.onPeerDisconnect)
}

// onPeerDisconnect implements two distinct policies depending on whether
// this endpoint list ever reached Connected: while still handshaking,
// Timeout/ConnectionRejected fall through to the next endpoint; once a
// session has been live, only PeerShutdown/CkTimeout trigger a fresh
// connect_to from the top of the list, everything else propagates.
func (c *Client) onPeerDisconnect(reason ErrorKind) {
	if !c.everConnected {
		c.advance()
		return
	}

	switch reason {
	case PeerShutdown, CkTimeout:
		util.LogInfo("rtpmidi client: session ended (%s), reconnecting", reason)
		c.idx = 0
		c.pass = 1
		c.everConnected = false
		if err := c.dialCurrent(); err != nil {
			c.OnDisconnect.Emit(NetworkError)
		}
	default:
		c.OnDisconnect.Emit(reason)
	}
}

// advance moves to the next endpoint, or the next full pass, or gives up
// terminally after maxPasses.
func (c *Client) advance() {
	c.idx++
	if c.idx < len(c.endpoints) {
		c.interEndpointTok = c.r.AddTimer(interEndpointDelay, c.retryDial)
		return
	}

	c.idx = 0
	c.pass++
	if c.pass > maxPasses {
		c.OnDisconnect.Emit(AllEndpointsUnreachable)
		return
	}
	c.passTok = c.r.AddTimer(passDelay, c.retryDial)
}

func (c *Client) retryDial() {
	if err := c.dialCurrent(); err != nil {
		util.LogError("rtpmidi client: %v", err)
		c.OnDisconnect.Emit(NetworkError)
	}
}

func (c *Client) cancelRetryTimers() {
	if c.interEndpointTok != nil {
		c.interEndpointTok.Close()
		c.interEndpointTok = nil
	}
	if c.passTok != nil {
		c.passTok.Close()
		c.passTok = nil
	}
}

// reuseAddrListenConfig sets SO_REUSEADDR on the raw socket before bind, so
// a rapid reconnect (fresh Peer, same local port, prior socket only just
// closed) doesn't lose its slot to TIME_WAIT.
var reuseAddrListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return sockErr
	},
}

// UDPSocketFactory is the production SocketFactory: it binds real UDP
// sockets for both address families on localPort (control) and
// localPort+1 (data), satisfying the "both IPv4 and IPv6 must be accepted
// on receive" requirement.
func UDPSocketFactory(localPort int) (control, data Socket, err error) {
	c, err := reuseAddrListenConfig.ListenPacket(context.Background(), "udp", net.JoinHostPort("", strconv.Itoa(localPort)))
	if err != nil {
		return nil, nil, newErr(NetworkError, "bind control socket", err)
	}
	d, err := reuseAddrListenConfig.ListenPacket(context.Background(), "udp", net.JoinHostPort("", strconv.Itoa(localPort+1)))
	if err != nil {
		_ = c.Close()
		return nil, nil, newErr(NetworkError, "bind data socket", err)
	}
	return c.(*net.UDPConn), d.(*net.UDPConn), nil
}

// portFromAddr extracts the numeric port from addr, used by tests that
// verify the port-pairing invariant against real sockets.
func portFromAddr(addr net.Addr) (int, error) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
