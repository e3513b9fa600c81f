// Package client is the connecting side of gamelink: it presents a connect
// token, answers the server challenge and then exchanges payloads.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bridgefall/gamelink/internal/queue"
	"github.com/bridgefall/gamelink/internal/replay"
	"github.com/bridgefall/gamelink/pkg/protocol"
	"github.com/bridgefall/gamelink/pkg/token"
	"github.com/bridgefall/gamelink/pkg/transport"
)

const (
	defaultKeepaliveInterval    = 100 * time.Millisecond
	defaultHandshakeTimeout     = 5 * time.Second
	defaultClientTimeout        = 20 * time.Second
	defaultInboxSize            = 256
	defaultDisconnectRedundancy = 10
)

var (
	ErrDenied             = errors.New("connection denied")
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrTimedOut           = errors.New("connection timed out")
	ErrTokenExpired       = errors.New("connect token expired")
	ErrServerDisconnected = errors.New("server closed the connection")
	ErrNotConnected       = errors.New("not connected")
	ErrPayloadSize        = errors.New("payload size out of range")
)

// State is the client connection state.
type State uint8

const (
	StateDisconnected State = iota
	StateSendingHello
	StateSendingResponse
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSendingHello:
		return "sending_hello"
	case StateSendingResponse:
		return "sending_response"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Config tunes the client. Zero values select defaults; timeouts carried in
// ClientData take precedence over the defaults.
type Config struct {
	KeepaliveInterval    time.Duration
	InboxSize            int
	DisconnectRedundancy int
	Logger               *slog.Logger
	Now                  func() time.Time
}

// Client is driven by Update and is not safe for concurrent use.
type Client struct {
	cfg              Config
	data             token.ClientData
	transport        transport.Transport
	alloc            *protocol.Allocator
	logger           *slog.Logger
	handshakeTimeout time.Duration
	clientTimeout    time.Duration

	state    State
	err      error
	endpoint int
	server   netip.AddrPort
	hello    []byte

	elapsed    time.Duration
	stateStart time.Duration
	lastRecv   time.Duration
	lastSend   time.Duration

	sendSeq     uint64
	recvOffset  uint64
	window      replay.Window
	response    protocol.ChallengeResponse
	clientIndex uint32
	maxClients  uint32

	inbox   *queue.Ring[[]byte]
	recvBuf []byte
}

// New prepares a client for the server described by data.
func New(data token.ClientData, tr transport.Transport, cfg Config) (*Client, error) {
	if tr == nil {
		return nil, fmt.Errorf("transport required")
	}
	if len(data.Endpoints) == 0 {
		return nil, fmt.Errorf("client data lists no endpoints")
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if cfg.DisconnectRedundancy <= 0 {
		cfg.DisconnectRedundancy = defaultDisconnectRedundancy
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	hello, err := protocol.Encode(&protocol.Hello{Token: data.Token}, 0, 0, nil, false)
	if err != nil {
		return nil, fmt.Errorf("encode hello: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:              cfg,
		data:             data,
		transport:        tr,
		alloc:            protocol.NewAllocator(),
		logger:           logger.With("component", "client", "client_id", data.ClientID),
		handshakeTimeout: data.HandshakeTimeout,
		clientTimeout:    data.ClientTimeout,
		hello:            hello,
		inbox:            queue.New[[]byte](cfg.InboxSize),
		recvBuf:          make([]byte, protocol.MaxPacketSize+1),
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = defaultHandshakeTimeout
	}
	if c.clientTimeout <= 0 {
		c.clientTimeout = defaultClientTimeout
	}
	return c, nil
}

func (c *Client) State() State { return c.state }

// Err reports why the client last left a connecting or connected state.
func (c *Client) Err() error { return c.err }

// ClientIndex is the server slot index, valid once connected.
func (c *Client) ClientIndex() int { return int(c.clientIndex) }

// MaxClients is the server capacity, valid once connected.
func (c *Client) MaxClients() int { return int(c.maxClients) }

// Server returns the endpoint currently being tried or used.
func (c *Client) Server() netip.AddrPort { return c.server }

// Connect starts the handshake with the first listed endpoint.
func (c *Client) Connect() error {
	if !c.cfg.Now().Before(c.data.Expiration) {
		c.err = ErrTokenExpired
		return ErrTokenExpired
	}
	c.err = nil
	c.tryEndpoint(0)
	return nil
}

func (c *Client) tryEndpoint(i int) {
	c.endpoint = i
	c.server = c.data.Endpoints[i]
	c.window.Reset()
	c.recvOffset = 0
	c.setState(StateSendingHello)
	c.sendRaw(c.hello)
}

func (c *Client) setState(s State) {
	if c.state != s {
		c.logger.Debug("client state", "from", c.state.String(), "to", s.String(), "server", c.server.String())
	}
	c.state = s
	c.stateStart = c.elapsed
	c.lastRecv = c.elapsed
}

// fail moves to the next endpoint for handshake failures, or disconnects.
func (c *Client) fail(err error, retryNext bool) {
	if retryNext && c.endpoint+1 < len(c.data.Endpoints) {
		c.logger.Debug("trying next server", "err", err)
		c.tryEndpoint(c.endpoint + 1)
		return
	}
	c.err = err
	c.setState(StateDisconnected)
	c.logger.Info("client disconnected", "err", err)
}

// Update advances the client clock by dt and runs one poll cycle.
func (c *Client) Update(dt time.Duration) {
	c.elapsed += dt
	if c.state == StateDisconnected {
		c.drain()
		return
	}
	c.receive()
	if c.state == StateDisconnected {
		return
	}
	switch c.state {
	case StateSendingHello, StateSendingResponse:
		if !c.cfg.Now().Before(c.data.Expiration) {
			c.fail(ErrTokenExpired, false)
			return
		}
		if c.elapsed-c.stateStart > c.handshakeTimeout {
			c.fail(ErrHandshakeTimeout, true)
			return
		}
	case StateConnected:
		if c.elapsed-c.lastRecv > c.clientTimeout {
			c.fail(ErrTimedOut, false)
			return
		}
	}
	if c.elapsed-c.lastSend < c.cfg.KeepaliveInterval {
		return
	}
	switch c.state {
	case StateSendingHello:
		c.sendRaw(c.hello)
	case StateSendingResponse:
		c.sendPacket(&c.response)
	case StateConnected:
		c.sendPacket(&protocol.Keepalive{})
	}
}

// drain discards datagrams that arrive while disconnected.
func (c *Client) drain() {
	for {
		n, _, err := c.transport.ReceiveFrom(c.recvBuf)
		if err != nil || n == 0 {
			return
		}
	}
}

func (c *Client) receive() {
	for c.state != StateDisconnected {
		n, from, err := c.transport.ReceiveFrom(c.recvBuf)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				c.logger.Warn("receive failed", "err", err)
			}
			return
		}
		if n == 0 {
			return
		}
		if from != c.server {
			continue
		}
		c.handle(c.recvBuf[:n])
	}
}

func (c *Client) handle(data []byte) {
	window := &c.window
	if c.state == StateSendingHello {
		// the server offset arrives inside the challenge
		window = nil
	}
	_, p, err := protocol.Decode(c.alloc, data, &c.data.SessionKey, window, c.recvOffset, false)
	if err != nil {
		c.logger.Debug("packet drop", "err", err)
		return
	}
	defer c.alloc.Free(p)

	switch pkt := p.(type) {
	case *protocol.ConnectionDenied:
		if c.state == StateSendingHello || c.state == StateSendingResponse {
			c.fail(ErrDenied, true)
		}
	case *protocol.Challenge:
		switch c.state {
		case StateSendingHello:
			c.recvOffset = pkt.SequenceOffset
			c.response = protocol.ChallengeResponse{Nonce: pkt.Nonce, Data: pkt.Data}
			c.setState(StateSendingResponse)
			c.sendPacket(&c.response)
		case StateSendingResponse:
			c.lastRecv = c.elapsed
		}
	case *protocol.ConnectionAccepted:
		switch c.state {
		case StateSendingResponse:
			c.clientIndex = pkt.ClientIndex
			c.maxClients = pkt.MaxClients
			c.setState(StateConnected)
			c.logger.Info("client connected", "server", c.server.String(), "index", pkt.ClientIndex)
		case StateConnected:
			c.lastRecv = c.elapsed
		}
	case *protocol.Keepalive:
		if c.state == StateConnected {
			c.lastRecv = c.elapsed
		}
	case *protocol.UserPayload:
		if c.state != StateConnected {
			return
		}
		c.lastRecv = c.elapsed
		if err := c.inbox.Push(append([]byte(nil), pkt.Data...)); err != nil {
			c.logger.Debug("inbox full, payload dropped")
		}
	case *protocol.Disconnect:
		if c.state == StateConnected || c.state == StateSendingResponse {
			c.fail(ErrServerDisconnected, false)
		}
	}
}

// Send transmits payload to the server.
func (c *Client) Send(payload []byte) error {
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if len(payload) == 0 || len(payload) > protocol.MaxPayloadSize {
		return ErrPayloadSize
	}
	return c.sendPacket(&protocol.UserPayload{Data: payload})
}

// Receive pops the oldest payload received from the server.
func (c *Client) Receive() ([]byte, bool) {
	payload, err := c.inbox.Pop()
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Disconnect tells the server the client is leaving.
func (c *Client) Disconnect() error {
	if c.state == StateDisconnected {
		return ErrNotConnected
	}
	if c.state == StateConnected {
		for i := 0; i < c.cfg.DisconnectRedundancy; i++ {
			_ = c.sendPacket(&protocol.Disconnect{})
		}
	}
	c.err = nil
	c.setState(StateDisconnected)
	return nil
}

func (c *Client) sendPacket(p protocol.Packet) error {
	data, err := protocol.Encode(p, c.sendSeq, c.data.SequenceOffset, &c.data.SessionKey, false)
	c.sendSeq++
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) error {
	c.lastSend = c.elapsed
	if err := c.transport.SendTo(data, c.server); err != nil {
		c.logger.Debug("send failed", "err", err)
		return err
	}
	return nil
}
