// Package server implements the gamelink session core: it accepts connect
// tokens, runs the challenge handshake and moves user payloads between the
// application and a fixed table of client slots.
package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/bridgefall/gamelink/internal/queue"
	"github.com/bridgefall/gamelink/internal/ratelimiter"
	"github.com/bridgefall/gamelink/pkg/protocol"
	"github.com/bridgefall/gamelink/pkg/token"
	"github.com/bridgefall/gamelink/pkg/transport"
)

var (
	ErrPayloadSize     = errors.New("payload size out of range")
	ErrNotConnected    = errors.New("client not connected")
	ErrNotLoopback     = errors.New("client is not a loopback client")
	ErrDuplicateClient = errors.New("client id already connected")
	ErrStopped         = errors.New("server stopped")
)

// Transport is the datagram contract the server polls.
type Transport = transport.Transport

// Server owns the client table. It is driven by Update and is not safe for
// concurrent use; only Metrics may be read from other goroutines.
type Server struct {
	cfg       Config
	endpoint  netip.AddrPort
	publicKey [32]byte
	transport Transport
	verifier  *token.Verifier
	slots     *Table
	events    *queue.Ring[Event]
	alloc     *protocol.Allocator
	limiter   *ratelimiter.Ratelimiter
	metrics   *Metrics
	logger    *slog.Logger
	dropLog   *dropLog

	elapsed        time.Duration
	lastMetricsLog time.Duration
	nextChallenge  uint64
	recvBuf        []byte
	stopped        bool
}

// New validates the key pair and configuration and returns a server that
// answers at endpoint, the public address tokens must list.
func New(endpoint netip.AddrPort, publicKey, secretKey [32]byte, cfg Config, tr Transport) (*Server, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !endpoint.IsValid() {
		return nil, fmt.Errorf("%s: server endpoint required", invalidConfigPrefix)
	}
	if tr == nil {
		return nil, fmt.Errorf("%s: transport required", invalidConfigPrefix)
	}
	derived, err := token.DerivePublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("%s: secret key invalid: %w", invalidConfigPrefix, err)
	}
	if subtle.ConstantTimeCompare(derived[:], publicKey[:]) != 1 {
		return nil, fmt.Errorf("%s: public key does not match secret key", invalidConfigPrefix)
	}
	verifier, err := token.NewVerifier(secretKey, normalized.NonceCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", invalidConfigPrefix, err)
	}
	logger := resolveLogger(normalized.Logger)
	return &Server{
		cfg:       normalized,
		endpoint:  netip.AddrPortFrom(endpoint.Addr().Unmap(), endpoint.Port()),
		publicKey: publicKey,
		transport: tr,
		verifier:  verifier,
		slots:     NewTable(normalized.MaxClients, normalized.SendQueueSize),
		events:    queue.New[Event](normalized.EventQueueSize),
		alloc:     protocol.NewAllocator(),
		limiter:   ratelimiter.New(normalized.HelloRatePPS, normalized.HelloRateBurst),
		metrics:   newMetrics(),
		logger:    logger.With("component", "server"),
		dropLog:   newDropLog(normalized.LogInterval, normalized.Now),
		recvBuf:   make([]byte, protocol.MaxPacketSize+1),
	}, nil
}

// Listen binds a UDP socket at listenAddr and returns a server on it. A zero
// endpoint means the bound address is the one tokens list.
func Listen(listenAddr string, endpoint netip.AddrPort, publicKey, secretKey [32]byte, cfg Config) (*Server, error) {
	udp, err := transport.ListenUDP(listenAddr)
	if err != nil {
		return nil, err
	}
	if !endpoint.IsValid() {
		endpoint = udp.LocalAddr()
	}
	s, err := New(endpoint, publicKey, secretKey, cfg, udp)
	if err != nil {
		udp.Close()
		return nil, err
	}
	s.logger.Info("server listening", "addr", udp.LocalAddr().String(), "endpoint", s.endpoint.String(), "max_clients", s.cfg.MaxClients)
	return s, nil
}

// Endpoint returns the public address clients connect to.
func (s *Server) Endpoint() netip.AddrPort { return s.endpoint }

// PublicKey returns the key connect tokens are sealed to.
func (s *Server) PublicKey() [32]byte { return s.publicKey }

// Config returns the normalized configuration.
func (s *Server) Config() Config { return s.cfg }

// Metrics returns the live counters.
func (s *Server) Metrics() *Metrics { return s.metrics }

// ClientCount returns the number of occupied slots.
func (s *Server) ClientCount() int { return s.slots.Len() }

// Client returns the slot behind h.
func (s *Server) Client(h Handle) (*Slot, error) { return s.slots.Lookup(h) }

// Update advances the server clock by dt, drains the transport, expires
// silent clients, queues keepalives and flushes every outbound queue.
func (s *Server) Update(dt time.Duration) {
	if s.stopped {
		return
	}
	s.elapsed += dt
	s.receive()
	s.checkTimeouts()
	s.queueKeepalives()
	s.flush()
	s.limiter.Sweep(s.cfg.Now())
	if s.elapsed-s.lastMetricsLog >= s.cfg.MetricsInterval {
		s.lastMetricsLog = s.elapsed
		s.logMetrics()
	}
}

func (s *Server) receive() {
	for {
		n, from, err := s.transport.ReceiveFrom(s.recvBuf)
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				s.logger.Warn("receive failed", "err", err)
			}
			return
		}
		if n == 0 {
			return
		}
		s.metrics.PacketsIn.Add(1)
		s.metrics.BytesIn.Add(int64(n))
		s.handleDatagram(s.recvBuf[:n], from)
	}
}

func (s *Server) handleDatagram(data []byte, from netip.AddrPort) {
	h, err := s.slots.FindByEndpoint(from)
	if err != nil {
		s.handleHello(data, from)
		return
	}
	slot, err := s.slots.Lookup(h)
	if err != nil {
		return
	}
	_, p, err := protocol.Decode(s.alloc, data, &slot.key, &slot.window, slot.recvOffset, true)
	if err != nil {
		s.logDrop(decodeDropReason(err), from, err.Error())
		return
	}
	defer s.alloc.Free(p)

	switch pkt := p.(type) {
	case *protocol.Hello:
		if slot.state != StateConnecting {
			s.logDrop(DropUnexpected, from, "hello from connected client")
			return
		}
		s.queueChallenge(slot)
		s.metrics.ChallengesResent.Add(1)
	case *protocol.ChallengeResponse:
		s.handleChallengeResponse(h, slot, pkt, from)
	case *protocol.Keepalive:
		if slot.state != StateConnected {
			s.logDrop(DropUnexpected, from, "keepalive before handshake")
			return
		}
		slot.lastRecv = s.elapsed
	case *protocol.UserPayload:
		if slot.state != StateConnected {
			s.logDrop(DropUnexpected, from, "payload before handshake")
			return
		}
		slot.lastRecv = s.elapsed
		s.pushEvent(Event{
			Kind:     EventUserPacket,
			Handle:   h,
			Endpoint: from,
			ClientID: slot.clientID,
			Payload:  append([]byte(nil), pkt.Data...),
		})
	case *protocol.Disconnect:
		s.logger.Debug("client disconnected", "handle", h.String(), "addr", from.String())
		s.disconnect(h, slot, false)
	default:
		s.logDrop(DropUnexpected, from, p.Type().String())
	}
}

func (s *Server) handleChallengeResponse(h Handle, slot *Slot, pkt *protocol.ChallengeResponse, from netip.AddrPort) {
	switch slot.state {
	case StateConnecting:
		if pkt.Nonce != slot.challengeNonce || subtle.ConstantTimeCompare(pkt.Data[:], slot.challengeData[:]) != 1 {
			s.logDrop(DropChallengeMismatch, from, "challenge response mismatch")
			return
		}
		slot.state = StateConnected
		slot.lastRecv = s.elapsed
		s.enqueue(slot, s.accepted(h))
		s.metrics.ConnectionsOpened.Add(1)
		s.metrics.HandshakeLatency.Add(s.elapsed - slot.created)
		s.logger.Info("client connected", "handle", h.String(), "addr", from.String(), "client_id", slot.clientID)
		s.pushEvent(Event{
			Kind:       EventNewConnection,
			Handle:     h,
			Endpoint:   from,
			SessionKey: slot.key,
			ClientID:   slot.clientID,
		})
	case StateConnected:
		// the client missed our Connection-Accepted
		slot.lastRecv = s.elapsed
		s.enqueue(slot, s.accepted(h))
	}
}

func (s *Server) accepted(h Handle) *protocol.ConnectionAccepted {
	return &protocol.ConnectionAccepted{ClientIndex: uint32(h.index), MaxClients: uint32(s.cfg.MaxClients)}
}

// handleHello is the only path for datagrams from unknown endpoints.
func (s *Server) handleHello(data []byte, from netip.AddrPort) {
	if len(data) <= protocol.VersionLen || protocol.Type(data[protocol.VersionLen]) != protocol.TypeHello {
		s.logDrop(DropUnknownEndpoint, from, "packet from unknown endpoint")
		return
	}
	now := s.cfg.Now()
	if !s.limiter.Allow(from.Addr(), now) {
		s.logDrop(DropRateLimit, from, "hello rate limit")
		return
	}
	_, p, err := protocol.Decode(s.alloc, data, nil, nil, 0, true)
	if err != nil {
		s.logDrop(decodeDropReason(err), from, err.Error())
		return
	}
	defer s.alloc.Free(p)
	hello := p.(*protocol.Hello)

	tok, err := s.verifier.Inspect(hello.Token, now)
	if errors.Is(err, token.ErrTokenReplayed) && tok.Lists(s.endpoint) {
		s.logDrop(DropTokenReplayed, from, err.Error())
		s.deny(tok, from, "token reused")
		return
	}
	if err != nil {
		s.logDrop(tokenDropReason(err), from, err.Error())
		return
	}
	if !tok.Lists(s.endpoint) {
		s.logDrop(DropEndpointMismatch, from, "token does not list this server")
		return
	}
	if _, err := s.slots.FindByClientID(tok.Private.ClientID); err == nil {
		s.logDrop(DropDuplicateClient, from, "client id already connected")
		return
	}
	if s.slots.Len() == s.slots.Cap() {
		s.deny(tok, from, "server full")
		return
	}
	if _, err := s.verifier.Open(hello.Token, now); err != nil {
		if errors.Is(err, token.ErrNonceCacheFull) {
			s.logDrop(DropNonceCacheFull, from, err.Error())
			s.deny(tok, from, "nonce memory full")
			return
		}
		s.logDrop(tokenDropReason(err), from, err.Error())
		return
	}

	h, err := s.slots.Allocate(from, tok.Private.Key)
	if err != nil {
		if errors.Is(err, ErrFull) {
			s.deny(tok, from, "server full")
			return
		}
		s.logger.Error("allocate slot", "err", err)
		return
	}
	slot, _ := s.slots.Lookup(h)
	slot.clientID = tok.Private.ClientID
	slot.userData = tok.Private.UserData
	slot.recvOffset = tok.Private.SequenceOffset
	slot.created = s.elapsed
	slot.lastRecv = s.elapsed
	slot.lastSend = s.elapsed
	slot.wallTime = now
	slot.challengeNonce = s.nextChallenge
	s.nextChallenge++
	if _, err := rand.Read(slot.challengeData[:]); err != nil {
		s.logger.Error("challenge data", "err", err)
		s.free(h)
		return
	}
	s.metrics.ActiveClients.Inc()
	s.queueChallenge(slot)
	s.logger.Debug("handshake started", "handle", h.String(), "addr", from.String(), "client_id", slot.clientID)
}

// deny answers a Hello the server cannot take. The token is only inspected,
// so a client turned away by a full server can retry with it elsewhere or
// later.
func (s *Server) deny(tok *token.Token, to netip.AddrPort, reason string) {
	var offset [8]byte
	if _, err := rand.Read(offset[:]); err != nil {
		return
	}
	data, err := protocol.Encode(&protocol.ConnectionDenied{}, 0, binary.BigEndian.Uint64(offset[:]), &tok.Private.Key, true)
	if err != nil {
		s.logger.Error("encode denied", "err", err)
		return
	}
	s.metrics.ConnectionsDenied.Add(1)
	s.logger.Debug("connection denied", "addr", to.String(), "reason", reason)
	s.send(data, to)
}

func (s *Server) queueChallenge(slot *Slot) {
	s.enqueue(slot, &protocol.Challenge{
		Nonce:          slot.challengeNonce,
		Data:           slot.challengeData,
		SequenceOffset: slot.sendOffset,
	})
}

func (s *Server) enqueue(slot *Slot, p protocol.Packet) error {
	if err := slot.outbound.Push(p); err != nil {
		s.logDrop(DropQueueFull, slot.endpoint, p.Type().String())
		return err
	}
	return nil
}

func (s *Server) checkTimeouts() {
	s.slots.Each(func(h Handle, slot *Slot) {
		if slot.loopback {
			return
		}
		switch slot.state {
		case StateConnecting:
			if s.elapsed-slot.created > s.cfg.HandshakeTimeout {
				s.metrics.HandshakeTimeouts.Add(1)
				s.logger.Debug("handshake timed out", "handle", h.String(), "addr", slot.endpoint.String())
				s.free(h)
			}
		case StateConnected:
			if s.elapsed-slot.lastRecv > s.cfg.ClientTimeout {
				s.metrics.ClientTimeouts.Add(1)
				s.logger.Info("client timed out", "handle", h.String(), "addr", slot.endpoint.String())
				s.disconnect(h, slot, false)
			}
		}
	})
}

func (s *Server) queueKeepalives() {
	s.slots.Each(func(_ Handle, slot *Slot) {
		if slot.loopback || slot.outbound.Len() > 0 || s.elapsed-slot.lastSend < s.cfg.KeepaliveInterval {
			return
		}
		switch slot.state {
		case StateConnecting:
			s.queueChallenge(slot)
			s.metrics.ChallengesResent.Add(1)
		case StateConnected:
			if s.enqueue(slot, &protocol.Keepalive{}) == nil {
				s.metrics.KeepalivesSent.Add(1)
			}
		}
	})
}

func (s *Server) flush() {
	s.slots.Each(func(_ Handle, slot *Slot) {
		if slot.loopback {
			return
		}
		for {
			p, err := slot.outbound.Pop()
			if err != nil {
				return
			}
			s.sendPacket(slot, p)
		}
	})
}

func (s *Server) sendPacket(slot *Slot, p protocol.Packet) {
	data, err := protocol.Encode(p, slot.sendSeq, slot.sendOffset, &slot.key, true)
	slot.sendSeq++
	if err != nil {
		s.logger.Error("encode packet", "type", p.Type().String(), "err", err)
		return
	}
	slot.lastSend = s.elapsed
	s.send(data, slot.endpoint)
}

func (s *Server) send(data []byte, to netip.AddrPort) {
	if err := s.transport.SendTo(data, to); err != nil {
		s.metrics.SendErrors.Add(1)
		if held, ok := s.dropLog.allow(logSendFailed); ok {
			s.logger.Warn("send failed", "addr", to.String(), "err", err, "suppressed", held)
		}
		return
	}
	s.metrics.PacketsOut.Add(1)
	s.metrics.BytesOut.Add(int64(len(data)))
}

// disconnect frees the slot behind h. With notify set the client is told
// with DisconnectRedundancy Disconnect packets. A Disconnected event is
// emitted for clients that had completed the handshake.
func (s *Server) disconnect(h Handle, slot *Slot, notify bool) {
	if notify && !slot.loopback {
		for i := 0; i < s.cfg.DisconnectRedundancy; i++ {
			s.sendPacket(slot, &protocol.Disconnect{})
		}
	}
	wasConnected := slot.state == StateConnected
	endpoint := slot.endpoint
	s.free(h)
	if wasConnected {
		s.metrics.Disconnects.Add(1)
		s.pushEvent(Event{Kind: EventDisconnected, Handle: h, Endpoint: endpoint})
	}
}

func (s *Server) free(h Handle) {
	if err := s.slots.Free(h); err == nil {
		s.metrics.ActiveClients.Dec()
	}
}

// DisconnectClient drops the client behind h, notifying it first.
func (s *Server) DisconnectClient(h Handle) error {
	slot, err := s.slots.Lookup(h)
	if err != nil {
		return err
	}
	s.logger.Debug("disconnecting client", "handle", h.String())
	s.disconnect(h, slot, true)
	return nil
}

// SendToClient queues payload for the client behind h. Delivery is
// unreliable; reliable is accepted for API compatibility and ignored.
func (s *Server) SendToClient(payload []byte, h Handle, reliable bool) error {
	if len(payload) == 0 || len(payload) > protocol.MaxPayloadSize {
		return ErrPayloadSize
	}
	slot, err := s.slots.Lookup(h)
	if err != nil {
		return err
	}
	if slot.state != StateConnected {
		return ErrNotConnected
	}
	return s.enqueue(slot, &protocol.UserPayload{Data: append([]byte(nil), payload...)})
}

// BroadcastToAll queues payload for every connected client.
func (s *Server) BroadcastToAll(payload []byte, reliable bool) error {
	return s.BroadcastToAllBut(payload, Handle{}, reliable)
}

// BroadcastToAllBut queues payload for every connected client except the
// one behind except.
func (s *Server) BroadcastToAllBut(payload []byte, except Handle, reliable bool) error {
	if len(payload) == 0 || len(payload) > protocol.MaxPayloadSize {
		return ErrPayloadSize
	}
	s.slots.Each(func(h Handle, slot *Slot) {
		if h == except || slot.state != StateConnected {
			return
		}
		_ = s.enqueue(slot, &protocol.UserPayload{Data: append([]byte(nil), payload...)})
	})
	return nil
}

// Stop disconnects every client and closes the transport. The server is
// unusable afterwards.
func (s *Server) Stop() error {
	if s.stopped {
		return ErrStopped
	}
	s.slots.Each(func(h Handle, slot *Slot) {
		s.disconnect(h, slot, slot.state == StateConnected)
	})
	s.stopped = true
	s.logMetrics()
	s.logger.Info("server stopped")
	return s.transport.Close()
}

func decodeDropReason(err error) DropReason {
	switch {
	case errors.Is(err, protocol.ErrReplayed):
		return DropReplay
	case errors.Is(err, protocol.ErrForged):
		return DropForged
	case errors.Is(err, protocol.ErrUnexpectedType):
		return DropUnexpected
	default:
		return DropCorrupt
	}
}

func tokenDropReason(err error) DropReason {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return DropTokenExpired
	case errors.Is(err, token.ErrTokenReplayed):
		return DropTokenReplayed
	default:
		return DropTokenInvalid
	}
}
