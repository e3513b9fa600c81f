package server

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/bridgefall/gamelink/pkg/client"
	"github.com/bridgefall/gamelink/pkg/protocol"
	"github.com/bridgefall/gamelink/pkg/token"
	"github.com/bridgefall/gamelink/pkg/transport"
)

const tick = 10 * time.Millisecond

var serverAddr = netip.MustParseAddrPort("10.0.0.1:40000")

type harness struct {
	t     *testing.T
	net   *transport.Network
	kp    token.KeyPair
	srv   *Server
	srvTr *transport.Memory
	now   time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	kp, err := token.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	h := &harness{t: t, net: transport.NewNetwork(), kp: kp, now: time.Unix(1_700_000_000, 0)}
	h.srvTr, err = h.net.Listen(serverAddr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg.Now = h.clock
	h.srv, err = New(serverAddr, kp.Public, kp.Secret, cfg, h.srvTr)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return h
}

func (h *harness) clock() time.Time { return h.now }

func (h *harness) issue(clientID uint64, endpoints ...netip.AddrPort) token.ClientData {
	h.t.Helper()
	if len(endpoints) == 0 {
		endpoints = []netip.AddrPort{serverAddr}
	}
	tok, err := token.Issue(clientID, endpoints, []byte("user"), h.now.Add(time.Hour), h.kp.Secret)
	if err != nil {
		h.t.Fatalf("issue: %v", err)
	}
	return token.NewClientData(tok, 5*time.Second, 20*time.Second)
}

func (h *harness) client(addr string, data token.ClientData) (*client.Client, *transport.Memory) {
	h.t.Helper()
	tr, err := h.net.Listen(netip.MustParseAddrPort(addr))
	if err != nil {
		h.t.Fatalf("listen %s: %v", addr, err)
	}
	c, err := client.New(data, tr, client.Config{Now: h.clock})
	if err != nil {
		h.t.Fatalf("new client: %v", err)
	}
	if err := c.Connect(); err != nil {
		h.t.Fatalf("connect: %v", err)
	}
	return c, tr
}

func (h *harness) run(steps int, clients ...*client.Client) {
	for i := 0; i < steps; i++ {
		h.now = h.now.Add(tick)
		for _, c := range clients {
			c.Update(tick)
		}
		h.srv.Update(tick)
	}
}

// injectHello hands the server a Hello for data as if it came from from.
func (h *harness) injectHello(from netip.AddrPort, data token.ClientData) {
	h.t.Helper()
	hello, err := protocol.Encode(&protocol.Hello{Token: data.Token}, 0, 0, nil, false)
	if err != nil {
		h.t.Fatalf("encode hello: %v", err)
	}
	h.srvTr.Inject(from, hello)
}

func (h *harness) events() []Event {
	var out []Event
	for {
		ev, ok := h.srv.PollEvent()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func (h *harness) connect(addr string, clientID uint64) (*client.Client, Handle) {
	h.t.Helper()
	c, _ := h.client(addr, h.issue(clientID))
	h.run(5, c)
	if c.State() != client.StateConnected {
		h.t.Fatalf("client %d not connected: state=%s err=%v", clientID, c.State(), c.Err())
	}
	for _, ev := range h.events() {
		if ev.Kind == EventNewConnection && ev.ClientID == clientID {
			return c, ev.Handle
		}
	}
	h.t.Fatalf("no new connection event for client %d", clientID)
	return nil, Handle{}
}

func TestHandshakeAndPayloads(t *testing.T) {
	h := newHarness(t, Config{})
	c, _ := h.client("10.0.0.2:5000", h.issue(7))
	h.run(5, c)
	if c.State() != client.StateConnected {
		t.Fatalf("expected connected, got %s (%v)", c.State(), c.Err())
	}
	events := h.events()
	if len(events) != 1 || events[0].Kind != EventNewConnection {
		t.Fatalf("expected one new connection event, got %+v", events)
	}
	ev := events[0]
	if ev.ClientID != 7 || ev.Endpoint != netip.MustParseAddrPort("10.0.0.2:5000") {
		t.Fatalf("unexpected event %+v", ev)
	}
	if c.ClientIndex() != ev.Handle.Index() || c.MaxClients() != defaultMaxClients {
		t.Fatalf("accepted packet mismatch: index=%d max=%d", c.ClientIndex(), c.MaxClients())
	}
	slot, err := h.srv.Client(ev.Handle)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !bytes.HasPrefix(slot.UserData(), []byte("user")) {
		t.Fatalf("user data not carried into the slot")
	}

	for _, msg := range []string{"one", "two", "three"} {
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	h.srv.Update(tick)
	var got []string
	for _, ev := range h.events() {
		if ev.Kind == EventUserPacket && ev.Handle == events[0].Handle {
			got = append(got, string(ev.Payload))
		}
	}
	if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("expected in-order payloads, got %v", got)
	}

	if err := h.srv.SendToClient([]byte("pong"), ev.Handle, false); err != nil {
		t.Fatalf("send to client: %v", err)
	}
	h.srv.Update(tick)
	c.Update(tick)
	payload, ok := c.Receive()
	if !ok || string(payload) != "pong" {
		t.Fatalf("client did not receive payload: %q %v", payload, ok)
	}
}

func TestDuplicatePayloadProducesNoEvent(t *testing.T) {
	h := newHarness(t, Config{})
	c, h1 := h.connect("10.0.0.2:5000", 1)
	clientAddr := netip.MustParseAddrPort("10.0.0.2:5000")

	var captured []byte
	h.net.Filter = func(from, _ netip.AddrPort, b []byte) []byte {
		if from == clientAddr && protocol.Type(b[protocol.VersionLen]) == protocol.TypeUserPayload {
			captured = append([]byte(nil), b...)
		}
		return b
	}
	if err := c.Send([]byte("once")); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.srv.Update(tick)
	if n := len(h.events()); n != 1 {
		t.Fatalf("expected one event, got %d", n)
	}
	if captured == nil {
		t.Fatalf("payload datagram not captured")
	}

	h.srvTr.Inject(clientAddr, captured)
	h.srv.Update(tick)
	if events := h.events(); len(events) != 0 {
		t.Fatalf("replayed payload produced events: %+v", events)
	}
	if h.srv.Metrics().Drops(DropReplay) != 1 {
		t.Fatalf("expected replay drop to be counted")
	}
	if _, err := h.srv.Client(h1); err != nil {
		t.Fatalf("replay must not disturb the session: %v", err)
	}
}

func TestClientTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	_, handle := h.connect("10.0.0.2:5000", 1)

	h.now = h.now.Add(21 * time.Second)
	h.srv.Update(21 * time.Second)
	events := h.events()
	if len(events) != 1 || events[0].Kind != EventDisconnected || events[0].Handle != handle {
		t.Fatalf("expected disconnected event, got %+v", events)
	}
	if _, err := h.srv.Client(handle); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale handle, got %v", err)
	}
	if h.srv.ClientCount() != 0 || h.srv.Metrics().ClientTimeouts.Load() != 1 {
		t.Fatalf("expected slot freed and timeout counted")
	}
	if err := h.srv.SendToClient([]byte("x"), handle, false); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale handle on send, got %v", err)
	}
}

func TestKeepalivesHoldConnection(t *testing.T) {
	h := newHarness(t, Config{})
	c, handle := h.connect("10.0.0.2:5000", 1)
	h.run(3000, c) // 30s of ticks
	if c.State() != client.StateConnected {
		t.Fatalf("client dropped: %v", c.Err())
	}
	if _, err := h.srv.Client(handle); err != nil {
		t.Fatalf("server dropped client: %v", err)
	}
	if h.srv.Metrics().KeepalivesSent.Load() == 0 {
		t.Fatalf("expected keepalives to be sent")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	data := h.issue(1)
	hello, err := protocol.Encode(&protocol.Hello{Token: data.Token}, 0, 0, nil, false)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	h.srvTr.Inject(netip.MustParseAddrPort("10.0.0.2:5000"), hello)
	h.srv.Update(tick)
	if h.srv.ClientCount() != 1 {
		t.Fatalf("expected connecting slot")
	}
	h.srv.Update(6 * time.Second)
	if h.srv.ClientCount() != 0 || h.srv.Metrics().HandshakeTimeouts.Load() != 1 {
		t.Fatalf("expected handshake timeout to free the slot")
	}
	if events := h.events(); len(events) != 0 {
		t.Fatalf("unfinished handshake must not emit events: %+v", events)
	}
}

func TestServerFullDenies(t *testing.T) {
	h := newHarness(t, Config{MaxClients: 1})
	first, _ := h.connect("10.0.0.2:5000", 1)

	data := h.issue(2)
	second, tr := h.client("10.0.0.3:5000", data)
	h.run(5, first, second)
	if second.State() != client.StateDisconnected || !errors.Is(second.Err(), client.ErrDenied) {
		t.Fatalf("expected denied, got state=%s err=%v", second.State(), second.Err())
	}
	if h.srv.Metrics().ConnectionsDenied.Load() == 0 {
		t.Fatalf("expected denial counted")
	}

	if err := first.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	h.run(1, first)
	if h.srv.ClientCount() != 0 {
		t.Fatalf("expected slot freed after client disconnect")
	}

	// the denied token was never consumed
	retry, err := client.New(data, tr, client.Config{Now: h.clock})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := retry.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	h.run(5, retry)
	if retry.State() != client.StateConnected {
		t.Fatalf("expected retry to connect, got %s (%v)", retry.State(), retry.Err())
	}
}

func TestTokenRules(t *testing.T) {
	h := newHarness(t, Config{})
	first, second := h.issue(1), h.issue(1)
	c, _ := h.client("10.0.0.2:5000", first)
	h.run(5, c)
	if c.State() != client.StateConnected {
		t.Fatalf("expected connected")
	}

	// a fresh token for a client id that is already connected
	dup, _ := h.client("10.0.0.3:5000", second)
	h.run(2, c, dup)
	if h.srv.Metrics().Drops(DropDuplicateClient) == 0 {
		t.Fatalf("expected duplicate client drop")
	}
	if dup.State() == client.StateConnected {
		t.Fatalf("duplicate client id must not connect")
	}

	c.Disconnect()
	h.run(20, c, dup)
	if dup.State() != client.StateConnected {
		t.Fatalf("expected second token to connect once the id was free, got %s (%v)", dup.State(), dup.Err())
	}

	// the first token was consumed by its handshake
	reuse, _ := h.client("10.0.0.4:5000", first)
	h.run(2, dup, reuse)
	if h.srv.Metrics().Drops(DropTokenReplayed) == 0 {
		t.Fatalf("expected replayed token drop")
	}
	if reuse.State() != client.StateDisconnected || !errors.Is(reuse.Err(), client.ErrDenied) {
		t.Fatalf("reused token must be denied, got %s (%v)", reuse.State(), reuse.Err())
	}

	// a token for another server, delivered here anyway
	other := h.issue(3, netip.MustParseAddrPort("10.9.9.9:40000"))
	h.injectHello(netip.MustParseAddrPort("10.0.0.5:5000"), other)
	h.srv.Update(tick)
	if h.srv.Metrics().Drops(DropEndpointMismatch) != 1 {
		t.Fatalf("expected endpoint mismatch drop")
	}

	expired := h.issue(4)
	h.now = h.now.Add(2 * time.Hour)
	h.injectHello(netip.MustParseAddrPort("10.0.0.6:5000"), expired)
	h.srv.Update(tick)
	if h.srv.Metrics().Drops(DropTokenExpired) != 1 {
		t.Fatalf("expected expired token drop")
	}
	if h.srv.ClientCount() != 1 {
		t.Fatalf("rejected hellos must not take a slot, clients=%d", h.srv.ClientCount())
	}
}

func TestNonceMemoryFullDenies(t *testing.T) {
	h := newHarness(t, Config{NonceCacheSize: 1})
	h.connect("10.0.0.2:5000", 1)

	c, _ := h.client("10.0.0.3:5000", h.issue(2))
	h.run(2, c)
	if c.State() != client.StateDisconnected || !errors.Is(c.Err(), client.ErrDenied) {
		t.Fatalf("expected denial, got %s (%v)", c.State(), c.Err())
	}
	if h.srv.Metrics().Drops(DropNonceCacheFull) == 0 {
		t.Fatalf("expected nonce memory drop")
	}
	if h.srv.ClientCount() != 1 {
		t.Fatalf("denied client must not keep a slot")
	}
}

func TestDisconnectClient(t *testing.T) {
	h := newHarness(t, Config{})
	c, handle := h.connect("10.0.0.2:5000", 1)
	if err := h.srv.DisconnectClient(handle); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	events := h.events()
	if len(events) != 1 || events[0].Kind != EventDisconnected {
		t.Fatalf("expected disconnected event, got %+v", events)
	}
	h.run(1, c)
	if c.State() != client.StateDisconnected || !errors.Is(c.Err(), client.ErrServerDisconnected) {
		t.Fatalf("client not told: state=%s err=%v", c.State(), c.Err())
	}
	if err := h.srv.DisconnectClient(handle); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale on second disconnect, got %v", err)
	}
}

func TestBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	a, ha := h.connect("10.0.0.2:5000", 1)
	b, _ := h.connect("10.0.0.3:5000", 2)

	if err := h.srv.BroadcastToAllBut([]byte("not a"), ha, false); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if err := h.srv.BroadcastToAll([]byte("all"), false); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	h.srv.Update(tick)
	a.Update(tick)
	b.Update(tick)
	var gotA, gotB []string
	for p, ok := a.Receive(); ok; p, ok = a.Receive() {
		gotA = append(gotA, string(p))
	}
	for p, ok := b.Receive(); ok; p, ok = b.Receive() {
		gotB = append(gotB, string(p))
	}
	if len(gotA) != 1 || gotA[0] != "all" {
		t.Fatalf("client a got %v", gotA)
	}
	if len(gotB) != 2 || gotB[0] != "not a" || gotB[1] != "all" {
		t.Fatalf("client b got %v", gotB)
	}
	if err := h.srv.BroadcastToAll(nil, false); !errors.Is(err, ErrPayloadSize) {
		t.Fatalf("expected payload size error, got %v", err)
	}
}

func TestHostileInput(t *testing.T) {
	h := newHarness(t, Config{HelloRateBurst: 2})
	stranger := netip.MustParseAddrPort("10.6.6.6:1234")

	h.srvTr.Inject(stranger, []byte("garbage"))
	h.srvTr.Inject(stranger, make([]byte, protocol.MaxPacketSize+100))
	h.srv.Update(tick)
	if h.srv.Metrics().Drops(DropUnknownEndpoint) != 2 {
		t.Fatalf("expected unknown endpoint drops, got %d", h.srv.Metrics().Drops(DropUnknownEndpoint))
	}

	hello, _ := protocol.Encode(&protocol.Hello{Token: []byte("not a token")}, 0, 0, nil, false)
	for i := 0; i < 4; i++ {
		h.srvTr.Inject(stranger, hello)
	}
	h.srv.Update(tick)
	if h.srv.Metrics().Drops(DropTokenInvalid) != 2 || h.srv.Metrics().Drops(DropRateLimit) != 2 {
		t.Fatalf("expected two invalid tokens and two rate limited hellos, got %d/%d",
			h.srv.Metrics().Drops(DropTokenInvalid), h.srv.Metrics().Drops(DropRateLimit))
	}
	if h.srv.ClientCount() != 0 {
		t.Fatalf("hostile input allocated a slot")
	}

	c, handle := h.connect("10.0.0.2:5000", 1)
	forged := append([]byte(nil), hello[:protocol.Overhead+4]...)
	forged[protocol.VersionLen] = byte(protocol.TypeUserPayload)
	h.srvTr.Inject(netip.MustParseAddrPort("10.0.0.2:5000"), forged)
	h.run(1, c)
	if h.srv.Metrics().Drops(DropForged) != 1 {
		t.Fatalf("expected forged drop")
	}
	if _, err := h.srv.Client(handle); err != nil {
		t.Fatalf("forged packet disturbed the session: %v", err)
	}
}

func TestLoopbackClient(t *testing.T) {
	h := newHarness(t, Config{})
	handle, err := h.srv.ConnectLoopback(99, []byte("bot"))
	if err != nil {
		t.Fatalf("connect loopback: %v", err)
	}
	events := h.events()
	if len(events) != 1 || events[0].Kind != EventNewConnection || !events[0].Loopback {
		t.Fatalf("expected loopback connection event, got %+v", events)
	}
	if _, err := h.srv.ConnectLoopback(99, nil); !errors.Is(err, ErrDuplicateClient) {
		t.Fatalf("expected duplicate client, got %v", err)
	}

	if err := h.srv.LoopbackSend(handle, []byte("move")); err != nil {
		t.Fatalf("loopback send: %v", err)
	}
	events = h.events()
	if len(events) != 1 || string(events[0].Payload) != "move" {
		t.Fatalf("expected loopback payload event, got %+v", events)
	}

	if err := h.srv.SendToClient([]byte("state"), handle, false); err != nil {
		t.Fatalf("send to loopback: %v", err)
	}
	h.srv.Update(time.Minute)
	payload, ok := h.srv.LoopbackReceive(handle)
	if !ok || string(payload) != "state" {
		t.Fatalf("loopback receive: %q %v", payload, ok)
	}
	if _, ok := h.srv.LoopbackReceive(handle); ok {
		t.Fatalf("loopback clients must not receive keepalives")
	}
	if _, err := h.srv.Client(handle); err != nil {
		t.Fatalf("loopback client timed out: %v", err)
	}
	if h.srv.Metrics().PacketsOut.Load() != 0 {
		t.Fatalf("loopback traffic touched the transport")
	}

	if err := h.srv.DisconnectClient(handle); err != nil {
		t.Fatalf("disconnect loopback: %v", err)
	}
	if err := h.srv.LoopbackSend(handle, []byte("x")); !errors.Is(err, ErrStale) {
		t.Fatalf("expected stale, got %v", err)
	}
}

func TestStop(t *testing.T) {
	h := newHarness(t, Config{})
	c, _ := h.connect("10.0.0.2:5000", 1)
	if err := h.srv.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	events := h.events()
	if len(events) != 1 || events[0].Kind != EventDisconnected {
		t.Fatalf("expected disconnect event on stop, got %+v", events)
	}
	c.Update(tick)
	if c.State() != client.StateDisconnected {
		t.Fatalf("client not told about stop")
	}
	if err := h.srv.Stop(); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected stopped, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	kp, _ := token.GenerateKeyPair()
	other, _ := token.GenerateKeyPair()
	network := transport.NewNetwork()
	tr, _ := network.Listen(serverAddr)

	if _, err := New(serverAddr, other.Public, kp.Secret, Config{}, tr); err == nil {
		t.Fatalf("expected mismatched key pair to fail")
	}
	if _, err := New(serverAddr, kp.Public, kp.Secret, Config{MaxClients: hardMaxClients + 1}, tr); err == nil {
		t.Fatalf("expected max clients above the hard limit to fail")
	}
	if _, err := New(netip.AddrPort{}, kp.Public, kp.Secret, Config{}, tr); err == nil {
		t.Fatalf("expected missing endpoint to fail")
	}
	if _, err := New(serverAddr, kp.Public, kp.Secret, Config{}, nil); err == nil {
		t.Fatalf("expected missing transport to fail")
	}
	s, err := New(serverAddr, kp.Public, kp.Secret, Config{}, tr)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg := s.Config()
	if cfg.MaxClients != 64 || cfg.ClientTimeout != 20*time.Second || cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}
