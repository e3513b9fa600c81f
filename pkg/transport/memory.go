package transport

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/bridgefall/gamelink/internal/queue"
)

const memoryQueueSize = 1024

type datagram struct {
	from netip.AddrPort
	data []byte
}

// Network is an in-process datagram fabric for tests and simulations.
// Datagrams to unknown addresses vanish, as they would on a real network.
type Network struct {
	mu    sync.Mutex
	hosts map[netip.AddrPort]*Memory
	// Filter, when set, may drop or rewrite a datagram by returning nil or a
	// replacement slice.
	Filter func(from, to netip.AddrPort, b []byte) []byte
}

func NewNetwork() *Network {
	return &Network{hosts: make(map[netip.AddrPort]*Memory)}
}

// Listen attaches a transport at addr.
func (n *Network) Listen(addr netip.AddrPort) (*Memory, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.hosts[addr]; ok {
		return nil, fmt.Errorf("address %s in use", addr)
	}
	m := &Memory{net: n, addr: addr, inbox: queue.New[datagram](memoryQueueSize)}
	n.hosts[addr] = m
	return m, nil
}

func (n *Network) deliver(from, to netip.AddrPort, b []byte) {
	n.mu.Lock()
	filter := n.Filter
	dst := n.hosts[to]
	n.mu.Unlock()
	if dst == nil {
		return
	}
	if filter != nil {
		if b = filter(from, to, b); b == nil {
			return
		}
	}
	dst.push(datagram{from: from, data: append([]byte(nil), b...)})
}

// Memory is a Transport attached to a Network.
type Memory struct {
	net    *Network
	addr   netip.AddrPort
	mu     sync.Mutex
	inbox  *queue.Ring[datagram]
	closed bool
}

func (m *Memory) push(d datagram) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	_ = m.inbox.Push(d)
}

// Inject queues b as if it arrived from from.
func (m *Memory) Inject(from netip.AddrPort, b []byte) {
	m.push(datagram{from: from, data: append([]byte(nil), b...)})
}

func (m *Memory) SendTo(b []byte, to netip.AddrPort) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	m.net.deliver(m.addr, to, b)
	return nil
}

func (m *Memory) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, netip.AddrPort{}, ErrClosed
	}
	d, err := m.inbox.Pop()
	if err != nil {
		return 0, netip.AddrPort{}, nil
	}
	return copy(b, d.data), d.from, nil
}

func (m *Memory) LocalAddr() netip.AddrPort { return m.addr }

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.inbox.Clear()
	m.mu.Unlock()
	m.net.mu.Lock()
	delete(m.net.hosts, m.addr)
	m.net.mu.Unlock()
	return nil
}
