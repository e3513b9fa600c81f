// Package transport carries gamelink datagrams. Reads never block: a
// transport with nothing pending reports zero bytes.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/bridgefall/gamelink/internal/queue"
)

var ErrClosed = errors.New("transport closed")

// Transport is the datagram contract the server and client poll.
type Transport interface {
	SendTo(b []byte, to netip.AddrPort) error
	// ReceiveFrom copies the next pending datagram into b. n == 0 with a
	// nil error means nothing is available.
	ReceiveFrom(b []byte) (n int, from netip.AddrPort, err error)
	LocalAddr() netip.AddrPort
	Close() error
}

const (
	// UDPInboxSize is how many datagrams a UDP transport holds between polls.
	// Datagrams arriving while it is full are dropped like any lost packet.
	UDPInboxSize = 1024
	maxDatagram  = 65535
)

type received struct {
	data []byte
	from netip.AddrPort
}

// UDP is a non-blocking Transport over a UDP socket. A reader goroutine
// drains the socket into a bounded inbox that ReceiveFrom polls.
type UDP struct {
	conn *net.UDPConn
	done chan struct{}

	mu     sync.Mutex
	inbox  *queue.Ring[received]
	closed bool
}

// ListenUDP binds addr, for example "0.0.0.0:40000" or ":0".
func ListenUDP(addr string) (*UDP, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", addr, err)
	}
	u := &UDP{
		conn:  conn,
		done:  make(chan struct{}),
		inbox: queue.New[received](UDPInboxSize),
	}
	go u.readLoop()
	return u, nil
}

func (u *UDP) readLoop() {
	defer close(u.done)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				u.mu.Lock()
				u.closed = true
				u.mu.Unlock()
				return
			}
			// ICMP errors surface here on some platforms; the socket is still usable
			continue
		}
		if n == 0 {
			// an empty read would look like an idle poll
			continue
		}
		d := received{
			data: append([]byte(nil), buf[:n]...),
			from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
		}
		u.mu.Lock()
		_ = u.inbox.Push(d)
		u.mu.Unlock()
	}
}

func (u *UDP) SendTo(b []byte, to netip.AddrPort) error {
	_, err := u.conn.WriteToUDPAddrPort(b, to)
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}

// ReceiveFrom pops the oldest pending datagram. A datagram longer than b is
// truncated to len(b), so callers can detect oversize input by passing a
// buffer one byte larger than they accept.
func (u *UDP) ReceiveFrom(b []byte) (int, netip.AddrPort, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, netip.AddrPort{}, ErrClosed
	}
	d, err := u.inbox.Pop()
	if err != nil {
		return 0, netip.AddrPort{}, nil
	}
	return copy(b, d.data), d.from, nil
}

func (u *UDP) LocalAddr() netip.AddrPort {
	ap := u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Close releases the socket and waits for the reader to exit.
func (u *UDP) Close() error {
	err := u.conn.Close()
	<-u.done
	return err
}
