package server

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/bridgefall/gamelink/internal/queue"
	"github.com/bridgefall/gamelink/internal/replay"
	"github.com/bridgefall/gamelink/pkg/protocol"
	"github.com/bridgefall/gamelink/pkg/token"
)

var (
	ErrFull     = errors.New("no free client slot")
	ErrStale    = errors.New("stale client handle")
	ErrNotFound = errors.New("client not found")
)

// State is a slot's position in the connection lifecycle.
type State uint8

const (
	StateEmpty State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Handle refers to one occupancy of a slot. It goes stale once the slot is
// freed, even if the index is later reused.
type Handle struct {
	index      uint32
	generation uint32
}

// Index is the slot index reported to the client in Connection-Accepted.
func (h Handle) Index() int { return int(h.index) }

func (h Handle) String() string { return fmt.Sprintf("%d#%d", h.index, h.generation) }

// Slot is the per-client connection state.
type Slot struct {
	state      State
	generation uint32

	endpoint netip.AddrPort
	key      protocol.Key
	clientID uint64
	userData [token.UserDataSize]byte
	loopback bool

	// recvOffset unmasks client sequences; sendOffset masks ours.
	recvOffset uint64
	sendOffset uint64
	sendSeq    uint64
	window     replay.Window

	challengeNonce uint64
	challengeData  [protocol.ChallengeDataSize]byte

	created  time.Duration
	lastRecv time.Duration
	lastSend time.Duration
	wallTime time.Time

	outbound *queue.Ring[protocol.Packet]
}

func (s *Slot) State() State             { return s.state }
func (s *Slot) Endpoint() netip.AddrPort { return s.endpoint }
func (s *Slot) ClientID() uint64         { return s.clientID }
func (s *Slot) Loopback() bool           { return s.loopback }
func (s *Slot) UserData() []byte         { return s.userData[:] }
func (s *Slot) SessionKey() protocol.Key { return s.key }
func (s *Slot) Pending() int             { return s.outbound.Len() }
func (s *Slot) Since() time.Time         { return s.wallTime }

// Table is a fixed arena of slots.
type Table struct {
	slots []Slot
	free  []uint32
}

// NewTable returns a table of capacity slots, each with an outbound queue
// of queueSize packets.
func NewTable(capacity, queueSize int) *Table {
	t := &Table{
		slots: make([]Slot, capacity),
		free:  make([]uint32, 0, capacity),
	}
	for i := capacity - 1; i >= 0; i-- {
		// generation 0 is reserved so the zero Handle never resolves
		t.slots[i].generation = 1
		t.slots[i].outbound = queue.New[protocol.Packet](queueSize)
		t.free = append(t.free, uint32(i))
	}
	return t
}

// Cap is the number of slots.
func (t *Table) Cap() int { return len(t.slots) }

// Len is the number of occupied slots.
func (t *Table) Len() int { return len(t.slots) - len(t.free) }

// Allocate claims a free slot for endpoint in the Connecting state, with a
// fresh random send offset and an empty replay window.
func (t *Table) Allocate(endpoint netip.AddrPort, key protocol.Key) (Handle, error) {
	if len(t.free) == 0 {
		return Handle{}, ErrFull
	}
	var offset [8]byte
	if _, err := rand.Read(offset[:]); err != nil {
		return Handle{}, fmt.Errorf("send offset: %w", err)
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.state = StateConnecting
	s.endpoint = endpoint
	s.key = key
	s.sendOffset = binary.BigEndian.Uint64(offset[:])
	s.sendSeq = 0
	s.window.Reset()
	return Handle{index: idx, generation: s.generation}, nil
}

// Lookup resolves h to its slot.
func (t *Table) Lookup(h Handle) (*Slot, error) {
	if int(h.index) >= len(t.slots) {
		return nil, ErrStale
	}
	s := &t.slots[h.index]
	if s.state == StateEmpty || s.generation != h.generation {
		return nil, ErrStale
	}
	return s, nil
}

// Free wipes the slot behind h and returns it to the free set.
func (t *Table) Free(h Handle) error {
	s, err := t.Lookup(h)
	if err != nil {
		return err
	}
	s.key.Zero()
	clear(s.userData[:])
	s.outbound.Clear()
	outbound := s.outbound
	generation := s.generation + 1
	if generation == 0 {
		generation = 1
	}
	*s = Slot{generation: generation, outbound: outbound}
	t.free = append(t.free, h.index)
	return nil
}

// FindByEndpoint returns the networked slot bound to endpoint.
func (t *Table) FindByEndpoint(endpoint netip.AddrPort) (Handle, error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state != StateEmpty && !s.loopback && s.endpoint == endpoint {
			return Handle{index: uint32(i), generation: s.generation}, nil
		}
	}
	return Handle{}, ErrNotFound
}

// FindByClientID returns the slot held by clientID.
func (t *Table) FindByClientID(clientID uint64) (Handle, error) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state != StateEmpty && s.clientID == clientID {
			return Handle{index: uint32(i), generation: s.generation}, nil
		}
	}
	return Handle{}, ErrNotFound
}

// Each calls fn for every occupied slot in index order. fn may free the
// slot it is given.
func (t *Table) Each(fn func(Handle, *Slot)) {
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == StateEmpty {
			continue
		}
		fn(Handle{index: uint32(i), generation: s.generation}, s)
	}
}
