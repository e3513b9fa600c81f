package protocol

import (
	"sync"
	"sync/atomic"
)

type pool[T any] struct {
	sync.Pool
}

func newPool[T any](fn func() *T) *pool[T] {
	return &pool[T]{Pool: sync.Pool{New: func() any { return fn() }}}
}

func (p *pool[T]) get() *T { return p.Pool.Get().(*T) }

func (p *pool[T]) put(v *T) { p.Pool.Put(v) }

// Allocator recycles decoded packets by kind so a flood of inbound traffic
// does not turn into a flood of allocations.
type Allocator struct {
	hello       *pool[Hello]
	challenge   *pool[Challenge]
	response    *pool[ChallengeResponse]
	accepted    *pool[ConnectionAccepted]
	userData    *pool[UserPayload]
	outstanding [typeCount]atomic.Int64
}

// NewAllocator returns an empty allocator.
func NewAllocator() *Allocator {
	return &Allocator{
		hello:     newPool(func() *Hello { return &Hello{Token: make([]byte, 0, MaxTokenSize)} }),
		challenge: newPool(func() *Challenge { return &Challenge{} }),
		response:  newPool(func() *ChallengeResponse { return &ChallengeResponse{} }),
		accepted:  newPool(func() *ConnectionAccepted { return &ConnectionAccepted{} }),
		userData:  newPool(func() *UserPayload { return &UserPayload{Data: make([]byte, 0, MaxPayloadSize)} }),
	}
}

// Alloc returns a zeroed packet of kind t, or nil for an unknown kind.
func (a *Allocator) Alloc(t Type) Packet {
	var p Packet
	if a == nil {
		return newPacket(t)
	}
	switch t {
	case TypeHello:
		p = a.hello.get()
	case TypeChallenge:
		p = a.challenge.get()
	case TypeChallengeResponse:
		p = a.response.get()
	case TypeConnectionAccepted:
		p = a.accepted.get()
	case TypeUserPayload:
		p = a.userData.get()
	default:
		p = newPacket(t)
	}
	if p != nil {
		a.outstanding[t].Add(1)
	}
	return p
}

// Free hands p back for reuse. p must not be used afterwards.
func (a *Allocator) Free(p Packet) {
	if a == nil || p == nil {
		return
	}
	t := p.Type()
	p.reset()
	a.outstanding[t].Add(-1)
	switch v := p.(type) {
	case *Hello:
		a.hello.put(v)
	case *Challenge:
		a.challenge.put(v)
	case *ChallengeResponse:
		a.response.put(v)
	case *ConnectionAccepted:
		a.accepted.put(v)
	case *UserPayload:
		a.userData.put(v)
	}
}

// Outstanding returns how many packets of kind t are allocated and not yet
// freed.
func (a *Allocator) Outstanding(t Type) int64 {
	if a == nil || !t.valid() {
		return 0
	}
	return a.outstanding[t].Load()
}

func newPacket(t Type) Packet {
	switch t {
	case TypeHello:
		return &Hello{}
	case TypeChallenge:
		return &Challenge{}
	case TypeChallengeResponse:
		return &ChallengeResponse{}
	case TypeConnectionAccepted:
		return &ConnectionAccepted{}
	case TypeConnectionDenied:
		return &ConnectionDenied{}
	case TypeKeepalive:
		return &Keepalive{}
	case TypeDisconnect:
		return &Disconnect{}
	case TypeUserPayload:
		return &UserPayload{}
	default:
		return nil
	}
}
