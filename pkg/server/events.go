package server

import (
	"net/netip"

	"github.com/bridgefall/gamelink/pkg/protocol"
)

// EventKind tags an Event.
type EventKind uint8

const (
	EventNewConnection EventKind = iota + 1
	EventDisconnected
	EventUserPacket
)

func (k EventKind) String() string {
	switch k {
	case EventNewConnection:
		return "new_connection"
	case EventDisconnected:
		return "disconnected"
	case EventUserPacket:
		return "user_packet"
	default:
		return "unknown"
	}
}

// Event reports something the application must react to. Endpoint,
// SessionKey and ClientID are set for EventNewConnection; Payload for
// EventUserPacket.
type Event struct {
	Kind       EventKind
	Handle     Handle
	Endpoint   netip.AddrPort
	SessionKey protocol.Key
	ClientID   uint64
	Loopback   bool
	Payload    []byte
}

// PollEvent pops the oldest pending event.
func (s *Server) PollEvent() (Event, bool) {
	ev, err := s.events.Pop()
	if err != nil {
		return Event{}, false
	}
	return ev, true
}

func (s *Server) pushEvent(ev Event) {
	if err := s.events.Push(ev); err != nil {
		s.logDrop(DropEventQueueFull, ev.Endpoint, ev.Kind.String())
	}
}
