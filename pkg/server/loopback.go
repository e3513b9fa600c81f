package server

import (
	"net/netip"

	"github.com/bridgefall/gamelink/pkg/protocol"
)

// ConnectLoopback occupies a slot with an in-process client. It skips the
// handshake, is never timed out and exchanges payloads without touching the
// transport or any cryptography.
func (s *Server) ConnectLoopback(clientID uint64, userData []byte) (Handle, error) {
	if s.stopped {
		return Handle{}, ErrStopped
	}
	if _, err := s.slots.FindByClientID(clientID); err == nil {
		return Handle{}, ErrDuplicateClient
	}
	h, err := s.slots.Allocate(netip.AddrPort{}, protocol.Key{})
	if err != nil {
		return Handle{}, err
	}
	slot, _ := s.slots.Lookup(h)
	slot.state = StateConnected
	slot.loopback = true
	slot.clientID = clientID
	slot.created = s.elapsed
	slot.lastRecv = s.elapsed
	slot.wallTime = s.cfg.Now()
	copy(slot.userData[:], userData)
	s.metrics.ActiveClients.Inc()
	s.metrics.ConnectionsOpened.Add(1)
	s.logger.Debug("loopback client connected", "handle", h.String(), "client_id", clientID)
	s.pushEvent(Event{Kind: EventNewConnection, Handle: h, ClientID: clientID, Loopback: true})
	return h, nil
}

// LoopbackSend delivers payload from the loopback client behind h as if it
// had arrived over the network.
func (s *Server) LoopbackSend(h Handle, payload []byte) error {
	slot, err := s.loopbackSlot(h)
	if err != nil {
		return err
	}
	if len(payload) == 0 || len(payload) > protocol.MaxPayloadSize {
		return ErrPayloadSize
	}
	slot.lastRecv = s.elapsed
	s.pushEvent(Event{
		Kind:     EventUserPacket,
		Handle:   h,
		ClientID: slot.clientID,
		Loopback: true,
		Payload:  append([]byte(nil), payload...),
	})
	return nil
}

// LoopbackReceive pops the next payload the server sent to the loopback
// client behind h.
func (s *Server) LoopbackReceive(h Handle) ([]byte, bool) {
	slot, err := s.loopbackSlot(h)
	if err != nil {
		return nil, false
	}
	for {
		p, err := slot.outbound.Pop()
		if err != nil {
			return nil, false
		}
		if up, ok := p.(*protocol.UserPayload); ok {
			return up.Data, true
		}
	}
}

func (s *Server) loopbackSlot(h Handle) (*Slot, error) {
	slot, err := s.slots.Lookup(h)
	if err != nil {
		return nil, err
	}
	if !slot.loopback {
		return nil, ErrNotLoopback
	}
	return slot, nil
}
