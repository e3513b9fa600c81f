package protocol

import (
	"golang.org/x/crypto/cryptobyte"
)

// Packet is implemented by every packet kind.
type Packet interface {
	Type() Type
	marshal(b *cryptobyte.Builder)
	unmarshal(s *cryptobyte.String) bool
	reset()
}

// Hello opens a connection. It carries the serialized connect token.
type Hello struct {
	Token []byte
}

// Challenge is sent by the server after accepting a connect token. Offset
// masks every sequence the server sends from then on.
type Challenge struct {
	Nonce          uint64
	Data           [ChallengeDataSize]byte
	SequenceOffset uint64
}

// ChallengeResponse echoes the challenge nonce and data.
type ChallengeResponse struct {
	Nonce uint64
	Data  [ChallengeDataSize]byte
}

// ConnectionAccepted confirms the session.
type ConnectionAccepted struct {
	ClientIndex uint32
	MaxClients  uint32
}

type ConnectionDenied struct{}

type Keepalive struct{}

type Disconnect struct{}

// UserPayload carries application bytes.
type UserPayload struct {
	Data []byte
}

func (*Hello) Type() Type              { return TypeHello }
func (*Challenge) Type() Type          { return TypeChallenge }
func (*ChallengeResponse) Type() Type  { return TypeChallengeResponse }
func (*ConnectionAccepted) Type() Type { return TypeConnectionAccepted }
func (*ConnectionDenied) Type() Type   { return TypeConnectionDenied }
func (*Keepalive) Type() Type          { return TypeKeepalive }
func (*Disconnect) Type() Type         { return TypeDisconnect }
func (*UserPayload) Type() Type        { return TypeUserPayload }

func (p *Hello) marshal(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.Token)
	})
}

func (p *Hello) unmarshal(s *cryptobyte.String) bool {
	var token cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&token) || len(token) > MaxTokenSize {
		return false
	}
	p.Token = append(p.Token[:0], token...)
	// the remainder is zero padding
	for _, c := range *s {
		if c != 0 {
			return false
		}
	}
	return true
}

func (p *Hello) reset() { p.Token = p.Token[:0] }

func (p *Challenge) marshal(b *cryptobyte.Builder) {
	b.AddUint64(p.Nonce)
	b.AddBytes(p.Data[:])
	b.AddUint64(p.SequenceOffset)
}

func (p *Challenge) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint64(&p.Nonce) && s.CopyBytes(p.Data[:]) && s.ReadUint64(&p.SequenceOffset) && s.Empty()
}

func (p *Challenge) reset() { *p = Challenge{} }

func (p *ChallengeResponse) marshal(b *cryptobyte.Builder) {
	b.AddUint64(p.Nonce)
	b.AddBytes(p.Data[:])
}

func (p *ChallengeResponse) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint64(&p.Nonce) && s.CopyBytes(p.Data[:]) && s.Empty()
}

func (p *ChallengeResponse) reset() { *p = ChallengeResponse{} }

func (p *ConnectionAccepted) marshal(b *cryptobyte.Builder) {
	b.AddUint32(p.ClientIndex)
	b.AddUint32(p.MaxClients)
}

func (p *ConnectionAccepted) unmarshal(s *cryptobyte.String) bool {
	return s.ReadUint32(&p.ClientIndex) && s.ReadUint32(&p.MaxClients) && s.Empty()
}

func (p *ConnectionAccepted) reset() { *p = ConnectionAccepted{} }

func (*ConnectionDenied) marshal(*cryptobyte.Builder)         {}
func (*ConnectionDenied) unmarshal(s *cryptobyte.String) bool { return s.Empty() }
func (*ConnectionDenied) reset()                              {}

func (*Keepalive) marshal(*cryptobyte.Builder)         {}
func (*Keepalive) unmarshal(s *cryptobyte.String) bool { return s.Empty() }
func (*Keepalive) reset()                              {}

func (*Disconnect) marshal(*cryptobyte.Builder)         {}
func (*Disconnect) unmarshal(s *cryptobyte.String) bool { return s.Empty() }
func (*Disconnect) reset()                              {}

func (p *UserPayload) marshal(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(p.Data)
	})
}

func (p *UserPayload) unmarshal(s *cryptobyte.String) bool {
	var data cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&data) || !s.Empty() {
		return false
	}
	if len(data) == 0 || len(data) > MaxPayloadSize {
		return false
	}
	p.Data = append(p.Data[:0], data...)
	return true
}

func (p *UserPayload) reset() { p.Data = p.Data[:0] }
