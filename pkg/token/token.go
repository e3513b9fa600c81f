// Package token mints and validates connect tokens. A token carries a public
// section readable by anyone and a private section sealed to the server's
// Curve25519 key, both covered by a keyed BLAKE2s MAC.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/bridgefall/gamelink/pkg/protocol"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/nacl/box"
)

const (
	NonceSize    = 24
	MACSize      = 16
	UserDataSize = 256
	MaxEndpoints = 32

	endpointSize = 1 + 16 + 2
	privateSize  = protocol.KeySize + 8 + 8 + UserDataSize
	sealedSize   = privateSize + box.AnonymousOverhead

	// MaxSize is the encoded size of a token listing MaxEndpoints endpoints.
	MaxSize = protocol.VersionLen + 8 + NonceSize + 1 + MaxEndpoints*endpointSize + sealedSize + MACSize
)

var (
	ErrTokenExpired   = errors.New("connect token expired")
	ErrTokenInvalid   = errors.New("connect token invalid")
	ErrTokenReplayed  = errors.New("connect token already used")
	ErrNonceCacheFull = errors.New("consumed nonce memory full")
)

const (
	familyV4 byte = 4
	familyV6 byte = 6
)

// Private is the sealed section only the server can read.
type Private struct {
	Key            protocol.Key
	ClientID       uint64
	SequenceOffset uint64
	UserData       [UserDataSize]byte
}

// Token is a decoded connect token. Raw holds its wire encoding.
type Token struct {
	Expiration time.Time
	Nonce      [NonceSize]byte
	Endpoints  []netip.AddrPort
	Private    Private
	Raw        []byte
}

// Lists reports whether ep is one of the token's server endpoints.
func (t *Token) Lists(ep netip.AddrPort) bool {
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())
	for _, candidate := range t.Endpoints {
		if candidate == ep {
			return true
		}
	}
	return false
}

// Issue mints a token for clientID. The session key and sequence offset are
// drawn from crypto/rand. userData is truncated to UserDataSize.
func Issue(clientID uint64, endpoints []netip.AddrPort, userData []byte, expiration time.Time, serverSecret [32]byte) (*Token, error) {
	if len(endpoints) == 0 || len(endpoints) > MaxEndpoints {
		return nil, fmt.Errorf("issue token: need 1..%d endpoints, got %d", MaxEndpoints, len(endpoints))
	}
	pub, err := DerivePublicKey(serverSecret)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	tok := &Token{Expiration: time.Unix(expiration.Unix(), 0)}
	tok.Private.ClientID = clientID
	copy(tok.Private.UserData[:], userData)
	if _, err := rand.Read(tok.Nonce[:]); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	if _, err := rand.Read(tok.Private.Key[:]); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	var offset [8]byte
	if _, err := rand.Read(offset[:]); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	tok.Private.SequenceOffset = uint64FromBytes(offset[:])
	for _, ep := range endpoints {
		if !ep.IsValid() {
			return nil, fmt.Errorf("issue token: invalid endpoint %v", ep)
		}
		tok.Endpoints = append(tok.Endpoints, netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()))
	}

	priv := cryptobyte.NewBuilder(make([]byte, 0, privateSize))
	priv.AddBytes(tok.Private.Key[:])
	priv.AddUint64(tok.Private.ClientID)
	priv.AddUint64(tok.Private.SequenceOffset)
	priv.AddBytes(tok.Private.UserData[:])
	plain := priv.BytesOrPanic()
	sealed, err := box.SealAnonymous(nil, plain, &pub, rand.Reader)
	clear(plain)
	if err != nil {
		return nil, fmt.Errorf("issue token: seal: %w", err)
	}

	b := cryptobyte.NewBuilder(make([]byte, 0, MaxSize))
	b.AddBytes([]byte(protocol.Version))
	b.AddUint64(uint64(tok.Expiration.Unix()))
	b.AddBytes(tok.Nonce[:])
	b.AddUint8(uint8(len(tok.Endpoints)))
	for _, ep := range tok.Endpoints {
		addEndpoint(b, ep)
	}
	b.AddBytes(sealed)
	body := b.BytesOrPanic()
	mac, err := computeMAC(deriveMACKey(serverSecret), body)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	tok.Raw = append(body, mac[:]...)
	return tok, nil
}

// parsed is the public view of a token before the private section is opened.
type parsed struct {
	tok    Token
	sealed []byte
	body   []byte
	mac    []byte
}

func parse(raw []byte) (*parsed, error) {
	if len(raw) < MACSize || len(raw) > MaxSize {
		return nil, ErrTokenInvalid
	}
	p := &parsed{body: raw[:len(raw)-MACSize], mac: raw[len(raw)-MACSize:]}
	s := cryptobyte.String(p.body)
	var version []byte
	var expiration uint64
	var count uint8
	if !s.ReadBytes(&version, protocol.VersionLen) || string(version) != protocol.Version {
		return nil, ErrTokenInvalid
	}
	if !s.ReadUint64(&expiration) || !s.CopyBytes(p.tok.Nonce[:]) || !s.ReadUint8(&count) {
		return nil, ErrTokenInvalid
	}
	if count == 0 || int(count) > MaxEndpoints {
		return nil, ErrTokenInvalid
	}
	for i := 0; i < int(count); i++ {
		ep, ok := readEndpoint(&s)
		if !ok {
			return nil, ErrTokenInvalid
		}
		p.tok.Endpoints = append(p.tok.Endpoints, ep)
	}
	if !s.ReadBytes(&p.sealed, sealedSize) || !s.Empty() {
		return nil, ErrTokenInvalid
	}
	if expiration > uint64(1<<62) {
		return nil, ErrTokenInvalid
	}
	p.tok.Expiration = time.Unix(int64(expiration), 0)
	p.tok.Raw = raw
	return p, nil
}

func openPrivate(sealed []byte, pub, secret *[32]byte) (Private, bool) {
	var priv Private
	plain, ok := box.OpenAnonymous(nil, sealed, pub, secret)
	if !ok {
		return priv, false
	}
	defer clear(plain)
	s := cryptobyte.String(plain)
	ok = s.CopyBytes(priv.Key[:]) &&
		s.ReadUint64(&priv.ClientID) &&
		s.ReadUint64(&priv.SequenceOffset) &&
		s.CopyBytes(priv.UserData[:]) &&
		s.Empty()
	return priv, ok
}

func addEndpoint(b *cryptobyte.Builder, ep netip.AddrPort) {
	addr := ep.Addr()
	if addr.Is4() {
		b.AddUint8(familyV4)
	} else {
		b.AddUint8(familyV6)
	}
	a16 := addr.As16()
	b.AddBytes(a16[:])
	b.AddUint16(ep.Port())
}

func readEndpoint(s *cryptobyte.String) (netip.AddrPort, bool) {
	var family uint8
	var a16 [16]byte
	var port uint16
	if !s.ReadUint8(&family) || !s.CopyBytes(a16[:]) || !s.ReadUint16(&port) {
		return netip.AddrPort{}, false
	}
	addr := netip.AddrFrom16(a16)
	switch family {
	case familyV4:
		if !addr.Is4In6() {
			return netip.AddrPort{}, false
		}
		addr = addr.Unmap()
	case familyV6:
		if addr.Is4In6() {
			return netip.AddrPort{}, false
		}
	default:
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr, port), true
}

func uint64FromBytes(b []byte) uint64 {
	s := cryptobyte.String(b)
	var v uint64
	s.ReadUint64(&v)
	return v
}
