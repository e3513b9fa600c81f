// Package protocol defines the gamelink wire format: packet kinds, their
// binary bodies and the authenticated encryption that wraps them.
package protocol

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Version prefixes every datagram and must match exactly.
	Version    = "GLINK 1.00"
	VersionLen = len(Version)

	// MaxPacketSize bounds every datagram. Hello must be padded to it.
	MaxPacketSize = 1200

	KeySize      = chacha20poly1305.KeySize
	SequenceSize = 8
	HeaderSize   = VersionLen + 1

	// Overhead is the framing cost of an encrypted packet.
	Overhead = HeaderSize + chacha20poly1305.Overhead + SequenceSize

	ChallengeDataSize = 64

	// MaxPayloadSize is the largest user payload that fits in one packet.
	MaxPayloadSize = MaxPacketSize - Overhead - 2

	// MaxTokenSize is the largest connect token a Hello can carry.
	MaxTokenSize = MaxPacketSize - HeaderSize - 2
)

var (
	ErrCorrupt        = errors.New("corrupt packet")
	ErrForged         = errors.New("packet failed authentication")
	ErrReplayed       = errors.New("replayed packet")
	ErrUnexpectedType = errors.New("unexpected packet type")
	ErrTooLarge       = errors.New("packet too large")
)

// Key is a symmetric session key.
type Key [KeySize]byte

// Zero wipes the key material.
func (k *Key) Zero() {
	for i := range k {
		k[i] = 0
	}
}

// Equal compares two keys in constant time.
func (k *Key) Equal(other *Key) bool {
	return subtle.ConstantTimeCompare(k[:], other[:]) == 1
}

// Type tags a packet kind on the wire.
type Type uint8

const (
	TypeHello Type = iota + 1
	TypeChallenge
	TypeChallengeResponse
	TypeConnectionAccepted
	TypeConnectionDenied
	TypeKeepalive
	TypeDisconnect
	TypeUserPayload
	typeCount
)

var typeNames = [typeCount]string{
	TypeHello:              "hello",
	TypeChallenge:          "challenge",
	TypeChallengeResponse:  "challenge_response",
	TypeConnectionAccepted: "connection_accepted",
	TypeConnectionDenied:   "connection_denied",
	TypeKeepalive:          "keepalive",
	TypeDisconnect:         "disconnect",
	TypeUserPayload:        "user_payload",
}

func (t Type) String() string {
	if t.valid() {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

func (t Type) valid() bool {
	return t >= TypeHello && t < typeCount
}

// acceptedBy reports whether the receiving side may process t.
func (t Type) acceptedBy(isServer bool) bool {
	switch t {
	case TypeHello, TypeChallengeResponse:
		return isServer
	case TypeChallenge, TypeConnectionAccepted, TypeConnectionDenied:
		return !isServer
	case TypeKeepalive, TypeDisconnect, TypeUserPayload:
		return true
	default:
		return false
	}
}

// Header carries the framing fields recovered by Decode.
type Header struct {
	Type     Type
	Sequence uint64
}
