package protocol

import (
	"bytes"
	"crypto/rand"
	"errors"
	"reflect"
	"testing"

	"github.com/bridgefall/gamelink/internal/replay"
)

func testKey(t *testing.T) *Key {
	t.Helper()
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		t.Fatalf("key: %v", err)
	}
	return &k
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := testKey(t)
	challenge := &Challenge{Nonce: 7, SequenceOffset: 0xfeedface}
	copy(challenge.Data[:], bytes.Repeat([]byte{0xab}, ChallengeDataSize))
	response := &ChallengeResponse{Nonce: 7, Data: challenge.Data}

	cases := []struct {
		name       string
		packet     Packet
		fromServer bool
	}{
		{"hello", &Hello{Token: []byte("opaque token bytes")}, false},
		{"challenge", challenge, true},
		{"challenge_response", response, false},
		{"accepted", &ConnectionAccepted{ClientIndex: 3, MaxClients: 64}, true},
		{"denied", &ConnectionDenied{}, true},
		{"keepalive_client", &Keepalive{}, false},
		{"keepalive_server", &Keepalive{}, true},
		{"disconnect", &Disconnect{}, false},
		{"payload", &UserPayload{Data: []byte("hello world")}, false},
		{"payload_max", &UserPayload{Data: bytes.Repeat([]byte{1}, MaxPayloadSize)}, true},
	}

	alloc := NewAllocator()
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seq := uint64(1000 + i)
			offset := uint64(0x1122334455667788)
			data, err := Encode(tc.packet, seq, offset, key, tc.fromServer)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if len(data) > MaxPacketSize {
				t.Fatalf("packet exceeds max size: %d", len(data))
			}
			var window replay.Window
			hdr, got, err := Decode(alloc, data, key, &window, offset, !tc.fromServer)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if hdr.Type != tc.packet.Type() {
				t.Fatalf("type mismatch: got %s want %s", hdr.Type, tc.packet.Type())
			}
			if !reflect.DeepEqual(got, tc.packet) {
				t.Fatalf("packet mismatch: got %#v want %#v", got, tc.packet)
			}
			if tc.packet.Type() != TypeHello && hdr.Sequence != seq {
				t.Fatalf("sequence mismatch: got %d want %d", hdr.Sequence, seq)
			}
			alloc.Free(got)
		})
	}
}

func TestHelloPaddedToMax(t *testing.T) {
	data, err := Encode(&Hello{Token: []byte{1, 2, 3}}, 0, 0, nil, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != MaxPacketSize {
		t.Fatalf("expected hello padded to %d, got %d", MaxPacketSize, len(data))
	}
	if _, _, err := Decode(nil, data[:MaxPacketSize-1], nil, nil, 0, true); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected short hello to be corrupt, got %v", err)
	}
	data[len(data)-1] = 0xff
	if _, _, err := Decode(nil, data, nil, nil, 0, true); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected non-zero padding to be corrupt, got %v", err)
	}
}

func TestDecodeRejectsReplay(t *testing.T) {
	key := testKey(t)
	var window replay.Window
	data, err := Encode(&Keepalive{}, 5, 99, key, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(nil, data, key, &window, 99, true); err != nil {
		t.Fatalf("first decode: %v", err)
	}
	if _, _, err := Decode(nil, data, key, &window, 99, true); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestDecodeForgedLeavesWindowUntouched(t *testing.T) {
	key := testKey(t)
	other := testKey(t)
	var window replay.Window
	data, err := Encode(&UserPayload{Data: []byte("x")}, 10, 0, other, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(nil, data, key, &window, 0, true); !errors.Is(err, ErrForged) {
		t.Fatalf("expected forged, got %v", err)
	}
	if window.CullDuplicate(10) {
		t.Fatalf("failed packet must not commit its sequence")
	}

	good, _ := Encode(&UserPayload{Data: []byte("x")}, 11, 0, key, false)
	good[HeaderSize] ^= 0x01
	if _, _, err := Decode(nil, good, key, &window, 0, true); !errors.Is(err, ErrForged) {
		t.Fatalf("expected tampered body to fail authentication, got %v", err)
	}
	good[HeaderSize] ^= 0x01
	good[VersionLen] = byte(TypeKeepalive)
	if _, _, err := Decode(nil, good, key, &window, 0, true); !errors.Is(err, ErrForged) {
		t.Fatalf("expected rewritten type to fail authentication, got %v", err)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	key := testKey(t)
	data, err := Encode(&Keepalive{}, 1, 0, key, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	badVersion := append([]byte(nil), data...)
	badVersion[0] ^= 0xff
	if _, _, err := Decode(nil, badVersion, key, nil, 0, false); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected version mismatch to be corrupt, got %v", err)
	}
	if _, _, err := Decode(nil, data[:Overhead-1], key, nil, 0, false); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected truncated packet to be corrupt, got %v", err)
	}
	if _, _, err := Decode(nil, make([]byte, MaxPacketSize+1), key, nil, 0, false); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected oversized packet to be corrupt, got %v", err)
	}
	unknown := append([]byte(nil), data...)
	unknown[VersionLen] = 0xee
	if _, _, err := Decode(nil, unknown, key, nil, 0, false); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected unknown type to be corrupt, got %v", err)
	}
}

func TestDecodeDirection(t *testing.T) {
	key := testKey(t)
	data, err := Encode(&Challenge{Nonce: 1}, 1, 0, key, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, _, err := Decode(nil, data, key, nil, 0, true); !errors.Is(err, ErrUnexpectedType) {
		t.Fatalf("server must not accept a challenge, got %v", err)
	}
	ka, _ := Encode(&Keepalive{}, 1, 0, key, true)
	if _, _, err := Decode(nil, ka, key, nil, 0, true); !errors.Is(err, ErrForged) {
		t.Fatalf("server packet reflected back at the server must fail, got %v", err)
	}
}

func TestSequenceIsMasked(t *testing.T) {
	key := testKey(t)
	offset := uint64(0xa5a5a5a5a5a5a5a5)
	data, err := Encode(&Keepalive{}, 1, offset, key, false)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	trailer := data[len(data)-SequenceSize:]
	if bytes.Equal(trailer, []byte{0, 0, 0, 0, 0, 0, 0, 1}) {
		t.Fatalf("raw sequence must not appear on the wire")
	}
	hdr, _, err := Decode(nil, data, key, nil, offset, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if hdr.Sequence != 1 {
		t.Fatalf("expected unmasked sequence 1, got %d", hdr.Sequence)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	key := testKey(t)
	p := &UserPayload{Data: make([]byte, MaxPayloadSize+1)}
	if _, err := Encode(p, 1, 0, key, false); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
}

func TestAllocatorRecycles(t *testing.T) {
	alloc := NewAllocator()
	p := alloc.Alloc(TypeUserPayload).(*UserPayload)
	p.Data = append(p.Data, 1, 2, 3)
	if alloc.Outstanding(TypeUserPayload) != 1 {
		t.Fatalf("expected one outstanding payload")
	}
	alloc.Free(p)
	if alloc.Outstanding(TypeUserPayload) != 0 {
		t.Fatalf("expected no outstanding payloads")
	}
	again := alloc.Alloc(TypeUserPayload).(*UserPayload)
	if len(again.Data) != 0 {
		t.Fatalf("recycled packet must be reset")
	}
}
