package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bridgefall/gamelink/internal/replay"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/cryptobyte"
)

const (
	dirClient byte = 0x00
	dirServer byte = 0x01
)

var errKeyRequired = errors.New("session key required")

// Encode serializes p. Hello is framed in the clear and zero padded to
// MaxPacketSize, since its token already seals the private section to the
// server. Every other kind is sealed with key and trailed by sequence XOR
// offset.
func Encode(p Packet, sequence uint64, offset uint64, key *Key, fromServer bool) ([]byte, error) {
	if p == nil || !p.Type().valid() {
		return nil, fmt.Errorf("encode: %w", ErrUnexpectedType)
	}
	out := make([]byte, HeaderSize, MaxPacketSize)
	copy(out, Version)
	out[VersionLen] = byte(p.Type())

	b := cryptobyte.NewBuilder(nil)
	p.marshal(b)
	body, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), err)
	}

	if p.Type() == TypeHello {
		if len(out)+len(body) > MaxPacketSize {
			return nil, fmt.Errorf("encode hello: %w", ErrTooLarge)
		}
		out = append(out, body...)
		return out[:MaxPacketSize], nil
	}

	if key == nil {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), errKeyRequired)
	}
	if len(body)+Overhead > MaxPacketSize {
		return nil, fmt.Errorf("encode %s: %w", p.Type(), ErrTooLarge)
	}
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	masked := sequence ^ offset
	dir := dirClient
	if fromServer {
		dir = dirServer
	}
	nonce := packetNonce(dir, masked)
	out = aead.Seal(out, nonce[:], body, out[:HeaderSize])
	out = binary.BigEndian.AppendUint64(out, masked)
	return out, nil
}

// Decode validates and opens data. The sequence is unmasked with offset and
// checked against window before decryption; window is only updated once the
// packet has fully parsed. A nil window skips replay protection. On any
// error no packet is returned and window is untouched.
func Decode(alloc *Allocator, data []byte, key *Key, window *replay.Window, offset uint64, isServer bool) (Header, Packet, error) {
	var hdr Header
	if len(data) < HeaderSize || len(data) > MaxPacketSize {
		return hdr, nil, ErrCorrupt
	}
	if string(data[:VersionLen]) != Version {
		return hdr, nil, ErrCorrupt
	}
	hdr.Type = Type(data[VersionLen])
	if !hdr.Type.valid() {
		return hdr, nil, ErrCorrupt
	}
	if !hdr.Type.acceptedBy(isServer) {
		return hdr, nil, ErrUnexpectedType
	}

	if hdr.Type == TypeHello {
		if len(data) != MaxPacketSize {
			return hdr, nil, ErrCorrupt
		}
		p := alloc.Alloc(TypeHello)
		s := cryptobyte.String(data[HeaderSize:])
		if !p.unmarshal(&s) {
			alloc.Free(p)
			return hdr, nil, ErrCorrupt
		}
		return hdr, p, nil
	}

	if len(data) < Overhead {
		return hdr, nil, ErrCorrupt
	}
	if key == nil {
		return hdr, nil, errKeyRequired
	}
	masked := binary.BigEndian.Uint64(data[len(data)-SequenceSize:])
	hdr.Sequence = masked ^ offset
	if window != nil && window.CullDuplicate(hdr.Sequence) {
		return hdr, nil, ErrReplayed
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return hdr, nil, err
	}
	dir := dirServer
	if isServer {
		dir = dirClient
	}
	nonce := packetNonce(dir, masked)
	sealed := data[HeaderSize : len(data)-SequenceSize]
	body, err := aead.Open(nil, nonce[:], sealed, data[:HeaderSize])
	if err != nil {
		return hdr, nil, ErrForged
	}

	p := alloc.Alloc(hdr.Type)
	s := cryptobyte.String(body)
	if !p.unmarshal(&s) {
		alloc.Free(p)
		return hdr, nil, ErrCorrupt
	}
	if window != nil {
		window.Update(hdr.Sequence)
	}
	return hdr, p, nil
}

func packetNonce(dir byte, masked uint64) [chacha20poly1305.NonceSize]byte {
	var nonce [chacha20poly1305.NonceSize]byte
	nonce[0] = dir
	binary.BigEndian.PutUint64(nonce[4:], masked)
	return nonce
}
