package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/curve25519"
)

const macLabel = "gamelink-token-mac"

// KeyPair is the server's long-term Curve25519 key pair.
type KeyPair struct {
	Public [32]byte
	Secret [32]byte
}

// GenerateKeyPair returns a fresh random key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Secret[:]); err != nil {
		return kp, fmt.Errorf("generate secret: %w", err)
	}
	pub, err := DerivePublicKey(kp.Secret)
	if err != nil {
		return kp, err
	}
	kp.Public = pub
	return kp, nil
}

// DecodeKeyBase64 decodes a base64 key into a 32-byte array.
func DecodeKeyBase64(val string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return out, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("invalid key length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// EncodeKeyBase64 is the inverse of DecodeKeyBase64.
func EncodeKeyBase64(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// DerivePublicKey returns the Curve25519 public key for a private key.
func DerivePublicKey(secret [32]byte) ([32]byte, error) {
	var out [32]byte
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return out, err
	}
	copy(out[:], pub)
	return out, nil
}

// deriveMACKey binds the token MAC to the server secret so only the key
// holder can mint tokens the server accepts.
func deriveMACKey(secret [32]byte) [32]byte {
	data := make([]byte, 0, len(macLabel)+len(secret))
	data = append(data, macLabel...)
	data = append(data, secret[:]...)
	return blake2s.Sum256(data)
}

func computeMAC(key [32]byte, msg []byte) ([MACSize]byte, error) {
	var out [MACSize]byte
	h, err := blake2s.New128(key[:])
	if err != nil {
		return out, err
	}
	h.Write(msg)
	copy(out[:], h.Sum(nil))
	return out, nil
}
