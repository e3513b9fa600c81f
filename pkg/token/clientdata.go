package token

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/bridgefall/gamelink/pkg/protocol"
	"github.com/fxamacker/cbor/v2"
)

// ClientDataVersion is bumped on incompatible changes to the encoding.
const ClientDataVersion = 1

const (
	keyVersion          uint64 = 0
	keyProtocol         uint64 = 1
	keyToken            uint64 = 2
	keyEndpoints        uint64 = 3
	keySessionKey       uint64 = 4
	keySequenceOffset   uint64 = 5
	keyClientID         uint64 = 6
	keyExpiration       uint64 = 7
	keyHandshakeTimeout uint64 = 8
	keyClientTimeout    uint64 = 9
)

// ClientData is everything a client needs to connect, handed over out of
// band together with the opaque token.
type ClientData struct {
	Protocol         string
	Token            []byte
	Endpoints        []netip.AddrPort
	SessionKey       protocol.Key
	SequenceOffset   uint64
	ClientID         uint64
	Expiration       time.Time
	HandshakeTimeout time.Duration
	ClientTimeout    time.Duration
}

// NewClientData pairs an issued token with the timeouts the server enforces.
func NewClientData(tok *Token, handshakeTimeout, clientTimeout time.Duration) ClientData {
	return ClientData{
		Protocol:         protocol.Version,
		Token:            tok.Raw,
		Endpoints:        tok.Endpoints,
		SessionKey:       tok.Private.Key,
		SequenceOffset:   tok.Private.SequenceOffset,
		ClientID:         tok.Private.ClientID,
		Expiration:       tok.Expiration,
		HandshakeTimeout: handshakeTimeout,
		ClientTimeout:    clientTimeout,
	}
}

// EncodeClientData converts d into deterministic CBOR bytes.
func EncodeClientData(d ClientData) ([]byte, error) {
	if len(d.Token) == 0 {
		return nil, fmt.Errorf("token required")
	}
	if len(d.Endpoints) == 0 {
		return nil, fmt.Errorf("endpoints required")
	}
	endpoints := make([]string, 0, len(d.Endpoints))
	for _, ep := range d.Endpoints {
		endpoints = append(endpoints, ep.String())
	}
	payload := map[uint64]any{
		keyVersion:        uint64(ClientDataVersion),
		keyProtocol:       d.Protocol,
		keyToken:          d.Token,
		keyEndpoints:      endpoints,
		keySessionKey:     d.SessionKey[:],
		keySequenceOffset: d.SequenceOffset,
		keyClientID:       d.ClientID,
		keyExpiration:     uint64(d.Expiration.Unix()),
	}
	if d.HandshakeTimeout > 0 {
		payload[keyHandshakeTimeout] = uint64(d.HandshakeTimeout / time.Millisecond)
	}
	if d.ClientTimeout > 0 {
		payload[keyClientTimeout] = uint64(d.ClientTimeout / time.Millisecond)
	}

	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return mode.Marshal(payload)
}

// DecodeClientData parses CBOR bytes produced by EncodeClientData.
func DecodeClientData(data []byte) (ClientData, error) {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return ClientData{}, err
	}
	var raw map[uint64]any
	if err := mode.Unmarshal(data, &raw); err != nil {
		return ClientData{}, err
	}
	version, ok := raw[keyVersion]
	if !ok {
		return ClientData{}, fmt.Errorf("client data missing version")
	}
	versionInt, err := asUint(version)
	if err != nil {
		return ClientData{}, fmt.Errorf("client data version invalid: %w", err)
	}
	if versionInt != ClientDataVersion {
		return ClientData{}, fmt.Errorf("unsupported client data version %d", versionInt)
	}

	var out ClientData
	if v, ok := raw[keyProtocol]; ok {
		if out.Protocol, err = asString(v); err != nil {
			return ClientData{}, fmt.Errorf("protocol: %w", err)
		}
	}
	if out.Protocol != protocol.Version {
		return ClientData{}, fmt.Errorf("protocol %q not supported", out.Protocol)
	}
	if out.Token, err = asBytes(raw[keyToken]); err != nil || len(out.Token) == 0 {
		return ClientData{}, fmt.Errorf("token: missing or invalid")
	}
	list, ok := raw[keyEndpoints].([]any)
	if !ok || len(list) == 0 {
		return ClientData{}, fmt.Errorf("endpoints: missing or invalid")
	}
	for _, item := range list {
		s, err := asString(item)
		if err != nil {
			return ClientData{}, fmt.Errorf("endpoints: %w", err)
		}
		ep, err := netip.ParseAddrPort(s)
		if err != nil {
			return ClientData{}, fmt.Errorf("endpoints: %w", err)
		}
		out.Endpoints = append(out.Endpoints, ep)
	}
	key, err := asBytes(raw[keySessionKey])
	if err != nil || len(key) != protocol.KeySize {
		return ClientData{}, fmt.Errorf("session_key: missing or invalid")
	}
	copy(out.SessionKey[:], key)
	if out.SequenceOffset, err = asUint(raw[keySequenceOffset]); err != nil {
		return ClientData{}, fmt.Errorf("sequence_offset: %w", err)
	}
	if out.ClientID, err = asUint(raw[keyClientID]); err != nil {
		return ClientData{}, fmt.Errorf("client_id: %w", err)
	}
	exp, err := asUint(raw[keyExpiration])
	if err != nil {
		return ClientData{}, fmt.Errorf("expiration: %w", err)
	}
	out.Expiration = time.Unix(int64(exp), 0)
	if v, ok := raw[keyHandshakeTimeout]; ok {
		ms, err := asUint(v)
		if err != nil {
			return ClientData{}, fmt.Errorf("handshake_timeout: %w", err)
		}
		out.HandshakeTimeout = time.Duration(ms) * time.Millisecond
	}
	if v, ok := raw[keyClientTimeout]; ok {
		ms, err := asUint(v)
		if err != nil {
			return ClientData{}, fmt.Errorf("client_timeout: %w", err)
		}
		out.ClientTimeout = time.Duration(ms) * time.Millisecond
	}
	return out, nil
}

func asUint(value any) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value")
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", value)
	}
}

func asString(value any) (string, error) {
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string got %T", value)
	}
	return str, nil
}

func asBytes(value any) ([]byte, error) {
	b, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("expected bytes got %T", value)
	}
	return b, nil
}
