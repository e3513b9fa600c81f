package token

import (
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	lrucache "github.com/cognusion/go-cache-lru"
)

const (
	DefaultNonceCacheSize = 65536
	nonceCleanupInterval  = time.Minute
)

// Verifier validates tokens for one server key pair and remembers consumed
// nonces until their token expires. It is safe for concurrent use.
type Verifier struct {
	public    [32]byte
	secret    [32]byte
	macKey    [32]byte
	maxNonces int

	mu     sync.Mutex
	nonces *lrucache.Cache
}

// NewVerifier builds a verifier for serverSecret. maxNonces bounds the
// consumed-nonce memory; zero selects DefaultNonceCacheSize. A nonce is held
// until its token expires, so size it for the token lifetime times the peak
// rate of accepted connections. Once it is full of live nonces Open refuses
// new tokens with ErrNonceCacheFull rather than forget one.
func NewVerifier(serverSecret [32]byte, maxNonces int) (*Verifier, error) {
	pub, err := DerivePublicKey(serverSecret)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	if maxNonces <= 0 {
		maxNonces = DefaultNonceCacheSize
	}
	return &Verifier{
		public:    pub,
		secret:    serverSecret,
		macKey:    deriveMACKey(serverSecret),
		maxNonces: maxNonces,
		nonces:    lrucache.NewWithLRU(lrucache.NoExpiration, nonceCleanupInterval, maxNonces),
	}, nil
}

// PublicKey returns the key tokens are sealed to.
func (v *Verifier) PublicKey() [32]byte { return v.public }

// Inspect validates raw without consuming its nonce. A consumed token still
// comes back alongside ErrTokenReplayed so the caller can answer it.
func (v *Verifier) Inspect(raw []byte, now time.Time) (*Token, error) {
	p, err := parse(raw)
	if err != nil {
		return nil, err
	}
	mac, err := computeMAC(v.macKey, p.body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac[:], p.mac) != 1 {
		return nil, ErrTokenInvalid
	}
	if !now.Before(p.tok.Expiration) {
		return nil, ErrTokenExpired
	}
	priv, ok := openPrivate(p.sealed, &v.public, &v.secret)
	if !ok {
		return nil, ErrTokenInvalid
	}
	tok := p.tok
	tok.Private = priv
	if _, seen := v.nonces.Get(string(tok.Nonce[:])); seen {
		return &tok, ErrTokenReplayed
	}
	return &tok, nil
}

// Open validates raw and consumes its nonce, so a second Open of the same
// token fails with ErrTokenReplayed.
func (v *Verifier) Open(raw []byte, now time.Time) (*Token, error) {
	tok, err := v.Inspect(raw, now)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	// the cache only evicts by LRU above its bound, so refusing at the
	// bound keeps every live nonce
	if v.nonces.ItemCount() >= v.maxNonces {
		v.nonces.DeleteExpired()
		if v.nonces.ItemCount() >= v.maxNonces {
			return nil, ErrNonceCacheFull
		}
	}
	ttl := tok.Expiration.Sub(now)
	if err := v.nonces.Add(string(tok.Nonce[:]), tok.Expiration, ttl); err != nil {
		return nil, ErrTokenReplayed
	}
	return tok, nil
}
