package auth

import (
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// keySet caches the RSA signing keys of a JWKS endpoint for a fixed TTL.
type keySet struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (s *keySet) lookup(keyID string, now time.Time) *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || now.After(s.expiresAt) {
		return nil
	}
	return s.keys[keyID]
}

func (s *keySet) replace(keys map[string]*rsa.PublicKey, fetchedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
	s.expiresAt = fetchedAt.Add(s.ttl)
}

type jwksDocument struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	Alg      string `json:"alg"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

// signingKeys keeps the RSA signature keys of the document, skipping anything malformed.
func (d jwksDocument) signingKeys(onSkip func(keyID string, err error)) map[string]*rsa.PublicKey {
	keys := make(map[string]*rsa.PublicKey, len(d.Keys))
	for _, key := range d.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			if onSkip != nil {
				onSkip(key.KeyID, err)
			}
			continue
		}
		keys[key.KeyID] = publicKey
	}
	return keys
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}
	exponent := new(big.Int).SetBytes(exponentBytes)
	if !exponent.IsInt64() || exponent.Sign() <= 0 {
		return nil, errors.New("invalid exponent value")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulus),
		E: int(exponent.Int64()),
	}, nil
}
