// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints, validates and revokes every credential the service
// issues: RS256 access and ID tokens, opaque refresh tokens, API keys and
// single-use authorization codes.
package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"sync"

	jose "github.com/go-jose/go-jose/v4"
)

const rsaKeyBits = 2048

// Keyring holds the RS256 signing keys. The newest key signs; every key
// still in the ring verifies, so rotation never invalidates outstanding
// tokens before they expire.
type Keyring struct {
	mu     sync.RWMutex
	keys   map[string]*rsa.PrivateKey
	active string
}

// NewKeyring creates a ring with one freshly generated key.
func NewKeyring() (*Keyring, error) {
	k := &Keyring{keys: make(map[string]*rsa.PrivateKey)}
	if _, err := k.Rotate(); err != nil {
		return nil, err
	}
	return k, nil
}

// Rotate generates a new signing key, makes it active and returns its kid.
// Older keys stay in the ring for verification.
func (k *Keyring) Rotate() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	kid, err := randomKID()
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = key
	k.active = kid
	return kid, nil
}

// Signer returns the active key and its kid.
func (k *Keyring) Signer() (string, *rsa.PrivateKey) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active, k.keys[k.active]
}

// Public returns the verification key for a kid.
func (k *Keyring) Public(kid string) (*rsa.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	if !ok {
		return nil, false
	}
	return &key.PublicKey, true
}

// Retire drops a key from the ring. The active key cannot be retired.
func (k *Keyring) Retire(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if kid == k.active {
		return fmt.Errorf("cannot retire the active signing key %s", kid)
	}
	if _, ok := k.keys[kid]; !ok {
		return fmt.Errorf("unknown kid %s", kid)
	}
	delete(k.keys, kid)
	return nil
}

// JWKS renders the public half of every key for the discovery endpoint.
func (k *Keyring) JWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()

	set := jose.JSONWebKeySet{}
	for kid, key := range k.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       &key.PublicKey,
			KeyID:     kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		})
	}
	return set
}

func randomKID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate kid: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
