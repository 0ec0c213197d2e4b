// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

const (
	authCodeLen      = 32
	refreshSecretLen = 48
	// apiKeyPrefixLen is the visible identification prefix of an API key.
	apiKeyPrefixLen = 8
	apiKeySecretLen = 40
	apiKeyNamespace = "eid_"
)

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// HashSecret is the canonical storage form of every opaque credential.
// Only this hash ever reaches the durable store or the cache.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomBase62(n int) (string, error) {
	var b strings.Builder
	b.Grow(n)
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(base62Alphabet))))
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		b.WriteByte(base62Alphabet[idx.Int64()])
	}
	return b.String(), nil
}

// newAuthCode returns a 32-character base62 authorization code.
func newAuthCode() (string, error) {
	return randomBase62(authCodeLen)
}

// newRefreshSecret returns a 48-character URL-safe refresh token.
func newRefreshSecret() (string, error) {
	raw := make([]byte, refreshSecretLen*3/4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// newAPIKey returns a namespaced API key and its eight-character visible
// prefix. The prefix alone identifies the key in listings without exposing
// the secret.
func newAPIKey() (key, prefix string, err error) {
	secret, err := randomBase62(apiKeySecretLen)
	if err != nil {
		return "", "", err
	}
	return apiKeyNamespace + secret, secret[:apiKeyPrefixLen], nil
}
