// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // lookup key for breach corpora, not a password hash
	"encoding/hex"
	"strings"

	_ "embed"
)

// BreachOracle answers whether a credential hash appears in a known breach
// corpus. Implementations receive the lowercase hex SHA-1 of the candidate,
// the lookup key breach corpora are published under; the plaintext never
// crosses the interface.
type BreachOracle interface {
	IsBreached(ctx context.Context, sha1Hex string) (bool, error)
}

// HashCandidate computes the oracle lookup key for a candidate credential.
func HashCandidate(candidate string) string {
	sum := sha1.Sum([]byte(candidate)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

//go:embed wordlists/blocklist.txt
var blocklistRaw []byte

var (
	blocklistHashes = buildBlocklistHashes()
	blocklistWords  = buildBlocklistWords()
)

func buildBlocklistHashes() map[string]struct{} {
	hashes := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(blocklistRaw))
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word == "" || strings.HasPrefix(word, "#") {
			continue
		}
		hashes[HashCandidate(word)] = struct{}{}
	}
	return hashes
}

func buildBlocklistWords() []string {
	var words []string
	scanner := bufio.NewScanner(bytes.NewReader(blocklistRaw))
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word == "" || strings.HasPrefix(word, "#") || len(word) < 4 {
			continue
		}
		words = append(words, word)
	}
	return words
}

// containsDictionaryWord reports whether the lowercase candidate contains
// any blocklist entry of length >= 4.
func containsDictionaryWord(lower string) bool {
	for _, word := range blocklistWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// LocalBlocklist is the default BreachOracle: an embedded list of the most
// commonly breached passwords, matched by hash.
type LocalBlocklist struct{}

// IsBreached reports whether the hash appears in the embedded blocklist.
func (LocalBlocklist) IsBreached(_ context.Context, sha1Hex string) (bool, error) {
	_, found := blocklistHashes[strings.ToLower(sha1Hex)]
	return found, nil
}

// Compile-time interface compliance check.
var _ BreachOracle = LocalBlocklist{}
