// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kv provides the ephemeral key-value store used for sessions,
// authorization codes, token blacklists, pending authorizations, protection
// cache entries and rate counters. Entries are opaque strings with TTLs; the
// durable store remains authoritative on any mismatch.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the ephemeral key-value capability.
// All implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value under key only if the key does not exist.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// GetDel atomically returns and removes the value for key, or
	// ErrNotFound. At most one concurrent caller observes the value.
	GetDel(ctx context.Context, key string) (string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndDelete removes key only if it currently holds expect.
	// Returns true if the key was removed.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// Incr atomically increments the counter at key and returns the new
	// value. The ttl is applied when the counter is created, so a counter
	// behaves as a fixed window of that length.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SetAdd adds member to the set at key and applies ttl to the set.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SetMembers returns all members of the set at key. A missing set
	// yields an empty slice, not an error.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetRemove removes member from the set at key.
	SetRemove(ctx context.Context, key, member string) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Key namespaces. Callers compose keys with these prefixes so that every
// ephemeral entry is identifiable in a shared deployment.
const (
	// KeySession caches session projections: session:{id}.
	KeySession = "session"

	// KeyTokenBlacklist marks revoked jtis: token:blacklist:{jti}.
	KeyTokenBlacklist = "token:blacklist"

	// KeyAuthCode stores authorization codes by hash: authcode:{hash}.
	KeyAuthCode = "authcode"

	// KeyAuthCodeUsed marks consumed codes for replay detection:
	// authcode:used:{hash}.
	KeyAuthCodeUsed = "authcode:used"

	// KeyRate stores rate counters: rate:{action}:{key}.
	KeyRate = "rate"

	// KeyOAuthPending stores pending authorizations: oauth_pending:{id}.
	KeyOAuthPending = "oauth_pending"

	// KeyProtection caches handle protection results: protection:{handle}.
	KeyProtection = "protection"

	// KeyLock stores named advisory locks: lock:{name}.
	KeyLock = "lock"

	// KeySessionIndex tracks the session ids of an identity:
	// session:index:{identity_id}.
	KeySessionIndex = "session:index"

	// KeyOTP stores short-lived one-time passwords: otp:{method_id}.
	KeyOTP = "otp"

	// KeyResetToken stores hashed password-reset tokens: reset:{hash}.
	KeyResetToken = "reset"
)

// Key joins a namespace prefix and an identifier.
func Key(prefix, id string) string {
	return prefix + ":" + id
}
