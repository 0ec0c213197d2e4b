// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// DefaultLockLease bounds how long a crashed holder can block other writers.
const DefaultLockLease = 30 * time.Second

// ErrLockHeld is returned when the lock is held by someone else.
var ErrLockHeld = errors.New("kv: lock already held")

// Lock is a named advisory lock with a lease, backed by the Store.
// It serializes writes within a single identity; cross-identity operations
// have no ordering guarantee and take no lock.
type Lock struct {
	store Store
	key   string
	token string
}

// AcquireLock attempts to take the named lock for the given lease. Returns
// ErrLockHeld without blocking if another holder owns it.
func AcquireLock(ctx context.Context, store Store, name string, lease time.Duration) (*Lock, error) {
	if lease <= 0 {
		lease = DefaultLockLease
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	token := hex.EncodeToString(buf)

	key := Key(KeyLock, name)
	ok, err := store.SetNX(ctx, key, token, lease)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %q: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}

	return &Lock{store: store, key: key, token: token}, nil
}

// Release frees the lock if this holder still owns it. Releasing a lock whose
// lease already expired (and may have been re-acquired) is a no-op rather
// than an error: the token check prevents releasing someone else's lock.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.store.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the named lock, retrying acquisition until
// the context is done. The lock is released when fn returns.
func WithLock(ctx context.Context, store Store, name string, lease time.Duration, fn func(ctx context.Context) error) error {
	var lock *Lock
	for {
		var err error
		lock, err = AcquireLock(ctx, store, name, lease)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrLockHeld) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	defer func() {
		// Release on a fresh context: cancellation after the protected
		// write committed must not leak the lock for the full lease.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	return fn(ctx)
}
