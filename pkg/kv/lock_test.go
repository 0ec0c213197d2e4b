// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	lock, err := AcquireLock(ctx, store, "identity:alice", time.Minute)
	require.NoError(t, err)

	_, err = AcquireLock(ctx, store, "identity:alice", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	// A different name is an independent lock.
	other, err := AcquireLock(ctx, store, "identity:bob", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))
	relocked, err := AcquireLock(ctx, store, "identity:alice", time.Minute)
	require.NoError(t, err)
	require.NoError(t, relocked.Release(ctx))
}

func TestLockReleaseIsTokenGuarded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	stale, err := AcquireLock(ctx, store, "identity:alice", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	// The lease expired and someone else took the lock.
	current, err := AcquireLock(ctx, store, "identity:alice", time.Minute)
	require.NoError(t, err)

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, stale.Release(ctx))
	_, err = AcquireLock(ctx, store, "identity:alice", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, current.Release(ctx))
}

func TestWithLockSerializes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	var mu sync.Mutex
	var inside, maxInside int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(ctx, store, "identity:alice", time.Minute, func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
}

func TestWithLockReleasesOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	wantErr := assert.AnError
	err := WithLock(ctx, store, "identity:alice", time.Minute, func(context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// The lock is free again despite the callback failure.
	lock, err := AcquireLock(ctx, store, "identity:alice", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestWithLockHonorsContext(t *testing.T) {
	t.Parallel()
	store := newTestMemoryStore(t)

	held, err := AcquireLock(context.Background(), store, "identity:alice", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = WithLock(ctx, store, "identity:alice", time.Minute, func(context.Context) error {
		t.Fatal("callback must not run while the lock is held elsewhere")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
