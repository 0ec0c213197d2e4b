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

func newTestMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore(WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestMemoryStoreGetSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)

	// Overwrite replaces the value.
	require.NoError(t, store.Set(ctx, "k", "v2", 0))
	value, err = store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", value)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "short", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := store.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSetNX(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	ok, err := store.SetNX(ctx, "k", "first", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", value)
}

func TestMemoryStoreSetNXAfterExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	ok, err := store.SetNX(ctx, "k", "first", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	ok, err = store.SetNX(ctx, "k", "second", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreGetDel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "code", "payload", 0))

	value, err := store.GetDel(ctx, "code")
	require.NoError(t, err)
	assert.Equal(t, "payload", value)

	// Second consume loses.
	_, err = store.GetDel(ctx, "code")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreGetDelSingleWinner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "code", "payload", 0))

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.GetDel(ctx, "code"); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1)
}

func TestMemoryStoreCompareAndDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	require.NoError(t, store.Set(ctx, "k", "token", 0))

	ok, err := store.CompareAndDelete(ctx, "k", "other")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.CompareAndDelete(ctx, "k", "token")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreIncrWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	for want := int64(1); want <= 3; want++ {
		count, err := store.Incr(ctx, "rate:login:a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
	}

	// A short window resets once expired.
	count, err := store.Incr(ctx, "rate:login:b", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	time.Sleep(30 * time.Millisecond)
	count, err = store.Incr(ctx, "rate:login:b", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestMemoryStoreSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestMemoryStore(t)

	members, err := store.SetMembers(ctx, "idx")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, store.SetAdd(ctx, "idx", "s1", 0))
	require.NoError(t, store.SetAdd(ctx, "idx", "s2", 0))
	require.NoError(t, store.SetAdd(ctx, "idx", "s1", 0))

	members, err = store.SetMembers(ctx, "idx")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, members)

	require.NoError(t, store.SetRemove(ctx, "idx", "s1"))
	members, err = store.SetMembers(ctx, "idx")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, members)
}

func TestMemoryStoreCleanupRemovesExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore(WithCleanupInterval(20 * time.Millisecond))
	defer store.Close()

	require.NoError(t, store.Set(ctx, "gone", "v", 5*time.Millisecond))
	require.NoError(t, store.Set(ctx, "kept", "v", 0))

	assert.Eventually(t, func() bool {
		store.mu.RLock()
		defer store.mu.RUnlock()
		_, ok := store.entries["gone"]
		return !ok
	}, time.Second, 10*time.Millisecond)

	value, err := store.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestKeyComposition(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "session:abc", Key(KeySession, "abc"))
	assert.Equal(t, "token:blacklist:jti-1", Key(KeyTokenBlacklist, "jti-1"))
	assert.Equal(t, "authcode:used:h", Key(KeyAuthCodeUsed, "h"))
}
