// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringRotation(t *testing.T) {
	t.Parallel()

	ring, err := NewKeyring()
	require.NoError(t, err)

	firstKID, firstKey := ring.Signer()
	require.NotEmpty(t, firstKID)
	require.NotNil(t, firstKey)

	secondKID, err := ring.Rotate()
	require.NoError(t, err)
	assert.NotEqual(t, firstKID, secondKID)

	// The new key signs, the old one still verifies.
	activeKID, _ := ring.Signer()
	assert.Equal(t, secondKID, activeKID)
	_, ok := ring.Public(firstKID)
	assert.True(t, ok)

	_, ok = ring.Public("nope")
	assert.False(t, ok)
}

func TestKeyringRetire(t *testing.T) {
	t.Parallel()

	ring, err := NewKeyring()
	require.NoError(t, err)
	firstKID, _ := ring.Signer()
	_, err = ring.Rotate()
	require.NoError(t, err)

	// The active key cannot be retired.
	activeKID, _ := ring.Signer()
	assert.Error(t, ring.Retire(activeKID))
	assert.Error(t, ring.Retire("unknown"))

	require.NoError(t, ring.Retire(firstKID))
	_, ok := ring.Public(firstKID)
	assert.False(t, ok)
}

func TestKeyringJWKS(t *testing.T) {
	t.Parallel()

	ring, err := NewKeyring()
	require.NoError(t, err)
	_, err = ring.Rotate()
	require.NoError(t, err)

	set := ring.JWKS()
	require.Len(t, set.Keys, 2)
	for _, key := range set.Keys {
		assert.Equal(t, "sig", key.Use)
		assert.Equal(t, "RS256", key.Algorithm)
		assert.NotEmpty(t, key.KeyID)
		assert.True(t, key.IsPublic())
	}
}
