// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/config"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
)

type serviceFixture struct {
	service *Service
	store   *store.Memory
	cache   *kv.MemoryStore
	cfg     *config.Config
}

func newServiceFixture(t *testing.T, mutate func(*config.Config)) *serviceFixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	mem := store.NewMemory()
	cache := kv.NewMemoryStore(kv.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = cache.Close() })

	ring, err := NewKeyring()
	require.NoError(t, err)

	service := NewService(cfg, ring, mem, mem, cache, audit.NewRecorder(mem))
	return &serviceFixture{service: service, store: mem, cache: cache, cfg: cfg}
}

func (f *serviceFixture) seedIdentity(t *testing.T) *store.Identity {
	t.Helper()
	now := time.Now().UTC()
	identity := &store.Identity{
		ID: uuid.NewString(), EID: "alice", Email: "alice@example.com",
		PasswordHash: "x", Status: store.IdentityActive,
		VerificationStatus: store.VerificationVerified,
		VerificationBadge:  "verified", ReputationScore: 80,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.store.CreateIdentity(context.Background(), identity))
	return identity
}

func TestAccessTokenRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	signed, row, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "client-1", []string{"openid", "profile"})
	require.NoError(t, err)
	assert.Equal(t, store.TokenAccess, row.Type)
	assert.Equal(t, HashSecret(signed), row.Hash)

	claims, err := f.service.ValidateAccessToken(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, claims.Subject)
	assert.Equal(t, "alice", claims.EID)
	assert.True(t, claims.Verified)
	assert.Equal(t, "verified", claims.VerificationBadge)
	assert.Equal(t, 80, claims.ReputationScore)
	assert.Equal(t, "sess-1", claims.SessionID)
	assert.Equal(t, "client-1", claims.ClientID)
	assert.Equal(t, []string{"openid", "profile"}, claims.Scopes())
	assert.Equal(t, string(store.TokenAccess), claims.TokenType)
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	// An ID token is not an access token even though the signature is ours.
	idToken, err := f.service.IssueIDToken(ctx, identity, "client-1", "nonce-1")
	require.NoError(t, err)
	_, err = f.service.ValidateAccessToken(ctx, idToken)
	assert.True(t, errors.IsAuth(err))

	// A token signed by another instance fails on the kid.
	other := newServiceFixture(t, nil)
	otherIdentity := other.seedIdentity(t)
	foreign, _, err := other.service.IssueAccessToken(ctx, otherIdentity, "sess-1", "", nil)
	require.NoError(t, err)
	_, err = f.service.ValidateAccessToken(ctx, foreign)
	assert.True(t, errors.IsAuth(err))

	_, err = f.service.ValidateAccessToken(ctx, "garbage")
	assert.True(t, errors.IsAuth(err))
}

func TestValidateExpiredToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	// Issue far enough in the past that the clock-skew leeway cannot save it.
	f.service.now = func() time.Time {
		return time.Now().Add(-f.cfg.AccessTokenTTL - f.cfg.ClockSkew - time.Minute)
	}
	signed, _, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "", nil)
	require.NoError(t, err)

	f.service.now = time.Now
	_, err = f.service.ValidateAccessToken(ctx, signed)
	assert.True(t, errors.IsAuth(err))
}

func TestValidateWithinClockSkew(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	// Expired one minute ago, inside the two-minute leeway.
	f.service.now = func() time.Time {
		return time.Now().Add(-f.cfg.AccessTokenTTL - time.Minute)
	}
	signed, _, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "", nil)
	require.NoError(t, err)

	f.service.now = time.Now
	_, err = f.service.ValidateAccessToken(ctx, signed)
	require.NoError(t, err)
}

func TestRevokeBlacklistsToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	signed, row, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, f.service.Revoke(ctx, row.ID, identity.ID, "logout"))
	_, err = f.service.ValidateAccessToken(ctx, signed)
	assert.True(t, errors.IsAuth(err))

	// Revoking again, or revoking an unknown id, succeeds silently.
	require.NoError(t, f.service.Revoke(ctx, row.ID, identity.ID, "logout"))
	require.NoError(t, f.service.Revoke(ctx, uuid.NewString(), identity.ID, "logout"))
}

// unreachableCache simulates a cache outage for reads.
type unreachableCache struct {
	kv.Store
}

func (unreachableCache) Get(context.Context, string) (string, error) {
	return "", assert.AnError
}

func TestRevocationSurvivesCacheOutage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	signed, row, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "", nil)
	require.NoError(t, err)
	require.NoError(t, f.service.Revoke(ctx, row.ID, identity.ID, "compromise"))

	// With the cache down the durable row still reports the revocation.
	f.service.cache = unreachableCache{f.cache}
	_, err = f.service.ValidateAccessToken(ctx, signed)
	assert.True(t, errors.IsAuth(err))

	// And an unrevoked token stays valid.
	f.service.cache = f.cache
	signed2, _, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "", nil)
	require.NoError(t, err)
	f.service.cache = unreachableCache{f.cache}
	_, err = f.service.ValidateAccessToken(ctx, signed2)
	require.NoError(t, err)
}

func TestAuthCodeSingleUse(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)

	code, err := f.service.CreateAuthCode(ctx, &AuthCode{
		ClientID:            "client-1",
		Subject:             "id-1",
		RedirectURI:         "https://app.example.com/cb",
		Scopes:              []string{"openid"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	assert.Len(t, code, authCodeLen)

	grant, err := f.service.ConsumeAuthCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "client-1", grant.ClientID)
	assert.Equal(t, "id-1", grant.Subject)
	assert.Equal(t, "S256", grant.CodeChallengeMethod)

	// Replay is detected and identifies the original grant.
	replayed, err := f.service.ConsumeAuthCode(ctx, code)
	require.ErrorIs(t, err, ErrCodeReplayed)
	assert.Equal(t, grant.ID, replayed.ID)

	// A code that never existed is just invalid.
	unknown, err := randomBase62(authCodeLen)
	require.NoError(t, err)
	_, err = f.service.ConsumeAuthCode(ctx, unknown)
	assert.True(t, errors.IsAuth(err))
	assert.NotErrorIs(t, err, ErrCodeReplayed)
}

func TestAuthCodeExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, func(cfg *config.Config) {
		cfg.AuthCodeTTL = 20 * time.Millisecond
	})

	code, err := f.service.CreateAuthCode(ctx, &AuthCode{ClientID: "client-1", Subject: "id-1"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	_, err = f.service.ConsumeAuthCode(ctx, code)
	assert.True(t, errors.IsAuth(err))
}

func TestRefreshRotateAlways(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	secret, _, err := f.service.IssueRefreshToken(ctx, identity.ID, "sess-1", "client-1", "code-1", []string{"openid", "profile"})
	require.NoError(t, err)

	first, err := f.service.Refresh(ctx, secret, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, first.AccessToken)
	assert.NotEmpty(t, first.RefreshToken)
	assert.NotEqual(t, secret, first.RefreshToken)
	assert.Equal(t, []string{"openid", "profile"}, first.Scopes)

	// The successor works.
	second, err := f.service.Refresh(ctx, first.RefreshToken, nil)
	require.NoError(t, err)

	// Replaying the rotated-out original kills the rotated-in refresh
	// chain but not the access tokens the legitimate refreshes minted.
	_, err = f.service.Refresh(ctx, secret, nil)
	require.ErrorIs(t, err, ErrRefreshReused)

	_, err = f.service.ValidateAccessToken(ctx, first.AccessToken)
	require.NoError(t, err)
	_, err = f.service.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)

	for _, refreshRow := range []*store.Token{first.RefreshRow, second.RefreshRow} {
		row, err := f.store.GetToken(ctx, refreshRow.ID)
		require.NoError(t, err)
		assert.True(t, row.Revoked, "refresh token %s", row.ID)
	}
	_, err = f.service.Refresh(ctx, second.RefreshToken, nil)
	require.ErrorIs(t, err, ErrRefreshReused)
}

func TestRefreshRotateNever(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, func(cfg *config.Config) {
		cfg.RefreshRotation = config.RotateNever
	})
	identity := f.seedIdentity(t)

	secret, _, err := f.service.IssueRefreshToken(ctx, identity.ID, "sess-1", "", "", []string{"openid"})
	require.NoError(t, err)

	first, err := f.service.Refresh(ctx, secret, nil)
	require.NoError(t, err)
	assert.Empty(t, first.RefreshToken)

	// The same refresh token keeps working and counts usage.
	second, err := f.service.Refresh(ctx, secret, nil)
	require.NoError(t, err)
	assert.Empty(t, second.RefreshToken)

	row, err := f.store.GetTokenByHash(ctx, HashSecret(secret))
	require.NoError(t, err)
	assert.EqualValues(t, 2, row.UsageCount)
}

func TestRefreshRotateWithGrace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, func(cfg *config.Config) {
		cfg.RefreshRotation = config.RotateWithGrace
		cfg.RefreshRotationGrace = time.Hour
	})
	identity := f.seedIdentity(t)

	secret, _, err := f.service.IssueRefreshToken(ctx, identity.ID, "sess-1", "", "", []string{"openid"})
	require.NoError(t, err)

	result, err := f.service.Refresh(ctx, secret, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.RefreshToken)

	// The old token survives inside the grace window.
	_, err = f.service.Refresh(ctx, secret, nil)
	require.NoError(t, err)

	// Its lifetime has been clamped to the grace period.
	row, err := f.store.GetTokenByHash(ctx, HashSecret(secret))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), row.ExpiresAt, 5*time.Minute)
}

func TestRefreshScopeNarrowing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	secret, _, err := f.service.IssueRefreshToken(ctx, identity.ID, "sess-1", "", "", []string{"openid", "profile", "email"})
	require.NoError(t, err)

	result, err := f.service.Refresh(ctx, secret, []string{"openid"})
	require.NoError(t, err)
	assert.Equal(t, []string{"openid"}, result.Scopes)

	// Widening is refused.
	_, err = f.service.Refresh(ctx, result.RefreshToken, []string{"openid", "admin"})
	assert.True(t, errors.IsPolicy(err))
}

func TestRefreshInactiveIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	secret, _, err := f.service.IssueRefreshToken(ctx, identity.ID, "sess-1", "", "", nil)
	require.NoError(t, err)

	identity.Status = store.IdentitySuspended
	require.NoError(t, f.store.UpdateIdentity(ctx, identity))

	_, err = f.service.Refresh(ctx, secret, nil)
	assert.True(t, errors.IsAuth(err))
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	key, row, err := f.service.IssueAPIKey(ctx, identity.ID, []string{"read"}, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Len(t, row.Prefix, apiKeyPrefixLen)
	assert.Contains(t, key, row.Prefix)

	validated, err := f.service.ValidateAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, row.ID, validated.ID)
	assert.EqualValues(t, 1, validated.UsageCount)

	// The visible prefix finds the row without the secret.
	byPrefix, err := f.store.GetTokensByPrefix(ctx, row.Prefix)
	require.NoError(t, err)
	require.Len(t, byPrefix, 1)
	assert.Equal(t, row.ID, byPrefix[0].ID)

	require.NoError(t, f.service.Revoke(ctx, row.ID, identity.ID, "rotated out"))
	_, err = f.service.ValidateAPIKey(ctx, key)
	assert.True(t, errors.IsAuth(err))

	_, err = f.service.ValidateAPIKey(ctx, "eid_notarealkey")
	assert.True(t, errors.IsAuth(err))
}

func TestResolveSecret(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newServiceFixture(t, nil)
	identity := f.seedIdentity(t)

	secret, refreshRow, err := f.service.IssueRefreshToken(ctx, identity.ID, "sess-1", "", "", nil)
	require.NoError(t, err)
	resolved, err := f.service.ResolveSecret(ctx, secret)
	require.NoError(t, err)
	assert.Equal(t, refreshRow.ID, resolved.ID)

	signed, accessRow, err := f.service.IssueAccessToken(ctx, identity, "sess-1", "", nil)
	require.NoError(t, err)
	resolved, err = f.service.ResolveSecret(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, accessRow.ID, resolved.ID)

	_, err = f.service.ResolveSecret(ctx, "neither")
	assert.True(t, errors.IsAuth(err))
}

func TestNarrowScopes(t *testing.T) {
	t.Parallel()

	got, err := narrowScopes([]string{"a", "b"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = narrowScopes([]string{"a", "b"}, []string{"b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got)

	_, err = narrowScopes([]string{"a"}, []string{"a", "b"})
	assert.True(t, errors.IsPolicy(err))
}
