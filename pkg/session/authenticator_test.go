// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/config"
	"github.com/entativa/id/pkg/credential"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/handle"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/mfa"
	"github.com/entativa/id/pkg/store"
	"github.com/entativa/id/pkg/token"
)

const goodPassword = "xK9#mPq2$vWz"

type capturingNotifier struct {
	email string
	token string
}

func (n *capturingNotifier) SendPasswordReset(_ context.Context, email, resetToken string) error {
	n.email = email
	n.token = resetToken
	return nil
}

type authFixture struct {
	auth     *Authenticator
	tokens   *token.Service
	factors  *mfa.Manager
	store    *store.Memory
	cache    *kv.MemoryStore
	notifier *capturingNotifier
	cfg      *config.Config
}

func newAuthFixture(t *testing.T, mutate func(*config.Config)) *authFixture {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	mem := store.NewMemory()
	cache := kv.NewMemoryStore(kv.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = cache.Close() })

	recorder := audit.NewRecorder(mem)
	ring, err := token.NewKeyring()
	require.NoError(t, err)
	tokens := token.NewService(cfg, ring, mem, mem, cache, recorder)

	secretCipher, err := mfa.NewAESCipher(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)
	factors := mfa.NewManager(mem, cache, secretCipher, nil, recorder, cfg.Issuer)

	governor := handle.NewGovernor(cfg, mem, mem, mem, mem, cache, recorder)
	scorer := credential.NewScorer(cfg.MinPasswordEntropyBits, cfg.MinPassphraseEntropyBits)
	notifier := &capturingNotifier{}

	auth := NewAuthenticator(cfg, mem, tokens, factors, governor, scorer, credential.LocalBlocklist{}, cache, notifier, recorder)
	return &authFixture{
		auth: auth, tokens: tokens, factors: factors,
		store: mem, cache: cache, notifier: notifier, cfg: cfg,
	}
}

func (f *authFixture) register(t *testing.T, eid, email, ip string) *store.Identity {
	t.Helper()
	identity, err := f.auth.Register(context.Background(), RegisterRequest{
		EID: eid, Email: email, Password: goodPassword,
		IP: ip, UserAgent: "test-agent",
	})
	require.NoError(t, err)
	return identity
}

func TestRegister(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)

	identity := f.register(t, "Alice_01", "alice@example.com", "10.0.0.1")
	assert.Equal(t, "alice_01", identity.EID)
	assert.Equal(t, store.IdentityActive, identity.Status)
	assert.NotEqual(t, goodPassword, identity.PasswordHash)

	// Duplicate email.
	_, err := f.auth.Register(ctx, RegisterRequest{
		EID: "someone_else", Email: "alice@example.com", Password: goodPassword, IP: "10.0.0.2",
	})
	assert.True(t, errors.IsConflict(err))

	// Duplicate handle.
	_, err = f.auth.Register(ctx, RegisterRequest{
		EID: "alice_01", Email: "other@example.com", Password: goodPassword, IP: "10.0.0.3",
	})
	assert.True(t, errors.IsConflict(err))
}

func TestRegisterRejectsBadInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)

	cases := []struct {
		name  string
		req   RegisterRequest
		check func(error) bool
	}{
		{
			name:  "invalid email",
			req:   RegisterRequest{EID: "bob_1", Email: "not-an-email", Password: goodPassword},
			check: errors.IsInput,
		},
		{
			name:  "weak password",
			req:   RegisterRequest{EID: "bob_2", Email: "bob2@example.com", Password: "short"},
			check: errors.IsInput,
		},
		{
			name:  "breached password",
			req:   RegisterRequest{EID: "bob_3", Email: "bob3@example.com", Password: "Zebra7$Kite!9"},
			check: errors.IsInput,
		},
		{
			name:  "invalid handle",
			req:   RegisterRequest{EID: "x", Email: "bob4@example.com", Password: goodPassword},
			check: errors.IsInput,
		},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.IP = fmt.Sprintf("10.1.0.%d", i)
			_, err := f.auth.Register(ctx, tc.req)
			assert.True(t, tc.check(err), "got %v", err)
		})
	}
}

func TestRegisterDeniesProtectedHandle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	require.NoError(t, f.store.CreateProtectedEntity(ctx, &store.ProtectedEntity{
		ID: "pe-1", Handle: "elonmusk", Category: store.CategoryBusiness,
		RequiresVerification: true, CreatedAt: time.Now().UTC(),
	}))

	_, err := f.auth.Register(ctx, RegisterRequest{
		EID: "elonmusk", Email: "fake@example.com", Password: goodPassword, IP: "10.0.0.1",
	})
	assert.True(t, errors.IsPolicy(err))
}

func TestRegisterRateLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)

	for i := 0; i < registerLimit; i++ {
		f.register(t, fmt.Sprintf("user_%d", i), fmt.Sprintf("user%d@example.com", i), "10.9.9.9")
	}
	_, err := f.auth.Register(ctx, RegisterRequest{
		EID: "user_over", Email: "over@example.com", Password: goodPassword, IP: "10.9.9.9",
	})
	assert.True(t, errors.IsPolicy(err))

	// Another source address is unaffected.
	f.register(t, "user_other", "other-src@example.com", "10.9.9.10")
}

func TestLoginIssuesSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	result, err := f.auth.Login(ctx, LoginRequest{
		Email: "alice@example.com", Password: goodPassword, IP: "10.0.0.2", UserAgent: "test-agent",
	})
	require.NoError(t, err)
	assert.False(t, result.MFARequired)
	require.NotNil(t, result.Session)
	assert.NotEmpty(t, result.AccessToken)
	assert.NotEmpty(t, result.RefreshToken)
	assert.NotNil(t, result.Identity.LastLoginAt)

	claims, err := f.tokens.ValidateAccessToken(ctx, result.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, result.Session.ID, claims.SessionID)

	sessions, err := f.auth.ListSessions(ctx, result.Identity.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, result.Session.ID, sessions[0].ID)
}

func TestLoginProjectsSessionIntoCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	identity := f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	result, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.1.0.1"})
	require.NoError(t, err)

	_, err = f.cache.Get(ctx, kv.Key(kv.KeySession, result.Session.ID))
	require.NoError(t, err)
	members, err := f.cache.SetMembers(ctx, kv.Key(kv.KeySessionIndex, identity.ID))
	require.NoError(t, err)
	assert.Contains(t, members, result.Session.ID)

	// Logout removes both projections.
	require.NoError(t, f.auth.Logout(ctx, identity.ID, result.Session.ID))
	_, err = f.cache.Get(ctx, kv.Key(kv.KeySession, result.Session.ID))
	assert.ErrorIs(t, err, kv.ErrNotFound)
	members, err = f.cache.SetMembers(ctx, kv.Key(kv.KeySessionIndex, identity.ID))
	require.NoError(t, err)
	assert.NotContains(t, members, result.Session.ID)
}

func TestLoginGenericFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	// Unknown email and wrong password are indistinguishable.
	_, err := f.auth.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: goodPassword, IP: "10.2.0.1"})
	require.Error(t, err)
	unknownMsg := err.Error()

	_, err = f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong-password", IP: "10.2.0.2"})
	require.Error(t, err)
	assert.Equal(t, unknownMsg, err.Error())
	assert.True(t, errors.IsAuth(err))
}

func TestLoginLockout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	identity := f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	// Five failures from distinct addresses lock the identity.
	for i := 0; i < f.cfg.FailedLoginThreshold; i++ {
		_, err := f.auth.Login(ctx, LoginRequest{
			Email: "alice@example.com", Password: "wrong-password",
			IP: fmt.Sprintf("10.3.0.%d", i),
		})
		assert.True(t, errors.IsAuth(err))
	}

	got, err := f.store.GetIdentity(ctx, identity.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockedUntil)
	assert.WithinDuration(t, time.Now().Add(f.cfg.LockoutDuration), *got.LockedUntil, time.Minute)

	// The correct password is refused while locked, with an error the
	// caller can tell apart from a credential failure.
	_, err = f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.3.0.100"})
	require.ErrorIs(t, err, ErrLocked)
	assert.True(t, errors.IsPolicy(err))

	// Once the lock expires the correct password works and clears state.
	f.auth.now = func() time.Time { return time.Now().Add(f.cfg.LockoutDuration + time.Minute) }
	result, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.3.0.101"})
	require.NoError(t, err)
	assert.Nil(t, result.Identity.LockedUntil)
	assert.Zero(t, result.Identity.FailedLoginAttempts)

	events, err := f.store.ListAuditEvents(ctx, identity.ID, 100)
	require.NoError(t, err)
	var sawLockout bool
	for _, event := range events {
		if event.Action == string(audit.ActionLockout) {
			sawLockout = true
		}
	}
	assert.True(t, sawLockout)
}

func TestLoginRateLimitPerSource(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	for i := 0; i < loginLimit; i++ {
		_, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "wrong", IP: "10.4.0.1"})
		assert.True(t, errors.IsAuth(err))
	}
	_, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.4.0.1"})
	assert.True(t, errors.IsPolicy(err))
}

func TestSessionCapEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, func(cfg *config.Config) { cfg.MaxSessionsPerIdentity = 2 })
	identity := f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	var results []*LoginResult
	for i := 0; i < 3; i++ {
		result, err := f.auth.Login(ctx, LoginRequest{
			Email: "alice@example.com", Password: goodPassword, IP: fmt.Sprintf("10.5.%d.1", i),
		})
		require.NoError(t, err)
		results = append(results, result)
	}

	sessions, err := f.auth.ListSessions(ctx, identity.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, results[1].Session.ID, sessions[0].ID)
	assert.Equal(t, results[2].Session.ID, sessions[1].ID)

	// The evicted session's tokens are dead.
	_, err = f.tokens.ValidateAccessToken(ctx, results[0].AccessToken)
	assert.True(t, errors.IsAuth(err))
	_, err = f.tokens.ValidateAccessToken(ctx, results[1].AccessToken)
	require.NoError(t, err)
}

func TestLogoutRevokesTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	result, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.0.0.2"})
	require.NoError(t, err)

	// Only the owner can close the session.
	err = f.auth.Logout(ctx, "someone-else", result.Session.ID)
	assert.True(t, errors.IsAuth(err))

	require.NoError(t, f.auth.Logout(ctx, result.Identity.ID, result.Session.ID))
	_, err = f.tokens.ValidateAccessToken(ctx, result.AccessToken)
	assert.True(t, errors.IsAuth(err))
	_, err = f.tokens.Refresh(ctx, result.RefreshToken, nil)
	assert.True(t, errors.IsAuth(err))

	// Logging out twice is harmless.
	require.NoError(t, f.auth.Logout(ctx, result.Identity.ID, result.Session.ID))
}

func TestChangePasswordKeepsCurrentSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	first, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.6.0.1"})
	require.NoError(t, err)
	second, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.6.0.2"})
	require.NoError(t, err)

	err = f.auth.ChangePassword(ctx, first.Identity.ID, second.Session.ID, "wrong-old", "nV4$tRw8@bXy")
	assert.True(t, errors.IsAuth(err))

	require.NoError(t, f.auth.ChangePassword(ctx, first.Identity.ID, second.Session.ID, goodPassword, "nV4$tRw8@bXy"))

	// The other session is gone, the current one survives.
	_, err = f.tokens.ValidateAccessToken(ctx, first.AccessToken)
	assert.True(t, errors.IsAuth(err))
	_, err = f.tokens.ValidateAccessToken(ctx, second.AccessToken)
	require.NoError(t, err)

	// Old password no longer works, the new one does.
	_, err = f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.6.0.3"})
	assert.True(t, errors.IsAuth(err))
	_, err = f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "nV4$tRw8@bXy", IP: "10.6.0.4"})
	require.NoError(t, err)
}

func TestPasswordResetFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	logged, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.7.0.1"})
	require.NoError(t, err)

	// Unknown emails succeed silently and deliver nothing.
	require.NoError(t, f.auth.RequestPasswordReset(ctx, "nobody@example.com", "10.7.0.2"))
	assert.Empty(t, f.notifier.token)

	require.NoError(t, f.auth.RequestPasswordReset(ctx, "alice@example.com", "10.7.0.3"))
	require.NotEmpty(t, f.notifier.token)
	assert.Equal(t, "alice@example.com", f.notifier.email)

	require.NoError(t, f.auth.CompletePasswordReset(ctx, f.notifier.token, "nV4$tRw8@bXy"))

	// All sessions are closed and the token is single-use.
	_, err = f.tokens.ValidateAccessToken(ctx, logged.AccessToken)
	assert.True(t, errors.IsAuth(err))
	err = f.auth.CompletePasswordReset(ctx, f.notifier.token, "qT7!fGh3#kLm")
	assert.True(t, errors.IsAuth(err))

	_, err = f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "nV4$tRw8@bXy", IP: "10.7.0.4"})
	require.NoError(t, err)
}

func TestLoginWithSecondFactor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newAuthFixture(t, nil)
	identity := f.register(t, "alice_01", "alice@example.com", "10.0.0.1")

	// Enroll, verify and promote a TOTP factor.
	enrollment, err := f.factors.Enroll(ctx, identity.ID, store.MFATOTP, "")
	require.NoError(t, err)
	challenge, err := f.factors.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	code, err := mfa.CurrentTOTPCode(enrollment.TOTPSecret, time.Now())
	require.NoError(t, err)
	_, err = f.factors.Verify(ctx, challenge.Token, code)
	require.NoError(t, err)
	require.NoError(t, f.factors.SetPrimary(ctx, identity.ID, enrollment.Method.ID))

	// A couple of failed attempts first, so the completed login has
	// failure state to clear.
	for i := 0; i < 2; i++ {
		_, err = f.auth.Login(ctx, LoginRequest{
			Email: "alice@example.com", Password: "wrong-password",
			IP: fmt.Sprintf("10.8.0.%d", 10+i),
		})
		require.Error(t, err)
	}

	result, err := f.auth.Login(ctx, LoginRequest{Email: "alice@example.com", Password: goodPassword, IP: "10.8.0.1"})
	require.NoError(t, err)
	require.True(t, result.MFARequired)
	require.NotNil(t, result.MFAChallenge)
	assert.Empty(t, result.AccessToken)

	code, err = mfa.CurrentTOTPCode(enrollment.TOTPSecret, time.Now())
	require.NoError(t, err)
	completed, err := f.auth.CompleteMFALogin(ctx, result.MFAChallenge.Token, code, "10.8.0.1", "test-agent", "")
	require.NoError(t, err)
	require.NotNil(t, completed.Session)
	assert.NotEmpty(t, completed.AccessToken)

	claims, err := f.tokens.ValidateAccessToken(ctx, completed.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, identity.ID, claims.Subject)

	// The durable row reflects the successful login.
	got, err := f.store.GetIdentity(ctx, identity.ID)
	require.NoError(t, err)
	assert.Zero(t, got.FailedLoginAttempts)
	assert.Nil(t, got.LockedUntil)
	assert.NotNil(t, got.LastLoginAt)
}
