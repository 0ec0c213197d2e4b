// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
)

// capturingSender records delivered OTP codes instead of sending them.
type capturingSender struct {
	kind        store.MFAKind
	destination string
	code        string
}

func (s *capturingSender) SendOTP(_ context.Context, kind store.MFAKind, destination, code string) error {
	s.kind = kind
	s.destination = destination
	s.code = code
	return nil
}

type managerFixture struct {
	manager *Manager
	store   *store.Memory
	cache   *kv.MemoryStore
	sender  *capturingSender
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()

	mem := store.NewMemory()
	cache := kv.NewMemoryStore(kv.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = cache.Close() })

	secretCipher, err := NewAESCipher(bytes.Repeat([]byte{0x7e}, 32))
	require.NoError(t, err)

	sender := &capturingSender{}
	manager := NewManager(mem, cache, secretCipher, sender, audit.NewRecorder(mem), "Entativa ID")
	return &managerFixture{manager: manager, store: mem, cache: cache, sender: sender}
}

func TestEnrollAndVerifyTOTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newManagerFixture(t)

	enrollment, err := f.manager.Enroll(ctx, "id-1", store.MFATOTP, "")
	require.NoError(t, err)
	assert.NotEmpty(t, enrollment.TOTPSecret)
	assert.Contains(t, enrollment.ProvisioningURI, "otpauth://totp/")
	assert.False(t, enrollment.Method.Verified)

	// The stored secret is encrypted, never the raw base32.
	stored, err := f.store.GetMFAMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	assert.NotEqual(t, enrollment.TOTPSecret, stored.Secret)

	challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MFATOTP, challenge.Kind)

	code, err := totpCode(enrollment.TOTPSecret, uint64(time.Now().Unix())/30)
	require.NoError(t, err)
	result, err := f.manager.Verify(ctx, challenge.Token, code)
	require.NoError(t, err)
	assert.True(t, result.Method.Verified)
	assert.EqualValues(t, 1, result.Method.UsageCount)

	// The challenge is single-use.
	_, err = f.manager.Verify(ctx, challenge.Token, code)
	assert.True(t, errors.IsAuth(err))
}

func TestEnrollAndVerifyEmailOTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newManagerFixture(t)

	enrollment, err := f.manager.Enroll(ctx, "id-1", store.MFAEmail, "alice@example.com")
	require.NoError(t, err)

	challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	assert.Equal(t, store.MFAEmail, f.sender.kind)
	assert.Equal(t, "alice@example.com", f.sender.destination)
	require.Len(t, f.sender.code, otpDigits)

	result, err := f.manager.Verify(ctx, challenge.Token, f.sender.code)
	require.NoError(t, err)
	assert.True(t, result.Method.Verified)

	// A consumed code cannot be replayed through a fresh challenge.
	code := f.sender.code
	challenge, err = f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	if f.sender.code != code {
		_, err = f.manager.Verify(ctx, challenge.Token, code)
		assert.True(t, errors.IsAuth(err))
	}
}

func TestRandomDigits(t *testing.T) {
	t.Parallel()

	for i := 0; i < 20; i++ {
		code, err := randomDigits(otpDigits)
		require.NoError(t, err)
		require.Len(t, code, otpDigits)
		for _, r := range code {
			assert.True(t, r >= '0' && r <= '9', "code %q contains %q", code, r)
		}
	}
}

func TestEnrollRequiresDestination(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	_, err := f.manager.Enroll(context.Background(), "id-1", store.MFASMS, "")
	assert.True(t, errors.IsInput(err))
}

func TestBackupCodesLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newManagerFixture(t)

	enrollment, err := f.manager.Enroll(ctx, "id-1", store.MFABackupCodes, "")
	require.NoError(t, err)
	require.Len(t, enrollment.BackupCodes, backupCodeCount)
	// Receipt of the codes proves possession.
	assert.True(t, enrollment.Method.Verified)

	// Stored codes are hashed.
	stored, err := f.store.GetMFAMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	for _, code := range stored.BackupCodes {
		assert.NotContains(t, enrollment.BackupCodes, code.Hash)
	}

	// Every code works exactly once; the last one reports exhaustion.
	for i, code := range enrollment.BackupCodes {
		challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
		require.NoError(t, err)
		result, err := f.manager.Verify(ctx, challenge.Token, code)
		require.NoError(t, err)
		assert.Equal(t, i == backupCodeCount-1, result.BackupCodesExhausted)
	}

	challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	_, err = f.manager.Verify(ctx, challenge.Token, enrollment.BackupCodes[0])
	assert.True(t, errors.IsAuth(err))

	// Regeneration replaces the exhausted set.
	fresh, err := f.manager.RegenerateBackupCodes(ctx, "id-1")
	require.NoError(t, err)
	require.Len(t, fresh, backupCodeCount)
	assert.NotEqual(t, enrollment.BackupCodes, fresh)

	challenge, err = f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	_, err = f.manager.Verify(ctx, challenge.Token, fresh[0])
	require.NoError(t, err)
}

func TestConsecutiveFailuresDeactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newManagerFixture(t)

	enrollment, err := f.manager.Enroll(ctx, "id-1", store.MFATOTP, "")
	require.NoError(t, err)

	challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)

	for i := 0; i < maxConsecutiveFailures; i++ {
		_, err = f.manager.Verify(ctx, challenge.Token, "badcode")
		assert.True(t, errors.IsAuth(err))
	}

	stored, err := f.store.GetMFAMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, maxConsecutiveFailures, stored.ConsecutiveFailures)

	// A deactivated factor takes no further challenges or verifications.
	_, err = f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	assert.True(t, errors.IsPolicy(err))
	_, err = f.manager.Verify(ctx, challenge.Token, "badcode")
	assert.True(t, errors.IsPolicy(err))

	events, err := f.store.ListAuditEvents(ctx, "id-1", 100)
	require.NoError(t, err)
	var sawDeactivation bool
	for _, event := range events {
		if event.Action == string(audit.ActionMFADeactivate) {
			sawDeactivation = true
		}
	}
	assert.True(t, sawDeactivation)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newManagerFixture(t)

	enrollment, err := f.manager.Enroll(ctx, "id-1", store.MFATOTP, "")
	require.NoError(t, err)

	challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	for i := 0; i < maxConsecutiveFailures-1; i++ {
		_, err = f.manager.Verify(ctx, challenge.Token, "badcode")
		assert.True(t, errors.IsAuth(err))
	}

	code, err := totpCode(enrollment.TOTPSecret, uint64(time.Now().Unix())/30)
	require.NoError(t, err)
	result, err := f.manager.Verify(ctx, challenge.Token, code)
	require.NoError(t, err)
	assert.Zero(t, result.Method.ConsecutiveFailures)
	assert.True(t, result.Method.Active)
}

func TestSetPrimaryAndChallengeIdentity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newManagerFixture(t)

	// No factor yet.
	_, err := f.manager.ChallengeIdentity(ctx, "id-1")
	assert.True(t, errors.IsPolicy(err))

	enrollment, err := f.manager.Enroll(ctx, "id-1", store.MFATOTP, "")
	require.NoError(t, err)

	// Unverified factors cannot be primary.
	err = f.manager.SetPrimary(ctx, "id-1", enrollment.Method.ID)
	assert.True(t, errors.IsPolicy(err))

	challenge, err := f.manager.ChallengeMethod(ctx, enrollment.Method.ID)
	require.NoError(t, err)
	code, err := totpCode(enrollment.TOTPSecret, uint64(time.Now().Unix())/30)
	require.NoError(t, err)
	_, err = f.manager.Verify(ctx, challenge.Token, code)
	require.NoError(t, err)

	require.NoError(t, f.manager.SetPrimary(ctx, "id-1", enrollment.Method.ID))

	// Ownership is enforced.
	err = f.manager.SetPrimary(ctx, "id-2", enrollment.Method.ID)
	assert.True(t, errors.IsAuth(err))

	challenge, err = f.manager.ChallengeIdentity(ctx, "id-1")
	require.NoError(t, err)
	assert.Equal(t, store.MFATOTP, challenge.Kind)
}

func TestWebAuthnEnrollmentUnsupported(t *testing.T) {
	t.Parallel()
	f := newManagerFixture(t)

	_, err := f.manager.Enroll(context.Background(), "id-1", store.MFAWebAuthn, "")
	assert.True(t, errors.IsPolicy(err))
}
