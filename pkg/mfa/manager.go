// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mfa manages second-factor enrollment, challenges and
// verification: TOTP, SMS and email one-time codes, and hashed backup
// codes. Factor secrets are encrypted at rest; enrollment requires one
// successful verification before a factor counts as verified.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
)

const (
	// otpTTL bounds SMS and email codes.
	otpTTL = 5 * time.Minute
	// challengeTTL bounds how long a challenge token stays redeemable.
	challengeTTL = 5 * time.Minute
	otpDigits    = 6

	backupCodeCount = 10
	backupCodeLen   = 10

	// maxConsecutiveFailures deactivates a factor when reached.
	maxConsecutiveFailures = 5
)

// backupCodeAlphabet excludes ambiguous characters.
const backupCodeAlphabet = "abcdefghjkmnpqrstuvwxyz23456789"

// OTPSender delivers SMS and email codes. Implementations are external;
// the notification dispatcher satisfies this.
type OTPSender interface {
	SendOTP(ctx context.Context, kind store.MFAKind, destination, code string) error
}

// Manager owns the second-factor lifecycle for all identities.
type Manager struct {
	methods  store.MFAStore
	cache    kv.Store
	cipher   SecretCipher
	sender   OTPSender
	recorder *audit.Recorder
	issuer   string
	now      func() time.Time
}

// NewManager wires a Manager. sender may be nil when no SMS/email factors
// are used.
func NewManager(methods store.MFAStore, cache kv.Store, secretCipher SecretCipher, sender OTPSender, recorder *audit.Recorder, issuer string) *Manager {
	return &Manager{
		methods:  methods,
		cache:    cache,
		cipher:   secretCipher,
		sender:   sender,
		recorder: recorder,
		issuer:   issuer,
		now:      time.Now,
	}
}

// Enrollment is the result of enrolling a factor. Secrets and backup codes
// appear here exactly once and are never retrievable again.
type Enrollment struct {
	Method *store.MFAMethod
	// TOTPSecret and ProvisioningURI are set for TOTP factors.
	TOTPSecret      string
	ProvisioningURI string
	// BackupCodes holds the plaintext codes for backup-code factors.
	BackupCodes []string
}

// Enroll registers a new factor. TOTP, SMS and email factors start
// unverified until one challenge is answered; backup codes are usable
// immediately since possession is proven by receipt.
func (m *Manager) Enroll(ctx context.Context, identityID string, kind store.MFAKind, destination string) (*Enrollment, error) {
	now := m.now().UTC()
	method := &store.MFAMethod{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		Kind:       kind,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	enrollment := &Enrollment{Method: method}

	switch kind {
	case store.MFATOTP:
		secret, err := GenerateTOTPSecret()
		if err != nil {
			return nil, errors.Fatal("failed to generate TOTP secret", err)
		}
		encrypted, err := m.cipher.Encrypt(secret)
		if err != nil {
			return nil, errors.Fatal("failed to encrypt TOTP secret", err)
		}
		method.Secret = encrypted
		enrollment.TOTPSecret = secret
		enrollment.ProvisioningURI = TOTPProvisioningURI(m.issuer, identityID, secret)

	case store.MFASMS, store.MFAEmail:
		if destination == "" {
			return nil, errors.Input("destination is required").WithField("destination")
		}
		encrypted, err := m.cipher.Encrypt(destination)
		if err != nil {
			return nil, errors.Fatal("failed to encrypt destination", err)
		}
		method.Secret = encrypted

	case store.MFABackupCodes:
		codes, hashed, err := generateBackupCodes()
		if err != nil {
			return nil, errors.Fatal("failed to generate backup codes", err)
		}
		method.BackupCodes = hashed
		method.Verified = true
		enrollment.BackupCodes = codes

	case store.MFAWebAuthn:
		return nil, errors.Policy("webauthn enrollment requires an external registration ceremony")

	default:
		return nil, errors.Inputf("unknown factor kind %q", kind).WithField("kind")
	}

	if err := m.methods.CreateMFAMethod(ctx, method); err != nil {
		return nil, errors.Transient("failed to store factor", err)
	}

	m.recorder.Record(ctx, audit.NewEvent(audit.ActionMFAEnroll, audit.OutcomeSuccess).
		WithIdentity(identityID).
		WithDetail(audit.DetailMethod, string(kind)))
	return enrollment, nil
}

// Challenge is an outstanding verification attempt.
type Challenge struct {
	Token string
	Kind  store.MFAKind
}

// ChallengeIdentity starts a challenge against the identity's primary
// active factor.
func (m *Manager) ChallengeIdentity(ctx context.Context, identityID string) (*Challenge, error) {
	methods, err := m.methods.ListMFAMethods(ctx, identityID)
	if err != nil {
		return nil, errors.Transient("failed to list factors", err)
	}
	for _, method := range methods {
		if method.Primary && method.Verified && method.Active {
			return m.challenge(ctx, method)
		}
	}
	return nil, errors.Policy("no active primary factor").
		WithHint("enroll and verify a factor before challenging")
}

// ChallengeMethod starts a challenge against a specific factor. Used
// during enrollment to prove possession of an unverified factor.
func (m *Manager) ChallengeMethod(ctx context.Context, methodID string) (*Challenge, error) {
	method, err := m.loadMethod(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if !method.Active {
		return nil, errors.Policy("factor is deactivated")
	}
	return m.challenge(ctx, method)
}

func (m *Manager) challenge(ctx context.Context, method *store.MFAMethod) (*Challenge, error) {
	token := uuid.NewString()
	if err := m.cache.Set(ctx, challengeKey(token), method.ID, challengeTTL); err != nil {
		return nil, errors.Transient("failed to store challenge", err)
	}

	if method.Kind == store.MFASMS || method.Kind == store.MFAEmail {
		code, err := randomDigits(otpDigits)
		if err != nil {
			return nil, errors.Fatal("failed to generate code", err)
		}
		if err := m.cache.Set(ctx, kv.Key(kv.KeyOTP, method.ID), code, otpTTL); err != nil {
			return nil, errors.Transient("failed to store code", err)
		}
		if m.sender != nil {
			destination, err := m.cipher.Decrypt(method.Secret)
			if err != nil {
				return nil, errors.Fatal("failed to decrypt destination", err)
			}
			if err := m.sender.SendOTP(ctx, method.Kind, destination, code); err != nil {
				return nil, errors.Transient("failed to deliver code", err)
			}
		}
	}

	return &Challenge{Token: token, Kind: method.Kind}, nil
}

// VerifyResult reports a successful verification.
type VerifyResult struct {
	Method *store.MFAMethod
	// BackupCodesExhausted signals that the last backup code was just
	// consumed and the user should regenerate.
	BackupCodesExhausted bool
}

// Verify redeems a challenge with a submitted code. Five consecutive
// failures deactivate the factor and emit a security audit event.
func (m *Manager) Verify(ctx context.Context, challengeToken, submitted string) (*VerifyResult, error) {
	methodID, err := m.cache.Get(ctx, challengeKey(challengeToken))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errors.Auth("challenge expired or unknown")
		}
		return nil, errors.Transient("failed to load challenge", err)
	}
	method, err := m.loadMethod(ctx, methodID)
	if err != nil {
		return nil, err
	}
	if !method.Active {
		return nil, errors.Policy("factor is deactivated")
	}

	ok, exhausted, verifyErr := m.verifyCode(ctx, method, submitted)
	if verifyErr != nil {
		return nil, verifyErr
	}

	now := m.now().UTC()
	if !ok {
		method.ConsecutiveFailures++
		method.UpdatedAt = now
		deactivated := method.ConsecutiveFailures >= maxConsecutiveFailures
		if deactivated {
			method.Active = false
		}
		if err := m.methods.UpdateMFAMethod(ctx, method); err != nil {
			return nil, errors.Transient("failed to update factor", err)
		}
		if deactivated {
			m.recorder.Record(ctx, audit.NewEvent(audit.ActionMFADeactivate, audit.OutcomeDenied).
				WithIdentity(method.IdentityID).
				WithDetail(audit.DetailMethod, string(method.Kind)).
				WithDetail(audit.DetailReason, "too many consecutive failures"))
		} else {
			m.recorder.Record(ctx, audit.NewEvent(audit.ActionMFAVerify, audit.OutcomeFailure).
				WithIdentity(method.IdentityID).
				WithDetail(audit.DetailMethod, string(method.Kind)))
		}
		return nil, errors.Auth("invalid code")
	}

	method.ConsecutiveFailures = 0
	method.UsageCount++
	method.LastUsedAt = &now
	method.UpdatedAt = now
	// First successful verification proves possession.
	method.Verified = true
	if err := m.methods.UpdateMFAMethod(ctx, method); err != nil {
		return nil, errors.Transient("failed to update factor", err)
	}

	_ = m.cache.Delete(ctx, challengeKey(challengeToken))

	m.recorder.Record(ctx, audit.NewEvent(audit.ActionMFAVerify, audit.OutcomeSuccess).
		WithIdentity(method.IdentityID).
		WithDetail(audit.DetailMethod, string(method.Kind)))
	return &VerifyResult{Method: method, BackupCodesExhausted: exhausted}, nil
}

func (m *Manager) verifyCode(ctx context.Context, method *store.MFAMethod, submitted string) (ok, exhausted bool, err error) {
	switch method.Kind {
	case store.MFATOTP:
		secret, err := m.cipher.Decrypt(method.Secret)
		if err != nil {
			return false, false, errors.Fatal("failed to decrypt TOTP secret", err)
		}
		ok, err := VerifyTOTP(secret, submitted, m.now())
		if err != nil {
			return false, false, errors.Fatal("failed to verify TOTP code", err)
		}
		return ok, false, nil

	case store.MFASMS, store.MFAEmail:
		// GetDel makes the code single-use even on concurrent submits.
		expected, err := m.cache.GetDel(ctx, kv.Key(kv.KeyOTP, method.ID))
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return false, false, nil
			}
			return false, false, errors.Transient("failed to load code", err)
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1, false, nil

	case store.MFABackupCodes:
		submittedHash := hashBackupCode(submitted)
		remaining := 0
		matched := -1
		for i, code := range method.BackupCodes {
			if code.UsedAt != nil {
				continue
			}
			if subtle.ConstantTimeCompare([]byte(code.Hash), []byte(submittedHash)) == 1 {
				matched = i
			} else {
				remaining++
			}
		}
		if matched < 0 {
			return false, false, nil
		}
		now := m.now().UTC()
		method.BackupCodes[matched].UsedAt = &now
		return true, remaining == 0, nil

	default:
		return false, false, errors.Policy("factor kind cannot be verified with a code")
	}
}

// RegenerateBackupCodes replaces every code on the identity's backup-code
// factor and returns the fresh plaintext codes.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, identityID string) ([]string, error) {
	methods, err := m.methods.ListMFAMethods(ctx, identityID)
	if err != nil {
		return nil, errors.Transient("failed to list factors", err)
	}
	for _, method := range methods {
		if method.Kind != store.MFABackupCodes {
			continue
		}
		codes, hashed, err := generateBackupCodes()
		if err != nil {
			return nil, errors.Fatal("failed to generate backup codes", err)
		}
		method.BackupCodes = hashed
		method.Active = true
		method.ConsecutiveFailures = 0
		method.UpdatedAt = m.now().UTC()
		if err := m.methods.UpdateMFAMethod(ctx, method); err != nil {
			return nil, errors.Transient("failed to update factor", err)
		}
		return codes, nil
	}
	return nil, errors.NotFound("no backup-code factor enrolled")
}

// SetPrimary promotes a verified, active factor to primary.
func (m *Manager) SetPrimary(ctx context.Context, identityID, methodID string) error {
	method, err := m.loadMethod(ctx, methodID)
	if err != nil {
		return err
	}
	if method.IdentityID != identityID {
		return errors.Auth("factor does not belong to this identity")
	}
	if !method.Verified || !method.Active {
		return errors.Policy("only verified active factors can be primary")
	}
	if err := m.methods.SetPrimaryMFAMethod(ctx, identityID, methodID); err != nil {
		return errors.Transient("failed to set primary factor", err)
	}
	return nil
}

func (m *Manager) loadMethod(ctx context.Context, id string) (*store.MFAMethod, error) {
	method, err := m.methods.GetMFAMethod(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("factor not found")
		}
		return nil, errors.Transient("failed to load factor", err)
	}
	return method, nil
}

func challengeKey(token string) string {
	return kv.Key(kv.KeyOTP, "challenge:"+token)
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// randomDigits returns n decimal digits for SMS and email codes.
func randomDigits(n int) (string, error) {
	code := make([]byte, n)
	for i := range code {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to read random source: %w", err)
		}
		code[i] = byte('0' + d.Int64())
	}
	return string(code), nil
}

func generateBackupCodes() (codes []string, hashed []store.BackupCode, err error) {
	for i := 0; i < backupCodeCount; i++ {
		var code []byte
		for j := 0; j < backupCodeLen; j++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(backupCodeAlphabet))))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to read random source: %w", err)
			}
			code = append(code, backupCodeAlphabet[n.Int64()])
		}
		codes = append(codes, string(code))
		hashed = append(hashed, store.BackupCode{Hash: hashBackupCode(string(code))})
	}
	return codes, hashed, nil
}
