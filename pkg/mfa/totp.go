// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package mfa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // RFC 6238 mandates HMAC-SHA1
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"time"
)

// TOTP parameters per RFC 6238.
const (
	totpSecretBytes = 20 // 160 bits
	totpDigits      = 6
	totpStep        = 30 * time.Second
	// totpSkewSteps tolerates one step of clock drift in each direction.
	totpSkewSteps = 1
)

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateTOTPSecret returns a fresh 160-bit base32 secret.
func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return base32NoPad.EncodeToString(raw), nil
}

// TOTPProvisioningURI renders the otpauth:// URI authenticator apps import.
func TOTPProvisioningURI(issuer, account, secret string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&digits=%d&period=%d",
		url.PathEscape(issuer), url.PathEscape(account), secret,
		url.QueryEscape(issuer), totpDigits, int(totpStep.Seconds()))
}

// totpCode computes the six-digit code for one time step.
func totpCode(secret string, step uint64) (string, error) {
	key, err := base32NoPad.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("malformed TOTP secret: %w", err)
	}

	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], step)

	mac := hmac.New(sha1.New, key)
	mac.Write(counter[:])
	sum := mac.Sum(nil)

	// Dynamic truncation per RFC 4226 §5.3.
	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1_000_000), nil
}

// CurrentTOTPCode computes the code for the step containing the given
// instant. Authenticator-app behavior for enrollment and login flows.
func CurrentTOTPCode(secret string, at time.Time) (string, error) {
	return totpCode(secret, uint64(at.Unix())/uint64(totpStep.Seconds()))
}

// VerifyTOTP checks a submitted code against the secret, tolerating one
// step of drift in each direction.
func VerifyTOTP(secret, submitted string, at time.Time) (bool, error) {
	step := uint64(at.Unix()) / uint64(totpStep.Seconds())
	for delta := -totpSkewSteps; delta <= totpSkewSteps; delta++ {
		candidate := step + uint64(delta) //nolint:gosec // bounded drift
		expected, err := totpCode(secret, candidate)
		if err != nil {
			return false, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(submitted)) == 1 {
			return true, nil
		}
	}
	return false, nil
}
