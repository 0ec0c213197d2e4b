// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
)

// AuthCode is the grant state bound to one authorization code. It lives
// only in the cache, keyed by the code's hash, for the code TTL.
type AuthCode struct {
	ID                  string    `json:"id"`
	ClientID            string    `json:"client_id"`
	Subject             string    `json:"subject"`
	SessionID           string    `json:"session_id,omitempty"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	Nonce               string    `json:"nonce,omitempty"`
	IssuedAt            time.Time `json:"issued_at"`
}

// ErrCodeReplayed reports that an already consumed code was presented
// again. The caller must revoke everything minted from the first use.
var ErrCodeReplayed = errors.Auth("authorization code already redeemed")

// CreateAuthCode stores the grant and returns the plaintext code. Only the
// code's hash is kept.
func (s *Service) CreateAuthCode(ctx context.Context, grant *AuthCode) (string, error) {
	code, err := newAuthCode()
	if err != nil {
		return "", errors.Fatal("failed to generate authorization code", err)
	}
	grant.ID = uuid.NewString()
	grant.IssuedAt = s.now().UTC()

	payload, err := json.Marshal(grant)
	if err != nil {
		return "", errors.Fatal("failed to encode grant", err)
	}
	key := kv.Key(kv.KeyAuthCode, HashSecret(code))
	if err := s.cache.Set(ctx, key, string(payload), s.cfg.AuthCodeTTL); err != nil {
		return "", errors.Transient("failed to store authorization code", err)
	}
	return code, nil
}

// ConsumeAuthCode redeems a code exactly once. A second redemption returns
// ErrCodeReplayed together with the original grant so the caller can revoke
// the tokens minted from the first use.
func (s *Service) ConsumeAuthCode(ctx context.Context, code string) (*AuthCode, error) {
	hash := HashSecret(code)
	payload, err := s.cache.GetDel(ctx, kv.Key(kv.KeyAuthCode, hash))
	if err == nil {
		grant := &AuthCode{}
		if err := json.Unmarshal([]byte(payload), grant); err != nil {
			return nil, errors.Fatal("failed to decode grant", err)
		}
		// Remember the redemption for as long as tokens minted from this
		// code can live, so replays are detectable after the code's own
		// TTL has passed.
		marker := kv.Key(kv.KeyAuthCodeUsed, hash)
		if err := s.cache.Set(ctx, marker, grant.ID, s.cfg.RefreshTokenTTL); err != nil {
			return nil, errors.Transient("failed to mark code as used", err)
		}
		return grant, nil
	}
	if !errors.Is(err, kv.ErrNotFound) {
		return nil, errors.Transient("failed to load authorization code", err)
	}

	// The code is gone. Distinguish replay from expiry or garbage.
	grantID, err := s.cache.Get(ctx, kv.Key(kv.KeyAuthCodeUsed, hash))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, errors.Auth("authorization code is invalid or expired")
		}
		return nil, errors.Transient("failed to check code state", err)
	}
	return &AuthCode{ID: grantID}, ErrCodeReplayed
}
