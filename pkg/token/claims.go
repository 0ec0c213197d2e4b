// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/entativa/id/pkg/store"
)

// Claims is the JWT payload of access and ID tokens.
type Claims struct {
	jwt.RegisteredClaims

	EID                string  `json:"eid,omitempty"`
	Email              string  `json:"email,omitempty"`
	Verified           bool    `json:"verified"`
	Status             string  `json:"status,omitempty"`
	VerificationStatus string  `json:"verification_status,omitempty"`
	VerificationBadge  string  `json:"verification_badge,omitempty"`
	ReputationScore    int     `json:"reputation_score,omitempty"`
	SessionID          string  `json:"session_id,omitempty"`
	ClientID           string  `json:"client_id,omitempty"`
	Scope              string  `json:"scope,omitempty"`
	TokenType          string  `json:"token_type"`
	Nonce              string  `json:"nonce,omitempty"`
}

// Scopes splits the space-delimited scope claim.
func (c *Claims) Scopes() []string {
	if c.Scope == "" {
		return nil
	}
	return strings.Split(c.Scope, " ")
}

// newClaims builds the common claim set for one identity.
func newClaims(issuer, audience string, identity *store.Identity, ttl time.Duration, now time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   identity.ID,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		EID:                identity.EID,
		Email:              identity.Email,
		Verified:           identity.VerificationStatus == store.VerificationVerified,
		Status:             string(identity.Status),
		VerificationStatus: string(identity.VerificationStatus),
		VerificationBadge:  identity.VerificationBadge,
		ReputationScore:    identity.ReputationScore,
	}
}
