// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"slices"
	"strings"

	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/store"
)

// Revoke implements RFC 7009. Revoking an unknown token, a foreign token
// or an already revoked one all succeed silently; the caller learns
// nothing about tokens it does not own.
func (e *Engine) Revoke(ctx context.Context, clientID, clientSecret, presented string) error {
	client, err := e.authenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}

	row, err := e.tokens.ResolveSecret(ctx, presented)
	if err != nil {
		if errors.IsAuth(err) {
			return nil
		}
		return err
	}
	if row.ClientID != client.ID {
		return nil
	}

	// Revoking a refresh token tears down the session it anchors; a lone
	// access token dies alone.
	if row.Type == store.TokenRefresh && row.SessionID != "" {
		_, err = e.tokens.RevokeSessionTokens(ctx, row.SessionID, client.ID, "revoked by client")
		return err
	}
	return e.tokens.Revoke(ctx, row.ID, client.ID, "revoked by client")
}

// Introspection is the RFC 7662 response. Inactive tokens carry only the
// active flag.
type Introspection struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
}

// Introspect implements RFC 7662 for authenticated clients.
func (e *Engine) Introspect(ctx context.Context, clientID, clientSecret, presented string) (*Introspection, error) {
	if _, err := e.authenticateClient(ctx, clientID, clientSecret); err != nil {
		return nil, err
	}

	row, err := e.tokens.ResolveSecret(ctx, presented)
	if err != nil {
		if errors.IsAuth(err) {
			return &Introspection{Active: false}, nil
		}
		return nil, err
	}
	now := e.now().UTC()
	if row.Revoked || now.After(row.ExpiresAt) {
		return &Introspection{Active: false}, nil
	}
	return &Introspection{
		Active:    true,
		Scope:     strings.Join(row.Scopes, " "),
		ClientID:  row.ClientID,
		Subject:   row.Subject,
		TokenType: string(row.Type),
		ExpiresAt: row.ExpiresAt.Unix(),
		IssuedAt:  row.IssuedAt.Unix(),
	}, nil
}

// Metadata is the OIDC discovery document.
type Metadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	UserinfoEndpoint              string   `json:"userinfo_endpoint"`
	RevocationEndpoint            string   `json:"revocation_endpoint"`
	IntrospectionEndpoint         string   `json:"introspection_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	IDTokenSigningAlgs            []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported               []string `json:"scopes_supported"`
	SubjectTypesSupported         []string `json:"subject_types_supported"`
}

// Discovery renders the static discovery document for this deployment.
func (e *Engine) Discovery() Metadata {
	base := strings.TrimRight(e.cfg.Issuer, "/")
	return Metadata{
		Issuer:                        e.cfg.Issuer,
		AuthorizationEndpoint:         base + "/oauth/authorize",
		TokenEndpoint:                 base + "/oauth/token",
		UserinfoEndpoint:              base + "/oauth/userinfo",
		RevocationEndpoint:            base + "/oauth/revoke",
		IntrospectionEndpoint:         base + "/oauth/introspect",
		JWKSURI:                       base + "/.well-known/jwks.json",
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
		IDTokenSigningAlgs:            []string{"RS256"},
		ScopesSupported:               []string{ScopeOpenID, "profile", "email", "offline_access"},
		SubjectTypesSupported:         []string{"public"},
	}
}

// UserInfo is the OIDC userinfo response, filtered by the token's scopes.
type UserInfo struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     bool   `json:"email_verified,omitempty"`
	VerifiedBadge     string `json:"verified_badge,omitempty"`
}

// UserInfo resolves an access token into the claims its scopes allow.
func (e *Engine) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	claims, err := e.tokens.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	scopes := claims.Scopes()
	if !slices.Contains(scopes, ScopeOpenID) {
		return nil, errors.Auth("token lacks the openid scope")
	}

	identity, err := e.identities.GetIdentity(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Auth("subject no longer exists")
		}
		return nil, errors.Transient("failed to load identity", err)
	}

	info := &UserInfo{Subject: identity.ID}
	if slices.Contains(scopes, "profile") {
		info.PreferredUsername = identity.EID
		info.VerifiedBadge = identity.VerificationBadge
	}
	if slices.Contains(scopes, "email") {
		info.Email = identity.Email
		info.EmailVerified = identity.VerificationStatus == store.VerificationVerified
	}
	return info, nil
}
