// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/config"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
)

// ErrRefreshReused reports that a rotated-out refresh token was presented.
// The refresh tokens rotated in after it have been revoked by the time this
// returns; access tokens from earlier legitimate refreshes stay valid.
var ErrRefreshReused = errors.Auth("refresh token already rotated")

// Service mints and validates every credential kind.
type Service struct {
	cfg        *config.Config
	keyring    *Keyring
	tokens     store.TokenStore
	identities store.IdentityStore
	cache      kv.Store
	recorder   *audit.Recorder
	now        func() time.Time
}

// NewService wires a token Service.
func NewService(cfg *config.Config, keyring *Keyring, tokens store.TokenStore, identities store.IdentityStore, cache kv.Store, recorder *audit.Recorder) *Service {
	return &Service{
		cfg:        cfg,
		keyring:    keyring,
		tokens:     tokens,
		identities: identities,
		cache:      cache,
		recorder:   recorder,
		now:        time.Now,
	}
}

// JWKS exposes the verification keys for the discovery endpoint.
func (s *Service) JWKS() jose.JSONWebKeySet {
	return s.keyring.JWKS()
}

func (s *Service) sign(claims Claims) (string, error) {
	kid, key := s.keyring.Signer()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		return "", errors.Fatal("failed to sign token", err)
	}
	return signed, nil
}

// IssueAccessToken mints an RS256 access token and records its durable row.
func (s *Service) IssueAccessToken(ctx context.Context, identity *store.Identity, sessionID, clientID string, scopes []string) (string, *store.Token, error) {
	return s.IssueAccessTokenTTL(ctx, identity, sessionID, clientID, scopes, s.cfg.AccessTokenTTL)
}

// IssueAccessTokenTTL is IssueAccessToken with a client-specific lifetime.
func (s *Service) IssueAccessTokenTTL(ctx context.Context, identity *store.Identity, sessionID, clientID string, scopes []string, ttl time.Duration) (string, *store.Token, error) {
	if ttl <= 0 {
		ttl = s.cfg.AccessTokenTTL
	}
	now := s.now().UTC()
	claims := newClaims(s.cfg.Issuer, s.cfg.Audience, identity, ttl, now)
	claims.SessionID = sessionID
	claims.ClientID = clientID
	claims.Scope = strings.Join(scopes, " ")
	claims.TokenType = string(store.TokenAccess)

	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}

	row := &store.Token{
		ID:        claims.ID,
		Type:      store.TokenAccess,
		Hash:      HashSecret(signed),
		Subject:   identity.ID,
		ClientID:  clientID,
		Scopes:    append([]string(nil), scopes...),
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokens.CreateToken(ctx, row); err != nil {
		return "", nil, errors.Transient("failed to store token", err)
	}

	s.recorder.Record(ctx, audit.NewEvent(audit.ActionTokenIssue, audit.OutcomeSuccess).
		WithIdentity(identity.ID).
		WithDetail(audit.DetailTokenID, row.ID).
		WithDetail(audit.DetailClientID, clientID))
	return signed, row, nil
}

// IssueClientAccessToken mints an access token for the client-credentials
// grant. The subject is the client itself; no identity claims are set.
func (s *Service) IssueClientAccessToken(ctx context.Context, clientID string, scopes []string, ttl time.Duration) (string, *store.Token, error) {
	if ttl <= 0 {
		ttl = s.cfg.AccessTokenTTL
	}
	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   clientID,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		ClientID:  clientID,
		Scope:     strings.Join(scopes, " "),
		TokenType: string(store.TokenAccess),
	}

	signed, err := s.sign(claims)
	if err != nil {
		return "", nil, err
	}
	row := &store.Token{
		ID:        claims.ID,
		Type:      store.TokenAccess,
		Hash:      HashSecret(signed),
		Subject:   clientID,
		ClientID:  clientID,
		Scopes:    append([]string(nil), scopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokens.CreateToken(ctx, row); err != nil {
		return "", nil, errors.Transient("failed to store token", err)
	}
	return signed, row, nil
}

// IssueIDToken mints an OIDC ID token. The audience is the client, not the
// service, and no durable row is kept since ID tokens are never introspected
// or revoked on their own.
func (s *Service) IssueIDToken(ctx context.Context, identity *store.Identity, clientID, nonce string) (string, error) {
	now := s.now().UTC()
	claims := newClaims(s.cfg.Issuer, clientID, identity, s.cfg.AccessTokenTTL, now)
	claims.TokenType = string(store.TokenID)
	claims.Nonce = nonce
	return s.sign(claims)
}

// IssueRefreshToken mints an opaque refresh token. Only its hash is stored.
func (s *Service) IssueRefreshToken(ctx context.Context, identityID, sessionID, clientID, authCodeID string, scopes []string) (string, *store.Token, error) {
	return s.IssueRefreshTokenTTL(ctx, identityID, sessionID, clientID, authCodeID, scopes, s.cfg.RefreshTokenTTL)
}

// IssueRefreshTokenTTL is IssueRefreshToken with a client-specific lifetime.
func (s *Service) IssueRefreshTokenTTL(ctx context.Context, identityID, sessionID, clientID, authCodeID string, scopes []string, ttl time.Duration) (string, *store.Token, error) {
	if ttl <= 0 {
		ttl = s.cfg.RefreshTokenTTL
	}
	secret, err := newRefreshSecret()
	if err != nil {
		return "", nil, errors.Fatal("failed to generate refresh token", err)
	}
	now := s.now().UTC()
	row := &store.Token{
		ID:         uuid.NewString(),
		Type:       store.TokenRefresh,
		Hash:       HashSecret(secret),
		Subject:    identityID,
		ClientID:   clientID,
		Scopes:     append([]string(nil), scopes...),
		SessionID:  sessionID,
		AuthCodeID: authCodeID,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	if err := s.tokens.CreateToken(ctx, row); err != nil {
		return "", nil, errors.Transient("failed to store token", err)
	}
	return secret, row, nil
}

// IssueAPIKey mints a long-lived API key for programmatic access. The
// plaintext appears once in the return value.
func (s *Service) IssueAPIKey(ctx context.Context, identityID string, scopes []string, ttl time.Duration) (string, *store.Token, error) {
	key, prefix, err := newAPIKey()
	if err != nil {
		return "", nil, errors.Fatal("failed to generate API key", err)
	}
	now := s.now().UTC()
	row := &store.Token{
		ID:        uuid.NewString(),
		Type:      store.TokenAPIKey,
		Hash:      HashSecret(key),
		Prefix:    prefix,
		Subject:   identityID,
		Scopes:    append([]string(nil), scopes...),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.tokens.CreateToken(ctx, row); err != nil {
		return "", nil, errors.Transient("failed to store API key", err)
	}

	s.recorder.Record(ctx, audit.NewEvent(audit.ActionAPIKeyIssue, audit.OutcomeSuccess).
		WithIdentity(identityID).
		WithDetail(audit.DetailTokenID, row.ID))
	return key, row, nil
}

// ValidateAPIKey checks a presented API key and stamps its usage.
func (s *Service) ValidateAPIKey(ctx context.Context, presented string) (*store.Token, error) {
	row, err := s.tokens.GetTokenByHash(ctx, HashSecret(presented))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Auth("invalid API key")
		}
		return nil, errors.Transient("failed to load API key", err)
	}
	now := s.now().UTC()
	if row.Type != store.TokenAPIKey || row.Revoked || now.After(row.ExpiresAt) {
		return nil, errors.Auth("invalid API key")
	}
	row.UsageCount++
	row.LastUsedAt = &now
	if err := s.tokens.UpdateToken(ctx, row); err != nil {
		return nil, errors.Transient("failed to stamp API key usage", err)
	}
	return row, nil
}

// ValidateAccessToken verifies signature, issuer, audience, lifetime and
// revocation state of an access token.
//
// Revocation is checked against the cache blacklist first. When the cache
// is unreachable the durable row decides, so an outage never turns a
// revoked token valid.
func (s *Service) ValidateAccessToken(ctx context.Context, signed string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(signed, claims, s.verificationKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithAudience(s.cfg.Audience),
		jwt.WithLeeway(s.cfg.ClockSkew),
	)
	if err != nil {
		return nil, errors.Auth("invalid token").WithHint(err.Error())
	}
	if claims.TokenType != string(store.TokenAccess) {
		return nil, errors.Auth("token is not an access token")
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, errors.Auth("token has been revoked")
	}
	return claims, nil
}

func (s *Service) verificationKey(tok *jwt.Token) (any, error) {
	kid, _ := tok.Header["kid"].(string)
	if kid == "" {
		return nil, errors.Auth("token has no kid header")
	}
	key, ok := s.keyring.Public(kid)
	if !ok {
		return nil, errors.Newf(errors.KindAuth, "unknown signing key %s", kid)
	}
	return key, nil
}

func (s *Service) isRevoked(ctx context.Context, jti string) (bool, error) {
	_, err := s.cache.Get(ctx, kv.Key(kv.KeyTokenBlacklist, jti))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}

	// Cache unreachable: the durable row is the authority.
	row, err := s.tokens.GetToken(ctx, jti)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, errors.Transient("failed to check revocation state", err)
	}
	return row.Revoked, nil
}

// Revoke marks one token revoked durably and blacklists it in the cache for
// the remainder of its lifetime. Revoking an unknown or already revoked
// token succeeds silently per RFC 7009.
func (s *Service) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	row, err := s.tokens.GetToken(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Transient("failed to load token", err)
	}

	now := s.now().UTC()
	if err := s.tokens.RevokeToken(ctx, id, revokedBy, reason, now); err != nil {
		return errors.Transient("failed to revoke token", err)
	}
	s.blacklist(ctx, row, now)

	s.recorder.Record(ctx, audit.NewEvent(audit.ActionTokenRevoke, audit.OutcomeSuccess).
		WithIdentity(row.Subject).
		WithActor(revokedBy).
		WithDetail(audit.DetailTokenID, id).
		WithDetail(audit.DetailReason, reason))
	return nil
}

// RevokeSessionTokens revokes every token bound to a session.
func (s *Service) RevokeSessionTokens(ctx context.Context, sessionID, revokedBy, reason string) ([]*store.Token, error) {
	now := s.now().UTC()
	affected, err := s.tokens.RevokeTokensBySession(ctx, sessionID, reason, now)
	if err != nil {
		return nil, errors.Transient("failed to revoke session tokens", err)
	}
	for _, row := range affected {
		s.blacklist(ctx, row, now)
	}
	return affected, nil
}

// RevokeAuthCodeTokens revokes every token minted from an authorization
// code. Used when a code is replayed.
func (s *Service) RevokeAuthCodeTokens(ctx context.Context, authCodeID, reason string) ([]*store.Token, error) {
	now := s.now().UTC()
	affected, err := s.tokens.RevokeTokensByAuthCode(ctx, authCodeID, reason, now)
	if err != nil {
		return nil, errors.Transient("failed to revoke code tokens", err)
	}
	for _, row := range affected {
		s.blacklist(ctx, row, now)
	}
	return affected, nil
}

// blacklist caches the revocation for the token's remaining lifetime. A
// cache failure is tolerated; the durable row already carries the state.
func (s *Service) blacklist(ctx context.Context, row *store.Token, now time.Time) {
	remaining := row.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return
	}
	_ = s.cache.Set(ctx, kv.Key(kv.KeyTokenBlacklist, row.ID), string(row.Type), remaining)
}

// BindAuthCode stamps the minting authorization code onto a token row so a
// later code-replay cascade can find it.
func (s *Service) BindAuthCode(ctx context.Context, row *store.Token, authCodeID string) error {
	row.AuthCodeID = authCodeID
	if err := s.tokens.UpdateToken(ctx, row); err != nil {
		return errors.Transient("failed to bind token to code", err)
	}
	return nil
}

// ResolveSecret maps a presented credential string to its durable row. It
// accepts opaque secrets (refresh tokens, API keys) and signed JWTs.
func (s *Service) ResolveSecret(ctx context.Context, presented string) (*store.Token, error) {
	row, err := s.tokens.GetTokenByHash(ctx, HashSecret(presented))
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errors.Transient("failed to load token", err)
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(presented, claims, s.verificationKey,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithLeeway(s.cfg.ClockSkew),
	); err != nil {
		return nil, errors.Auth("unknown token")
	}
	row, err = s.tokens.GetToken(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Auth("unknown token")
		}
		return nil, errors.Transient("failed to load token", err)
	}
	return row, nil
}

// RefreshResult carries the outcome of a refresh grant.
type RefreshResult struct {
	AccessToken string
	AccessRow   *store.Token
	// RefreshToken is the successor refresh token. Empty when rotation is
	// disabled and the presented token stays valid.
	RefreshToken string
	RefreshRow   *store.Token
	Scopes       []string
}

// Refresh redeems a refresh token for a new access token, applying the
// configured rotation mode and optional scope narrowing. Presenting a
// rotated-out refresh token revokes its rotated-in successors and returns
// ErrRefreshReused.
func (s *Service) Refresh(ctx context.Context, presented string, requestedScopes []string) (*RefreshResult, error) {
	row, err := s.tokens.GetTokenByHash(ctx, HashSecret(presented))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Auth("invalid refresh token")
		}
		return nil, errors.Transient("failed to load refresh token", err)
	}
	if row.Type != store.TokenRefresh {
		return nil, errors.Auth("invalid refresh token")
	}

	now := s.now().UTC()
	if row.Revoked {
		// Reuse of a rotated token means the secret leaked. Kill the
		// refresh tokens rotated in after it; access tokens from the
		// legitimate refreshes stay valid until they expire.
		if revokeErr := s.revokeSuccessors(ctx, row, "refresh token reuse"); revokeErr != nil {
			return nil, revokeErr
		}
		s.recorder.Record(ctx, audit.NewEvent(audit.ActionTokenRevoke, audit.OutcomeDenied).
			WithIdentity(row.Subject).
			WithDetail(audit.DetailReason, "refresh token reuse").
			WithDetail(audit.DetailSessionID, row.SessionID).
			WithDetail(audit.DetailTokenID, row.ID))
		return nil, ErrRefreshReused
	}
	if now.After(row.ExpiresAt) {
		return nil, errors.Auth("refresh token expired")
	}

	scopes, err := narrowScopes(row.Scopes, requestedScopes)
	if err != nil {
		return nil, err
	}

	identity, err := s.identities.GetIdentity(ctx, row.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.Auth("identity no longer exists")
		}
		return nil, errors.Transient("failed to load identity", err)
	}
	if identity.Status != store.IdentityActive {
		return nil, errors.Auth("identity is not active")
	}

	result := &RefreshResult{Scopes: scopes}
	result.AccessToken, result.AccessRow, err = s.IssueAccessToken(ctx, identity, row.SessionID, row.ClientID, scopes)
	if err != nil {
		return nil, err
	}

	switch s.cfg.RefreshRotation {
	case config.RotateNever:
		row.UsageCount++
		row.LastUsedAt = &now
		if err := s.tokens.UpdateToken(ctx, row); err != nil {
			return nil, errors.Transient("failed to stamp refresh usage", err)
		}

	case config.RotateAlways:
		result.RefreshToken, result.RefreshRow, err = s.IssueRefreshToken(ctx, identity.ID, row.SessionID, row.ClientID, row.AuthCodeID, scopes)
		if err != nil {
			return nil, err
		}
		row.ReplacedByID = result.RefreshRow.ID
		if err := s.tokens.UpdateToken(ctx, row); err != nil {
			return nil, errors.Transient("failed to link refresh successor", err)
		}
		if err := s.tokens.RevokeToken(ctx, row.ID, "system", "rotated", now); err != nil {
			return nil, errors.Transient("failed to retire refresh token", err)
		}

	case config.RotateWithGrace:
		result.RefreshToken, result.RefreshRow, err = s.IssueRefreshToken(ctx, identity.ID, row.SessionID, row.ClientID, row.AuthCodeID, scopes)
		if err != nil {
			return nil, err
		}
		// The old token stays redeemable for the grace period so client
		// retries that lost the response do not strand the session.
		graceEnd := now.Add(s.cfg.RefreshRotationGrace)
		if graceEnd.Before(row.ExpiresAt) {
			row.ExpiresAt = graceEnd
		}
		row.ReplacedByID = result.RefreshRow.ID
		if err := s.tokens.UpdateToken(ctx, row); err != nil {
			return nil, errors.Transient("failed to shorten refresh token", err)
		}
	}

	s.recorder.Record(ctx, audit.NewEvent(audit.ActionTokenRefresh, audit.OutcomeSuccess).
		WithIdentity(identity.ID).
		WithDetail(audit.DetailSessionID, row.SessionID).
		WithDetail(audit.DetailScope, strings.Join(scopes, " ")))
	return result, nil
}

// revokeSuccessors walks the rotation chain headed by a reused refresh
// token and revokes every refresh token rotated in after it.
func (s *Service) revokeSuccessors(ctx context.Context, row *store.Token, reason string) error {
	now := s.now().UTC()
	for id := row.ReplacedByID; id != ""; {
		successor, err := s.tokens.GetToken(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return errors.Transient("failed to load refresh successor", err)
		}
		if !successor.Revoked {
			if err := s.tokens.RevokeToken(ctx, successor.ID, "system", reason, now); err != nil {
				return errors.Transient("failed to revoke refresh successor", err)
			}
			s.blacklist(ctx, successor, now)
		}
		id = successor.ReplacedByID
	}
	return nil
}

// narrowScopes enforces that a refresh may only shrink the granted scope
// set, never widen it.
func narrowScopes(granted, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return append([]string(nil), granted...), nil
	}
	allowed := make(map[string]bool, len(granted))
	for _, scope := range granted {
		allowed[scope] = true
	}
	for _, scope := range requested {
		if !allowed[scope] {
			return nil, errors.Policy("requested scope exceeds the original grant").
				WithField("scope").WithHint(scope)
		}
	}
	return append([]string(nil), requested...), nil
}
