// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth implements the OAuth 2.0 / OIDC authorization engine:
// client registration, the authorization-code flow with PKCE, the refresh
// and client-credentials grants, revocation and introspection.
package oauth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/config"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
	"github.com/entativa/id/pkg/token"
)

// Grant types the engine implements.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// ScopeOpenID turns on OIDC behavior for a grant.
const ScopeOpenID = "openid"

// Engine drives every OAuth flow.
type Engine struct {
	cfg        *config.Config
	clients    store.ClientStore
	identities store.IdentityStore
	tokens     *token.Service
	cache      kv.Store
	recorder   *audit.Recorder
	now        func() time.Time
}

// NewEngine wires an Engine.
func NewEngine(cfg *config.Config, clients store.ClientStore, identities store.IdentityStore, tokens *token.Service, cache kv.Store, recorder *audit.Recorder) *Engine {
	return &Engine{
		cfg:        cfg,
		clients:    clients,
		identities: identities,
		tokens:     tokens,
		cache:      cache,
		recorder:   recorder,
		now:        time.Now,
	}
}

// AuthorizeRequest is the parsed front-channel authorization request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// Pending is a validated authorization request awaiting the resource
// owner's decision on the consent surface.
type Pending struct {
	ID              string   `json:"id"`
	ClientID        string   `json:"client_id"`
	ClientName      string   `json:"client_name"`
	RedirectURI     string   `json:"redirect_uri"`
	RequestedScopes []string `json:"requested_scopes"`
	State           string   `json:"state,omitempty"`
	CodeChallenge   string   `json:"code_challenge,omitempty"`
	ChallengeMethod string   `json:"challenge_method,omitempty"`
	Nonce           string   `json:"nonce,omitempty"`
	// Trusted clients skip the consent prompt; the caller may confirm
	// immediately with the full requested scope set.
	Trusted bool `json:"trusted"`
}

// Authorize validates an authorization request and parks it for consent.
// Validation failures that cannot be safely redirected (unknown client,
// bad redirect URI) are returned as errors; everything else follows the
// redirect convention.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (*Pending, error) {
	client, err := e.loadActiveClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	// The redirect URI must be pinned before any redirecting error.
	if !redirectAllowed(client, req.RedirectURI) {
		return nil, oauthErr(ErrInvalidRequest, "redirect_uri is not registered for this client")
	}

	if req.ResponseType != "code" {
		return nil, &Error{Code: ErrInvalidRequest, Description: "only the code response type is supported", State: req.State}
	}

	scopes := splitScope(req.Scope)
	for _, scope := range scopes {
		if !slices.Contains(client.Scopes, scope) {
			return nil, &Error{Code: ErrInvalidScope, Description: "scope " + scope + " is not allowed for this client", State: req.State}
		}
	}

	if err := e.checkPKCE(client, req); err != nil {
		return nil, err
	}

	pending := &Pending{
		ID:              uuid.NewString(),
		ClientID:        client.ID,
		ClientName:      client.Name,
		RedirectURI:     req.RedirectURI,
		RequestedScopes: scopes,
		State:           req.State,
		CodeChallenge:   req.CodeChallenge,
		ChallengeMethod: req.CodeChallengeMethod,
		Nonce:           req.Nonce,
		Trusted:         client.Trusted,
	}
	payload, err := json.Marshal(pending)
	if err != nil {
		return nil, errors.Fatal("failed to encode pending authorization", err)
	}
	if err := e.cache.Set(ctx, kv.Key(kv.KeyOAuthPending, pending.ID), string(payload), e.cfg.AuthCodeTTL); err != nil {
		return nil, errors.Transient("failed to park authorization", err)
	}

	e.recorder.Record(ctx, audit.NewEvent(audit.ActionOAuthAuthorize, audit.OutcomeSuccess).
		WithDetail(audit.DetailClientID, client.ID).
		WithDetail(audit.DetailScope, req.Scope))
	return pending, nil
}

func (e *Engine) checkPKCE(client *store.OAuthClient, req AuthorizeRequest) error {
	pkceRequired := client.PKCE == store.PKCERequired || client.Public()

	if req.CodeChallenge == "" {
		if pkceRequired {
			return &Error{Code: ErrInvalidRequest, Description: "code_challenge is required for this client", State: req.State}
		}
		return nil
	}
	if client.PKCE == store.PKCEForbidden {
		return &Error{Code: ErrInvalidRequest, Description: "this client must not use PKCE", State: req.State}
	}
	switch req.CodeChallengeMethod {
	case "S256":
	case "plain", "":
		// An absent method means plain per RFC 7636.
		if !client.AllowPlainPKCE {
			return &Error{Code: ErrInvalidRequest, Description: "the plain challenge method is not allowed", State: req.State}
		}
	default:
		return &Error{Code: ErrInvalidRequest, Description: "unknown code_challenge_method", State: req.State}
	}
	return nil
}

// Confirm records the resource owner's consent decision and, on approval,
// mints the authorization code. The returned URL carries either the code
// or the access_denied error back to the client.
func (e *Engine) Confirm(ctx context.Context, pendingID, identityID, sessionID string, approvedScopes []string, approve bool) (string, error) {
	payload, err := e.cache.GetDel(ctx, kv.Key(kv.KeyOAuthPending, pendingID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", oauthErr(ErrInvalidRequest, "authorization request expired or unknown")
		}
		return "", errors.Transient("failed to load pending authorization", err)
	}
	pending := &Pending{}
	if err := json.Unmarshal([]byte(payload), pending); err != nil {
		return "", errors.Fatal("failed to decode pending authorization", err)
	}

	if !approve {
		e.recorder.Record(ctx, audit.NewEvent(audit.ActionOAuthConsent, audit.OutcomeDenied).
			WithIdentity(identityID).
			WithDetail(audit.DetailClientID, pending.ClientID))
		return redirectWith(pending.RedirectURI, url.Values{
			"error": {ErrAccessDenied},
			"state": {pending.State},
		}), nil
	}

	// Consent may shrink the requested scope set, never grow it.
	scopes := pending.RequestedScopes
	if len(approvedScopes) > 0 {
		for _, scope := range approvedScopes {
			if !slices.Contains(pending.RequestedScopes, scope) {
				return "", &Error{Code: ErrInvalidScope, Description: "approved scope was never requested", State: pending.State}
			}
		}
		scopes = approvedScopes
	}

	code, err := e.tokens.CreateAuthCode(ctx, &token.AuthCode{
		ClientID:            pending.ClientID,
		Subject:             identityID,
		SessionID:           sessionID,
		RedirectURI:         pending.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       pending.CodeChallenge,
		CodeChallengeMethod: pending.ChallengeMethod,
		Nonce:               pending.Nonce,
	})
	if err != nil {
		return "", err
	}

	e.recorder.Record(ctx, audit.NewEvent(audit.ActionOAuthConsent, audit.OutcomeSuccess).
		WithIdentity(identityID).
		WithDetail(audit.DetailClientID, pending.ClientID).
		WithDetail(audit.DetailScope, strings.Join(scopes, " ")))
	return redirectWith(pending.RedirectURI, url.Values{
		"code":  {code},
		"state": {pending.State},
	}), nil
}

// TokenRequest is the parsed back-channel token request.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	ClientID     string
	ClientSecret string
}

// TokenResponse is the RFC 6749 token endpoint response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token is the token endpoint. Every failure is a protocol *Error.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	client, err := e.authenticateClient(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}
	if !grantAllowed(client, req.GrantType) {
		return nil, oauthErr(ErrUnauthorizedClient, "grant type %s is not allowed for this client", req.GrantType)
	}

	switch req.GrantType {
	case GrantAuthorizationCode:
		return e.tokenFromCode(ctx, client, req)
	case GrantRefreshToken:
		return e.tokenFromRefresh(ctx, client, req)
	case GrantClientCredentials:
		return e.tokenFromClientCredentials(ctx, client, req)
	default:
		return nil, oauthErr(ErrUnsupportedGrantType, "grant type %s is not supported", req.GrantType)
	}
}

func (e *Engine) tokenFromCode(ctx context.Context, client *store.OAuthClient, req TokenRequest) (*TokenResponse, error) {
	grant, err := e.tokens.ConsumeAuthCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, token.ErrCodeReplayed) {
			// First use already happened: everything minted from the code
			// must die with it.
			if _, cascadeErr := e.tokens.RevokeAuthCodeTokens(ctx, grant.ID, "authorization code replay"); cascadeErr != nil {
				return nil, cascadeErr
			}
			e.recorder.Record(ctx, audit.NewEvent(audit.ActionCodeReplay, audit.OutcomeDenied).
				WithDetail(audit.DetailClientID, client.ID))
			return nil, oauthErr(ErrInvalidGrant, "authorization code already redeemed")
		}
		if errors.IsAuth(err) {
			return nil, oauthErr(ErrInvalidGrant, "authorization code is invalid or expired")
		}
		return nil, err
	}

	if grant.ClientID != client.ID {
		return nil, oauthErr(ErrInvalidGrant, "authorization code was issued to another client")
	}
	if grant.RedirectURI != req.RedirectURI {
		return nil, oauthErr(ErrInvalidGrant, "redirect_uri does not match the authorization request")
	}
	if err := verifyPKCE(grant, req.CodeVerifier); err != nil {
		return nil, err
	}

	identity, err := e.identities.GetIdentity(ctx, grant.Subject)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, oauthErr(ErrInvalidGrant, "subject no longer exists")
		}
		return nil, errors.Transient("failed to load identity", err)
	}
	if identity.Status != store.IdentityActive {
		return nil, oauthErr(ErrInvalidGrant, "subject is not active")
	}

	accessToken, accessRow, err := e.tokens.IssueAccessTokenTTL(ctx, identity, grant.SessionID, client.ID, grant.Scopes, client.AccessTokenTTL)
	if err != nil {
		return nil, err
	}
	if err := e.tokens.BindAuthCode(ctx, accessRow, grant.ID); err != nil {
		return nil, err
	}

	refreshToken, _, err := e.tokens.IssueRefreshTokenTTL(ctx, identity.ID, grant.SessionID, client.ID, grant.ID, grant.Scopes, client.RefreshTokenTTL)
	if err != nil {
		return nil, err
	}

	response := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    e.expiresIn(client.AccessTokenTTL),
		RefreshToken: refreshToken,
		Scope:        strings.Join(grant.Scopes, " "),
	}
	if slices.Contains(grant.Scopes, ScopeOpenID) {
		response.IDToken, err = e.tokens.IssueIDToken(ctx, identity, client.ID, grant.Nonce)
		if err != nil {
			return nil, err
		}
	}

	e.recorder.Record(ctx, audit.NewEvent(audit.ActionOAuthTokenGrant, audit.OutcomeSuccess).
		WithIdentity(identity.ID).
		WithDetail(audit.DetailClientID, client.ID).
		WithDetail(audit.DetailGrantType, GrantAuthorizationCode))
	return response, nil
}

func (e *Engine) tokenFromRefresh(ctx context.Context, client *store.OAuthClient, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, oauthErr(ErrInvalidRequest, "refresh_token is required")
	}
	result, err := e.tokens.Refresh(ctx, req.RefreshToken, splitScope(req.Scope))
	if err != nil {
		if errors.IsPolicy(err) {
			return nil, oauthErr(ErrInvalidScope, "requested scope exceeds the original grant")
		}
		if errors.IsAuth(err) {
			return nil, oauthErr(ErrInvalidGrant, "refresh token is invalid")
		}
		return nil, err
	}

	e.recorder.Record(ctx, audit.NewEvent(audit.ActionOAuthTokenGrant, audit.OutcomeSuccess).
		WithDetail(audit.DetailClientID, client.ID).
		WithDetail(audit.DetailGrantType, GrantRefreshToken))
	return &TokenResponse{
		AccessToken:  result.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    e.expiresIn(client.AccessTokenTTL),
		RefreshToken: result.RefreshToken,
		Scope:        strings.Join(result.Scopes, " "),
	}, nil
}

func (e *Engine) tokenFromClientCredentials(ctx context.Context, client *store.OAuthClient, req TokenRequest) (*TokenResponse, error) {
	if client.Public() {
		return nil, oauthErr(ErrUnauthorizedClient, "the client credentials grant requires a confidential client")
	}
	scopes := splitScope(req.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), client.Scopes...)
	}
	for _, scope := range scopes {
		if !slices.Contains(client.Scopes, scope) {
			return nil, oauthErr(ErrInvalidScope, "scope %s is not allowed for this client", scope)
		}
	}

	accessToken, _, err := e.tokens.IssueClientAccessToken(ctx, client.ID, scopes, client.AccessTokenTTL)
	if err != nil {
		return nil, err
	}

	e.recorder.Record(ctx, audit.NewEvent(audit.ActionOAuthTokenGrant, audit.OutcomeSuccess).
		WithDetail(audit.DetailClientID, client.ID).
		WithDetail(audit.DetailGrantType, GrantClientCredentials))
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   e.expiresIn(client.AccessTokenTTL),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

func (e *Engine) expiresIn(clientTTL time.Duration) int64 {
	ttl := e.cfg.AccessTokenTTL
	if clientTTL > 0 {
		ttl = clientTTL
	}
	return int64(ttl.Seconds())
}

// authenticateClient enforces the confidentiality contract: confidential
// clients must present their secret, public clients must not.
func (e *Engine) authenticateClient(ctx context.Context, clientID, clientSecret string) (*store.OAuthClient, error) {
	client, err := e.loadActiveClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client.Public() {
		if clientSecret != "" {
			return nil, oauthErr(ErrInvalidClient, "public clients must not send a secret")
		}
		return client, nil
	}
	if clientSecret == "" {
		return nil, oauthErr(ErrInvalidClient, "client authentication required")
	}
	if subtle.ConstantTimeCompare([]byte(client.SecretHash), []byte(token.HashSecret(clientSecret))) != 1 {
		return nil, oauthErr(ErrInvalidClient, "invalid client credentials")
	}
	return client, nil
}

func (e *Engine) loadActiveClient(ctx context.Context, clientID string) (*store.OAuthClient, error) {
	if clientID == "" {
		return nil, oauthErr(ErrInvalidClient, "client_id is required")
	}
	client, err := e.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, oauthErr(ErrInvalidClient, "unknown client")
		}
		return nil, errors.Transient("failed to load client", err)
	}
	if client.Status != store.ClientActive {
		return nil, oauthErr(ErrInvalidClient, "client is disabled")
	}
	return client, nil
}

// verifyPKCE checks the verifier against the challenge recorded at
// authorization time.
func verifyPKCE(grant *token.AuthCode, verifier string) error {
	if grant.CodeChallenge == "" {
		if verifier != "" {
			return oauthErr(ErrInvalidGrant, "code_verifier sent but no challenge was recorded")
		}
		return nil
	}
	if verifier == "" {
		return oauthErr(ErrInvalidGrant, "code_verifier is required")
	}

	var derived string
	switch grant.CodeChallengeMethod {
	case "S256":
		derived = oauth2.S256ChallengeFromVerifier(verifier)
	default:
		// "plain" or absent, which means plain per RFC 7636.
		derived = verifier
	}
	if subtle.ConstantTimeCompare([]byte(derived), []byte(grant.CodeChallenge)) != 1 {
		return oauthErr(ErrInvalidGrant, "code_verifier does not match the challenge")
	}
	return nil
}

func redirectAllowed(client *store.OAuthClient, redirectURI string) bool {
	if redirectURI == "" {
		return false
	}
	for _, allowed := range client.RedirectURIs {
		if redirectURI == allowed {
			return true
		}
		if client.WildcardRedirect && strings.HasPrefix(redirectURI, allowed) {
			return true
		}
	}
	return false
}

func redirectWith(base string, params url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for key, values := range params {
		for _, value := range values {
			if value != "" {
				q.Set(key, value)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func splitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func grantAllowed(client *store.OAuthClient, grantType string) bool {
	if len(client.GrantTypes) == 0 {
		// Default surface: the code flow and its refreshes.
		return grantType == GrantAuthorizationCode || grantType == GrantRefreshToken
	}
	return slices.Contains(client.GrantTypes, grantType)
}
