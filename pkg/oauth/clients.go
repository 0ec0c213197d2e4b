// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/store"
	"github.com/entativa/id/pkg/token"
)

const clientSecretLen = 40

// RegisterClientRequest describes a relying party to onboard.
type RegisterClientRequest struct {
	Name         string
	RedirectURIs []string
	Scopes       []string
	GrantTypes   []string
	// Public marks a client that cannot keep a secret (native or
	// single-page apps). Public clients are forced onto PKCE.
	Public           bool
	AllowPlainPKCE   bool
	WildcardRedirect bool
	Trusted          bool
}

// RegisteredClient is the onboarding result. Secret is set exactly once,
// for confidential clients only.
type RegisteredClient struct {
	Client *store.OAuthClient
	Secret string
}

// RegisterClient onboards a relying party and mints its credentials.
func (e *Engine) RegisterClient(ctx context.Context, req RegisterClientRequest) (*RegisteredClient, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, errors.Input("client name is required").WithField("name")
	}
	if len(req.RedirectURIs) == 0 && !onlyClientCredentials(req.GrantTypes) {
		return nil, errors.Input("at least one redirect URI is required").WithField("redirect_uris")
	}
	for _, raw := range req.RedirectURIs {
		if err := validateRedirectURI(raw); err != nil {
			return nil, err
		}
	}
	for _, grantType := range req.GrantTypes {
		switch grantType {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
		default:
			return nil, errors.Inputf("unknown grant type %q", grantType).WithField("grant_types")
		}
	}
	if req.Public && slices.Contains(req.GrantTypes, GrantClientCredentials) {
		return nil, errors.Input("public clients cannot use the client credentials grant").WithField("grant_types")
	}

	now := e.now().UTC()
	client := &store.OAuthClient{
		ID:               uuid.NewString(),
		Name:             req.Name,
		RedirectURIs:     append([]string(nil), req.RedirectURIs...),
		Scopes:           append([]string(nil), req.Scopes...),
		GrantTypes:       append([]string(nil), req.GrantTypes...),
		AllowPlainPKCE:   req.AllowPlainPKCE,
		WildcardRedirect: req.WildcardRedirect,
		Trusted:          req.Trusted,
		Status:           store.ClientActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	result := &RegisteredClient{Client: client}
	if req.Public {
		client.PKCE = store.PKCERequired
	} else {
		secret, err := randomClientSecret()
		if err != nil {
			return nil, errors.Fatal("failed to generate client secret", err)
		}
		client.SecretHash = token.HashSecret(secret)
		client.PKCE = store.PKCEOptional
		result.Secret = secret
	}

	if err := e.clients.CreateClient(ctx, client); err != nil {
		return nil, errors.Transient("failed to store client", err)
	}

	e.recorder.Record(ctx, audit.NewEvent(audit.ActionClientRegister, audit.OutcomeSuccess).
		WithDetail(audit.DetailClientID, client.ID))
	return result, nil
}

// DisableClient takes a client out of rotation. Outstanding tokens keep
// their own lifetimes; new grants are refused immediately.
func (e *Engine) DisableClient(ctx context.Context, clientID string) error {
	client, err := e.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.NotFound("client not found")
		}
		return errors.Transient("failed to load client", err)
	}
	client.Status = store.ClientDisabled
	client.UpdatedAt = e.now().UTC()
	if err := e.clients.UpdateClient(ctx, client); err != nil {
		return errors.Transient("failed to update client", err)
	}
	return nil
}

// validateRedirectURI accepts absolute https URIs, loopback http for
// development, and private-use schemes for native apps.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Fragment != "" {
		return errors.Inputf("invalid redirect URI %q", raw).WithField("redirect_uris")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1" {
			return nil
		}
		return errors.Inputf("http redirect URIs are only allowed on loopback, got %q", raw).
			WithField("redirect_uris")
	default:
		// Private-use scheme for native apps, e.g. com.example.app:/cb.
		if strings.Contains(u.Scheme, ".") {
			return nil
		}
		return errors.Inputf("unsupported redirect URI scheme %q", u.Scheme).WithField("redirect_uris")
	}
}

func onlyClientCredentials(grantTypes []string) bool {
	if len(grantTypes) == 0 {
		return false
	}
	for _, grantType := range grantTypes {
		if grantType != GrantClientCredentials {
			return false
		}
	}
	return true
}

func randomClientSecret() (string, error) {
	raw := make([]byte, clientSecretLen*3/4)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
