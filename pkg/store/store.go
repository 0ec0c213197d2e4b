// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends. Services translate these into
// tagged errors at their boundary.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a uniqueness constraint would be
	// violated (duplicate email, eid, token hash, pending reservation).
	ErrConflict = errors.New("store: conflict")
)

// IdentityStore persists identities. Email and eid are unique across all
// identities; Create and Update fail with ErrConflict on violation.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByEmail(ctx context.Context, email string) (*Identity, error)
	GetIdentityByEID(ctx context.Context, eid string) (*Identity, error)
	UpdateIdentity(ctx context.Context, identity *Identity) error
}

// ProfileStore persists the 1:1 profile of an identity.
type ProfileStore interface {
	UpsertProfile(ctx context.Context, profile *Profile) error
	GetProfile(ctx context.Context, identityID string) (*Profile, error)
}

// ProtectedEntityStore persists the categorized protected-entity registry
// and the system reserved-handle table. Canonical handles are unique across
// the union of all categories.
type ProtectedEntityStore interface {
	CreateProtectedEntity(ctx context.Context, entity *ProtectedEntity) error
	// GetProtectedEntityByHandle matches the canonical handle exactly.
	GetProtectedEntityByHandle(ctx context.Context, handle string) (*ProtectedEntity, error)
	// GetProtectedEntityByAlias matches any alias exactly.
	GetProtectedEntityByAlias(ctx context.Context, alias string) (*ProtectedEntity, error)
	// ListProtectedEntities returns the full registry for fuzzy scans.
	ListProtectedEntities(ctx context.Context) ([]*ProtectedEntity, error)

	CreateReservedHandle(ctx context.Context, reserved *ReservedHandle) error
	GetReservedHandle(ctx context.Context, handle string) (*ReservedHandle, error)
}

// ReservationStore persists handle reservation requests.
type ReservationStore interface {
	// CreateReservation inserts a pending request, failing with
	// ErrConflict if the identity already has a pending request for the
	// same handle. The check and insert are atomic.
	CreateReservation(ctx context.Context, req *ReservationRequest) error
	GetReservation(ctx context.Context, id string) (*ReservationRequest, error)
	UpdateReservation(ctx context.Context, req *ReservationRequest) error
	ListReservationsByIdentity(ctx context.Context, identityID string) ([]*ReservationRequest, error)
}

// ClientStore persists registered OAuth clients.
type ClientStore interface {
	CreateClient(ctx context.Context, client *OAuthClient) error
	GetClient(ctx context.Context, id string) (*OAuthClient, error)
	UpdateClient(ctx context.Context, client *OAuthClient) error
}

// TokenStore persists issued-credential rows. The token hash is unique.
type TokenStore interface {
	CreateToken(ctx context.Context, token *Token) error
	GetToken(ctx context.Context, id string) (*Token, error)
	GetTokenByHash(ctx context.Context, hash string) (*Token, error)
	// GetTokensByPrefix returns API-key rows sharing the visible prefix.
	GetTokensByPrefix(ctx context.Context, prefix string) ([]*Token, error)
	UpdateToken(ctx context.Context, token *Token) error
	// RevokeToken marks one row revoked. Revoking an already revoked or
	// missing token is not an error.
	RevokeToken(ctx context.Context, id, revokedBy, reason string, at time.Time) error
	// RevokeTokensByAuthCode revokes every token minted from the given
	// authorization code and returns the affected rows.
	RevokeTokensByAuthCode(ctx context.Context, authCodeID, reason string, at time.Time) ([]*Token, error)
	// RevokeTokensBySession revokes every token bound to the session and
	// returns the affected rows.
	RevokeTokensBySession(ctx context.Context, sessionID, reason string, at time.Time) ([]*Token, error)
	ListTokensByIdentity(ctx context.Context, identityID string) ([]*Token, error)
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	// ListActiveSessions returns the unrevoked, unexpired sessions of an
	// identity ordered oldest first.
	ListActiveSessions(ctx context.Context, identityID string, now time.Time) ([]*Session, error)
	RevokeSession(ctx context.Context, id string, at time.Time) error
}

// MFAStore persists enrolled second factors.
type MFAStore interface {
	CreateMFAMethod(ctx context.Context, method *MFAMethod) error
	GetMFAMethod(ctx context.Context, id string) (*MFAMethod, error)
	ListMFAMethods(ctx context.Context, identityID string) ([]*MFAMethod, error)
	UpdateMFAMethod(ctx context.Context, method *MFAMethod) error
	// SetPrimaryMFAMethod makes the given method primary and clears the
	// flag on every other method of the identity in one step.
	SetPrimaryMFAMethod(ctx context.Context, identityID, methodID string) error
}

// AuditStore persists the append-only audit log.
type AuditStore interface {
	AppendAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, identityID string, limit int) ([]*AuditEvent, error)
}

// HandleHistoryStore persists approved eid rewrites.
type HandleHistoryStore interface {
	AppendHandleChange(ctx context.Context, change *HandleChange) error
	ListHandleChanges(ctx context.Context, identityID string) ([]*HandleChange, error)
}

// Store aggregates every persistence capability of the identity core.
type Store interface {
	IdentityStore
	ProfileStore
	ProtectedEntityStore
	ReservationStore
	ClientStore
	TokenStore
	SessionStore
	MFAStore
	AuditStore
	HandleHistoryStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
