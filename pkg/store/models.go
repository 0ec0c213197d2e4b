// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store defines the durable entities of the identity core and the
// persistence interfaces over them, with in-memory and SQLite backends.
// Ephemeral state (codes, counters, caches) lives in pkg/kv instead.
package store

import (
	"time"
)

// IdentityStatus is the lifecycle state of an identity.
type IdentityStatus string

// Identity lifecycle states.
const (
	IdentityActive    IdentityStatus = "active"
	IdentityLocked    IdentityStatus = "locked"
	IdentitySuspended IdentityStatus = "suspended"
	IdentityDeleted   IdentityStatus = "deleted"
)

// VerificationStatus tracks identity verification progress.
type VerificationStatus string

// Verification states.
const (
	VerificationNone     VerificationStatus = "unverified"
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
)

// Identity is the root account entity. The eid is the globally unique
// human-readable handle; email is unique as well.
type Identity struct {
	ID                  string
	EID                 string
	Email               string
	Phone               string
	PasswordHash        string
	Status              IdentityStatus
	VerificationStatus  VerificationStatus
	VerificationBadge   string
	ReputationScore     int
	FailedLoginAttempts int
	LockedUntil         *time.Time
	LastLoginAt         *time.Time
	CreatedIP           string
	CreatedUserAgent    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	clone := *i
	clone.LockedUntil = cloneTime(i.LockedUntil)
	clone.LastLoginAt = cloneTime(i.LastLoginAt)
	return &clone
}

// Visibility controls who can see a profile field.
type Visibility string

// Profile field visibility levels.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityFriends Visibility = "friends"
	VisibilityPrivate Visibility = "private"
)

// Profile holds the display fields of an identity, 1:1 with Identity.
type Profile struct {
	IdentityID         string
	DisplayName        string
	Bio                string
	AvatarURL          string
	Location           string
	Website            string
	DisplayVisibility  Visibility
	LocationVisibility Visibility
	WebsiteVisibility  Visibility
	UpdatedAt          time.Time
}

// Clone returns a copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// EntityCategory classifies a protected entity. CategoryOrder fixes the
// tie-break ordering between categories with equal similarity.
type EntityCategory string

// Protected-entity categories.
const (
	CategoryCelebrity  EntityCategory = "CELEBRITY"
	CategoryGovernment EntityCategory = "GOVERNMENT"
	CategoryBusiness   EntityCategory = "BUSINESS"
	CategorySports     EntityCategory = "SPORTS"
	CategoryMusic      EntityCategory = "MUSIC"
	CategoryMedia      EntityCategory = "MEDIA"
	CategoryAcademic   EntityCategory = "ACADEMIC"
)

// CategoryOrder is the fixed precedence used when two protected entities
// match a candidate handle with equal similarity.
var CategoryOrder = []EntityCategory{
	CategoryCelebrity,
	CategoryGovernment,
	CategoryBusiness,
	CategorySports,
	CategoryMusic,
	CategoryMedia,
	CategoryAcademic,
}

// CategoryRank returns the precedence index of a category; unknown
// categories sort last.
func CategoryRank(c EntityCategory) int {
	for i, known := range CategoryOrder {
		if known == c {
			return i
		}
	}
	return len(CategoryOrder)
}

// ProtectedEntity is a registry record for a real-world person or
// organization whose handle may only be claimed after verification.
type ProtectedEntity struct {
	ID       string
	Handle   string
	Name     string
	Aliases  []string
	Category EntityCategory
	// Metadata carries category-specific supporting facts such as a market
	// cap or a Nobel year, passed through as opaque string pairs.
	Metadata             map[string]string
	RequiresVerification bool
	CreatedAt            time.Time
}

// Clone returns a deep copy of the entity.
func (e *ProtectedEntity) Clone() *ProtectedEntity {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Aliases = append([]string(nil), e.Aliases...)
	clone.Metadata = cloneStringMap(e.Metadata)
	return &clone
}

// ReservedHandle is a system reservation. Unless Releasable, it can never
// be claimed.
type ReservedHandle struct {
	Handle     string
	Reason     string
	Releasable bool
	CreatedAt  time.Time
}

// ReservationStatus is the lifecycle state of a reservation request.
type ReservationStatus string

// Reservation lifecycle states.
const (
	ReservationPending   ReservationStatus = "pending"
	ReservationApproved  ReservationStatus = "approved"
	ReservationRejected  ReservationStatus = "rejected"
	ReservationWithdrawn ReservationStatus = "withdrawn"
	ReservationAppealed  ReservationStatus = "appealed"
)

// ReservationRequest is a user's claim on a protected or desired handle.
type ReservationRequest struct {
	ID              string
	IdentityID      string
	Handle          string
	Justification   string
	EvidenceURIs    []string
	Status          ReservationStatus
	ReviewerID      string
	RejectionReason string
	AppealText      string
	AppealedAt      *time.Time
	DecidedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Clone returns a deep copy of the request.
func (r *ReservationRequest) Clone() *ReservationRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.EvidenceURIs = append([]string(nil), r.EvidenceURIs...)
	clone.AppealedAt = cloneTime(r.AppealedAt)
	clone.DecidedAt = cloneTime(r.DecidedAt)
	return &clone
}

// PKCEPolicy controls whether a client must, may, or must not use PKCE.
type PKCEPolicy string

// PKCE policies.
const (
	PKCERequired  PKCEPolicy = "required"
	PKCEOptional  PKCEPolicy = "optional"
	PKCEForbidden PKCEPolicy = "forbidden"
)

// ClientStatus is the lifecycle state of an OAuth client.
type ClientStatus string

// OAuth client states.
const (
	ClientActive   ClientStatus = "active"
	ClientDisabled ClientStatus = "disabled"
)

// OAuthClient is a registered relying party. A client without a secret hash
// is public and must require PKCE.
type OAuthClient struct {
	ID           string
	Name         string
	SecretHash   string
	RedirectURIs []string
	// WildcardRedirect relaxes exact redirect-URI matching to prefix
	// matching for explicitly flagged clients.
	WildcardRedirect bool
	Scopes           []string
	GrantTypes       []string
	PKCE             PKCEPolicy
	// AllowPlainPKCE accepts the plain challenge method in addition to
	// S256. Off by default.
	AllowPlainPKCE  bool
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	// Trusted clients skip the consent surface.
	Trusted   bool
	Status    ClientStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Public reports whether the client has no secret.
func (c *OAuthClient) Public() bool {
	return c.SecretHash == ""
}

// Clone returns a deep copy of the client.
func (c *OAuthClient) Clone() *OAuthClient {
	if c == nil {
		return nil
	}
	clone := *c
	clone.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	clone.Scopes = append([]string(nil), c.Scopes...)
	clone.GrantTypes = append([]string(nil), c.GrantTypes...)
	return &clone
}

// TokenType discriminates issued credentials.
type TokenType string

// Token types.
const (
	TokenAccess   TokenType = "access"
	TokenRefresh  TokenType = "refresh"
	TokenID       TokenType = "id"
	TokenAPIKey   TokenType = "api_key"
	TokenAuthCode TokenType = "auth_code"
)

// Token is the durable record of an issued credential. Only the hash of the
// secret is stored; the plaintext is never persisted.
type Token struct {
	ID   string
	Type TokenType
	Hash string
	// Prefix is the first characters of an API key, kept visible for
	// identification. Empty for other token types.
	Prefix   string
	Subject  string
	ClientID string
	Scopes   []string
	// SessionID binds the token to a session; AuthCodeID to the
	// authorization code it was minted from. Both are ids, not pointers,
	// to keep ownership acyclic.
	SessionID  string
	AuthCodeID string
	// ReplacedByID points a rotated-out refresh token at its successor.
	// Reuse of this token revokes the chain it heads.
	ReplacedByID     string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	LastUsedAt       *time.Time
	UsageCount       int64
	Revoked          bool
	RevokedAt        *time.Time
	RevokedBy        string
	RevocationReason string
	DeviceID         string
	SecurityLevel    string
	RiskScore        float64
}

// Clone returns a deep copy of the token row.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Scopes = append([]string(nil), t.Scopes...)
	clone.LastUsedAt = cloneTime(t.LastUsedAt)
	clone.RevokedAt = cloneTime(t.RevokedAt)
	return &clone
}

// Session binds an authenticated device to its token ids.
type Session struct {
	ID             string
	IdentityID     string
	UserAgent      string
	IP             string
	Location       string
	AccessTokenID  string
	RefreshTokenID string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
}

// Active reports whether the session is usable at the given instant.
func (s *Session) Active(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.RevokedAt = cloneTime(s.RevokedAt)
	return &clone
}

// MFAKind discriminates second-factor methods.
type MFAKind string

// MFA factor kinds.
const (
	MFATOTP        MFAKind = "totp"
	MFASMS         MFAKind = "sms"
	MFAEmail       MFAKind = "email"
	MFAWebAuthn    MFAKind = "webauthn"
	MFABackupCodes MFAKind = "backup_codes"
)

// BackupCode is one hashed single-use recovery code.
type BackupCode struct {
	Hash   string     `json:"hash"`
	UsedAt *time.Time `json:"used_at,omitempty"`
}

// MFAMethod is an enrolled second factor. At most one method per identity
// may be primary.
type MFAMethod struct {
	ID         string
	IdentityID string
	Kind       MFAKind
	// Secret is the encrypted factor secret (TOTP seed, destination
	// address). Backup-code factors keep their codes in BackupCodes
	// instead.
	Secret              string
	BackupCodes         []BackupCode
	Verified            bool
	Primary             bool
	Priority            int
	Active              bool
	UsageCount          int64
	ConsecutiveFailures int
	LastUsedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Clone returns a deep copy of the method.
func (m *MFAMethod) Clone() *MFAMethod {
	if m == nil {
		return nil
	}
	clone := *m
	clone.BackupCodes = make([]BackupCode, len(m.BackupCodes))
	for i, c := range m.BackupCodes {
		clone.BackupCodes[i] = BackupCode{Hash: c.Hash, UsedAt: cloneTime(c.UsedAt)}
	}
	clone.LastUsedAt = cloneTime(m.LastUsedAt)
	return &clone
}

// AuditEvent is one append-only security or compliance record.
type AuditEvent struct {
	ID         string
	IdentityID string
	ActorID    string
	Action     string
	Outcome    string
	Details    map[string]string
	IP         string
	UserAgent  string
	// LawfulBasis records the GDPR processing basis for the event.
	LawfulBasis string
	CreatedAt   time.Time
}

// Clone returns a deep copy of the event.
func (e *AuditEvent) Clone() *AuditEvent {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Details = cloneStringMap(e.Details)
	return &clone
}

// HandleChange records one approved eid rewrite.
type HandleChange struct {
	ID            string
	IdentityID    string
	OldEID        string
	NewEID        string
	ReservationID string
	ActorID       string
	CreatedAt     time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	clone := make(map[string]string, len(m))
	for k, v := range m {
		clone[k] = v
	}
	return clone
}
