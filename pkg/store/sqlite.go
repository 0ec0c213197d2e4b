// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // database/sql driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite implements Store on a SQLite database. Migrations are embedded
// and applied on open, so a fresh file is immediately usable.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for an ephemeral database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The modernc driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Ping checks database connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// isConstraintErr reports whether err is a uniqueness or check constraint
// violation.
func isConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var out []string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func unmarshalStringMap(raw string) map[string]string {
	var out map[string]string
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	clone := t.Time
	return &clone
}

// CreateIdentity inserts a new identity, enforcing email and eid uniqueness.
func (s *SQLite) CreateIdentity(ctx context.Context, identity *Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (
			id, eid, email, phone, password_hash, status,
			verification_status, verification_badge, reputation_score,
			failed_login_attempts, locked_until, last_login_at,
			created_ip, created_user_agent, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		identity.ID, identity.EID, strings.ToLower(identity.Email), identity.Phone,
		identity.PasswordHash, identity.Status, identity.VerificationStatus,
		identity.VerificationBadge, identity.ReputationScore,
		identity.FailedLoginAttempts, nullTime(identity.LockedUntil),
		nullTime(identity.LastLoginAt), identity.CreatedIP,
		identity.CreatedUserAgent, identity.CreatedAt, identity.UpdatedAt)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

const identityColumns = `id, eid, email, phone, password_hash, status,
	verification_status, verification_badge, reputation_score,
	failed_login_attempts, locked_until, last_login_at,
	created_ip, created_user_agent, created_at, updated_at`

func scanIdentity(row *sql.Row) (*Identity, error) {
	var identity Identity
	var lockedUntil, lastLoginAt sql.NullTime
	err := row.Scan(
		&identity.ID, &identity.EID, &identity.Email, &identity.Phone,
		&identity.PasswordHash, &identity.Status, &identity.VerificationStatus,
		&identity.VerificationBadge, &identity.ReputationScore,
		&identity.FailedLoginAttempts, &lockedUntil, &lastLoginAt,
		&identity.CreatedIP, &identity.CreatedUserAgent,
		&identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.LockedUntil = timePtr(lockedUntil)
	identity.LastLoginAt = timePtr(lastLoginAt)
	return &identity, nil
}

// GetIdentity returns an identity by id.
func (s *SQLite) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id))
}

// GetIdentityByEmail returns an identity by email (case-insensitive).
func (s *SQLite) GetIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE email = ?`, strings.ToLower(email)))
}

// GetIdentityByEID returns an identity by its handle.
func (s *SQLite) GetIdentityByEID(ctx context.Context, eid string) (*Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE eid = ?`, eid))
}

// UpdateIdentity replaces a stored identity.
func (s *SQLite) UpdateIdentity(ctx context.Context, identity *Identity) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET
			eid = ?, email = ?, phone = ?, password_hash = ?, status = ?,
			verification_status = ?, verification_badge = ?,
			reputation_score = ?, failed_login_attempts = ?,
			locked_until = ?, last_login_at = ?, updated_at = ?
		WHERE id = ?`,
		identity.EID, strings.ToLower(identity.Email), identity.Phone,
		identity.PasswordHash, identity.Status, identity.VerificationStatus,
		identity.VerificationBadge, identity.ReputationScore,
		identity.FailedLoginAttempts, nullTime(identity.LockedUntil),
		nullTime(identity.LastLoginAt), identity.UpdatedAt, identity.ID)
	if isConstraintErr(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertProfile stores the profile of an identity.
func (s *SQLite) UpsertProfile(ctx context.Context, profile *Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (
			identity_id, display_name, bio, avatar_url, location, website,
			display_visibility, location_visibility, website_visibility,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			display_name = excluded.display_name,
			bio = excluded.bio,
			avatar_url = excluded.avatar_url,
			location = excluded.location,
			website = excluded.website,
			display_visibility = excluded.display_visibility,
			location_visibility = excluded.location_visibility,
			website_visibility = excluded.website_visibility,
			updated_at = excluded.updated_at`,
		profile.IdentityID, profile.DisplayName, profile.Bio, profile.AvatarURL,
		profile.Location, profile.Website, profile.DisplayVisibility,
		profile.LocationVisibility, profile.WebsiteVisibility, profile.UpdatedAt)
	return err
}

// GetProfile returns the profile of an identity.
func (s *SQLite) GetProfile(ctx context.Context, identityID string) (*Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_id, display_name, bio, avatar_url, location, website,
			display_visibility, location_visibility, website_visibility,
			updated_at
		FROM profiles WHERE identity_id = ?`, identityID).Scan(
		&profile.IdentityID, &profile.DisplayName, &profile.Bio,
		&profile.AvatarURL, &profile.Location, &profile.Website,
		&profile.DisplayVisibility, &profile.LocationVisibility,
		&profile.WebsiteVisibility, &profile.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreateProtectedEntity inserts a registry record.
func (s *SQLite) CreateProtectedEntity(ctx context.Context, entity *ProtectedEntity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protected_entities (
			id, handle, name, aliases, category, metadata,
			requires_verification, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.Handle, entity.Name, marshalJSON(entity.Aliases),
		entity.Category, marshalJSON(entity.Metadata),
		entity.RequiresVerification, entity.CreatedAt)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

const entityColumns = `id, handle, name, aliases, category, metadata,
	requires_verification, created_at`

func scanEntityRow(scan func(...any) error) (*ProtectedEntity, error) {
	var entity ProtectedEntity
	var aliases, metadata string
	err := scan(&entity.ID, &entity.Handle, &entity.Name, &aliases,
		&entity.Category, &metadata, &entity.RequiresVerification,
		&entity.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	entity.Aliases = unmarshalStrings(aliases)
	entity.Metadata = unmarshalStringMap(metadata)
	return &entity, nil
}

// GetProtectedEntityByHandle matches the canonical handle exactly.
func (s *SQLite) GetProtectedEntityByHandle(ctx context.Context, handle string) (*ProtectedEntity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM protected_entities WHERE handle = ?`, handle)
	return scanEntityRow(row.Scan)
}

// GetProtectedEntityByAlias matches any alias exactly, resolving ties by
// category precedence.
func (s *SQLite) GetProtectedEntityByAlias(ctx context.Context, alias string) (*ProtectedEntity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT protected_entities.*
		FROM protected_entities, json_each(protected_entities.aliases)
		WHERE json_each.value = ?`, alias)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var best *ProtectedEntity
	for rows.Next() {
		entity, err := scanEntityRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		if best == nil || CategoryRank(entity.Category) < CategoryRank(best.Category) {
			best = entity
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ListProtectedEntities returns the whole registry ordered by handle.
func (s *SQLite) ListProtectedEntities(ctx context.Context) ([]*ProtectedEntity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM protected_entities ORDER BY handle`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []*ProtectedEntity
	for rows.Next() {
		entity, err := scanEntityRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

// CreateReservedHandle inserts a system reservation.
func (s *SQLite) CreateReservedHandle(ctx context.Context, reserved *ReservedHandle) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reserved_handles (handle, reason, releasable, created_at)
		VALUES (?, ?, ?, ?)`,
		reserved.Handle, reserved.Reason, reserved.Releasable, reserved.CreatedAt)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// GetReservedHandle returns a system reservation by handle.
func (s *SQLite) GetReservedHandle(ctx context.Context, handle string) (*ReservedHandle, error) {
	var reserved ReservedHandle
	err := s.db.QueryRowContext(ctx, `
		SELECT handle, reason, releasable, created_at
		FROM reserved_handles WHERE handle = ?`, handle).Scan(
		&reserved.Handle, &reserved.Reason, &reserved.Releasable, &reserved.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reserved, nil
}

// CreateReservation inserts a pending request. The partial unique index on
// (identity_id, handle) WHERE pending makes the duplicate check atomic.
func (s *SQLite) CreateReservation(ctx context.Context, req *ReservationRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reservation_requests (
			id, identity_id, handle, justification, evidence_uris, status,
			reviewer_id, rejection_reason, appeal_text, appealed_at,
			decided_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.IdentityID, req.Handle, req.Justification,
		marshalJSON(req.EvidenceURIs), req.Status, req.ReviewerID,
		req.RejectionReason, req.AppealText, nullTime(req.AppealedAt),
		nullTime(req.DecidedAt), req.CreatedAt, req.UpdatedAt)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

const reservationColumns = `id, identity_id, handle, justification,
	evidence_uris, status, reviewer_id, rejection_reason, appeal_text,
	appealed_at, decided_at, created_at, updated_at`

func scanReservationRow(scan func(...any) error) (*ReservationRequest, error) {
	var req ReservationRequest
	var evidence string
	var appealedAt, decidedAt sql.NullTime
	err := scan(&req.ID, &req.IdentityID, &req.Handle, &req.Justification,
		&evidence, &req.Status, &req.ReviewerID, &req.RejectionReason,
		&req.AppealText, &appealedAt, &decidedAt, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	req.EvidenceURIs = unmarshalStrings(evidence)
	req.AppealedAt = timePtr(appealedAt)
	req.DecidedAt = timePtr(decidedAt)
	return &req, nil
}

// GetReservation returns a request by id.
func (s *SQLite) GetReservation(ctx context.Context, id string) (*ReservationRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservation_requests WHERE id = ?`, id)
	return scanReservationRow(row.Scan)
}

// UpdateReservation replaces a stored request.
func (s *SQLite) UpdateReservation(ctx context.Context, req *ReservationRequest) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reservation_requests SET
			status = ?, reviewer_id = ?, rejection_reason = ?,
			appeal_text = ?, appealed_at = ?, decided_at = ?, updated_at = ?
		WHERE id = ?`,
		req.Status, req.ReviewerID, req.RejectionReason, req.AppealText,
		nullTime(req.AppealedAt), nullTime(req.DecidedAt), req.UpdatedAt, req.ID)
	if isConstraintErr(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListReservationsByIdentity returns an identity's requests newest first.
func (s *SQLite) ListReservationsByIdentity(ctx context.Context, identityID string) ([]*ReservationRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+reservationColumns+` FROM reservation_requests
		WHERE identity_id = ? ORDER BY created_at DESC`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*ReservationRequest
	for rows.Next() {
		req, err := scanReservationRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// CreateClient inserts an OAuth client.
func (s *SQLite) CreateClient(ctx context.Context, client *OAuthClient) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_clients (
			id, name, secret_hash, redirect_uris, wildcard_redirect, scopes,
			grant_types, pkce_policy, allow_plain_pkce,
			access_token_ttl_seconds, refresh_token_ttl_seconds, trusted,
			status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		client.ID, client.Name, client.SecretHash,
		marshalJSON(client.RedirectURIs), client.WildcardRedirect,
		marshalJSON(client.Scopes), marshalJSON(client.GrantTypes),
		client.PKCE, client.AllowPlainPKCE,
		int64(client.AccessTokenTTL.Seconds()),
		int64(client.RefreshTokenTTL.Seconds()),
		client.Trusted, client.Status, client.CreatedAt, client.UpdatedAt)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

// GetClient returns a client by id.
func (s *SQLite) GetClient(ctx context.Context, id string) (*OAuthClient, error) {
	var client OAuthClient
	var redirectURIs, scopes, grantTypes string
	var accessTTL, refreshTTL int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, secret_hash, redirect_uris, wildcard_redirect,
			scopes, grant_types, pkce_policy, allow_plain_pkce,
			access_token_ttl_seconds, refresh_token_ttl_seconds, trusted,
			status, created_at, updated_at
		FROM oauth_clients WHERE id = ?`, id).Scan(
		&client.ID, &client.Name, &client.SecretHash, &redirectURIs,
		&client.WildcardRedirect, &scopes, &grantTypes, &client.PKCE,
		&client.AllowPlainPKCE, &accessTTL, &refreshTTL, &client.Trusted,
		&client.Status, &client.CreatedAt, &client.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	client.RedirectURIs = unmarshalStrings(redirectURIs)
	client.Scopes = unmarshalStrings(scopes)
	client.GrantTypes = unmarshalStrings(grantTypes)
	client.AccessTokenTTL = time.Duration(accessTTL) * time.Second
	client.RefreshTokenTTL = time.Duration(refreshTTL) * time.Second
	return &client, nil
}

// UpdateClient replaces a stored client.
func (s *SQLite) UpdateClient(ctx context.Context, client *OAuthClient) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE oauth_clients SET
			name = ?, secret_hash = ?, redirect_uris = ?,
			wildcard_redirect = ?, scopes = ?, grant_types = ?,
			pkce_policy = ?, allow_plain_pkce = ?,
			access_token_ttl_seconds = ?, refresh_token_ttl_seconds = ?,
			trusted = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		client.Name, client.SecretHash, marshalJSON(client.RedirectURIs),
		client.WildcardRedirect, marshalJSON(client.Scopes),
		marshalJSON(client.GrantTypes), client.PKCE, client.AllowPlainPKCE,
		int64(client.AccessTokenTTL.Seconds()),
		int64(client.RefreshTokenTTL.Seconds()),
		client.Trusted, client.Status, client.UpdatedAt, client.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateToken inserts a token row, enforcing hash uniqueness.
func (s *SQLite) CreateToken(ctx context.Context, token *Token) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (
			id, type, hash, prefix, subject, client_id, scopes, session_id,
			auth_code_id, replaced_by_id, issued_at, expires_at, last_used_at,
			usage_count, revoked, revoked_at, revoked_by, revocation_reason,
			device_id, security_level, risk_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.Type, token.Hash, token.Prefix, token.Subject,
		token.ClientID, marshalJSON(token.Scopes), token.SessionID,
		token.AuthCodeID, token.ReplacedByID, token.IssuedAt, token.ExpiresAt,
		nullTime(token.LastUsedAt), token.UsageCount, token.Revoked,
		nullTime(token.RevokedAt), token.RevokedBy, token.RevocationReason,
		token.DeviceID, token.SecurityLevel, token.RiskScore)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

const tokenColumns = `id, type, hash, prefix, subject, client_id, scopes,
	session_id, auth_code_id, replaced_by_id, issued_at, expires_at,
	last_used_at, usage_count, revoked, revoked_at, revoked_by,
	revocation_reason, device_id, security_level, risk_score`

func scanTokenRow(scan func(...any) error) (*Token, error) {
	var token Token
	var scopes string
	var lastUsedAt, revokedAt sql.NullTime
	err := scan(&token.ID, &token.Type, &token.Hash, &token.Prefix,
		&token.Subject, &token.ClientID, &scopes, &token.SessionID,
		&token.AuthCodeID, &token.ReplacedByID, &token.IssuedAt,
		&token.ExpiresAt, &lastUsedAt, &token.UsageCount, &token.Revoked,
		&revokedAt, &token.RevokedBy, &token.RevocationReason,
		&token.DeviceID, &token.SecurityLevel, &token.RiskScore)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	token.Scopes = unmarshalStrings(scopes)
	token.LastUsedAt = timePtr(lastUsedAt)
	token.RevokedAt = timePtr(revokedAt)
	return &token, nil
}

// GetToken returns a token row by id.
func (s *SQLite) GetToken(ctx context.Context, id string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanTokenRow(row.Scan)
}

// GetTokenByHash returns a token row by secret hash.
func (s *SQLite) GetTokenByHash(ctx context.Context, hash string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE hash = ?`, hash)
	return scanTokenRow(row.Scan)
}

func (s *SQLite) queryTokens(ctx context.Context, query string, args ...any) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token, err := scanTokenRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// GetTokensByPrefix returns API-key rows sharing the visible prefix.
func (s *SQLite) GetTokensByPrefix(ctx context.Context, prefix string) ([]*Token, error) {
	return s.queryTokens(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE prefix = ?`, prefix)
}

// UpdateToken replaces a stored token row.
func (s *SQLite) UpdateToken(ctx context.Context, token *Token) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET
			hash = ?, scopes = ?, replaced_by_id = ?, expires_at = ?,
			last_used_at = ?, usage_count = ?, revoked = ?, revoked_at = ?,
			revoked_by = ?, revocation_reason = ?, risk_score = ?
		WHERE id = ?`,
		token.Hash, marshalJSON(token.Scopes), token.ReplacedByID,
		token.ExpiresAt, nullTime(token.LastUsedAt), token.UsageCount,
		token.Revoked, nullTime(token.RevokedAt), token.RevokedBy,
		token.RevocationReason, token.RiskScore, token.ID)
	if isConstraintErr(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeToken marks one token row revoked. Missing rows are ignored.
func (s *SQLite) RevokeToken(ctx context.Context, id, revokedBy, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked = 1, revoked_at = ?, revoked_by = ?,
			revocation_reason = ?
		WHERE id = ? AND revoked = 0`, at, revokedBy, reason, id)
	return err
}

func (s *SQLite) revokeTokensWhere(ctx context.Context, where, reason string, at time.Time, arg string) ([]*Token, error) {
	tokens, err := s.queryTokens(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE `+where+` AND revoked = 0`, arg)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked = 1, revoked_at = ?, revocation_reason = ?
		WHERE `+where+` AND revoked = 0`, at, reason, arg)
	if err != nil {
		return nil, err
	}
	for _, token := range tokens {
		token.Revoked = true
		token.RevokedAt = &at
		token.RevocationReason = reason
	}
	return tokens, nil
}

// RevokeTokensByAuthCode revokes every token minted from the authorization
// code and returns the affected rows.
func (s *SQLite) RevokeTokensByAuthCode(ctx context.Context, authCodeID, reason string, at time.Time) ([]*Token, error) {
	return s.revokeTokensWhere(ctx, "auth_code_id = ?", reason, at, authCodeID)
}

// RevokeTokensBySession revokes every token bound to the session and
// returns the affected rows.
func (s *SQLite) RevokeTokensBySession(ctx context.Context, sessionID, reason string, at time.Time) ([]*Token, error) {
	return s.revokeTokensWhere(ctx, "session_id = ?", reason, at, sessionID)
}

// ListTokensByIdentity returns every token row whose subject is the
// identity, newest first.
func (s *SQLite) ListTokensByIdentity(ctx context.Context, identityID string) ([]*Token, error) {
	return s.queryTokens(ctx, `
		SELECT `+tokenColumns+` FROM tokens
		WHERE subject = ? ORDER BY issued_at DESC`, identityID)
}

// CreateSession inserts a session.
func (s *SQLite) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, identity_id, user_agent, ip, location, access_token_id,
			refresh_token_id, created_at, expires_at, revoked_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.IdentityID, session.UserAgent, session.IP,
		session.Location, session.AccessTokenID, session.RefreshTokenID,
		session.CreatedAt, session.ExpiresAt, nullTime(session.RevokedAt))
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

const sessionColumns = `id, identity_id, user_agent, ip, location,
	access_token_id, refresh_token_id, created_at, expires_at, revoked_at`

func scanSessionRow(scan func(...any) error) (*Session, error) {
	var session Session
	var revokedAt sql.NullTime
	err := scan(&session.ID, &session.IdentityID, &session.UserAgent,
		&session.IP, &session.Location, &session.AccessTokenID,
		&session.RefreshTokenID, &session.CreatedAt, &session.ExpiresAt,
		&revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	session.RevokedAt = timePtr(revokedAt)
	return &session, nil
}

// GetSession returns a session by id.
func (s *SQLite) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSessionRow(row.Scan)
}

// UpdateSession replaces a stored session.
func (s *SQLite) UpdateSession(ctx context.Context, session *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			access_token_id = ?, refresh_token_id = ?, expires_at = ?,
			revoked_at = ?
		WHERE id = ?`,
		session.AccessTokenID, session.RefreshTokenID, session.ExpiresAt,
		nullTime(session.RevokedAt), session.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSessions returns the live sessions of an identity, oldest
// first so callers can evict from the front.
func (s *SQLite) ListActiveSessions(ctx context.Context, identityID string, now time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE identity_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at`, identityID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSessionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// RevokeSession marks a session revoked. Missing sessions are ignored.
func (s *SQLite) RevokeSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL`, at, id)
	return err
}

// CreateMFAMethod inserts an enrolled factor. The partial unique index on
// (identity_id) WHERE is_primary keeps the single-primary invariant.
func (s *SQLite) CreateMFAMethod(ctx context.Context, method *MFAMethod) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mfa_methods (
			id, identity_id, kind, secret, backup_codes, verified,
			is_primary, priority, active, usage_count, consecutive_failures,
			last_used_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		method.ID, method.IdentityID, method.Kind, method.Secret,
		marshalJSON(method.BackupCodes), method.Verified, method.Primary,
		method.Priority, method.Active, method.UsageCount,
		method.ConsecutiveFailures, nullTime(method.LastUsedAt),
		method.CreatedAt, method.UpdatedAt)
	if isConstraintErr(err) {
		return ErrConflict
	}
	return err
}

const mfaColumns = `id, identity_id, kind, secret, backup_codes, verified,
	is_primary, priority, active, usage_count, consecutive_failures,
	last_used_at, created_at, updated_at`

func scanMFARow(scan func(...any) error) (*MFAMethod, error) {
	var method MFAMethod
	var backupCodes string
	var lastUsedAt sql.NullTime
	err := scan(&method.ID, &method.IdentityID, &method.Kind, &method.Secret,
		&backupCodes, &method.Verified, &method.Primary, &method.Priority,
		&method.Active, &method.UsageCount, &method.ConsecutiveFailures,
		&lastUsedAt, &method.CreatedAt, &method.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(backupCodes), &method.BackupCodes)
	method.LastUsedAt = timePtr(lastUsedAt)
	return &method, nil
}

// GetMFAMethod returns a factor by id.
func (s *SQLite) GetMFAMethod(ctx context.Context, id string) (*MFAMethod, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mfaColumns+` FROM mfa_methods WHERE id = ?`, id)
	return scanMFARow(row.Scan)
}

// ListMFAMethods returns the factors of an identity by ascending priority.
func (s *SQLite) ListMFAMethods(ctx context.Context, identityID string) ([]*MFAMethod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mfaColumns+` FROM mfa_methods
		WHERE identity_id = ? ORDER BY priority`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []*MFAMethod
	for rows.Next() {
		method, err := scanMFARow(rows.Scan)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	return methods, rows.Err()
}

// UpdateMFAMethod replaces a stored factor.
func (s *SQLite) UpdateMFAMethod(ctx context.Context, method *MFAMethod) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mfa_methods SET
			secret = ?, backup_codes = ?, verified = ?, is_primary = ?,
			priority = ?, active = ?, usage_count = ?,
			consecutive_failures = ?, last_used_at = ?, updated_at = ?
		WHERE id = ?`,
		method.Secret, marshalJSON(method.BackupCodes), method.Verified,
		method.Primary, method.Priority, method.Active, method.UsageCount,
		method.ConsecutiveFailures, nullTime(method.LastUsedAt),
		method.UpdatedAt, method.ID)
	if isConstraintErr(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPrimaryMFAMethod makes the given factor primary and demotes every
// other factor of the identity in one transaction.
func (s *SQLite) SetPrimaryMFAMethod(ctx context.Context, identityID, methodID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		UPDATE mfa_methods SET is_primary = 0
		WHERE identity_id = ? AND is_primary = 1`, identityID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE mfa_methods SET is_primary = 1
		WHERE id = ? AND identity_id = ?`, methodID, identityID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AppendAuditEvent appends one audit record.
func (s *SQLite) AppendAuditEvent(ctx context.Context, event *AuditEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (
			id, identity_id, actor_id, action, outcome, details, ip,
			user_agent, lawful_basis, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.IdentityID, event.ActorID, event.Action,
		event.Outcome, marshalJSON(event.Details), event.IP,
		event.UserAgent, event.LawfulBasis, event.CreatedAt)
	return err
}

// ListAuditEvents returns the newest events for an identity, up to limit.
func (s *SQLite) ListAuditEvents(ctx context.Context, identityID string, limit int) ([]*AuditEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, actor_id, action, outcome, details, ip,
			user_agent, lawful_basis, created_at
		FROM audit_events
		WHERE identity_id = ? ORDER BY created_at DESC LIMIT ?`, identityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var event AuditEvent
		var details string
		if err := rows.Scan(&event.ID, &event.IdentityID, &event.ActorID,
			&event.Action, &event.Outcome, &details, &event.IP,
			&event.UserAgent, &event.LawfulBasis, &event.CreatedAt); err != nil {
			return nil, err
		}
		event.Details = unmarshalStringMap(details)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// AppendHandleChange appends one eid rewrite record.
func (s *SQLite) AppendHandleChange(ctx context.Context, change *HandleChange) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handle_changes (
			id, identity_id, old_eid, new_eid, reservation_id, actor_id,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		change.ID, change.IdentityID, change.OldEID, change.NewEID,
		change.ReservationID, change.ActorID, change.CreatedAt)
	return err
}

// ListHandleChanges returns an identity's handle history, newest first.
func (s *SQLite) ListHandleChanges(ctx context.Context, identityID string) ([]*HandleChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, old_eid, new_eid, reservation_id, actor_id,
			created_at
		FROM handle_changes
		WHERE identity_id = ? ORDER BY created_at DESC`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []*HandleChange
	for rows.Next() {
		var change HandleChange
		if err := rows.Scan(&change.ID, &change.IdentityID, &change.OldEID,
			&change.NewEID, &change.ReservationID, &change.ActorID,
			&change.CreatedAt); err != nil {
			return nil, err
		}
		changes = append(changes, &change)
	}
	return changes, rows.Err()
}

// Compile-time interface compliance check.
var _ Store = (*SQLite)(nil)
