// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Store with in-memory maps. It is safe for concurrent
// use and intended for development and tests; production deployments use
// the SQLite backend.
type Memory struct {
	mu sync.RWMutex

	identities      map[string]*Identity
	identityByEmail map[string]string
	identityByEID   map[string]string

	profiles map[string]*Profile

	entities       map[string]*ProtectedEntity
	entityByHandle map[string]string
	reserved       map[string]*ReservedHandle

	reservations map[string]*ReservationRequest

	clients map[string]*OAuthClient

	tokens      map[string]*Token
	tokenByHash map[string]string

	sessions map[string]*Session

	mfaMethods map[string]*MFAMethod

	auditEvents []*AuditEvent

	handleChanges []*HandleChange
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		identities:      make(map[string]*Identity),
		identityByEmail: make(map[string]string),
		identityByEID:   make(map[string]string),
		profiles:        make(map[string]*Profile),
		entities:        make(map[string]*ProtectedEntity),
		entityByHandle:  make(map[string]string),
		reserved:        make(map[string]*ReservedHandle),
		reservations:    make(map[string]*ReservationRequest),
		clients:         make(map[string]*OAuthClient),
		tokens:          make(map[string]*Token),
		tokenByHash:     make(map[string]string),
		sessions:        make(map[string]*Session),
		mfaMethods:      make(map[string]*MFAMethod),
	}
}

// Ping is a no-op for in-memory storage.
func (*Memory) Ping(_ context.Context) error { return nil }

// Close is a no-op for in-memory storage.
func (*Memory) Close() error { return nil }

// CreateIdentity inserts a new identity, enforcing email and eid uniqueness.
func (m *Memory) CreateIdentity(_ context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[identity.ID]; ok {
		return ErrConflict
	}
	emailKey := strings.ToLower(identity.Email)
	if _, ok := m.identityByEmail[emailKey]; ok {
		return ErrConflict
	}
	if _, ok := m.identityByEID[identity.EID]; ok {
		return ErrConflict
	}

	m.identities[identity.ID] = identity.Clone()
	m.identityByEmail[emailKey] = identity.ID
	m.identityByEID[identity.EID] = identity.ID
	return nil
}

// GetIdentity returns an identity by id.
func (m *Memory) GetIdentity(_ context.Context, id string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return identity.Clone(), nil
}

// GetIdentityByEmail returns an identity by email (case-insensitive).
func (m *Memory) GetIdentityByEmail(_ context.Context, email string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.identityByEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return m.identities[id].Clone(), nil
}

// GetIdentityByEID returns an identity by its handle.
func (m *Memory) GetIdentityByEID(_ context.Context, eid string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.identityByEID[eid]
	if !ok {
		return nil, ErrNotFound
	}
	return m.identities[id].Clone(), nil
}

// UpdateIdentity replaces a stored identity, keeping uniqueness indexes
// consistent when the email or eid changed.
func (m *Memory) UpdateIdentity(_ context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.identities[identity.ID]
	if !ok {
		return ErrNotFound
	}

	emailKey := strings.ToLower(identity.Email)
	currentEmailKey := strings.ToLower(current.Email)
	if emailKey != currentEmailKey {
		if _, taken := m.identityByEmail[emailKey]; taken {
			return ErrConflict
		}
	}
	if identity.EID != current.EID {
		if _, taken := m.identityByEID[identity.EID]; taken {
			return ErrConflict
		}
	}

	delete(m.identityByEmail, currentEmailKey)
	delete(m.identityByEID, current.EID)
	m.identities[identity.ID] = identity.Clone()
	m.identityByEmail[emailKey] = identity.ID
	m.identityByEID[identity.EID] = identity.ID
	return nil
}

// UpsertProfile stores the profile of an identity.
func (m *Memory) UpsertProfile(_ context.Context, profile *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[profile.IdentityID] = profile.Clone()
	return nil
}

// GetProfile returns the profile of an identity.
func (m *Memory) GetProfile(_ context.Context, identityID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[identityID]
	if !ok {
		return nil, ErrNotFound
	}
	return profile.Clone(), nil
}

// CreateProtectedEntity inserts a registry record. The canonical handle is
// unique across all categories.
func (m *Memory) CreateProtectedEntity(_ context.Context, entity *ProtectedEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entities[entity.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.entityByHandle[entity.Handle]; ok {
		return ErrConflict
	}

	m.entities[entity.ID] = entity.Clone()
	m.entityByHandle[entity.Handle] = entity.ID
	return nil
}

// GetProtectedEntityByHandle matches the canonical handle exactly.
func (m *Memory) GetProtectedEntityByHandle(_ context.Context, handle string) (*ProtectedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.entityByHandle[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return m.entities[id].Clone(), nil
}

// GetProtectedEntityByAlias matches any alias exactly. Ties between
// entities sharing an alias resolve by category precedence.
func (m *Memory) GetProtectedEntityByAlias(_ context.Context, alias string) (*ProtectedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *ProtectedEntity
	for _, entity := range m.entities {
		for _, a := range entity.Aliases {
			if a != alias {
				continue
			}
			if best == nil || CategoryRank(entity.Category) < CategoryRank(best.Category) {
				best = entity
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

// ListProtectedEntities returns the whole registry.
func (m *Memory) ListProtectedEntities(_ context.Context) ([]*ProtectedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entities := make([]*ProtectedEntity, 0, len(m.entities))
	for _, entity := range m.entities {
		entities = append(entities, entity.Clone())
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].Handle < entities[j].Handle })
	return entities, nil
}

// CreateReservedHandle inserts a system reservation.
func (m *Memory) CreateReservedHandle(_ context.Context, reserved *ReservedHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reserved[reserved.Handle]; ok {
		return ErrConflict
	}
	clone := *reserved
	m.reserved[reserved.Handle] = &clone
	return nil
}

// GetReservedHandle returns a system reservation by handle.
func (m *Memory) GetReservedHandle(_ context.Context, handle string) (*ReservedHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reserved, ok := m.reserved[handle]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *reserved
	return &clone, nil
}

// CreateReservation inserts a pending request, atomically rejecting a
// duplicate pending request for the same identity and handle.
func (m *Memory) CreateReservation(_ context.Context, req *ReservationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[req.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.reservations {
		if existing.IdentityID == req.IdentityID &&
			existing.Handle == req.Handle &&
			existing.Status == ReservationPending {
			return ErrConflict
		}
	}

	m.reservations[req.ID] = req.Clone()
	return nil
}

// GetReservation returns a request by id.
func (m *Memory) GetReservation(_ context.Context, id string) (*ReservationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.Clone(), nil
}

// UpdateReservation replaces a stored request.
func (m *Memory) UpdateReservation(_ context.Context, req *ReservationRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[req.ID]; !ok {
		return ErrNotFound
	}
	m.reservations[req.ID] = req.Clone()
	return nil
}

// ListReservationsByIdentity returns an identity's requests newest first.
func (m *Memory) ListReservationsByIdentity(_ context.Context, identityID string) ([]*ReservationRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var reqs []*ReservationRequest
	for _, req := range m.reservations {
		if req.IdentityID == identityID {
			reqs = append(reqs, req.Clone())
		}
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return reqs, nil
}

// CreateClient inserts an OAuth client.
func (m *Memory) CreateClient(_ context.Context, client *OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		return ErrConflict
	}
	m.clients[client.ID] = client.Clone()
	return nil
}

// GetClient returns a client by id.
func (m *Memory) GetClient(_ context.Context, id string) (*OAuthClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	client, ok := m.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return client.Clone(), nil
}

// UpdateClient replaces a stored client.
func (m *Memory) UpdateClient(_ context.Context, client *OAuthClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[client.ID]; !ok {
		return ErrNotFound
	}
	m.clients[client.ID] = client.Clone()
	return nil
}

// CreateToken inserts a token row, enforcing hash uniqueness.
func (m *Memory) CreateToken(_ context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tokens[token.ID]; ok {
		return ErrConflict
	}
	if _, ok := m.tokenByHash[token.Hash]; ok {
		return ErrConflict
	}

	m.tokens[token.ID] = token.Clone()
	m.tokenByHash[token.Hash] = token.ID
	return nil
}

// GetToken returns a token row by id.
func (m *Memory) GetToken(_ context.Context, id string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return token.Clone(), nil
}

// GetTokenByHash returns a token row by secret hash.
func (m *Memory) GetTokenByHash(_ context.Context, hash string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokenByHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	return m.tokens[id].Clone(), nil
}

// GetTokensByPrefix returns API-key rows sharing the visible prefix.
func (m *Memory) GetTokensByPrefix(_ context.Context, prefix string) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []*Token
	for _, token := range m.tokens {
		if token.Prefix == prefix {
			tokens = append(tokens, token.Clone())
		}
	}
	return tokens, nil
}

// UpdateToken replaces a stored token row.
func (m *Memory) UpdateToken(_ context.Context, token *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tokens[token.ID]
	if !ok {
		return ErrNotFound
	}
	if token.Hash != current.Hash {
		if _, taken := m.tokenByHash[token.Hash]; taken {
			return ErrConflict
		}
		delete(m.tokenByHash, current.Hash)
		m.tokenByHash[token.Hash] = token.ID
	}
	m.tokens[token.ID] = token.Clone()
	return nil
}

// RevokeToken marks one token row revoked. Missing rows are ignored.
func (m *Memory) RevokeToken(_ context.Context, id, revokedBy, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.revokeTokenLocked(id, revokedBy, reason, at)
	return nil
}

func (m *Memory) revokeTokenLocked(id, revokedBy, reason string, at time.Time) *Token {
	token, ok := m.tokens[id]
	if !ok || token.Revoked {
		return nil
	}
	token.Revoked = true
	token.RevokedAt = &at
	token.RevokedBy = revokedBy
	token.RevocationReason = reason
	return token
}

// RevokeTokensByAuthCode revokes every token minted from the authorization
// code and returns the affected rows.
func (m *Memory) RevokeTokensByAuthCode(_ context.Context, authCodeID, reason string, at time.Time) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var revoked []*Token
	for id, token := range m.tokens {
		if token.AuthCodeID == authCodeID && !token.Revoked {
			if t := m.revokeTokenLocked(id, "", reason, at); t != nil {
				revoked = append(revoked, t.Clone())
			}
		}
	}
	return revoked, nil
}

// RevokeTokensBySession revokes every token bound to the session and
// returns the affected rows.
func (m *Memory) RevokeTokensBySession(_ context.Context, sessionID, reason string, at time.Time) ([]*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var revoked []*Token
	for id, token := range m.tokens {
		if token.SessionID == sessionID && !token.Revoked {
			if t := m.revokeTokenLocked(id, "", reason, at); t != nil {
				revoked = append(revoked, t.Clone())
			}
		}
	}
	return revoked, nil
}

// ListTokensByIdentity returns every token row whose subject is the
// identity, newest first.
func (m *Memory) ListTokensByIdentity(_ context.Context, identityID string) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tokens []*Token
	for _, token := range m.tokens {
		if token.Subject == identityID {
			tokens = append(tokens, token.Clone())
		}
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].IssuedAt.After(tokens[j].IssuedAt) })
	return tokens, nil
}

// CreateSession inserts a session.
func (m *Memory) CreateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return ErrConflict
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession returns a session by id.
func (m *Memory) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return session.Clone(), nil
}

// UpdateSession replaces a stored session.
func (m *Memory) UpdateSession(_ context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

// ListActiveSessions returns the live sessions of an identity, oldest
// first so callers can evict from the front.
func (m *Memory) ListActiveSessions(_ context.Context, identityID string, now time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sessions []*Session
	for _, session := range m.sessions {
		if session.IdentityID == identityID && session.Active(now) {
			sessions = append(sessions, session.Clone())
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	return sessions, nil
}

// RevokeSession marks a session revoked. Missing sessions are ignored.
func (m *Memory) RevokeSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok || session.RevokedAt != nil {
		return nil
	}
	session.RevokedAt = &at
	return nil
}

// CreateMFAMethod inserts an enrolled factor.
func (m *Memory) CreateMFAMethod(_ context.Context, method *MFAMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mfaMethods[method.ID]; ok {
		return ErrConflict
	}
	if method.Primary {
		for _, existing := range m.mfaMethods {
			if existing.IdentityID == method.IdentityID && existing.Primary {
				return ErrConflict
			}
		}
	}
	m.mfaMethods[method.ID] = method.Clone()
	return nil
}

// GetMFAMethod returns a factor by id.
func (m *Memory) GetMFAMethod(_ context.Context, id string) (*MFAMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	method, ok := m.mfaMethods[id]
	if !ok {
		return nil, ErrNotFound
	}
	return method.Clone(), nil
}

// ListMFAMethods returns the factors of an identity by ascending priority.
func (m *Memory) ListMFAMethods(_ context.Context, identityID string) ([]*MFAMethod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var methods []*MFAMethod
	for _, method := range m.mfaMethods {
		if method.IdentityID == identityID {
			methods = append(methods, method.Clone())
		}
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i].Priority < methods[j].Priority })
	return methods, nil
}

// UpdateMFAMethod replaces a stored factor, preserving the single-primary
// invariant.
func (m *Memory) UpdateMFAMethod(_ context.Context, method *MFAMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mfaMethods[method.ID]; !ok {
		return ErrNotFound
	}
	if method.Primary {
		for id, existing := range m.mfaMethods {
			if id != method.ID && existing.IdentityID == method.IdentityID && existing.Primary {
				return ErrConflict
			}
		}
	}
	m.mfaMethods[method.ID] = method.Clone()
	return nil
}

// SetPrimaryMFAMethod makes the given factor primary and demotes every
// other factor of the identity in one step.
func (m *Memory) SetPrimaryMFAMethod(_ context.Context, identityID, methodID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.mfaMethods[methodID]
	if !ok || target.IdentityID != identityID {
		return ErrNotFound
	}
	for _, method := range m.mfaMethods {
		if method.IdentityID == identityID {
			method.Primary = method.ID == methodID
		}
	}
	return nil
}

// AppendAuditEvent appends one audit record.
func (m *Memory) AppendAuditEvent(_ context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.auditEvents = append(m.auditEvents, event.Clone())
	return nil
}

// ListAuditEvents returns the newest events for an identity, up to limit.
func (m *Memory) ListAuditEvents(_ context.Context, identityID string, limit int) ([]*AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var events []*AuditEvent
	for i := len(m.auditEvents) - 1; i >= 0; i-- {
		event := m.auditEvents[i]
		if event.IdentityID != identityID {
			continue
		}
		events = append(events, event.Clone())
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// AppendHandleChange appends one eid rewrite record.
func (m *Memory) AppendHandleChange(_ context.Context, change *HandleChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := *change
	m.handleChanges = append(m.handleChanges, &clone)
	return nil
}

// ListHandleChanges returns an identity's handle history, newest first.
func (m *Memory) ListHandleChanges(_ context.Context, identityID string) ([]*HandleChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var changes []*HandleChange
	for i := len(m.handleChanges) - 1; i >= 0; i-- {
		if m.handleChanges[i].IdentityID == identityID {
			clone := *m.handleChanges[i]
			changes = append(changes, &clone)
		}
	}
	return changes, nil
}

// Compile-time interface compliance check.
var _ Store = (*Memory)(nil)
