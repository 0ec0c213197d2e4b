// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session authenticates identities and manages their sessions:
// registration, password login with lockout, second-factor hand-off,
// password change and reset, and the per-identity session cap.
package session

import (
	"context"
	"encoding/json"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/config"
	"github.com/entativa/id/pkg/credential"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/handle"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/mfa"
	"github.com/entativa/id/pkg/store"
	"github.com/entativa/id/pkg/token"
)

const resetTokenTTL = time.Hour

// ErrLocked reports a login attempt against a temporarily locked identity.
// Unlike credential failures it is deliberately distinguishable, so clients
// can tell the user to wait instead of retrying passwords.
var ErrLocked = errors.Policy("account is temporarily locked, try again later")

// ResetNotifier delivers password-reset tokens out of band.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, email, resetToken string) error
}

// Authenticator is the credential-facing front of the identity core.
type Authenticator struct {
	cfg      *config.Config
	store    store.Store
	tokens   *token.Service
	factors  *mfa.Manager
	governor *handle.Governor
	scorer   *credential.Scorer
	oracle   credential.BreachOracle
	cache    kv.Store
	limits   limiter
	notifier ResetNotifier
	recorder *audit.Recorder
	now      func() time.Time
}

// NewAuthenticator wires an Authenticator. notifier may be nil when
// password reset delivery is handled elsewhere.
func NewAuthenticator(cfg *config.Config, st store.Store, tokens *token.Service, factors *mfa.Manager, governor *handle.Governor, scorer *credential.Scorer, oracle credential.BreachOracle, cache kv.Store, notifier ResetNotifier, recorder *audit.Recorder) *Authenticator {
	return &Authenticator{
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		factors:  factors,
		governor: governor,
		scorer:   scorer,
		oracle:   oracle,
		cache:    cache,
		limits:   limiter{cache: cache},
		notifier: notifier,
		recorder: recorder,
		now:      time.Now,
	}
}

// RegisterRequest carries a registration attempt.
type RegisterRequest struct {
	EID       string
	Email     string
	Phone     string
	Password  string
	FirstName string
	LastName  string
	BirthYear string
	IP        string
	UserAgent string
}

// Register creates a new identity after handle, credential and uniqueness
// checks pass.
func (a *Authenticator) Register(ctx context.Context, req RegisterRequest) (*store.Identity, error) {
	if err := a.limits.allow(ctx, "register", req.IP, registerLimit, registerWindow); err != nil {
		a.auditRateTrip(ctx, "register", req.IP)
		return nil, err
	}

	if _, err := mail.ParseAddress(req.Email); err != nil {
		return nil, errors.Input("invalid email address").WithField("email")
	}

	check, err := a.governor.Check(ctx, req.EID)
	if err != nil {
		return nil, err
	}
	if check.Protected {
		err := errors.Policy("handle is protected: " + check.Reason).WithField("eid")
		if len(check.SuggestedAlternatives) > 0 {
			err = err.WithHint("try: " + check.SuggestedAlternatives[0])
		}
		if check.RequiresVerification {
			err = err.WithHint("submit a verification request to claim this handle")
		}
		return nil, err
	}

	assessment := a.scorer.ScorePassword(req.Password, credential.PersonalInfo{
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		BirthYear: req.BirthYear,
	})
	if !assessment.Acceptable {
		err := errors.Input("password is too weak").WithField("password")
		if len(assessment.Warnings) > 0 {
			err = err.WithHint(assessment.Warnings[0])
		}
		return nil, err
	}
	breached, err := a.oracle.IsBreached(ctx, credential.HashCandidate(req.Password))
	if err != nil {
		return nil, errors.Transient("failed to check credential exposure", err)
	}
	if breached {
		return nil, errors.Input("password appears in known breach data").
			WithField("password").WithHint("choose a password you have not used elsewhere")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), a.cfg.BcryptCost)
	if err != nil {
		return nil, errors.Fatal("failed to hash password", err)
	}

	now := a.now().UTC()
	identity := &store.Identity{
		ID:                 uuid.NewString(),
		EID:                handle.Normalize(req.EID),
		Email:              req.Email,
		Phone:              req.Phone,
		PasswordHash:       string(hash),
		Status:             store.IdentityActive,
		VerificationStatus: store.VerificationNone,
		CreatedIP:          req.IP,
		CreatedUserAgent:   req.UserAgent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := a.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, errors.Conflict("email or handle is already registered")
		}
		return nil, errors.Transient("failed to create identity", err)
	}

	a.recorder.Record(ctx, audit.NewEvent(audit.ActionRegister, audit.OutcomeSuccess).
		WithIdentity(identity.ID).
		WithSource(req.IP, req.UserAgent).
		WithDetail(audit.DetailHandle, identity.EID))
	return identity, nil
}

// LoginRequest carries a password login attempt.
type LoginRequest struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
	Location  string
}

// LoginResult is either a completed session or a pending second-factor
// challenge.
type LoginResult struct {
	Identity *store.Identity
	Session  *store.Session

	AccessToken  string
	RefreshToken string

	// MFARequired signals that the credentials were correct but a second
	// factor must be verified before tokens are issued.
	MFARequired  bool
	MFAChallenge *mfa.Challenge
}

// Login verifies a password and opens a session. Unknown emails and wrong
// passwords answer with the same generic error so callers cannot probe which
// part failed; a locked identity answers with ErrLocked.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if err := a.limits.allow(ctx, "login", req.IP, loginLimit, loginWindow); err != nil {
		a.auditRateTrip(ctx, "login", req.IP)
		return nil, err
	}

	identity, err := a.store.GetIdentityByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn comparable time so unknown emails are not distinguishable.
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(req.Password))
			return nil, errors.Auth("invalid credentials")
		}
		return nil, errors.Transient("failed to load identity", err)
	}

	// Concurrent attempts for one identity serialize on a cache lock so
	// failure counting stays exact.
	var result *LoginResult
	err = kv.WithLock(ctx, a.cache, "login:"+identity.ID, kv.DefaultLockLease, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = a.login(ctx, identity, req)
		return innerErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

var dummyHash = []byte("$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW")

func (a *Authenticator) login(ctx context.Context, identity *store.Identity, req LoginRequest) (*LoginResult, error) {
	now := a.now().UTC()
	if identity.Status == store.IdentitySuspended {
		return nil, errors.Auth("invalid credentials")
	}
	if identity.LockedUntil != nil && now.Before(*identity.LockedUntil) {
		a.recorder.Record(ctx, audit.NewEvent(audit.ActionLogin, audit.OutcomeDenied).
			WithIdentity(identity.ID).
			WithSource(req.IP, req.UserAgent).
			WithDetail(audit.DetailReason, "identity locked"))
		return nil, ErrLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(req.Password)); err != nil {
		return nil, a.recordFailure(ctx, identity, req, now)
	}

	// Correct password: clear the failure window.
	if identity.FailedLoginAttempts > 0 || identity.LockedUntil != nil {
		identity.FailedLoginAttempts = 0
		identity.LockedUntil = nil
	}

	if a.factors != nil {
		challenge, err := a.factors.ChallengeIdentity(ctx, identity.ID)
		if err == nil {
			return &LoginResult{Identity: identity, MFARequired: true, MFAChallenge: challenge}, nil
		}
		if !errors.IsPolicy(err) {
			return nil, err
		}
		// No verified primary factor enrolled: password alone completes.
	}

	return a.openSession(ctx, identity, req.IP, req.UserAgent, req.Location)
}

// CompleteMFALogin finishes a login that was answered with MFARequired.
func (a *Authenticator) CompleteMFALogin(ctx context.Context, challengeToken, code, ip, userAgent, location string) (*LoginResult, error) {
	verified, err := a.factors.Verify(ctx, challengeToken, code)
	if err != nil {
		return nil, err
	}
	identity, err := a.store.GetIdentity(ctx, verified.Method.IdentityID)
	if err != nil {
		return nil, errors.Transient("failed to load identity", err)
	}
	return a.openSession(ctx, identity, ip, userAgent, location)
}

func (a *Authenticator) recordFailure(ctx context.Context, identity *store.Identity, req LoginRequest, now time.Time) error {
	count, err := a.cache.Incr(ctx, kv.Key(kv.KeyRate, "loginfail:"+identity.ID), a.cfg.FailedLoginWindow)
	if err != nil {
		return errors.Transient("failed to count login failures", err)
	}
	identity.FailedLoginAttempts = int(count)

	outcome := audit.OutcomeFailure
	if count >= int64(a.cfg.FailedLoginThreshold) {
		lockedUntil := now.Add(a.cfg.LockoutDuration)
		identity.LockedUntil = &lockedUntil
		outcome = audit.OutcomeDenied
	}
	identity.UpdatedAt = now
	if err := a.store.UpdateIdentity(ctx, identity); err != nil {
		return errors.Transient("failed to update identity", err)
	}

	if identity.LockedUntil != nil {
		a.recorder.Record(ctx, audit.NewEvent(audit.ActionLockout, audit.OutcomeDenied).
			WithIdentity(identity.ID).
			WithSource(req.IP, req.UserAgent).
			WithDetail(audit.DetailReason, "failed login threshold reached"))
	} else {
		a.recorder.Record(ctx, audit.NewEvent(audit.ActionLogin, outcome).
			WithIdentity(identity.ID).
			WithSource(req.IP, req.UserAgent).
			WithDetail(audit.DetailReason, "wrong password"))
	}
	return errors.Auth("invalid credentials")
}

// sessionProjection is the cache copy of a live session, read on the hot
// path instead of the durable store.
type sessionProjection struct {
	IdentityID string    `json:"identity_id"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (a *Authenticator) openSession(ctx context.Context, identity *store.Identity, ip, userAgent, location string) (*LoginResult, error) {
	now := a.now().UTC()

	// Enforce the session cap before adding the new one.
	active, err := a.store.ListActiveSessions(ctx, identity.ID, now)
	if err != nil {
		return nil, errors.Transient("failed to list sessions", err)
	}
	for len(active) >= a.cfg.MaxSessionsPerIdentity {
		oldest := active[0]
		if err := a.revokeSession(ctx, identity.ID, oldest, "evicted by session cap"); err != nil {
			return nil, err
		}
		a.recorder.Record(ctx, audit.NewEvent(audit.ActionSessionEvict, audit.OutcomeSuccess).
			WithIdentity(identity.ID).
			WithDetail(audit.DetailSessionID, oldest.ID))
		active = active[1:]
	}

	session := &store.Session{
		ID:         uuid.NewString(),
		IdentityID: identity.ID,
		UserAgent:  userAgent,
		IP:         ip,
		Location:   location,
		CreatedAt:  now,
		ExpiresAt:  now.Add(a.cfg.RefreshTokenTTL),
	}

	accessToken, accessRow, err := a.tokens.IssueAccessToken(ctx, identity, session.ID, "", nil)
	if err != nil {
		return nil, err
	}
	refreshToken, refreshRow, err := a.tokens.IssueRefreshToken(ctx, identity.ID, session.ID, "", "", nil)
	if err != nil {
		return nil, err
	}
	session.AccessTokenID = accessRow.ID
	session.RefreshTokenID = refreshRow.ID

	if err := a.store.CreateSession(ctx, session); err != nil {
		return nil, errors.Transient("failed to create session", err)
	}
	a.projectSession(ctx, session)

	// A completed login resets the failure state, including for identities
	// reloaded on the second-factor path.
	identity.FailedLoginAttempts = 0
	identity.LockedUntil = nil
	identity.LastLoginAt = &now
	identity.UpdatedAt = now
	if err := a.store.UpdateIdentity(ctx, identity); err != nil {
		return nil, errors.Transient("failed to update identity", err)
	}
	_ = a.cache.Delete(ctx, kv.Key(kv.KeyRate, "loginfail:"+identity.ID))

	a.recorder.Record(ctx, audit.NewEvent(audit.ActionLogin, audit.OutcomeSuccess).
		WithIdentity(identity.ID).
		WithSource(ip, userAgent).
		WithDetail(audit.DetailSessionID, session.ID))

	return &LoginResult{
		Identity:     identity,
		Session:      session,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

// projectSession caches the session for the access-token lifetime. Cache
// failures are tolerated; the durable row remains authoritative.
func (a *Authenticator) projectSession(ctx context.Context, session *store.Session) {
	payload, err := json.Marshal(sessionProjection{
		IdentityID: session.IdentityID,
		IP:         session.IP,
		UserAgent:  session.UserAgent,
		CreatedAt:  session.CreatedAt,
	})
	if err != nil {
		return
	}
	_ = a.cache.Set(ctx, kv.Key(kv.KeySession, session.ID), string(payload), a.cfg.AccessTokenTTL)
	// The index outlives the projection: it must cover every session that
	// still holds a live refresh token.
	_ = a.cache.SetAdd(ctx, kv.Key(kv.KeySessionIndex, session.IdentityID), session.ID, a.cfg.RefreshTokenTTL)
}

// Logout closes one session and revokes its tokens.
func (a *Authenticator) Logout(ctx context.Context, identityID, sessionID string) error {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Transient("failed to load session", err)
	}
	if session.IdentityID != identityID {
		return errors.Auth("session does not belong to this identity")
	}
	if err := a.revokeSession(ctx, identityID, session, "logout"); err != nil {
		return err
	}
	a.recorder.Record(ctx, audit.NewEvent(audit.ActionLogout, audit.OutcomeSuccess).
		WithIdentity(identityID).
		WithDetail(audit.DetailSessionID, sessionID))
	return nil
}

// ListSessions returns the identity's active sessions, oldest first.
func (a *Authenticator) ListSessions(ctx context.Context, identityID string) ([]*store.Session, error) {
	sessions, err := a.store.ListActiveSessions(ctx, identityID, a.now().UTC())
	if err != nil {
		return nil, errors.Transient("failed to list sessions", err)
	}
	return sessions, nil
}

// RevokeSession force-closes one session, for "sign out everywhere else"
// style flows.
func (a *Authenticator) RevokeSession(ctx context.Context, identityID, sessionID, reason string) error {
	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Transient("failed to load session", err)
	}
	if session.IdentityID != identityID {
		return errors.Auth("session does not belong to this identity")
	}
	return a.revokeSession(ctx, identityID, session, reason)
}

func (a *Authenticator) revokeSession(ctx context.Context, identityID string, session *store.Session, reason string) error {
	if err := a.store.RevokeSession(ctx, session.ID, a.now().UTC()); err != nil {
		return errors.Transient("failed to revoke session", err)
	}
	if _, err := a.tokens.RevokeSessionTokens(ctx, session.ID, identityID, reason); err != nil {
		return err
	}
	_ = a.cache.Delete(ctx, kv.Key(kv.KeySession, session.ID))
	_ = a.cache.SetRemove(ctx, kv.Key(kv.KeySessionIndex, identityID), session.ID)
	return nil
}

// ChangePassword swaps the password after verifying the current one. Every
// other session is closed since its tokens predate the change.
func (a *Authenticator) ChangePassword(ctx context.Context, identityID, currentSessionID, oldPassword, newPassword string) error {
	identity, err := a.store.GetIdentity(ctx, identityID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.NotFound("identity not found")
		}
		return errors.Transient("failed to load identity", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(identity.PasswordHash), []byte(oldPassword)); err != nil {
		return errors.Auth("invalid credentials")
	}
	if err := a.setPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	sessions, err := a.store.ListActiveSessions(ctx, identityID, a.now().UTC())
	if err != nil {
		return errors.Transient("failed to list sessions", err)
	}
	for _, session := range sessions {
		if session.ID == currentSessionID {
			continue
		}
		if err := a.revokeSession(ctx, identityID, session, "password changed"); err != nil {
			return err
		}
	}

	a.recorder.Record(ctx, audit.NewEvent(audit.ActionPasswordChange, audit.OutcomeSuccess).
		WithIdentity(identityID))
	return nil
}

// RequestPasswordReset mints a single-use reset token. Unknown emails get
// the same silent success as known ones.
func (a *Authenticator) RequestPasswordReset(ctx context.Context, email, ip string) error {
	if err := a.limits.allow(ctx, "pwreset", email, resetLimit, resetWindow); err != nil {
		a.auditRateTrip(ctx, "pwreset", ip)
		return err
	}

	identity, err := a.store.GetIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Transient("failed to load identity", err)
	}

	resetToken := uuid.NewString()
	key := kv.Key(kv.KeyResetToken, token.HashSecret(resetToken))
	if err := a.cache.Set(ctx, key, identity.ID, resetTokenTTL); err != nil {
		return errors.Transient("failed to store reset token", err)
	}
	if a.notifier != nil {
		if err := a.notifier.SendPasswordReset(ctx, email, resetToken); err != nil {
			return errors.Transient("failed to deliver reset token", err)
		}
	}
	return nil
}

// CompletePasswordReset redeems a reset token. All sessions close; the old
// credential may be compromised.
func (a *Authenticator) CompletePasswordReset(ctx context.Context, resetToken, newPassword string) error {
	identityID, err := a.cache.GetDel(ctx, kv.Key(kv.KeyResetToken, token.HashSecret(resetToken)))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return errors.Auth("reset token is invalid or expired")
		}
		return errors.Transient("failed to load reset token", err)
	}

	identity, err := a.store.GetIdentity(ctx, identityID)
	if err != nil {
		return errors.Transient("failed to load identity", err)
	}
	if err := a.setPassword(ctx, identity, newPassword); err != nil {
		return err
	}

	sessions, err := a.store.ListActiveSessions(ctx, identity.ID, a.now().UTC())
	if err != nil {
		return errors.Transient("failed to list sessions", err)
	}
	for _, session := range sessions {
		if err := a.revokeSession(ctx, identity.ID, session, "password reset"); err != nil {
			return err
		}
	}

	a.recorder.Record(ctx, audit.NewEvent(audit.ActionPasswordReset, audit.OutcomeSuccess).
		WithIdentity(identity.ID))
	return nil
}

func (a *Authenticator) setPassword(ctx context.Context, identity *store.Identity, newPassword string) error {
	assessment := a.scorer.ScorePassword(newPassword, credential.PersonalInfo{Email: identity.Email})
	if !assessment.Acceptable {
		err := errors.Input("password is too weak").WithField("password")
		if len(assessment.Warnings) > 0 {
			err = err.WithHint(assessment.Warnings[0])
		}
		return err
	}
	breached, err := a.oracle.IsBreached(ctx, credential.HashCandidate(newPassword))
	if err != nil {
		return errors.Transient("failed to check credential exposure", err)
	}
	if breached {
		return errors.Input("password appears in known breach data").WithField("password")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.cfg.BcryptCost)
	if err != nil {
		return errors.Fatal("failed to hash password", err)
	}
	now := a.now().UTC()
	identity.PasswordHash = string(hash)
	identity.FailedLoginAttempts = 0
	identity.LockedUntil = nil
	identity.UpdatedAt = now
	if err := a.store.UpdateIdentity(ctx, identity); err != nil {
		return errors.Transient("failed to update identity", err)
	}
	return nil
}

func (a *Authenticator) auditRateTrip(ctx context.Context, name, source string) {
	a.recorder.Record(ctx, audit.NewEvent(audit.ActionRateLimitTrip, audit.OutcomeDenied).
		WithSource(source, "").
		WithDetail(audit.DetailReason, name))
}
