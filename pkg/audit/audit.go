// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit records append-only security and compliance events. Every
// authentication or policy failure produces an event; successful
// state-changing operations produce one as well.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/entativa/id/pkg/logger"
	"github.com/entativa/id/pkg/store"
)

// Action is the closed set of auditable operations.
type Action string

// Auditable actions.
const (
	ActionRegister         Action = "identity.register"
	ActionLogin            Action = "identity.login"
	ActionLogout           Action = "identity.logout"
	ActionLockout          Action = "identity.lockout"
	ActionPasswordChange   Action = "identity.password_change"
	ActionPasswordReset    Action = "identity.password_reset"
	ActionHandleCheck      Action = "handle.check"
	ActionHandleReserve    Action = "handle.reserve"
	ActionHandleApprove    Action = "handle.approve"
	ActionHandleReject     Action = "handle.reject"
	ActionHandleAppeal     Action = "handle.appeal"
	ActionHandleChange     Action = "handle.change"
	ActionMFAEnroll        Action = "mfa.enroll"
	ActionMFAVerify        Action = "mfa.verify"
	ActionMFADeactivate    Action = "mfa.deactivate"
	ActionTokenIssue       Action = "token.issue"
	ActionTokenRefresh     Action = "token.refresh"
	ActionTokenRevoke      Action = "token.revoke"
	ActionCodeReplay       Action = "token.code_replay"
	ActionOAuthAuthorize   Action = "oauth.authorize"
	ActionOAuthConsent     Action = "oauth.consent"
	ActionOAuthTokenGrant  Action = "oauth.token_grant"
	ActionClientRegister   Action = "oauth.client_register"
	ActionAPIKeyIssue      Action = "apikey.issue"
	ActionAPIKeyRevoke     Action = "apikey.revoke"
	ActionRateLimitTrip    Action = "rate_limit.trip"
	ActionSessionEvict     Action = "session.evict"
	ActionNotificationSend Action = "notification.send"
)

// Outcome classifies how the audited operation ended.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
	OutcomeError   Outcome = "error"
)

// Known detail keys. Unknown keys pass through as opaque string pairs.
const (
	DetailReason    = "reason"
	DetailClientID  = "client_id"
	DetailHandle    = "handle"
	DetailTokenID   = "token_id"
	DetailSessionID = "session_id"
	DetailScope     = "scope"
	DetailMethod    = "method"
	DetailGrantType = "grant_type"
	DetailChannel   = "channel"
)

// Event is one audit record under construction.
type Event struct {
	Action      Action
	Outcome     Outcome
	IdentityID  string
	ActorID     string
	IP          string
	UserAgent   string
	LawfulBasis string
	Details     map[string]string
}

// NewEvent starts an event for the given action and outcome.
func NewEvent(action Action, outcome Outcome) *Event {
	return &Event{Action: action, Outcome: outcome}
}

// WithIdentity sets the affected identity.
func (e *Event) WithIdentity(id string) *Event {
	e.IdentityID = id
	return e
}

// WithActor sets the acting identity when it differs from the affected one
// (moderator decisions, admin revocations).
func (e *Event) WithActor(id string) *Event {
	e.ActorID = id
	return e
}

// WithSource sets the request origin.
func (e *Event) WithSource(ip, userAgent string) *Event {
	e.IP = ip
	e.UserAgent = userAgent
	return e
}

// WithLawfulBasis sets the GDPR processing basis.
func (e *Event) WithLawfulBasis(basis string) *Event {
	e.LawfulBasis = basis
	return e
}

// WithDetail adds one detail pair.
func (e *Event) WithDetail(key, value string) *Event {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Recorder writes audit events to the durable store and mirrors them to the
// structured log.
type Recorder struct {
	store store.AuditStore
	now   func() time.Time
}

// NewRecorder creates a Recorder on the given store.
func NewRecorder(auditStore store.AuditStore) *Recorder {
	return &Recorder{store: auditStore, now: time.Now}
}

// Record persists the event. Persistence failures are logged rather than
// propagated so an audit outage cannot turn an otherwise handled failure
// into a hard error; the log line preserves the event either way.
func (r *Recorder) Record(ctx context.Context, event *Event) {
	row := &store.AuditEvent{
		ID:          uuid.NewString(),
		IdentityID:  event.IdentityID,
		ActorID:     event.ActorID,
		Action:      string(event.Action),
		Outcome:     string(event.Outcome),
		Details:     event.Details,
		IP:          event.IP,
		UserAgent:   event.UserAgent,
		LawfulBasis: event.LawfulBasis,
		CreatedAt:   r.now().UTC(),
	}

	logger.Infow("audit event",
		"action", row.Action,
		"outcome", row.Outcome,
		"identity_id", row.IdentityID,
		"actor_id", row.ActorID,
		"ip", row.IP,
		"details", row.Details,
	)

	if err := r.store.AppendAuditEvent(ctx, row); err != nil {
		logger.Errorw("failed to persist audit event",
			"action", row.Action, "error", err)
	}
}
