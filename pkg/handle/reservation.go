// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/store"
)

// appealWindow is how long after a rejection an appeal may be filed.
const appealWindow = 30 * 24 * time.Hour

// verifiedBadge is assigned when a protected-handle claim is approved.
const verifiedBadge = "verified"

// SubmitReservation files a claim on a handle. The duplicate-pending check
// and insert are atomic in the store; a second pending request for the same
// identity and handle is rejected.
func (g *Governor) SubmitReservation(ctx context.Context, identityID, candidate, justification string, evidence []string) (*store.ReservationRequest, error) {
	normalized := Normalize(candidate)
	if err := Validate(normalized, g.cfg.HandleMinLen, g.cfg.HandleMaxLen); err != nil {
		return nil, err
	}
	if _, err := g.identities.GetIdentity(ctx, identityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("identity not found")
		}
		return nil, errors.Transient("failed to load identity", err)
	}

	now := g.now().UTC()
	req := &store.ReservationRequest{
		ID:            uuid.NewString(),
		IdentityID:    identityID,
		Handle:        normalized,
		Justification: justification,
		EvidenceURIs:  evidence,
		Status:        store.ReservationPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := g.reservations.CreateReservation(ctx, req); err != nil {
		if errors.Is(err, store.ErrConflict) {
			g.recorder.Record(ctx, audit.NewEvent(audit.ActionHandleReserve, audit.OutcomeDenied).
				WithIdentity(identityID).
				WithDetail(audit.DetailHandle, normalized).
				WithDetail(audit.DetailReason, "duplicate pending reservation"))
			return nil, errors.Conflict("a pending reservation for this handle already exists")
		}
		return nil, errors.Transient("failed to create reservation", err)
	}

	g.recorder.Record(ctx, audit.NewEvent(audit.ActionHandleReserve, audit.OutcomeSuccess).
		WithIdentity(identityID).
		WithDetail(audit.DetailHandle, normalized))
	return req, nil
}

// ApproveReservation grants a pending or appealed claim. The identity gains
// the verification badge; when rewriteEID is set its handle is rewritten
// and the change recorded in the handle history.
func (g *Governor) ApproveReservation(ctx context.Context, reservationID, reviewerID string, rewriteEID bool) error {
	req, err := g.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if req.Status != store.ReservationPending && req.Status != store.ReservationAppealed {
		return errors.Conflict("reservation is not awaiting review")
	}

	identity, err := g.identities.GetIdentity(ctx, req.IdentityID)
	if err != nil {
		return errors.Transient("failed to load identity", err)
	}

	now := g.now().UTC()
	oldEID := identity.EID

	identity.VerificationStatus = store.VerificationVerified
	identity.VerificationBadge = verifiedBadge
	if rewriteEID {
		identity.EID = req.Handle
	}
	identity.UpdatedAt = now
	if err := g.identities.UpdateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return errors.Conflict("handle is already taken")
		}
		return errors.Transient("failed to update identity", err)
	}

	req.Status = store.ReservationApproved
	req.ReviewerID = reviewerID
	req.DecidedAt = &now
	req.UpdatedAt = now
	if err := g.reservations.UpdateReservation(ctx, req); err != nil {
		return errors.Transient("failed to update reservation", err)
	}

	if rewriteEID && oldEID != req.Handle {
		change := &store.HandleChange{
			ID:            uuid.NewString(),
			IdentityID:    identity.ID,
			OldEID:        oldEID,
			NewEID:        req.Handle,
			ReservationID: req.ID,
			ActorID:       reviewerID,
			CreatedAt:     now,
		}
		if err := g.history.AppendHandleChange(ctx, change); err != nil {
			return errors.Transient("failed to record handle change", err)
		}
		g.recorder.Record(ctx, audit.NewEvent(audit.ActionHandleChange, audit.OutcomeSuccess).
			WithIdentity(identity.ID).
			WithActor(reviewerID).
			WithDetail(audit.DetailHandle, req.Handle).
			WithDetail("old_handle", oldEID))
	}

	// The approved handle may now be claimable state; drop stale verdicts.
	if err := g.Invalidate(ctx, req.Handle); err != nil {
		return errors.Transient("failed to invalidate protection cache", err)
	}

	g.recorder.Record(ctx, audit.NewEvent(audit.ActionHandleApprove, audit.OutcomeSuccess).
		WithIdentity(identity.ID).
		WithActor(reviewerID).
		WithDetail(audit.DetailHandle, req.Handle))
	return nil
}

// RejectReservation denies a pending or appealed claim with a reason. The
// requester may file one appeal within thirty days.
func (g *Governor) RejectReservation(ctx context.Context, reservationID, reviewerID, reason string) error {
	req, err := g.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if req.Status != store.ReservationPending && req.Status != store.ReservationAppealed {
		return errors.Conflict("reservation is not awaiting review")
	}

	now := g.now().UTC()
	req.Status = store.ReservationRejected
	req.ReviewerID = reviewerID
	req.RejectionReason = reason
	req.DecidedAt = &now
	req.UpdatedAt = now
	if err := g.reservations.UpdateReservation(ctx, req); err != nil {
		return errors.Transient("failed to update reservation", err)
	}

	g.recorder.Record(ctx, audit.NewEvent(audit.ActionHandleReject, audit.OutcomeSuccess).
		WithIdentity(req.IdentityID).
		WithActor(reviewerID).
		WithDetail(audit.DetailHandle, req.Handle).
		WithDetail(audit.DetailReason, reason))
	return nil
}

// AppealReservation contests a rejection. Only the requester may appeal,
// only once, and only within the appeal window.
func (g *Governor) AppealReservation(ctx context.Context, reservationID, identityID, text string) error {
	req, err := g.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if req.IdentityID != identityID {
		return errors.Auth("reservation does not belong to this identity")
	}
	if req.Status != store.ReservationRejected {
		return errors.Conflict("only rejected reservations can be appealed")
	}
	if req.AppealedAt != nil {
		return errors.Conflict("reservation was already appealed").
			WithHint("each rejection may be appealed once")
	}
	now := g.now().UTC()
	if req.DecidedAt == nil || now.Sub(*req.DecidedAt) > appealWindow {
		return errors.Policy("the appeal window has closed").
			WithHint("appeals must be filed within 30 days of rejection")
	}

	req.Status = store.ReservationAppealed
	req.AppealText = text
	req.AppealedAt = &now
	req.UpdatedAt = now
	if err := g.reservations.UpdateReservation(ctx, req); err != nil {
		return errors.Transient("failed to update reservation", err)
	}

	g.recorder.Record(ctx, audit.NewEvent(audit.ActionHandleAppeal, audit.OutcomeSuccess).
		WithIdentity(identityID).
		WithDetail(audit.DetailHandle, req.Handle))
	return nil
}

// WithdrawReservation cancels the requester's own pending claim.
func (g *Governor) WithdrawReservation(ctx context.Context, reservationID, identityID string) error {
	req, err := g.loadReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if req.IdentityID != identityID {
		return errors.Auth("reservation does not belong to this identity")
	}
	if req.Status != store.ReservationPending {
		return errors.Conflict("only pending reservations can be withdrawn")
	}

	now := g.now().UTC()
	req.Status = store.ReservationWithdrawn
	req.UpdatedAt = now
	if err := g.reservations.UpdateReservation(ctx, req); err != nil {
		return errors.Transient("failed to update reservation", err)
	}
	return nil
}

func (g *Governor) loadReservation(ctx context.Context, id string) (*store.ReservationRequest, error) {
	req, err := g.reservations.GetReservation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errors.NotFound("reservation not found")
		}
		return nil, errors.Transient("failed to load reservation", err)
	}
	return req, nil
}
