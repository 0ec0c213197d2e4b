// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package notify delivers security notifications over pluggable channels
// with per-recipient quotas, a global burst limiter and delivery retries.
package notify

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
)

// Channel names a delivery transport.
type Channel string

// Delivery channels.
const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Kind names what is being delivered.
type Kind string

// Notification kinds.
const (
	KindOTP            Kind = "otp"
	KindPasswordReset  Kind = "password_reset"
	KindSecurityAlert  Kind = "security_alert"
	KindHandleDecision Kind = "handle_decision"
)

// Per-recipient quotas. SMS carries a daily cap on top of the hourly one
// since each message costs money.
const (
	emailHourlyLimit = 10
	smsHourlyLimit   = 5
	smsDailyLimit    = 20
)

// Sink is one delivery transport. Implementations wrap an SMTP relay, an
// SMS gateway, or a test double.
type Sink interface {
	Send(ctx context.Context, kind Kind, recipient string, payload map[string]string) error
}

// Dispatcher routes notifications to the sink registered for each channel,
// enforcing quotas before anything leaves the process.
type Dispatcher struct {
	sinks    map[Channel]Sink
	cache    kv.Store
	recorder *audit.Recorder
	// burst caps the process-wide outbound rate across all channels.
	burst *rate.Limiter
	now   func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBurstLimit overrides the process-wide outbound rate.
func WithBurstLimit(perSecond rate.Limit, burst int) Option {
	return func(d *Dispatcher) {
		d.burst = rate.NewLimiter(perSecond, burst)
	}
}

// NewDispatcher wires a Dispatcher over the given sinks.
func NewDispatcher(sinks map[Channel]Sink, cache kv.Store, recorder *audit.Recorder, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sinks:    sinks,
		cache:    cache,
		recorder: recorder,
		burst:    rate.NewLimiter(rate.Limit(50), 100),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers one notification, counting it against the recipient's
// quota first so a failing sink cannot be used to probe quotas.
func (d *Dispatcher) Send(ctx context.Context, channel Channel, kind Kind, recipient string, payload map[string]string) error {
	sink, ok := d.sinks[channel]
	if !ok {
		return errors.Inputf("no sink registered for channel %q", channel)
	}
	if err := d.checkQuota(ctx, channel, recipient); err != nil {
		return err
	}
	if err := d.burst.Wait(ctx); err != nil {
		return errors.Transient("burst limiter interrupted", err)
	}

	err := errors.Retry(ctx, func(ctx context.Context) error {
		if sendErr := sink.Send(ctx, kind, recipient, payload); sendErr != nil {
			return errors.Transient("delivery failed", sendErr)
		}
		return nil
	})
	if err != nil {
		d.recorder.Record(ctx, audit.NewEvent(audit.ActionNotificationSend, audit.OutcomeError).
			WithDetail(audit.DetailChannel, string(channel)).
			WithDetail(audit.DetailReason, err.Error()))
		return err
	}

	d.recorder.Record(ctx, audit.NewEvent(audit.ActionNotificationSend, audit.OutcomeSuccess).
		WithDetail(audit.DetailChannel, string(channel)))
	return nil
}

func (d *Dispatcher) checkQuota(ctx context.Context, channel Channel, recipient string) error {
	switch channel {
	case ChannelEmail:
		return d.count(ctx, "email:h:"+recipient, emailHourlyLimit, time.Hour)
	case ChannelSMS:
		if err := d.count(ctx, "sms:h:"+recipient, smsHourlyLimit, time.Hour); err != nil {
			return err
		}
		return d.count(ctx, "sms:d:"+recipient, smsDailyLimit, 24*time.Hour)
	default:
		return nil
	}
}

func (d *Dispatcher) count(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := d.cache.Incr(ctx, kv.Key(kv.KeyRate, "notify:"+key), window)
	if err != nil {
		return errors.Transient("failed to count deliveries", err)
	}
	if count > int64(limit) {
		return errors.Policy("notification quota exceeded for this recipient")
	}
	return nil
}

// SendOTP adapts the dispatcher to the second-factor manager.
func (d *Dispatcher) SendOTP(ctx context.Context, factorKind store.MFAKind, destination, code string) error {
	channel := ChannelEmail
	if factorKind == store.MFASMS {
		channel = ChannelSMS
	}
	return d.Send(ctx, channel, KindOTP, destination, map[string]string{"code": code})
}

// SendPasswordReset adapts the dispatcher to the authenticator.
func (d *Dispatcher) SendPasswordReset(ctx context.Context, email, resetToken string) error {
	return d.Send(ctx, ChannelEmail, KindPasswordReset, email, map[string]string{"token": resetToken})
}
