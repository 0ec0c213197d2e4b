// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/store"
)

type recordingSink struct {
	sent     []string
	failures int
}

func (s *recordingSink) Send(_ context.Context, kind Kind, recipient string, payload map[string]string) error {
	if s.failures > 0 {
		s.failures--
		return fmt.Errorf("gateway unavailable")
	}
	s.sent = append(s.sent, fmt.Sprintf("%s:%s:%s", kind, recipient, payload["code"]))
	return nil
}

type notifyFixture struct {
	dispatcher *Dispatcher
	email      *recordingSink
	sms        *recordingSink
}

func newNotifyFixture(t *testing.T) *notifyFixture {
	t.Helper()

	cache := kv.NewMemoryStore(kv.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = cache.Close() })

	email := &recordingSink{}
	sms := &recordingSink{}
	dispatcher := NewDispatcher(
		map[Channel]Sink{ChannelEmail: email, ChannelSMS: sms},
		cache,
		audit.NewRecorder(store.NewMemory()),
		WithBurstLimit(rate.Inf, 1),
	)
	return &notifyFixture{dispatcher: dispatcher, email: email, sms: sms}
}

func TestDispatchRoutesByChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newNotifyFixture(t)

	require.NoError(t, f.dispatcher.Send(ctx, ChannelEmail, KindOTP, "alice@example.com", map[string]string{"code": "123456"}))
	require.NoError(t, f.dispatcher.Send(ctx, ChannelSMS, KindOTP, "+15551234567", map[string]string{"code": "654321"}))

	require.Len(t, f.email.sent, 1)
	assert.Equal(t, "otp:alice@example.com:123456", f.email.sent[0])
	require.Len(t, f.sms.sent, 1)
	assert.Equal(t, "otp:+15551234567:654321", f.sms.sent[0])

	err := f.dispatcher.Send(ctx, Channel("pigeon"), KindOTP, "x", nil)
	assert.True(t, errors.IsInput(err))
}

func TestEmailHourlyQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newNotifyFixture(t)

	for i := 0; i < emailHourlyLimit; i++ {
		require.NoError(t, f.dispatcher.Send(ctx, ChannelEmail, KindSecurityAlert, "alice@example.com", nil))
	}
	err := f.dispatcher.Send(ctx, ChannelEmail, KindSecurityAlert, "alice@example.com", nil)
	assert.True(t, errors.IsPolicy(err))

	// Another recipient has their own budget.
	require.NoError(t, f.dispatcher.Send(ctx, ChannelEmail, KindSecurityAlert, "bob@example.com", nil))
}

func TestSMSHourlyQuota(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newNotifyFixture(t)

	for i := 0; i < smsHourlyLimit; i++ {
		require.NoError(t, f.dispatcher.Send(ctx, ChannelSMS, KindOTP, "+15551234567", nil))
	}
	err := f.dispatcher.Send(ctx, ChannelSMS, KindOTP, "+15551234567", nil)
	assert.True(t, errors.IsPolicy(err))
	assert.Len(t, f.sms.sent, smsHourlyLimit)
}

func TestDeliveryRetriesOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newNotifyFixture(t)

	// One failure is absorbed by the retry.
	f.email.failures = 1
	require.NoError(t, f.dispatcher.Send(ctx, ChannelEmail, KindOTP, "alice@example.com", map[string]string{"code": "1"}))
	assert.Len(t, f.email.sent, 1)

	// Two failures exhaust it.
	f.email.failures = 2
	err := f.dispatcher.Send(ctx, ChannelEmail, KindOTP, "alice@example.com", map[string]string{"code": "2"})
	assert.True(t, errors.IsTransient(err))
}

func TestFactorAdapters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newNotifyFixture(t)

	require.NoError(t, f.dispatcher.SendOTP(ctx, store.MFASMS, "+15551234567", "111222"))
	require.Len(t, f.sms.sent, 1)

	require.NoError(t, f.dispatcher.SendOTP(ctx, store.MFAEmail, "alice@example.com", "333444"))
	require.Len(t, f.email.sent, 1)

	require.NoError(t, f.dispatcher.SendPasswordReset(ctx, "alice@example.com", "tok"))
	require.Len(t, f.email.sent, 2)
}
