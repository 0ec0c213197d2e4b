// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "with cause",
			err:  Transient("cache unreachable", errors.New("dial tcp: refused")),
			want: "transient: cache unreachable: dial tcp: refused",
		},
		{
			name: "without cause",
			err:  Auth("invalid credentials"),
			want: "auth: invalid credentials",
		},
		{
			name: "with field",
			err:  Input("must be at most 30 characters").WithField("handle"),
			want: `input: must be at most 30 characters (field "handle")`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("underlying")
	err := Wrap(KindFatal, "signing key missing", cause)
	assert.Equal(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, cause))
}

func TestKindPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, IsInput(Input("bad")))
	assert.True(t, IsAuth(Auth("nope")))
	assert.True(t, IsConflict(Conflict("dup")))
	assert.True(t, IsPolicy(Policy("protected").WithHint("request verification")))
	assert.True(t, IsTransient(Transient("timeout", nil)))
	assert.True(t, IsFatal(Fatal("corrupt", nil)))
	assert.True(t, IsNotFound(NotFound("no such identity")))

	// Kind survives wrapping with %w.
	wrapped := fmt.Errorf("outer: %w", Policy("rate limited"))
	assert.True(t, IsPolicy(wrapped))
	assert.Equal(t, KindPolicy, KindOf(wrapped))

	// Untagged errors classify as fatal.
	assert.Equal(t, KindFatal, KindOf(errors.New("mystery")))
}

func TestRetry_TransientRetriedOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return Transient("flaky", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetry_TransientFailsAfterSecondAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return Transient("still down", nil)
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 2, calls)
}

func TestRetry_NonTransientNotRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return Input("malformed")
	})
	require.Error(t, err)
	assert.True(t, IsInput(err))
	assert.Equal(t, 1, calls)
}
