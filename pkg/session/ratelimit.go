// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"time"

	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
)

// Fixed-window rate limits for the authentication surface.
const (
	loginLimit  = 5
	loginWindow = 15 * time.Minute

	registerLimit  = 3
	registerWindow = 24 * time.Hour

	resetLimit  = 3
	resetWindow = time.Hour
)

// limiter counts attempts per subject in the cache. The window starts at
// the first attempt and the counter expires with it.
type limiter struct {
	cache kv.Store
}

// allow consumes one attempt and fails when the window budget is spent.
func (l *limiter) allow(ctx context.Context, name, subject string, limit int, window time.Duration) error {
	count, err := l.cache.Incr(ctx, kv.Key(kv.KeyRate, name+":"+subject), window)
	if err != nil {
		return errors.Transient("failed to count attempts", err)
	}
	if count > int64(limit) {
		return errors.Policy("too many attempts, try again later").
			WithHint("rate limit: " + name)
	}
	return nil
}
