// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handle governs the eid namespace: syntactic validation, exact
// and fuzzy protected-handle matching, alternative suggestions, and the
// reservation workflow for claiming protected handles.
package handle

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/entativa/id/pkg/errors"
)

// Normalize case-folds and NFC-normalizes a candidate handle. All lookups,
// cache keys and stored handles use the normalized form.
func Normalize(handle string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(handle)))
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' }
func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isSeparator(c byte) bool {
	return c == '_' || c == '.'
}

// Validate enforces the syntactic handle rules on a normalized handle:
// length within [minLen, maxLen], characters limited to [a-z0-9_.], first
// character a letter, no consecutive separators, no trailing separator.
func Validate(handle string, minLen, maxLen int) error {
	if len(handle) < minLen {
		return errors.Inputf("handle must be at least %d characters", minLen).WithField("handle")
	}
	if len(handle) > maxLen {
		return errors.Inputf("handle must be at most %d characters", maxLen).WithField("handle")
	}
	if !isLetter(handle[0]) {
		return errors.Input("handle must start with a letter").WithField("handle")
	}
	for i := 0; i < len(handle); i++ {
		c := handle[i]
		if !isLetter(c) && !isDigit(c) && !isSeparator(c) {
			return errors.Inputf("handle contains invalid character %q", c).WithField("handle")
		}
		if isSeparator(c) && i > 0 && isSeparator(handle[i-1]) {
			return errors.Input("handle must not contain consecutive separators").WithField("handle")
		}
	}
	if isSeparator(handle[len(handle)-1]) {
		return errors.Input("handle must not end with a separator").WithField("handle")
	}
	return nil
}
