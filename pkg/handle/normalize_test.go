// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/entativa/id/pkg/errors"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Alice", "alice"},
		{"  ALICE_99  ", "alice_99"},
		{"café", "café"}, // NFC-normalized single code point
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in))
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		handle string
		valid  bool
	}{
		{"simple", "alice", true},
		{"digits and separators", "alice_99.dev", true},
		{"minimum length", "abc", true},
		{"too short", "ab", false},
		{"too long", "abcdefghijklmnopqrstuvwxyz12345", false},
		{"starts with digit", "9alice", false},
		{"starts with separator", "_alice", false},
		{"uppercase rejected", "Alice", false},
		{"invalid character", "alice!", false},
		{"consecutive separators", "alice__b", false},
		{"mixed consecutive separators", "alice._b", false},
		{"trailing separator", "alice_", false},
		{"trailing dot", "alice.", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(tt.handle, 3, 30)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsInput(err), "expected input error, got %v", err)
			}
		})
	}
}

func TestSimilarity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want float64
	}{
		{"elonmusk", "elonmusk", 1},
		{"elonmusk", "elonmuzk", 0.875}, // distance 1, max len 8
		{"abc", "xyz", 0},
		{"", "", 1},
		{"abcd", "abc", 0.75},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Similarity(tt.a, tt.b), 1e-9, "%s vs %s", tt.a, tt.b)
	}
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"kitten", "sitting", 3},
		{"flaw", "lawn", 2},
		{"", "abc", 3},
		{"same", "same", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b))
	}
}
