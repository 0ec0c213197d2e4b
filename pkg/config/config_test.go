// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.AuthCodeTTL)
	assert.Equal(t, RotateAlways, cfg.RefreshRotation)
	assert.Equal(t, 12, cfg.BcryptCost)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("ENTATIVA_BCRYPT_COST", "14")
	t.Setenv("ENTATIVA_ACCESS_TOKEN_TTL", "10m")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 14, cfg.BcryptCost)
	assert.Equal(t, 10*time.Minute, cfg.AccessTokenTTL)
	// Untouched options keep defaults.
	assert.Equal(t, 5, cfg.FailedLoginThreshold)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty issuer", func(c *Config) { c.Issuer = "" }},
		{"zero access ttl", func(c *Config) { c.AccessTokenTTL = 0 }},
		{"oversized code ttl", func(c *Config) { c.AuthCodeTTL = time.Hour }},
		{"weak bcrypt", func(c *Config) { c.BcryptCost = 4 }},
		{"similarity above one", func(c *Config) { c.HandleSimilarityThreshold = 1.5 }},
		{"inverted handle bounds", func(c *Config) { c.HandleMinLen = 10; c.HandleMaxLen = 3 }},
		{"unknown rotation", func(c *Config) { c.RefreshRotation = "sometimes" }},
		{"grace without mode", func(c *Config) { c.RefreshRotationGrace = time.Minute }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
