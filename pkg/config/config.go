// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config defines the recognized configuration of the Entativa ID core
// and loads it from the environment and an optional config file via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RotationMode controls refresh-token rotation behavior.
type RotationMode string

// Rotation modes.
const (
	// RotateAlways mints a new refresh token on every refresh and revokes
	// the old one immediately.
	RotateAlways RotationMode = "always"

	// RotateNever reuses the same refresh token for its whole lifetime.
	RotateNever RotationMode = "never"

	// RotateWithGrace rotates but keeps the old refresh token valid for a
	// short grace period to tolerate client retries.
	RotateWithGrace RotationMode = "with-grace"
)

// Config carries every recognized option of the identity core.
type Config struct {
	// Issuer is the iss claim of every minted JWT and the value verifiers
	// must present.
	Issuer string `mapstructure:"issuer"`

	// Audience is the aud claim of minted access tokens.
	Audience string `mapstructure:"audience"`

	// AccessTokenTTL bounds the lifetime of access tokens.
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`

	// RefreshTokenTTL bounds the lifetime of refresh tokens.
	RefreshTokenTTL time.Duration `mapstructure:"refresh_token_ttl"`

	// AuthCodeTTL bounds the lifetime of authorization codes.
	AuthCodeTTL time.Duration `mapstructure:"auth_code_ttl"`

	// ClockSkew is the tolerance applied when checking exp/nbf.
	ClockSkew time.Duration `mapstructure:"clock_skew"`

	// BcryptCost is the bcrypt work factor for password hashes.
	BcryptCost int `mapstructure:"bcrypt_cost"`

	// MinPasswordEntropyBits is the acceptance floor for passwords.
	MinPasswordEntropyBits float64 `mapstructure:"min_password_entropy_bits"`

	// MinPassphraseEntropyBits is the acceptance floor for passphrases.
	MinPassphraseEntropyBits float64 `mapstructure:"min_passphrase_entropy_bits"`

	// FailedLoginThreshold is the number of failures that triggers lockout.
	FailedLoginThreshold int `mapstructure:"failed_login_threshold"`

	// FailedLoginWindow is the sliding window over which failures count.
	FailedLoginWindow time.Duration `mapstructure:"failed_login_window"`

	// LockoutDuration is how long an identity stays locked.
	LockoutDuration time.Duration `mapstructure:"lockout_duration"`

	// HandleSimilarityThreshold is the fuzzy-match ratio that triggers
	// protection.
	HandleSimilarityThreshold float64 `mapstructure:"handle_similarity_threshold"`

	// HandleMinLen and HandleMaxLen bound handle length.
	HandleMinLen int `mapstructure:"handle_min_len"`
	HandleMaxLen int `mapstructure:"handle_max_len"`

	// MaxSessionsPerIdentity caps concurrent sessions; the oldest session
	// is evicted when the cap is exceeded.
	MaxSessionsPerIdentity int `mapstructure:"max_sessions_per_identity"`

	// RefreshRotation selects the refresh-token rotation mode.
	RefreshRotation RotationMode `mapstructure:"refresh_rotation"`

	// RefreshRotationGrace is the grace period for RotateWithGrace.
	RefreshRotationGrace time.Duration `mapstructure:"refresh_rotation_grace"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Issuer:                    "https://id.entativa.com",
		Audience:                  "entativa",
		AccessTokenTTL:            15 * time.Minute,
		RefreshTokenTTL:           30 * 24 * time.Hour,
		AuthCodeTTL:               10 * time.Minute,
		ClockSkew:                 2 * time.Minute,
		BcryptCost:                12,
		MinPasswordEntropyBits:    40,
		MinPassphraseEntropyBits:  50,
		FailedLoginThreshold:      5,
		FailedLoginWindow:         15 * time.Minute,
		LockoutDuration:           30 * time.Minute,
		HandleSimilarityThreshold: 0.85,
		HandleMinLen:              3,
		HandleMaxLen:              30,
		MaxSessionsPerIdentity:    5,
		RefreshRotation:           RotateAlways,
		RefreshRotationGrace:      0,
	}
}

// Load reads configuration from the ENTATIVA_* environment and, when
// configFile is non-empty, from a YAML file. Unset options keep their
// defaults.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENTATIVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := Default()
	v.SetDefault("issuer", def.Issuer)
	v.SetDefault("audience", def.Audience)
	v.SetDefault("access_token_ttl", def.AccessTokenTTL)
	v.SetDefault("refresh_token_ttl", def.RefreshTokenTTL)
	v.SetDefault("auth_code_ttl", def.AuthCodeTTL)
	v.SetDefault("clock_skew", def.ClockSkew)
	v.SetDefault("bcrypt_cost", def.BcryptCost)
	v.SetDefault("min_password_entropy_bits", def.MinPasswordEntropyBits)
	v.SetDefault("min_passphrase_entropy_bits", def.MinPassphraseEntropyBits)
	v.SetDefault("failed_login_threshold", def.FailedLoginThreshold)
	v.SetDefault("failed_login_window", def.FailedLoginWindow)
	v.SetDefault("lockout_duration", def.LockoutDuration)
	v.SetDefault("handle_similarity_threshold", def.HandleSimilarityThreshold)
	v.SetDefault("handle_min_len", def.HandleMinLen)
	v.SetDefault("handle_max_len", def.HandleMaxLen)
	v.SetDefault("max_sessions_per_identity", def.MaxSessionsPerIdentity)
	v.SetDefault("refresh_rotation", string(def.RefreshRotation))
	v.SetDefault("refresh_rotation_grace", def.RefreshRotationGrace)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would weaken the security posture or
// make the service misbehave.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	if c.Audience == "" {
		return fmt.Errorf("audience is required")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 || c.AuthCodeTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.AuthCodeTTL > 10*time.Minute {
		return fmt.Errorf("auth_code_ttl must not exceed 10 minutes")
	}
	if c.ClockSkew < 0 {
		return fmt.Errorf("clock_skew must not be negative")
	}
	if c.BcryptCost < 10 {
		return fmt.Errorf("bcrypt_cost must be at least 10")
	}
	if c.FailedLoginThreshold < 1 {
		return fmt.Errorf("failed_login_threshold must be at least 1")
	}
	if c.HandleSimilarityThreshold <= 0 || c.HandleSimilarityThreshold > 1 {
		return fmt.Errorf("handle_similarity_threshold must be in (0, 1]")
	}
	if c.HandleMinLen < 1 || c.HandleMaxLen < c.HandleMinLen {
		return fmt.Errorf("handle length bounds are inconsistent")
	}
	if c.MaxSessionsPerIdentity < 1 {
		return fmt.Errorf("max_sessions_per_identity must be at least 1")
	}
	switch c.RefreshRotation {
	case RotateAlways, RotateNever, RotateWithGrace:
	default:
		return fmt.Errorf("refresh_rotation must be one of always, never, with-grace")
	}
	if c.RefreshRotation != RotateWithGrace && c.RefreshRotationGrace != 0 {
		return fmt.Errorf("refresh_rotation_grace requires refresh_rotation=with-grace")
	}
	return nil
}
