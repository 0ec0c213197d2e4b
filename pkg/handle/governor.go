// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/entativa/id/pkg/audit"
	"github.com/entativa/id/pkg/config"
	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/kv"
	"github.com/entativa/id/pkg/logger"
	"github.com/entativa/id/pkg/store"
)

// ProtectionKind classifies why a handle is protected. The order of the
// constants is the tie-break precedence: an exact canonical match beats an
// exact alias match, which beats any fuzzy match.
type ProtectionKind string

// Protection kinds.
const (
	// KindSystem covers reserved handles and fail-secure denials.
	KindSystem ProtectionKind = "SYSTEM"
	// KindExact is an exact canonical-handle match.
	KindExact ProtectionKind = "EXACT"
	// KindAliasExact is an exact alias match.
	KindAliasExact ProtectionKind = "ALIAS_EXACT"
	// KindFuzzy is a near-match against a canonical handle.
	KindFuzzy ProtectionKind = "FUZZY"
	// KindAliasFuzzy is a near-match against an alias.
	KindAliasFuzzy ProtectionKind = "ALIAS_FUZZY"
)

// CheckResult is the protection verdict for one normalized handle.
type CheckResult struct {
	Protected             bool                 `json:"protected"`
	Kind                  ProtectionKind       `json:"kind,omitempty"`
	Category              store.EntityCategory `json:"category,omitempty"`
	Reason                string               `json:"reason,omitempty"`
	RequiresVerification  bool                 `json:"requires_verification,omitempty"`
	SimilarityScore       float64              `json:"similarity_score,omitempty"`
	SuggestedAlternatives []string             `json:"suggested_alternatives,omitempty"`
}

// protectionCacheTTL is how long a verdict is cached per normalized handle.
const protectionCacheTTL = 2 * time.Hour

// Governor performs protection checks over the registry with a write-through
// KV cache, and owns the reservation workflow.
type Governor struct {
	cfg      *config.Config
	registry store.ProtectedEntityStore
	cache    kv.Store
	group    singleflight.Group

	// identities and the remaining stores back suggestions and the
	// reservation workflow.
	identities   store.IdentityStore
	reservations store.ReservationStore
	history      store.HandleHistoryStore
	recorder     *audit.Recorder
	now          func() time.Time
}

// NewGovernor wires a Governor over the registry, cache and workflow stores.
func NewGovernor(
	cfg *config.Config,
	registry store.ProtectedEntityStore,
	identities store.IdentityStore,
	reservations store.ReservationStore,
	history store.HandleHistoryStore,
	cache kv.Store,
	rec *audit.Recorder,
) *Governor {
	return &Governor{
		cfg:          cfg,
		registry:     registry,
		cache:        cache,
		identities:   identities,
		reservations: reservations,
		history:      history,
		recorder:     rec,
		now:          time.Now,
	}
}

// Check returns the protection verdict for a candidate handle. Results are
// cached for two hours keyed by the normalized handle; registry failures
// fail secure with a SYSTEM denial that is not cached.
func (g *Governor) Check(ctx context.Context, candidate string) (*CheckResult, error) {
	normalized := Normalize(candidate)
	if err := Validate(normalized, g.cfg.HandleMinLen, g.cfg.HandleMaxLen); err != nil {
		return nil, err
	}

	cacheKey := kv.Key(kv.KeyProtection, normalized)
	if cached, err := g.cache.Get(ctx, cacheKey); err == nil {
		var result CheckResult
		if err := json.Unmarshal([]byte(cached), &result); err == nil {
			return &result, nil
		}
	}

	// Concurrent checks for the same handle share one registry scan.
	v, err, _ := g.group.Do(normalized, func() (any, error) {
		return g.lookup(ctx, normalized)
	})
	if err != nil {
		// Fail secure: an unavailable registry blocks every handle
		// rather than letting an impersonation through.
		logger.Errorw("protection lookup failed, denying handle",
			"handle", normalized, "error", err)
		return &CheckResult{
			Protected: true,
			Kind:      KindSystem,
			Reason:    "protection registry unavailable",
		}, nil
	}
	result := v.(*CheckResult)

	if result.Protected {
		result.SuggestedAlternatives = g.SuggestAlternatives(ctx, normalized)
	}

	if encoded, err := json.Marshal(result); err == nil {
		if err := g.cache.Set(ctx, cacheKey, string(encoded), protectionCacheTTL); err != nil {
			logger.Warnw("failed to cache protection verdict", "handle", normalized, "error", err)
		}
	}
	return result, nil
}

// Invalidate drops the cached verdict for a handle. Registry updates call
// this for each affected handle.
func (g *Governor) Invalidate(ctx context.Context, candidate string) error {
	return g.cache.Delete(ctx, kv.Key(kv.KeyProtection, Normalize(candidate)))
}

// lookup runs the ordered protection queries: reserved table, exact
// canonical match, exact alias match, then the fuzzy scan.
func (g *Governor) lookup(ctx context.Context, normalized string) (*CheckResult, error) {
	reserved, err := g.registry.GetReservedHandle(ctx, normalized)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if reserved != nil {
		return &CheckResult{
			Protected: true,
			Kind:      KindSystem,
			Reason:    reserved.Reason,
		}, nil
	}

	if entity, err := g.registry.GetProtectedEntityByHandle(ctx, normalized); err == nil {
		return exactResult(entity, KindExact), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	if entity, err := g.registry.GetProtectedEntityByAlias(ctx, normalized); err == nil {
		return exactResult(entity, KindAliasExact), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return g.fuzzyScan(ctx, normalized)
}

func exactResult(entity *store.ProtectedEntity, kind ProtectionKind) *CheckResult {
	return &CheckResult{
		Protected:            true,
		Kind:                 kind,
		Category:             entity.Category,
		Reason:               "handle matches protected entity " + entity.Handle,
		RequiresVerification: entity.RequiresVerification,
		SimilarityScore:      1,
	}
}

// fuzzyMatch is one candidate hit during the fuzzy scan.
type fuzzyMatch struct {
	entity *store.ProtectedEntity
	kind   ProtectionKind
	sim    float64
}

// better reports whether m wins over other under the tie-break rules:
// canonical-fuzzy beats alias-fuzzy, then higher similarity, then earlier
// category in the fixed ordering.
func (m fuzzyMatch) better(other *fuzzyMatch) bool {
	if other == nil {
		return true
	}
	if m.kind != other.kind {
		return m.kind == KindFuzzy
	}
	if m.sim != other.sim {
		return m.sim > other.sim
	}
	return store.CategoryRank(m.entity.Category) < store.CategoryRank(other.entity.Category)
}

func (g *Governor) fuzzyScan(ctx context.Context, normalized string) (*CheckResult, error) {
	entities, err := g.registry.ListProtectedEntities(ctx)
	if err != nil {
		return nil, err
	}

	threshold := g.cfg.HandleSimilarityThreshold
	var best *fuzzyMatch
	for _, entity := range entities {
		if sim := Similarity(normalized, entity.Handle); sim >= threshold {
			m := fuzzyMatch{entity: entity, kind: KindFuzzy, sim: sim}
			if m.better(best) {
				best = &m
			}
		}
		for _, alias := range entity.Aliases {
			if sim := Similarity(normalized, alias); sim >= threshold {
				m := fuzzyMatch{entity: entity, kind: KindAliasFuzzy, sim: sim}
				if m.better(best) {
					best = &m
				}
			}
		}
	}

	if best == nil {
		return &CheckResult{Protected: false}, nil
	}
	return &CheckResult{
		Protected:            true,
		Kind:                 best.kind,
		Category:             best.entity.Category,
		Reason:               "handle is too similar to protected entity " + best.entity.Handle,
		RequiresVerification: best.entity.RequiresVerification,
		SimilarityScore:      best.sim,
	}, nil
}
