// SPDX-FileCopyrightText: Copyright 2025 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package handle

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"

	"github.com/entativa/id/pkg/errors"
	"github.com/entativa/id/pkg/store"
)

// maxSuggestions bounds how many alternatives a protection verdict carries.
const maxSuggestions = 5

// SuggestAlternatives proposes available variants of a protected handle:
// suffix/prefix decorations, the current year, and a random numeric suffix.
// Every candidate is validated and availability-checked; at most five are
// returned. Best-effort: lookup failures just drop the candidate.
func (g *Governor) SuggestAlternatives(ctx context.Context, normalized string) []string {
	candidates := []string{
		normalized + "_official",
		normalized + "_verified",
		normalized + strconv.Itoa(g.now().Year()),
		"real_" + normalized,
	}
	if n, err := rand.Int(rand.Reader, big.NewInt(1000)); err == nil {
		candidates = append(candidates, fmt.Sprintf("%s%03d", normalized, n.Int64()))
	}

	var suggestions []string
	for _, candidate := range candidates {
		if len(suggestions) == maxSuggestions {
			break
		}
		if Validate(candidate, g.cfg.HandleMinLen, g.cfg.HandleMaxLen) != nil {
			continue
		}
		if g.available(ctx, candidate) {
			suggestions = append(suggestions, candidate)
		}
	}
	return suggestions
}

// available reports whether a handle is claimable: no identity holds it, it
// is not reserved, and it is not an exact protected match.
func (g *Governor) available(ctx context.Context, normalized string) bool {
	if _, err := g.identities.GetIdentityByEID(ctx, normalized); !errors.Is(err, store.ErrNotFound) {
		return false
	}
	if _, err := g.registry.GetReservedHandle(ctx, normalized); !errors.Is(err, store.ErrNotFound) {
		return false
	}
	if _, err := g.registry.GetProtectedEntityByHandle(ctx, normalized); !errors.Is(err, store.ErrNotFound) {
		return false
	}
	if _, err := g.registry.GetProtectedEntityByAlias(ctx, normalized); !errors.Is(err, store.ErrNotFound) {
		return false
	}
	return true
}
