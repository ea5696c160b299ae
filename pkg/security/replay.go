package security

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"

	"hat_reputation/pkg/data"
)

// ReplayGuard rejects reused (validator, nonce) pairs. The bloom filter
// answers most fresh nonces without touching the exact set.
type ReplayGuard struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	seen   map[string]struct{}
}

func NewReplayGuard(expected uint, falsePositive float64) *ReplayGuard {
	return &ReplayGuard{
		filter: bloom.NewWithEstimates(expected, falsePositive),
		seen:   make(map[string]struct{}),
	}
}

// Check records the nonce, returning ErrReplay if it was already used by the validator.
func (g *ReplayGuard) Check(validator data.Account, nonce string) error {
	if nonce == "" {
		return data.NewValidationError("nonce", data.ErrReplay, "empty nonce")
	}
	key := validator.String() + "|" + nonce

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.filter.TestAndAddString(key) {
		if _, dup := g.seen[key]; dup {
			return fmt.Errorf("nonce %s from %s: %w", nonce, validator.Short(), data.ErrReplay)
		}
	}
	g.seen[key] = struct{}{}
	return nil
}

// Len is the number of distinct nonces recorded.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}
