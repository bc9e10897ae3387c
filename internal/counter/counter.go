// Package counter implements the Counter Cache (C7): sliding-window
// counters backing the Policy Engine's quota and token-cap checks.
//
// The contract is exact sums over a trailing window with lazy eviction on
// read, expressed here as the "abstract time-ordered multiset" of
// spec.md Design Notes — a per-key mutex-protected slice of
// (timestamp, quantity) entries. The colon-joined key convention mirrors
// the reference tree's "authority:{role}:{addr}" persistent-key idiom in
// core/authority_nodes.go, applied to spec.md §6's
// "counter:<dimension>:<identity>:<network>" namespace.
package counter

import (
	"context"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// Dimension identifies what a counter measures.
type Dimension string

const (
	DimensionTxCount     Dimension = "tx-count"
	DimensionTxValue     Dimension = "tx-value"
	DimensionTokenAmount Dimension = "token-amount"
)

// Key identifies one sliding-window counter.
type Key struct {
	Dimension Dimension
	Identity  types.Address // usually the request's "from"
	Network   types.Network
	// Token is set only for DimensionTokenAmount, scoping the counter to
	// a single token address per spec.md §4.4's per-token caps.
	Token types.Address
}

// Namespace renders the cache-namespace key of spec.md §6:
// "counter:<dimension>:<identity>:<network>", with the token address
// inserted after the identity for the token-amount dimension.
func (k Key) Namespace() string {
	id := k.Identity.Hex()
	if k.Dimension == DimensionTokenAmount {
		id = k.Identity.Hex() + ":" + k.Token.Hex()
	}
	return "counter:" + string(k.Dimension) + ":" + id + ":" + string(k.Network)
}

type entry struct {
	at  time.Time
	qty *uint256.Int
}

// Cache is a sliding-window counter store. Per-key operations are atomic;
// cross-key operations are not required to be transactional, per
// spec.md §5.
type Cache struct {
	maxWindow time.Duration

	mu   sync.Mutex
	data map[string][]entry
}

// New builds a Cache. maxWindow is the largest window any caller will
// query; entries older than it are evicted lazily on read.
func New(maxWindow time.Duration) *Cache {
	return &Cache{maxWindow: maxWindow, data: make(map[string][]entry)}
}

// Record appends a (timestamp, qty) entry for key. For the count
// dimension, qty is always uint256(1).
func (c *Cache) Record(_ context.Context, key Key, qty *uint256.Int, at time.Time) error {
	ns := key.Namespace()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[ns] = append(c.data[ns], entry{at: at, qty: qty.Clone()})
	return nil
}

// Sum returns the sum of quantities recorded for key with timestamp at
// or after now-window (entries later than now are included), evicting anything older than the cache's
// configured maxWindow as a side effect.
func (c *Cache) Sum(_ context.Context, key Key, window time.Duration, now time.Time) (*uint256.Int, error) {
	ns := key.Namespace()
	cutoffEvict := now.Add(-c.maxWindow)
	cutoffWindow := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	entries := c.data[ns]
	kept := entries[:0]
	sum := uint256.NewInt(0)
	for _, e := range entries {
		if e.at.Before(cutoffEvict) {
			continue // lazily evicted
		}
		kept = append(kept, e)
		if !e.at.Before(cutoffWindow) {
			sum.Add(sum, e.qty)
		}
	}
	if len(kept) == 0 {
		delete(c.data, ns)
	} else {
		c.data[ns] = kept
	}
	return sum, nil
}
