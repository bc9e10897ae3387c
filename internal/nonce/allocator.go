// Package nonce implements the Nonce Allocator (C2): per
// (relayer-address, network) sequence-number allocation that is
// contiguous, gap-free under concurrent load, and resyncable against
// chain state on restart.
//
// Cursor storage is an LRU-bounded map (github.com/hashicorp/golang-lru/v2)
// so a relayer signing for many networks/accounts does not grow the cache
// unboundedly, while each entry is still protected by its own mutex per
// spec.md §5 ("each cursor is protected by its own mutex; no global lock").
// The snapshot-before-mutate discipline is grounded on the reference
// tree's core/ledger.go nonce-copy pattern used when publishing a
// consistent view of account nonces.
package nonce

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// ErrStalled is returned by Acquire when the on-chain pending-count cannot
// be read to initialise or resync a cursor. Surfaced as a retryable error
// by the pipeline (spec.md §7, allocator-stalled).
var ErrStalled = fmt.Errorf("nonce: allocator-stalled")

// PendingCounter is the subset of the Chain Client the allocator needs:
// the authoritative pending-transaction count for an address, used to
// initialise and resync a cursor.
type PendingCounter interface {
	PendingCount(ctx context.Context, network types.Network, address types.Address) (uint64, error)
}

type cursor struct {
	mu          sync.Mutex
	initialized bool
	next        uint64
	// lastIssued tracks the most recent value handed out by Acquire, the
	// only value ReleaseUnused is permitted to roll back per spec.md §4.2.
	lastIssued    uint64
	lastIssuedSet bool

	// admit bounds the number of callers waiting on mu at once, per
	// spec.md §5's backpressure rule: beyond this, Acquire fails fast
	// with ErrSaturated instead of queueing unboundedly.
	admit chan struct{}
}

// Key identifies a single allocator cursor.
type Key struct {
	RelayerAddress types.Address
	Network        types.Network
}

func (k Key) string() string { return string(k.Network) + ":" + k.RelayerAddress.Hex() }

// ErrSaturated is returned by Acquire when a key's allocator queue has
// grown beyond the configured threshold (spec.md §5 backpressure).
var ErrSaturated = fmt.Errorf("nonce: relayer-saturated")

// Allocator hands out sequence numbers per Key.
type Allocator struct {
	chain      PendingCounter
	saturation int

	mu      sync.Mutex // guards cursors map membership only, never held across chain calls
	cursors *lru.Cache[string, *cursor]
}

// New builds an Allocator. capacity bounds the number of distinct
// (relayer-address, network) cursors kept resident; saturation bounds the
// number of callers that may be queued (or in-flight) on a single key's
// lock before Acquire fails fast with ErrSaturated.
func New(chain PendingCounter, capacity, saturation int) (*Allocator, error) {
	if capacity <= 0 {
		capacity = 256
	}
	if saturation <= 0 {
		saturation = 64
	}
	c, err := lru.New[string, *cursor](capacity)
	if err != nil {
		return nil, fmt.Errorf("nonce: build cursor cache: %w", err)
	}
	return &Allocator{chain: chain, saturation: saturation, cursors: c}, nil
}

func (a *Allocator) cursorFor(key Key) *cursor {
	k := key.string()
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.cursors.Get(k); ok {
		return c
	}
	c := &cursor{admit: make(chan struct{}, a.saturation)}
	a.cursors.Add(k, c)
	return c
}

// Acquire returns the next sequence number for key, incrementing the
// cursor. If the cursor is uninitialised, it is seeded from the chain's
// pending-transaction count first. The returned lock-release function
// MUST be deferred by the caller and held across sign+broadcast per
// spec.md §4.2's tie-break rule and §5's "holding the allocator lock
// until the signed bytes are handed to the chain client."
func (a *Allocator) Acquire(ctx context.Context, key Key) (seq uint64, release func(), err error) {
	c := a.cursorFor(key)

	select {
	case c.admit <- struct{}{}:
	default:
		return 0, nil, ErrSaturated
	}

	c.mu.Lock()
	release = func() {
		c.mu.Unlock()
		<-c.admit
	}

	if !c.initialized {
		pending, err := a.chain.PendingCount(ctx, key.Network, key.RelayerAddress)
		if err != nil {
			release()
			return 0, nil, fmt.Errorf("%w: %v", ErrStalled, err)
		}
		c.next = pending
		c.initialized = true
	}

	issued := c.next
	c.next++
	c.lastIssued = issued
	c.lastIssuedSet = true
	return issued, release, nil
}

// ReleaseUnused returns sequence number n to the pool, but only if n is
// the most recently issued value for key. If the call lags a more recent
// acquisition, the gap is left in place. Nothing schedules a gap-fill
// submission for it: the confirmation tracker (C9) only marks records
// dropped or stuck and resyncs the cursor.
//
// The caller must already hold the lock returned by Acquire (i.e. this is
// called before the deferred release, on an error path).
func (a *Allocator) ReleaseUnused(key Key, n uint64) {
	c := a.cursorFor(key)
	if c.lastIssuedSet && c.lastIssued == n && c.next == n+1 {
		c.next = n
		c.lastIssuedSet = false
	}
}

// Resync sets the cursor to max(cursor, on-chain pending-count). Never
// decreases the cursor. Called unconditionally at boot for every
// configured (relayer-address, network) pair.
func (a *Allocator) Resync(ctx context.Context, key Key) error {
	pending, err := a.chain.PendingCount(ctx, key.Network, key.RelayerAddress)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStalled, err)
	}
	c := a.cursorFor(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized || pending > c.next {
		c.next = pending
	}
	c.initialized = true
	return nil
}
