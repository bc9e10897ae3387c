// Package tracker implements the Confirmation Tracker (C9): a
// ticker-driven scan over pending transaction records that reconciles
// each against chain state, per spec.md §4.9's decision tree.
//
// Grounded on the teacher's goroutine-per-shard scan patterns in its node
// files, with Store-backed advisory locking (internal/store TryLock)
// making concurrent tracker instances single-instance-safe per record.
package tracker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/gas-relay/internal/chainclient"
	"github.com/synnergy-labs/gas-relay/internal/nonce"
	"github.com/synnergy-labs/gas-relay/internal/store"
	"github.com/synnergy-labs/gas-relay/internal/types"
)

// StuckSignal is emitted for operator action when a pending record has
// aged past the grace window without advancing or being superseded.
// spec.md names this requirement without prescribing a transport; a
// buffered channel drained into a log line by cmd/relayd is the minimal
// concrete binding.
type StuckSignal struct {
	TxHash     types.Hash
	StuckSince int64
}

// Tracker scans pending records on an interval and reconciles them
// against chain state.
type Tracker struct {
	store       *store.Store
	chains      map[types.Network]*chainclient.Client
	allocator   *nonce.Allocator
	graceWindow time.Duration
	lockTTL     time.Duration
	log         *logrus.Logger

	Stuck chan StuckSignal
}

// New builds a Tracker. graceWindow is the age past which an unconfirmed
// record is eligible for dropped/stuck classification.
func New(st *store.Store, chains map[types.Network]*chainclient.Client, allocator *nonce.Allocator, graceWindow time.Duration, log *logrus.Logger) *Tracker {
	if log == nil {
		log = logrus.New()
	}
	return &Tracker{
		store: st, chains: chains, allocator: allocator,
		graceWindow: graceWindow, lockTTL: 30 * time.Second, log: log,
		Stuck: make(chan StuckSignal, 64),
	}
}

// Run scans on interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.scanOnce(ctx)
		}
	}
}

func (t *Tracker) scanOnce(ctx context.Context) {
	records, err := t.store.ListPending(ctx)
	if err != nil {
		t.log.WithError(err).Error("tracker: list pending")
		return
	}
	now := time.Now()
	for _, rec := range records {
		t.reconcile(ctx, rec, now)
	}
}

func (t *Tracker) reconcile(ctx context.Context, rec *types.TransactionRecord, now time.Time) {
	lockedUntil := now.Add(t.lockTTL).UnixNano()
	if err := t.store.TryLock(ctx, rec.TxHash, now.UnixNano(), lockedUntil); err != nil {
		if err == store.ErrLocked {
			return // another worker is already reconciling this record
		}
		t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Error("tracker: acquire lock")
		return
	}
	defer func() {
		if err := t.store.Unlock(ctx, rec.TxHash, time.Now().UnixNano()); err != nil {
			t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Warn("tracker: release lock")
		}
	}()

	chain, ok := t.chains[rec.Network]
	if !ok {
		t.log.WithField("network", rec.Network).Error("tracker: no chain client for network")
		return
	}

	receipt, found, err := chain.Receipt(ctx, rec.TxHash)
	if err != nil {
		t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Warn("tracker: receipt lookup")
		return
	}

	nowNanos := now.UnixNano()

	if found {
		if receipt.Status == 1 {
			if err := t.store.MarkConfirmed(ctx, rec.TxHash, receipt.GasUsed, receipt.BlockNumber, nowNanos); err != nil && err != store.ErrNotFound {
				t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Error("tracker: mark confirmed")
			}
		} else {
			if err := t.store.MarkFailed(ctx, rec.TxHash, receipt.GasUsed, receipt.BlockNumber, nowNanos); err != nil && err != store.ErrNotFound {
				t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Error("tracker: mark failed")
			}
		}
		return
	}

	age := now.Sub(time.Unix(0, rec.SubmittedAt))
	if age < t.graceWindow {
		return
	}

	pending, err := chain.PendingCount(ctx, rec.Network, rec.RelayerAddress)
	if err != nil {
		t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Warn("tracker: pending-count lookup")
		return
	}

	if pending > rec.SequenceNumber {
		// A sibling with the same sequence number must have landed.
		if err := t.store.MarkDropped(ctx, rec.TxHash, nowNanos); err != nil && err != store.ErrNotFound {
			t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Error("tracker: mark dropped")
		}
		key := nonce.Key{RelayerAddress: rec.RelayerAddress, Network: rec.Network}
		if err := t.allocator.Resync(ctx, key); err != nil {
			t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Warn("tracker: resync allocator")
		}
		return
	}

	if rec.StuckSince == nil {
		if err := t.store.MarkStuck(ctx, rec.TxHash, nowNanos, nowNanos); err != nil && err != store.ErrNotFound {
			t.log.WithError(err).WithField("tx_hash", rec.TxHash.Hex()).Error("tracker: mark stuck")
			return
		}
		select {
		case t.Stuck <- StuckSignal{TxHash: rec.TxHash, StuckSince: nowNanos}:
		default:
			t.log.WithField("tx_hash", rec.TxHash.Hex()).Warn("tracker: stuck signal channel full, dropping signal")
		}
	}
}
