// Package policy implements the Policy Engine (C4): allowlist, quota,
// gas-cap, and token-cap rule evaluation against a verified request.
//
// Rule values are opaque JSON at the Store boundary ("rule bodies stored
// as opaque JSON blobs" in the reference source); the engine owns the
// schema per kind (rules.go) and decodes into a typed, atomically-swapped
// snapshot so evaluation never observes a torn rule-set update. The
// snapshot-and-swap discipline is grounded on the reference tree's
// core/ledger.go Snapshot(), which copies its maps before publishing a
// consistent view.
package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/holiman/uint256"

	"github.com/synnergy-labs/gas-relay/internal/counter"
	"github.com/synnergy-labs/gas-relay/internal/relayerrors"
	"github.com/synnergy-labs/gas-relay/internal/types"
)

// RuleSource loads the full current rule set, e.g. from the Store.
type RuleSource interface {
	ListPolicyRules(ctx context.Context, kind types.RuleKind) ([]types.PolicyRule, error)
}

// CounterSource is the subset of the Counter Cache the engine needs for
// quota/token-cap window sums.
type CounterSource interface {
	Sum(ctx context.Context, key counter.Key, window time.Duration, now time.Time) (*uint256.Int, error)
}

type decodedRule struct {
	rule  types.PolicyRule
	value interface{}
}

type snapshot struct {
	allowlist []decodedRule
	quota     []decodedRule
	gasCap    []decodedRule
	tokenCap  []decodedRule
}

// Engine evaluates admitted requests against the current rule snapshot.
type Engine struct {
	source   RuleSource
	counters CounterSource

	current atomic.Pointer[snapshot]
}

// New builds an Engine and performs an initial load. Call Reload
// thereafter on a bounded schedule or on an explicit reload signal.
func New(ctx context.Context, source RuleSource, counters CounterSource) (*Engine, error) {
	e := &Engine{source: source, counters: counters}
	if err := e.Reload(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload atomically refreshes the rule snapshot. Evaluation never
// observes a partially updated rule set: readers always see either the
// old or the new snapshot, never a mix.
func (e *Engine) Reload(ctx context.Context) error {
	next := &snapshot{}
	for kind, bucket := range map[types.RuleKind]*[]decodedRule{
		types.RuleAllowlist: &next.allowlist,
		types.RuleQuota:     &next.quota,
		types.RuleGasCap:    &next.gasCap,
		types.RuleTokenCap:  &next.tokenCap,
	} {
		rules, err := e.source.ListPolicyRules(ctx, kind)
		if err != nil {
			return fmt.Errorf("policy: load %s rules: %w", kind, err)
		}
		for _, r := range rules {
			if !r.Enabled {
				continue
			}
			v, err := DecodeValue(r.Kind, r.Value)
			if err != nil {
				return fmt.Errorf("policy: rule %s: %w", r.ID, err)
			}
			*bucket = append(*bucket, decodedRule{rule: r, value: v})
		}
	}
	e.current.Store(next)
	return nil
}

// RunReloadLoop reloads on interval until ctx is cancelled, the bounded
// schedule of spec.md §4.4 ("on the order of seconds").
func (e *Engine) RunReloadLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = e.Reload(ctx)
		}
	}
}

// Admit evaluates allowlist, quota, the declared-gas-limit half of
// gas-cap, and token-cap rules, in that order; the first rejection wins.
// The max-gas-price half of gas-cap cannot be evaluated here because the
// effective fee is not known until after C3 computes it (spec.md §4.4) —
// call ApplyGasCap once the pipeline has a fee suggestion.
func (e *Engine) Admit(ctx context.Context, req *types.Request, now time.Time) error {
	snap := e.current.Load()
	if snap == nil {
		return relayerrors.New(relayerrors.KindInternal, relayerrors.CodeInternal, "policy engine not initialized")
	}

	if err := e.checkAllowlist(snap, req); err != nil {
		return err
	}
	if err := e.checkQuota(ctx, snap, req, now); err != nil {
		return err
	}
	if err := e.checkGasLimit(snap, req); err != nil {
		return err
	}
	if req.HasToken() {
		if err := e.checkTokenCap(ctx, snap, req, now); err != nil {
			return err
		}
	}
	return nil
}

// ApplyGasCap implements spec.md §4.8 step 4's fee clamp: it lowers
// candidateFeePerGas (the fee suggestion times the pipeline's multiplier)
// down to the most restrictive applicable max-gas-price gas-cap rule, and
// submits at that clamped fee. It rejects fee-cap-too-low only when the
// clamp pushes the fee below suggestedFeePerGas; a clamp that still
// meets or exceeds the network's suggestion is not a rejection, even
// though the clamped fee differs from the unclamped candidate.
func (e *Engine) ApplyGasCap(req *types.Request, candidateFeePerGas, suggestedFeePerGas *uint256.Int) (*uint256.Int, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, relayerrors.New(relayerrors.KindInternal, relayerrors.CodeInternal, "policy engine not initialized")
	}
	clamped := candidateFeePerGas
	var clampedBy string
	for _, dr := range snap.gasCap {
		if !targetMatches(dr.rule.Target, req.Network, req.From) {
			continue
		}
		v := dr.value.(GasCapValue)
		if v.MaxGasPrice != nil && v.MaxGasPrice.Cmp(clamped) < 0 {
			clamped = v.MaxGasPrice
			clampedBy = dr.rule.ID
		}
	}
	if clamped.Cmp(suggestedFeePerGas) < 0 {
		return nil, relayerrors.New(relayerrors.KindInvalidRequest, relayerrors.CodeFeeCapTooLow,
			fmt.Sprintf("gas-cap: max-gas-price rule %s clamps fee below the network's suggested fee", clampedBy))
	}
	return clamped, nil
}

func (e *Engine) checkAllowlist(snap *snapshot, req *types.Request) error {
	matched := false
	for _, dr := range snap.allowlist {
		if dr.rule.Target != "*" && dr.rule.Target != string(req.Network) {
			continue
		}
		matched = true
		v := dr.value.(AllowlistValue)
		allowed := false
		for _, a := range v.Addresses {
			if a == req.From {
				allowed = true
				break
			}
		}
		if !allowed {
			return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeNotAllowlisted,
				fmt.Sprintf("allowlist: %s not allowlisted by rule %s", req.From.Hex(), dr.rule.ID))
		}
	}
	if !matched {
		// No allowlist rule applies at all: spec.md does not define a
		// default-admit-without-any-rule behavior, but a deployment that
		// configures zero allowlist rules has opted out of allowlisting
		// entirely (distinct from a target="*" rule with an empty set,
		// which is an explicit deny-all).
		return nil
	}
	return nil
}

func (e *Engine) checkQuota(ctx context.Context, snap *snapshot, req *types.Request, now time.Time) error {
	for _, dr := range snap.quota {
		if !targetMatches(dr.rule.Target, req.Network, req.From) {
			continue
		}
		v := dr.value.(QuotaValue)

		if v.MaxTxPerHour > 0 {
			if err := e.checkTxCount(ctx, req, now, time.Hour, v.MaxTxPerHour, "hourly transaction", dr.rule.ID); err != nil {
				return err
			}
		}
		if v.MaxTxPerDay > 0 {
			if err := e.checkTxCount(ctx, req, now, 24*time.Hour, v.MaxTxPerDay, "daily transaction", dr.rule.ID); err != nil {
				return err
			}
		}
		if v.MaxValuePerTx != nil && req.Value.Cmp(v.MaxValuePerTx) > 0 {
			return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeQuotaExceeded,
				fmt.Sprintf("quota: value exceeds max-value-per-tx rule %s", dr.rule.ID))
		}
		if v.MaxValuePerHour != nil {
			if err := e.checkValueSum(ctx, req, now, time.Hour, v.MaxValuePerHour, "hourly value", dr.rule.ID); err != nil {
				return err
			}
		}
		if v.MaxValuePerDay != nil {
			if err := e.checkValueSum(ctx, req, now, 24*time.Hour, v.MaxValuePerDay, "daily value", dr.rule.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) checkTxCount(ctx context.Context, req *types.Request, now time.Time, window time.Duration, limit uint64, label, ruleID string) error {
	key := counter.Key{Dimension: counter.DimensionTxCount, Identity: req.From, Network: req.Network}
	sum, err := e.counters.Sum(ctx, key, window, now)
	if err != nil {
		return relayerrors.Wrap(relayerrors.KindInternal, relayerrors.CodeInternal, "read counter", err)
	}
	projected := new(uint256.Int).AddUint64(sum, 1)
	if projected.CmpUint64(limit) > 0 {
		return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeQuotaExceeded,
			fmt.Sprintf("quota: %s count would exceed limit, rule %s", label, ruleID))
	}
	return nil
}

func (e *Engine) checkValueSum(ctx context.Context, req *types.Request, now time.Time, window time.Duration, limit *uint256.Int, label, ruleID string) error {
	key := counter.Key{Dimension: counter.DimensionTxValue, Identity: req.From, Network: req.Network}
	sum, err := e.counters.Sum(ctx, key, window, now)
	if err != nil {
		return relayerrors.Wrap(relayerrors.KindInternal, relayerrors.CodeInternal, "read counter", err)
	}
	projected := new(uint256.Int).Add(sum, req.Value)
	if projected.Cmp(limit) > 0 {
		return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeQuotaExceeded,
			fmt.Sprintf("quota: %s would exceed limit, rule %s", label, ruleID))
	}
	return nil
}

func (e *Engine) checkGasLimit(snap *snapshot, req *types.Request) error {
	for _, dr := range snap.gasCap {
		if !targetMatches(dr.rule.Target, req.Network, req.From) {
			continue
		}
		v := dr.value.(GasCapValue)
		if v.MaxGasLimit > 0 && req.Gas.CmpUint64(v.MaxGasLimit) > 0 {
			return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeGasCapExceeded,
				fmt.Sprintf("gas-cap: declared gas exceeds max-gas-limit rule %s", dr.rule.ID))
		}
	}
	return nil
}

func (e *Engine) checkTokenCap(ctx context.Context, snap *snapshot, req *types.Request, now time.Time) error {
	for _, dr := range snap.tokenCap {
		if !targetMatches(dr.rule.Target, req.Network, req.From) && dr.rule.Target != req.TokenAddress.Hex() {
			continue
		}
		v := dr.value.(TokenCapValue)

		if len(v.AllowedTokens) > 0 {
			allowed := false
			for _, t := range v.AllowedTokens {
				if t == req.TokenAddress {
					allowed = true
					break
				}
			}
			if !allowed {
				return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeTokenCapExceeded,
					fmt.Sprintf("token-cap: token %s not allowed by rule %s", req.TokenAddress.Hex(), dr.rule.ID))
			}
		}

		if v.MaxAmountPerTx != nil && req.Amount.Cmp(v.MaxAmountPerTx) > 0 {
			return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeTokenCapExceeded,
				fmt.Sprintf("token-cap: amount exceeds max-amount-per-tx rule %s", dr.rule.ID))
		}

		if v.MaxAmountPerHour != nil {
			if err := e.checkTokenAmountSum(ctx, req, now, time.Hour, v.MaxAmountPerHour, dr.rule.ID); err != nil {
				return err
			}
		}
		if v.MaxAmountPerDay != nil {
			if err := e.checkTokenAmountSum(ctx, req, now, 24*time.Hour, v.MaxAmountPerDay, dr.rule.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) checkTokenAmountSum(ctx context.Context, req *types.Request, now time.Time, window time.Duration, limit *uint256.Int, ruleID string) error {
	key := counter.Key{Dimension: counter.DimensionTokenAmount, Identity: req.From, Network: req.Network, Token: req.TokenAddress}
	sum, err := e.counters.Sum(ctx, key, window, now)
	if err != nil {
		return relayerrors.Wrap(relayerrors.KindInternal, relayerrors.CodeInternal, "read counter", err)
	}
	projected := new(uint256.Int).Add(sum, req.Amount)
	if projected.Cmp(limit) > 0 {
		return relayerrors.New(relayerrors.KindPolicyRejected, relayerrors.CodeTokenCapExceeded,
			fmt.Sprintf("token-cap: amount window sum would exceed limit, rule %s", ruleID))
	}
	return nil
}
