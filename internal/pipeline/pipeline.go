// Package pipeline implements the Relay Pipeline (C8): the single
// orchestration path from an inbound request to a broadcast transaction
// hash, per spec.md §4.8's eleven-step sequence.
//
// Every run gets a google/uuid correlation id threaded through its
// structured log lines, grounded on the teacher's pervasive uuid usage
// across core/. Admitted/rejected/broadcast counts and latency are
// exported via prometheus/client_golang, grounded on the teacher's
// core/system_health_logging.go HealthLogger.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/gas-relay/internal/chainclient"
	"github.com/synnergy-labs/gas-relay/internal/counter"
	"github.com/synnergy-labs/gas-relay/internal/nonce"
	"github.com/synnergy-labs/gas-relay/internal/policy"
	"github.com/synnergy-labs/gas-relay/internal/relayerrors"
	"github.com/synnergy-labs/gas-relay/internal/signer"
	"github.com/synnergy-labs/gas-relay/internal/store"
	"github.com/synnergy-labs/gas-relay/internal/types"
	"github.com/synnergy-labs/gas-relay/internal/verify"
)

// Counters is the Counter Cache surface the pipeline needs at step 10.
type Counters interface {
	Record(ctx context.Context, key counter.Key, qty *uint256.Int, at time.Time) error
}

// FeeParams are the pipeline-level knobs applied on top of C3's raw fee
// suggestion and gas estimate (spec.md §4.8 steps 4-5).
type FeeParams struct {
	// FeeMultiplierPercent scales C3's suggested fee, e.g. 120 for +20%.
	FeeMultiplierPercent uint64
	// GasHeadroomPercent pads C3's gas estimate, e.g. 110 for +10%.
	GasHeadroomPercent uint64
}

// Result is the successful outcome of Run.
type Result struct {
	TxHash   types.Hash
	GasPrice *uint256.Int
	GasLimit uint64
}

// Pipeline wires the seven leaf components (C1-C7) into the single orchestration
// path of spec.md §4.8.
type Pipeline struct {
	verifier  *verify.Verifier
	policy    *policy.Engine
	chains    map[types.Network]*chainclient.Client
	allocator *nonce.Allocator
	signerCap signer.Capability
	store     *store.Store
	counters  Counters
	fee       FeeParams
	log       *logrus.Logger

	admitted  prometheus.Counter
	rejected  *prometheus.CounterVec
	broadcast prometheus.Counter
	latency   prometheus.Histogram
}

// New builds a Pipeline. chains must contain an entry for every network
// the verifier accepts.
func New(
	verifier *verify.Verifier,
	policyEngine *policy.Engine,
	chains map[types.Network]*chainclient.Client,
	allocator *nonce.Allocator,
	signerCap signer.Capability,
	st *store.Store,
	counters Counters,
	fee FeeParams,
	log *logrus.Logger,
	registerer prometheus.Registerer,
) *Pipeline {
	if log == nil {
		log = logrus.New()
	}
	p := &Pipeline{
		verifier: verifier, policy: policyEngine, chains: chains, allocator: allocator,
		signerCap: signerCap, store: st, counters: counters, fee: fee, log: log,
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pipeline_admitted_total", Help: "Requests that passed verification and policy.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_pipeline_rejected_total", Help: "Requests rejected, by code.",
		}, []string{"code"}),
		broadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_pipeline_broadcast_total", Help: "Requests successfully broadcast.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "relay_pipeline_duration_seconds", Help: "End-to-end pipeline run duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if registerer != nil {
		registerer.MustRegister(p.admitted, p.rejected, p.broadcast, p.latency)
	}
	return p
}

// Run executes the full eleven-step sequence for one request.
func (p *Pipeline) Run(ctx context.Context, req *types.Request) (*Result, error) {
	runID := uuid.New().String()
	start := time.Now()
	log := p.log.WithFields(logrus.Fields{"run_id": runID, "from": req.From.Hex(), "network": req.Network})

	defer func() {
		p.latency.Observe(time.Since(start).Seconds())
	}()

	reject := func(err *relayerrors.RelayError) (*Result, error) {
		p.rejected.WithLabelValues(string(err.Code)).Inc()
		log.WithError(err).Warn("pipeline: rejected")
		return nil, err
	}

	// Step 1: verify.
	if err := p.verifier.Verify(req); err != nil {
		if re, ok := err.(*relayerrors.RelayError); ok {
			return reject(re)
		}
		return reject(relayerrors.Wrap(relayerrors.KindInvalidRequest, relayerrors.CodeInvalidRequest, "verify", err))
	}

	// Step 2: admit.
	if err := p.policy.Admit(ctx, req, start); err != nil {
		if re, ok := err.(*relayerrors.RelayError); ok {
			return reject(re)
		}
		return reject(relayerrors.Wrap(relayerrors.KindPolicyRejected, relayerrors.CodeInternal, "admit", err))
	}

	chain, ok := p.chains[req.Network]
	if !ok {
		return reject(&relayerrors.RelayError{Kind: relayerrors.KindInvalidRequest, Code: relayerrors.CodeUnsupportedNetwork, Reason: "no chain client for network", Field: "network"})
	}

	// Step 3: simulate.
	if err := chain.Simulate(ctx, chainclient.Call{From: req.From, To: req.To, Value: req.Value, Data: req.Data}); err != nil {
		return reject(relayerrors.Wrap(relayerrors.KindWouldRevert, relayerrors.CodeWouldRevert, "simulation reverted", err))
	}
	p.admitted.Inc()

	// Step 4: effective fee, clamped to the applicable max-gas-price rule.
	feeSuggestion, err := chain.FeeSuggestion(ctx)
	if err != nil {
		return nil, relayerrors.Wrap(relayerrors.KindChainTransient, relayerrors.CodeInternal, "fee suggestion", err)
	}
	candidateFee := applyMultiplier(feeSuggestion.SuggestedFeePerGas, p.fee.FeeMultiplierPercent)
	effectiveFee, err := p.policy.ApplyGasCap(req, candidateFee, feeSuggestion.SuggestedFeePerGas)
	if err != nil {
		if re, ok := err.(*relayerrors.RelayError); ok {
			return reject(re)
		}
		return nil, err
	}

	// Step 5: gas estimate + headroom, clamped to declared gas.
	estimate, err := chain.EstimateGas(ctx, chainclient.Call{From: req.From, To: req.To, Value: req.Value, Data: req.Data})
	if err != nil {
		return nil, relayerrors.Wrap(relayerrors.KindChainTransient, relayerrors.CodeInternal, "estimate gas", err)
	}
	gasLimit := applyHeadroom(estimate, p.fee.GasHeadroomPercent)
	declaredGas := req.Gas.Uint64()
	if estimate > declaredGas {
		return reject(relayerrors.New(relayerrors.KindInvalidRequest, relayerrors.CodeGasLimitTooLow, "gas estimate exceeds declared limit"))
	}
	if gasLimit > declaredGas {
		gasLimit = declaredGas
	}

	relayerAddr, err := p.signerCap.Address(ctx, req.Network)
	if err != nil {
		return nil, relayerrors.Wrap(relayerrors.KindSignerUnavailable, relayerrors.CodeInternal, "signer address", err)
	}

	// Step 6: acquire sequence number; lock held through broadcast.
	key := nonce.Key{RelayerAddress: relayerAddr, Network: req.Network}
	seq, release, err := p.allocator.Acquire(ctx, key)
	if err != nil {
		kind := relayerrors.KindAllocatorStalled
		code := relayerrors.CodeInternal
		if err == nonce.ErrSaturated {
			return reject(relayerrors.New(relayerrors.KindAllocatorStalled, relayerrors.CodeRelayerSaturated, "relayer saturated for this network"))
		}
		return nil, relayerrors.Wrap(kind, code, "acquire sequence number", err)
	}
	released := false
	releaseOnce := func() {
		if !released {
			release()
			released = true
		}
	}
	defer releaseOnce()

	// Step 7: sign.
	unsigned := types.UnsignedTx{
		Network: req.Network, To: req.To, Value: req.Value, Data: req.Data,
		GasLimit: gasLimit, FeePerGas: effectiveFee, SequenceNumber: seq,
	}
	signed, err := p.signerCap.Sign(ctx, unsigned)
	if err != nil {
		p.allocator.ReleaseUnused(key, seq)
		return nil, relayerrors.Wrap(relayerrors.KindSignerUnavailable, relayerrors.CodeInternal, "sign", err)
	}
	txHash, err := signer.HashSignedBytes(signed)
	if err != nil {
		p.allocator.ReleaseUnused(key, seq)
		return nil, relayerrors.Wrap(relayerrors.KindInternal, relayerrors.CodeInternal, "hash signed bytes", err)
	}

	// Step 8: persist pending record before broadcast.
	now := time.Now().UnixNano()
	rec := &types.TransactionRecord{
		TxHash: txHash, From: req.From, To: req.To, Network: req.Network,
		TokenAddress: req.TokenAddress, TokenKind: req.TokenKind, Amount: req.Amount, TokenID: req.TokenID,
		Status:            types.StatusPending,
		DeclaredGasLimit:  req.Gas,
		EffectiveGasPrice: effectiveFee,
		GasUsed:           uint256.NewInt(0),
		RelayerAddress:    relayerAddr,
		SequenceNumber:    seq,
		SubmittedAt:       now,
		UpdatedAt:         now,
	}
	if err := p.store.InsertPending(ctx, rec); err != nil {
		p.allocator.ReleaseUnused(key, seq)
		return nil, relayerrors.Wrap(relayerrors.KindPersistFailed, relayerrors.CodeInternal, "persist pending record", err)
	}

	// Step 9: broadcast, then release the allocator lock.
	broadcastHash, err := chain.Broadcast(ctx, signed)
	releaseOnce()
	if err != nil {
		// Record survives in pending; C9 reconciles (late broadcast or dropped).
		log.WithError(err).Error("pipeline: broadcast failed post-persist")
		return nil, relayerrors.Wrap(relayerrors.KindBroadcastPostPersist, relayerrors.CodeInternal, "broadcast", err)
	}
	if broadcastHash != txHash {
		log.WithFields(logrus.Fields{"expected": txHash.Hex(), "actual": broadcastHash.Hex()}).Error("pipeline: broadcast hash mismatch")
	}
	p.broadcast.Inc()

	// Step 10: record counters on broadcast success.
	p.recordCounters(ctx, req, now)

	log.WithField("tx_hash", txHash.Hex()).Info("pipeline: broadcast succeeded")

	// Step 11: return the tx-hash.
	return &Result{TxHash: txHash, GasPrice: effectiveFee, GasLimit: gasLimit}, nil
}

func applyMultiplier(fee *uint256.Int, percent uint64) *uint256.Int {
	if percent == 0 {
		percent = 100
	}
	out := new(uint256.Int).Mul(fee, uint256.NewInt(percent))
	return out.Div(out, uint256.NewInt(100))
}

func applyHeadroom(estimate uint64, percent uint64) uint64 {
	if percent == 0 {
		percent = 100
	}
	return estimate * percent / 100
}

// recordCounters increments the count and value counters unconditionally,
// plus the token-amount counter when the request carries token fields.
// Best-effort: a counter write failure is logged but never fails a
// broadcast that has already succeeded.
func (p *Pipeline) recordCounters(ctx context.Context, req *types.Request, now int64) {
	at := time.Unix(0, now)

	countKey := counter.Key{Dimension: counter.DimensionTxCount, Identity: req.From, Network: req.Network}
	if err := p.counters.Record(ctx, countKey, uint256.NewInt(1), at); err != nil {
		p.log.WithError(err).Warn("pipeline: record tx-count counter")
	}

	valueKey := counter.Key{Dimension: counter.DimensionTxValue, Identity: req.From, Network: req.Network}
	if err := p.counters.Record(ctx, valueKey, req.Value, at); err != nil {
		p.log.WithError(err).Warn("pipeline: record tx-value counter")
	}

	if req.HasToken() {
		tokenKey := counter.Key{Dimension: counter.DimensionTokenAmount, Identity: req.From, Network: req.Network, Token: req.TokenAddress}
		if err := p.counters.Record(ctx, tokenKey, req.Amount, at); err != nil {
			p.log.WithError(err).Warn("pipeline: record token-amount counter")
		}
	}
}
