package policy

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/synnergy-labs/gas-relay/internal/counter"
	"github.com/synnergy-labs/gas-relay/internal/relayerrors"
	"github.com/synnergy-labs/gas-relay/internal/types"
)

type fakeRuleSource struct {
	byKind map[types.RuleKind][]types.PolicyRule
}

func (f *fakeRuleSource) ListPolicyRules(_ context.Context, kind types.RuleKind) ([]types.PolicyRule, error) {
	return f.byKind[kind], nil
}

type fakeCounterSource struct {
	sums map[string]*uint256.Int
}

func (f *fakeCounterSource) Sum(_ context.Context, key counter.Key, _ time.Duration, _ time.Time) (*uint256.Int, error) {
	if v, ok := f.sums[key.Namespace()]; ok {
		return v.Clone(), nil
	}
	return uint256.NewInt(0), nil
}

func mustAddr(t *testing.T, s string) types.Address {
	t.Helper()
	a, err := types.AddressFromHex(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAdmitRejectsNonAllowlistedSender(t *testing.T) {
	allowed := mustAddr(t, "0x0000000000000000000000000000000000000001")
	sender := mustAddr(t, "0x0000000000000000000000000000000000000002")

	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{
		types.RuleAllowlist: {{
			ID: "r1", Kind: types.RuleAllowlist, Target: "*", Enabled: true,
			Value: mustJSON(t, AllowlistValue{Addresses: []types.Address{allowed}}),
		}},
	}}
	e, err := New(context.Background(), source, &fakeCounterSource{})
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: sender, Network: "localhost", Value: uint256.NewInt(0), Gas: uint256.NewInt(21000)}
	err = e.Admit(context.Background(), req, time.Now())
	relayErr, ok := err.(*relayerrors.RelayError)
	if !ok || relayErr.Code != relayerrors.CodeNotAllowlisted {
		t.Fatalf("expected not-allowlisted rejection, got %v", err)
	}
}

func TestAdmitPassesAllowlistedSender(t *testing.T) {
	allowed := mustAddr(t, "0x0000000000000000000000000000000000000001")
	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{
		types.RuleAllowlist: {{
			ID: "r1", Kind: types.RuleAllowlist, Target: "*", Enabled: true,
			Value: mustJSON(t, AllowlistValue{Addresses: []types.Address{allowed}}),
		}},
	}}
	e, err := New(context.Background(), source, &fakeCounterSource{})
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: allowed, Network: "localhost", Value: uint256.NewInt(0), Gas: uint256.NewInt(21000)}
	if err := e.Admit(context.Background(), req, time.Now()); err != nil {
		t.Fatalf("expected admit to pass, got %v", err)
	}
}

func TestAdmitRejectsQuotaExceeded(t *testing.T) {
	from := mustAddr(t, "0x0000000000000000000000000000000000000003")
	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{
		types.RuleQuota: {{
			ID: "q1", Kind: types.RuleQuota, Target: "*", Enabled: true,
			Value: mustJSON(t, QuotaValue{MaxTxPerHour: 2}),
		}},
	}}
	key := counter.Key{Dimension: counter.DimensionTxCount, Identity: from, Network: "localhost"}
	counters := &fakeCounterSource{sums: map[string]*uint256.Int{key.Namespace(): uint256.NewInt(2)}}

	e, err := New(context.Background(), source, counters)
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: from, Network: "localhost", Value: uint256.NewInt(0), Gas: uint256.NewInt(21000)}
	err = e.Admit(context.Background(), req, time.Now())
	relayErr, ok := err.(*relayerrors.RelayError)
	if !ok || relayErr.Code != relayerrors.CodeQuotaExceeded {
		t.Fatalf("expected quota-exceeded rejection, got %v", err)
	}
}

func TestApplyGasCapClampsCandidateDownToMaxGasPrice(t *testing.T) {
	from := mustAddr(t, "0x0000000000000000000000000000000000000004")
	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{
		types.RuleGasCap: {{
			ID: "g1", Kind: types.RuleGasCap, Target: "*", Enabled: true,
			Value: mustJSON(t, GasCapValue{MaxGasPrice: uint256.NewInt(120)}),
		}},
	}}
	e, err := New(context.Background(), source, &fakeCounterSource{})
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: from, Network: "localhost"}
	got, err := e.ApplyGasCap(req, uint256.NewInt(150), uint256.NewInt(100))
	if err != nil {
		t.Fatalf("expected clamp, not rejection, got %v", err)
	}
	if got.CmpUint64(120) != 0 {
		t.Fatalf("clamped fee = %s, want 120", got)
	}
}

func TestApplyGasCapPassesCandidateThroughWhenUnderCap(t *testing.T) {
	from := mustAddr(t, "0x0000000000000000000000000000000000000004")
	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{
		types.RuleGasCap: {{
			ID: "g1", Kind: types.RuleGasCap, Target: "*", Enabled: true,
			Value: mustJSON(t, GasCapValue{MaxGasPrice: uint256.NewInt(100)}),
		}},
	}}
	e, err := New(context.Background(), source, &fakeCounterSource{})
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: from, Network: "localhost"}
	got, err := e.ApplyGasCap(req, uint256.NewInt(50), uint256.NewInt(50))
	if err != nil {
		t.Fatalf("expected pass under cap, got %v", err)
	}
	if got.CmpUint64(50) != 0 {
		t.Fatalf("fee = %s, want unclamped 50", got)
	}
}

func TestApplyGasCapRejectsFeeCapTooLowWhenClampUndercutsSuggestion(t *testing.T) {
	from := mustAddr(t, "0x0000000000000000000000000000000000000004")
	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{
		types.RuleGasCap: {{
			ID: "g1", Kind: types.RuleGasCap, Target: "*", Enabled: true,
			Value: mustJSON(t, GasCapValue{MaxGasPrice: uint256.NewInt(100)}),
		}},
	}}
	e, err := New(context.Background(), source, &fakeCounterSource{})
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: from, Network: "localhost"}
	_, err = e.ApplyGasCap(req, uint256.NewInt(150), uint256.NewInt(130))
	relayErr, ok := err.(*relayerrors.RelayError)
	if !ok || relayErr.Code != relayerrors.CodeFeeCapTooLow {
		t.Fatalf("expected fee-cap-too-low rejection, got %v", err)
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	from := mustAddr(t, "0x0000000000000000000000000000000000000005")
	source := &fakeRuleSource{byKind: map[types.RuleKind][]types.PolicyRule{}}
	e, err := New(context.Background(), source, &fakeCounterSource{})
	if err != nil {
		t.Fatal(err)
	}

	req := &types.Request{From: from, Network: "localhost", Value: uint256.NewInt(0), Gas: uint256.NewInt(21000)}
	if err := e.Admit(context.Background(), req, time.Now()); err != nil {
		t.Fatalf("expected admit with no rules configured to pass, got %v", err)
	}

	source.byKind[types.RuleAllowlist] = []types.PolicyRule{{
		ID: "r1", Kind: types.RuleAllowlist, Target: "*", Enabled: true,
		Value: mustJSON(t, AllowlistValue{Addresses: nil}),
	}}
	if err := e.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	err = e.Admit(context.Background(), req, time.Now())
	relayErr, ok := err.(*relayerrors.RelayError)
	if !ok || relayErr.Code != relayerrors.CodeNotAllowlisted {
		t.Fatalf("expected reload to pick up new deny-all rule, got %v", err)
	}
}
