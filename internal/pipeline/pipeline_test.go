package pipeline

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/synnergy-labs/gas-relay/internal/chainclient"
	"github.com/synnergy-labs/gas-relay/internal/counter"
	"github.com/synnergy-labs/gas-relay/internal/nonce"
	"github.com/synnergy-labs/gas-relay/internal/policy"
	"github.com/synnergy-labs/gas-relay/internal/signer"
	"github.com/synnergy-labs/gas-relay/internal/store"
	"github.com/synnergy-labs/gas-relay/internal/types"
	"github.com/synnergy-labs/gas-relay/internal/verify"
)

// signForwardRequest reproduces the verifier's EIP-712 ForwardRequest
// digest (same domain name/version and field set as internal/verify) so
// tests can produce a signature the pipeline's own verifier will accept,
// without reaching into verify's unexported structuredHash.
func signForwardRequest(t *testing.T, req *types.Request, chainID *big.Int, forwarder types.Address, key *ecdsa.PrivateKey) {
	t.Helper()
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ForwardRequest": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "gas", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "data", Type: "bytes"},
			},
		},
		PrimaryType: "ForwardRequest",
		Domain: apitypes.TypedDataDomain{
			Name: "MinimalForwarder", Version: "0.0.1",
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: forwarder.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from": req.From.Hex(), "to": req.To.Hex(),
			"value": req.Value.ToBig().String(), "gas": req.Gas.ToBig().String(),
			"nonce": req.UserNonce.ToBig().String(), "data": req.Data,
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		t.Fatal(err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		t.Fatal(err)
	}
	raw := append([]byte{0x19, 0x01}, append(domainHash, messageHash...)...)
	hash := crypto.Keccak256(raw)

	sig, err := crypto.Sign(hash, key)
	if err != nil {
		t.Fatal(err)
	}
	sig[64] += 27
	copy(req.Signature[:], sig)
}

type jsonrpcRequest struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeChainServer serves the small subset of JSON-RPC methods a pipeline
// Run exercises: simulate (eth_call), fee suggestion, gas estimate,
// broadcast, and pending-nonce seeding, all returning fixed values so the
// pipeline's own decision logic is what's under test, not a real node.
func fakeChainServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_call":
			resp["result"] = "0x"
		case "eth_gasPrice":
			resp["result"] = "0x3b9aca00" // 1 gwei
		case "eth_estimateGas":
			resp["result"] = "0x5208" // 21000
		case "eth_getTransactionCount":
			resp["result"] = "0x0"
		case "eth_sendRawTransaction":
			resp["result"] = "0x" + "11" + "00000000000000000000000000000000000000000000000000000000000"
		default:
			t.Fatalf("unexpected RPC method %s", req.Method)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func buildPipeline(t *testing.T) (*Pipeline, *store.Store, func()) {
	t.Helper()
	srv := fakeChainServer(t)

	ctx := context.Background()
	chain, err := chainclient.Dial(ctx, "localhost", srv.URL)
	if err != nil {
		t.Fatal(err)
	}

	forwarder, err := types.AddressFromHex("0x0000000000000000000000000000000000000099")
	if err != nil {
		t.Fatal(err)
	}
	v := verify.New(map[types.Network]verify.NetworkParams{
		"localhost": {ChainID: big.NewInt(1337), ForwarderContract: forwarder},
	}, verify.Ceilings{MaxGasLimit: uint256.NewInt(1_000_000), MaxValue: uint256.NewInt(1_000_000_000)})

	st, err := store.Open(":memory:", 1)
	if err != nil {
		t.Fatal(err)
	}

	counters := counter.New(24 * time.Hour)
	pe, err := policy.New(ctx, st, counters)
	if err != nil {
		t.Fatal(err)
	}

	allocator, err := nonce.New(chain, 16, 64)
	if err != nil {
		t.Fatal(err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	sc := signer.NewLocal(key, map[types.Network]*big.Int{"localhost": big.NewInt(1337)}, nil)

	p := New(
		v, pe,
		map[types.Network]*chainclient.Client{"localhost": chain},
		allocator, sc, st,
		counters,
		FeeParams{FeeMultiplierPercent: 120, GasHeadroomPercent: 110},
		logrus.New(), nil,
	)

	cleanup := func() {
		st.Close()
		srv.Close()
	}
	return p, st, cleanup
}

func TestRunBroadcastsAdmittedRequest(t *testing.T) {
	p, _, cleanup := buildPipeline(t)
	defer cleanup()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := types.FromCommon(crypto.PubkeyToAddress(key.PublicKey))
	to, err := types.AddressFromHex("0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatal(err)
	}

	forwarder, err := types.AddressFromHex("0x0000000000000000000000000000000000000099")
	if err != nil {
		t.Fatal(err)
	}
	req := &types.Request{
		From: from, To: to, Value: uint256.NewInt(0), Gas: uint256.NewInt(100_000),
		UserNonce: uint256.NewInt(0), Network: "localhost",
	}
	signForwardRequest(t, req, big.NewInt(1337), forwarder, key)

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("expected successful run, got %v", err)
	}
	if res.TxHash == (types.Hash{}) {
		t.Error("expected non-zero tx hash")
	}
	if res.GasLimit == 0 {
		t.Error("expected non-zero gas limit")
	}
}

func TestRunRejectsInvalidSignature(t *testing.T) {
	p, _, cleanup := buildPipeline(t)
	defer cleanup()

	from, err := types.AddressFromHex("0x0000000000000000000000000000000000000001")
	if err != nil {
		t.Fatal(err)
	}
	to, err := types.AddressFromHex("0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatal(err)
	}
	req := &types.Request{
		From: from, To: to, Value: uint256.NewInt(0), Gas: uint256.NewInt(100_000),
		UserNonce: uint256.NewInt(0), Network: "localhost",
	}

	_, err = p.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected rejection for an unsigned/garbage-signature request")
	}
}

func TestRunClampsFeeToMaxGasPriceRuleAndStillBroadcasts(t *testing.T) {
	p, st, cleanup := buildPipeline(t)
	defer cleanup()

	// fakeChainServer's eth_gasPrice returns 0x3b9aca00 (1 gwei); the
	// pipeline's 120% multiplier would normally candidate at 1.2 gwei.
	// A max-gas-price rule of 1.05 gwei, still >= the 1 gwei suggestion,
	// must clamp the broadcast fee down rather than reject the request.
	rule := types.PolicyRule{
		ID: "g1", Kind: types.RuleGasCap, Target: "*", Enabled: true,
		Value: mustMarshalGasCap(t, uint256.NewInt(1_050_000_000)),
	}
	if err := st.UpsertPolicyRule(context.Background(), rule); err != nil {
		t.Fatal(err)
	}
	pe := p.policy
	if err := pe.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := types.FromCommon(crypto.PubkeyToAddress(key.PublicKey))
	to, err := types.AddressFromHex("0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatal(err)
	}
	forwarder, err := types.AddressFromHex("0x0000000000000000000000000000000000000099")
	if err != nil {
		t.Fatal(err)
	}
	req := &types.Request{
		From: from, To: to, Value: uint256.NewInt(0), Gas: uint256.NewInt(100_000),
		UserNonce: uint256.NewInt(0), Network: "localhost",
	}
	signForwardRequest(t, req, big.NewInt(1337), forwarder, key)

	res, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("expected the clamped fee to still be broadcastable, got %v", err)
	}
	if res.GasPrice.CmpUint64(1_050_000_000) != 0 {
		t.Errorf("gas price = %s, want clamped value 1050000000", res.GasPrice)
	}
}

func TestRunRejectsFeeCapTooLowWhenClampUndercutsSuggestion(t *testing.T) {
	p, st, cleanup := buildPipeline(t)
	defer cleanup()

	// A max-gas-price rule below the network's own suggested fee (1 gwei)
	// can never be satisfied; the pipeline must reject, not silently
	// broadcast underpriced.
	rule := types.PolicyRule{
		ID: "g1", Kind: types.RuleGasCap, Target: "*", Enabled: true,
		Value: mustMarshalGasCap(t, uint256.NewInt(500_000_000)),
	}
	if err := st.UpsertPolicyRule(context.Background(), rule); err != nil {
		t.Fatal(err)
	}
	if err := p.policy.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := types.FromCommon(crypto.PubkeyToAddress(key.PublicKey))
	to, err := types.AddressFromHex("0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatal(err)
	}
	forwarder, err := types.AddressFromHex("0x0000000000000000000000000000000000000099")
	if err != nil {
		t.Fatal(err)
	}
	req := &types.Request{
		From: from, To: to, Value: uint256.NewInt(0), Gas: uint256.NewInt(100_000),
		UserNonce: uint256.NewInt(0), Network: "localhost",
	}
	signForwardRequest(t, req, big.NewInt(1337), forwarder, key)

	_, err = p.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected fee-cap-too-low rejection")
	}
}

func mustMarshalGasCap(t *testing.T, maxGasPrice *uint256.Int) []byte {
	t.Helper()
	b, err := json.Marshal(policy.GasCapValue{MaxGasPrice: maxGasPrice})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestRunRejectsUnsupportedNetwork(t *testing.T) {
	p, _, cleanup := buildPipeline(t)
	defer cleanup()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	from := types.FromCommon(crypto.PubkeyToAddress(key.PublicKey))
	to, err := types.AddressFromHex("0x0000000000000000000000000000000000000002")
	if err != nil {
		t.Fatal(err)
	}
	req := &types.Request{
		From: from, To: to, Value: uint256.NewInt(0), Gas: uint256.NewInt(100_000),
		UserNonce: uint256.NewInt(0), Network: "not-configured",
		Signature: types.Signature{1},
	}

	_, err = p.Run(context.Background(), req)
	if err == nil {
		t.Fatal("expected rejection for unsupported network")
	}
}
