package chainclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

func signedTxBytes(t *testing.T) []byte {
	t.Helper()
	tx := ethtypes.NewTransaction(0, common.HexToAddress("0x0000000000000000000000000000000000000002"), nil, 21000, nil, nil)
	b, err := tx.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestPrivateOrderflowBroadcasterPostsSignedBytes(t *testing.T) {
	signed := signedTxBytes(t)

	var gotBody privateOrderflowRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(privateOrderflowResponse{TxHash: "0x" + common.Bytes2Hex(make([]byte, 32))})
	}))
	defer srv.Close()

	b := NewPrivateOrderflowBroadcaster(srv.URL, nil)
	hash, err := b.Broadcast(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	if hash.Hex() != "0x"+common.Bytes2Hex(make([]byte, 32)) {
		t.Errorf("unexpected hash: %s", hash.Hex())
	}
	if gotBody.SignedTx == "" {
		t.Error("expected signed_tx to be populated in the posted request")
	}
}

func TestPrivateOrderflowBroadcasterFallsBackToComputedHash(t *testing.T) {
	signed := signedTxBytes(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		t.Fatal(err)
	}

	b := NewPrivateOrderflowBroadcaster(srv.URL, nil)
	hash, err := b.Broadcast(context.Background(), signed)
	if err != nil {
		t.Fatal(err)
	}
	want := types.Hash(tx.Hash())
	if hash != want {
		t.Errorf("hash = %s, want %s (computed from signed bytes)", hash.Hex(), want.Hex())
	}
}

func TestPrivateOrderflowBroadcasterRejectsClientError(t *testing.T) {
	signed := signedTxBytes(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	b := NewPrivateOrderflowBroadcaster(srv.URL, nil)
	if _, err := b.Broadcast(context.Background(), signed); err == nil {
		t.Fatal("expected error on 400 response")
	}
}

func TestPrivateOrderflowBroadcasterServerErrorIsTransient(t *testing.T) {
	signed := signedTxBytes(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewPrivateOrderflowBroadcaster(srv.URL, nil)
	_, err := b.Broadcast(context.Background(), signed)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient on 503 response, got %v", err)
	}
}
