package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// Remote is a hosted key-management signer: signing and address
// resolution are delegated to an out-of-process KMS endpoint over HTTP.
// The capability boundary is identical to Local — no key material ever
// enters this process.
type Remote struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	cachedBy map[types.Network]types.Address
}

// NewRemote builds a Remote signer talking to baseURL.
func NewRemote(baseURL string, client *http.Client) *Remote {
	if client == nil {
		client = &http.Client{}
	}
	return &Remote{baseURL: baseURL, client: client, cachedBy: make(map[types.Network]types.Address)}
}

type addressResponse struct {
	Address string `json:"address"`
}

func (r *Remote) Address(ctx context.Context, network types.Network) (types.Address, error) {
	r.mu.Lock()
	if a, ok := r.cachedBy[network]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	var out addressResponse
	if err := r.call(ctx, "GET", fmt.Sprintf("/address?network=%s", network), nil, &out); err != nil {
		return types.Address{}, err
	}
	addr, err := types.AddressFromHex(out.Address)
	if err != nil {
		return types.Address{}, fmt.Errorf("%w: malformed address from kms: %v", ErrUnavailable, err)
	}
	r.mu.Lock()
	r.cachedBy[network] = addr
	r.mu.Unlock()
	return addr, nil
}

type signRequest struct {
	Network        types.Network `json:"network"`
	To             string        `json:"to"`
	Value          string        `json:"value"`
	DataHex        string        `json:"data"`
	GasLimit       uint64        `json:"gas_limit"`
	FeePerGas      string        `json:"fee_per_gas"`
	SequenceNumber uint64        `json:"sequence_number"`
}

type signResponse struct {
	SignedBytesHex string `json:"signed_bytes"`
}

func (r *Remote) Sign(ctx context.Context, tx types.UnsignedTx) ([]byte, error) {
	req := signRequest{
		Network:        tx.Network,
		To:             tx.To.Hex(),
		GasLimit:       tx.GasLimit,
		SequenceNumber: tx.SequenceNumber,
		DataHex:        fmt.Sprintf("%x", tx.Data),
	}
	if tx.Value != nil {
		req.Value = tx.Value.Dec()
	}
	if tx.FeePerGas != nil {
		req.FeePerGas = tx.FeePerGas.Dec()
	}

	var out signResponse
	if err := r.call(ctx, "POST", "/sign", req, &out); err != nil {
		return nil, err
	}
	var signed []byte
	if _, err := fmt.Sscanf(out.SignedBytesHex, "%x", &signed); err != nil {
		return nil, fmt.Errorf("%w: malformed signed bytes from kms: %v", ErrUnavailable, err)
	}
	return signed, nil
}

func (r *Remote) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", ErrDenied, err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDenied, err)
	}
	req.Header.Set("content-type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized {
		return ErrDenied
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: kms status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: kms status %d", ErrDenied, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
