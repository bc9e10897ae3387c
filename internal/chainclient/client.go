// Package chainclient implements the Chain Client (C3): an RPC
// abstraction over a single blockchain network exposing gas estimation,
// fee suggestion, simulation, broadcast, and receipt lookup. Each network
// gets an independent *Client instance; there is no cross-network state.
//
// Grounded on go-ethereum's ethclient/rpc packages (used the same way
// throughout the retrieval pack, e.g. other_examples' gasless_relay.go)
// and on the reference tree's pkg/utils.Wrap error-wrapping idiom for the
// bounded-retry plumbing.
package chainclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"golang.org/x/time/rate"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// ErrTransient marks a bounded-retry-exhausted transient RPC failure,
// surfaced by the pipeline as chain-transient (spec.md §7).
var ErrTransient = errors.New("chainclient: transient")

// Call describes a contract call for estimate-gas/simulate.
type Call struct {
	From  types.Address
	To    types.Address
	Value *uint256.Int
	Data  []byte
}

// FeeSuggestion is the network's current fee-market read.
type FeeSuggestion struct {
	// SuggestedFeePerGas is the RPC's own recommendation; the pipeline
	// applies its own multiplier and gas-cap clamp on top of this.
	SuggestedFeePerGas *uint256.Int
}

// Receipt is the minimal result of a confirmed or reverted submission.
type Receipt struct {
	Status      uint64 // 1 success, 0 revert
	GasUsed     uint64
	BlockNumber uint64
}

// Broadcaster is the transport-variant surface for submitting signed
// bytes to the network: either the network's public JSON-RPC endpoint or
// a private-orderflow relay. Both satisfy the same interface so the
// pipeline never has to know which is configured (spec.md Design Notes).
type Broadcaster interface {
	Broadcast(ctx context.Context, signed []byte) (types.Hash, error)
}

// Client is the full Chain Client surface for one network.
type Client struct {
	network     types.Network
	rpcClient   *rpc.Client
	eth         *ethclient.Client
	broadcaster Broadcaster

	retry   RetryPolicy
	limiter *rate.Limiter
}

// RetryPolicy bounds the exponential backoff budget applied to transient
// RPC errors, inside the client, per spec.md §4.3.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// defaultCallBudget bounds the client's own outbound RPC rate, independent
// of any rate limiting the upstream node itself may apply. 20/s with a
// burst of 40 comfortably covers the tracker's poll cadence plus pipeline
// traffic for a single network without needing per-call tuning.
const (
	defaultCallsPerSecond = 20
	defaultBurst          = 40
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithRetryPolicy overrides the default bounded-backoff budget.
func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.retry = p } }

// WithBroadcaster overrides the default public-RPC broadcaster, e.g. with
// a private-orderflow transport.
func WithBroadcaster(b Broadcaster) Option { return func(c *Client) { c.broadcaster = b } }

// WithCallBudget overrides the client's own outbound call-rate limit.
func WithCallBudget(perSecond rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(perSecond, burst) }
}

// Dial connects to a network's RPC endpoint.
func Dial(ctx context.Context, network types.Network, rpcURL string, opts ...Option) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial %s: %w", network, err)
	}
	c := &Client{
		network:   network,
		rpcClient: rc,
		eth:       ethclient.NewClient(rc),
		retry:     defaultRetryPolicy(),
		limiter:   rate.NewLimiter(rate.Limit(defaultCallsPerSecond), defaultBurst),
	}
	c.broadcaster = &publicBroadcaster{client: c}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	delay := c.retry.BaseDelay
	for attempt := 0; attempt < c.retry.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrTransient, op, lastErr)
}

// isTransient is a conservative classifier: network/timeout errors are
// retried, everything else (including a clean RPC error response) is not.
func isTransient(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// HeadBlock returns the current head block number for the network.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.withRetry(ctx, "head-block", func(ctx context.Context) error {
		n, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	return head, err
}

// PendingCount returns the pending-transaction count for address, the
// source of truth the Nonce Allocator initialises and resyncs against.
func (c *Client) PendingCount(ctx context.Context, _ types.Network, address types.Address) (uint64, error) {
	var n uint64
	err := c.withRetry(ctx, "pending-count", func(ctx context.Context) error {
		v, err := c.eth.PendingNonceAt(ctx, address.ToCommon())
		if err != nil {
			return err
		}
		n = v
		return nil
	})
	return n, err
}

// FeeSuggestion reads the network's current recommended fee.
func (c *Client) FeeSuggestion(ctx context.Context) (FeeSuggestion, error) {
	var out FeeSuggestion
	err := c.withRetry(ctx, "fee-suggestion", func(ctx context.Context) error {
		gp, err := c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		fee, overflow := uint256.FromBig(gp)
		if overflow {
			return fmt.Errorf("fee suggestion overflows 256 bits")
		}
		out.SuggestedFeePerGas = fee
		return nil
	})
	return out, err
}

// EstimateGas estimates the gas required for call.
func (c *Client) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	var out uint64
	msg := toCallMsg(call)
	err := c.withRetry(ctx, "estimate-gas", func(ctx context.Context) error {
		g, err := c.eth.EstimateGas(ctx, msg)
		if err != nil {
			return err
		}
		out = g
		return nil
	})
	return out, err
}

// Simulate performs a read-only call to detect a would-revert outcome
// before any durable side effect.
func (c *Client) Simulate(ctx context.Context, call Call) error {
	msg := toCallMsg(call)
	return c.withRetry(ctx, "simulate", func(ctx context.Context) error {
		_, err := c.eth.CallContract(ctx, msg, nil)
		return err
	})
}

func toCallMsg(call Call) ethereum.CallMsg {
	msg := ethereum.CallMsg{
		From: call.From.ToCommon(),
		To:   addrPtr(call.To),
		Data: call.Data,
	}
	if call.Value != nil {
		msg.Value = call.Value.ToBig()
	}
	return msg
}

func addrPtr(a types.Address) *common.Address {
	c := a.ToCommon()
	return &c
}

// Broadcast submits signed bytes via the configured transport. Idempotent
// from the caller's perspective: re-broadcasting the same signed bytes
// returns the same hash.
func (c *Client) Broadcast(ctx context.Context, signed []byte) (types.Hash, error) {
	return c.broadcaster.Broadcast(ctx, signed)
}

// Receipt fetches the receipt for txHash, or (Receipt{}, false, nil) if
// not yet mined.
func (c *Client) Receipt(ctx context.Context, txHash types.Hash) (Receipt, bool, error) {
	var out Receipt
	var found bool
	err := c.withRetry(ctx, "receipt", func(ctx context.Context) error {
		r, err := c.eth.TransactionReceipt(ctx, common.Hash(txHash))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return nil
			}
			return err
		}
		found = true
		out = Receipt{Status: r.Status, GasUsed: r.GasUsed, BlockNumber: r.BlockNumber.Uint64()}
		return nil
	})
	return out, found, err
}

// publicBroadcaster is the default Broadcaster: the network's own
// JSON-RPC public mempool.
type publicBroadcaster struct {
	client *Client
}

func (b *publicBroadcaster) Broadcast(ctx context.Context, signed []byte) (types.Hash, error) {
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return types.Hash{}, fmt.Errorf("chainclient: decode signed bytes: %w", err)
	}
	var out types.Hash
	err := b.client.withRetry(ctx, "broadcast", func(ctx context.Context) error {
		if err := b.client.eth.SendTransaction(ctx, &tx); err != nil {
			return err
		}
		out = types.Hash(tx.Hash())
		return nil
	})
	return out, err
}

// PrivateOrderflowBroadcaster posts signed bytes to a private relay's HTTP
// endpoint instead of the network's public mempool, trading visibility for
// front-running resistance. It satisfies the same Broadcaster interface as
// publicBroadcaster, so the pipeline never has to know which is wired in.
type PrivateOrderflowBroadcaster struct {
	endpoint string
	http     *http.Client
}

// NewPrivateOrderflowBroadcaster builds a Broadcaster that posts signed
// transaction bytes to endpoint as a JSON-encoded body. httpClient may be
// nil, in which case a client with a conservative default timeout is used.
func NewPrivateOrderflowBroadcaster(endpoint string, httpClient *http.Client) *PrivateOrderflowBroadcaster {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &PrivateOrderflowBroadcaster{endpoint: endpoint, http: httpClient}
}

type privateOrderflowRequest struct {
	SignedTx string `json:"signed_tx"`
}

type privateOrderflowResponse struct {
	TxHash string `json:"tx_hash"`
}

func (b *PrivateOrderflowBroadcaster) Broadcast(ctx context.Context, signed []byte) (types.Hash, error) {
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return types.Hash{}, fmt.Errorf("chainclient: decode signed bytes: %w", err)
	}

	body, err := json.Marshal(privateOrderflowRequest{SignedTx: "0x" + common.Bytes2Hex(signed)})
	if err != nil {
		return types.Hash{}, fmt.Errorf("chainclient: encode private-orderflow request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return types.Hash{}, fmt.Errorf("chainclient: build private-orderflow request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return types.Hash{}, fmt.Errorf("%w: private-orderflow broadcast: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return types.Hash{}, fmt.Errorf("%w: private-orderflow broadcast: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return types.Hash{}, fmt.Errorf("chainclient: private-orderflow broadcast rejected: status %d", resp.StatusCode)
	}

	var out privateOrderflowResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		// The relay accepted the submission but didn't echo a hash; fall
		// back to the hash computable from the signed bytes themselves.
		return types.Hash(tx.Hash()), nil
	}
	if out.TxHash == "" {
		return types.Hash(tx.Hash()), nil
	}
	return types.HashFromHex(out.TxHash)
}

// HeadBlockSubscription delivers head-block numbers over a websocket
// connection instead of polling HeadBlock, for networks whose RPC node
// exposes a push subscription. Off by default: callers opt in with
// SubscribeHeadBlocks.
type HeadBlockSubscription struct {
	conn   *websocket.Conn
	Blocks chan uint64
	errs   chan error
}

type wsSubscribeRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type wsSubscriptionNotification struct {
	Params struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

// SubscribeHeadBlocks opens a websocket connection to wsURL and subscribes
// to "newHeads", the standard Ethereum JSON-RPC PubSub topic. This is a
// transport variant of HeadBlock, not a replacement: callers that want
// push delivery use this instead of polling HeadBlock on an interval.
func SubscribeHeadBlocks(ctx context.Context, wsURL string) (*HeadBlockSubscription, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("chainclient: dial head-block websocket: %w", err)
	}

	sub := &HeadBlockSubscription{
		conn:   conn,
		Blocks: make(chan uint64, 16),
		errs:   make(chan error, 1),
	}

	req := wsSubscribeRequest{JSONRPC: "2.0", ID: 1, Method: "eth_subscribe", Params: []interface{}{"newHeads"}}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("chainclient: subscribe newHeads: %w", err)
	}

	go sub.readLoop()
	return sub, nil
}

func (s *HeadBlockSubscription) readLoop() {
	defer close(s.Blocks)
	for {
		var raw json.RawMessage
		if err := s.conn.ReadJSON(&raw); err != nil {
			select {
			case s.errs <- err:
			default:
			}
			return
		}
		var note wsSubscriptionNotification
		if err := json.Unmarshal(raw, &note); err != nil || note.Params.Result.Number == "" {
			continue
		}
		n, err := hexutil.DecodeUint64(note.Params.Result.Number)
		if err != nil {
			continue
		}
		select {
		case s.Blocks <- n:
		default:
		}
	}
}

// Err returns the terminal error that ended the subscription, if any.
func (s *HeadBlockSubscription) Err() error {
	select {
	case err := <-s.errs:
		return err
	default:
		return nil
	}
}

// Close ends the subscription and its underlying websocket connection.
func (s *HeadBlockSubscription) Close() error {
	return s.conn.Close()
}
