package types

import "github.com/holiman/uint256"

// Signature is the 65-byte (r, s, v) tuple produced by the user's wallet
// over the structured-data hash of a Request.
type Signature [65]byte

// Request is the transient, per-inbound-call meta-transaction request of
// spec.md §3. It carries the forwarded call plus the optional token fields
// used by the token-cap policy rules.
type Request struct {
	From      Address
	To        Address
	Value     *uint256.Int
	Gas       *uint256.Int
	UserNonce *uint256.Int
	Data      []byte
	Signature Signature
	Network   Network

	// Token fields are only meaningful when TokenKind != TokenKindNone.
	TokenAddress Address
	TokenKind    TokenKind
	Amount       *uint256.Int
	TokenID      *uint256.Int
}

// HasToken reports whether the request carries token-cap-relevant fields.
func (r *Request) HasToken() bool { return r.TokenKind != TokenKindNone }

// TransactionRecord is the durable record of §3, tracked from broadcast
// through confirmation.
type TransactionRecord struct {
	TxHash Hash

	From    Address
	To      Address
	Network Network

	TokenAddress Address
	TokenKind    TokenKind
	Amount       *uint256.Int
	TokenID      *uint256.Int

	Status Status

	DeclaredGasLimit *uint256.Int
	EffectiveGasPrice *uint256.Int
	GasUsed           *uint256.Int
	BlockNumber       *uint64

	RelayerAddress Address
	SequenceNumber uint64

	SubmittedAt int64 // unix nanos
	UpdatedAt   int64

	StuckSince *int64
}

// UnsignedTx is the relayer-constructed transaction handed to the Signer
// Capability at pipeline step 7. It carries only the fields the relayer
// itself controls; the forwarder call payload is opaque Data.
type UnsignedTx struct {
	Network        Network
	To             Address
	Value          *uint256.Int
	Data           []byte
	GasLimit       uint64
	FeePerGas      *uint256.Int
	SequenceNumber uint64
}

// PolicyRule is the durable policy rule entity of §3/§4.4. Value is an
// opaque structured payload specific to Kind; the Policy Engine owns and
// validates its schema (see internal/policy).
type PolicyRule struct {
	ID      string
	Kind    RuleKind
	Target  string // "*", a network name, or a 20-byte account hex
	Value   []byte // opaque JSON, schema owned by the policy kind
	Enabled bool
}
