// Package signer implements the Signer Capability (C1): producing a
// signed wire-format transaction and exposing the relayer address for a
// network, behind an interface so a local private key and a hosted
// key-management backend are interchangeable.
//
// Grounded on the reference tree's core/wallet.go (HD derivation idiom,
// injected *logrus.Logger, mnemonic-seeded key material) and
// core/transactions.go (crypto.Sign / crypto.SigToPub / PubkeyToAddress as
// the secp256k1 signing primitives this domain actually needs). Wire
// encoding uses go-ethereum's own RLP transaction envelope
// (ethtypes.Transaction) rather than a bespoke format, so the Chain
// Client can broadcast the signed bytes to a real JSON-RPC endpoint
// unmodified.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// Failure classes per spec.md §4.1.
var (
	// ErrUnavailable marks a transient, retry-eligible failure.
	ErrUnavailable = fmt.Errorf("signer: unavailable")
	// ErrDenied marks a fatal failure for the request that triggered it.
	ErrDenied = fmt.Errorf("signer: denied")
)

// Capability is the relayer-facing signing surface. Implementations must
// be deterministic per input under a fixed key and must never expose raw
// key material.
type Capability interface {
	// Address returns the relayer account used to sign for network. It may
	// be cached internally but must be resolved at least once at startup.
	Address(ctx context.Context, network types.Network) (types.Address, error)
	// Sign produces signed wire bytes for tx. Callers treat this as a
	// potential blocking point (remote I/O for hosted key management).
	Sign(ctx context.Context, tx types.UnsignedTx) ([]byte, error)
}

// Local is an in-process ecdsa.PrivateKey-backed signer: one key per
// process, used for every configured network. It logs one structured line
// per sign call (network + relayer address only, never key material),
// mirroring core/wallet.go's SetWalletLogger/injected-logger idiom.
type Local struct {
	key      *ecdsa.PrivateKey
	address  types.Address
	chainIDs map[types.Network]*big.Int
	log      *logrus.Logger
}

// NewLocal builds a Local signer from a raw ecdsa key. chainIDs maps each
// configured network to its EIP-155 chain id, used to domain-separate
// the signature the same way the on-chain forwarder's replay protection
// does.
func NewLocal(key *ecdsa.PrivateKey, chainIDs map[types.Network]*big.Int, log *logrus.Logger) *Local {
	if log == nil {
		log = logrus.New()
	}
	addr := types.FromCommon(crypto.PubkeyToAddress(key.PublicKey))
	return &Local{key: key, address: addr, chainIDs: chainIDs, log: log}
}

// NewLocalFromMnemonic derives a signing key deterministically from a
// BIP-39 mnemonic, matching the reference wallet's "human recovery phrase"
// key-material path (core/wallet.go NewRandomWallet / WalletFromMnemonic)
// adapted from ed25519 to the secp256k1 curve this domain's signatures use.
func NewLocalFromMnemonic(mnemonic, passphrase string, chainIDs map[types.Network]*big.Int, log *logrus.Logger) (*Local, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("signer: invalid mnemonic checksum")
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	key, err := crypto.ToECDSA(seed[:32])
	if err != nil {
		return nil, fmt.Errorf("signer: derive key from seed: %w", err)
	}
	return NewLocal(key, chainIDs, log), nil
}

func (l *Local) Address(_ context.Context, _ types.Network) (types.Address, error) {
	return l.address, nil
}

func (l *Local) Sign(_ context.Context, tx types.UnsignedTx) ([]byte, error) {
	chainID, ok := l.chainIDs[tx.Network]
	if !ok {
		return nil, fmt.Errorf("%w: no chain id configured for network %s", ErrDenied, tx.Network)
	}

	value := new(big.Int)
	if tx.Value != nil {
		value = tx.Value.ToBig()
	}
	gasPrice := new(big.Int)
	if tx.FeePerGas != nil {
		gasPrice = tx.FeePerGas.ToBig()
	}
	to := tx.To.ToCommon()

	legacy := &ethtypes.LegacyTx{
		Nonce:    tx.SequenceNumber,
		GasPrice: gasPrice,
		Gas:      tx.GasLimit,
		To:       &to,
		Value:    value,
		Data:     tx.Data,
	}

	signer := ethtypes.NewEIP155Signer(chainID)
	signed, err := ethtypes.SignNewTx(l.key, signer, legacy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: encode signed tx: %v", ErrUnavailable, err)
	}

	l.log.WithFields(logrus.Fields{
		"network": tx.Network,
		"from":    l.address.Hex(),
		"nonce":   tx.SequenceNumber,
		"tx_hash": signed.Hash().Hex(),
	}).Info("signer: signed transaction")

	return raw, nil
}

// HashSignedBytes computes the deterministic tx hash for already-signed
// wire bytes, used by the pipeline at step 8 to persist a record before
// broadcast, and to detect duplicate broadcasts of identical bytes.
func HashSignedBytes(signed []byte) (types.Hash, error) {
	var tx ethtypes.Transaction
	if err := tx.UnmarshalBinary(signed); err != nil {
		return types.Hash{}, fmt.Errorf("signer: decode signed bytes: %w", err)
	}
	return types.Hash(tx.Hash()), nil
}
