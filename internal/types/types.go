// Package types defines the wire and domain value types shared across the
// relay: accounts, networks, the inbound request shape, and the durable
// transaction record. See core/common_structs.go and core/transactions.go in
// the Synnergy reference tree for the Address/Hash idiom this mirrors.
package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte account identifier, canonicalised to lower-case hex
// on the wire.
type Address [20]byte

// Hash is a 32-byte identifier, used for transaction hashes.
type Hash [32]byte

// ZeroAddress is the conventional absence-of-address value.
var ZeroAddress Address

// AddressFromHex parses a "0x"-prefixed or bare hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	var a Address
	b, err := decodeFixedHex(s, len(a))
	if err != nil {
		return a, fmt.Errorf("address: %w", err)
	}
	copy(a[:], b)
	return a, nil
}

// HashFromHex parses a "0x"-prefixed or bare hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := decodeFixedHex(s, len(h))
	if err != nil {
		return h, fmt.Errorf("hash: %w", err)
	}
	copy(h[:], b)
	return h, nil
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("want %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// Hex returns the canonical lower-case "0x"-prefixed encoding.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// Hex returns the canonical lower-case "0x"-prefixed encoding.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

func (a Address) String() string { return a.Hex() }
func (h Hash) String() string    { return h.Hex() }

func (a Address) MarshalJSON() ([]byte, error) { return []byte(`"` + a.Hex() + `"`), nil }
func (h Hash) MarshalJSON() ([]byte, error)    { return []byte(`"` + h.Hex() + `"`), nil }

func (a *Address) UnmarshalJSON(b []byte) error {
	v, err := AddressFromHex(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	v, err := HashFromHex(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// ToCommon converts to a go-ethereum common.Address for use against
// ethclient/abi helpers.
func (a Address) ToCommon() common.Address { return common.Address(a) }

// FromCommon converts a go-ethereum common.Address into our wire Address.
// Mirrors core/transactions.go's FromCommon helper in the reference tree.
func FromCommon(a common.Address) Address { return Address(a) }

// Network is a closed-set network identifier (e.g. "localhost", "mainnet").
type Network string

// TokenKind enumerates the token standards a request's optional token
// fields may refer to.
type TokenKind uint8

const (
	TokenKindNone TokenKind = iota
	TokenKindFungible
	TokenKindNonFungible
	TokenKindMulti
)

func (k TokenKind) String() string {
	switch k {
	case TokenKindFungible:
		return "fungible"
	case TokenKindNonFungible:
		return "non-fungible"
	case TokenKindMulti:
		return "multi"
	default:
		return "none"
	}
}

// Status is the lifecycle state of a TransactionRecord.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusDropped   Status = "dropped"
)

// Terminal reports whether s is immutable once reached.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusDropped
}

// RuleKind enumerates the policy rule kinds of §4.4.
type RuleKind string

const (
	RuleAllowlist RuleKind = "allowlist"
	RuleQuota     RuleKind = "quota"
	RuleGasCap    RuleKind = "gas-cap"
	RuleTokenCap  RuleKind = "token-cap"
)
