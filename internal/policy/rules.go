package policy

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/synnergy-labs/gas-relay/internal/types"
)

// AllowlistValue is the schema for a RuleAllowlist PolicyRule.Value. An
// empty Addresses set with target "*" means deny-all, per spec.md §4.4.
type AllowlistValue struct {
	Addresses []types.Address `json:"addresses"`
}

// QuotaValue is the schema for a RuleQuota PolicyRule.Value.
type QuotaValue struct {
	MaxTxPerHour    uint64        `json:"max_tx_per_hour"`
	MaxTxPerDay     uint64        `json:"max_tx_per_day"`
	MaxValuePerTx   *uint256.Int  `json:"max_value_per_tx"`
	MaxValuePerHour *uint256.Int  `json:"max_value_per_hour"`
	MaxValuePerDay  *uint256.Int  `json:"max_value_per_day"`
}

// GasCapValue is the schema for a RuleGasCap PolicyRule.Value.
type GasCapValue struct {
	MaxGasLimit  uint64       `json:"max_gas_limit"`
	MaxGasPrice  *uint256.Int `json:"max_gas_price"`
}

// TokenCapValue is the schema for a RuleTokenCap PolicyRule.Value.
type TokenCapValue struct {
	AllowedTokens      []types.Address `json:"allowed_tokens"`
	MaxAmountPerTx      *uint256.Int   `json:"max_amount_per_tx"`
	MaxAmountPerHour    *uint256.Int   `json:"max_amount_per_hour"`
	MaxAmountPerDay     *uint256.Int   `json:"max_amount_per_day"`
}

// DecodeValue validates and decodes a rule's opaque JSON value against the
// schema for its kind. Writes must revalidate before persisting
// (spec.md §6, Policy rule endpoints).
func DecodeValue(kind types.RuleKind, raw []byte) (interface{}, error) {
	switch kind {
	case types.RuleAllowlist:
		var v AllowlistValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("policy: decode allowlist value: %w", err)
		}
		return v, nil
	case types.RuleQuota:
		var v QuotaValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("policy: decode quota value: %w", err)
		}
		return v, nil
	case types.RuleGasCap:
		var v GasCapValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("policy: decode gas-cap value: %w", err)
		}
		return v, nil
	case types.RuleTokenCap:
		var v TokenCapValue
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("policy: decode token-cap value: %w", err)
		}
		return v, nil
	default:
		return nil, fmt.Errorf("policy: unknown rule kind %q", kind)
	}
}

// Validate re-validates a rule's Value against its Kind schema, used by
// the Policy Rule CRUD endpoints on every write.
func Validate(rule types.PolicyRule) error {
	_, err := DecodeValue(rule.Kind, rule.Value)
	return err
}

func targetMatches(target string, network types.Network, from types.Address) bool {
	if target == "*" {
		return true
	}
	if target == string(network) {
		return true
	}
	return target == from.Hex()
}
