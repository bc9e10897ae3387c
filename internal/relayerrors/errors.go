// Package relayerrors defines the typed error kinds of spec.md §7 and their
// wire-visible codes from §6, so the HTTP adapter never has to re-derive the
// mapping from an ad-hoc error string.
package relayerrors

import "fmt"

// Code is the machine-readable code returned in a rejection response.
type Code string

const (
	CodeInvalidRequest     Code = "invalid-request"
	CodeUnsupportedNetwork Code = "unsupported-network"
	CodeNotAllowlisted     Code = "not-allowlisted"
	CodeQuotaExceeded      Code = "quota-exceeded"
	CodeGasCapExceeded     Code = "gas-cap-exceeded"
	CodeTokenCapExceeded   Code = "token-cap-exceeded"
	CodeWouldRevert        Code = "would-revert"
	CodeFeeCapTooLow       Code = "fee-cap-too-low"
	CodeGasLimitTooLow     Code = "gas-limit-too-low"
	CodeRelayerSaturated   Code = "relayer-saturated"
	CodeInternal           Code = "internal"
)

// Kind classifies an error for local-recovery and propagation purposes,
// per the table in spec.md §7.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid-request"
	KindPolicyRejected    Kind = "policy-rejected"
	KindWouldRevert       Kind = "would-revert"
	KindAllocatorStalled  Kind = "allocator-stalled"
	KindChainTransient    Kind = "chain-transient"
	KindPersistFailed     Kind = "persist-failed"
	KindBroadcastPostPersist Kind = "broadcast-failed-post-persist"
	KindSignerUnavailable Kind = "signer-unavailable"
	KindInternal          Kind = "internal"
)

// RelayError is the structured error surfaced out of the pipeline. Field is
// set only for invalid-request errors, naming the offending field.
type RelayError struct {
	Kind   Kind
	Code   Code
	Reason string
	Field  string
	Err    error
}

func (e *RelayError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s [field=%s]", e.Kind, e.Code, e.Reason, e.Field)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Reason)
}

func (e *RelayError) Unwrap() error { return e.Err }

// Retryable reports whether the pipeline's caller may retry the request
// as-is without risking a duplicate side effect.
func (e *RelayError) Retryable() bool {
	switch e.Kind {
	case KindAllocatorStalled, KindChainTransient, KindSignerUnavailable:
		return true
	default:
		return false
	}
}

func New(kind Kind, code Code, reason string) *RelayError {
	return &RelayError{Kind: kind, Code: code, Reason: reason}
}

func Wrap(kind Kind, code Code, reason string, err error) *RelayError {
	return &RelayError{Kind: kind, Code: code, Reason: reason, Err: err}
}

func Invalid(field, reason string) *RelayError {
	return &RelayError{Kind: KindInvalidRequest, Code: CodeInvalidRequest, Reason: reason, Field: field}
}
