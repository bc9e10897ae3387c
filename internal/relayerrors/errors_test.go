package relayerrors

import (
	"errors"
	"testing"
)

func TestRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindAllocatorStalled, true},
		{KindChainTransient, true},
		{KindSignerUnavailable, true},
		{KindInvalidRequest, false},
		{KindPolicyRejected, false},
		{KindPersistFailed, false},
		{KindBroadcastPostPersist, false},
	}
	for _, c := range cases {
		e := New(c.kind, CodeInternal, "test")
		if got := e.Retryable(); got != c.want {
			t.Errorf("Kind(%s).Retryable() = %v, want %v", c.kind, got, c.want)
		}
	}
}

func TestInvalidSetsField(t *testing.T) {
	e := Invalid("gas", "exceeds ceiling")
	if e.Field != "gas" {
		t.Errorf("Field = %q, want %q", e.Field, "gas")
	}
	if e.Kind != KindInvalidRequest || e.Code != CodeInvalidRequest {
		t.Errorf("unexpected kind/code: %s/%s", e.Kind, e.Code)
	}
	if got := e.Error(); got == "" {
		t.Error("Error() should not be empty")
	}
}

func TestWrapUnwraps(t *testing.T) {
	inner := errors.New("dial refused")
	e := Wrap(KindChainTransient, CodeInternal, "rpc failure", inner)
	if !errors.Is(e, inner) {
		t.Error("Wrap should preserve Unwrap chain to inner error")
	}
}
