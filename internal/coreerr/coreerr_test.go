package coreerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNew_NilErr(t *testing.T) {
	if err := New(StorageError, nil); err != nil {
		t.Errorf("New with nil err should return nil, got %v", err)
	}
}

func TestCoreError_Unwrap(t *testing.T) {
	base := errors.New("disk full")
	err := New(StorageError, base)
	if !errors.Is(err, base) {
		t.Errorf("errors.Is should see through CoreError to base error")
	}
}

func TestCoreError_Error(t *testing.T) {
	err := New(ValidationError, errors.New("bad signature"))
	want := "ValidationError: bad signature"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	err := Wrap(NetworkError, "dial %s: %w", "peer1", errors.New("timeout"))
	kind, ok := KindOf(err)
	if !ok || kind != NetworkError {
		t.Errorf("KindOf = (%v, %v), want (NetworkError, true)", kind, ok)
	}
}

func TestKindOf_PlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	if ok {
		t.Errorf("KindOf on a plain error should return false")
	}
}

func TestKindOf_WrappedWithFmt(t *testing.T) {
	inner := New(ConsensusError, errors.New("bad state"))
	outer := fmt.Errorf("processing block: %w", inner)
	kind, ok := KindOf(outer)
	if !ok || kind != ConsensusError {
		t.Errorf("KindOf through fmt.Errorf wrapping = (%v, %v), want (ConsensusError, true)", kind, ok)
	}
}

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		NetworkError:      "NetworkError",
		ValidationError:   "ValidationError",
		ProtocolViolation: "ProtocolViolation",
		ConsensusError:    "ConsensusError",
		StorageError:      "StorageError",
		ConfigError:       "ConfigError",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
