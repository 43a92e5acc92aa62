// Package coreerr classifies errors by disposition so a caller several
// layers up (the node's run loop, an eventual RPC layer) can decide what to
// do without string-matching error messages.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is the disposition class of an error, per the error handling table:
// each kind implies a fixed response (log and continue, drop a peer,
// shut down cleanly, abort startup).
type Kind int

const (
	// NetworkError originates from transport or peer I/O: log, blacklist
	// the peer on repeated abuse, continue.
	NetworkError Kind = iota
	// ValidationError is an invalid TX, block, or vote: log at WARN,
	// drop the input, no state change.
	ValidationError
	// ProtocolViolation is a peer sending an impossible state: disconnect
	// the peer and mark it misbehaving.
	ProtocolViolation
	// ConsensusError is our own state found inconsistent: log at ERROR,
	// surface for investigation, never self-heal silently.
	ConsensusError
	// StorageError is a failed Store operation: fatal, initiate clean
	// shutdown.
	StorageError
	// ConfigError is a bad startup configuration: abort with a clear
	// message.
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case NetworkError:
		return "NetworkError"
	case ValidationError:
		return "ValidationError"
	case ProtocolViolation:
		return "ProtocolViolation"
	case ConsensusError:
		return "ConsensusError"
	case StorageError:
		return "StorageError"
	case ConfigError:
		return "ConfigError"
	default:
		return "UnknownError"
	}
}

// CoreError pairs a disposition Kind with the underlying error.
type CoreError struct {
	Kind Kind
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// New wraps err with the given Kind. Returns nil if err is nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &CoreError{Kind: kind, Err: err}
}

// Wrap behaves like New but formats a message around err, mirroring the
// fmt.Errorf("...: %w", err) idiom used throughout the rest of the tree.
func Wrap(kind Kind, format string, args ...any) error {
	return &CoreError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *CoreError. The second return is false for plain errors, which callers
// should treat conservatively (typically as ConsensusError-severity).
func KindOf(err error) (Kind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
