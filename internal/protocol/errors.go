package protocol

import (
	"errors"
	"fmt"
	"os"
)

// Kind classifies a failure by how the session must react to it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDecode
	KindIntegrity
	KindFraming
	KindTransientDiscovery
	KindConnectivity
	KindFatalConnectivity
	KindFragmentation
	KindHandshake
)

// String returns the human-readable name of a kind.
func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindIntegrity:
		return "integrity"
	case KindFraming:
		return "framing"
	case KindTransientDiscovery:
		return "transient_discovery"
	case KindConnectivity:
		return "connectivity"
	case KindFatalConnectivity:
		return "fatal_connectivity"
	case KindFragmentation:
		return "fragmentation"
	case KindHandshake:
		return "handshake"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Fatal reports whether an error of this kind terminates the session.
func (k Kind) Fatal() bool {
	switch k {
	case KindIntegrity, KindFraming, KindFatalConnectivity, KindFragmentation, KindHandshake:
		return true
	}
	return false
}

// Error is a classified protocol failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// NewError wraps err with a kind and the operation that failed.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err carries a fatal kind.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}

// DumpFailedBuffer writes buf to a new file in the temporary directory so a
// packet that could not be handled can be inspected offline. It returns the
// file path.
func DumpFailedBuffer(buf []byte, cause error) (string, error) {
	f, err := os.CreateTemp("", "bedrocklink-failed-*.bin")
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(buf); err != nil {
		return "", fmt.Errorf("write dump file: %w", err)
	}
	if cause != nil {
		// The cause goes into a sibling file so the dump stays a raw buffer.
		_ = os.WriteFile(f.Name()+".txt", []byte(cause.Error()+"\n"), 0o600)
	}
	return f.Name(), nil
}
