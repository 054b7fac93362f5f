package torrent

import (
	"errors"
	"fmt"
)

// Kind classifies an error at a component boundary. Hash mismatch is
// deliberately not a kind; it is an expected negative surfaced as a
// boolean.
type Kind int

const (
	// KindIO covers socket and disk failures.
	KindIO Kind = iota
	// KindProtocol covers malformed handshakes, oversize frames and
	// invalid payloads.
	KindProtocol
	// KindResource covers pre-existing target files and handle-pool
	// exhaustion.
	KindResource
	// KindTracker carries a tracker "failure reason".
	KindTracker
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindResource:
		return "resource"
	case KindTracker:
		return "tracker"
	}
	return "unknown"
}

// Error is the error type crossing component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err wraps an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == k
}
