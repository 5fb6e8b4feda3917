// Package errs defines the error taxonomy shared across kadshare's core
// packages, following the teacher's pattern of a typed error struct
// (dht.BootstrapError) wrapped with fmt.Errorf("...: %w", err) at call
// sites rather than ad-hoc string errors.
package errs

import "fmt"

// Kind identifies one of the error categories the core must distinguish.
type Kind string

const (
	// NotFound: manifest absent in DHT and at every reachable peer; no
	// peers for an info_hash; chunk missing at a peer.
	NotFound Kind = "not_found"
	// Integrity: chunk hash mismatch, reassembly hash mismatch, manifest
	// info_hash mismatch on delivery.
	Integrity Kind = "integrity"
	// Timeout: DHT request, chunk request, manifest request.
	Timeout Kind = "timeout"
	// PeerUnreachable: TCP connect failure, UDP no response past timeout.
	PeerUnreachable Kind = "peer_unreachable"
	// InvalidMessage: malformed framing, oversize message, unparsable JSON.
	InvalidMessage Kind = "invalid_message"
	// Cancelled: node shutdown or caller cancellation.
	Cancelled Kind = "cancelled"
	// IOError: filesystem failure on chunk/manifest write or reassembly.
	IOError Kind = "io_error"
)

// Error is a kadshare error tagged with a Kind so callers can branch on
// category (§7 propagation policy) without string matching.
type Error struct {
	Kind    Kind
	Op      string // the operation that failed, e.g. "store.PutChunk"
	Cause   error
	Message string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, errs.New(kind, "", "")) style kind checks by
// comparing Kind fields when the target is also an *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an *Error that wraps cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !asError(err, &e) {
		return "", false
	}
	return e.Kind, true
}

// asError walks the Unwrap chain looking for an *Error, mirroring
// errors.As without requiring the caller to import the errors package
// just for this one check.
func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
