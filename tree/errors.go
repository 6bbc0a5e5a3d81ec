package tree

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError indicates that an address does not resolve against the
// current snapshot. It is recoverable: the address may refer to a subtree
// that a later patch will introduce.
type NotFoundError struct {
	Address []string
	Segment string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("address %q not found: no branch %q", strings.Join(e.Address, "/"), e.Segment)
}

// IsNotFound checks if the error is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var notFound *NotFoundError
	return err != nil && errors.As(err, &notFound)
}

// ProtocolViolationError indicates that a patch disagrees with the current
// snapshot about the rules of the protocol: an illegal environment
// transition, a malformed status value, or a branch/leaf shape mismatch.
// It is not recoverable for that update; the snapshot is left untouched.
type ProtocolViolationError struct {
	Nodeid Nodeid
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation at %q: %s", e.Nodeid, e.Reason)
}

// IsProtocolViolation checks if the error is or wraps a ProtocolViolationError.
func IsProtocolViolation(err error) bool {
	var violation *ProtocolViolationError
	return err != nil && errors.As(err, &violation)
}

func newViolation(id Nodeid, format string, args ...any) *ProtocolViolationError {
	return &ProtocolViolationError{Nodeid: id, Reason: fmt.Sprintf(format, args...)}
}
