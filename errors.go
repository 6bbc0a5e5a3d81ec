package suiteview

import (
	"errors"
	"fmt"

	"github.com/suiteview/suiteview/tree"
)

// LoadError indicates that the initial snapshot fetch exhausted its retry
// budget. It is fatal for the session until a manual retry.
type LoadError struct {
	Attempts int
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading initial snapshot failed after %d attempts: %v", e.Attempts, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError checks if the error is or wraps a LoadError.
func IsLoadError(err error) bool {
	var loadErr *LoadError
	return err != nil && errors.As(err, &loadErr)
}

// CommandMisuseError indicates a command issued against a node whose state
// does not permit it. The command is rejected locally, before dispatch.
type CommandMisuseError struct {
	Nodeid tree.Nodeid
	Reason string
}

func (e *CommandMisuseError) Error() string {
	return fmt.Sprintf("cannot issue command for %q: %s", e.Nodeid, e.Reason)
}

// IsCommandMisuse checks if the error is or wraps a CommandMisuseError.
func IsCommandMisuse(err error) bool {
	var misuse *CommandMisuseError
	return err != nil && errors.As(err, &misuse)
}
