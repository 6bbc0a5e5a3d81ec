// Package channel defines the contract between a result-tree consumer and
// the process that owns test execution: a one-time snapshot fetch, an
// ordered stream of partial-tree patches, and fire-and-forget commands
// addressed by nodeid. The websocket implementation in this package talks
// to the suiteview server; consumers depend on the interface only.
package channel

import (
	"context"

	"github.com/suiteview/suiteview/tree"
)

// Channel is the consumer-facing update contract. Implementations must
// deliver patches on Updates in the order they were produced, at most once
// each. Commands are fire-and-forget: acceptance is observed through a
// later patch, never assumed locally.
type Channel interface {
	// Snapshot fetches the full current tree.
	Snapshot(ctx context.Context) (*tree.BranchNode, error)

	// Updates returns the stream of partial-tree patches. The channel is
	// closed when the underlying transport goes away; the consumer keeps
	// its last good snapshot in that case.
	Updates() <-chan *tree.BranchNode

	// Run requests execution of the branch or leaf with the given nodeid.
	Run(id tree.Nodeid) error

	// SetEnvironment requests an environment transition for the branch
	// with the given nodeid. Desired must be EnvStateStarted or
	// EnvStateStopped.
	SetEnvironment(id tree.Nodeid, desired tree.EnvState) error

	// Close tears down the transport.
	Close() error
}
