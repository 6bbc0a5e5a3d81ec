// Package suiteview presents a live, navigable view of a test suite's
// result tree. The Session coordinator owns the consumer-side snapshot:
// it fetches the initial tree, folds inbound patches into it one at a time,
// and exposes read-only snapshot access plus command issuance to everything
// downstream of it. The Service in this package is the server side that a
// Session talks to.
package suiteview

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/suiteview/suiteview/channel"
	"github.com/suiteview/suiteview/metrics"
	"github.com/suiteview/suiteview/tree"
)

const (
	// Initial snapshot fetch retry budget.
	DefaultLoadAttempts   = 10
	DefaultLoadRetryDelay = 100 * time.Millisecond
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Channel channel.Channel
	Log     *slog.Logger

	// LoadAttempts and LoadRetryDelay bound the initial snapshot fetch.
	// Zero values select the defaults.
	LoadAttempts   int
	LoadRetryDelay time.Duration
}

// Session maintains the consumer-side snapshot of the result tree. There is
// exactly one writer of the snapshot: the update loop in Run. Readers take
// the current snapshot and never hold it across an update boundary — every
// render resolves its view against the latest snapshot.
type Session struct {
	ch  channel.Channel
	log *slog.Logger

	loadAttempts   int
	loadRetryDelay time.Duration

	mu       sync.RWMutex
	snapshot *tree.BranchNode

	onUpdate []func(*tree.BranchNode)
}

// NewSession creates a session over the given channel. Call Load to fetch
// the initial snapshot, then Run to start consuming patches.
func NewSession(cfg SessionConfig) *Session {
	if cfg.LoadAttempts == 0 {
		cfg.LoadAttempts = DefaultLoadAttempts
	}
	if cfg.LoadRetryDelay == 0 {
		cfg.LoadRetryDelay = DefaultLoadRetryDelay
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Session{
		ch:             cfg.Channel,
		log:            cfg.Log,
		loadAttempts:   cfg.LoadAttempts,
		loadRetryDelay: cfg.LoadRetryDelay,
	}
}

// OnUpdate registers a callback invoked after each applied patch, with the
// new snapshot. Callbacks run on the update loop goroutine, in order.
// Register before calling Run.
func (s *Session) OnUpdate(fn func(*tree.BranchNode)) {
	s.onUpdate = append(s.onUpdate, fn)
}

// Load fetches the initial snapshot, retrying within the configured budget.
// This is the only operation that blocks the session from becoming
// interactive; it returns a LoadError once the budget is exhausted.
func (s *Session) Load(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= s.loadAttempts; attempt++ {
		snapshot, err := s.ch.Snapshot(ctx)
		if err == nil {
			s.setSnapshot(snapshot)
			s.log.Debug("initial snapshot loaded", "attempt", attempt)
			return nil
		}
		lastErr = err
		s.log.Warn("snapshot fetch failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return &LoadError{Attempts: attempt, Err: ctx.Err()}
		case <-time.After(s.loadRetryDelay):
		}
	}
	return &LoadError{Attempts: s.loadAttempts, Err: lastErr}
}

// Run consumes patches from the channel until it closes or ctx is
// cancelled. Patches are applied strictly in arrival order; a patch that
// violates the update protocol is surfaced and skipped, leaving the last
// good snapshot in place for a later corrective patch.
func (s *Session) Run(ctx context.Context) error {
	updates := s.ch.Updates()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case patch, ok := <-updates:
			if !ok {
				s.log.Info("update stream closed, keeping last snapshot")
				return nil
			}
			s.apply(patch)
		}
	}
}

func (s *Session) apply(patch *tree.BranchNode) {
	current := s.Snapshot()
	if current == nil {
		// A patch cannot precede the snapshot it amends; Load establishes
		// the baseline first.
		s.log.Warn("dropping patch received before the initial snapshot", "nodeid", patch.Nodeid.String())
		return
	}
	merged, err := tree.Merge(current, patch)
	if err != nil {
		// The collaborator and this session disagree on protocol. Keep the
		// snapshot, make the discrepancy visible.
		s.log.Error("rejecting patch", "error", err)
		metrics.RecordProtocolViolation(patch.Nodeid)
		return
	}
	s.setSnapshot(merged)
	metrics.RecordPatchApplied()

	for _, fn := range s.onUpdate {
		fn(merged)
	}
}

// Snapshot returns the current tree snapshot. The returned value is
// immutable; it remains valid after later updates but is superseded by
// them.
func (s *Session) Snapshot() *tree.BranchNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

func (s *Session) setSnapshot(snapshot *tree.BranchNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snapshot
}

// Resolve maps a navigation address to the children of the branch it
// identifies, against the current snapshot.
func (s *Session) Resolve(address []string) (*tree.Selection, error) {
	snapshot := s.Snapshot()
	if snapshot == nil {
		return nil, &tree.NotFoundError{Address: address}
	}
	return tree.Resolve(snapshot, address)
}

// RunTest requests execution of the branch or leaf with the given nodeid.
// The node's status only changes when the collaborator confirms the run
// through a patch; nothing is assumed locally.
func (s *Session) RunTest(id tree.Nodeid) error {
	snapshot := s.Snapshot()
	if snapshot == nil {
		return &CommandMisuseError{Nodeid: id, Reason: "no snapshot loaded"}
	}
	if _, ok := tree.Lookup(snapshot, id); !ok {
		return &CommandMisuseError{Nodeid: id, Reason: "unknown node"}
	}
	return s.ch.Run(id)
}

// StartEnvironment requests that the environment of the given branch be
// started. Legal only while the environment is stopped.
func (s *Session) StartEnvironment(id tree.Nodeid) error {
	if err := s.checkEnvCommand(id, tree.EnvStateStopped); err != nil {
		return err
	}
	return s.ch.SetEnvironment(id, tree.EnvStateStarted)
}

// StopEnvironment requests that the environment of the given branch be
// stopped. Legal only while the environment is started.
func (s *Session) StopEnvironment(id tree.Nodeid) error {
	if err := s.checkEnvCommand(id, tree.EnvStateStarted); err != nil {
		return err
	}
	return s.ch.SetEnvironment(id, tree.EnvStateStopped)
}

// checkEnvCommand rejects environment commands before dispatch unless the
// target is a branch whose environment is exactly in the required state.
// In particular the transient stopping state and environment-less branches
// never accept a command.
func (s *Session) checkEnvCommand(id tree.Nodeid, required tree.EnvState) error {
	snapshot := s.Snapshot()
	if snapshot == nil {
		return &CommandMisuseError{Nodeid: id, Reason: "no snapshot loaded"}
	}
	ref, ok := tree.Lookup(snapshot, id)
	if !ok {
		return &CommandMisuseError{Nodeid: id, Reason: "unknown node"}
	}
	if ref.Branch == nil {
		return &CommandMisuseError{Nodeid: id, Reason: "node is not a branch"}
	}
	state := ref.Branch.EnvState
	if state == tree.EnvStateInactive || state == tree.EnvStateNone {
		return &CommandMisuseError{Nodeid: id, Reason: "branch has no environment"}
	}
	if state != required {
		return &CommandMisuseError{
			Nodeid: id,
			Reason: fmt.Sprintf("environment is %s, must be %s", state, required),
		}
	}
	return nil
}
