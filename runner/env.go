package runner

import (
	"context"
	"fmt"
	"sort"

	"github.com/suiteview/suiteview/environment"
	"github.com/suiteview/suiteview/tree"
)

// StartEnv brings up the environment of the given branch. The command is
// validated against the current state before anything is dispatched; the
// stopped to started transition is published once the environment is up.
// Once accepted the start outlives ctx.
func (r *Runner) StartEnv(ctx context.Context, id tree.Nodeid) error {
	mgr, err := r.envManager(id)
	if err != nil {
		return err
	}
	if state := mgr.State(); state != tree.EnvStateStopped {
		return &environment.StateError{From: state, To: tree.EnvStateStarted}
	}

	go func() {
		if err := mgr.Start(r.baseCtx); err != nil {
			r.log.Error("environment start failed", "nodeid", id.String(), "error", err)
			return
		}
		r.publishEnvState(id, tree.EnvStateStarted)
	}()
	return nil
}

// StopEnv tears down the environment of the given branch. The transient
// stopping state is published immediately so the transition is observable;
// stopped follows once the shutdown completes. Once accepted the stop
// outlives ctx: stopping can only ever resolve to stopped, never be
// abandoned by the issuing request going away.
func (r *Runner) StopEnv(ctx context.Context, id tree.Nodeid) error {
	mgr, err := r.envManager(id)
	if err != nil {
		return err
	}
	if err := mgr.BeginStop(); err != nil {
		return err
	}
	r.publishEnvState(id, tree.EnvStateStopping)

	go func() {
		if err := mgr.FinishStop(r.baseCtx); err != nil {
			r.log.Error("environment stop failed", "nodeid", id.String(), "error", err)
			return
		}
		r.publishEnvState(id, tree.EnvStateStopped)
	}()
	return nil
}

// StopAllEnvironments synchronously stops every started environment. Called
// on shutdown so no compose stacks are left running.
func (r *Runner) StopAllEnvironments(ctx context.Context) {
	r.envsMu.Lock()
	managers := make(map[string]*environment.Manager, len(r.envs))
	ids := make([]string, 0, len(r.envs))
	for id, mgr := range r.envs {
		ids = append(ids, id)
		managers[id] = mgr
	}
	r.envsMu.Unlock()
	sort.Strings(ids)

	for _, raw := range ids {
		mgr := managers[raw]
		if mgr.State() != tree.EnvStateStarted {
			continue
		}
		id := tree.ParseNodeid(raw)
		if err := mgr.BeginStop(); err != nil {
			continue
		}
		r.publishEnvState(id, tree.EnvStateStopping)
		if err := mgr.FinishStop(ctx); err != nil {
			r.log.Error("environment stop failed during shutdown", "nodeid", raw, "error", err)
			continue
		}
		r.publishEnvState(id, tree.EnvStateStopped)
	}
}

func (r *Runner) envManager(id tree.Nodeid) (*environment.Manager, error) {
	r.envsMu.Lock()
	defer r.envsMu.Unlock()
	mgr, ok := r.envs[id.String()]
	if !ok {
		return nil, fmt.Errorf("no branch %q to manage an environment for", id)
	}
	return mgr, nil
}

func (r *Runner) publishEnvState(id tree.Nodeid, state tree.EnvState) {
	patch, err := tree.EnvPatch(r.Snapshot(), id, state)
	if err != nil {
		r.log.Error("cannot build environment patch", "nodeid", id.String(), "error", err)
		return
	}
	if err := r.publish(patch); err != nil {
		r.log.Error("environment patch rejected", "nodeid", id.String(), "error", err)
	}
}
