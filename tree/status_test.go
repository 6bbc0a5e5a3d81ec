package tree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusPrecedent(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "empty defaults to pending", statuses: nil, want: StatusPending},
		{name: "running beats everything", statuses: []Status{StatusFailed, StatusRunning, StatusPassed}, want: StatusRunning},
		{name: "failed beats passed", statuses: []Status{StatusPassed, StatusFailed}, want: StatusFailed},
		{name: "passed beats skipped", statuses: []Status{StatusSkipped, StatusPassed}, want: StatusPassed},
		{name: "skipped beats pending", statuses: []Status{StatusPending, StatusSkipped}, want: StatusSkipped},
		{name: "all pending", statuses: []Status{StatusPending, StatusPending}, want: StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusPrecedent(tt.statuses))
		})
	}
}

func TestAggregateStatus(t *testing.T) {
	root := newTestTree()
	suiteA := root.ChildBranches["suite_a"]

	assert.Equal(t, StatusPending, suiteA.AggregateStatus())

	suiteA.ChildLeaves["test_one"].Status = StatusFailed
	assert.Equal(t, StatusFailed, suiteA.AggregateStatus())

	suiteA.ChildLeaves["test_two"].Status = StatusRunning
	assert.Equal(t, StatusRunning, suiteA.AggregateStatus())
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusSkipped, StatusPassed, StatusFailed, StatusRunning} {
		assert.True(t, s.Valid(), "status %q", s)
	}
	assert.False(t, StatusNone.Valid())
	assert.False(t, Status("bogus").Valid())
}

func TestEnvStateCanTransition(t *testing.T) {
	legal := map[EnvState][]EnvState{
		EnvStateInactive: {EnvStateInactive},
		EnvStateStopped:  {EnvStateStopped, EnvStateStarted},
		EnvStateStarted:  {EnvStateStarted, EnvStateStopping},
		EnvStateStopping: {EnvStateStopping, EnvStateStopped},
	}
	all := []EnvState{EnvStateInactive, EnvStateStopped, EnvStateStarted, EnvStateStopping}

	for from, allowed := range legal {
		for _, to := range all {
			want := false
			for _, a := range allowed {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}
