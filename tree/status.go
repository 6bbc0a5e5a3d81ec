package tree

// Status represents the execution state of a tree node.
type Status string

const (
	// StatusNone marks a status as absent from a patch. It is never a
	// legal stored value; merged snapshots always carry a concrete status.
	StatusNone Status = ""

	StatusPending Status = "pending"
	StatusSkipped Status = "skipped"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusRunning Status = "running"
)

// A branch inherits the highest precedence status among its children.
var statusPrecedence = map[Status]int{
	StatusPending: 1,
	StatusSkipped: 2,
	StatusPassed:  3,
	StatusFailed:  4,
	StatusRunning: 5,
}

// Valid reports whether s is a known concrete status value.
func (s Status) Valid() bool {
	_, ok := statusPrecedence[s]
	return ok
}

// StatusPrecedent returns the status with the highest precedence. An empty
// input yields StatusPending.
func StatusPrecedent(statuses []Status) Status {
	result := StatusPending
	best := 0
	for _, s := range statuses {
		if p := statusPrecedence[s]; p > best {
			best = p
			result = s
		}
	}
	return result
}

// EnvState represents the state of the auxiliary environment bound to a
// branch node. Branches without an environment are permanently inactive.
type EnvState string

const (
	// EnvStateNone marks the environment state as absent from a patch.
	EnvStateNone EnvState = ""

	EnvStateInactive EnvState = "inactive"
	EnvStateStopped  EnvState = "stopped"
	EnvStateStarted  EnvState = "started"
	EnvStateStopping EnvState = "stopping"
)

// Valid reports whether s is a known concrete environment state.
func (s EnvState) Valid() bool {
	switch s {
	case EnvStateInactive, EnvStateStopped, EnvStateStarted, EnvStateStopping:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal
// environment transition. Re-asserting the current state is always legal,
// which keeps repeated identical patches harmless. Inactive is fixed: it
// can never be entered or left.
func (s EnvState) CanTransition(next EnvState) bool {
	if s == next {
		return true
	}
	switch {
	case s == EnvStateStopped && next == EnvStateStarted:
		return true
	case s == EnvStateStarted && next == EnvStateStopping:
		return true
	case s == EnvStateStopping && next == EnvStateStopped:
		return true
	}
	return false
}
