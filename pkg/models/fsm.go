package models

import "fmt"

// validTransitions maps from-status to the statuses reachable from it. Failed
// is reachable from every non-terminal transition that cannot be completed,
// and a recreate retried from Failed proceeds as if from Absent.
var validTransitions = map[InstanceStatus]map[InstanceStatus]bool{
	StatusAbsent: {
		StatusCreating:   true, // fresh create
		StatusRecreating: true, // recreate with no prior object
		StatusFailed:     true,
	},
	StatusCreating: {
		StatusStopped: true, // object created, not yet started
		StatusFailed:  true,
	},
	StatusStopped: {
		StatusStarting:   true,
		StatusRecreating: true, // config change requires a new object
		StatusStopping:   true, // stop on an already-stopped object is tolerated
		StatusStopped:    true,
		StatusFailed:     true,
	},
	StatusStarting: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusStopping:   true,
		StatusStopped:    true, // engine reported the object gone mid-stop
		StatusRecreating: true,
		StatusFailed:     true,
	},
	StatusStopping: {
		StatusStopped: true,
		StatusFailed:  true,
	},
	StatusRecreating: {
		StatusAbsent:  true, // old object removed, durable point
		StatusStopped: true, // new object created
		StatusFailed:  true,
	},
	StatusFailed: {
		StatusRecreating: true, // retry rebuilds from scratch
		StatusStopping:   true,
		StatusStopped:    true,
		StatusAbsent:     true,
	},
}

// ValidateTransition checks whether moving from one status to another is
// allowed by the lifecycle state machine. Self-transitions are always allowed;
// idempotent re-application of a state is not an error.
func ValidateTransition(from, to InstanceStatus) error {
	if from == to {
		return nil
	}
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source status: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsSettled reports whether the status is a resting state, one that no
// in-flight operation will move on its own.
func IsSettled(s InstanceStatus) bool {
	switch s {
	case StatusAbsent, StatusRunning, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// RequiresEngineObject reports whether an instance in this status must have a
// live EngineID. Absent and Failed are the only statuses that may carry none.
func RequiresEngineObject(s InstanceStatus) bool {
	return s != StatusAbsent && s != StatusFailed
}
