package spec

import (
	"fmt"
)

// Status is the lifecycle state of a spec, stored in its frontmatter.
type Status string

// Stored statuses. Ready is not among them: readiness is derived from the
// dependency graph and never written to disk.
const (
	StatusPending        Status = "pending"
	StatusInProgress     Status = "in-progress"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusNeedsAttention Status = "needs-attention"
	StatusBlocked        Status = "blocked"
	StatusPaused         Status = "paused"
	StatusCancelled      Status = "cancelled"
)

// StatusReady is a display-only pseudo-status for specs whose dependencies
// are satisfied. It is rejected as the source or target of a transition.
const StatusReady Status = "ready"

// ParseStatus converts a frontmatter string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed,
		StatusNeedsAttention, StatusBlocked, StatusPaused, StatusCancelled:
		return Status(s), nil
	case StatusReady:
		return "", fmt.Errorf("status %q is derived and cannot be stored", s)
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// IsTerminal reports whether the status ends a spec's lifecycle until a
// human intervenes (replay or un-cancel).
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsRetryable reports whether the scheduler may pick the spec up again.
func (s Status) IsRetryable() bool {
	return s == StatusPending || s == StatusFailed
}

// validTransitions is the closed set of allowed explicit status changes.
// Self-transitions are handled separately and always succeed.
var validTransitions = map[Status][]Status{
	StatusPending:        {StatusInProgress, StatusBlocked, StatusCancelled},
	StatusBlocked:        {StatusPending, StatusInProgress, StatusCancelled},
	StatusInProgress:     {StatusCompleted, StatusFailed, StatusNeedsAttention, StatusPaused, StatusCancelled},
	StatusFailed:         {StatusPending, StatusInProgress},
	StatusNeedsAttention: {StatusPending, StatusInProgress},
	StatusPaused:         {StatusInProgress, StatusCancelled},
	StatusCompleted:      {StatusPending}, // replay
	StatusCancelled:      {StatusPending},
}

// CanTransition reports whether the explicit transition from one status to
// another is allowed by the lifecycle table. Ready is rejected on either
// side; self-transitions are always allowed.
func CanTransition(from, to Status) bool {
	if from == StatusReady || to == StatusReady {
		return false
	}
	if from == to {
		return true
	}
	for _, allowed := range validTransitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}
