// Package disputes advances payment disputes through an auditable
// status machine ending, at most once, in a financial refund.
package disputes

import (
	"fmt"

	"github.com/example/veriseal/internal/store"
)

// Status is the current state of a dispute.
type Status string

const (
	StatusOpen               Status = "OPEN"
	StatusUnderInvestigation Status = "UNDER_INVESTIGATION"
	StatusResolved           Status = "RESOLVED"
	StatusRejected           Status = "REJECTED"
	StatusRefunded           Status = "REFUNDED"
)

// AllowedTransitions defines the valid status graph. OPEN is the sole
// initial state; RESOLVED, REJECTED and REFUNDED are terminal.
func AllowedTransitions() map[Status][]Status {
	return map[Status][]Status{
		StatusOpen:               {StatusUnderInvestigation},
		StatusUnderInvestigation: {StatusResolved, StatusRejected, StatusRefunded},
		StatusResolved:           {},
		StatusRejected:           {},
		StatusRefunded:           {},
	}
}

// IsTerminal reports whether no further transition is permitted.
func IsTerminal(s Status) bool {
	return s == StatusResolved || s == StatusRejected || s == StatusRefunded
}

// IsValidTransition checks the status graph.
func IsValidTransition(from, to Status) bool {
	for _, next := range AllowedTransitions()[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a transition the status graph does not
// permit, including one raced away by a concurrent actor.
type InvalidTransitionError struct {
	DisputeID string
	From      Status
	To        Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s for dispute %s", e.From, e.To, e.DisputeID)
}

// Unwrap classifies this as a Conflict for callers branching on kind.
func (e *InvalidTransitionError) Unwrap() error { return store.ErrConflict }

// TerminalStateError reports a transition attempted from a terminal
// state, so callers can surface "already refunded" instead of a generic
// failure.
type TerminalStateError struct {
	DisputeID string
	Status    Status
	Attempted Status
}

func (e *TerminalStateError) Error() string {
	if e.Status == StatusRefunded && e.Attempted == StatusRefunded {
		return fmt.Sprintf("dispute %s already refunded", e.DisputeID)
	}
	return fmt.Sprintf("dispute %s already in terminal state %s", e.DisputeID, e.Status)
}

// Unwrap classifies this as a Conflict for callers branching on kind.
func (e *TerminalStateError) Unwrap() error { return store.ErrConflict }

// transitionError picks the right typed error for a failed transition
// given the status actually found in the store.
func transitionError(disputeID string, current, attempted Status) error {
	if IsTerminal(current) {
		return &TerminalStateError{DisputeID: disputeID, Status: current, Attempted: attempted}
	}
	return &InvalidTransitionError{DisputeID: disputeID, From: current, To: attempted}
}
