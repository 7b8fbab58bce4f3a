// Package approvalfsm holds the transition rules for approval records.
// An approval starts pending and is decided exactly once; there is no
// reversal and no re-decision of a decided record.
package approvalfsm

import (
	"errors"

	"github.com/agent2allow/agent2allow/pkg/models"
)

var (
	ErrNotFound       = errors.New("approval not found")
	ErrAlreadyDecided = errors.New("approval already decided")
	ErrUnknownVerb    = errors.New("unknown decision verb")
)

// CanTransition reports whether an approval status change is legal.
func CanTransition(from, to string) bool {
	if from != models.ApprovalPending {
		return false
	}
	return to == models.ApprovalApproved || to == models.ApprovalDenied
}

// Transition validates and applies a status change.
func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrAlreadyDecided
	}
	return to, nil
}

// StatusForDecision maps a decision verb onto the target approval status.
func StatusForDecision(decision string) (string, error) {
	switch decision {
	case models.DecisionApprove:
		return models.ApprovalApproved, nil
	case models.DecisionDeny:
		return models.ApprovalDenied, nil
	default:
		return "", ErrUnknownVerb
	}
}

// IsDecided reports whether an approval has reached its one-way terminal
// status.
func IsDecided(status string) bool {
	return status == models.ApprovalApproved || status == models.ApprovalDenied
}
