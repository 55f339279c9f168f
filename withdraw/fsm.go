package withdraw

import (
	"fmt"

	cashout "github.com/marwen-abid/anchor-cashout-go"
	"github.com/marwen-abid/anchor-cashout-go/errors"
)

// legalTransitions defines the allowed local state transitions of a withdrawal.
// Each key is a "from" state, and the value is a set of valid "to" states.
//
// Terminal states (completed, failed) have no outgoing transitions.
var legalTransitions = map[cashout.TransactionState]map[cashout.TransactionState]bool{
	cashout.StateInitiated: {
		cashout.StateAwaitingPayment: true,
		cashout.StateFailed:          true,
	},
	cashout.StateAwaitingPayment: {
		cashout.StatePaymentSubmitted: true,
		cashout.StateFailed:           true,
	},
	cashout.StatePaymentSubmitted: {
		cashout.StateAwaitingConfirmation: true,
		cashout.StateFailed:               true,
	},
	cashout.StateAwaitingConfirmation: {
		cashout.StateCompleted: true,
		cashout.StateFailed:    true,
	},
	cashout.StateCompleted: {},
	cashout.StateFailed:    {},
}

// ValidateTransition returns a TRANSITION_INVALID error unless moving from
// "from" to "to" is allowed.
func ValidateTransition(from, to cashout.TransactionState) error {
	validToStates, exists := legalTransitions[from]
	if !exists {
		return errors.NewClientError(
			errors.TRANSITION_INVALID,
			fmt.Sprintf("unknown source state: %s", from),
			nil,
		)
	}

	if !validToStates[to] {
		return errors.NewClientError(
			errors.TRANSITION_INVALID,
			fmt.Sprintf("illegal transition from %s to %s", from, to),
			nil,
		)
	}

	return nil
}

// IsTerminal reports whether state has no outgoing transitions.
func IsTerminal(state cashout.TransactionState) bool {
	return len(legalTransitions[state]) == 0
}

type pollOutcome int

const (
	pollContinue pollOutcome = iota
	pollReached
	pollUnexpected
)

// evaluateStatus classifies a polled anchor status against the awaited
// targets. Anchor failure statuses, and completed when it is not awaited, end
// the wait. Everything else keeps polling without side effects.
func evaluateStatus(status cashout.AnchorStatus, targets []cashout.AnchorStatus) pollOutcome {
	for _, target := range targets {
		if status == target {
			return pollReached
		}
	}
	if status.IsFailure() || status == cashout.AnchorStatusCompleted {
		return pollUnexpected
	}
	return pollContinue
}
