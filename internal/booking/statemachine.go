package booking

import "fmt"

// validTransitions enumerates every legal status change. Terminal
// statuses map to an empty set; anything absent is illegal.
var validTransitions = map[Status][]Status{
	StatusPendingConfirmation: {
		StatusConfirmed,
		StatusDeclined,
		StatusExpired,
		StatusRescheduleProposed,
		StatusCancelledPatient,
		StatusCancelledProvider,
	},
	StatusRescheduleProposed: {
		StatusConfirmed,
		StatusCancelledPatient,
		StatusExpired,
	},
	StatusConfirmed: {
		StatusCheckedIn,
		StatusCompleted,
		StatusCancelledPatient,
		StatusCancelledProvider,
		StatusNoShow,
	},
	StatusCheckedIn: {
		StatusCompleted,
		StatusNoShow,
	},

	// Terminal
	StatusDeclined:          {},
	StatusExpired:           {},
	StatusCompleted:         {},
	StatusCancelledPatient:  {},
	StatusCancelledProvider: {},
	StatusNoShow:            {},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are legal.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// checkTransition returns ErrInvalidTransition with context when the
// change is not legal.
func checkTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
