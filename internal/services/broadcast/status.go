package broadcast

import "fmt"

// CanTransition reports whether moving from s to next is a legal status
// change. A pending broadcast can fail (audience resolution errors) or be
// cancelled without ever starting; terminal states absorb everything.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusFailed || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		return false
	default:
		return false
	}
}

// TransitionSources returns the statuses from which next may legally be
// entered. Storage layers use this to guard status updates atomically
// (UPDATE ... WHERE status IN sources), so a racing cancel and dispatch
// cannot both win.
func TransitionSources(next Status) []Status {
	switch next {
	case StatusInProgress:
		return []Status{StatusPending}
	case StatusCompleted:
		return []Status{StatusInProgress}
	case StatusFailed, StatusCancelled:
		return []Status{StatusPending, StatusInProgress}
	default:
		return nil
	}
}

// ErrIllegalTransition is returned (wrapped) when a status change would
// violate the state machine.
type ErrIllegalTransition struct {
	From, To Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal broadcast transition %s -> %s", e.From, e.To)
}
