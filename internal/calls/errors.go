package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("calls: session not found")
	ErrConflict            = errors.New("calls: an active session already exists for this pair")
	ErrInvalidTransition   = errors.New("calls: invalid transition")
	ErrUnauthorized        = errors.New("calls: actor not permitted for this session")
	ErrUpstreamUnavailable = errors.New("calls: upstream unavailable")
	ErrCallTypeDisabled    = errors.New("calls: callee does not accept this call type")
	ErrCalleeNotFound      = errors.New("calls: callee not found")
	ErrInsufficientBalance = errors.New("calls: insufficient balance")
	ErrInvalidArgument     = errors.New("calls: invalid argument")
)

// errStateChanged is returned by CompareAndTransition when the stored state
// no longer matches the expected one. The current session is returned with it.
var errStateChanged = errors.New("calls: state changed concurrently")

// TransitionError reports an event that is not legal from the current state.
// Current is the authoritative state so callers can reconcile instead of retrying.
type TransitionError struct {
	SessionID string
	Current   State
	Event     Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("calls: cannot %s session %s in state %s", e.Event, e.SessionID, e.Current)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// CurrentState extracts the authoritative state from a transition error.
func CurrentState(err error) (State, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Current, true
	}
	return "", false
}
