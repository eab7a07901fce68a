package calls

import "time"

// transitions is the complete table of legal moves. Anything absent is rejected.
var transitions = map[State]map[Event]State{
	StateRinging: {
		EventAccept:  StateAccepted,
		EventReject:  StateRejected,
		EventCancel:  StateCancelled,
		EventTimeout: StateMissed,
		EventError:   StateFailed,
	},
	StateAccepted: {
		EventEnd:   StateEnded,
		EventError: StateFailed,
	},
}

// eventTarget is the state an event leads to. A session already sitting there
// absorbs a repeated delivery of the same event as a no-op.
var eventTarget = map[Event]State{
	EventAccept:  StateAccepted,
	EventReject:  StateRejected,
	EventCancel:  StateCancelled,
	EventEnd:     StateEnded,
	EventTimeout: StateMissed,
	EventError:   StateFailed,
}

var eventReason = map[Event]EndReason{
	EventReject:  EndReasonCalleeRejected,
	EventCancel:  EndReasonCallerCancelled,
	EventEnd:     EndReasonNormal,
	EventTimeout: EndReasonTimeout,
	EventError:   EndReasonNetworkError,
}

// Decision is the outcome of Decide for a legal event.
type Decision struct {
	From State
	To   State
	// Noop means the session is already in the event's target state.
	Noop bool
}

// Decide validates event against the session's current state and the actor.
// It is pure: it never touches storage.
func Decide(s Session, ev Event, a Actor) (Decision, error) {
	target, ok := eventTarget[ev]
	if !ok {
		return Decision{}, ErrInvalidArgument
	}
	if err := authorize(s, ev, a); err != nil {
		return Decision{}, err
	}
	if s.State == target {
		return Decision{From: s.State, To: target, Noop: true}, nil
	}
	next, ok := transitions[s.State][ev]
	if !ok {
		return Decision{}, &TransitionError{SessionID: s.ID, Current: s.State, Event: ev}
	}
	return Decision{From: s.State, To: next}, nil
}

// authorize enforces who may request which event:
// callee accepts/rejects, caller cancels, either party ends, the system times out or fails.
func authorize(s Session, ev Event, a Actor) error {
	switch ev {
	case EventTimeout, EventError:
		if !a.System {
			return ErrUnauthorized
		}
		return nil
	}

	if a.System || !s.IsParty(a.UserID) {
		return ErrUnauthorized
	}
	switch ev {
	case EventAccept, EventReject:
		if a.UserID != s.CalleeID {
			return ErrUnauthorized
		}
	case EventCancel:
		if a.UserID != s.CallerID {
			return ErrUnauthorized
		}
	}
	return nil
}

// applyTransition returns s moved to state to at now. It sets RespondedAt on
// the first move out of RINGING and EndedAt/EndReason on a terminal move.
// reason overrides the event's default end reason when non-empty.
func applyTransition(s Session, ev Event, to State, now time.Time, reason EndReason) Session {
	now = now.UTC()
	if s.State == StateRinging && s.RespondedAt == nil {
		t := now
		s.RespondedAt = &t
	}
	if to.IsTerminal() && s.EndedAt == nil {
		t := now
		if s.RespondedAt != nil && t.Before(*s.RespondedAt) {
			t = *s.RespondedAt
		}
		s.EndedAt = &t
		if reason == "" {
			reason = eventReason[ev]
		}
		s.EndReason = reason
	}
	s.State = to
	s.Version++
	return s
}
