package calls

import (
	"errors"
	"testing"
	"time"
)

func ringing() Session {
	return Session{
		ID:        "s1",
		CallerID:  "caller",
		CalleeID:  "callee",
		CallType:  CallTypeVoice,
		State:     StateRinging,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Version:   1,
	}
}

func TestDecide_TransitionTable(t *testing.T) {
	cases := []struct {
		name  string
		from  State
		ev    Event
		actor Actor
		to    State
	}{
		{"callee accepts", StateRinging, EventAccept, UserActor("callee"), StateAccepted},
		{"callee rejects", StateRinging, EventReject, UserActor("callee"), StateRejected},
		{"caller cancels", StateRinging, EventCancel, UserActor("caller"), StateCancelled},
		{"ring window elapses", StateRinging, EventTimeout, SystemActor, StateMissed},
		{"fault while ringing", StateRinging, EventError, SystemActor, StateFailed},
		{"caller ends", StateAccepted, EventEnd, UserActor("caller"), StateEnded},
		{"callee ends", StateAccepted, EventEnd, UserActor("callee"), StateEnded},
		{"fault while talking", StateAccepted, EventError, SystemActor, StateFailed},
	}
	for _, tc := range cases {
		s := ringing()
		s.State = tc.from
		d, err := Decide(s, tc.ev, tc.actor)
		if err != nil {
			t.Fatalf("%s: unexpected err: %v", tc.name, err)
		}
		if d.Noop || d.To != tc.to {
			t.Fatalf("%s: expected %s, got %+v", tc.name, tc.to, d)
		}
	}
}

func TestDecide_IllegalEventsCarryCurrentState(t *testing.T) {
	cases := []struct {
		from  State
		ev    Event
		actor Actor
	}{
		{StateRinging, EventEnd, UserActor("caller")},
		{StateAccepted, EventCancel, UserActor("caller")},
		{StateAccepted, EventReject, UserActor("callee")},
		{StateAccepted, EventTimeout, SystemActor},
		{StateCancelled, EventAccept, UserActor("callee")},
		{StateRejected, EventCancel, UserActor("caller")},
		{StateMissed, EventEnd, UserActor("caller")},
		{StateEnded, EventError, SystemActor},
	}
	for _, tc := range cases {
		s := ringing()
		s.State = tc.from
		_, err := Decide(s, tc.ev, tc.actor)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s/%s: expected ErrInvalidTransition, got %v", tc.from, tc.ev, err)
		}
		if st, ok := CurrentState(err); !ok || st != tc.from {
			t.Fatalf("%s/%s: expected current state %s attached, got %q", tc.from, tc.ev, tc.from, st)
		}
	}
}

func TestDecide_RepeatedTerminalEventIsNoop(t *testing.T) {
	for ev, st := range map[Event]State{
		EventReject:  StateRejected,
		EventCancel:  StateCancelled,
		EventEnd:     StateEnded,
		EventTimeout: StateMissed,
		EventError:   StateFailed,
		EventAccept:  StateAccepted,
	} {
		s := ringing()
		s.State = st
		actor := UserActor("callee")
		switch ev {
		case EventCancel:
			actor = UserActor("caller")
		case EventTimeout, EventError:
			actor = SystemActor
		}
		d, err := Decide(s, ev, actor)
		if err != nil {
			t.Fatalf("%s on %s: unexpected err: %v", ev, st, err)
		}
		if !d.Noop {
			t.Fatalf("%s on %s: expected noop", ev, st)
		}
	}
}

func TestDecide_WrongActor(t *testing.T) {
	cases := []struct {
		ev    Event
		actor Actor
	}{
		{EventAccept, UserActor("caller")},
		{EventReject, UserActor("caller")},
		{EventCancel, UserActor("callee")},
		{EventEnd, UserActor("stranger")},
		{EventAccept, UserActor("stranger")},
		{EventTimeout, UserActor("caller")},
		{EventError, UserActor("callee")},
		{EventAccept, SystemActor},
	}
	for _, tc := range cases {
		if _, err := Decide(ringing(), tc.ev, tc.actor); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("%s by %s: expected ErrUnauthorized, got %v", tc.ev, tc.actor, err)
		}
	}
}

func TestApplyTransition_Timestamps(t *testing.T) {
	s := ringing()
	t1 := s.CreatedAt.Add(5 * time.Second)
	s = applyTransition(s, EventAccept, StateAccepted, t1, "")
	if s.RespondedAt == nil || !s.RespondedAt.Equal(t1) {
		t.Fatalf("expected respondedAt %v, got %v", t1, s.RespondedAt)
	}
	if s.EndedAt != nil || s.EndReason != "" {
		t.Fatalf("expected no end markers after accept: %+v", s)
	}

	t2 := t1.Add(90 * time.Second)
	s = applyTransition(s, EventEnd, StateEnded, t2, "")
	if !s.RespondedAt.Equal(t1) {
		t.Fatalf("respondedAt must not be overwritten")
	}
	if s.EndedAt == nil || !s.EndedAt.Equal(t2) {
		t.Fatalf("expected endedAt %v, got %v", t2, s.EndedAt)
	}
	if s.EndReason != EndReasonNormal {
		t.Fatalf("expected NORMAL, got %s", s.EndReason)
	}
	if s.Version != 3 {
		t.Fatalf("expected version 3, got %d", s.Version)
	}
}

func TestApplyTransition_TerminalFromRingingSetsBothTimestamps(t *testing.T) {
	s := ringing()
	now := s.CreatedAt.Add(60 * time.Second)
	s = applyTransition(s, EventTimeout, StateMissed, now, "")
	if s.RespondedAt == nil || s.EndedAt == nil {
		t.Fatalf("expected both timestamps, got %+v", s)
	}
	if s.RespondedAt.After(*s.EndedAt) {
		t.Fatalf("respondedAt must not exceed endedAt")
	}
	if s.EndReason != EndReasonTimeout {
		t.Fatalf("expected TIMEOUT, got %s", s.EndReason)
	}
}

func TestParseCallTypeAndEndReason(t *testing.T) {
	if ct, ok := ParseCallType("video"); !ok || ct != CallTypeVideo {
		t.Fatalf("expected VIDEO, got %q", ct)
	}
	if ct, ok := ParseCallType(""); !ok || ct != CallTypeVoice {
		t.Fatalf("expected default VOICE, got %q", ct)
	}
	if _, ok := ParseCallType("fax"); ok {
		t.Fatalf("expected unknown call type to be refused")
	}
	if r, ok := ParseEndReason(""); !ok || r != EndReasonNormal {
		t.Fatalf("expected NORMAL default, got %q", r)
	}
	if _, ok := ParseEndReason("TIMEOUT"); ok {
		t.Fatalf("TIMEOUT is system-only and must not be accepted from a party")
	}
}
