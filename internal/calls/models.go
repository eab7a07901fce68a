package calls

import (
	"strings"
	"time"
)

// Session is one call attempt from initiate to a terminal state.
//
// Invariants:
// - ID, CallerID, CalleeID, CallType and CreatedAt never change after Create.
// - State only moves forward; terminal states are absorbing.
// - RespondedAt and EndedAt are set once; RespondedAt <= EndedAt.
// - Billing fields are written only by the billing hook (Store.RecordBilling).
type Session struct {
	ID       string   `json:"sessionId" db:"id"`
	CallerID string   `json:"callerId" db:"caller_id"`
	CalleeID string   `json:"calleeId" db:"callee_id"`
	CallType CallType `json:"callType" db:"call_type"`

	State     State     `json:"state" db:"state"`
	EndReason EndReason `json:"endReason,omitempty" db:"end_reason"`

	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	RespondedAt *time.Time `json:"respondedAt,omitempty" db:"responded_at"`
	EndedAt     *time.Time `json:"endedAt,omitempty" db:"ended_at"`

	// PricePerMinute is in minor units, captured from the price oracle at initiate.
	PricePerMinute int64 `json:"pricePerMinute" db:"price_per_minute"`
	BilledSeconds  int   `json:"billedSeconds" db:"billed_seconds"`
	BilledAmount   int64 `json:"billedAmount" db:"billed_amount"`
	Billed         bool  `json:"billed" db:"billed"`

	// Version increases by one with every applied transition.
	Version int64 `json:"version" db:"version"`
}

// IsParty reports whether userID is the caller or the callee.
func (s Session) IsParty(userID string) bool {
	return userID != "" && (userID == s.CallerID || userID == s.CalleeID)
}

// Counterpart returns the other party relative to userID.
func (s Session) Counterpart(userID string) string {
	if userID == s.CallerID {
		return s.CalleeID
	}
	return s.CallerID
}

// RingDeadline is the instant a RINGING session becomes MISSED.
func (s Session) RingDeadline(window time.Duration) time.Time {
	return s.CreatedAt.Add(window)
}

type State string

const (
	StateRinging   State = "RINGING"
	StateAccepted  State = "ACCEPTED"
	StateRejected  State = "REJECTED"
	StateCancelled State = "CANCELLED"
	StateMissed    State = "MISSED"
	StateEnded     State = "ENDED"
	StateFailed    State = "FAILED"
)

func (s State) IsTerminal() bool {
	switch s {
	case StateRejected, StateCancelled, StateMissed, StateEnded, StateFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether s counts against the one-active-session-per-pair rule.
func (s State) IsActive() bool {
	return s == StateRinging || s == StateAccepted
}

func (s State) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// Rank orders states along the only possible forward path.
// A snapshot with a lower rank than one already seen is stale.
func (s State) Rank() int {
	switch {
	case s == StateRinging:
		return 1
	case s == StateAccepted:
		return 2
	case s.IsTerminal():
		return 3
	default:
		return 0
	}
}

type CallType string

const (
	CallTypeVoice CallType = "VOICE"
	CallTypeVideo CallType = "VIDEO"
)

// ParseCallType accepts any casing; an empty string means voice.
func ParseCallType(v string) (CallType, bool) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", string(CallTypeVoice):
		return CallTypeVoice, true
	case string(CallTypeVideo):
		return CallTypeVideo, true
	default:
		return "", false
	}
}

type EndReason string

const (
	EndReasonNormal          EndReason = "NORMAL"
	EndReasonTimeout         EndReason = "TIMEOUT"
	EndReasonCallerCancelled EndReason = "CALLER_CANCELLED"
	EndReasonCalleeRejected  EndReason = "CALLEE_REJECTED"
	EndReasonNetworkError    EndReason = "NETWORK_ERROR"
)

// ParseEndReason accepts the reasons a party may supply on end.
func ParseEndReason(v string) (EndReason, bool) {
	switch r := EndReason(strings.ToUpper(strings.TrimSpace(v))); r {
	case "":
		return EndReasonNormal, true
	case EndReasonNormal, EndReasonNetworkError:
		return r, true
	default:
		return "", false
	}
}

// Event is a transition request applied to an existing session.
type Event string

const (
	EventAccept  Event = "accept"
	EventReject  Event = "reject"
	EventCancel  Event = "cancel"
	EventEnd     Event = "end"
	EventTimeout Event = "timeout"
	EventError   Event = "error"
)

// Actor is whoever requests a transition: a user or the system itself.
type Actor struct {
	UserID string
	System bool
}

func UserActor(userID string) Actor { return Actor{UserID: userID} }

var SystemActor = Actor{System: true}

func (a Actor) String() string {
	if a.System {
		return "system"
	}
	return a.UserID
}

// Page selects a slice of a user's history, newest first. Page is 1-based.
type Page struct {
	Page int
	Size int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = defaultPageSize
	}
	if p.Size > maxPageSize {
		p.Size = maxPageSize
	}
	return p
}

func (p Page) Offset() int { return (p.Page - 1) * p.Size }

type HistoryPage struct {
	Items []Session `json:"items"`
	Total int       `json:"total"`
	Page  int       `json:"page"`
	Size  int       `json:"size"`
}
