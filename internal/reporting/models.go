package reporting

import "time"

// Common filtering inputs.

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// CallsSummaryRequest requests aggregated call metrics for one user.
// Sessions are selected by createdAt in [From, To).
type CallsSummaryRequest struct {
	UserID string    `json:"userId"`
	Range  TimeRange `json:"range"`
}

type CallsSummary struct {
	UserID string    `json:"userId"`
	Range  TimeRange `json:"range"`

	TotalCalls    int `json:"totalCalls"`
	OutgoingCalls int `json:"outgoingCalls"`
	IncomingCalls int `json:"incomingCalls"`

	EndedCalls     int `json:"endedCalls"`
	RejectedCalls  int `json:"rejectedCalls"`
	CancelledCalls int `json:"cancelledCalls"`
	MissedCalls    int `json:"missedCalls"`
	FailedCalls    int `json:"failedCalls"`
	InProgress     int `json:"inProgressCalls"`

	TotalTalkSeconds   int `json:"totalTalkSeconds"`
	AverageTalkSeconds int `json:"averageTalkSeconds"`

	// SpentMinor is what the user paid as caller; EarnedMinor what callers paid to reach them.
	SpentMinor  int64 `json:"spentMinor"`
	EarnedMinor int64 `json:"earnedMinor"`

	// AnswerRate is answered incoming calls over all settled incoming calls.
	AnswerRate float64 `json:"answerRate"`
}
