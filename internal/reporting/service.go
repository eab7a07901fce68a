package reporting

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Methods must only return sessions where the user is a party.
// - Implementations should query immutable sources (settled sessions are never rewritten).
type Repository interface {
	ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Session, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListCalls(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range}
	talked := 0
	incomingSettled, incomingAnswered := 0, 0
	for _, c := range rows {
		out.TotalCalls++
		outgoing := c.CallerID == req.UserID
		if outgoing {
			out.OutgoingCalls++
			out.SpentMinor += c.BilledAmount
		} else {
			out.IncomingCalls++
			out.EarnedMinor += c.BilledAmount
		}

		switch c.State {
		case calls.StateEnded:
			out.EndedCalls++
		case calls.StateRejected:
			out.RejectedCalls++
		case calls.StateCancelled:
			out.CancelledCalls++
		case calls.StateMissed:
			out.MissedCalls++
		case calls.StateFailed:
			out.FailedCalls++
		case calls.StateRinging, calls.StateAccepted:
			out.InProgress++
		}

		if secs := calls.TalkSeconds(c); secs > 0 && c.State == calls.StateEnded {
			out.TotalTalkSeconds += secs
			talked++
		}
		if !outgoing && c.State.IsTerminal() && c.State != calls.StateCancelled {
			incomingSettled++
			if c.State == calls.StateEnded {
				incomingAnswered++
			}
		}
	}
	if talked > 0 {
		out.AverageTalkSeconds = out.TotalTalkSeconds / talked
	}
	if incomingSettled > 0 {
		out.AnswerRate = float64(incomingAnswered) / float64(incomingSettled)
	}
	return out, nil
}
