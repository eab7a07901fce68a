package reporting

import (
	"context"
	"testing"
	"time"

	"call-signaling/internal/calls"
)

func seed(t *testing.T, store *calls.MemoryStore, id, caller, callee string, state calls.State, created time.Time, talk time.Duration, billed int64) {
	t.Helper()
	s := calls.Session{ID: id, CallerID: caller, CalleeID: callee, CallType: calls.CallTypeVoice, State: calls.StateRinging, CreatedAt: created}
	if _, err := store.Create(context.Background(), s); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
	if state == calls.StateRinging {
		return
	}
	responded := created.Add(5 * time.Second)
	ended := responded.Add(talk)
	_, err := store.CompareAndTransition(context.Background(), id, calls.StateRinging, func(c calls.Session) (calls.Session, error) {
		c.State = state
		c.RespondedAt = &responded
		if state.IsTerminal() {
			c.EndedAt = &ended
		}
		return c, nil
	})
	if err != nil {
		t.Fatalf("transition %s: %v", id, err)
	}
	if state == calls.StateEnded && billed > 0 {
		if _, _, err := store.RecordBilling(context.Background(), id, int(talk.Seconds()), billed); err != nil {
			t.Fatalf("billing %s: %v", id, err)
		}
	}
}

func TestReporting_CallsSummaryAggregates(t *testing.T) {
	store := calls.NewMemoryStore()
	now := time.Unix(1700000000, 0).UTC()

	seed(t, store, "c1", "me", "a", calls.StateEnded, now, 90*time.Second, 200)
	seed(t, store, "c2", "b", "me", calls.StateEnded, now.Add(time.Minute), 30*time.Second, 50)
	seed(t, store, "c3", "c", "me", calls.StateMissed, now.Add(2*time.Minute), 0, 0)
	seed(t, store, "c4", "me", "d", calls.StateCancelled, now.Add(3*time.Minute), 0, 0)
	seed(t, store, "c5", "me", "e", calls.StateRinging, now.Add(4*time.Minute), 0, 0)
	// outside the range
	seed(t, store, "old", "me", "f", calls.StateEnded, now.Add(-48*time.Hour), time.Minute, 100)
	// someone else's call
	seed(t, store, "x", "g", "h", calls.StateEnded, now, time.Minute, 100)

	svc := NewService(NewStoreRepo(store))
	out, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{
		UserID: "me",
		Range:  TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.TotalCalls != 5 || out.OutgoingCalls != 3 || out.IncomingCalls != 2 {
		t.Fatalf("unexpected counts: %+v", out)
	}
	if out.EndedCalls != 2 || out.MissedCalls != 1 || out.CancelledCalls != 1 || out.InProgress != 1 {
		t.Fatalf("unexpected state counts: %+v", out)
	}
	if out.TotalTalkSeconds != 120 || out.AverageTalkSeconds != 60 {
		t.Fatalf("unexpected talk time: %+v", out)
	}
	if out.SpentMinor != 200 || out.EarnedMinor != 50 {
		t.Fatalf("unexpected money: spent=%d earned=%d", out.SpentMinor, out.EarnedMinor)
	}
	if out.AnswerRate != 0.5 {
		t.Fatalf("expected answer rate 0.5, got %v", out.AnswerRate)
	}
}

func TestReporting_RejectsBadRange(t *testing.T) {
	svc := NewService(NewStoreRepo(calls.NewMemoryStore()))
	now := time.Now()
	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{UserID: "me", Range: TimeRange{From: now, To: now}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.CallsSummary(context.Background(), CallsSummaryRequest{Range: TimeRange{From: now, To: now.Add(time.Hour)}}); err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
