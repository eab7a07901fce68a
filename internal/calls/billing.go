package calls

import (
	"context"
	"log/slog"
	"math"

	"call-signaling/internal/pricing"
)

// Charge is what the ledger debits for one finished call. The caller pays.
type Charge struct {
	SessionID     string
	PayerID       string
	PayeeID       string
	CallType      CallType
	BilledSeconds int
	AmountMinor   int64
}

// Ledger is the external wallet service.
type Ledger interface {
	ChargeCall(ctx context.Context, c Charge) error
}

// Biller is the billing hook run once a session reaches ENDED.
type Biller struct {
	store  Store
	ledger Ledger
	log    *slog.Logger
}

func NewBiller(store Store, ledger Ledger, log *slog.Logger) *Biller {
	if log == nil {
		log = slog.Default()
	}
	return &Biller{store: store, ledger: ledger, log: log}
}

// TalkSeconds is the whole-second duration between accept and end.
func TalkSeconds(s Session) int {
	if s.RespondedAt == nil || s.EndedAt == nil {
		return 0
	}
	d := s.EndedAt.Sub(*s.RespondedAt)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Bill charges the ledger for an ENDED session and then records the billing
// fields. A failed charge leaves the session unbilled so RetryUnbilled can
// pick it up; the ledger dedupes charges by session id.
func (b *Biller) Bill(ctx context.Context, s Session) (Session, error) {
	if s.State != StateEnded || s.Billed {
		return s, nil
	}
	secs := TalkSeconds(s)
	cost := pricing.CallCost(s.PricePerMinute, secs)

	if b.ledger != nil && cost.TotalMinor > 0 {
		err := b.ledger.ChargeCall(ctx, Charge{
			SessionID:     s.ID,
			PayerID:       s.CallerID,
			PayeeID:       s.CalleeID,
			CallType:      s.CallType,
			BilledSeconds: secs,
			AmountMinor:   cost.TotalMinor,
		})
		if err != nil {
			b.log.Error("ledger charge failed",
				"session_id", s.ID, "payer_id", s.CallerID,
				"amount_minor", cost.TotalMinor, "err", err)
			return s, err
		}
	}

	updated, _, err := b.store.RecordBilling(ctx, s.ID, secs, cost.TotalMinor)
	if err != nil {
		return s, err
	}
	return updated, nil
}

// RetryUnbilled bills every ENDED session whose charge never went through.
// It returns how many were billed.
func (b *Biller) RetryUnbilled(ctx context.Context) (int, error) {
	pending, err := b.store.ListUnbilled(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range pending {
		if _, err := b.Bill(ctx, s); err != nil {
			continue
		}
		n++
	}
	if len(pending) > 0 {
		b.log.Info("unbilled calls retried", "pending", len(pending), "billed", n)
	}
	return n, nil
}
