package calls

import (
	"context"
	"time"
)

// ApplyFunc computes the next version of a session inside the store's critical
// section. Returning an error aborts the write.
type ApplyFunc func(current Session) (Session, error)

// Store is the authoritative session storage.
// CompareAndTransition is the only path that writes State, RespondedAt or EndedAt.
type Store interface {
	// Create persists a new RINGING session. ErrConflict if the ordered pair
	// already has a RINGING or ACCEPTED session.
	Create(ctx context.Context, s Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)

	// CompareAndTransition runs apply against the stored session only if its
	// state still equals expected. On mismatch it returns the current session
	// together with errStateChanged.
	CompareAndTransition(ctx context.Context, id string, expected State, apply ApplyFunc) (Session, error)

	ListActive(ctx context.Context, userID string) ([]Session, error)
	ListHistory(ctx context.Context, userID string, p Page) (HistoryPage, error)
	ListMissed(ctx context.Context, userID string) ([]Session, error)
	ListRinging(ctx context.Context) ([]Session, error)
	// ListUnbilled returns ENDED sessions whose charge has not been recorded.
	ListUnbilled(ctx context.Context) ([]Session, error)

	// RecordBilling sets the billing fields of an ENDED session once.
	// The bool reports whether this call did the write.
	RecordBilling(ctx context.Context, id string, seconds int, amount int64) (Session, bool, error)
}

// Clock is injected where wall time matters so tests can drive it.
type Clock func() time.Time
