package reporting

import (
	"context"
	"errors"
	"time"

	"call-signaling/internal/calls"
)

const storePageSize = 100

// StoreRepo reads a user's sessions straight from the session store by
// walking their history newest first.
type StoreRepo struct {
	store calls.Store
}

func NewStoreRepo(store calls.Store) *StoreRepo { return &StoreRepo{store: store} }

func (r *StoreRepo) ListCalls(ctx context.Context, userID string, from, to time.Time) ([]calls.Session, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	out := make([]calls.Session, 0)
	for page := 1; ; page++ {
		hp, err := r.store.ListHistory(ctx, userID, calls.Page{Page: page, Size: storePageSize})
		if err != nil {
			return nil, err
		}
		for _, s := range hp.Items {
			if s.CreatedAt.Before(from) {
				// history is newest first; nothing older can match
				return out, nil
			}
			if s.CreatedAt.Before(to) {
				out = append(out, s)
			}
		}
		if len(hp.Items) < hp.Size || page*hp.Size >= hp.Total {
			return out, nil
		}
	}
}
