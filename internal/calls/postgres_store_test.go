package calls

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"call-signaling/internal/pricing"
	"call-signaling/pkg/utils"
)

// Set CALLS_TEST_POSTGRES_DSN to run these against a real database. Every
// test uses fresh user ids, so existing rows do not interfere.
const postgresDSNEnv = "CALLS_TEST_POSTGRES_DSN"

func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", postgresDSNEnv)
	}
	ctx := context.Background()
	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	store := NewPostgresStore(db)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func uniqueUser(prefix string) string { return prefix + "-" + uuid.NewString()[:8] }

func newPostgresService(t *testing.T, store Store, opts Options) *Service {
	t.Helper()
	prices := pricing.NewMemoryRepo()
	prices.Fallback = &pricing.Prices{VoiceEnabled: true, VoicePricePerMinute: 100}
	if opts.RingWindow == 0 {
		opts.RingWindow = time.Minute
	}
	svc := NewService(store, prices, opts)
	t.Cleanup(svc.Shutdown)
	return svc
}

func TestPostgresStore_CreateMapsActivePairToConflict(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()
	caller, callee := uniqueUser("a"), uniqueUser("b")
	at := time.Now().UTC().Truncate(time.Microsecond)

	first := seedSession(uuid.NewString(), caller, callee, at)
	if _, err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create(ctx, seedSession(uuid.NewString(), caller, callee, at)); !errors.Is(err, ErrConflict) {
		t.Fatalf("active pair: expected ErrConflict, got %v", err)
	}
	if _, err := store.Create(ctx, seedSession(uuid.NewString(), callee, caller, at)); err != nil {
		t.Fatalf("reverse direction is a different pair: %v", err)
	}
}

func TestPostgresStore_CompareAndTransition(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	caller, callee := uniqueUser("a"), uniqueUser("b")
	_, _ = store.Create(ctx, seedSession(id, caller, callee, time.Now().UTC()))

	cur, err := store.CompareAndTransition(ctx, id, StateAccepted, func(s Session) (Session, error) {
		t.Fatalf("apply must not run on a state mismatch")
		return s, nil
	})
	if !errors.Is(err, errStateChanged) || cur.State != StateRinging {
		t.Fatalf("expected errStateChanged with current RINGING, got %v %+v", err, cur)
	}

	next, err := store.CompareAndTransition(ctx, id, StateRinging, func(s Session) (Session, error) {
		now := time.Now().UTC()
		s.State = StateRejected
		s.EndReason = EndReasonCalleeRejected
		s.RespondedAt = &now
		s.EndedAt = &now
		s.Version++
		return s, nil
	})
	if err != nil || next.State != StateRejected || next.Version != 2 {
		t.Fatalf("unexpected result: %+v %v", next, err)
	}
	got, err := store.Get(ctx, id)
	if err != nil || got.State != StateRejected || got.EndReason != EndReasonCalleeRejected {
		t.Fatalf("transition not persisted: %+v %v", got, err)
	}

	if _, err := store.Create(ctx, seedSession(uuid.NewString(), caller, callee, time.Now().UTC())); err != nil {
		t.Fatalf("re-create after settle: %v", err)
	}
	if _, err := store.CompareAndTransition(ctx, uuid.NewString(), StateRinging, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_RecordBillingOnce(t *testing.T) {
	store := openTestPostgres(t)
	ctx := context.Background()
	id := uuid.NewString()
	_, _ = store.Create(ctx, seedSession(id, uniqueUser("a"), uniqueUser("b"), time.Now().UTC()))

	if _, _, err := store.RecordBilling(ctx, id, 10, 100); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("billing a RINGING session: expected ErrInvalidTransition, got %v", err)
	}

	_, err := store.CompareAndTransition(ctx, id, StateRinging, func(s Session) (Session, error) {
		now := time.Now().UTC()
		s.State = StateEnded
		s.EndReason = EndReasonNormal
		s.RespondedAt = &now
		s.EndedAt = &now
		s.Version++
		return s, nil
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}

	pending, err := store.ListUnbilled(ctx)
	if err != nil {
		t.Fatalf("list unbilled: %v", err)
	}
	found := false
	for _, s := range pending {
		found = found || s.ID == id
	}
	if !found {
		t.Fatalf("expected ended session to be listed as unbilled")
	}

	s, recorded, err := store.RecordBilling(ctx, id, 61, 200)
	if err != nil || !recorded || !s.Billed || s.BilledAmount != 200 {
		t.Fatalf("first record: %+v recorded=%v err=%v", s, recorded, err)
	}
	s, recorded, err = store.RecordBilling(ctx, id, 999, 999)
	if err != nil || recorded || s.BilledAmount != 200 || s.BilledSeconds != 61 {
		t.Fatalf("second record must not overwrite: %+v recorded=%v err=%v", s, recorded, err)
	}
}

func TestPostgresStore_ConcurrentInitiateHasOneWinner(t *testing.T) {
	store := openTestPostgres(t)
	svc := newPostgresService(t, store, Options{})
	caller, callee := uniqueUser("caller"), uniqueUser("callee")

	const n = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Initiate(context.Background(), caller, callee, CallTypeVoice)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || conflicts != n-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d and %d", n-1, wins, conflicts)
	}
}

func TestPostgresStore_TimeoutRacesWithReject(t *testing.T) {
	store := openTestPostgres(t)
	svc := newPostgresService(t, store, Options{})
	ctx := context.Background()
	callee := uniqueUser("callee")

	for i := 0; i < 10; i++ {
		s, err := svc.Initiate(ctx, uniqueUser("caller"), callee, CallTypeVoice)
		if err != nil {
			t.Fatalf("initiate: %v", err)
		}

		var (
			wg                  sync.WaitGroup
			rejectErr, timedErr error
		)
		wg.Add(2)
		go func() { defer wg.Done(); _, rejectErr = svc.Reject(ctx, callee, s.ID) }()
		go func() { defer wg.Done(); _, timedErr = svc.Timeout(ctx, s.ID) }()
		wg.Wait()

		final, err := store.Get(ctx, s.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		switch {
		case rejectErr == nil && errors.Is(timedErr, ErrInvalidTransition):
			if final.State != StateRejected {
				t.Fatalf("reject won but state is %s", final.State)
			}
		case timedErr == nil && errors.Is(rejectErr, ErrInvalidTransition):
			if final.State != StateMissed {
				t.Fatalf("timeout won but state is %s", final.State)
			}
		default:
			t.Fatalf("expected exactly one winner, got reject=%v timeout=%v", rejectErr, timedErr)
		}
	}
}
