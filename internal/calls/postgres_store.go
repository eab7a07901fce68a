package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"call-signaling/pkg/utils"
)

// PostgresStore persists sessions in call_sessions. Per-session serialization
// comes from SELECT ... FOR UPDATE; the pair rule from a partial unique index.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// billingTxAttempts bounds retries of RecordBilling on deadlock. Transitions
// are not retried here: their apply callback has side effects.
const billingTxAttempts = 3

const sessionsSchema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id               TEXT PRIMARY KEY,
	caller_id        TEXT NOT NULL,
	callee_id        TEXT NOT NULL,
	call_type        TEXT NOT NULL,
	state            TEXT NOT NULL,
	end_reason       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	responded_at     TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ,
	price_per_minute BIGINT NOT NULL DEFAULT 0,
	billed_seconds   INTEGER NOT NULL DEFAULT 0,
	billed_amount    BIGINT NOT NULL DEFAULT 0,
	billed           BOOLEAN NOT NULL DEFAULT FALSE,
	version          BIGINT NOT NULL DEFAULT 1,
	CHECK (responded_at IS NULL OR ended_at IS NULL OR responded_at <= ended_at)
);
CREATE UNIQUE INDEX IF NOT EXISTS call_sessions_active_pair_uidx
	ON call_sessions (caller_id, callee_id)
	WHERE state IN ('RINGING', 'ACCEPTED');
CREATE INDEX IF NOT EXISTS call_sessions_caller_idx ON call_sessions (caller_id, created_at DESC);
CREATE INDEX IF NOT EXISTS call_sessions_callee_idx ON call_sessions (callee_id, created_at DESC);
CREATE INDEX IF NOT EXISTS call_sessions_ringing_idx ON call_sessions (created_at) WHERE state = 'RINGING';
CREATE INDEX IF NOT EXISTS call_sessions_unbilled_idx ON call_sessions (ended_at) WHERE state = 'ENDED' AND NOT billed`

func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, sessionsSchema); err != nil {
		return fmt.Errorf("migrate call_sessions: %w", err)
	}
	return nil
}

const sessionColumns = `id, caller_id, callee_id, call_type, state, end_reason, created_at,
	responded_at, ended_at, price_per_minute, billed_seconds, billed_amount, billed, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (Session, error) {
	var (
		s         Session
		responded sql.NullTime
		ended     sql.NullTime
	)
	err := r.Scan(&s.ID, &s.CallerID, &s.CalleeID, &s.CallType, &s.State, &s.EndReason, &s.CreatedAt,
		&responded, &ended, &s.PricePerMinute, &s.BilledSeconds, &s.BilledAmount, &s.Billed, &s.Version)
	if err != nil {
		return Session{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.RespondedAt = timePtr(responded)
	s.EndedAt = timePtr(ended)
	return s, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) Create(ctx context.Context, s Session) (Session, error) {
	if s.ID == "" || s.CallerID == "" || s.CalleeID == "" {
		return Session{}, ErrInvalidArgument
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.ID, s.CallerID, s.CalleeID, string(s.CallType), string(s.State), string(s.EndReason), s.CreatedAt,
		nullTime(s.RespondedAt), nullTime(s.EndedAt), s.PricePerMinute, s.BilledSeconds, s.BilledAmount, s.Billed, s.Version)
	if utils.IsUniqueViolation(err) {
		return Session{}, ErrConflict
	}
	if err != nil {
		return Session{}, err
	}
	return s, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	s, err := scanSession(p.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) CompareAndTransition(ctx context.Context, id string, expected State, apply ApplyFunc) (Session, error) {
	var out Session
	var mismatch bool
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		cur, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if cur.State != expected {
			out, mismatch = cur, true
			return nil
		}

		next, err := apply(cur)
		if err != nil {
			out = cur
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE call_sessions
			SET state = $2, end_reason = $3, responded_at = $4, ended_at = $5, version = $6
			WHERE id = $1
		`, id, string(next.State), string(next.EndReason), nullTime(next.RespondedAt), nullTime(next.EndedAt), next.Version)
		if err != nil {
			return err
		}
		next.ID = cur.ID
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Session{}, err
		}
		return out, err
	}
	if mismatch {
		return out, errStateChanged
	}
	return out, nil
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListActive(ctx context.Context, userID string) ([]Session, error) {
	return p.list(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE (caller_id = $1 OR callee_id = $1) AND state IN ('RINGING', 'ACCEPTED')
		ORDER BY created_at DESC
	`, userID)
}

func (p *PostgresStore) ListHistory(ctx context.Context, userID string, pg Page) (HistoryPage, error) {
	pg = pg.Normalize()
	page := HistoryPage{Page: pg.Page, Size: pg.Size}

	err := p.db.QueryRowContext(ctx,
		`SELECT count(*) FROM call_sessions WHERE caller_id = $1 OR callee_id = $1`, userID).Scan(&page.Total)
	if err != nil {
		return HistoryPage{}, err
	}
	page.Items, err = p.list(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE caller_id = $1 OR callee_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`, userID, pg.Size, pg.Offset())
	if err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

func (p *PostgresStore) ListMissed(ctx context.Context, userID string) ([]Session, error) {
	return p.list(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE callee_id = $1 AND state = 'MISSED'
		ORDER BY created_at DESC
	`, userID)
}

func (p *PostgresStore) ListRinging(ctx context.Context) ([]Session, error) {
	return p.list(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE state = 'RINGING'
		ORDER BY created_at
	`)
}

func (p *PostgresStore) ListUnbilled(ctx context.Context) ([]Session, error) {
	return p.list(ctx, `
		SELECT `+sessionColumns+` FROM call_sessions
		WHERE state = 'ENDED' AND NOT billed
		ORDER BY ended_at
	`)
}

func (p *PostgresStore) RecordBilling(ctx context.Context, id string, seconds int, amount int64) (Session, bool, error) {
	var (
		out      Session
		recorded bool
	)
	err := utils.WithTxRetry(ctx, p.db, nil, billingTxAttempts, func(ctx context.Context, tx *sql.Tx) error {
		recorded = false
		cur, err := scanSession(tx.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM call_sessions WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out = cur
		if cur.State != StateEnded {
			return &TransitionError{SessionID: id, Current: cur.State, Event: EventEnd}
		}
		if cur.Billed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE call_sessions SET billed_seconds = $2, billed_amount = $3, billed = TRUE WHERE id = $1
		`, id, seconds, amount); err != nil {
			return err
		}
		out.BilledSeconds, out.BilledAmount, out.Billed = seconds, amount, true
		recorded = true
		return nil
	})
	if err != nil {
		return out, false, err
	}
	return out, recorded, nil
}
