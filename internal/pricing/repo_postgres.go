package pricing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresRepo reads callee prices from the profile service's table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const pricesSchema = `
CREATE TABLE IF NOT EXISTS callee_call_prices (
	callee_id              TEXT PRIMARY KEY,
	voice_enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	video_enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	voice_price_per_minute BIGINT  NOT NULL DEFAULT 0 CHECK (voice_price_per_minute >= 0),
	video_price_per_minute BIGINT  NOT NULL DEFAULT 0 CHECK (video_price_per_minute >= 0),
	currency               TEXT    NOT NULL DEFAULT '',
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func (r *PostgresRepo) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, pricesSchema); err != nil {
		return fmt.Errorf("migrate callee_call_prices: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetPrices(ctx context.Context, calleeID string) (Prices, error) {
	calleeID = strings.TrimSpace(calleeID)
	if calleeID == "" {
		return Prices{}, ErrInvalidPricingReq
	}
	var p Prices
	err := r.db.QueryRowContext(ctx, `
		SELECT callee_id, voice_enabled, video_enabled,
		       voice_price_per_minute, video_price_per_minute, currency, updated_at
		FROM callee_call_prices
		WHERE callee_id = $1
	`, calleeID).Scan(
		&p.CalleeID, &p.VoiceEnabled, &p.VideoEnabled,
		&p.VoicePricePerMinute, &p.VideoPricePerMinute, &p.Currency, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Prices{}, ErrCalleeNotFound
	}
	if err != nil {
		return Prices{}, err
	}
	return p, nil
}

// Upsert writes a callee's prices. Used by seeding and the admin CLI.
func (r *PostgresRepo) Upsert(ctx context.Context, p Prices) error {
	if strings.TrimSpace(p.CalleeID) == "" || p.VoicePricePerMinute < 0 || p.VideoPricePerMinute < 0 {
		return ErrInvalidPricingReq
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO callee_call_prices
			(callee_id, voice_enabled, video_enabled, voice_price_per_minute, video_price_per_minute, currency, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (callee_id) DO UPDATE SET
			voice_enabled = EXCLUDED.voice_enabled,
			video_enabled = EXCLUDED.video_enabled,
			voice_price_per_minute = EXCLUDED.voice_price_per_minute,
			video_price_per_minute = EXCLUDED.video_price_per_minute,
			currency = EXCLUDED.currency,
			updated_at = now()
	`, p.CalleeID, p.VoiceEnabled, p.VideoEnabled, p.VoicePricePerMinute, p.VideoPricePerMinute, p.Currency)
	return err
}
