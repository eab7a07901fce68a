package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const walletSchema = `
CREATE TABLE IF NOT EXISTS wallets (
  user_id    TEXT PRIMARY KEY,
  currency   TEXT NOT NULL,
  status     TEXT NOT NULL DEFAULT 'active',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS wallet_ledger (
  id              UUID PRIMARY KEY,
  user_id         TEXT NOT NULL REFERENCES wallets (user_id),
  type            TEXT NOT NULL,
  amount_minor    BIGINT NOT NULL,
  currency        TEXT NOT NULL,
  external_ref    TEXT NOT NULL DEFAULT '',
  idempotency_key TEXT NOT NULL,
  metadata        TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, idempotency_key)
);
CREATE TABLE IF NOT EXISTS wallet_balances (
  user_id       TEXT PRIMARY KEY REFERENCES wallets (user_id),
  currency      TEXT NOT NULL,
  balance_minor BIGINT NOT NULL,
  updated_at    TIMESTAMPTZ NOT NULL
)`

// Migrate creates the wallet tables when they do not exist yet.
func (s *Service) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, walletSchema); err != nil {
		return fmt.Errorf("migrate wallets: %w", err)
	}
	return nil
}

func lockWallet(ctx context.Context, tx *sql.Tx, userID string) (Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per wallet.
	const q = `
SELECT user_id, currency, status, created_at, updated_at
FROM wallets
WHERE user_id = $1
FOR UPDATE
`
	var w Wallet
	if err := tx.QueryRowContext(ctx, q, userID).Scan(
		&w.UserID,
		&w.Currency,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const balanceQuery = `
SELECT user_id, currency, balance_minor, updated_at
FROM wallet_balances
WHERE user_id = $1
`

func scanBalance(ctx context.Context, q queryRower, query, userID string) (Balance, error) {
	var b Balance
	if err := q.QueryRowContext(ctx, query, userID).Scan(
		&b.UserID,
		&b.Currency,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func getBalance(ctx context.Context, db *sql.DB, userID string) (Balance, error) {
	return scanBalance(ctx, db, balanceQuery, userID)
}

func getBalanceTx(ctx context.Context, tx *sql.Tx, userID string, forUpdate bool) (Balance, error) {
	q := balanceQuery
	if forUpdate {
		q += "FOR UPDATE\n"
	}
	return scanBalance(ctx, tx, q, userID)
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, userID, key string) (WalletLedger, bool, error) {
	const q = `
SELECT id, user_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE user_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e WalletLedger
	err := tx.QueryRowContext(ctx, q, userID, key).Scan(
		&e.ID,
		&e.UserID,
		&e.Type,
		&e.AmountMinor,
		&e.Currency,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WalletLedger{}, false, nil
		}
		return WalletLedger{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e WalletLedger) error {
	const q = `
INSERT INTO wallet_ledger (
  id, user_id, type, amount_minor, currency, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.UserID,
		e.Type,
		e.AmountMinor,
		e.Currency,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, userID, currency string, deltaMinor int64, now time.Time) (Balance, error) {
	const q = `
INSERT INTO wallet_balances (user_id, currency, balance_minor, updated_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (user_id)
DO UPDATE SET balance_minor = wallet_balances.balance_minor + EXCLUDED.balance_minor,
              updated_at = EXCLUDED.updated_at
RETURNING user_id, currency, balance_minor, updated_at
`
	var b Balance
	if err := tx.QueryRowContext(ctx, q, userID, currency, deltaMinor, now).Scan(
		&b.UserID,
		&b.Currency,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}
