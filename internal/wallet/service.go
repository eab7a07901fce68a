package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"call-signaling/internal/calls"
	"call-signaling/pkg/utils"
)

// Service is the ledger collaborator of the call core: it answers balance
// checks at initiate and posts the caller's debit once a call is billed.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations must be executed in a DB transaction
//
// Balance strategy:
// - Balance is stored in a projection table (wallet_balances) updated atomically
//   alongside ledger inserts.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

// txRetryAttempts bounds retries of a debit that lost a deadlock against a concurrent one.
const txRetryAttempts = 3

var (
	_ calls.Funds  = (*Service)(nil)
	_ calls.Ledger = (*Service)(nil)
)

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

type DebitRequest struct {
	AmountMinor int64 `json:"amount_minor"`
	// Currency may be empty to debit in the wallet's own currency.
	Currency       string `json:"currency,omitempty"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

var (
	ErrNotFound          = errors.New("wallet: not found")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidArgument   = errors.New("wallet: invalid argument")
	ErrDisabled          = errors.New("wallet: disabled")
)

func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	if userID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, userID)
}

// CanAfford reports whether the user's balance covers amountMinor.
// A user without a wallet cannot afford anything.
func (s *Service) CanAfford(ctx context.Context, userID string, amountMinor int64) (bool, error) {
	if userID == "" || amountMinor < 0 {
		return false, ErrInvalidArgument
	}
	if amountMinor == 0 {
		return true, nil
	}
	b, err := s.GetBalance(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return covers(b, amountMinor), nil
}

func covers(b Balance, amountMinor int64) bool {
	return b.BalanceMinor >= amountMinor
}

// ChargeCall debits the payer for a billed call. Retries for the same session
// return the original entry.
func (s *Service) ChargeCall(ctx context.Context, c calls.Charge) error {
	req, err := callDebit(c)
	if err != nil {
		return err
	}
	_, _, err = s.Debit(ctx, c.PayerID, req)
	return err
}

func callDebit(c calls.Charge) (DebitRequest, error) {
	if c.SessionID == "" || c.PayerID == "" || c.AmountMinor <= 0 {
		return DebitRequest{}, ErrInvalidArgument
	}
	meta, err := json.Marshal(map[string]any{
		"payee_id":       c.PayeeID,
		"call_type":      c.CallType,
		"billed_seconds": c.BilledSeconds,
	})
	if err != nil {
		return DebitRequest{}, err
	}
	return DebitRequest{
		AmountMinor:    c.AmountMinor,
		ExternalRef:    c.SessionID,
		IdempotencyKey: "call:" + c.SessionID,
		Metadata:       string(meta),
	}, nil
}

func (s *Service) Debit(ctx context.Context, userID string, req DebitRequest) (WalletLedger, Balance, error) {
	if err := validateMoneyReq(userID, req.AmountMinor, req.IdempotencyKey); err != nil {
		return WalletLedger{}, Balance{}, err
	}
	if req.AmountMinor <= 0 {
		return WalletLedger{}, Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	ledgerID := uuid.NewString()

	var outLedger WalletLedger
	var outBal Balance

	err := utils.WithTxRetry(ctx, s.db, &sql.TxOptions{}, txRetryAttempts, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		if w.Status == WalletStatusDisabled {
			return ErrDisabled
		}
		currency := req.Currency
		if currency == "" {
			currency = w.Currency
		}
		if w.Currency != currency {
			return ErrInvalidArgument
		}

		if existing, ok, err := findLedgerByIdempotency(ctx, tx, userID, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			outLedger = existing
			b, err := getBalanceTx(ctx, tx, userID, false)
			if err != nil {
				return err
			}
			outBal = b
			return nil
		}

		// Ensure sufficient funds using the projection row and lock it.
		b, err := getBalanceTx(ctx, tx, userID, true)
		if err != nil {
			return err
		}
		if b.Currency != currency {
			return ErrInvalidArgument
		}
		if !covers(b, req.AmountMinor) {
			return ErrInsufficientFunds
		}

		entry := WalletLedger{
			ID:             ledgerID,
			UserID:         userID,
			Type:           LedgerEntryTypeDebit,
			AmountMinor:    -req.AmountMinor,
			Currency:       currency,
			ExternalRef:    req.ExternalRef,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := insertLedger(ctx, tx, entry); err != nil {
			return err
		}

		out, err := applyBalanceDelta(ctx, tx, userID, currency, -req.AmountMinor, now)
		if err != nil {
			return err
		}
		outLedger = entry
		outBal = out
		return nil
	})

	return outLedger, outBal, err
}

func validateMoneyReq(userID string, amountMinor int64, idempotencyKey string) error {
	if userID == "" {
		return ErrInvalidArgument
	}
	if idempotencyKey == "" {
		return ErrInvalidArgument
	}
	if amountMinor == 0 {
		return ErrInvalidArgument
	}
	return nil
}
