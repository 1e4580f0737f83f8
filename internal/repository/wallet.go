package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// WalletBalance is a user's cash in one currency. available must never go
// negative; the invariant is enforced by the conditional UPDATE in
// AdjustBalance, not by callers.
type WalletBalance struct {
	UserID       int64
	Currency     string
	Available    float64
	Reserved     float64
	UpdateTimeMs int64
}

// WalletRepository persists wallet balances.
type WalletRepository struct {
	db              *sql.DB
	startingBalance float64
}

// NewWalletRepository creates the repository. startingBalance seeds a row
// lazily created on a user's first debit or credit.
func NewWalletRepository(db *sql.DB, startingBalance float64) *WalletRepository {
	return &WalletRepository{db: db, startingBalance: startingBalance}
}

// GetBalance returns the balance, materializing the default for unknown
// users so reads and first mutations agree on the starting state.
func (r *WalletRepository) GetBalance(ctx context.Context, userID int64, currency string) (*WalletBalance, error) {
	query := `
		SELECT user_id, currency, available, reserved, update_time_ms
		FROM portfolio.wallet_balances
		WHERE user_id = $1 AND currency = $2
	`
	var b WalletBalance
	err := r.db.QueryRowContext(ctx, query, userID, currency).Scan(
		&b.UserID, &b.Currency, &b.Available, &b.Reserved, &b.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return &WalletBalance{
			UserID:    userID,
			Currency:  currency,
			Available: r.startingBalance,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query balance: %w", err)
	}
	return &b, nil
}

// AdjustBalance applies delta to available atomically. A negative delta
// that would drive the balance below zero affects no rows and returns
// ErrInsufficientFunds: two concurrent debits can never both succeed when
// only one fits.
func (r *WalletRepository) AdjustBalance(ctx context.Context, userID int64, currency string, delta float64, nowMs int64) error {
	if err := r.ensureRow(ctx, userID, currency, nowMs); err != nil {
		return err
	}

	query := `
		UPDATE portfolio.wallet_balances
		SET available = available + $1, update_time_ms = $2
		WHERE user_id = $3 AND currency = $4 AND available + $1 >= 0
	`
	result, err := r.db.ExecContext(ctx, query, delta, nowMs, userID, currency)
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust balance rows: %w", err)
	}
	if rows == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (r *WalletRepository) ensureRow(ctx context.Context, userID int64, currency string, nowMs int64) error {
	query := `
		INSERT INTO portfolio.wallet_balances
		(user_id, currency, available, reserved, update_time_ms)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (user_id, currency) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, userID, currency, r.startingBalance, nowMs); err != nil {
		return fmt.Errorf("ensure balance row: %w", err)
	}
	return nil
}
