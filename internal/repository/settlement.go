package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Fill is one settlement unit: the order's terminal state, the trade row,
// the wallet delta, and the position change, committed atomically. A fill
// either lands completely or not at all; there is no partial settlement to
// compensate and a crash mid-settle rolls back to the pre-fill state.
type Fill struct {
	Order     *Order
	Trade     *Trade
	Currency  string
	CashDelta float64 // negative for buys, positive for sells
}

// SettlementRepository applies fills inside a single transaction.
type SettlementRepository struct {
	db           *sql.DB
	startingCash float64
}

// NewSettlementRepository creates the repository. startingCash seeds wallet
// rows lazily created on a user's first fill, matching WalletRepository.
func NewSettlementRepository(db *sql.DB, startingCash float64) *SettlementRepository {
	return &SettlementRepository{db: db, startingCash: startingCash}
}

// SettleMarket inserts the filled order row and applies the ledger writes
// in one transaction.
func (r *SettlementRepository) SettleMarket(ctx context.Context, fill *Fill) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle tx: %w", err)
	}
	defer tx.Rollback()

	order := fill.Order
	query := `
		INSERT INTO portfolio.orders
		(order_id, user_id, symbol, side, type, quantity, limit_price,
		 stop_price, trailing_pct, time_in_force, status, filled_qty,
		 avg_fill_price, fractional, reject_reason, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	if _, err := tx.ExecContext(ctx, query,
		order.OrderID, order.UserID, order.Symbol, order.Side, order.Type,
		order.Quantity, order.LimitPrice, order.StopPrice, order.TrailingPct,
		order.TimeInForce, order.Status, order.FilledQty, order.AvgFillPrice,
		order.Fractional, order.RejectReason, order.CreateTimeMs, order.UpdateTimeMs,
	); err != nil {
		return fmt.Errorf("insert filled order: %w", err)
	}

	if err := r.applyLedger(ctx, tx, fill); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

// SettlePendingFill transitions an existing pending order to filled and
// applies the same ledger writes in one transaction. ErrStatusConflict when
// the order is no longer pending (a concurrent cancel or another worker's
// fill); nothing commits in that case.
func (r *SettlementRepository) SettlePendingFill(ctx context.Context, fill *Fill) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle tx: %w", err)
	}
	defer tx.Rollback()

	order := fill.Order
	query := `
		UPDATE portfolio.orders
		SET status = $1, filled_qty = $2, avg_fill_price = $3, update_time_ms = $4
		WHERE order_id = $5 AND status = $6
	`
	result, err := tx.ExecContext(ctx, query,
		StatusFilled, order.FilledQty, order.AvgFillPrice, order.UpdateTimeMs,
		order.OrderID, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("claim pending order: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim pending order rows: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}

	if err := r.applyLedger(ctx, tx, fill); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}

// applyLedger runs the wallet, position, and trade writes on tx. The wallet
// and position statements are conditional: ErrInsufficientFunds and
// ErrShortPosition abort the transaction with nothing applied.
func (r *SettlementRepository) applyLedger(ctx context.Context, tx *sql.Tx, fill *Fill) error {
	trade := fill.Trade
	nowMs := trade.ExecutedAtMs

	if fill.CashDelta != 0 {
		ensure := `
			INSERT INTO portfolio.wallet_balances
			(user_id, currency, available, reserved, update_time_ms)
			VALUES ($1, $2, $3, 0, $4)
			ON CONFLICT (user_id, currency) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, ensure, trade.UserID, fill.Currency, r.startingCash, nowMs); err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}

		adjust := `
			UPDATE portfolio.wallet_balances
			SET available = available + $1, update_time_ms = $2
			WHERE user_id = $3 AND currency = $4 AND available + $1 >= 0
		`
		result, err := tx.ExecContext(ctx, adjust, fill.CashDelta, nowMs, trade.UserID, fill.Currency)
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
	}

	if trade.Side == SideBuy {
		buy := `
			INSERT INTO portfolio.positions
			(user_id, symbol, shares, avg_cost, create_time_ms, update_time_ms)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (user_id, symbol) DO UPDATE SET
				avg_cost = (portfolio.positions.shares * portfolio.positions.avg_cost
				            + EXCLUDED.shares * EXCLUDED.avg_cost)
				           / (portfolio.positions.shares + EXCLUDED.shares),
				shares = portfolio.positions.shares + EXCLUDED.shares,
				update_time_ms = EXCLUDED.update_time_ms
		`
		if _, err := tx.ExecContext(ctx, buy, trade.UserID, trade.Symbol, trade.Shares, trade.Price, nowMs); err != nil {
			return fmt.Errorf("apply buy: %w", err)
		}
	} else {
		sell := `
			UPDATE portfolio.positions
			SET shares = shares - $1, update_time_ms = $2
			WHERE user_id = $3 AND symbol = $4 AND shares >= $1
		`
		result, err := tx.ExecContext(ctx, sell, trade.Shares, nowMs, trade.UserID, trade.Symbol)
		if err != nil {
			return fmt.Errorf("apply sell: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("apply sell rows: %w", err)
		}
		if rows == 0 {
			return ErrShortPosition
		}

		cleanup := `
			DELETE FROM portfolio.positions
			WHERE user_id = $1 AND symbol = $2 AND shares < 0.000001
		`
		if _, err := tx.ExecContext(ctx, cleanup, trade.UserID, trade.Symbol); err != nil {
			return fmt.Errorf("cleanup position: %w", err)
		}
	}

	insert := `
		INSERT INTO portfolio.trades
		(trade_id, order_id, user_id, symbol, side, shares, price,
		 total_amount, fractional, executed_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	if _, err := tx.ExecContext(ctx, insert,
		trade.TradeID, nullInt64(trade.OrderID), trade.UserID, trade.Symbol,
		trade.Side, trade.Shares, trade.Price, trade.TotalAmount,
		trade.Fractional, trade.ExecutedAtMs,
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}
