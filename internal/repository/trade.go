package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// Trade is an immutable execution record. Rows are insert-only; realized
// gains are replayed from the full history rather than cached.
type Trade struct {
	TradeID      int64
	OrderID      int64 // order the fill settled; stored NULL when 0
	UserID       int64
	Symbol       string
	Side         int
	Shares       float64
	Price        float64
	TotalAmount  float64
	Fractional   bool
	ExecutedAtMs int64
}

// TradeRepository persists trades.
type TradeRepository struct {
	db *sql.DB
}

func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// ListTrades returns the user's trades for a symbol in execution order,
// oldest first. An empty symbol returns all of the user's trades.
func (r *TradeRepository) ListTrades(ctx context.Context, userID int64, symbol string) ([]*Trade, error) {
	query := `
		SELECT trade_id, order_id, user_id, symbol, side, shares, price,
		       total_amount, fractional, executed_at_ms
		FROM portfolio.trades
		WHERE user_id = $1 AND ($2 = '' OR symbol = $2)
		ORDER BY executed_at_ms ASC, trade_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var t Trade
		var orderID sql.NullInt64
		if err := rows.Scan(
			&t.TradeID, &orderID, &t.UserID, &t.Symbol, &t.Side, &t.Shares,
			&t.Price, &t.TotalAmount, &t.Fractional, &t.ExecutedAtMs,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.OrderID = orderID.Int64
		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

func nullInt64(i int64) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: i, Valid: true}
}
