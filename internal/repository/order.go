// Package repository is the data access layer over the Postgres ledger.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrStatusConflict = errors.New("order status conflict")
)

// Order status. Filled, cancelled and rejected are terminal; partial is
// reserved and never produced by the engine.
const (
	StatusPending   = 1
	StatusPartial   = 2
	StatusFilled    = 3
	StatusCancelled = 4
	StatusRejected  = 5
)

// Side.
const (
	SideBuy  = 1
	SideSell = 2
)

// Order type.
const (
	TypeMarket       = 1
	TypeLimit        = 2
	TypeStop         = 3
	TypeStopLimit    = 4
	TypeTrailingStop = 5
)

// Time in force.
const (
	TIFDay = 1
	TIFGTC = 2
	TIFIOC = 3
	TIFFOK = 4
)

// Order is one user's standing instruction. Rows are never deleted; a
// terminal status is the audit trail.
type Order struct {
	OrderID      int64
	UserID       int64
	Symbol       string
	Side         int
	Type         int
	Quantity     float64
	LimitPrice   float64
	StopPrice    float64
	TrailingPct  float64
	TimeInForce  int
	Status       int
	FilledQty    float64
	AvgFillPrice float64
	Fractional   bool
	RejectReason string
	CreateTimeMs int64
	UpdateTimeMs int64
}

const orderColumns = `order_id, user_id, symbol, side, type, quantity,
	       limit_price, stop_price, trailing_pct, time_in_force, status,
	       filled_qty, avg_fill_price, fractional, reject_reason,
	       create_time_ms, update_time_ms`

// OrderRepository persists orders.
type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateOrder inserts a new order row.
func (r *OrderRepository) CreateOrder(ctx context.Context, order *Order) error {
	query := `
		INSERT INTO portfolio.orders
		(order_id, user_id, symbol, side, type, quantity, limit_price,
		 stop_price, trailing_pct, time_in_force, status, filled_qty,
		 avg_fill_price, fractional, reject_reason, create_time_ms, update_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.ExecContext(ctx, query,
		order.OrderID, order.UserID, order.Symbol, order.Side, order.Type,
		order.Quantity, order.LimitPrice, order.StopPrice, order.TrailingPct,
		order.TimeInForce, order.Status, order.FilledQty, order.AvgFillPrice,
		order.Fractional, order.RejectReason, order.CreateTimeMs, order.UpdateTimeMs,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder fetches one order.
func (r *OrderRepository) GetOrder(ctx context.Context, orderID int64) (*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM portfolio.orders
		WHERE order_id = $1
	`
	return scanOrder(r.db.QueryRowContext(ctx, query, orderID))
}

// ListOrders returns the user's orders, newest first.
func (r *OrderRepository) ListOrders(ctx context.Context, userID int64, symbol string, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM portfolio.orders
		WHERE user_id = $1 AND ($2 = '' OR symbol = $2)
		ORDER BY create_time_ms DESC
		LIMIT $3
	`
	return r.queryOrders(ctx, query, userID, symbol, limit)
}

// ListPendingOrders returns every pending conditional order across users,
// oldest first. The monitor cycle walks this set.
func (r *OrderRepository) ListPendingOrders(ctx context.Context, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM portfolio.orders
		WHERE status = $1
		ORDER BY create_time_ms ASC
		LIMIT $2
	`
	return r.queryOrders(ctx, query, StatusPending, limit)
}

// CompareAndSetStatus transitions status only when the current value matches
// expected. ErrStatusConflict signals a lost race (e.g. cancel vs. trigger).
func (r *OrderRepository) CompareAndSetStatus(ctx context.Context, orderID int64, expected, next int, updateTimeMs int64) error {
	query := `
		UPDATE portfolio.orders
		SET status = $1, update_time_ms = $2
		WHERE order_id = $3 AND status = $4
	`
	result, err := r.db.ExecContext(ctx, query, next, updateTimeMs, orderID, expected)
	if err != nil {
		return fmt.Errorf("cas order status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas order status rows: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// MarkRejected transitions an order to rejected with the refusal reason.
func (r *OrderRepository) MarkRejected(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error {
	query := `
		UPDATE portfolio.orders
		SET status = $1, reject_reason = $2, update_time_ms = $3
		WHERE order_id = $4
	`
	result, err := r.db.ExecContext(ctx, query, StatusRejected, reason, updateTimeMs, orderID)
	if err != nil {
		return fmt.Errorf("mark order rejected: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// UpdateTrailingStop ratchets a trailing stop's trigger price. Only a
// still-pending order can move; a concurrent fill or cancel wins the race.
func (r *OrderRepository) UpdateTrailingStop(ctx context.Context, orderID int64, stopPrice float64, updateTimeMs int64) error {
	query := `
		UPDATE portfolio.orders
		SET stop_price = $1, update_time_ms = $2
		WHERE order_id = $3 AND status = $4
	`
	result, err := r.db.ExecContext(ctx, query, stopPrice, updateTimeMs, orderID, StatusPending)
	if err != nil {
		return fmt.Errorf("update trailing stop: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SetStopConverted records that a stop_limit order's stop leg has fired and
// the same row now carries limit semantics.
func (r *OrderRepository) SetStopConverted(ctx context.Context, orderID int64, updateTimeMs int64) error {
	query := `
		UPDATE portfolio.orders
		SET stop_price = 0, update_time_ms = $1
		WHERE order_id = $2 AND status = $3
	`
	result, err := r.db.ExecContext(ctx, query, updateTimeMs, orderID, StatusPending)
	if err != nil {
		return fmt.Errorf("convert stop order: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *OrderRepository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		var o Order
		var rejectReason sql.NullString
		if err := rows.Scan(
			&o.OrderID, &o.UserID, &o.Symbol, &o.Side, &o.Type, &o.Quantity,
			&o.LimitPrice, &o.StopPrice, &o.TrailingPct, &o.TimeInForce,
			&o.Status, &o.FilledQty, &o.AvgFillPrice, &o.Fractional,
			&rejectReason, &o.CreateTimeMs, &o.UpdateTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.RejectReason = rejectReason.String
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

func scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var rejectReason sql.NullString

	err := row.Scan(
		&o.OrderID, &o.UserID, &o.Symbol, &o.Side, &o.Type, &o.Quantity,
		&o.LimitPrice, &o.StopPrice, &o.TrailingPct, &o.TimeInForce,
		&o.Status, &o.FilledQty, &o.AvgFillPrice, &o.Fractional,
		&rejectReason, &o.CreateTimeMs, &o.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	o.RejectReason = rejectReason.String
	return &o, nil
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status int) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	default:
		return false
	}
}

// SideString converts a side constant to its wire form.
func SideString(side int) string {
	if side == SideSell {
		return "SELL"
	}
	return "BUY"
}

// TypeString converts an order type constant to its wire form.
func TypeString(t int) string {
	switch t {
	case TypeMarket:
		return "MARKET"
	case TypeLimit:
		return "LIMIT"
	case TypeStop:
		return "STOP"
	case TypeStopLimit:
		return "STOP_LIMIT"
	case TypeTrailingStop:
		return "TRAILING_STOP"
	default:
		return "UNKNOWN"
	}
}

// ParseSide parses a wire-form side. Zero means unrecognized.
func ParseSide(s string) int {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy
	case "SELL":
		return SideSell
	default:
		return 0
	}
}

// ParseType parses a wire-form order type. Zero means unrecognized.
func ParseType(s string) int {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET":
		return TypeMarket
	case "LIMIT":
		return TypeLimit
	case "STOP":
		return TypeStop
	case "STOP_LIMIT":
		return TypeStopLimit
	case "TRAILING_STOP":
		return TypeTrailingStop
	default:
		return 0
	}
}

// ParseTIF parses a wire-form time in force; empty defaults to DAY.
// Zero means unrecognized.
func ParseTIF(s string) int {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "DAY":
		return TIFDay
	case "GTC":
		return TIFGTC
	case "IOC":
		return TIFIOC
	case "FOK":
		return TIFFOK
	default:
		return 0
	}
}

// StatusString converts a status constant to its wire form.
func StatusString(status int) string {
	switch status {
	case StatusPending:
		return "PENDING"
	case StatusPartial:
		return "PARTIAL"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}
