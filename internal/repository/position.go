package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrShortPosition    = errors.New("position would go negative")
)

// Position is a user's current holding in one symbol. avg_cost is the
// shares-weighted running average; realized-gain accounting replays FIFO
// lots from the trade history instead.
type Position struct {
	UserID       int64
	Symbol       string
	Shares       float64
	AvgCost      float64
	CreateTimeMs int64
	UpdateTimeMs int64
}

// PositionRepository persists positions.
type PositionRepository struct {
	db *sql.DB
}

func NewPositionRepository(db *sql.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

// GetPosition fetches one holding.
func (r *PositionRepository) GetPosition(ctx context.Context, userID int64, symbol string) (*Position, error) {
	query := `
		SELECT user_id, symbol, shares, avg_cost, create_time_ms, update_time_ms
		FROM portfolio.positions
		WHERE user_id = $1 AND symbol = $2
	`
	var p Position
	err := r.db.QueryRowContext(ctx, query, userID, symbol).Scan(
		&p.UserID, &p.Symbol, &p.Shares, &p.AvgCost, &p.CreateTimeMs, &p.UpdateTimeMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query position: %w", err)
	}
	return &p, nil
}

// ListPositions returns all of the user's holdings.
func (r *PositionRepository) ListPositions(ctx context.Context, userID int64) ([]*Position, error) {
	query := `
		SELECT user_id, symbol, shares, avg_cost, create_time_ms, update_time_ms
		FROM portfolio.positions
		WHERE user_id = $1
		ORDER BY symbol ASC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(
			&p.UserID, &p.Symbol, &p.Shares, &p.AvgCost, &p.CreateTimeMs, &p.UpdateTimeMs,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, &p)
	}
	return positions, rows.Err()
}

// ListUsersWithPositions returns the distinct users holding at least one
// position. The alert scan walks this set.
func (r *PositionRepository) ListUsersWithPositions(ctx context.Context) ([]int64, error) {
	query := `
		SELECT DISTINCT user_id
		FROM portfolio.positions
		ORDER BY user_id ASC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query position holders: %w", err)
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan position holder: %w", err)
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

// ApplyBuy blends a buy fill into the position with the weighted-average
// cost rule, creating the row on the first fill.
func (r *PositionRepository) ApplyBuy(ctx context.Context, userID int64, symbol string, shares, price float64, nowMs int64) error {
	query := `
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
	_, err := r.db.ExecContext(ctx, query, userID, symbol, shares, price, nowMs)
	if err != nil {
		return fmt.Errorf("apply buy: %w", err)
	}
	return nil
}

// ApplySell reduces the position, failing when the sale exceeds the held
// shares (conditional update, no read-modify-write race). The row is
// removed when it reaches zero; a zero-share position must not exist.
func (r *PositionRepository) ApplySell(ctx context.Context, userID int64, symbol string, shares float64, nowMs int64) error {
	query := `
		UPDATE portfolio.positions
		SET shares = shares - $1, update_time_ms = $2
		WHERE user_id = $3 AND symbol = $4 AND shares >= $1
	`
	result, err := r.db.ExecContext(ctx, query, shares, nowMs, userID, symbol)
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

	// Sub-millionth residue from float quantities counts as empty; the
	// fractional order minimum is 1e-6 shares.
	cleanup := `
		DELETE FROM portfolio.positions
		WHERE user_id = $1 AND symbol = $2 AND shares < 0.000001
	`
	if _, err := r.db.ExecContext(ctx, cleanup, userID, symbol); err != nil {
		return fmt.Errorf("delete empty position: %w", err)
	}
	return nil
}
