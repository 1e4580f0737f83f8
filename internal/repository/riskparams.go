package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// RiskParameters is the per-user limit bundle. Values are fractions
// (0.20 = 20%). Immutable per evaluation; the engine only reads it.
type RiskParameters struct {
	MaxPositionSizePct        float64
	MaxDailyLossPct           float64
	StopLossPct               float64
	TakeProfitPct             float64
	MaxCorrelation            float64
	MaxSectorConcentrationPct float64
	VolatilityThresholdPct    float64
}

// RiskParamsRepository reads per-user overrides of the configured defaults.
type RiskParamsRepository struct {
	db       *sql.DB
	defaults RiskParameters
}

func NewRiskParamsRepository(db *sql.DB, defaults RiskParameters) *RiskParamsRepository {
	return &RiskParamsRepository{db: db, defaults: defaults}
}

// Defaults returns the configured global parameters.
func (r *RiskParamsRepository) Defaults() RiskParameters {
	return r.defaults
}

// GetParameters returns the user's parameters, falling back to the global
// defaults when no override row exists.
func (r *RiskParamsRepository) GetParameters(ctx context.Context, userID int64) (RiskParameters, error) {
	query := `
		SELECT max_position_size_pct, max_daily_loss_pct, stop_loss_pct,
		       take_profit_pct, max_correlation, max_sector_concentration_pct,
		       volatility_threshold_pct
		FROM portfolio.risk_parameters
		WHERE user_id = $1
	`
	var p RiskParameters
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&p.MaxPositionSizePct, &p.MaxDailyLossPct, &p.StopLossPct,
		&p.TakeProfitPct, &p.MaxCorrelation, &p.MaxSectorConcentrationPct,
		&p.VolatilityThresholdPct,
	)
	if err == sql.ErrNoRows {
		return r.defaults, nil
	}
	if err != nil {
		return r.defaults, fmt.Errorf("query risk parameters: %w", err)
	}
	return p, nil
}

// UpsertParameters stores a per-user override.
func (r *RiskParamsRepository) UpsertParameters(ctx context.Context, userID int64, p RiskParameters) error {
	query := `
		INSERT INTO portfolio.risk_parameters
		(user_id, max_position_size_pct, max_daily_loss_pct, stop_loss_pct,
		 take_profit_pct, max_correlation, max_sector_concentration_pct,
		 volatility_threshold_pct)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			max_position_size_pct = EXCLUDED.max_position_size_pct,
			max_daily_loss_pct = EXCLUDED.max_daily_loss_pct,
			stop_loss_pct = EXCLUDED.stop_loss_pct,
			take_profit_pct = EXCLUDED.take_profit_pct,
			max_correlation = EXCLUDED.max_correlation,
			max_sector_concentration_pct = EXCLUDED.max_sector_concentration_pct,
			volatility_threshold_pct = EXCLUDED.volatility_threshold_pct
	`
	_, err := r.db.ExecContext(ctx, query, userID,
		p.MaxPositionSizePct, p.MaxDailyLossPct, p.StopLossPct,
		p.TakeProfitPct, p.MaxCorrelation, p.MaxSectorConcentrationPct,
		p.VolatilityThresholdPct,
	)
	if err != nil {
		return fmt.Errorf("upsert risk parameters: %w", err)
	}
	return nil
}
