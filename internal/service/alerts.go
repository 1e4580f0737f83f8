package service

import (
	"context"
	"fmt"

	"github.com/brokerage/portfolio-engine/internal/metrics"
	"github.com/brokerage/portfolio-engine/internal/oracle"
	"github.com/brokerage/portfolio-engine/pkg/logger"
)

// Alert types and severities.
const (
	AlertStopLoss      = "stop_loss"
	AlertVolatility    = "volatility"
	AlertConcentration = "concentration"

	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// RiskAlert is a derived signal, recomputed fresh each scan. Nothing here
// is persisted; deduplication across cycles belongs to consumers.
type RiskAlert struct {
	ID             int64  `json:"id"`
	UserID         int64  `json:"userId"`
	Symbol         string `json:"symbol"`
	AlertType      string `json:"alertType"`
	Severity       string `json:"severity"`
	Message        string `json:"message"`
	ActionRequired bool   `json:"actionRequired"`
	CreatedAtMs    int64  `json:"createdAt"`
}

// AlertScanner examines positions against the user's risk parameters.
type AlertScanner struct {
	positions PositionStore
	params    RiskParamsStore
	quotes    oracle.Source
	idGen     IDGenerator
	lookback  int
	metrics   *metrics.Metrics
	log       *logger.Logger
	now       func() int64
}

func NewAlertScanner(positions PositionStore, params RiskParamsStore, quotes oracle.Source, idGen IDGenerator, lookback int, m *metrics.Metrics, log *logger.Logger, now func() int64) *AlertScanner {
	if lookback <= 0 {
		lookback = 90
	}
	if log == nil {
		log = logger.New("alerts", nil)
	}
	return &AlertScanner{
		positions: positions,
		params:    params,
		quotes:    quotes,
		idGen:     idGen,
		lookback:  lookback,
		metrics:   m,
		log:       log,
		now:       now,
	}
}

// ScanUser produces the current alert set for one user's positions.
func (s *AlertScanner) ScanUser(ctx context.Context, userID int64) ([]*RiskAlert, error) {
	positions, err := s.positions.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	if len(positions) == 0 {
		return nil, nil
	}
	params, err := s.params.GetParameters(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load risk parameters: %w", err)
	}

	// Mark everything to market once; the concentration check needs the
	// portfolio total.
	prices := make(map[string]float64, len(positions))
	var portfolioValue float64
	for _, p := range positions {
		price := p.AvgCost
		if quote, qerr := s.quotes.GetQuote(ctx, p.Symbol); qerr == nil && quote.Price > 0 {
			price = quote.Price
		}
		prices[p.Symbol] = price
		portfolioValue += p.Shares * price
	}

	nowMs := s.now()
	var alerts []*RiskAlert
	emit := func(symbol, alertType, severity, message string, actionRequired bool) {
		alerts = append(alerts, &RiskAlert{
			ID:             s.idGen.NextID(),
			UserID:         userID,
			Symbol:         symbol,
			AlertType:      alertType,
			Severity:       severity,
			Message:        message,
			ActionRequired: actionRequired,
			CreatedAtMs:    nowMs,
		})
		s.metrics.IncAlert(alertType)
	}

	for _, p := range positions {
		price := prices[p.Symbol]

		if p.AvgCost > 0 && params.StopLossPct > 0 {
			lossPct := (p.AvgCost - price) / p.AvgCost
			if lossPct >= params.StopLossPct {
				emit(p.Symbol, AlertStopLoss, SeverityHigh,
					fmt.Sprintf("%s is down %.1f%% from cost, past the %.1f%% stop-loss threshold",
						p.Symbol, lossPct*100, params.StopLossPct*100), true)
			}
		}

		if params.VolatilityThresholdPct > 0 {
			if candles, herr := s.quotes.GetHistoricalCloses(ctx, p.Symbol, s.lookback); herr == nil {
				returns := oracle.DailyReturns(candles)
				if len(returns) >= minHistoryPoints {
					if vol := annualizedVolatility(returns); vol > params.VolatilityThresholdPct {
						emit(p.Symbol, AlertVolatility, SeverityMedium,
							fmt.Sprintf("%s annualized volatility %.1f%% exceeds the %.1f%% threshold",
								p.Symbol, vol*100, params.VolatilityThresholdPct*100), false)
					}
				}
			}
		}

		if portfolioValue > 0 && params.MaxPositionSizePct > 0 {
			weight := p.Shares * price / portfolioValue
			if weight > params.MaxPositionSizePct {
				emit(p.Symbol, AlertConcentration, SeverityHigh,
					fmt.Sprintf("%s is %.1f%% of the portfolio, above the %.1f%% cap",
						p.Symbol, weight*100, params.MaxPositionSizePct*100), true)
			}
		}
	}
	return alerts, nil
}
