package service

import (
	"context"
	"fmt"
	"math"

	"github.com/brokerage/portfolio-engine/internal/oracle"
	"github.com/brokerage/portfolio-engine/internal/repository"
	errorsx "github.com/brokerage/portfolio-engine/pkg/errors"
	"github.com/brokerage/portfolio-engine/pkg/logger"
)

// Reason codes on a size recommendation.
const (
	ReasonOK                   = "OK"
	ReasonPositionLimitReached = "POSITION_LIMIT_REACHED"
)

const (
	// winRateAssumption feeds the Kelly fraction. A modest edge; the
	// fraction is clamped to [0.1, 1.0] regardless.
	winRateAssumption = 0.55

	kellyFloor = 0.1
	kellyCeil  = 1.0

	// correlationPenalty halves the recommendation when the symbol's
	// sector already dominates the portfolio.
	correlationPenalty         = 0.5
	sectorConcentrationTrigger = 0.5
)

// SizeRecommendation is the output of RecommendPositionSize.
type SizeRecommendation struct {
	Symbol            string  `json:"symbol"`
	RecommendedShares float64 `json:"recommendedShares"`
	MaxShares         float64 `json:"maxShares"`
	ReasonCode        string  `json:"reasonCode"`
	RiskScore         float64 `json:"riskScore"`
	StopLossPrice     float64 `json:"stopLossPrice"`
	TakeProfitPrice   float64 `json:"takeProfitPrice"`
}

// Sizer computes Kelly-adjusted position size recommendations.
type Sizer struct {
	positions PositionStore
	wallets   WalletStore
	params    RiskParamsStore
	quotes    oracle.Source
	sectors   map[string]string
	lookback  int
	currency  string
	log       *logger.Logger
}

// NewSizer wires the sizing service. sectors maps symbol to sector label
// for the correlation adjustment; unknown symbols fall into "OTHER".
func NewSizer(positions PositionStore, wallets WalletStore, params RiskParamsStore, quotes oracle.Source, sectors map[string]string, lookback int, currency string, log *logger.Logger) *Sizer {
	if lookback <= 0 {
		lookback = 90
	}
	if currency == "" {
		currency = "USD"
	}
	if log == nil {
		log = logger.New("sizer", nil)
	}
	return &Sizer{
		positions: positions,
		wallets:   wallets,
		params:    params,
		quotes:    quotes,
		sectors:   sectors,
		lookback:  lookback,
		currency:  currency,
		log:       log,
	}
}

// RecommendPositionSize sizes a prospective position from the user's risk
// parameters: the per-symbol cap, then three multiplicative adjustments
// (volatility, sector correlation, Kelly fraction).
func (s *Sizer) RecommendPositionSize(ctx context.Context, userID int64, symbol string, currentPrice float64) (*SizeRecommendation, error) {
	if currentPrice <= 0 {
		quote, err := s.quotes.GetQuote(ctx, symbol)
		if err != nil {
			return nil, errorsx.Newf(errorsx.CodePriceUnavailable, "quote %s: %v", symbol, err)
		}
		currentPrice = quote.Price
	}

	params, err := s.params.GetParameters(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load risk parameters: %w", err)
	}

	rec := &SizeRecommendation{
		Symbol:          symbol,
		ReasonCode:      ReasonOK,
		StopLossPrice:   currentPrice * (1 - params.StopLossPct),
		TakeProfitPrice: currentPrice * (1 + params.TakeProfitPct),
	}

	portfolioValue, positionValue, sectorWeight, err := s.portfolioBreakdown(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}

	maxPositionValue := portfolioValue * params.MaxPositionSizePct
	availableValue := maxPositionValue - positionValue
	rec.MaxShares = math.Max(0, maxPositionValue/currentPrice)
	rec.RiskScore = s.riskScore(ctx, symbol, positionValue, portfolioValue, sectorWeight, params)

	if availableValue <= 0 {
		rec.ReasonCode = ReasonPositionLimitReached
		return rec, nil
	}

	volAdj := s.volatilityAdjustment(ctx, symbol, params)
	corrAdj := 1.0
	if sectorWeight > sectorConcentrationTrigger {
		corrAdj = correlationPenalty
	}
	kellyAdj := kellyFraction(winRateAssumption, params.TakeProfitPct, params.StopLossPct)

	recommendedValue := availableValue * volAdj * corrAdj * kellyAdj
	rec.RecommendedShares = recommendedValue / currentPrice
	return rec, nil
}

// portfolioBreakdown marks holdings plus cash to market and measures the
// candidate symbol's existing value and its sector's share of holdings.
func (s *Sizer) portfolioBreakdown(ctx context.Context, userID int64, symbol string) (portfolio, position, sectorWeight float64, err error) {
	positions, err := s.positions.ListPositions(ctx, userID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load positions: %w", err)
	}
	balance, err := s.wallets.GetBalance(ctx, userID, s.currency)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("load balance: %w", err)
	}

	sector := s.sectorOf(symbol)
	var holdingsValue, sectorValue float64
	for _, p := range positions {
		price := p.AvgCost
		if quote, qerr := s.quotes.GetQuote(ctx, p.Symbol); qerr == nil && quote.Price > 0 {
			price = quote.Price
		}
		v := p.Shares * price
		holdingsValue += v
		if p.Symbol == symbol {
			position = v
		}
		if s.sectorOf(p.Symbol) == sector {
			sectorValue += v
		}
	}
	if holdingsValue > 0 {
		sectorWeight = sectorValue / holdingsValue
	}
	return holdingsValue + balance.Available, position, sectorWeight, nil
}

// volatilityAdjustment scales down in proportion to how far the symbol's
// annualized volatility overshoots the threshold.
func (s *Sizer) volatilityAdjustment(ctx context.Context, symbol string, params repository.RiskParameters) float64 {
	candles, err := s.quotes.GetHistoricalCloses(ctx, symbol, s.lookback)
	if err != nil {
		s.log.WithError(err).WithField("symbol", symbol).Warn("history unavailable, skipping volatility adjustment")
		return 1.0
	}
	returns := oracle.DailyReturns(candles)
	if len(returns) < minHistoryPoints {
		return 1.0
	}
	vol := annualizedVolatility(returns)
	if vol < 1e-12 {
		return 1.0
	}
	return math.Min(1.0, params.VolatilityThresholdPct/vol)
}

// riskScore blends position weight, volatility, and the sector penalty into
// a 1-10 scale.
func (s *Sizer) riskScore(ctx context.Context, symbol string, positionValue, portfolioValue, sectorWeight float64, params repository.RiskParameters) float64 {
	score := 1.0

	if portfolioValue > 0 && params.MaxPositionSizePct > 0 {
		weight := positionValue / portfolioValue
		score += 4 * math.Min(1, weight/params.MaxPositionSizePct)
	}

	if candles, err := s.quotes.GetHistoricalCloses(ctx, symbol, s.lookback); err == nil {
		returns := oracle.DailyReturns(candles)
		if len(returns) >= minHistoryPoints && params.VolatilityThresholdPct > 0 {
			vol := annualizedVolatility(returns)
			score += 3 * math.Min(1, vol/params.VolatilityThresholdPct)
		}
	}

	if sectorWeight > sectorConcentrationTrigger {
		score += 2
	}

	return math.Min(10, math.Max(1, score))
}

func (s *Sizer) sectorOf(symbol string) string {
	if sector, ok := s.sectors[symbol]; ok {
		return sector
	}
	return "OTHER"
}

// kellyFraction sizes from an assumed edge: (winRate*avgWin -
// (1-winRate)*avgLoss) / avgWin, clamped to [0.1, 1.0].
func kellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if avgWin <= 0 {
		return kellyFloor
	}
	f := (winRate*avgWin - (1-winRate)*avgLoss) / avgWin
	return math.Min(kellyCeil, math.Max(kellyFloor, f))
}
