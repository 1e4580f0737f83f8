package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/brokerage/portfolio-engine/internal/oracle"
	"github.com/brokerage/portfolio-engine/internal/repository"
	"github.com/brokerage/portfolio-engine/pkg/logger"
)

const (
	// tradingDaysPerYear annualizes daily-return statistics.
	tradingDaysPerYear = 252

	// minHistoryPoints guards every variance-based metric. Below this the
	// documented defaults apply: volatility 0, beta 1, Sharpe 0, VaR 0,
	// drawdown 0.
	minHistoryPoints = 10

	// rebalanceDriftThreshold is the absolute weight gap that triggers a
	// rebalance recommendation.
	rebalanceDriftThreshold = 0.05
)

// PositionMetrics is the per-holding analytics view. Realized gain uses
// FIFO lot matching over the trade history; unrealized P&L uses the
// position's running weighted-average cost. The two conventions answer
// different questions and are intentionally not unified.
type PositionMetrics struct {
	Symbol          string  `json:"symbol"`
	Shares          float64 `json:"shares"`
	AvgCost         float64 `json:"avgCost"`
	CurrentPrice    float64 `json:"currentPrice"`
	MarketValue     float64 `json:"marketValue"`
	CostBasis       float64 `json:"costBasis"`
	UnrealizedPL    float64 `json:"unrealizedPl"`
	UnrealizedPLPct float64 `json:"unrealizedPlPct"`
	RealizedGain    float64 `json:"realizedGain"`
	DayChange       float64 `json:"dayChange"`
	DayChangePct    float64 `json:"dayChangePct"`
	Volatility      float64 `json:"volatility"`
	Beta            float64 `json:"beta"`
	SharpeRatio     float64 `json:"sharpeRatio"`
	MaxDrawdown     float64 `json:"maxDrawdown"`
}

// PortfolioRiskSummary aggregates holdings into portfolio-level risk.
type PortfolioRiskSummary struct {
	TotalValue        float64            `json:"totalValue"`
	CashBalance       float64            `json:"cashBalance"`
	PortfolioBeta     float64            `json:"portfolioBeta"`
	Volatility        float64            `json:"volatility"`
	SharpeRatio       float64            `json:"sharpeRatio"`
	MaxDrawdown       float64            `json:"maxDrawdown"`
	ValueAtRisk95     float64            `json:"valueAtRisk95"`
	Diversification   float64            `json:"diversification"`
	ConcentrationRisk float64            `json:"concentrationRisk"`
	Weights           map[string]float64 `json:"weights"`
}

// RebalanceAction tells the user how to close a drift gap.
type RebalanceAction struct {
	Symbol        string  `json:"symbol"`
	CurrentWeight float64 `json:"currentWeight"`
	TargetWeight  float64 `json:"targetWeight"`
	Direction     string  `json:"direction"`
	Shares        float64 `json:"shares"`
}

// Analytics computes position and portfolio risk metrics. It only reads:
// the ledger stays untouched.
type Analytics struct {
	positions PositionStore
	trades    TradeStore
	wallets   WalletStore
	quotes    oracle.Source
	benchmark string
	riskFree  float64
	lookback  int
	currency  string
	log       *logger.Logger
}

// NewAnalytics wires the analytics service. benchmark is the beta reference
// symbol, riskFree the annual risk-free rate, lookback the return-history
// window in days.
func NewAnalytics(positions PositionStore, trades TradeStore, wallets WalletStore, quotes oracle.Source, benchmark string, riskFree float64, lookback int, currency string, log *logger.Logger) *Analytics {
	if benchmark == "" {
		benchmark = "SPY"
	}
	if lookback <= 0 {
		lookback = 90
	}
	if currency == "" {
		currency = "USD"
	}
	if log == nil {
		log = logger.New("analytics", nil)
	}
	return &Analytics{
		positions: positions,
		trades:    trades,
		wallets:   wallets,
		quotes:    quotes,
		benchmark: benchmark,
		riskFree:  riskFree,
		lookback:  lookback,
		currency:  currency,
		log:       log,
	}
}

// GetPositionMetrics computes the analytics view for one holding.
func (a *Analytics) GetPositionMetrics(ctx context.Context, userID int64, symbol string) (*PositionMetrics, error) {
	position, err := a.positions.GetPosition(ctx, userID, symbol)
	if err != nil {
		return nil, err
	}

	quote, err := a.quotes.GetQuote(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}

	trades, err := a.trades.ListTrades(ctx, userID, symbol)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}

	marketValue := position.Shares * quote.Price
	costBasis := position.Shares * position.AvgCost
	unrealized := marketValue - costBasis
	unrealizedPct := 0.0
	if costBasis > 0 {
		unrealizedPct = unrealized / costBasis * 100
	}

	prevClose := quote.Price / (1 + quote.ChangePct/100)
	dayChange := marketValue - position.Shares*prevClose

	metrics := &PositionMetrics{
		Symbol:          symbol,
		Shares:          position.Shares,
		AvgCost:         position.AvgCost,
		CurrentPrice:    quote.Price,
		MarketValue:     marketValue,
		CostBasis:       costBasis,
		UnrealizedPL:    unrealized,
		UnrealizedPLPct: unrealizedPct,
		RealizedGain:    fifoRealizedGain(trades),
		DayChange:       dayChange,
		DayChangePct:    quote.ChangePct,
		Beta:            1.0,
	}

	returns, benchReturns := a.returnHistories(ctx, symbol)
	if len(returns) >= minHistoryPoints {
		metrics.Volatility = annualizedVolatility(returns)
		metrics.SharpeRatio = sharpeRatio(returns, a.riskFree)
		metrics.MaxDrawdown = maxDrawdownFromReturns(returns)
	}
	if len(returns) >= minHistoryPoints && len(benchReturns) >= minHistoryPoints {
		metrics.Beta = beta(returns, benchReturns)
	}
	return metrics, nil
}

// GetPortfolioRiskSummary aggregates every holding plus cash.
func (a *Analytics) GetPortfolioRiskSummary(ctx context.Context, userID int64) (*PortfolioRiskSummary, error) {
	positions, err := a.positions.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	balance, err := a.wallets.GetBalance(ctx, userID, a.currency)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}

	summary := &PortfolioRiskSummary{
		CashBalance:   balance.Available,
		PortfolioBeta: 1.0,
		Weights:       make(map[string]float64),
	}

	values := make(map[string]float64, len(positions))
	var holdingsValue float64
	for _, p := range positions {
		price := p.AvgCost
		if quote, qerr := a.quotes.GetQuote(ctx, p.Symbol); qerr == nil && quote.Price > 0 {
			price = quote.Price
		}
		v := p.Shares * price
		values[p.Symbol] = v
		holdingsValue += v
	}
	summary.TotalValue = holdingsValue + balance.Available

	if holdingsValue <= 0 {
		summary.Diversification = 0
		summary.PortfolioBeta = 0
		return summary, nil
	}

	// Weights are over the invested portion only; cash dilutes neither
	// concentration nor beta.
	var herfindahl float64
	for symbol, v := range values {
		w := v / holdingsValue
		summary.Weights[symbol] = w
		herfindahl += w * w
	}
	summary.ConcentrationRisk = herfindahl
	summary.Diversification = 1 - herfindahl

	benchReturns := a.benchmarkReturns(ctx)
	portfolioReturns := a.portfolioReturns(ctx, summary.Weights)

	var weightedBeta float64
	for symbol, w := range summary.Weights {
		b := 1.0
		if returns, _ := a.symbolReturns(ctx, symbol); len(returns) >= minHistoryPoints && len(benchReturns) >= minHistoryPoints {
			b = beta(returns, benchReturns)
		}
		weightedBeta += w * b
	}
	summary.PortfolioBeta = weightedBeta

	if len(portfolioReturns) >= minHistoryPoints {
		summary.Volatility = annualizedVolatility(portfolioReturns)
		summary.SharpeRatio = sharpeRatio(portfolioReturns, a.riskFree)
		summary.MaxDrawdown = maxDrawdownFromReturns(portfolioReturns)
		summary.ValueAtRisk95 = valueAtRisk95(portfolioReturns, holdingsValue)
	}
	return summary, nil
}

// RecommendRebalance flags holdings whose weight drifted more than the
// threshold from the target allocation.
func (a *Analytics) RecommendRebalance(ctx context.Context, userID int64, targets map[string]float64) ([]*RebalanceAction, error) {
	summary, err := a.GetPortfolioRiskSummary(ctx, userID)
	if err != nil {
		return nil, err
	}
	holdingsValue := summary.TotalValue - summary.CashBalance
	if holdingsValue <= 0 {
		return nil, nil
	}

	symbols := make([]string, 0, len(targets))
	for symbol := range targets {
		symbols = append(symbols, symbol)
	}
	for symbol := range summary.Weights {
		if _, ok := targets[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	var actions []*RebalanceAction
	for _, symbol := range symbols {
		current := summary.Weights[symbol]
		target := targets[symbol]
		drift := current - target
		if math.Abs(drift) <= rebalanceDriftThreshold {
			continue
		}

		quote, qerr := a.quotes.GetQuote(ctx, symbol)
		if qerr != nil || quote.Price <= 0 {
			continue
		}
		direction := "BUY"
		if drift > 0 {
			direction = "SELL"
		}
		actions = append(actions, &RebalanceAction{
			Symbol:        symbol,
			CurrentWeight: current,
			TargetWeight:  target,
			Direction:     direction,
			Shares:        math.Abs(drift) * holdingsValue / quote.Price,
		})
	}
	return actions, nil
}

func (a *Analytics) returnHistories(ctx context.Context, symbol string) (returns, benchReturns []float64) {
	returns, _ = a.symbolReturns(ctx, symbol)
	benchReturns = a.benchmarkReturns(ctx)
	return returns, benchReturns
}

func (a *Analytics) symbolReturns(ctx context.Context, symbol string) ([]float64, error) {
	candles, err := a.quotes.GetHistoricalCloses(ctx, symbol, a.lookback)
	if err != nil {
		a.log.WithError(err).WithField("symbol", symbol).Warn("history unavailable")
		return nil, err
	}
	return oracle.DailyReturns(candles), nil
}

func (a *Analytics) benchmarkReturns(ctx context.Context) []float64 {
	returns, _ := a.symbolReturns(ctx, a.benchmark)
	return returns
}

// portfolioReturns builds the weighted daily return series, truncated to the
// shortest constituent history so the days line up.
func (a *Analytics) portfolioReturns(ctx context.Context, weights map[string]float64) []float64 {
	type series struct {
		weight  float64
		returns []float64
	}
	var all []series
	shortest := -1
	for symbol, w := range weights {
		returns, err := a.symbolReturns(ctx, symbol)
		if err != nil || len(returns) == 0 {
			continue
		}
		all = append(all, series{weight: w, returns: returns})
		if shortest < 0 || len(returns) < shortest {
			shortest = len(returns)
		}
	}
	if shortest <= 0 {
		return nil
	}

	combined := make([]float64, shortest)
	for _, s := range all {
		offset := len(s.returns) - shortest
		for i := 0; i < shortest; i++ {
			combined[i] += s.weight * s.returns[offset+i]
		}
	}
	return combined
}

// fifoRealizedGain replays the full trade history, consuming buy lots
// oldest-first against each sell. Recomputable at any time; nothing is
// cached between calls.
func fifoRealizedGain(trades []*repository.Trade) float64 {
	type lot struct {
		shares float64
		price  float64
	}
	var lots []lot
	var realized float64

	for _, t := range trades {
		if t.Side == repository.SideBuy {
			lots = append(lots, lot{shares: t.Shares, price: t.Price})
			continue
		}
		remaining := t.Shares
		for remaining > 0 && len(lots) > 0 {
			oldest := &lots[0]
			matched := math.Min(remaining, oldest.shares)
			realized += matched * (t.Price - oldest.price)
			oldest.shares -= matched
			remaining -= matched
			if oldest.shares <= 1e-9 {
				lots = lots[1:]
			}
		}
	}
	return realized
}

// Return statistics. Inputs are daily fractional returns.

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleVariance uses the n-1 denominator.
func sampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sum float64
	for _, x := range xs {
		d := x - m
		sum += d * d
	}
	return sum / float64(len(xs)-1)
}

func covariance(xs, ys []float64) float64 {
	n := len(xs)
	if len(ys) < n {
		n = len(ys)
	}
	if n < 2 {
		return 0
	}
	xs, ys = xs[len(xs)-n:], ys[len(ys)-n:]
	mx, my := mean(xs), mean(ys)
	var sum float64
	for i := 0; i < n; i++ {
		sum += (xs[i] - mx) * (ys[i] - my)
	}
	return sum / float64(n-1)
}

func annualizedVolatility(returns []float64) float64 {
	return math.Sqrt(sampleVariance(returns)) * math.Sqrt(tradingDaysPerYear)
}

// beta defaults to 1.0 when the benchmark carries no variance.
func beta(returns, benchReturns []float64) float64 {
	v := sampleVariance(benchReturns)
	if v < 1e-12 {
		return 1.0
	}
	return covariance(returns, benchReturns) / v
}

func sharpeRatio(returns []float64, riskFree float64) float64 {
	vol := annualizedVolatility(returns)
	if vol < 1e-12 {
		return 0
	}
	annualReturn := mean(returns) * tradingDaysPerYear
	return (annualReturn - riskFree) / vol
}

// maxDrawdownFromReturns rebuilds a value series from 1.0 and measures the
// worst peak-to-trough fall as a fraction of the peak.
func maxDrawdownFromReturns(returns []float64) float64 {
	value, peak, worst := 1.0, 1.0, 0.0
	for _, r := range returns {
		value *= 1 + r
		if value > peak {
			peak = value
		}
		if dd := (peak - value) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// valueAtRisk95 is the empirical 5th-percentile daily loss scaled by
// portfolio value, reported as a positive amount.
func valueAtRisk95(returns []float64, portfolioValue float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)) * 0.05)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	loss := -sorted[idx] * portfolioValue
	if loss < 0 {
		return 0
	}
	return loss
}
