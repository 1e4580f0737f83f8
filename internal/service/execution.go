// Package service holds the engine's business logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/brokerage/portfolio-engine/internal/metrics"
	"github.com/brokerage/portfolio-engine/internal/oracle"
	"github.com/brokerage/portfolio-engine/internal/repository"
	errorsx "github.com/brokerage/portfolio-engine/pkg/errors"
	"github.com/brokerage/portfolio-engine/pkg/logger"
)

// OrderStore is the order slice of the ledger.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *repository.Order) error
	GetOrder(ctx context.Context, orderID int64) (*repository.Order, error)
	ListOrders(ctx context.Context, userID int64, symbol string, limit int) ([]*repository.Order, error)
	ListPendingOrders(ctx context.Context, limit int) ([]*repository.Order, error)
	CompareAndSetStatus(ctx context.Context, orderID int64, expected, next int, updateTimeMs int64) error
	MarkRejected(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error
	SetStopConverted(ctx context.Context, orderID int64, updateTimeMs int64) error
	UpdateTrailingStop(ctx context.Context, orderID int64, stopPrice float64, updateTimeMs int64) error
}

// TradeStore is the immutable fill log. Fills are written through the
// settlement transaction; readers replay the log.
type TradeStore interface {
	ListTrades(ctx context.Context, userID int64, symbol string) ([]*repository.Trade, error)
}

// SettlementStore lands one fill atomically: the order's terminal state,
// the trade row, the wallet delta, and the position change commit together
// or not at all. A failed settlement leaves the ledger untouched.
type SettlementStore interface {
	SettleMarket(ctx context.Context, fill *repository.Fill) error
	SettlePendingFill(ctx context.Context, fill *repository.Fill) error
}

// PositionStore is the holdings slice of the ledger.
type PositionStore interface {
	GetPosition(ctx context.Context, userID int64, symbol string) (*repository.Position, error)
	ListPositions(ctx context.Context, userID int64) ([]*repository.Position, error)
	ApplyBuy(ctx context.Context, userID int64, symbol string, shares, price float64, nowMs int64) error
	ApplySell(ctx context.Context, userID int64, symbol string, shares float64, nowMs int64) error
}

// WalletStore is the cash slice of the ledger. AdjustBalance must be atomic
// and conditional: a debit below zero affects nothing and reports
// repository.ErrInsufficientFunds.
type WalletStore interface {
	GetBalance(ctx context.Context, userID int64, currency string) (*repository.WalletBalance, error)
	AdjustBalance(ctx context.Context, userID int64, currency string, delta float64, nowMs int64) error
}

// RiskParamsStore reads per-user risk limits.
type RiskParamsStore interface {
	GetParameters(ctx context.Context, userID int64) (repository.RiskParameters, error)
}

// IDGenerator produces order and trade IDs.
type IDGenerator interface {
	NextID() int64
}

type eventPublisher interface {
	PublishOrderEvent(ctx context.Context, userID int64, event string, order interface{}) error
	PublishTradeEvent(ctx context.Context, userID int64, trade interface{}) error
}

// Limits are the engine-level absolute gates, distinct from the per-user
// sizing parameters.
type Limits struct {
	MaxOrderValue            float64
	MaxPositionConcentration float64
}

// OrderRequest is a caller's trade intent.
type OrderRequest struct {
	UserID          int64   `json:"userId"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	OrderType       string  `json:"orderType"`
	Quantity        float64 `json:"quantity"`
	LimitPrice      float64 `json:"limitPrice,omitempty"`
	StopPrice       float64 `json:"stopPrice,omitempty"`
	TrailingPercent float64 `json:"trailingPercent,omitempty"`
	TimeInForce     string  `json:"timeInForce,omitempty"`
	Fractional      bool    `json:"fractional,omitempty"`
}

// OrderResult is the outcome of ExecuteOrder. Business rejections come back
// with Success=false and an ErrorCode; infrastructure failures come back as
// the error return.
type OrderResult struct {
	Success        bool     `json:"success"`
	OrderID        int64    `json:"orderId,omitempty"`
	ExecutedPrice  float64  `json:"executedPrice,omitempty"`
	ExecutedShares float64  `json:"executedShares,omitempty"`
	Status         string   `json:"status"`
	ErrorCode      string   `json:"errorCode,omitempty"`
	ErrorMessage   string   `json:"errorMessage,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Engine validates, gates, and settles orders against the ledger.
type Engine struct {
	orders    OrderStore
	settler   SettlementStore
	positions PositionStore
	wallets   WalletStore
	params    RiskParamsStore
	quotes    oracle.Source
	idGen     IDGenerator
	limits    Limits
	currency  string
	metrics   *metrics.Metrics
	publisher eventPublisher
	log       *logger.Logger

	locks keyedLocks
	now   func() time.Time
}

// NewEngine wires the execution engine. metrics and log may be nil.
func NewEngine(orders OrderStore, settler SettlementStore, positions PositionStore, wallets WalletStore, params RiskParamsStore, quotes oracle.Source, idGen IDGenerator, limits Limits, currency string, m *metrics.Metrics, log *logger.Logger) *Engine {
	if currency == "" {
		currency = "USD"
	}
	if log == nil {
		log = logger.New("engine", nil)
	}
	return &Engine{
		orders:    orders,
		settler:   settler,
		positions: positions,
		wallets:   wallets,
		params:    params,
		quotes:    quotes,
		idGen:     idGen,
		limits:    limits,
		currency:  currency,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// SetPublisher attaches the optional event publisher.
func (e *Engine) SetPublisher(p eventPublisher) {
	e.publisher = p
}

// ExecuteOrder runs a request through validation, risk gating, and
// settlement. Market orders settle immediately; conditional orders persist
// as pending and wait for the monitor.
func (e *Engine) ExecuteOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	start := e.now()
	defer func() { e.metrics.ObserveExecuteLatency(time.Since(start)) }()

	if verr := validateRequest(req); verr != nil {
		return e.reject(verr), nil
	}

	side := repository.ParseSide(req.Side)
	orderType := repository.ParseType(req.OrderType)
	tif := repository.ParseTIF(req.TimeInForce)

	params, err := e.params.GetParameters(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load risk parameters: %w", err)
	}

	// Reference price. Conditional orders fall back to their own trigger
	// prices so a feed outage does not block placing them; market and
	// trailing stops need a live quote.
	refPrice, quoteErr := e.referencePrice(ctx, req, orderType)
	if quoteErr != nil {
		if orderType == repository.TypeMarket || orderType == repository.TypeTrailingStop {
			return e.reject(errorsx.New(errorsx.CodePriceUnavailable, quoteErr.Error())), nil
		}
		return nil, quoteErr
	}

	if gerr := e.gateFunds(ctx, req, side, refPrice); gerr != nil {
		return e.reject(gerr), nil
	}
	if gerr := e.gateRisk(ctx, req, side, refPrice, params); gerr != nil {
		return e.reject(gerr), nil
	}

	var warnings []string
	if orderType == repository.TypeMarket && !inRegularHours(e.now()) {
		warnings = append(warnings, "market closed; order executed at extended-hours pricing")
	}

	if orderType == repository.TypeMarket {
		result, err := e.settleMarket(ctx, req, side, refPrice)
		if err != nil {
			return nil, err
		}
		result.Warnings = warnings
		return result, nil
	}

	order, err := e.createPendingOrder(ctx, req, side, orderType, tif, refPrice)
	if err != nil {
		return nil, err
	}
	e.metrics.IncOrderAccepted(req.Symbol, repository.SideString(side), repository.TypeString(orderType))
	e.publishOrder(ctx, order, "created")

	return &OrderResult{
		Success:  true,
		OrderID:  order.OrderID,
		Status:   repository.StatusString(repository.StatusPending),
		Warnings: warnings,
	}, nil
}

// CancelOrder transitions pending to cancelled with a conditional update so
// a concurrent trigger cannot fill an order the user just cancelled.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID int64) (*OrderResult, error) {
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			return e.reject(errorsx.ErrOrderNotFound), nil
		}
		return nil, err
	}
	if order.UserID != userID {
		return e.reject(errorsx.ErrOrderNotFound), nil
	}

	err = e.orders.CompareAndSetStatus(ctx, orderID, repository.StatusPending, repository.StatusCancelled, e.now().UnixMilli())
	if errors.Is(err, repository.ErrStatusConflict) {
		current, gerr := e.orders.GetOrder(ctx, orderID)
		if gerr == nil && current.Status == repository.StatusCancelled {
			// Idempotent: already cancelled.
			return &OrderResult{Success: true, OrderID: orderID, Status: repository.StatusString(current.Status)}, nil
		}
		return e.reject(errorsx.New(errorsx.CodeConflict, "order is no longer pending")), nil
	}
	if err != nil {
		return nil, err
	}

	order.Status = repository.StatusCancelled
	e.publishOrder(ctx, order, "cancelled")
	return &OrderResult{Success: true, OrderID: orderID, Status: repository.StatusString(repository.StatusCancelled)}, nil
}

// GetOrder returns one of the user's orders.
func (e *Engine) GetOrder(ctx context.Context, userID, orderID int64) (*repository.Order, error) {
	order, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, repository.ErrOrderNotFound
	}
	return order, nil
}

// ListOrders returns the user's orders, newest first.
func (e *Engine) ListOrders(ctx context.Context, userID int64, symbol string, limit int) ([]*repository.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.orders.ListOrders(ctx, userID, symbol, limit)
}

// ListPendingOrders returns the monitor's work set.
func (e *Engine) ListPendingOrders(ctx context.Context, limit int) ([]*repository.Order, error) {
	if limit <= 0 {
		limit = 1000
	}
	return e.orders.ListPendingOrders(ctx, limit)
}

func (e *Engine) referencePrice(ctx context.Context, req *OrderRequest, orderType int) (float64, error) {
	switch orderType {
	case repository.TypeLimit, repository.TypeStopLimit:
		return req.LimitPrice, nil
	case repository.TypeStop:
		return req.StopPrice, nil
	}
	quote, err := e.quotes.GetQuote(ctx, req.Symbol)
	if err != nil {
		return 0, err
	}
	return quote.Price, nil
}

// gateFunds checks buys against available cash and sells against held
// shares. Read-only: the authoritative check happens again inside the
// conditional ledger updates at settlement.
func (e *Engine) gateFunds(ctx context.Context, req *OrderRequest, side int, refPrice float64) *errorsx.Error {
	if side == repository.SideBuy {
		balance, err := e.wallets.GetBalance(ctx, req.UserID, e.currency)
		if err != nil {
			return errorsx.New(errorsx.CodeLedgerWriteFailed, err.Error())
		}
		required := req.Quantity * refPrice
		if required > balance.Available {
			return errorsx.Newf(errorsx.CodeInsufficientFunds,
				"need %.2f %s, have %.2f", required, e.currency, balance.Available)
		}
		return nil
	}

	position, err := e.positions.GetPosition(ctx, req.UserID, req.Symbol)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return errorsx.Newf(errorsx.CodeInsufficientShares, "no %s position", req.Symbol)
		}
		return errorsx.New(errorsx.CodeLedgerWriteFailed, err.Error())
	}
	if req.Quantity > position.Shares {
		return errorsx.Newf(errorsx.CodeInsufficientShares,
			"selling %v of %v held %s shares", req.Quantity, position.Shares, req.Symbol)
	}
	return nil
}

// gateRisk applies the advisory limits: absolute order value and post-trade
// position concentration. It never mutates state.
func (e *Engine) gateRisk(ctx context.Context, req *OrderRequest, side int, refPrice float64, params repository.RiskParameters) *errorsx.Error {
	orderValue := req.Quantity * refPrice
	if e.limits.MaxOrderValue > 0 && orderValue > e.limits.MaxOrderValue {
		return errorsx.Newf(errorsx.CodeRiskLimitExceeded,
			"order value %.2f exceeds cap %.2f", orderValue, e.limits.MaxOrderValue)
	}

	if side != repository.SideBuy || e.limits.MaxPositionConcentration <= 0 {
		return nil
	}

	portfolioValue, positionValue := e.portfolioAndPositionValue(ctx, req.UserID, req.Symbol)
	postTradePortfolio := portfolioValue + orderValue
	if postTradePortfolio <= 0 {
		return nil
	}
	concentration := (positionValue + orderValue) / postTradePortfolio
	if concentration > e.limits.MaxPositionConcentration {
		return errorsx.Newf(errorsx.CodeRiskLimitExceeded,
			"post-trade %s concentration %.1f%% exceeds %.1f%%",
			req.Symbol, concentration*100, e.limits.MaxPositionConcentration*100)
	}
	return nil
}

// portfolioAndPositionValue marks the user's holdings to market, falling
// back to average cost for symbols the oracle cannot quote right now.
func (e *Engine) portfolioAndPositionValue(ctx context.Context, userID int64, symbol string) (portfolio, position float64) {
	positions, err := e.positions.ListPositions(ctx, userID)
	if err != nil {
		return 0, 0
	}
	for _, p := range positions {
		price := p.AvgCost
		if quote, qerr := e.quotes.GetQuote(ctx, p.Symbol); qerr == nil && quote.Price > 0 {
			price = quote.Price
		}
		value := p.Shares * price
		portfolio += value
		if p.Symbol == symbol {
			position = value
		}
	}
	return portfolio, position
}

// settleMarket executes a market order end to end. The filled order row,
// the trade, the cash move, and the position change commit in one
// settlement transaction; market orders never pass through pending.
func (e *Engine) settleMarket(ctx context.Context, req *OrderRequest, side int, quotePrice float64) (*OrderResult, error) {
	executedPrice := applySlippage(quotePrice, side, req.Quantity*quotePrice, req.Fractional)
	total := round2(req.Quantity * executedPrice)
	orderID := e.idGen.NextID()
	nowMs := e.now().UnixMilli()

	order := &repository.Order{
		OrderID:      orderID,
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Side:         side,
		Type:         repository.TypeMarket,
		Quantity:     req.Quantity,
		TimeInForce:  repository.ParseTIF(req.TimeInForce),
		Status:       repository.StatusFilled,
		FilledQty:    req.Quantity,
		AvgFillPrice: executedPrice,
		Fractional:   req.Fractional,
		CreateTimeMs: nowMs,
		UpdateTimeMs: nowMs,
	}
	trade := &repository.Trade{
		TradeID:      e.idGen.NextID(),
		OrderID:      orderID,
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Side:         side,
		Shares:       req.Quantity,
		Price:        executedPrice,
		TotalAmount:  total,
		Fractional:   req.Fractional,
		ExecutedAtMs: nowMs,
	}

	unlock := e.lockForSide(req.UserID, req.Symbol, side)
	err := e.settler.SettleMarket(ctx, &repository.Fill{
		Order:     order,
		Trade:     trade,
		Currency:  e.currency,
		CashDelta: cashDelta(side, total),
	})
	unlock()

	if err != nil {
		if typed := refusalFor(err); typed != nil {
			rejected := *order
			rejected.Status = repository.StatusRejected
			rejected.FilledQty = 0
			rejected.AvgFillPrice = 0
			rejected.RejectReason = string(typed.Code)
			if cerr := e.orders.CreateOrder(ctx, &rejected); cerr != nil {
				e.log.WithError(cerr).Error("record rejected order")
			}
			return e.rejectWithOrder(typed, orderID), nil
		}
		return nil, fmt.Errorf("settle market order: %w", err)
	}

	e.metrics.IncOrderFilled(req.Symbol, repository.SideString(side))
	e.publishOrder(ctx, order, "filled")
	e.publishTrade(ctx, trade)

	return &OrderResult{
		Success:        true,
		OrderID:        orderID,
		ExecutedPrice:  executedPrice,
		ExecutedShares: req.Quantity,
		Status:         repository.StatusString(repository.StatusFilled),
	}, nil
}

// refusalFor maps a settlement refusal to its business error; transient
// failures map to nil and surface as errors.
func refusalFor(err error) *errorsx.Error {
	switch {
	case errors.Is(err, repository.ErrInsufficientFunds):
		return errorsx.ErrInsufficientFunds
	case errors.Is(err, repository.ErrShortPosition):
		return errorsx.ErrInsufficientShares
	}
	return nil
}

func cashDelta(side int, total float64) float64 {
	if side == repository.SideBuy {
		return -total
	}
	return total
}

// lockForSide serializes settlement on the contended resource: the wallet
// for buys, the position for sells. The settlement transaction's conditional
// updates stay authoritative; the lock only reduces conflict churn.
func (e *Engine) lockForSide(userID int64, symbol string, side int) func() {
	if side == repository.SideBuy {
		return e.locks.lock(walletKey(userID, e.currency))
	}
	return e.locks.lock(positionKey(userID, symbol))
}

// createPendingOrder persists a conditional order. A trailing stop seeds its
// stop price from the live quote in the direction that protects the trader.
func (e *Engine) createPendingOrder(ctx context.Context, req *OrderRequest, side, orderType, tif int, refPrice float64) (*repository.Order, error) {
	nowMs := e.now().UnixMilli()
	order := &repository.Order{
		OrderID:      e.idGen.NextID(),
		UserID:       req.UserID,
		Symbol:       req.Symbol,
		Side:         side,
		Type:         orderType,
		Quantity:     req.Quantity,
		LimitPrice:   req.LimitPrice,
		StopPrice:    req.StopPrice,
		TrailingPct:  req.TrailingPercent,
		TimeInForce:  tif,
		Status:       repository.StatusPending,
		Fractional:   req.Fractional,
		CreateTimeMs: nowMs,
		UpdateTimeMs: nowMs,
	}

	if orderType == repository.TypeTrailingStop {
		order.StopPrice = trailingStopPrice(refPrice, side, req.TrailingPercent)
	}

	if err := e.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("persist pending order: %w", err)
	}
	return order, nil
}

func (e *Engine) reject(err *errorsx.Error) *OrderResult {
	return e.rejectWithOrder(err, 0)
}

func (e *Engine) rejectWithOrder(err *errorsx.Error, orderID int64) *OrderResult {
	e.metrics.IncOrderRejected(string(err.Code))
	return &OrderResult{
		Success:      false,
		OrderID:      orderID,
		Status:       repository.StatusString(repository.StatusRejected),
		ErrorCode:    string(err.Code),
		ErrorMessage: err.Message,
	}
}

func (e *Engine) publishOrder(ctx context.Context, order *repository.Order, event string) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishOrderEvent(ctx, order.UserID, event, order); err != nil {
		e.log.WithError(err).Warn("publish order event")
	}
}

func (e *Engine) publishTrade(ctx context.Context, trade *repository.Trade) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishTradeEvent(ctx, trade.UserID, trade); err != nil {
		e.log.WithError(err).Warn("publish trade event")
	}
}

// Slippage: base cost (doubled for fractional fills routed off-exchange)
// plus a size-impact term capped at 20bp, always adverse to the trader.
const (
	baseSlippage       = 0.0005
	fractionalSlippage = 0.001
	impactPerMillion   = 0.001
	maxImpact          = 0.002
)

func applySlippage(quotePrice float64, side int, orderValue float64, fractional bool) float64 {
	rate := baseSlippage
	if fractional {
		rate = fractionalSlippage
	}
	impact := orderValue / 1e6 * impactPerMillion
	if impact > maxImpact {
		impact = maxImpact
	}
	rate += impact

	if side == repository.SideBuy {
		return quotePrice * (1 + rate)
	}
	return quotePrice * (1 - rate)
}

// trailingStopPrice places the initial stop on the protective side of the
// market: below it for a sell (protecting a long), above it for a buy.
func trailingStopPrice(price float64, side int, trailingPct float64) float64 {
	frac := trailingPct / 100
	if side == repository.SideSell {
		return price * (1 - frac)
	}
	return price * (1 + frac)
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func walletKey(userID int64, currency string) string {
	return fmt.Sprintf("w:%d:%s", userID, currency)
}

func positionKey(userID int64, symbol string) string {
	return fmt.Sprintf("p:%d:%s", userID, symbol)
}

// keyedLocks serializes wallet and position mutations per key. Contention
// is scoped to one user; unrelated orders never wait on each other.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
