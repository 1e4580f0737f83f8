package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/brokerage/portfolio-engine/internal/oracle"
	"github.com/brokerage/portfolio-engine/internal/repository"
)

var (
	errLedgerDown = errors.New("ledger down")
	errFeedDown   = errors.New("feed down")
)

type fakeOrderStore struct {
	mu     sync.Mutex
	orders map[int64]*repository.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{orders: make(map[int64]*repository.Order)}
}

func (s *fakeOrderStore) CreateOrder(ctx context.Context, order *repository.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *order
	s.orders[order.OrderID] = &cp
	return nil
}

func (s *fakeOrderStore) GetOrder(ctx context.Context, orderID int64) (*repository.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *fakeOrderStore) ListOrders(ctx context.Context, userID int64, symbol string, limit int) ([]*repository.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeOrderStore) ListPendingOrders(ctx context.Context, limit int) ([]*repository.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Order
	for _, o := range s.orders {
		if o.Status == repository.StatusPending {
			cp := *o
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeOrderStore) CompareAndSetStatus(ctx context.Context, orderID int64, expected, next int, updateTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != expected {
		return repository.ErrStatusConflict
	}
	o.Status = next
	o.UpdateTimeMs = updateTimeMs
	return nil
}

func (s *fakeOrderStore) forceFill(orderID int64, filledQty, avgFillPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status = repository.StatusFilled
	o.FilledQty = filledQty
	o.AvgFillPrice = avgFillPrice
	return nil
}

func (s *fakeOrderStore) MarkRejected(ctx context.Context, orderID int64, reason string, updateTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.Status = repository.StatusRejected
	o.RejectReason = reason
	o.UpdateTimeMs = updateTimeMs
	return nil
}

func (s *fakeOrderStore) SetStopConverted(ctx context.Context, orderID int64, updateTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != repository.StatusPending {
		return repository.ErrStatusConflict
	}
	o.StopPrice = 0
	o.UpdateTimeMs = updateTimeMs
	return nil
}

func (s *fakeOrderStore) UpdateTrailingStop(ctx context.Context, orderID int64, stopPrice float64, updateTimeMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != repository.StatusPending {
		return repository.ErrStatusConflict
	}
	o.StopPrice = stopPrice
	o.UpdateTimeMs = updateTimeMs
	return nil
}

type fakeTradeStore struct {
	mu     sync.Mutex
	trades []*repository.Trade
}

func (s *fakeTradeStore) add(trade *repository.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *trade
	s.trades = append(s.trades, &cp)
}

func (s *fakeTradeStore) ListTrades(ctx context.Context, userID int64, symbol string) ([]*repository.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Trade
	for _, t := range s.trades {
		if t.UserID == userID && (symbol == "" || t.Symbol == symbol) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeTradeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}

type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]*repository.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: make(map[string]*repository.Position)}
}

func positionKeyOf(userID int64, symbol string) string {
	return fmt.Sprintf("%d|%s", userID, symbol)
}

func (s *fakePositionStore) GetPosition(ctx context.Context, userID int64, symbol string) (*repository.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionKeyOf(userID, symbol)]
	if !ok {
		return nil, repository.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *fakePositionStore) ListPositions(ctx context.Context, userID int64) ([]*repository.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ApplyBuy mirrors the weighted-average blend the SQL upsert performs.
func (s *fakePositionStore) ApplyBuy(ctx context.Context, userID int64, symbol string, shares, price float64, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKeyOf(userID, symbol)
	p, ok := s.positions[key]
	if !ok {
		s.positions[key] = &repository.Position{
			UserID: userID, Symbol: symbol, Shares: shares, AvgCost: price,
			CreateTimeMs: nowMs, UpdateTimeMs: nowMs,
		}
		return nil
	}
	p.AvgCost = (p.Shares*p.AvgCost + shares*price) / (p.Shares + shares)
	p.Shares += shares
	p.UpdateTimeMs = nowMs
	return nil
}

func (s *fakePositionStore) ApplySell(ctx context.Context, userID int64, symbol string, shares float64, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKeyOf(userID, symbol)
	p, ok := s.positions[key]
	if !ok || p.Shares < shares {
		return repository.ErrShortPosition
	}
	p.Shares -= shares
	p.UpdateTimeMs = nowMs
	if p.Shares < 0.000001 {
		delete(s.positions, key)
	}
	return nil
}

func (s *fakePositionStore) seed(userID int64, symbol string, shares, avgCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[positionKeyOf(userID, symbol)] = &repository.Position{
		UserID: userID, Symbol: symbol, Shares: shares, AvgCost: avgCost,
	}
}

type fakeWalletStore struct {
	mu       sync.Mutex
	balances map[string]float64
	starting float64
}

func newFakeWalletStore(starting float64) *fakeWalletStore {
	return &fakeWalletStore{balances: make(map[string]float64), starting: starting}
}

func walletKeyOf(userID int64, currency string) string {
	return fmt.Sprintf("%d|%s", userID, currency)
}

func (s *fakeWalletStore) GetBalance(ctx context.Context, userID int64, currency string) (*repository.WalletBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := walletKeyOf(userID, currency)
	if _, ok := s.balances[key]; !ok {
		s.balances[key] = s.starting
	}
	return &repository.WalletBalance{
		UserID: userID, Currency: currency, Available: s.balances[key],
	}, nil
}

func (s *fakeWalletStore) AdjustBalance(ctx context.Context, userID int64, currency string, delta float64, nowMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := walletKeyOf(userID, currency)
	if _, ok := s.balances[key]; !ok {
		s.balances[key] = s.starting
	}
	if s.balances[key]+delta < 0 {
		return repository.ErrInsufficientFunds
	}
	s.balances[key] += delta
	return nil
}

func (s *fakeWalletStore) balance(userID int64, currency string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[walletKeyOf(userID, currency)]
}

// fakeSettler applies fills against the in-memory stores with the same
// all-or-nothing contract as the SQL transaction: the conditional write
// runs first, and any failure leaves every store untouched.
type fakeSettler struct {
	mu         sync.Mutex
	orders     *fakeOrderStore
	trades     *fakeTradeStore
	positions  *fakePositionStore
	wallets    *fakeWalletStore
	failLedger error
}

func (s *fakeSettler) setFailLedger(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLedger = err
}

func (s *fakeSettler) ledgerErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failLedger
}

func (s *fakeSettler) SettleMarket(ctx context.Context, fill *repository.Fill) error {
	if err := s.ledgerErr(); err != nil {
		return err
	}
	if err := s.applyLedger(ctx, fill); err != nil {
		return err
	}
	return s.orders.CreateOrder(ctx, fill.Order)
}

func (s *fakeSettler) SettlePendingFill(ctx context.Context, fill *repository.Fill) error {
	order := fill.Order
	if err := s.orders.CompareAndSetStatus(ctx, order.OrderID, repository.StatusPending, repository.StatusFilled, order.UpdateTimeMs); err != nil {
		return err
	}
	revert := func() {
		s.orders.CompareAndSetStatus(ctx, order.OrderID, repository.StatusFilled, repository.StatusPending, order.UpdateTimeMs)
	}
	if err := s.ledgerErr(); err != nil {
		revert()
		return err
	}
	if err := s.applyLedger(ctx, fill); err != nil {
		revert()
		return err
	}
	return s.orders.forceFill(order.OrderID, order.FilledQty, order.AvgFillPrice)
}

// applyLedger runs the write that can be refused first so a refusal
// leaves nothing applied, mirroring a rolled-back transaction.
func (s *fakeSettler) applyLedger(ctx context.Context, fill *repository.Fill) error {
	trade := fill.Trade
	if trade.Side == repository.SideBuy {
		if err := s.wallets.AdjustBalance(ctx, trade.UserID, fill.Currency, fill.CashDelta, trade.ExecutedAtMs); err != nil {
			return err
		}
		if err := s.positions.ApplyBuy(ctx, trade.UserID, trade.Symbol, trade.Shares, trade.Price, trade.ExecutedAtMs); err != nil {
			return err
		}
	} else {
		if err := s.positions.ApplySell(ctx, trade.UserID, trade.Symbol, trade.Shares, trade.ExecutedAtMs); err != nil {
			return err
		}
		if err := s.wallets.AdjustBalance(ctx, trade.UserID, fill.Currency, fill.CashDelta, trade.ExecutedAtMs); err != nil {
			return err
		}
	}
	s.trades.add(trade)
	return nil
}

type fakeParamsStore struct {
	params repository.RiskParameters
}

func defaultTestParams() repository.RiskParameters {
	return repository.RiskParameters{
		MaxPositionSizePct:        0.20,
		MaxDailyLossPct:           0.03,
		StopLossPct:               0.10,
		TakeProfitPct:             0.20,
		MaxCorrelation:            0.70,
		MaxSectorConcentrationPct: 0.50,
		VolatilityThresholdPct:    0.40,
	}
}

func (s *fakeParamsStore) GetParameters(ctx context.Context, userID int64) (repository.RiskParameters, error) {
	return s.params, nil
}

type fakeQuoteSource struct {
	mu      sync.Mutex
	prices  map[string]float64
	history map[string][]oracle.Candle
	err     error
}

func newFakeQuoteSource() *fakeQuoteSource {
	return &fakeQuoteSource{
		prices:  make(map[string]float64),
		history: make(map[string][]oracle.Candle),
	}
}

func (s *fakeQuoteSource) setPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

func (s *fakeQuoteSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *fakeQuoteSource) GetQuote(ctx context.Context, symbol string) (*oracle.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return nil, oracle.ErrUnknownSymbol
	}
	return &oracle.Quote{Symbol: symbol, Price: price}, nil
}

func (s *fakeQuoteSource) GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]oracle.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	candles, ok := s.history[symbol]
	if !ok {
		return nil, oracle.ErrUnknownSymbol
	}
	return candles, nil
}

type seqIDGen struct {
	next int64
}

func (g *seqIDGen) NextID() int64 {
	return atomic.AddInt64(&g.next, 1)
}

type engineFixture struct {
	engine    *Engine
	orders    *fakeOrderStore
	trades    *fakeTradeStore
	positions *fakePositionStore
	wallets   *fakeWalletStore
	quotes    *fakeQuoteSource
	settler   *fakeSettler
}

func newEngineFixture(startingCash float64) *engineFixture {
	f := &engineFixture{
		orders:    newFakeOrderStore(),
		trades:    &fakeTradeStore{},
		positions: newFakePositionStore(),
		wallets:   newFakeWalletStore(startingCash),
		quotes:    newFakeQuoteSource(),
	}
	f.settler = &fakeSettler{
		orders:    f.orders,
		trades:    f.trades,
		positions: f.positions,
		wallets:   f.wallets,
	}
	f.engine = NewEngine(
		f.orders, f.settler, f.positions, f.wallets,
		&fakeParamsStore{params: defaultTestParams()},
		f.quotes, &seqIDGen{},
		Limits{MaxOrderValue: 1000000, MaxPositionConcentration: 0},
		"USD", nil, nil,
	)
	return f
}
