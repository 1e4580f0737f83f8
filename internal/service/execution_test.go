package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brokerage/portfolio-engine/internal/repository"
	errorsx "github.com/brokerage/portfolio-engine/pkg/errors"
)

func TestExecuteOrderMarketBuy(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setPrice("AAPL", 180)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s: %s", result.ErrorCode, result.ErrorMessage)
	}
	if result.Status != "FILLED" {
		t.Fatalf("expected FILLED, got %s", result.Status)
	}
	if result.ExecutedPrice < 180 {
		t.Fatalf("buy executed below quote: %v", result.ExecutedPrice)
	}
	if result.ExecutedShares != 10 {
		t.Fatalf("expected 10 shares, got %v", result.ExecutedShares)
	}

	if got := f.trades.count(); got != 1 {
		t.Fatalf("expected 1 trade, got %d", got)
	}
	trade := f.trades.trades[0]
	if trade.TotalAmount < 1800 {
		t.Fatalf("trade total below quoted value: %v", trade.TotalAmount)
	}

	balance := f.wallets.balance(1, "USD")
	if balance != 10000-trade.TotalAmount {
		t.Fatalf("wallet not debited by totalAmount: balance=%v total=%v", balance, trade.TotalAmount)
	}

	position, err := f.positions.GetPosition(context.Background(), 1, "AAPL")
	if err != nil {
		t.Fatalf("position not created: %v", err)
	}
	if position.Shares != 10 {
		t.Fatalf("expected 10 shares held, got %v", position.Shares)
	}
	if position.AvgCost != result.ExecutedPrice {
		t.Fatalf("averageCost %v != executedPrice %v", position.AvgCost, result.ExecutedPrice)
	}
}

func TestExecuteOrderMarketSellSlippage(t *testing.T) {
	f := newEngineFixture(0)
	f.quotes.setPrice("AAPL", 180)
	f.positions.seed(1, "AAPL", 10, 150)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "SELL",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s", result.ErrorCode)
	}
	if result.ExecutedPrice > 180 {
		t.Fatalf("sell executed above quote: %v", result.ExecutedPrice)
	}
	if f.wallets.balance(1, "USD") <= 0 {
		t.Fatalf("sell proceeds not credited")
	}
	if _, err := f.positions.GetPosition(context.Background(), 1, "AAPL"); err != repository.ErrPositionNotFound {
		t.Fatalf("expected position removed after full sell, got %v", err)
	}
}

func TestExecuteOrderWeightedAverageCost(t *testing.T) {
	f := newEngineFixture(1000)
	f.positions.seed(1, "XYZ", 10, 10)

	// Blend a second lot of 10 at $20 into 10 held at $10.
	if err := f.positions.ApplyBuy(context.Background(), 1, "XYZ", 10, 20, 0); err != nil {
		t.Fatalf("ApplyBuy failed: %v", err)
	}

	position, err := f.positions.GetPosition(context.Background(), 1, "XYZ")
	if err != nil {
		t.Fatalf("GetPosition failed: %v", err)
	}
	if position.Shares != 20 {
		t.Fatalf("expected 20 shares, got %v", position.Shares)
	}
	if position.AvgCost != 15 {
		t.Fatalf("expected averageCost 15, got %v", position.AvgCost)
	}
}

func TestExecuteOrderInsufficientFunds(t *testing.T) {
	f := newEngineFixture(100)
	f.quotes.setPrice("AAPL", 180)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if result.Success {
		t.Fatal("expected rejection")
	}
	if result.ErrorCode != string(errorsx.CodeInsufficientFunds) {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %s", result.ErrorCode)
	}
	if f.trades.count() != 0 {
		t.Fatal("rejected order must not record a trade")
	}
	if f.wallets.balance(1, "USD") != 100 {
		t.Fatalf("rejected order must not touch the wallet: %v", f.wallets.balance(1, "USD"))
	}
}

func TestExecuteOrderInsufficientShares(t *testing.T) {
	f := newEngineFixture(1000)
	f.quotes.setPrice("AAPL", 180)
	f.positions.seed(1, "AAPL", 5, 150)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "SELL",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if result.Success || result.ErrorCode != string(errorsx.CodeInsufficientShares) {
		t.Fatalf("expected INSUFFICIENT_SHARES, got success=%v code=%s", result.Success, result.ErrorCode)
	}
}

func TestExecuteOrderConcurrentDoubleSpend(t *testing.T) {
	// Each order needs nearly the whole wallet; exactly one may win.
	f := newEngineFixture(1900)
	f.quotes.setPrice("AAPL", 180)

	results := make([]*OrderResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
				UserID:    1,
				Symbol:    "AAPL",
				Side:      "BUY",
				OrderType: "MARKET",
				Quantity:  10,
			})
			if err != nil {
				t.Errorf("ExecuteOrder failed: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	successes, rejections := 0, 0
	for _, r := range results {
		if r == nil {
			t.Fatal("missing result")
		}
		if r.Success {
			successes++
		} else if r.ErrorCode == string(errorsx.CodeInsufficientFunds) {
			rejections++
		}
	}
	if successes != 1 || rejections != 1 {
		t.Fatalf("expected exactly one success and one rejection, got %d/%d", successes, rejections)
	}
	if f.trades.count() != 1 {
		t.Fatalf("expected exactly one trade, got %d", f.trades.count())
	}
	if f.wallets.balance(1, "USD") < 0 {
		t.Fatalf("wallet went negative: %v", f.wallets.balance(1, "USD"))
	}
}

func TestExecuteOrderSettleFailureLeavesLedgerUntouched(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setPrice("AAPL", 180)
	f.settler.setFailLedger(errLedgerDown)

	_, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if !errors.Is(err, errLedgerDown) {
		t.Fatalf("expected the settlement error, got %v", err)
	}
	// Settlement is all or nothing: a failed commit leaves no order row,
	// no trade, and the wallet as it was.
	if f.wallets.balance(1, "USD") != 10000 {
		t.Fatalf("wallet changed by a failed settlement: %v", f.wallets.balance(1, "USD"))
	}
	if f.trades.count() != 0 {
		t.Fatalf("failed settlement recorded a trade")
	}
	orders, err := f.orders.ListOrders(context.Background(), 1, "AAPL", 10)
	if err != nil {
		t.Fatalf("ListOrders failed: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("failed settlement persisted an order row: %+v", orders[0])
	}
}

func TestExecuteOrderWarnsOutsideRegularHours(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setPrice("AAPL", 180)
	// Saturday midday: the order still fills, with an extended-hours warning.
	f.engine.now = func() time.Time {
		return time.Date(2026, time.January, 3, 12, 0, 0, 0, time.UTC)
	}

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !result.Success || result.Status != "FILLED" {
		t.Fatalf("off-hours market order should still fill, got %+v", result)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one extended-hours warning, got %v", result.Warnings)
	}
	if !strings.Contains(result.Warnings[0], "market closed") {
		t.Fatalf("unexpected warning text: %q", result.Warnings[0])
	}
}

func TestExecuteOrderNoWarningDuringRegularHours(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setPrice("AAPL", 180)
	// Wednesday 10:00 ET.
	f.engine.now = func() time.Time {
		return time.Date(2026, time.January, 7, 15, 0, 0, 0, time.UTC)
	}

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s", result.ErrorCode)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings in regular hours: %v", result.Warnings)
	}
}

func TestExecuteOrderValidation(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setPrice("AAPL", 180)

	cases := []struct {
		name string
		req  OrderRequest
		code errorsx.Code
	}{
		{"bad side", OrderRequest{UserID: 1, Symbol: "AAPL", Side: "HOLD", OrderType: "MARKET", Quantity: 1}, errorsx.CodeInvalidSide},
		{"fractional whole order", OrderRequest{UserID: 1, Symbol: "AAPL", Side: "BUY", OrderType: "MARKET", Quantity: 1.5}, errorsx.CodeInvalidQuantity},
		{"tiny fractional", OrderRequest{UserID: 1, Symbol: "AAPL", Side: "BUY", OrderType: "MARKET", Quantity: 1e-9, Fractional: true}, errorsx.CodeInvalidQuantity},
		{"limit without price", OrderRequest{UserID: 1, Symbol: "AAPL", Side: "BUY", OrderType: "LIMIT", Quantity: 1}, errorsx.CodeInvalidPrice},
		{"trailing out of range", OrderRequest{UserID: 1, Symbol: "AAPL", Side: "SELL", OrderType: "TRAILING_STOP", Quantity: 1, TrailingPercent: 150}, errorsx.CodeInvalidPrice},
		{"bad tif", OrderRequest{UserID: 1, Symbol: "AAPL", Side: "BUY", OrderType: "MARKET", Quantity: 1, TimeInForce: "GTD"}, errorsx.CodeInvalidTimeInForce},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := f.engine.ExecuteOrder(context.Background(), &tc.req)
			if err != nil {
				t.Fatalf("ExecuteOrder failed: %v", err)
			}
			if result.Success {
				t.Fatal("expected rejection")
			}
			if result.ErrorCode != string(tc.code) {
				t.Fatalf("expected %s, got %s", tc.code, result.ErrorCode)
			}
		})
	}
	if f.trades.count() != 0 {
		t.Fatal("validation failures must not touch the ledger")
	}
}

func TestExecuteOrderRiskLimit(t *testing.T) {
	f := newEngineFixture(10000000)
	f.quotes.setPrice("AAPL", 180)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10000,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if result.Success || result.ErrorCode != string(errorsx.CodeRiskLimitExceeded) {
		t.Fatalf("expected RISK_LIMIT_EXCEEDED, got success=%v code=%s", result.Success, result.ErrorCode)
	}
}

func TestExecuteOrderLimitCreatesPending(t *testing.T) {
	f := newEngineFixture(10000)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:     1,
		Symbol:     "AAPL",
		Side:       "BUY",
		OrderType:  "LIMIT",
		Quantity:   10,
		LimitPrice: 170,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !result.Success || result.Status != "PENDING" {
		t.Fatalf("expected pending order, got success=%v status=%s", result.Success, result.Status)
	}

	order, err := f.orders.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("pending order not persisted: %v", err)
	}
	if order.LimitPrice != 170 {
		t.Fatalf("limit price not carried: %v", order.LimitPrice)
	}
	if f.trades.count() != 0 {
		t.Fatal("conditional order must not settle immediately")
	}
}

func TestExecuteOrderTrailingStopSeedsProtectiveStop(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setPrice("AAPL", 200)
	f.positions.seed(1, "AAPL", 10, 150)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:          1,
		Symbol:          "AAPL",
		Side:            "SELL",
		OrderType:       "TRAILING_STOP",
		Quantity:        10,
		TrailingPercent: 5,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %s", result.ErrorCode)
	}

	order, err := f.orders.GetOrder(context.Background(), result.OrderID)
	if err != nil {
		t.Fatalf("GetOrder failed: %v", err)
	}
	if order.StopPrice != 190 {
		t.Fatalf("expected initial stop 190 (5%% below 200), got %v", order.StopPrice)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newEngineFixture(10000)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:     1,
		Symbol:     "AAPL",
		Side:       "BUY",
		OrderType:  "LIMIT",
		Quantity:   10,
		LimitPrice: 170,
	})
	if err != nil || !result.Success {
		t.Fatalf("setup order failed: %v / %+v", err, result)
	}

	cancelled, err := f.engine.CancelOrder(context.Background(), 1, result.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if !cancelled.Success || cancelled.Status != "CANCELLED" {
		t.Fatalf("expected cancelled, got %+v", cancelled)
	}

	// Cancelling again is idempotent.
	again, err := f.engine.CancelOrder(context.Background(), 1, result.OrderID)
	if err != nil {
		t.Fatalf("second CancelOrder failed: %v", err)
	}
	if !again.Success {
		t.Fatalf("repeat cancel should be idempotent, got %+v", again)
	}
}

func TestCancelOrderFilledConflicts(t *testing.T) {
	f := newEngineFixture(10000)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:     1,
		Symbol:     "AAPL",
		Side:       "BUY",
		OrderType:  "LIMIT",
		Quantity:   10,
		LimitPrice: 170,
	})
	if err != nil || !result.Success {
		t.Fatalf("setup order failed: %v / %+v", err, result)
	}
	if err := f.orders.forceFill(result.OrderID, 10, 169); err != nil {
		t.Fatalf("forceFill failed: %v", err)
	}

	cancelled, err := f.engine.CancelOrder(context.Background(), 1, result.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if cancelled.Success || cancelled.ErrorCode != string(errorsx.CodeConflict) {
		t.Fatalf("expected CONFLICT on cancelling a filled order, got %+v", cancelled)
	}
}

func TestCancelOrderWrongUser(t *testing.T) {
	f := newEngineFixture(10000)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:     1,
		Symbol:     "AAPL",
		Side:       "BUY",
		OrderType:  "LIMIT",
		Quantity:   10,
		LimitPrice: 170,
	})
	if err != nil || !result.Success {
		t.Fatalf("setup order failed: %v / %+v", err, result)
	}

	cancelled, err := f.engine.CancelOrder(context.Background(), 2, result.OrderID)
	if err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	if cancelled.Success {
		t.Fatal("another user must not cancel the order")
	}
}

func TestExecuteOrderPriceUnavailable(t *testing.T) {
	f := newEngineFixture(10000)
	f.quotes.setErr(errFeedDown)

	result, err := f.engine.ExecuteOrder(context.Background(), &OrderRequest{
		UserID:    1,
		Symbol:    "AAPL",
		Side:      "BUY",
		OrderType: "MARKET",
		Quantity:  10,
	})
	if err != nil {
		t.Fatalf("ExecuteOrder failed: %v", err)
	}
	if result.Success || result.ErrorCode != string(errorsx.CodePriceUnavailable) {
		t.Fatalf("expected PRICE_UNAVAILABLE, got %+v", result)
	}
}
