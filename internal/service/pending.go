package service

import (
	"context"
	"errors"

	"github.com/brokerage/portfolio-engine/internal/repository"
	errorsx "github.com/brokerage/portfolio-engine/pkg/errors"
)

// EvaluatePendingOrder checks one pending order against the current quote
// and fills it when its condition is met. Returns true when the order left
// pending (filled or rejected) this evaluation.
//
// Fill price is the observed quote, not the trigger price: a sell limit at
// 200 observed at 201 fills at 201.
func (e *Engine) EvaluatePendingOrder(ctx context.Context, order *repository.Order) (bool, error) {
	quote, err := e.quotes.GetQuote(ctx, order.Symbol)
	if err != nil {
		// Quote outage leaves the order pending for the next cycle.
		return false, errorsx.Newf(errorsx.CodePriceUnavailable, "quote %s: %v", order.Symbol, err)
	}
	price := quote.Price
	nowMs := e.now().UnixMilli()

	orderType := order.Type
	if orderType == repository.TypeTrailingStop {
		if ratchet, ok := ratchetedStop(order, price); ok {
			if err := e.orders.UpdateTrailingStop(ctx, order.OrderID, ratchet, nowMs); err != nil {
				if errors.Is(err, repository.ErrStatusConflict) {
					return false, nil
				}
				return false, err
			}
			order.StopPrice = ratchet
		}
	}

	if orderType == repository.TypeStopLimit && order.StopPrice > 0 {
		if !stopTriggered(order.Side, order.StopPrice, price) {
			return false, nil
		}
		if err := e.orders.SetStopConverted(ctx, order.OrderID, nowMs); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return false, nil
			}
			return false, err
		}
		order.StopPrice = 0
		// The row now carries limit semantics; fall through to evaluate it.
	}

	if !triggered(order, price) {
		return false, nil
	}

	return e.fillPendingOrder(ctx, order, price)
}

// fillPendingOrder settles a triggered order at the observed price. The
// status transition pending→filled and every ledger write commit in one
// settlement transaction: a crash mid-settle rolls everything back and the
// order comes up pending again on the next cycle. Losing the claim race (a
// concurrent cancel or another monitor worker) is not an error.
func (e *Engine) fillPendingOrder(ctx context.Context, order *repository.Order, price float64) (bool, error) {
	nowMs := e.now().UnixMilli()
	total := round2(order.Quantity * price)

	filled := *order
	filled.Status = repository.StatusFilled
	filled.FilledQty = order.Quantity
	filled.AvgFillPrice = price
	filled.UpdateTimeMs = nowMs

	trade := &repository.Trade{
		TradeID:      e.idGen.NextID(),
		OrderID:      order.OrderID,
		UserID:       order.UserID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		Shares:       order.Quantity,
		Price:        price,
		TotalAmount:  total,
		Fractional:   order.Fractional,
		ExecutedAtMs: nowMs,
	}

	unlock := e.lockForSide(order.UserID, order.Symbol, order.Side)
	err := e.settler.SettlePendingFill(ctx, &repository.Fill{
		Order:     &filled,
		Trade:     trade,
		Currency:  e.currency,
		CashDelta: cashDelta(order.Side, total),
	})
	unlock()

	if errors.Is(err, repository.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		if typed := refusalFor(err); typed != nil {
			// Permanent refusal: the funds or shares available at placement
			// are gone. The order terminates rejected.
			if rerr := e.orders.MarkRejected(ctx, order.OrderID, string(typed.Code), e.now().UnixMilli()); rerr != nil {
				e.log.WithError(rerr).WithField("orderId", order.OrderID).Error("mark triggered order rejected")
			}
			e.metrics.IncOrderRejected(string(typed.Code))
			order.Status = repository.StatusRejected
			order.RejectReason = string(typed.Code)
			e.publishOrder(ctx, order, "rejected")
			return true, nil
		}
		// Transient failure: the transaction rolled back, the order is
		// still pending, the next cycle retries.
		return false, err
	}

	order.Status = repository.StatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = price
	e.metrics.IncTriggerFill(order.Symbol, repository.TypeString(order.Type))
	e.metrics.IncOrderFilled(order.Symbol, repository.SideString(order.Side))
	e.publishOrder(ctx, order, "filled")
	e.publishTrade(ctx, trade)
	return true, nil
}

// triggered reports whether the observed price satisfies the order's
// condition. Stop-limit orders reach here only after their stop leg fired.
func triggered(order *repository.Order, price float64) bool {
	switch order.Type {
	case repository.TypeLimit:
		return limitTriggered(order.Side, order.LimitPrice, price)
	case repository.TypeStopLimit:
		return limitTriggered(order.Side, order.LimitPrice, price)
	case repository.TypeStop, repository.TypeTrailingStop:
		return stopTriggered(order.Side, order.StopPrice, price)
	default:
		return false
	}
}

// limitTriggered: a buy fills at or below its limit, a sell at or above.
func limitTriggered(side int, limitPrice, price float64) bool {
	if side == repository.SideBuy {
		return price <= limitPrice
	}
	return price >= limitPrice
}

// stopTriggered: a sell stop fires when the price falls to the stop, a buy
// stop when it rises to it.
func stopTriggered(side int, stopPrice, price float64) bool {
	if side == repository.SideBuy {
		return price >= stopPrice
	}
	return price <= stopPrice
}

// ratchetedStop moves a trailing stop in the order's favor only. A sell
// stop follows the price up; a buy stop follows it down.
func ratchetedStop(order *repository.Order, price float64) (float64, bool) {
	frac := order.TrailingPct / 100
	if order.Side == repository.SideSell {
		candidate := price * (1 - frac)
		if candidate > order.StopPrice {
			return candidate, true
		}
		return 0, false
	}
	candidate := price * (1 + frac)
	if candidate < order.StopPrice {
		return candidate, true
	}
	return 0, false
}
