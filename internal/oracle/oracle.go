// Package oracle defines the price feed consumed by the engine.
package oracle

import (
	"context"
	"errors"
)

// ErrUnavailable signals a feed outage. It is distinct from a quote with a
// zero price: the monitor skips the symbol for the cycle on outage but
// treats a zero price as data.
var ErrUnavailable = errors.New("price oracle unavailable")

// ErrUnknownSymbol signals a symbol the feed does not track.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Quote is the last-traded state of one symbol.
type Quote struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	ChangePct   float64 `json:"changePct"`
	Volume      int64   `json:"volume"`
	TimestampMs int64   `json:"timestampMs"`
}

// Candle is one day of OHLCV history.
type Candle struct {
	TimestampMs int64   `json:"timestampMs"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
}

// Source supplies prices. Implementations must return ErrUnavailable for
// outages and bound their own network timeouts.
type Source interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]Candle, error)
}

// DailyReturns converts a close series into simple daily returns.
func DailyReturns(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (candles[i].Close-prev)/prev)
	}
	return returns
}
