package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brokerage/portfolio-engine/internal/metrics"
)

// HTTPSource fetches prices from the market-data service over HTTP.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	metrics *metrics.Metrics
}

// NewHTTPSource points at the market-data base URL. m may be nil.
func NewHTTPSource(baseURL string, m *metrics.Metrics) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		metrics: m,
	}
}

// GetQuote fetches the last-traded quote for one symbol.
func (s *HTTPSource) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	endpoint := s.baseURL + "/v1/quote?symbol=" + url.QueryEscape(symbol)

	var quote Quote
	if err := s.getJSON(ctx, endpoint, "quote", &quote); err != nil {
		return nil, err
	}
	quote.Symbol = symbol
	return &quote, nil
}

// GetHistoricalCloses fetches up to days of daily candles, oldest first.
func (s *HTTPSource) GetHistoricalCloses(ctx context.Context, symbol string, days int) ([]Candle, error) {
	endpoint := s.baseURL + "/v1/history?symbol=" + url.QueryEscape(symbol) +
		"&days=" + strconv.Itoa(days)

	var candles []Candle
	if err := s.getJSON(ctx, endpoint, "history", &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, endpoint, op string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.IncOracleError(op)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUnknownSymbol
	case resp.StatusCode != http.StatusOK:
		s.metrics.IncOracleError(op)
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, op, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		s.metrics.IncOracleError(op)
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, op, err)
	}
	return nil
}
