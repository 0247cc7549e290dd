package ccxt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// PriceSource resolves the last traded price of a symbol on one exchange.
type PriceSource struct {
	client   *Client
	exchange string
}

// NewPriceSource creates a price source bound to exchange.
func NewPriceSource(client *Client, exchange string) *PriceSource {
	return &PriceSource{client: client, exchange: exchange}
}

// CurrentPrice returns the ticker's last price, falling back to close.
func (p *PriceSource) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := p.client.GetTicker(ctx, p.exchange, symbol)
	if err != nil {
		return decimal.Zero, wrapLookup(symbol, err)
	}

	price := resp.Ticker.Last
	if !price.IsPositive() {
		price = resp.Ticker.Close
	}
	if !price.IsPositive() {
		return decimal.Zero, utils.DataUnavailablef("no price for %s on %s", symbol, p.exchange)
	}
	return price, nil
}

// MarketData serves OHLCV history from one exchange.
type MarketData struct {
	client   *Client
	exchange string
}

// NewMarketData creates a candle source bound to exchange.
func NewMarketData(client *Client, exchange string) *MarketData {
	return &MarketData{client: client, exchange: exchange}
}

// Candles returns up to limit bars, oldest first.
func (m *MarketData) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	resp, err := m.client.GetOHLCV(ctx, m.exchange, symbol, timeframe, limit)
	if err != nil {
		return nil, wrapLookup(symbol, err)
	}

	candles := make([]models.Candle, 0, len(resp.OHLCV))
	for _, bar := range resp.OHLCV {
		candles = append(candles, models.Candle{
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	return candles, nil
}

// wrapLookup maps a 404 from the sidecar to ErrDataUnavailable; anything
// else is an external service failure.
func wrapLookup(symbol string, err error) error {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) && svcErr.StatusCode == http.StatusNotFound {
		return utils.DataUnavailablef("%s: %s", symbol, svcErr.Message)
	}
	return fmt.Errorf("ccxt lookup for %s: %w: %w", symbol, utils.ErrExternalService, err)
}
