package services

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// TechnicalSetupProvider detects trade setups. A nil setup with a nil error
// means nothing was found for the symbol.
type TechnicalSetupProvider interface {
	DetectSetup(ctx context.Context, symbol, timeframe string) (*models.TechnicalSetup, error)
}

// SentimentProvider scores news and social sentiment for a symbol.
type SentimentProvider interface {
	Analyze(ctx context.Context, symbol string) (*models.SentimentResult, error)
}

// EventProvider returns market events detected within the last hours.
type EventProvider interface {
	GetRecentEvents(ctx context.Context, symbol string, hours int) ([]models.MarketEvent, error)
}

// PriceSource resolves the latest traded price. Implementations return an
// error wrapping utils.ErrDataUnavailable when no price is known.
type PriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// MarketDataProvider returns OHLCV history, oldest bar first.
type MarketDataProvider interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error)
}

// RegimeAnalyzer produces a market regime snapshot.
type RegimeAnalyzer interface {
	Analyze(ctx context.Context) (*models.RegimeAnalysis, error)
}

// PositionStore persists positions and trades.
type PositionStore interface {
	SavePosition(ctx context.Context, position *models.Position) error
	SaveTrade(ctx context.Context, trade *models.Trade) error
	LoadOpenPositions(ctx context.Context) ([]*models.Position, error)
}

// LedgerStore persists the scalar ledger state.
type LedgerStore interface {
	SaveLedger(ctx context.Context, snapshot *models.LedgerSnapshot) error
	LoadLedger(ctx context.Context) (*models.LedgerSnapshot, error)
}

// StrategyStateStore persists the regime state machine.
type StrategyStateStore interface {
	SaveStrategyState(ctx context.Context, state *models.StrategyState) error
	LoadStrategyState(ctx context.Context) (*models.StrategyState, error)
	AppendRegimeHistory(ctx context.Context, entry models.RegimeHistoryEntry) error
	LoadRegimeHistory(ctx context.Context, limit int) ([]models.RegimeHistoryEntry, error)
}

// DirectionPolicy answers whether a trade direction is currently permitted.
type DirectionPolicy interface {
	IsDirectionAllowed(direction models.Direction) bool
}

// SignalStore is the per-symbol signal cache used by the scanner and API.
type SignalStore interface {
	Get(ctx context.Context, symbol string) (*models.TradingSignal, error)
	Put(ctx context.Context, signal *models.TradingSignal) error
	Active(ctx context.Context) ([]models.TradingSignal, error)
}

// HaltList reports symbols that must not be traded.
type HaltList interface {
	IsBlacklisted(ctx context.Context, symbol string) (bool, string)
}
