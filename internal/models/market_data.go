package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar from the market-data sidecar
type Candle struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// TrendDirection is the higher-timeframe trend used for alignment scoring
type TrendDirection string

const (
	TrendUp      TrendDirection = "up"
	TrendDown    TrendDirection = "down"
	TrendUnknown TrendDirection = "unknown"
)

// MarketContext carries the volume and higher-timeframe inputs of the
// fusion score. A nil VolumeRatio means volume history was unavailable.
type MarketContext struct {
	VolumeRatio     *decimal.Decimal `json:"volume_ratio,omitempty"`
	HigherTimeframe string           `json:"higher_timeframe,omitempty"`
	Trend           TrendDirection   `json:"trend"`
}

// Agrees reports whether the trend points the same way as dir.
func (t TrendDirection) Agrees(dir Direction) bool {
	return (t == TrendUp && dir == DirectionLong) || (t == TrendDown && dir == DirectionShort)
}

// Opposes reports whether the trend points against dir.
func (t TrendDirection) Opposes(dir Direction) bool {
	return (t == TrendUp && dir == DirectionShort) || (t == TrendDown && dir == DirectionLong)
}
