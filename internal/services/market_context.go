package services

import (
	"context"

	"github.com/cinar/indicator/v2/helper"
	"github.com/cinar/indicator/v2/trend"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// MarketContextConfig sets the lookbacks for the volume and trend inputs.
type MarketContextConfig struct {
	VolumeLookback  int
	HigherTimeframe string
	FastPeriod      int
	SlowPeriod      int
}

// MarketContextService derives the volume ratio and higher-timeframe trend
// that feed the volume and timeframe-alignment sub-scores.
type MarketContextService struct {
	data   MarketDataProvider
	config MarketContextConfig
	logger *logrus.Logger
}

// NewMarketContextService creates a market context service. A nil data
// provider yields an empty context, which scores as missing data.
func NewMarketContextService(data MarketDataProvider, config MarketContextConfig, logger *logrus.Logger) *MarketContextService {
	if config.VolumeLookback <= 0 {
		config.VolumeLookback = 20
	}
	if config.HigherTimeframe == "" {
		config.HigherTimeframe = "4h"
	}
	if config.FastPeriod <= 0 {
		config.FastPeriod = 20
	}
	if config.SlowPeriod <= config.FastPeriod {
		config.SlowPeriod = config.FastPeriod * 2
	}
	return &MarketContextService{data: data, config: config, logger: logger}
}

// Build fetches candles for both timeframes. Failures degrade to missing
// fields rather than an error.
func (s *MarketContextService) Build(ctx context.Context, symbol, timeframe string) models.MarketContext {
	mc := models.MarketContext{HigherTimeframe: s.config.HigherTimeframe, Trend: models.TrendUnknown}
	if s.data == nil {
		return mc
	}

	if candles, err := s.data.Candles(ctx, symbol, timeframe, s.config.VolumeLookback+1); err != nil {
		s.logDegraded(symbol, timeframe, err)
	} else if ratio, err := VolumeRatio(candles, s.config.VolumeLookback); err != nil {
		s.logDegraded(symbol, timeframe, err)
	} else {
		mc.VolumeRatio = &ratio
	}

	if candles, err := s.data.Candles(ctx, symbol, s.config.HigherTimeframe, s.config.SlowPeriod+1); err != nil {
		s.logDegraded(symbol, s.config.HigherTimeframe, err)
	} else {
		mc.Trend = TrendFromCandles(candles, s.config.FastPeriod, s.config.SlowPeriod)
	}
	return mc
}

func (s *MarketContextService) logDegraded(symbol, timeframe string, err error) {
	s.logger.WithFields(logrus.Fields{
		"component": "market_context",
		"symbol":    symbol,
		"timeframe": timeframe,
	}).WithError(err).Debug("Market context input unavailable")
}

// VolumeRatio divides the latest bar's volume by the simple moving average
// of the lookback bars before it.
func VolumeRatio(candles []models.Candle, lookback int) (decimal.Decimal, error) {
	if lookback <= 0 || len(candles) < lookback+1 {
		return decimal.Zero, utils.DataUnavailablef("need %d candles for volume ratio, have %d", lookback+1, len(candles))
	}

	history := candles[len(candles)-lookback-1 : len(candles)-1]
	volumes := make([]float64, len(history))
	for i, c := range history {
		volumes[i] = c.Volume.InexactFloat64()
	}

	sma := trend.NewSmaWithPeriod[float64](lookback)
	result := helper.ChanToSlice(sma.Compute(helper.SliceToChan(volumes)))
	if len(result) == 0 || result[len(result)-1] <= 0 {
		return decimal.Zero, utils.DataUnavailablef("volume average is zero")
	}

	avg := decimal.NewFromFloat(result[len(result)-1])
	latest := candles[len(candles)-1].Volume
	return latest.Div(avg), nil
}

// TrendFromCandles compares a fast and slow EMA of closes. It returns
// TrendUnknown when there are not enough bars or the averages are equal.
func TrendFromCandles(candles []models.Candle, fast, slow int) models.TrendDirection {
	if fast <= 0 || slow <= fast || len(candles) < slow {
		return models.TrendUnknown
	}

	closes := closePrices(candles)
	f, okFast := lastEMA(closes, fast)
	s, okSlow := lastEMA(closes, slow)
	if !okFast || !okSlow {
		return models.TrendUnknown
	}

	switch {
	case f > s:
		return models.TrendUp
	case f < s:
		return models.TrendDown
	default:
		return models.TrendUnknown
	}
}

func closePrices(candles []models.Candle) []float64 {
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close.InexactFloat64()
	}
	return closes
}

// lastEMA returns the final value of the EMA of values over period.
func lastEMA(values []float64, period int) (float64, bool) {
	out := helper.ChanToSlice(trend.NewEmaWithPeriod[float64](period).Compute(helper.SliceToChan(values)))
	if len(out) == 0 {
		return 0, false
	}
	return out[len(out)-1], true
}
