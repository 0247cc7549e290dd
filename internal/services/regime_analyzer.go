package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// TrendRegimeAnalyzer classifies the market from the fast/slow EMA spread
// of a reference asset. It is the built-in RegimeAnalyzer used when no
// external analyzer is wired.
type TrendRegimeAnalyzer struct {
	data      MarketDataProvider
	symbol    string
	timeframe string
	fast      int
	slow      int
	band      float64
	logger    *logrus.Logger
	now       func() time.Time
}

// NewTrendRegimeAnalyzer creates an analyzer over the configured reference symbol.
func NewTrendRegimeAnalyzer(cfg config.RegimeConfig, data MarketDataProvider, logger *logrus.Logger) *TrendRegimeAnalyzer {
	a := &TrendRegimeAnalyzer{
		data:      data,
		symbol:    cfg.ReferenceSymbol,
		timeframe: cfg.AnalysisTimeframe,
		fast:      cfg.TrendFastPeriod,
		slow:      cfg.TrendSlowPeriod,
		band:      cfg.RangeBand,
		logger:    logger,
		now:       time.Now,
	}
	if a.symbol == "" {
		a.symbol = "BTC/USDT"
	}
	if a.timeframe == "" {
		a.timeframe = "1d"
	}
	if a.fast <= 0 {
		a.fast = 20
	}
	if a.slow <= a.fast {
		a.slow = a.fast * 2
	}
	if a.band <= 0 {
		a.band = 0.01
	}
	return a
}

// Analyze fetches recent candles and returns a regime snapshot.
func (a *TrendRegimeAnalyzer) Analyze(ctx context.Context) (*models.RegimeAnalysis, error) {
	if a.data == nil {
		return nil, fmt.Errorf("no market data for regime analysis: %w", utils.ErrExternalService)
	}
	candles, err := a.data.Candles(ctx, a.symbol, a.timeframe, a.slow*2)
	if err != nil {
		return nil, fmt.Errorf("fetch %s candles for regime analysis: %w", a.symbol, err)
	}
	analysis, err := a.classify(candles)
	if err != nil {
		return nil, err
	}

	a.logger.WithFields(logrus.Fields{
		"component":  "regime_analyzer",
		"symbol":     a.symbol,
		"regime":     analysis.Regime,
		"confidence": analysis.Confidence.StringFixed(3),
	}).Debug("Regime analyzed")
	return analysis, nil
}

func (a *TrendRegimeAnalyzer) classify(candles []models.Candle) (*models.RegimeAnalysis, error) {
	if len(candles) < a.slow+1 {
		return nil, utils.DataUnavailablef("need %d candles for regime analysis, have %d", a.slow+1, len(candles))
	}

	closes := closePrices(candles)
	fast, okFast := lastEMA(closes, a.fast)
	slow, okSlow := lastEMA(closes, a.slow)
	if !okFast || !okSlow || slow <= 0 {
		return nil, utils.DataUnavailablef("moving averages unavailable for %s", a.symbol)
	}

	spread := (fast - slow) / slow
	strength := math.Abs(spread)

	regime := models.RegimeRange
	var confidence float64
	switch {
	case spread > a.band:
		regime = models.RegimeBull
	case spread < -a.band:
		regime = models.RegimeBear
	}
	if regime == models.RegimeRange {
		confidence = 0.6 + 0.4*(1-strength/a.band)
	} else {
		confidence = math.Min(1, 0.6+0.4*(strength-a.band)/a.band)
	}

	first, last := closes[0], closes[len(closes)-1]
	momentum := 0.0
	if first > 0 {
		momentum = (last - first) / first
	}
	volatility := 0.0
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			volatility += math.Abs(closes[i]/closes[i-1] - 1)
		}
	}
	volatility /= float64(len(closes) - 1)

	return &models.RegimeAnalysis{
		Regime:         regime,
		Confidence:     clampUnit(decimal.NewFromFloat(confidence)),
		TrendStrength:  clampUnit(decimal.NewFromFloat(strength)),
		Volatility:     decimal.NewFromFloat(volatility),
		MomentumScore:  decimal.NewFromFloat(momentum),
		ReferenceAsset: a.symbol,
		AnalyzedAt:     a.now(),
	}, nil
}
