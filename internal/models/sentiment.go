package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SentimentCategory is the polarity reported by a sentiment provider.
type SentimentCategory string

const (
	SentimentPositive SentimentCategory = "positive"
	SentimentNeutral  SentimentCategory = "neutral"
	SentimentNegative SentimentCategory = "negative"
)

// SentimentResult is the output of a sentiment provider for one symbol.
type SentimentResult struct {
	Symbol     string            `json:"symbol"`
	Sentiment  SentimentCategory `json:"sentiment"`
	Confidence decimal.Decimal   `json:"confidence"`
	Source     string            `json:"source,omitempty"`
	AnalyzedAt time.Time         `json:"analyzed_at"`
}

// SentimentSourceDefault marks a substituted neutral result.
const SentimentSourceDefault = "default"

// NeutralSentiment is substituted when a provider fails.
func NeutralSentiment(symbol string) *SentimentResult {
	return &SentimentResult{
		Symbol:     symbol,
		Sentiment:  SentimentNeutral,
		Confidence: decimal.NewFromFloat(0.5),
		Source:     SentimentSourceDefault,
		AnalyzedAt: time.Now(),
	}
}

// IsDefault reports whether the result is a substitute rather than provider output.
func (s *SentimentResult) IsDefault() bool {
	return s == nil || s.Source == SentimentSourceDefault
}

// Alignment returns +1 when the sentiment supports dir, -1 when it opposes
// it and 0 when neutral.
func (s *SentimentResult) Alignment(dir Direction) int {
	switch {
	case s.Sentiment == SentimentPositive && dir == DirectionLong,
		s.Sentiment == SentimentNegative && dir == DirectionShort:
		return 1
	case s.Sentiment == SentimentPositive && dir == DirectionShort,
		s.Sentiment == SentimentNegative && dir == DirectionLong:
		return -1
	default:
		return 0
	}
}

// EventSeverity grades a market event.
type EventSeverity string

const (
	SeverityLow      EventSeverity = "low"
	SeverityMedium   EventSeverity = "medium"
	SeverityHigh     EventSeverity = "high"
	SeverityCritical EventSeverity = "critical"
)

// SeverityWeights is the weight each severity contributes to the event score.
var SeverityWeights = map[EventSeverity]decimal.Decimal{
	SeverityLow:      decimal.NewFromFloat(0.25),
	SeverityMedium:   decimal.NewFromFloat(0.5),
	SeverityHigh:     decimal.NewFromFloat(0.75),
	SeverityCritical: decimal.NewFromFloat(1.0),
}

// ImpactDirection is the expected price effect of an event.
type ImpactDirection string

const (
	ImpactBullish ImpactDirection = "bullish"
	ImpactBearish ImpactDirection = "bearish"
	ImpactNeutral ImpactDirection = "neutral"
)

// MarketEvent is a news or on-chain event detected for a symbol.
type MarketEvent struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Category   string          `json:"category"`
	Title      string          `json:"title,omitempty"`
	Severity   EventSeverity   `json:"severity"`
	Confidence decimal.Decimal `json:"confidence"`
	Impact     ImpactDirection `json:"impact"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Alignment returns +1 when the event supports dir, -1 when it opposes it
// and 0 when neutral.
func (e *MarketEvent) Alignment(dir Direction) int {
	switch {
	case e.Impact == ImpactBullish && dir == DirectionLong,
		e.Impact == ImpactBearish && dir == DirectionShort:
		return 1
	case e.Impact == ImpactBullish && dir == DirectionShort,
		e.Impact == ImpactBearish && dir == DirectionLong:
		return -1
	default:
		return 0
	}
}
