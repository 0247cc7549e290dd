package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FusionScore holds the sub-scores and the weighted result of signal fusion.
// Every field lies in [0,1].
type FusionScore struct {
	TechnicalScore          decimal.Decimal `json:"technical_score"`
	SentimentScore          decimal.Decimal `json:"sentiment_score"`
	EventScore              decimal.Decimal `json:"event_score"`
	VolumeScore             decimal.Decimal `json:"volume_score"`
	TimeframeAlignmentScore decimal.Decimal `json:"timeframe_alignment_score"`
	OverallScore            decimal.Decimal `json:"overall_score"`
	Confidence              decimal.Decimal `json:"confidence"`
}

// SignalStrength buckets the overall score.
type SignalStrength string

const (
	SignalStrengthWeak       SignalStrength = "weak"
	SignalStrengthModerate   SignalStrength = "moderate"
	SignalStrengthStrong     SignalStrength = "strong"
	SignalStrengthVeryStrong SignalStrength = "very_strong"
)

// SignalCandidate is a setup under evaluation. It is mutable until the
// fusion scorer finalizes it into a TradingSignal.
type SignalCandidate struct {
	Setup            TechnicalSetup   `json:"setup"`
	Sentiment        *SentimentResult `json:"sentiment,omitempty"`
	Events           []MarketEvent    `json:"events"`
	Market           MarketContext    `json:"market"`
	Score            FusionScore      `json:"score"`
	RejectionReasons []string         `json:"rejection_reasons"`
	EvaluatedAt      time.Time        `json:"evaluated_at"`
}

// Reject records a rejection reason.
func (c *SignalCandidate) Reject(reason string) {
	c.RejectionReasons = append(c.RejectionReasons, reason)
}

// IsRejected reports whether any gating rule failed.
func (c *SignalCandidate) IsRejected() bool {
	return len(c.RejectionReasons) > 0
}

// Direction returns the setup's implied direction.
func (c *SignalCandidate) Direction() Direction {
	return c.Setup.Direction()
}

// TradingSignal is an accepted, immutable trading decision.
type TradingSignal struct {
	ID           string            `json:"id"`
	Symbol       string            `json:"symbol"`
	Direction    Direction         `json:"direction"`
	SetupType    SetupType         `json:"setup_type"`
	Timeframe    string            `json:"timeframe"`
	EntryPrice   decimal.Decimal   `json:"entry_price"`
	StopLoss     decimal.Decimal   `json:"stop_loss"`
	TakeProfits  []decimal.Decimal `json:"take_profits"`
	Score        FusionScore       `json:"score"`
	Confidence   decimal.Decimal   `json:"confidence"`
	Strength     SignalStrength    `json:"strength"`
	EventCount   int               `json:"event_count"`
	HasSentiment bool              `json:"has_sentiment"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// IsExpired reports whether the signal is past its expiry at now.
func (s *TradingSignal) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
