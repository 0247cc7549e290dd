package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a trade.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side.
func (d Direction) Opposite() Direction {
	if d == DirectionShort {
		return DirectionLong
	}
	return DirectionShort
}

// IsValid reports whether d is a known direction.
func (d Direction) IsValid() bool {
	return d == DirectionLong || d == DirectionShort
}

// SetupType is the category of a detected technical setup.
type SetupType string

const (
	SetupBreakoutLong  SetupType = "breakout_long"
	SetupBreakoutShort SetupType = "breakout_short"
	SetupPullbackLong  SetupType = "pullback_long"
	SetupPullbackShort SetupType = "pullback_short"
	SetupReversalLong  SetupType = "reversal_long"
	SetupReversalShort SetupType = "reversal_short"
	SetupMomentumLong  SetupType = "momentum_long"
	SetupMomentumShort SetupType = "momentum_short"
)

// SetupDirections maps every setup type to the direction it implies.
var SetupDirections = map[SetupType]Direction{
	SetupBreakoutLong:  DirectionLong,
	SetupPullbackLong:  DirectionLong,
	SetupReversalLong:  DirectionLong,
	SetupMomentumLong:  DirectionLong,
	SetupBreakoutShort: DirectionShort,
	SetupPullbackShort: DirectionShort,
	SetupReversalShort: DirectionShort,
	SetupMomentumShort: DirectionShort,
}

// Direction returns the implied trade direction, or "" for an unknown type.
func (s SetupType) Direction() Direction {
	return SetupDirections[s]
}

// TechnicalSetup is a trade opportunity produced by an external detector.
type TechnicalSetup struct {
	Symbol      string            `json:"symbol"`
	SetupType   SetupType         `json:"setup_type"`
	Confidence  decimal.Decimal   `json:"confidence"`
	EntryPrice  decimal.Decimal   `json:"entry_price"`
	StopLoss    decimal.Decimal   `json:"stop_loss"`
	TakeProfits []decimal.Decimal `json:"take_profits"`
	Timeframe   string            `json:"timeframe"`
	DetectedAt  time.Time         `json:"detected_at"`
}

// Direction returns the direction implied by the setup type.
func (s *TechnicalSetup) Direction() Direction {
	return s.SetupType.Direction()
}

// Validate checks structural consistency of the setup and returns the
// list of problems found. An empty slice means the setup is well formed.
func (s *TechnicalSetup) Validate() []string {
	var problems []string
	zero := decimal.Zero
	one := decimal.NewFromInt(1)

	if s.Symbol == "" {
		problems = append(problems, "setup has no symbol")
	}
	dir := s.Direction()
	if dir == "" {
		problems = append(problems, "unknown setup type "+string(s.SetupType))
	}
	if s.Confidence.LessThan(zero) || s.Confidence.GreaterThan(one) {
		problems = append(problems, "setup confidence outside [0,1]")
	}
	if !s.EntryPrice.IsPositive() {
		problems = append(problems, "entry price must be positive")
		return problems
	}
	if s.StopLoss.IsPositive() {
		if dir == DirectionLong && s.StopLoss.GreaterThanOrEqual(s.EntryPrice) {
			problems = append(problems, "stop loss must be below entry for long setups")
		}
		if dir == DirectionShort && s.StopLoss.LessThanOrEqual(s.EntryPrice) {
			problems = append(problems, "stop loss must be above entry for short setups")
		}
	}
	for _, tp := range s.TakeProfits {
		if dir == DirectionLong && tp.LessThanOrEqual(s.EntryPrice) {
			problems = append(problems, "take profit must be above entry for long setups")
			break
		}
		if dir == DirectionShort && tp.GreaterThanOrEqual(s.EntryPrice) {
			problems = append(problems, "take profit must be below entry for short setups")
			break
		}
	}
	return problems
}
