package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Regime is the macro market classification.
type Regime string

const (
	RegimeBull  Regime = "bull"
	RegimeBear  Regime = "bear"
	RegimeRange Regime = "range"
)

// StrategyMode controls which trade directions are permitted.
type StrategyMode string

const (
	ModeBullOnly StrategyMode = "bull_only"
	ModeBearOnly StrategyMode = "bear_only"
	ModeDual     StrategyMode = "dual_mode"
	ModeDisabled StrategyMode = "disabled"
)

// IsValid reports whether m is a known mode.
func (m StrategyMode) IsValid() bool {
	_, ok := DisabledDirectionsForMode[m]
	return ok
}

// ModeForRegime maps a regime to its strategy mode. ModeDisabled is only
// reachable through a manual override.
var ModeForRegime = map[Regime]StrategyMode{
	RegimeBull:  ModeBullOnly,
	RegimeBear:  ModeBearOnly,
	RegimeRange: ModeDual,
}

// DisabledDirectionsForMode lists the directions each mode forbids.
var DisabledDirectionsForMode = map[StrategyMode][]Direction{
	ModeBullOnly: {DirectionShort},
	ModeBearOnly: {DirectionLong},
	ModeDual:     {},
	ModeDisabled: {DirectionLong, DirectionShort},
}

// DisabledDirections returns a fresh copy of the directions mode forbids.
func DisabledDirections(mode StrategyMode) []Direction {
	src := DisabledDirectionsForMode[mode]
	out := make([]Direction, len(src))
	copy(out, src)
	return out
}

// RegimeAnalysis is a periodic snapshot from the external regime analyzer.
type RegimeAnalysis struct {
	Regime         Regime          `json:"regime"`
	Confidence     decimal.Decimal `json:"confidence"`
	TrendStrength  decimal.Decimal `json:"trend_strength"`
	Volatility     decimal.Decimal `json:"volatility"`
	MomentumScore  decimal.Decimal `json:"momentum_score"`
	ReferenceAsset string          `json:"reference_asset,omitempty"`
	AnalyzedAt     time.Time       `json:"analyzed_at"`
}

// StrategyState is the current output of the regime state machine.
type StrategyState struct {
	Mode               StrategyMode    `json:"mode"`
	Regime             Regime          `json:"regime"`
	Confidence         decimal.Decimal `json:"confidence"`
	RegimeDuration     int             `json:"regime_duration"`
	DisabledDirections []Direction     `json:"disabled_directions"`
	Manual             bool            `json:"manual"`
	Reason             string          `json:"reason,omitempty"`
	LastUpdate         time.Time       `json:"last_update"`
}

// IsDirectionAllowed reports whether dir is outside the disabled set.
func (s *StrategyState) IsDirectionAllowed(dir Direction) bool {
	for _, d := range s.DisabledDirections {
		if d == dir {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (s *StrategyState) Clone() *StrategyState {
	if s == nil {
		return nil
	}
	out := *s
	out.DisabledDirections = append([]Direction(nil), s.DisabledDirections...)
	return &out
}

// RegimeChangeEvent is published to subscribers when the mode changes.
type RegimeChangeEvent struct {
	ID         string          `json:"id"`
	FromRegime Regime          `json:"from_regime"`
	ToRegime   Regime          `json:"to_regime"`
	FromMode   StrategyMode    `json:"from_mode"`
	ToMode     StrategyMode    `json:"to_mode"`
	Confidence decimal.Decimal `json:"confidence"`
	Manual     bool            `json:"manual"`
	Reason     string          `json:"reason"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RegimeHistoryEntry is one reading kept in the hysteresis window.
type RegimeHistoryEntry struct {
	Regime     Regime          `json:"regime"`
	Confidence decimal.Decimal `json:"confidence"`
	RecordedAt time.Time       `json:"recorded_at"`
}
