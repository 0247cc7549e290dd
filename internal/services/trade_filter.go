package services

import (
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// TradeFilter drops signals whose direction the current strategy mode disables.
type TradeFilter struct {
	policy DirectionPolicy
	logger *logrus.Logger
}

// NewTradeFilter creates a filter backed by policy, normally the regime state machine.
func NewTradeFilter(policy DirectionPolicy, logger *logrus.Logger) *TradeFilter {
	return &TradeFilter{policy: policy, logger: logger}
}

// Allowed reports whether direction may be traded right now.
func (f *TradeFilter) Allowed(direction models.Direction) bool {
	if f.policy == nil {
		return false
	}
	return f.policy.IsDirectionAllowed(direction)
}

// Filter returns the signals whose direction is allowed, preserving order.
func (f *TradeFilter) Filter(signals []*models.TradingSignal) []*models.TradingSignal {
	kept := make([]*models.TradingSignal, 0, len(signals))
	for _, s := range signals {
		if s != nil && f.Allowed(s.Direction) {
			kept = append(kept, s)
		}
	}

	if removed := len(signals) - len(kept); removed > 0 {
		f.logger.WithFields(logrus.Fields{
			"component": "trade_filter",
			"removed":   removed,
			"kept":      len(kept),
		}).Info("Filtered signals disallowed by strategy mode")
	}
	return kept
}
