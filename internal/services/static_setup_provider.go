package services

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// StaticSetupProvider serves setups that were pushed in by an operator or an
// upstream detector through the API. Each symbol holds at most one setup.
type StaticSetupProvider struct {
	mu     sync.RWMutex
	setups map[string]models.TechnicalSetup
}

// NewStaticSetupProvider creates an empty provider.
func NewStaticSetupProvider() *StaticSetupProvider {
	return &StaticSetupProvider{setups: make(map[string]models.TechnicalSetup)}
}

// Set validates and stores a setup, replacing any previous one for the symbol.
func (p *StaticSetupProvider) Set(setup models.TechnicalSetup) error {
	if problems := setup.Validate(); len(problems) > 0 {
		return utils.NewValidationErrorf("invalid setup for %s: %v", setup.Symbol, problems)
	}
	setup.TakeProfits = append([]decimal.Decimal(nil), setup.TakeProfits...)

	p.mu.Lock()
	p.setups[setup.Symbol] = setup
	p.mu.Unlock()
	return nil
}

// Clear removes the setup for symbol and reports whether one existed.
func (p *StaticSetupProvider) Clear(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.setups[symbol]
	delete(p.setups, symbol)
	return ok
}

// DetectSetup implements TechnicalSetupProvider. A stored setup that names a
// timeframe is only returned for that timeframe.
func (p *StaticSetupProvider) DetectSetup(ctx context.Context, symbol, timeframe string) (*models.TechnicalSetup, error) {
	p.mu.RLock()
	setup, ok := p.setups[symbol]
	p.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if setup.Timeframe != "" && timeframe != "" && setup.Timeframe != timeframe {
		return nil, nil
	}
	setup.TakeProfits = append([]decimal.Decimal(nil), setup.TakeProfits...)
	return &setup, nil
}
