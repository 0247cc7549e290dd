package services

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// CloseResult is the outcome of one ledger close.
type CloseResult struct {
	Position *models.Position
	Trade    *models.Trade
	Closed   bool
}

// PortfolioLedger owns the paper account: balance, P&L aggregates, drawdown
// and the set of open positions. Every mutation happens under one lock so
// fills, partial closes and price refreshes are atomic with respect to each
// other.
type PortfolioLedger struct {
	mu sync.Mutex

	balance        decimal.Decimal
	initialBalance decimal.Decimal
	totalPnL       decimal.Decimal
	dailyPnL       decimal.Decimal
	totalFees      decimal.Decimal
	peakEquity     decimal.Decimal
	maxDrawdown    decimal.Decimal
	tradeCount     int

	positions map[string]*models.Position
}

// NewPortfolioLedger creates a ledger funded with initialBalance.
func NewPortfolioLedger(initialBalance decimal.Decimal) *PortfolioLedger {
	return &PortfolioLedger{
		balance:        initialBalance,
		initialBalance: initialBalance,
		peakEquity:     initialBalance,
		positions:      make(map[string]*models.Position),
	}
}

// Balance returns the available balance.
func (l *PortfolioLedger) Balance() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// Open debits cost (notional plus entry fee) and adds position to the open
// set. It fails without side effects when cost exceeds the balance.
func (l *PortfolioLedger) Open(position *models.Position, cost, fee decimal.Decimal) error {
	if position == nil || position.ID == "" {
		return utils.NewValidationError("position must have an id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if cost.GreaterThan(l.balance) {
		return utils.ErrInsufficientBalance
	}
	if _, exists := l.positions[position.ID]; exists {
		return utils.NewValidationErrorf("position %s already open", position.ID)
	}

	l.balance = l.balance.Sub(cost)
	l.totalFees = l.totalFees.Add(fee)
	l.positions[position.ID] = position.Clone()
	l.updateDrawdown()
	return nil
}

// ApplyClose closes up to quantity of the position at exitPrice, charging
// feeRate on the exit notional. The closed quantity is clamped to what
// remains, so quantity never goes negative. Closing an unknown or already
// closed position is a no-op and returns nil.
func (l *PortfolioLedger) ApplyClose(id string, exitPrice, quantity, feeRate decimal.Decimal, reason models.ExitReason, at time.Time) *CloseResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok || !pos.Quantity.IsPositive() {
		return nil
	}
	if quantity.GreaterThan(pos.Quantity) {
		quantity = pos.Quantity
	}
	if !quantity.IsPositive() {
		return nil
	}

	sign := pos.Direction.Sign()
	gross := sign.Mul(exitPrice.Sub(pos.EntryPrice)).Mul(quantity)
	exitFee := exitPrice.Mul(quantity).Mul(feeRate)
	realized := gross.Sub(exitFee)
	value := pos.EntryPrice.Mul(quantity).Add(gross)

	entryFeeShare := decimal.Zero
	if pos.OriginalQuantity.IsPositive() {
		entryFeeShare = pos.EntryFee.Mul(quantity).Div(pos.OriginalQuantity)
	}

	l.balance = l.balance.Add(value.Sub(exitFee))
	l.totalPnL = l.totalPnL.Add(realized)
	l.dailyPnL = l.dailyPnL.Add(realized)
	l.totalFees = l.totalFees.Add(exitFee)
	l.tradeCount++

	pos.Quantity = pos.Quantity.Sub(quantity)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.CurrentPrice = exitPrice
	pos.UpdatedAt = at

	closed := !pos.Quantity.IsPositive()
	if closed {
		pos.Quantity = decimal.Zero
		pos.UnrealizedPnL = decimal.Zero
		pos.Status = models.PositionStatusClosed
		pos.ExitReason = reason
		closedAt := at
		pos.ClosedAt = &closedAt
		delete(l.positions, id)
	} else {
		pos.Status = models.PositionStatusPartiallyClosed
		pos.UnrealizedPnL = pos.PnLAt(exitPrice)
	}
	l.updateDrawdown()

	trade := &models.Trade{
		ID:          uuid.New().String(),
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Direction:   pos.Direction,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    quantity,
		RealizedPnL: realized,
		Fees:        exitFee.Add(entryFeeShare),
		ExitReason:  reason,
		Partial:     !closed,
		OpenedAt:    pos.CreatedAt,
		ClosedAt:    at,
	}
	return &CloseResult{Position: pos.Clone(), Trade: trade, Closed: closed}
}

// MarkPrice refreshes the current price and unrealized P&L of a position.
func (l *PortfolioLedger) MarkPrice(id string, price decimal.Decimal, at time.Time) (*models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	pos.CurrentPrice = price
	pos.UnrealizedPnL = pos.PnLAt(price)
	pos.UpdatedAt = at
	l.updateDrawdown()
	return pos.Clone(), true
}

// UpdateLevels replaces the stop-loss and remaining take-profit levels.
func (l *PortfolioLedger) UpdateLevels(id string, stopLoss decimal.Decimal, takeProfits []decimal.Decimal, at time.Time) (*models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	pos.StopLoss = stopLoss
	pos.TakeProfits = append([]decimal.Decimal(nil), takeProfits...)
	pos.UpdatedAt = at
	return pos.Clone(), true
}

// Get returns a copy of an open position, or nil.
func (l *PortfolioLedger) Get(id string) *models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.positions[id].Clone()
}

// OpenPositions returns copies of all open positions, oldest first.
func (l *PortfolioLedger) OpenPositions() []*models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.openPositionsLocked()
}

func (l *PortfolioLedger) openPositionsLocked() []*models.Position {
	out := make([]*models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// equity is balance plus the market value of every open position at its
// last known price. Must be called with l.mu held.
func (l *PortfolioLedger) equity() decimal.Decimal {
	total := l.balance
	for _, p := range l.positions {
		price := p.CurrentPrice
		if !price.IsPositive() {
			price = p.EntryPrice
		}
		total = total.Add(p.MarketValue(price))
	}
	return total
}

// updateDrawdown must be called with l.mu held.
func (l *PortfolioLedger) updateDrawdown() {
	eq := l.equity()
	if eq.GreaterThan(l.peakEquity) {
		l.peakEquity = eq
	}
	if !l.peakEquity.IsPositive() {
		return
	}
	dd := l.peakEquity.Sub(eq).Div(l.peakEquity)
	if dd.GreaterThan(l.maxDrawdown) {
		l.maxDrawdown = dd
	}
}

// Summary builds the portfolio read model from the last known prices.
func (l *PortfolioLedger) Summary(at time.Time) *models.PortfolioSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	open := l.openPositionsLocked()
	positions := make([]models.Position, len(open))
	unrealized := decimal.Zero
	for i, p := range open {
		positions[i] = *p
		unrealized = unrealized.Add(p.UnrealizedPnL)
	}

	return &models.PortfolioSummary{
		TotalValue:       l.equity(),
		AvailableBalance: l.balance,
		OpenPositions:    positions,
		UnrealizedPnL:    unrealized,
		DailyPnL:         l.dailyPnL,
		TotalPnL:         l.totalPnL,
		TotalFees:        l.totalFees,
		MaxDrawdown:      l.maxDrawdown,
		TradeCount:       l.tradeCount,
		UpdatedAt:        at,
	}
}

// Snapshot returns the persisted scalar state.
func (l *PortfolioLedger) Snapshot(at time.Time) *models.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &models.LedgerSnapshot{
		Balance:        l.balance,
		InitialBalance: l.initialBalance,
		TotalPnL:       l.totalPnL,
		DailyPnL:       l.dailyPnL,
		TotalFees:      l.totalFees,
		PeakEquity:     l.peakEquity,
		MaxDrawdown:    l.maxDrawdown,
		TradeCount:     l.tradeCount,
		UpdatedAt:      at,
	}
}

// Restore replaces the ledger contents with persisted state. A nil snapshot
// keeps the current scalars.
func (l *PortfolioLedger) Restore(snapshot *models.LedgerSnapshot, positions []*models.Position) error {
	for _, p := range positions {
		if p.Quantity.IsNegative() {
			return utils.NewValidationErrorf("corrupted position %s: negative quantity", p.ID)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if snapshot != nil {
		l.balance = snapshot.Balance
		l.initialBalance = snapshot.InitialBalance
		l.totalPnL = snapshot.TotalPnL
		l.dailyPnL = snapshot.DailyPnL
		l.totalFees = snapshot.TotalFees
		l.peakEquity = snapshot.PeakEquity
		l.maxDrawdown = snapshot.MaxDrawdown
		l.tradeCount = snapshot.TradeCount
	}
	l.positions = make(map[string]*models.Position, len(positions))
	for _, p := range positions {
		if p.Status == models.PositionStatusClosed || !p.Quantity.IsPositive() {
			continue
		}
		l.positions[p.ID] = p.Clone()
	}
	return nil
}

// ResetDaily zeroes the daily P&L and returns the value it had.
func (l *PortfolioLedger) ResetDaily() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	prev := l.dailyPnL
	l.dailyPnL = decimal.Zero
	return prev
}
