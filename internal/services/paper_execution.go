package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/telemetry"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// ExitPolicy selects who owns exits for open positions.
type ExitPolicy string

const (
	// ExitPolicyFullClose lets UpdatePositions close fully on stop-loss,
	// take-profit or timeout.
	ExitPolicyFullClose ExitPolicy = "full_close"
	// ExitPolicyManaged only refreshes prices; the lifecycle monitor owns exits.
	ExitPolicyManaged ExitPolicy = "managed"
)

// CloseHook is called after every full or partial close.
type CloseHook func(ctx context.Context, position *models.Position, trade *models.Trade)

// ExecutionDependencies are the collaborators of the execution engine.
// Positions, Ledgers and Metrics may be nil.
type ExecutionDependencies struct {
	Ledger    *PortfolioLedger
	Prices    PriceSource
	Positions PositionStore
	Ledgers   LedgerStore
	Metrics   *metrics.Collector
}

// PaperExecutionEngine simulates fills against live prices and manages the
// resulting positions through the portfolio ledger.
type PaperExecutionEngine struct {
	ledger    *PortfolioLedger
	prices    PriceSource
	positions PositionStore
	ledgers   LedgerStore
	metrics   *metrics.Collector
	logger    *logrus.Logger
	now       func() time.Time

	fraction   decimal.Decimal
	minTrade   decimal.Decimal
	feeRate    decimal.Decimal
	slippage   decimal.Decimal
	maxHolding time.Duration
	policy     ExitPolicy

	hooksMu    sync.RWMutex
	closeHooks []CloseHook

	// serializes UpdatePositions passes
	updateMu sync.Mutex
}

// NewPaperExecutionEngine creates an engine. When deps.Ledger is nil a new
// ledger funded with the configured initial balance is created.
func NewPaperExecutionEngine(cfg config.ExecutionConfig, deps ExecutionDependencies, logger *logrus.Logger) *PaperExecutionEngine {
	ledger := deps.Ledger
	if ledger == nil {
		ledger = NewPortfolioLedger(decimal.NewFromFloat(cfg.InitialBalance))
	}
	policy := ExitPolicy(cfg.ExitPolicy)
	if policy == "" {
		policy = ExitPolicyFullClose
	}

	return &PaperExecutionEngine{
		ledger:     ledger,
		prices:     deps.Prices,
		positions:  deps.Positions,
		ledgers:    deps.Ledgers,
		metrics:    deps.Metrics,
		logger:     logger,
		now:        time.Now,
		fraction:   decimal.NewFromFloat(cfg.PositionFraction),
		minTrade:   decimal.NewFromFloat(cfg.MinTradeAmount),
		feeRate:    decimal.NewFromFloat(cfg.FeeRate),
		slippage:   decimal.NewFromFloat(cfg.SlippageRate),
		maxHolding: config.Duration(cfg.MaxHoldingDuration, 24*time.Hour),
		policy:     policy,
	}
}

// Ledger exposes the engine's ledger for read-only consumers.
func (e *PaperExecutionEngine) Ledger() *PortfolioLedger {
	return e.ledger
}

// Position returns a copy of an open position, or nil.
func (e *PaperExecutionEngine) Position(id string) *models.Position {
	return e.ledger.Get(id)
}

// Positions returns copies of all open positions, oldest first.
func (e *PaperExecutionEngine) Positions() []*models.Position {
	return e.ledger.OpenPositions()
}

// ExitPolicy returns the configured exit policy.
func (e *PaperExecutionEngine) ExitPolicy() ExitPolicy {
	return e.policy
}

// OnClose registers a hook called after each close.
func (e *PaperExecutionEngine) OnClose(hook CloseHook) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.closeHooks = append(e.closeHooks, hook)
}

// PositionSize returns the notional to commit for a signal of the given
// confidence. The raw size is balance x fraction x confidence, capped so the
// fee-inclusive cost fits the balance, and raised to the minimum trade amount
// when the cap allows it.
func (e *PaperExecutionEngine) PositionSize(balance, confidence decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	raw := balance.Mul(e.fraction).Mul(confidence)
	// truncation keeps maxSize x (1+fee) from rounding above the balance
	maxSize := balance.Div(one.Add(e.feeRate)).Truncate(12)

	size := raw
	if size.LessThan(e.minTrade) {
		size = e.minTrade
	}
	if size.GreaterThan(maxSize) {
		size = maxSize
	}
	return size
}

// entryPrice moves the fill against the trader: up for longs, down for shorts.
func (e *PaperExecutionEngine) entryPrice(price decimal.Decimal, dir models.Direction) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if dir == models.DirectionShort {
		return price.Mul(one.Sub(e.slippage))
	}
	return price.Mul(one.Add(e.slippage))
}

// exitPrice applies slippage with the opposite sign of entryPrice.
func (e *PaperExecutionEngine) exitPrice(price decimal.Decimal, dir models.Direction) decimal.Decimal {
	return e.entryPrice(price, dir.Opposite())
}

// ExecuteSignal opens a position for an accepted signal. It returns an error
// wrapping utils.ErrDataUnavailable when no price is available and
// utils.ErrInsufficientBalance when the fee-inclusive cost does not fit.
func (e *PaperExecutionEngine) ExecuteSignal(ctx context.Context, signal *models.TradingSignal) (*models.Position, error) {
	ctx, span := telemetry.Tracer(telemetry.ExecutionTracerName).Start(ctx, "PaperExecutionEngine.ExecuteSignal")
	defer span.End()
	if signal != nil {
		span.SetAttributes(
			attribute.String("signal.id", signal.ID),
			attribute.String("symbol", signal.Symbol),
			attribute.String("direction", string(signal.Direction)),
		)
	}

	position, err := e.executeSignal(ctx, signal)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("position.id", position.ID))
	return position, nil
}

func (e *PaperExecutionEngine) executeSignal(ctx context.Context, signal *models.TradingSignal) (*models.Position, error) {
	if signal == nil {
		return nil, utils.NewValidationError("nil signal")
	}
	if !signal.Direction.IsValid() {
		return nil, utils.NewValidationErrorf("signal %s has invalid direction %q", signal.ID, signal.Direction)
	}
	now := e.now()
	if !signal.ExpiresAt.IsZero() && signal.IsExpired(now) {
		return nil, utils.NewValidationErrorf("signal %s for %s expired at %s", signal.ID, signal.Symbol, signal.ExpiresAt.Format(time.RFC3339))
	}

	price, err := e.currentPrice(ctx, signal.Symbol)
	if err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	balance := e.ledger.Balance()
	size := e.PositionSize(balance, signal.Confidence)
	cost := size.Mul(one.Add(e.feeRate))
	if size.LessThan(e.minTrade) || !size.IsPositive() || cost.GreaterThan(balance) {
		return nil, fmt.Errorf("size %s for %s with balance %s: %w",
			size.StringFixed(2), signal.Symbol, balance.StringFixed(2), utils.ErrInsufficientBalance)
	}

	entry := e.entryPrice(price, signal.Direction)
	quantity := size.Div(entry)
	fee := size.Mul(e.feeRate)

	position := &models.Position{
		ID:               uuid.New().String(),
		SignalID:         signal.ID,
		Symbol:           signal.Symbol,
		Direction:        signal.Direction,
		EntryPrice:       entry,
		CurrentPrice:     entry,
		Quantity:         quantity,
		OriginalQuantity: quantity,
		StopLoss:         signal.StopLoss,
		TakeProfits:      append([]decimal.Decimal(nil), signal.TakeProfits...),
		EntryFee:         fee,
		Status:           models.PositionStatusOpen,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.ledger.Open(position, cost, fee); err != nil {
		return nil, fmt.Errorf("open %s position on %s: %w", signal.Direction, signal.Symbol, err)
	}

	e.persistPosition(ctx, position)
	e.persistLedger(ctx)
	e.metrics.RecordFill(string(position.Direction))
	e.recordPortfolio()

	e.logger.WithFields(logrus.Fields{
		"component":   "paper_execution",
		"position_id": position.ID,
		"signal_id":   signal.ID,
		"symbol":      position.Symbol,
		"direction":   position.Direction,
		"entry_price": entry.StringFixed(8),
		"quantity":    quantity.StringFixed(8),
		"size":        size.StringFixed(2),
	}).Info("Opened paper position")

	return position.Clone(), nil
}

func (e *PaperExecutionEngine) currentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.prices == nil {
		return decimal.Zero, utils.DataUnavailablef("no price source configured")
	}
	price, err := e.prices.CurrentPrice(ctx, symbol)
	if err != nil {
		if errors.Is(err, utils.ErrDataUnavailable) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("price for %s: %w: %w", symbol, utils.ErrDataUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, utils.DataUnavailablef("non-positive price %s for %s", price, symbol)
	}
	return price, nil
}

// CloseTrigger returns the first exit condition met at price, checking
// stop-loss, then take-profit, then max holding time. It returns "" when
// the position should stay open.
func (e *PaperExecutionEngine) CloseTrigger(position *models.Position, price decimal.Decimal, now time.Time) models.ExitReason {
	long := position.Direction == models.DirectionLong

	if position.StopLoss.IsPositive() {
		if (long && price.LessThanOrEqual(position.StopLoss)) || (!long && price.GreaterThanOrEqual(position.StopLoss)) {
			return models.ExitReasonStopLoss
		}
	}
	for _, tp := range position.TakeProfits {
		if (long && price.GreaterThanOrEqual(tp)) || (!long && price.LessThanOrEqual(tp)) {
			return models.ExitReasonTakeProfit
		}
	}
	if e.maxHolding > 0 && now.Sub(position.CreatedAt) > e.maxHolding {
		return models.ExitReasonMaxHoldingTime
	}
	return ""
}

// UpdatePositions refreshes every open position's price. Under the
// full_close policy the first met trigger fully closes the position.
// Positions without a price this tick are skipped.
func (e *PaperExecutionEngine) UpdatePositions(ctx context.Context) error {
	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	for _, pos := range e.ledger.OpenPositions() {
		if err := ctx.Err(); err != nil {
			return err
		}

		price, err := e.currentPrice(ctx, pos.Symbol)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"component":   "paper_execution",
				"position_id": pos.ID,
				"symbol":      pos.Symbol,
			}).WithError(err).Warn("Skipping position update, price unavailable")
			continue
		}

		now := e.now()
		updated, ok := e.ledger.MarkPrice(pos.ID, price, now)
		if !ok {
			continue
		}

		if e.policy == ExitPolicyFullClose {
			if reason := e.CloseTrigger(updated, price, now); reason != "" {
				if _, err := e.ClosePosition(ctx, pos.ID, price, reason); err != nil {
					e.logger.WithField("position_id", pos.ID).WithError(err).Error("Failed to close position")
				}
				continue
			}
		}
		e.persistPosition(ctx, updated)
	}

	e.recordPortfolio()
	return nil
}

// ClosePosition fully closes the position at the market price, applying
// exit slippage and fees. Closing an unknown or already closed position is
// a no-op returning nil, nil.
func (e *PaperExecutionEngine) ClosePosition(ctx context.Context, id string, price decimal.Decimal, reason models.ExitReason) (*models.Trade, error) {
	pos := e.ledger.Get(id)
	if pos == nil {
		return nil, nil
	}
	return e.close(ctx, pos, pos.Quantity, price, reason)
}

// ClosePartial closes quantity of the position, clamped to what remains.
func (e *PaperExecutionEngine) ClosePartial(ctx context.Context, id string, quantity, price decimal.Decimal, reason models.ExitReason) (*models.Trade, error) {
	if !quantity.IsPositive() {
		return nil, utils.NewValidationErrorf("partial close quantity must be positive, got %s", quantity)
	}
	pos := e.ledger.Get(id)
	if pos == nil {
		return nil, nil
	}
	return e.close(ctx, pos, quantity, price, reason)
}

func (e *PaperExecutionEngine) close(ctx context.Context, pos *models.Position, quantity, price decimal.Decimal, reason models.ExitReason) (*models.Trade, error) {
	if !price.IsPositive() {
		return nil, utils.DataUnavailablef("non-positive close price %s for %s", price, pos.Symbol)
	}
	if reason == "" {
		reason = models.ExitReasonManual
	}

	exit := e.exitPrice(price, pos.Direction)
	result := e.ledger.ApplyClose(pos.ID, exit, quantity, e.feeRate, reason, e.now())
	if result == nil {
		return nil, nil
	}

	if err := e.savePositionAndTrade(ctx, result); err != nil {
		e.logger.WithField("position_id", pos.ID).WithError(err).Warn("Continuing with in-memory close")
	}
	e.persistLedger(ctx)
	e.metrics.RecordClose(string(reason))
	e.recordPortfolio()

	e.logger.WithFields(logrus.Fields{
		"component":    "paper_execution",
		"position_id":  pos.ID,
		"symbol":       pos.Symbol,
		"direction":    pos.Direction,
		"reason":       reason,
		"exit_price":   exit.StringFixed(8),
		"quantity":     result.Trade.Quantity.StringFixed(8),
		"realized_pnl": result.Trade.RealizedPnL.StringFixed(2),
		"partial":      result.Trade.Partial,
	}).Info("Closed paper position")

	e.hooksMu.RLock()
	hooks := append([]CloseHook(nil), e.closeHooks...)
	e.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, result.Position, result.Trade)
	}
	return result.Trade, nil
}

// UpdateLevels replaces the stop-loss and remaining take-profit levels of an
// open position and persists the result.
func (e *PaperExecutionEngine) UpdateLevels(ctx context.Context, id string, stopLoss decimal.Decimal, takeProfits []decimal.Decimal) (*models.Position, error) {
	pos, ok := e.ledger.UpdateLevels(id, stopLoss, takeProfits, e.now())
	if !ok {
		return nil, fmt.Errorf("position %s: %w", id, utils.ErrPositionNotFound)
	}
	e.persistPosition(ctx, pos)
	return pos, nil
}

// ForceClose closes a position manually at the current price, falling back
// to the last known price when the price source fails.
func (e *PaperExecutionEngine) ForceClose(ctx context.Context, id string) (*models.Trade, error) {
	pos := e.ledger.Get(id)
	if pos == nil {
		return nil, fmt.Errorf("position %s: %w", id, utils.ErrPositionNotFound)
	}

	price, err := e.currentPrice(ctx, pos.Symbol)
	if err != nil {
		e.logger.WithField("position_id", id).WithError(err).Warn("Force close using last known price")
		price = pos.CurrentPrice
	}
	trade, err := e.ClosePosition(ctx, id, price, models.ExitReasonManual)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, fmt.Errorf("position %s: %w", id, utils.ErrPositionNotFound)
	}
	return trade, nil
}

// GetPortfolio refreshes positions and returns the portfolio summary.
func (e *PaperExecutionEngine) GetPortfolio(ctx context.Context) (*models.PortfolioSummary, error) {
	if err := e.UpdatePositions(ctx); err != nil {
		return nil, err
	}
	return e.ledger.Summary(e.now()), nil
}

// Restore reloads the ledger snapshot and open positions from the stores.
func (e *PaperExecutionEngine) Restore(ctx context.Context) error {
	var snapshot *models.LedgerSnapshot
	if e.ledgers != nil {
		s, err := e.ledgers.LoadLedger(ctx)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		snapshot = s
	}

	var positions []*models.Position
	if e.positions != nil {
		p, err := e.positions.LoadOpenPositions(ctx)
		if err != nil {
			return fmt.Errorf("load open positions: %w", err)
		}
		positions = p
	}

	if err := e.ledger.Restore(snapshot, positions); err != nil {
		return err
	}
	e.recordPortfolio()

	e.logger.WithFields(logrus.Fields{
		"component":      "paper_execution",
		"open_positions": len(positions),
		"balance":        e.ledger.Balance().StringFixed(2),
		"from_snapshot":  snapshot != nil,
	}).Info("Restored paper portfolio")
	return nil
}

// ResetDaily zeroes daily P&L; run at 00:00 UTC.
func (e *PaperExecutionEngine) ResetDaily(ctx context.Context) {
	prev := e.ledger.ResetDaily()
	e.persistLedger(ctx)
	e.logger.WithFields(logrus.Fields{
		"component":     "paper_execution",
		"previous_pnl":  prev.StringFixed(2),
		"reset_at_unix": e.now().Unix(),
	}).Info("Daily P&L reset")
}

func (e *PaperExecutionEngine) savePositionAndTrade(ctx context.Context, result *CloseResult) error {
	if e.positions == nil {
		return nil
	}
	if err := e.positions.SaveTrade(ctx, result.Trade); err != nil {
		return utils.PersistenceError("save trade", err)
	}
	if err := e.positions.SavePosition(ctx, result.Position); err != nil {
		return utils.PersistenceError("save position", err)
	}
	return nil
}

func (e *PaperExecutionEngine) persistPosition(ctx context.Context, pos *models.Position) {
	if e.positions == nil {
		return
	}
	if err := e.positions.SavePosition(ctx, pos); err != nil {
		e.logger.WithField("position_id", pos.ID).WithError(utils.PersistenceError("save position", err)).Warn("Continuing with in-memory position")
	}
}

func (e *PaperExecutionEngine) persistLedger(ctx context.Context) {
	if e.ledgers == nil {
		return
	}
	if err := e.ledgers.SaveLedger(ctx, e.ledger.Snapshot(e.now())); err != nil {
		e.logger.WithError(utils.PersistenceError("save ledger", err)).Warn("Continuing with in-memory ledger")
	}
}

func (e *PaperExecutionEngine) recordPortfolio() {
	if e.metrics == nil {
		return
	}
	s := e.ledger.Summary(e.now())
	e.metrics.SetPortfolio(s.AvailableBalance.InexactFloat64(), len(s.OpenPositions), s.MaxDrawdown.InexactFloat64())
}
