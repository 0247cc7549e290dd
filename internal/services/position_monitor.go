package services

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// positionTask is the per-position state owned by one monitor goroutine.
type positionTask struct {
	id          string
	initialStop decimal.Decimal
	cancel      context.CancelFunc
}

// PositionLifecycleMonitor runs one goroutine per open position that takes
// partial profits, trails the stop and enforces hard exits. All closes go
// through the execution engine, so the ledger stays the single writer.
type PositionLifecycleMonitor struct {
	engine *PaperExecutionEngine
	prices PriceSource
	logger *logrus.Logger
	now    func() time.Time

	pollInterval     time.Duration
	maxHolding       time.Duration
	partialRatio     decimal.Decimal
	trailingDistance decimal.Decimal
	maxAdverse       decimal.Decimal

	mu     sync.Mutex
	tasks  map[string]*positionTask
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPositionLifecycleMonitor creates a monitor bound to engine. It registers
// a close hook so tasks deregister as soon as any path closes their position.
func NewPositionLifecycleMonitor(cfg config.LifecycleConfig, engine *PaperExecutionEngine, prices PriceSource, logger *logrus.Logger) *PositionLifecycleMonitor {
	ratio := cfg.PartialCloseRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	trailing := cfg.TrailingDistance
	if trailing <= 0 {
		trailing = 0.02
	}
	adverse := cfg.MaxAdverseMoveRatio
	if adverse <= 0 {
		adverse = 0.10
	}

	m := &PositionLifecycleMonitor{
		engine:           engine,
		prices:           prices,
		logger:           logger,
		now:              time.Now,
		pollInterval:     config.Duration(cfg.PollInterval, 30*time.Second),
		maxHolding:       config.Duration(cfg.MaxHoldingDuration, 7*24*time.Hour),
		partialRatio:     decimal.NewFromFloat(ratio),
		trailingDistance: decimal.NewFromFloat(trailing),
		maxAdverse:       decimal.NewFromFloat(adverse),
		tasks:            make(map[string]*positionTask),
	}
	engine.OnClose(func(ctx context.Context, position *models.Position, trade *models.Trade) {
		if position.Status == models.PositionStatusClosed {
			m.untrack(position.ID)
		}
	})
	return m
}

// Start enables tracking and picks up every position already in the ledger.
// It stays idle unless the engine runs the managed exit policy, since a
// full_close engine already closes positions on stop and target touches.
func (m *PositionLifecycleMonitor) Start(ctx context.Context) {
	if policy := m.engine.ExitPolicy(); policy != ExitPolicyManaged {
		m.logger.WithFields(logrus.Fields{
			"component":   "position_monitor",
			"exit_policy": string(policy),
		}).Warn("Position lifecycle monitor disabled: engine does not use the managed exit policy")
		return
	}

	m.mu.Lock()
	if m.base != nil {
		m.mu.Unlock()
		return
	}
	m.base, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"component":     "position_monitor",
		"poll_interval": m.pollInterval.String(),
	}).Info("Starting position lifecycle monitor")
	m.Sync(ctx)
}

// Stop cancels every task and waits for them to exit.
func (m *PositionLifecycleMonitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	m.logger.WithField("component", "position_monitor").Info("Position lifecycle monitor stopped")
}

// Sync starts a task for every open position not yet tracked.
func (m *PositionLifecycleMonitor) Sync(ctx context.Context) int {
	started := 0
	for _, pos := range m.engine.Ledger().OpenPositions() {
		if m.Track(pos) {
			started++
		}
	}
	return started
}

// Track starts monitoring position. It returns false when the position is
// already tracked or the monitor is not running.
func (m *PositionLifecycleMonitor) Track(position *models.Position) bool {
	if position == nil || !position.IsOpen() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.base == nil || m.base.Err() != nil {
		return false
	}
	if _, ok := m.tasks[position.ID]; ok {
		return false
	}

	ctx, cancel := context.WithCancel(m.base)
	task := &positionTask{id: position.ID, initialStop: position.StopLoss, cancel: cancel}
	m.tasks[position.ID] = task
	m.wg.Add(1)
	go m.run(ctx, task)
	return true
}

// Tracked returns the number of live tasks.
func (m *PositionLifecycleMonitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// IsTracking reports whether a task exists for the position.
func (m *PositionLifecycleMonitor) IsTracking(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[id]
	return ok
}

func (m *PositionLifecycleMonitor) untrack(id string) {
	m.mu.Lock()
	task, ok := m.tasks[id]
	if ok {
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	if ok {
		task.cancel()
	}
}

func (m *PositionLifecycleMonitor) run(ctx context.Context, task *positionTask) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.tasks[task.id] == task {
			delete(m.tasks, task.id)
		}
		m.mu.Unlock()
		task.cancel()
	}()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if m.evaluate(ctx, task) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// evaluate runs one monitoring pass and reports whether the task is done.
func (m *PositionLifecycleMonitor) evaluate(ctx context.Context, task *positionTask) bool {
	if ctx.Err() != nil {
		return true
	}
	ledger := m.engine.Ledger()
	pos := ledger.Get(task.id)
	if pos == nil {
		return true
	}

	log := m.logger.WithFields(logrus.Fields{
		"component":   "position_monitor",
		"position_id": pos.ID,
		"symbol":      pos.Symbol,
	})

	price, err := m.prices.CurrentPrice(ctx, pos.Symbol)
	if err != nil || !price.IsPositive() {
		log.WithError(err).Debug("No price this tick")
		return false
	}
	now := m.now()
	pos, ok := ledger.MarkPrice(pos.ID, price, now)
	if !ok {
		return true
	}

	if closed := m.takeProfits(ctx, pos, price, log); closed {
		return true
	}
	if pos = ledger.Get(task.id); pos == nil {
		return true
	}

	stop := m.trailStop(pos, price)
	if !stop.Equal(pos.StopLoss) {
		if _, err := m.engine.UpdateLevels(ctx, pos.ID, stop, pos.TakeProfits); err != nil {
			return true
		}
		log.WithFields(logrus.Fields{
			"previous_stop": pos.StopLoss.StringFixed(8),
			"stop_loss":     stop.StringFixed(8),
		}).Debug("Trailing stop tightened")
		pos.StopLoss = stop
	}

	if reason := m.hardExit(pos, task, price, now); reason != "" {
		if _, err := m.engine.ClosePosition(ctx, pos.ID, price, reason); err != nil {
			log.WithError(err).Error("Failed to close position")
			return false
		}
		log.WithField("reason", reason).Info("Position closed by lifecycle monitor")
		return true
	}
	return false
}

// takeProfits partially closes the position at every reached level and
// removes those levels. It reports whether the position ended up closed.
func (m *PositionLifecycleMonitor) takeProfits(ctx context.Context, pos *models.Position, price decimal.Decimal, log *logrus.Entry) bool {
	long := pos.Direction == models.DirectionLong
	remaining := make([]decimal.Decimal, 0, len(pos.TakeProfits))
	hit := 0

	for i, tp := range pos.TakeProfits {
		reached := (long && price.GreaterThanOrEqual(tp)) || (!long && price.LessThanOrEqual(tp))
		if !reached {
			remaining = append(remaining, tp)
			continue
		}
		hit++

		live := m.engine.Ledger().Get(pos.ID)
		if live == nil {
			return true
		}
		qty := live.Quantity
		final := i == len(pos.TakeProfits)-1 && len(remaining) == 0
		if !final {
			qty = qty.Mul(m.partialRatio)
		}

		trade, err := m.engine.ClosePartial(ctx, pos.ID, qty, price, models.ExitReasonTakeProfit)
		if err != nil {
			log.WithError(err).Error("Partial take-profit failed")
			remaining = append(remaining, tp)
			continue
		}
		if trade != nil {
			log.WithFields(logrus.Fields{
				"level":    tp.StringFixed(8),
				"quantity": trade.Quantity.StringFixed(8),
				"final":    final,
			}).Info("Take-profit level reached")
		}
		if trade == nil || !trade.Partial {
			return true
		}
	}

	if hit == 0 {
		return false
	}
	if _, err := m.engine.UpdateLevels(ctx, pos.ID, pos.StopLoss, remaining); err != nil {
		return true
	}
	return false
}

// trailStop returns the tightened stop for price, or the current stop when
// price has not moved beyond entry or the trailing level would loosen it.
func (m *PositionLifecycleMonitor) trailStop(pos *models.Position, price decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if pos.Direction == models.DirectionLong {
		if !price.GreaterThan(pos.EntryPrice) {
			return pos.StopLoss
		}
		candidate := price.Mul(one.Sub(m.trailingDistance))
		if candidate.GreaterThan(pos.StopLoss) {
			return candidate
		}
		return pos.StopLoss
	}
	if !price.LessThan(pos.EntryPrice) {
		return pos.StopLoss
	}
	candidate := price.Mul(one.Add(m.trailingDistance))
	if !pos.StopLoss.IsPositive() || candidate.LessThan(pos.StopLoss) {
		return candidate
	}
	return pos.StopLoss
}

// hardExit checks stop touch, max holding time and max adverse move, in
// that order.
func (m *PositionLifecycleMonitor) hardExit(pos *models.Position, task *positionTask, price decimal.Decimal, now time.Time) models.ExitReason {
	long := pos.Direction == models.DirectionLong
	if pos.StopLoss.IsPositive() {
		if (long && price.LessThanOrEqual(pos.StopLoss)) || (!long && price.GreaterThanOrEqual(pos.StopLoss)) {
			if pos.StopLoss.Equal(task.initialStop) {
				return models.ExitReasonStopLoss
			}
			return models.ExitReasonTrailingStop
		}
	}
	if m.maxHolding > 0 && now.Sub(pos.CreatedAt) > m.maxHolding {
		return models.ExitReasonMaxHoldingTime
	}
	loss := pos.PnLAt(price).Neg()
	if loss.GreaterThan(pos.CostBasis().Mul(m.maxAdverse)) {
		return models.ExitReasonMaxAdverseMove
	}
	return ""
}
