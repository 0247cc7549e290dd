package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// RegimeSubscriber is notified after every accepted mode change.
type RegimeSubscriber interface {
	OnRegimeChange(ctx context.Context, event models.RegimeChangeEvent) error
}

// RegimeSubscriberFunc adapts a function to RegimeSubscriber.
type RegimeSubscriberFunc func(ctx context.Context, event models.RegimeChangeEvent) error

// OnRegimeChange calls f.
func (f RegimeSubscriberFunc) OnRegimeChange(ctx context.Context, event models.RegimeChangeEvent) error {
	return f(ctx, event)
}

// SubscriptionHandle identifies a registered subscriber.
type SubscriptionHandle uint64

// RegimeStateMachine turns periodic regime snapshots into a strategy mode,
// applying hysteresis so a new regime must persist across the stability
// window before the mode changes.
type RegimeStateMachine struct {
	analyzer RegimeAnalyzer
	store    StrategyStateStore
	metrics  *metrics.Collector
	logger   *logrus.Logger
	now      func() time.Time

	minConfidence  decimal.Decimal
	agreement      decimal.Decimal
	capacity       int
	window         int
	interval       time.Duration
	publishTimeout time.Duration

	mu            sync.RWMutex
	state         *models.StrategyState
	history       []models.RegimeHistoryEntry
	overrideTimer *time.Timer
	overrideGen   uint64

	subsMu      sync.RWMutex
	subscribers map[SubscriptionHandle]RegimeSubscriber
	nextHandle  SubscriptionHandle

	lifecycleMu sync.Mutex
	runCtx      context.Context
	cancel      context.CancelFunc
	stopped     bool
	wg          sync.WaitGroup
	publishWG   sync.WaitGroup
}

// NewRegimeStateMachine creates a state machine. store and collector may be nil.
func NewRegimeStateMachine(cfg config.RegimeConfig, analyzer RegimeAnalyzer, store StrategyStateStore, collector *metrics.Collector, logger *logrus.Logger) *RegimeStateMachine {
	capacity := cfg.HistoryCapacity
	if capacity <= 0 {
		capacity = 30
	}
	window := cfg.StabilityWindow
	if window <= 0 {
		window = 3
	}
	if window > capacity {
		window = capacity
	}
	agreement := cfg.AgreementThreshold
	if agreement <= 0 {
		agreement = 0.8
	}

	return &RegimeStateMachine{
		analyzer:       analyzer,
		store:          store,
		metrics:        collector,
		logger:         logger,
		now:            time.Now,
		minConfidence:  decimal.NewFromFloat(cfg.MinConfidence),
		agreement:      decimal.NewFromFloat(agreement),
		capacity:       capacity,
		window:         window,
		interval:       config.Duration(cfg.MonitorInterval, time.Hour),
		publishTimeout: config.Duration(cfg.PublishTimeout, 5*time.Second),
		history:        make([]models.RegimeHistoryEntry, 0, capacity),
		subscribers:    make(map[SubscriptionHandle]RegimeSubscriber),
		runCtx:         context.Background(),
	}
}

// Start restores persisted state, or seeds it from an immediate analysis,
// then runs the regime-monitor loop until Stop or ctx cancellation.
func (rsm *RegimeStateMachine) Start(ctx context.Context) error {
	rsm.lifecycleMu.Lock()
	defer rsm.lifecycleMu.Unlock()
	if rsm.cancel != nil {
		return nil
	}

	if err := rsm.restore(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rsm.runCtx = runCtx
	rsm.cancel = cancel
	rsm.stopped = false

	rsm.wg.Add(1)
	go rsm.monitorLoop(runCtx)

	state := rsm.State()
	rsm.logger.WithFields(logrus.Fields{
		"component": "regime_state_machine",
		"mode":      state.Mode,
		"regime":    state.Regime,
		"interval":  rsm.interval.String(),
	}).Info("Regime state machine started")
	return nil
}

// Stop cancels the monitor loop and any pending override expiry, then waits
// for in-flight subscriber deliveries. Changes made after Stop are not
// published.
func (rsm *RegimeStateMachine) Stop() {
	rsm.lifecycleMu.Lock()
	cancel := rsm.cancel
	rsm.cancel = nil
	rsm.stopped = true
	rsm.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}
	rsm.wg.Wait()

	rsm.mu.Lock()
	if rsm.overrideTimer != nil {
		rsm.overrideTimer.Stop()
		rsm.overrideTimer = nil
	}
	rsm.mu.Unlock()

	rsm.publishWG.Wait()
}

func (rsm *RegimeStateMachine) restore(ctx context.Context) error {
	if rsm.store != nil {
		state, err := rsm.store.LoadStrategyState(ctx)
		if err != nil {
			return fmt.Errorf("load strategy state: %w", err)
		}
		if state != nil {
			history, err := rsm.store.LoadRegimeHistory(ctx, rsm.capacity)
			if err != nil {
				rsm.logger.WithError(err).Warn("Failed to load regime history, starting with empty window")
			}
			rsm.mu.Lock()
			rsm.state = state.Clone()
			rsm.state.DisabledDirections = models.DisabledDirections(state.Mode)
			for _, entry := range history {
				rsm.pushHistory(entry)
			}
			rsm.mu.Unlock()
			return nil
		}
	}

	analysis, err := rsm.analyze(ctx)
	if err != nil {
		// without an analysis the safest seed is dual mode at zero confidence
		rsm.logger.WithError(err).Warn("Initial regime analysis failed, seeding dual mode")
		analysis = &models.RegimeAnalysis{Regime: models.RegimeRange, Confidence: decimal.Zero, AnalyzedAt: rsm.now()}
	}

	rsm.mu.Lock()
	entry := historyEntry(analysis)
	rsm.pushHistory(entry)
	rsm.state = rsm.stateFor(analysis, "initial analysis")
	state := rsm.state.Clone()
	rsm.mu.Unlock()

	rsm.persist(ctx, state, &entry)
	return nil
}

func (rsm *RegimeStateMachine) monitorLoop(ctx context.Context) {
	defer rsm.wg.Done()

	ticker := time.NewTicker(rsm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			analysis, err := rsm.analyze(ctx)
			if err != nil {
				rsm.logger.WithError(err).Warn("Regime analysis failed, keeping current mode")
				continue
			}
			if _, err := rsm.Process(ctx, analysis); err != nil {
				rsm.logger.WithError(err).Warn("Regime snapshot rejected")
			}
		}
	}
}

func (rsm *RegimeStateMachine) analyze(ctx context.Context) (*models.RegimeAnalysis, error) {
	if rsm.analyzer == nil {
		return nil, fmt.Errorf("no regime analyzer configured: %w", utils.ErrExternalService)
	}
	analysis, err := rsm.analyzer.Analyze(ctx)
	if err != nil {
		return nil, fmt.Errorf("regime analysis: %w: %w", utils.ErrExternalService, err)
	}
	if analysis == nil {
		return nil, utils.DataUnavailablef("regime analyzer returned no snapshot")
	}
	return analysis, nil
}

// Process feeds one snapshot through the hysteresis rule. It returns true
// when the strategy mode changed.
func (rsm *RegimeStateMachine) Process(ctx context.Context, analysis *models.RegimeAnalysis) (bool, error) {
	if analysis == nil {
		return false, utils.NewValidationError("nil regime analysis")
	}
	if _, ok := models.ModeForRegime[analysis.Regime]; !ok {
		return false, utils.NewValidationErrorf("unknown regime %q", analysis.Regime)
	}
	if analysis.AnalyzedAt.IsZero() {
		analysis.AnalyzedAt = rsm.now()
	}

	entry := historyEntry(analysis)

	rsm.mu.Lock()
	rsm.pushHistory(entry)

	if rsm.state == nil {
		rsm.state = rsm.stateFor(analysis, "initial analysis")
		state := rsm.state.Clone()
		rsm.mu.Unlock()
		rsm.persist(ctx, state, &entry)
		return true, nil
	}

	if analysis.Regime == rsm.state.Regime {
		rsm.state.RegimeDuration++
		rsm.state.LastUpdate = rsm.now()
		if !rsm.state.Manual {
			rsm.state.Confidence = analysis.Confidence
		}
		state := rsm.state.Clone()
		rsm.mu.Unlock()
		rsm.persist(ctx, state, &entry)
		return false, nil
	}

	agreement, full := rsm.windowAgreement(analysis.Regime)
	if !full || analysis.Confidence.LessThan(rsm.minConfidence) || agreement.LessThan(rsm.agreement) {
		current := rsm.state.Regime
		rsm.mu.Unlock()
		rsm.logger.WithFields(logrus.Fields{
			"component":  "regime_state_machine",
			"regime":     current,
			"candidate":  analysis.Regime,
			"confidence": analysis.Confidence.String(),
			"agreement":  agreement.StringFixed(2),
		}).Debug("Regime change held by hysteresis")
		rsm.persist(ctx, nil, &entry)
		return false, nil
	}

	event := rsm.replaceState(rsm.stateFor(analysis, "regime change"))
	state := rsm.state.Clone()
	rsm.mu.Unlock()

	rsm.persist(ctx, state, &entry)
	rsm.publish(event)
	return true, nil
}

// windowAgreement returns the share of the latest window entries that match
// regime, and whether the window is full. Must be called with rsm.mu held.
func (rsm *RegimeStateMachine) windowAgreement(regime models.Regime) (decimal.Decimal, bool) {
	if len(rsm.history) < rsm.window {
		return decimal.Zero, false
	}
	matches := 0
	for _, entry := range rsm.history[len(rsm.history)-rsm.window:] {
		if entry.Regime == regime {
			matches++
		}
	}
	return decimal.NewFromInt(int64(matches)).Div(decimal.NewFromInt(int64(rsm.window))), true
}

// pushHistory appends to the bounded history, dropping the oldest entry
// once capacity is reached. Must be called with rsm.mu held.
func (rsm *RegimeStateMachine) pushHistory(entry models.RegimeHistoryEntry) {
	if len(rsm.history) == rsm.capacity {
		copy(rsm.history, rsm.history[1:])
		rsm.history = rsm.history[:rsm.capacity-1]
	}
	rsm.history = append(rsm.history, entry)
}

func (rsm *RegimeStateMachine) stateFor(analysis *models.RegimeAnalysis, reason string) *models.StrategyState {
	mode := models.ModeForRegime[analysis.Regime]
	return &models.StrategyState{
		Mode:               mode,
		Regime:             analysis.Regime,
		Confidence:         analysis.Confidence,
		RegimeDuration:     1,
		DisabledDirections: models.DisabledDirections(mode),
		Reason:             reason,
		LastUpdate:         rsm.now(),
	}
}

// replaceState swaps in next and returns the change event. Must be called
// with rsm.mu held.
func (rsm *RegimeStateMachine) replaceState(next *models.StrategyState) models.RegimeChangeEvent {
	prev := rsm.state
	rsm.state = next

	event := models.RegimeChangeEvent{
		ID:         uuid.New().String(),
		ToRegime:   next.Regime,
		ToMode:     next.Mode,
		Confidence: next.Confidence,
		Manual:     next.Manual,
		Reason:     next.Reason,
		OccurredAt: next.LastUpdate,
	}
	if prev != nil {
		event.FromRegime = prev.Regime
		event.FromMode = prev.Mode
	}
	return event
}

// Override forces mode regardless of hysteresis. A positive duration
// schedules a best-effort re-analysis whose result is adopted directly.
func (rsm *RegimeStateMachine) Override(ctx context.Context, mode models.StrategyMode, reason string, duration time.Duration) (*models.StrategyState, error) {
	if !mode.IsValid() {
		return nil, utils.NewValidationErrorf("unknown strategy mode %q", mode)
	}
	if reason == "" {
		reason = "manual override"
	}

	rsm.mu.Lock()
	regime := models.RegimeRange
	if rsm.state != nil {
		regime = rsm.state.Regime
	}
	event := rsm.replaceState(&models.StrategyState{
		Mode:               mode,
		Regime:             regime,
		Confidence:         decimal.NewFromFloat(0.5),
		RegimeDuration:     0,
		DisabledDirections: models.DisabledDirections(mode),
		Manual:             true,
		Reason:             reason,
		LastUpdate:         rsm.now(),
	})
	if rsm.overrideTimer != nil {
		rsm.overrideTimer.Stop()
		rsm.overrideTimer = nil
	}
	// A timer that already fired may still be waiting on mu; the generation
	// tells it that a newer override replaced the one it belongs to.
	rsm.overrideGen++
	if duration > 0 {
		gen := rsm.overrideGen
		rsm.overrideTimer = time.AfterFunc(duration, func() { rsm.expireOverride(gen) })
	}
	state := rsm.state.Clone()
	rsm.mu.Unlock()

	rsm.logger.WithFields(logrus.Fields{
		"component": "regime_state_machine",
		"mode":      mode,
		"reason":    reason,
		"duration":  duration.String(),
	}).Warn("Strategy mode manually overridden")

	rsm.persist(ctx, state, nil)
	rsm.publish(event)
	return state, nil
}

func (rsm *RegimeStateMachine) expireOverride(gen uint64) {
	rsm.lifecycleMu.Lock()
	parent := rsm.runCtx
	rsm.lifecycleMu.Unlock()
	if parent.Err() != nil || !rsm.overrideCurrent(gen) {
		return
	}

	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()

	analysis, err := rsm.analyze(ctx)
	if err != nil {
		rsm.logger.WithError(err).Warn("Override expired but re-analysis failed, keeping manual mode")
		return
	}

	entry := historyEntry(analysis)
	rsm.mu.Lock()
	if rsm.overrideGen != gen {
		rsm.mu.Unlock()
		rsm.logger.WithField("component", "regime_state_machine").Debug("Stale override expiry ignored")
		return
	}
	rsm.overrideTimer = nil
	rsm.pushHistory(entry)
	event := rsm.replaceState(rsm.stateFor(analysis, "override expired"))
	state := rsm.state.Clone()
	rsm.mu.Unlock()

	rsm.persist(ctx, state, &entry)
	rsm.publish(event)
}

func (rsm *RegimeStateMachine) overrideCurrent(gen uint64) bool {
	rsm.mu.RLock()
	defer rsm.mu.RUnlock()
	return rsm.overrideGen == gen
}

func (rsm *RegimeStateMachine) persist(ctx context.Context, state *models.StrategyState, entry *models.RegimeHistoryEntry) {
	if rsm.store == nil {
		return
	}
	if entry != nil {
		if err := rsm.store.AppendRegimeHistory(ctx, *entry); err != nil {
			rsm.logger.WithError(utils.PersistenceError("append regime history", err)).Warn("Continuing with in-memory regime history")
		}
	}
	if state != nil {
		if err := rsm.store.SaveStrategyState(ctx, state); err != nil {
			rsm.logger.WithFields(logrus.Fields{
				"mode": state.Mode,
			}).WithError(utils.PersistenceError("save strategy state", err)).Warn("Continuing with in-memory strategy state")
		}
	}
}

// Subscribe registers sub for change events and returns its handle.
func (rsm *RegimeStateMachine) Subscribe(sub RegimeSubscriber) SubscriptionHandle {
	rsm.subsMu.Lock()
	defer rsm.subsMu.Unlock()
	rsm.nextHandle++
	rsm.subscribers[rsm.nextHandle] = sub
	return rsm.nextHandle
}

// Unsubscribe removes a subscriber. Unknown handles are ignored.
func (rsm *RegimeStateMachine) Unsubscribe(handle SubscriptionHandle) {
	rsm.subsMu.Lock()
	defer rsm.subsMu.Unlock()
	delete(rsm.subscribers, handle)
}

// publish delivers event to every subscriber in its own goroutine. A slow,
// failing or panicking subscriber does not affect the others.
func (rsm *RegimeStateMachine) publish(event models.RegimeChangeEvent) {
	rsm.metrics.RecordRegimeChange(string(event.FromRegime), string(event.ToRegime))
	rsm.logger.WithFields(logrus.Fields{
		"component": "regime_state_machine",
		"from_mode": event.FromMode,
		"to_mode":   event.ToMode,
		"regime":    event.ToRegime,
		"manual":    event.Manual,
		"reason":    event.Reason,
	}).Info("Strategy mode changed")

	rsm.subsMu.RLock()
	subs := make(map[SubscriptionHandle]RegimeSubscriber, len(rsm.subscribers))
	for h, s := range rsm.subscribers {
		subs[h] = s
	}
	rsm.subsMu.RUnlock()

	// Add under lifecycleMu so it never races the Wait in Stop.
	rsm.lifecycleMu.Lock()
	if rsm.stopped {
		rsm.lifecycleMu.Unlock()
		return
	}
	rsm.publishWG.Add(len(subs))
	rsm.lifecycleMu.Unlock()

	for handle, sub := range subs {
		go func(handle SubscriptionHandle, sub RegimeSubscriber) {
			defer rsm.publishWG.Done()
			defer func() {
				if r := recover(); r != nil {
					rsm.logger.WithFields(logrus.Fields{
						"component":    "regime_state_machine",
						"subscription": handle,
						"panic":        r,
					}).Error("Regime subscriber panicked")
				}
			}()

			ctx, cancel := context.WithTimeout(context.Background(), rsm.publishTimeout)
			defer cancel()
			if err := sub.OnRegimeChange(ctx, event); err != nil {
				rsm.logger.WithFields(logrus.Fields{
					"component":    "regime_state_machine",
					"subscription": handle,
				}).WithError(err).Warn("Regime subscriber failed")
			}
		}(handle, sub)
	}
}

// State returns a copy of the current strategy state, or nil before Start.
func (rsm *RegimeStateMachine) State() *models.StrategyState {
	rsm.mu.RLock()
	defer rsm.mu.RUnlock()
	return rsm.state.Clone()
}

// CurrentMode returns the active mode. Before the first state exists every
// direction is disabled.
func (rsm *RegimeStateMachine) CurrentMode() models.StrategyMode {
	rsm.mu.RLock()
	defer rsm.mu.RUnlock()
	if rsm.state == nil {
		return models.ModeDisabled
	}
	return rsm.state.Mode
}

// CurrentRegime returns the regime behind the active mode.
func (rsm *RegimeStateMachine) CurrentRegime() models.Regime {
	rsm.mu.RLock()
	defer rsm.mu.RUnlock()
	if rsm.state == nil {
		return ""
	}
	return rsm.state.Regime
}

// IsDirectionAllowed implements DirectionPolicy.
func (rsm *RegimeStateMachine) IsDirectionAllowed(direction models.Direction) bool {
	rsm.mu.RLock()
	defer rsm.mu.RUnlock()
	if rsm.state == nil {
		return false
	}
	return rsm.state.IsDirectionAllowed(direction)
}

// RecentHistory returns up to n of the newest history entries, oldest first.
func (rsm *RegimeStateMachine) RecentHistory(n int) []models.RegimeHistoryEntry {
	rsm.mu.RLock()
	defer rsm.mu.RUnlock()
	if n <= 0 || n > len(rsm.history) {
		n = len(rsm.history)
	}
	out := make([]models.RegimeHistoryEntry, n)
	copy(out, rsm.history[len(rsm.history)-n:])
	return out
}

func historyEntry(analysis *models.RegimeAnalysis) models.RegimeHistoryEntry {
	return models.RegimeHistoryEntry{
		Regime:     analysis.Regime,
		Confidence: analysis.Confidence,
		RecordedAt: analysis.AnalyzedAt,
	}
}
