package services

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/telemetry"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// ScanOutcome is the result of scanning one symbol.
type ScanOutcome string

const (
	OutcomeHalted              ScanOutcome = "halted"
	OutcomeCached              ScanOutcome = "cached"
	OutcomeNoSetup             ScanOutcome = "no_setup"
	OutcomeRejected            ScanOutcome = "rejected"
	OutcomeFiltered            ScanOutcome = "filtered"
	OutcomeInsufficientBalance ScanOutcome = "insufficient_balance"
	OutcomeExecuted            ScanOutcome = "executed"
	OutcomeError               ScanOutcome = "error"
)

const maxBackoffShift = 3

// rescanItem is one symbol waiting in the rescan queue.
type rescanItem struct {
	symbol   string
	due      time.Time
	failures int
	index    int
}

// rescanQueue is a min-heap ordered by due time, then by fewer failures.
type rescanQueue []*rescanItem

func (q rescanQueue) Len() int { return len(q) }

func (q rescanQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		if q[i].failures == q[j].failures {
			return q[i].symbol < q[j].symbol
		}
		return q[i].failures < q[j].failures
	}
	return q[i].due.Before(q[j].due)
}

func (q rescanQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *rescanQueue) Push(x any) {
	item := x.(*rescanItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *rescanQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

// ScannerDependencies wires the scanner to the decision and execution
// pipeline. Monitor, Halts and Metrics may be nil.
type ScannerDependencies struct {
	Scorer  *FusionScorer
	Filter  *TradeFilter
	Signals SignalStore
	Engine  *PaperExecutionEngine
	Monitor *PositionLifecycleMonitor
	Halts   HaltList
	Metrics *metrics.Collector
}

// SignalScanner drives the pipeline: it pulls due symbols off a rescan
// queue, analyzes them under a rate limit, executes accepted signals and
// periodically refreshes open positions.
type SignalScanner struct {
	scorer  *FusionScorer
	filter  *TradeFilter
	signals SignalStore
	engine  *PaperExecutionEngine
	monitor *PositionLifecycleMonitor
	halts   HaltList
	metrics *metrics.Collector
	logger  *logrus.Logger
	now     func() time.Time

	interval       time.Duration
	updateInterval time.Duration
	concurrency    int
	limiter        *rate.Limiter

	mu    sync.Mutex
	queue rescanQueue
	items map[string]*rescanItem

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSignalScanner creates a scanner over cfg.Symbols. updateInterval sets
// the UpdatePositions cadence.
func NewSignalScanner(cfg config.ScannerConfig, updateInterval time.Duration, deps ScannerDependencies, logger *logrus.Logger) *SignalScanner {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	if updateInterval <= 0 {
		updateInterval = time.Minute
	}

	s := &SignalScanner{
		scorer:         deps.Scorer,
		filter:         deps.Filter,
		signals:        deps.Signals,
		engine:         deps.Engine,
		monitor:        deps.Monitor,
		halts:          deps.Halts,
		metrics:        deps.Metrics,
		logger:         logger,
		now:            time.Now,
		interval:       config.Duration(cfg.ScanInterval, 5*time.Minute),
		updateInterval: updateInterval,
		concurrency:    concurrency,
		limiter:        rate.NewLimiter(rate.Limit(rps), concurrency),
		items:          make(map[string]*rescanItem),
	}
	for _, symbol := range cfg.Symbols {
		s.Schedule(symbol, time.Time{})
	}
	return s
}

// Schedule queues symbol for a scan at due, or moves it if already queued.
func (s *SignalScanner) Schedule(symbol string, due time.Time) {
	if symbol == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.items[symbol]; ok {
		item.due = due
		if item.index >= 0 {
			heap.Fix(&s.queue, item.index)
		} else {
			heap.Push(&s.queue, item)
		}
		return
	}
	item := &rescanItem{symbol: symbol, due: due}
	s.items[symbol] = item
	heap.Push(&s.queue, item)
}

// Symbols returns the symbols known to the scanner.
func (s *SignalScanner) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.items))
	for symbol := range s.items {
		out = append(out, symbol)
	}
	return out
}

// NextDue returns when the earliest queued symbol is due.
func (s *SignalScanner) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

func (s *SignalScanner) popDue(now time.Time) []*rescanItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*rescanItem
	for len(s.queue) > 0 && !s.queue[0].due.After(now) {
		due = append(due, heap.Pop(&s.queue).(*rescanItem))
	}
	return due
}

func (s *SignalScanner) reschedule(item *rescanItem, outcome ScanOutcome, now time.Time) {
	delay := s.interval
	switch outcome {
	case OutcomeExecuted, OutcomeCached:
		if ttl := s.scorer.SignalTTL(); ttl > delay {
			delay = ttl
		}
		item.failures = 0
	case OutcomeError:
		item.failures++
		shift := item.failures
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		delay = s.interval << shift
	default:
		item.failures = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if item.index >= 0 {
		// Schedule already re-queued it while the scan was running
		return
	}
	item.due = now.Add(delay)
	heap.Push(&s.queue, item)
}

// ScanDue scans every symbol whose due time has passed and returns how many
// were scanned. Scans run concurrently up to the configured limit and each
// waits on the rate limiter.
func (s *SignalScanner) ScanDue(ctx context.Context) int {
	items := s.popDue(s.now())
	if len(items) == 0 {
		return 0
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, item := range items {
		g.Go(func() error {
			outcome := OutcomeError
			if err := s.limiter.Wait(gctx); err == nil {
				outcome, _ = s.ScanSymbol(gctx, item.symbol)
			}
			s.reschedule(item, outcome, s.now())
			return nil
		})
	}
	_ = g.Wait()
	return len(items)
}

// ScanSymbol runs the pipeline for one symbol: halt list, signal cache,
// fusion analysis, strategy-mode filter, cache put and paper execution.
func (s *SignalScanner) ScanSymbol(ctx context.Context, symbol string) (outcome ScanOutcome, err error) {
	started := time.Now()
	ctx, span := telemetry.Tracer(telemetry.ScannerTracerName).Start(ctx, "SignalScanner.ScanSymbol",
		trace.WithAttributes(attribute.String("symbol", symbol)))
	log := s.logger.WithFields(logrus.Fields{
		"component": "signal_scanner",
		"symbol":    symbol,
	})
	defer func() {
		s.metrics.ObserveScan(string(outcome), time.Since(started).Seconds())
		span.SetAttributes(attribute.String("scan.outcome", string(outcome)))
		telemetry.RecordError(span, err)
		span.End()
	}()

	if s.halts != nil {
		if halted, reason := s.halts.IsBlacklisted(ctx, symbol); halted {
			log.WithField("reason", reason).Debug("Symbol halted, skipping scan")
			return OutcomeHalted, nil
		}
	}

	if s.signals != nil {
		live, cacheErr := s.signals.Get(ctx, symbol)
		if cacheErr != nil {
			log.WithError(cacheErr).Warn("Signal cache read failed, scanning anyway")
		} else if live != nil {
			return OutcomeCached, nil
		}
	}

	candidate, err := s.scorer.Analyze(ctx, symbol)
	if err != nil {
		log.WithError(err).Warn("Fusion analysis failed")
		return OutcomeError, err
	}
	if candidate == nil {
		return OutcomeNoSetup, nil
	}

	s.metrics.RecordFusionDecision(!candidate.IsRejected())
	if candidate.IsRejected() {
		log.WithFields(logrus.Fields{
			"direction": candidate.Direction(),
			"reasons":   candidate.RejectionReasons,
		}).Info("Signal rejected")
		return OutcomeRejected, nil
	}

	signal, err := s.scorer.Finalize(candidate)
	if err != nil {
		return OutcomeError, err
	}
	if len(s.filter.Filter([]*models.TradingSignal{signal})) == 0 {
		log.WithField("direction", signal.Direction).Info("Signal direction disabled by strategy mode")
		return OutcomeFiltered, nil
	}

	if s.signals != nil {
		if err := s.signals.Put(ctx, signal); err != nil {
			log.WithError(err).Warn("Failed to cache signal")
		}
	}

	position, err := s.engine.ExecuteSignal(ctx, signal)
	if err != nil {
		if errors.Is(err, utils.ErrInsufficientBalance) {
			log.WithError(err).Warn("Signal not executed")
			return OutcomeInsufficientBalance, nil
		}
		log.WithError(err).Error("Signal execution failed")
		return OutcomeError, fmt.Errorf("execute signal %s: %w", signal.ID, err)
	}

	if s.monitor != nil {
		s.monitor.Track(position)
	}
	log.WithFields(logrus.Fields{
		"signal_id":   signal.ID,
		"position_id": position.ID,
		"direction":   position.Direction,
		"strength":    signal.Strength,
	}).Info("Signal executed")
	return OutcomeExecuted, nil
}

// Start launches the scan loop and the position update loop.
func (s *SignalScanner) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.cancel != nil {
		return errors.New("signal scanner already running")
	}
	if len(s.Symbols()) == 0 {
		return errors.New("signal scanner has no symbols")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.scanLoop(runCtx)
	go s.updateLoop(runCtx)

	s.logger.WithFields(logrus.Fields{
		"component":       "signal_scanner",
		"symbols":         len(s.Symbols()),
		"scan_interval":   s.interval.String(),
		"update_interval": s.updateInterval.String(),
	}).Info("Signal scanner started")
	return nil
}

// Stop cancels both loops and waits for the current pass to finish.
func (s *SignalScanner) Stop() {
	s.runMu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.WithField("component", "signal_scanner").Info("Signal scanner stopped")
}

func (s *SignalScanner) scanLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.ScanDue(ctx)

		wait := s.interval
		if next, ok := s.NextDue(); ok {
			wait = next.Sub(s.now())
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if wait > s.interval {
			wait = s.interval
		}
		timer.Reset(wait)
	}
}

func (s *SignalScanner) updateLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.engine.UpdatePositions(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithField("component", "signal_scanner").WithError(err).Error("Position update failed")
			}
		}
	}
}
