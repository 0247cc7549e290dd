package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/irfndi/celebrum-paper-trader/internal/logging"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testLogger() *logrus.Logger {
	return logging.NewDiscardLogger()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

type stubSetupProvider struct {
	mu     sync.Mutex
	setups map[string]*models.TechnicalSetup
	err    error
	calls  int32
}

func (s *stubSetupProvider) DetectSetup(ctx context.Context, symbol, timeframe string) (*models.TechnicalSetup, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	setup, ok := s.setups[symbol]
	if !ok {
		return nil, nil
	}
	cp := *setup
	return &cp, nil
}

type stubSentiment struct {
	result *models.SentimentResult
	err    error
	calls  int32
}

func (s *stubSentiment) Analyze(ctx context.Context, symbol string) (*models.SentimentResult, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubEvents struct {
	events []models.MarketEvent
	err    error
}

func (s *stubEvents) GetRecentEvents(ctx context.Context, symbol string, hours int) ([]models.MarketEvent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.events, nil
}

type stubCandles struct {
	byTimeframe map[string][]models.Candle
	err         error
}

func (s *stubCandles) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]models.Candle, error) {
	if s.err != nil {
		return nil, s.err
	}
	candles := s.byTimeframe[timeframe]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// fakePriceSource serves a fixed price per symbol, or walks a path of
// prices one step per call.
type fakePriceSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	paths  map[string][]decimal.Decimal
	fail   map[string]bool
}

func newFakePriceSource() *fakePriceSource {
	return &fakePriceSource{
		prices: make(map[string]decimal.Decimal),
		paths:  make(map[string][]decimal.Decimal),
		fail:   make(map[string]bool),
	}
}

func (f *fakePriceSource) Set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *fakePriceSource) SetPath(symbol string, path ...decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[symbol] = path
}

func (f *fakePriceSource) Fail(symbol string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[symbol] = fail
}

func (f *fakePriceSource) CurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[symbol] {
		return decimal.Zero, utils.DataUnavailablef("no price for %s", symbol)
	}
	if path := f.paths[symbol]; len(path) > 0 {
		price := path[0]
		if len(path) > 1 {
			f.paths[symbol] = path[1:]
		}
		f.prices[symbol] = price
		return price, nil
	}
	price, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, utils.DataUnavailablef("no price for %s", symbol)
	}
	return price, nil
}

// memoryStore implements PositionStore, LedgerStore and StrategyStateStore.
type memoryStore struct {
	mu        sync.Mutex
	positions map[string]*models.Position
	trades    []models.Trade
	ledger    *models.LedgerSnapshot
	state     *models.StrategyState
	history   []models.RegimeHistoryEntry
	failWrite bool
	saves     int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{positions: make(map[string]*models.Position)}
}

var errStoreDown = errors.New("store down")

func (m *memoryStore) SavePosition(ctx context.Context, position *models.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errStoreDown
	}
	m.saves++
	m.positions[position.ID] = position.Clone()
	return nil
}

func (m *memoryStore) SaveTrade(ctx context.Context, trade *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errStoreDown
	}
	m.trades = append(m.trades, *trade)
	return nil
}

func (m *memoryStore) LoadOpenPositions(ctx context.Context) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Position
	for _, p := range m.positions {
		if p.Status != models.PositionStatusClosed {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) SaveLedger(ctx context.Context, snapshot *models.LedgerSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errStoreDown
	}
	cp := *snapshot
	m.ledger = &cp
	return nil
}

func (m *memoryStore) LoadLedger(ctx context.Context) (*models.LedgerSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ledger == nil {
		return nil, nil
	}
	cp := *m.ledger
	return &cp, nil
}

func (m *memoryStore) SaveStrategyState(ctx context.Context, state *models.StrategyState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errStoreDown
	}
	m.saves++
	m.state = state.Clone()
	return nil
}

func (m *memoryStore) LoadStrategyState(ctx context.Context) (*models.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone(), nil
}

func (m *memoryStore) AppendRegimeHistory(ctx context.Context, entry models.RegimeHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errStoreDown
	}
	m.history = append(m.history, entry)
	return nil
}

func (m *memoryStore) LoadRegimeHistory(ctx context.Context, limit int) ([]models.RegimeHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]models.RegimeHistoryEntry(nil), h...), nil
}

func (m *memoryStore) savedPosition(id string) *models.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions[id].Clone()
}

func (m *memoryStore) tradeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

type stubRegimeAnalyzer struct {
	mu      sync.Mutex
	results []*models.RegimeAnalysis
	err     error
	calls   int32
}

func (s *stubRegimeAnalyzer) Push(regime models.Regime, confidence string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, &models.RegimeAnalysis{
		Regime:     regime,
		Confidence: d(confidence),
		AnalyzedAt: time.Now(),
	})
}

func (s *stubRegimeAnalyzer) Analyze(ctx context.Context) (*models.RegimeAnalysis, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return nil, errors.New("no analysis queued")
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	cp := *r
	return &cp, nil
}
