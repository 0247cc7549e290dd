package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

type memorySignals struct {
	mu      sync.Mutex
	signals map[string]*models.TradingSignal
}

func newMemorySignals() *memorySignals {
	return &memorySignals{signals: make(map[string]*models.TradingSignal)}
}

func (m *memorySignals) Get(ctx context.Context, symbol string) (*models.TradingSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signals[symbol], nil
}

func (m *memorySignals) Put(ctx context.Context, signal *models.TradingSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signals[signal.Symbol] = signal
	return nil
}

func (m *memorySignals) Active(ctx context.Context) ([]models.TradingSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.TradingSignal, 0, len(m.signals))
	for _, s := range m.signals {
		out = append(out, *s)
	}
	return out, nil
}

type stubHalts map[string]string

func (h stubHalts) IsBlacklisted(ctx context.Context, symbol string) (bool, string) {
	reason, ok := h[symbol]
	return ok, reason
}

type scannerFixture struct {
	*engineFixture
	scanner  *SignalScanner
	setups   *stubSetupProvider
	regime   *RegimeStateMachine
	signals  *memorySignals
	halts    stubHalts
	registry *prometheus.Registry
}

func testScannerConfig(symbols ...string) config.ScannerConfig {
	return config.ScannerConfig{
		Symbols:           symbols,
		Timeframe:         "1h",
		ScanInterval:      "5m",
		RequestsPerSecond: 100,
		Concurrency:       2,
	}
}

func newScannerFixture(t *testing.T, exec config.ExecutionConfig, scan config.ScannerConfig, monitor bool) *scannerFixture {
	t.Helper()
	engine := newEngineFixture(t, exec)
	engine.prices.Set("BTC/USDT", d("50000"))

	btc := longSetup("0.8")
	setups := &stubSetupProvider{setups: map[string]*models.TechnicalSetup{"BTC/USDT": &btc}}
	sentiment := &stubSentiment{result: &models.SentimentResult{
		Symbol:     "BTC/USDT",
		Sentiment:  models.SentimentPositive,
		Confidence: d("0.9"),
		Source:     "llm",
	}}
	scorer := NewFusionScorer(testFusionConfig(), "1h", FusionDependencies{Setups: setups, Sentiment: sentiment}, testLogger())

	regime := NewRegimeStateMachine(testRegimeConfig(), nil, nil, nil, testLogger())
	_, err := regime.Process(context.Background(), snapshot(models.RegimeBull, "0.9"))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	signals := newMemorySignals()
	halts := stubHalts{}

	deps := ScannerDependencies{
		Scorer:  scorer,
		Filter:  NewTradeFilter(regime, testLogger()),
		Signals: signals,
		Engine:  engine.engine,
		Halts:   halts,
		Metrics: metrics.NewMetricsCollector(registry, testLogger(), "test"),
	}
	if monitor {
		m := NewPositionLifecycleMonitor(testLifecycleConfig(), engine.engine, engine.prices, testLogger())
		m.Start(context.Background())
		t.Cleanup(m.Stop)
		deps.Monitor = m
	}

	scanner := NewSignalScanner(scan, time.Hour, deps, testLogger())
	return &scannerFixture{
		engineFixture: engine,
		scanner:       scanner,
		setups:        setups,
		regime:        regime,
		signals:       signals,
		halts:         halts,
		registry:      registry,
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestSignalScanner_ExecutesAcceptedSignal(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, outcome)

	positions := f.engine.Ledger().OpenPositions()
	require.Len(t, positions, 1)
	assert.Equal(t, models.DirectionLong, positions[0].Direction)

	cached, _ := f.signals.Get(context.Background(), "BTC/USDT")
	require.NotNil(t, cached)
	assert.Equal(t, cached.ID, positions[0].SignalID)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "paper_fusion_decisions_total", "result", "accepted"))
}

func TestSignalScanner_LiveSignalSkipsAnalysis(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	ctx := context.Background()

	_, err := f.scanner.ScanSymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	calls := f.setups.calls

	outcome, err := f.scanner.ScanSymbol(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, outcome)
	assert.Equal(t, calls, f.setups.calls)
	assert.Len(t, f.engine.Ledger().OpenPositions(), 1)
}

func TestSignalScanner_HaltedSymbol(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	f.halts["BTC/USDT"] = "delisting"

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHalted, outcome)
	assert.Zero(t, f.setups.calls)
}

func TestSignalScanner_NoSetup(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("ETH/USDT"), false)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSetup, outcome)
}

func TestSignalScanner_RejectedCandidate(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	weak := longSetup("0.4")
	f.setups.setups["BTC/USDT"] = &weak

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)
	assert.Empty(t, f.engine.Ledger().OpenPositions())
	assert.Equal(t, 1.0, counterValue(t, f.registry, "paper_fusion_decisions_total", "result", "rejected"))
}

func TestSignalScanner_DirectionFilteredByMode(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	_, err := f.regime.Override(context.Background(), models.ModeBearOnly, "test", 0)
	require.NoError(t, err)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFiltered, outcome)
	assert.Empty(t, f.engine.Ledger().OpenPositions())

	cached, _ := f.signals.Get(context.Background(), "BTC/USDT")
	assert.Nil(t, cached)
}

func TestSignalScanner_InsufficientBalance(t *testing.T) {
	exec := testExecutionConfig()
	exec.InitialBalance = 5
	f := newScannerFixture(t, exec, testScannerConfig("BTC/USDT"), false)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientBalance, outcome)
}

func TestSignalScanner_AnalysisError(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	f.setups.err = errors.New("detector down")

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	assert.Error(t, err)
	assert.Equal(t, OutcomeError, outcome)
}

func TestSignalScanner_TracksNewPosition(t *testing.T) {
	exec := testExecutionConfig()
	exec.ExitPolicy = "managed"
	f := newScannerFixture(t, exec, testScannerConfig("BTC/USDT"), true)

	outcome, err := f.scanner.ScanSymbol(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	require.Equal(t, OutcomeExecuted, outcome)

	positions := f.engine.Ledger().OpenPositions()
	require.Len(t, positions, 1)
	assert.True(t, f.scanner.monitor.IsTracking(positions[0].ID))
}

func TestSignalScanner_ScanDueReschedules(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT", "ETH/USDT", "SOL/USDT"), false)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.scanner.now = func() time.Time { return now }

	scanned := f.scanner.ScanDue(context.Background())
	assert.Equal(t, 3, scanned)
	assert.Zero(t, f.scanner.ScanDue(context.Background()), "nothing due yet")

	// ETH and SOL had no setup: plain interval. BTC executed: signal TTL.
	next, ok := f.scanner.NextDue()
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), next)

	f.scanner.mu.Lock()
	btc := f.scanner.items["BTC/USDT"]
	f.scanner.mu.Unlock()
	assert.Equal(t, now.Add(30*time.Minute), btc.due)
}

func TestSignalScanner_ErrorsBackOff(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	f.setups.err = errors.New("detector down")
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.scanner.now = func() time.Time { return now }

	f.scanner.ScanDue(context.Background())
	next, _ := f.scanner.NextDue()
	assert.Equal(t, now.Add(10*time.Minute), next)

	now = next
	f.scanner.ScanDue(context.Background())
	next, _ = f.scanner.NextDue()
	assert.Equal(t, now.Add(20*time.Minute), next)
}

func TestSignalScanner_ScheduleMovesSymbol(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)
	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	f.scanner.Schedule("BTC/USDT", later)
	f.scanner.Schedule("ETH/USDT", later.Add(time.Hour))

	next, ok := f.scanner.NextDue()
	require.True(t, ok)
	assert.Equal(t, later, next)
	assert.ElementsMatch(t, []string{"BTC/USDT", "ETH/USDT"}, f.scanner.Symbols())
}

func TestSignalScanner_StartStop(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig("BTC/USDT"), false)

	require.NoError(t, f.scanner.Start(context.Background()))
	assert.Error(t, f.scanner.Start(context.Background()))

	assert.Eventually(t, func() bool {
		return len(f.engine.Ledger().OpenPositions()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.scanner.Stop()
	f.scanner.Stop()
}

func TestSignalScanner_StartWithoutSymbols(t *testing.T) {
	f := newScannerFixture(t, testExecutionConfig(), testScannerConfig(), false)
	assert.Error(t, f.scanner.Start(context.Background()))
}
