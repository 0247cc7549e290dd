package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-paper-trader/internal/config"
	"github.com/irfndi/celebrum-paper-trader/internal/metrics"
	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		InitialBalance:     100000,
		PositionFraction:   0.05,
		MinTradeAmount:     10,
		FeeRate:            0.001,
		SlippageRate:       0,
		MaxHoldingDuration: "24h",
		ExitPolicy:         "full_close",
	}
}

type engineFixture struct {
	engine *PaperExecutionEngine
	prices *fakePriceSource
	store  *memoryStore
	clock  *fakeClock
}

func newEngineFixture(t *testing.T, cfg config.ExecutionConfig) *engineFixture {
	t.Helper()
	prices := newFakePriceSource()
	store := newMemoryStore()
	clock := newFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	engine := NewPaperExecutionEngine(cfg, ExecutionDependencies{
		Prices:    prices,
		Positions: store,
		Ledgers:   store,
		Metrics:   metrics.NewMetricsCollector(prometheus.NewRegistry(), testLogger(), "test"),
	}, testLogger())
	engine.now = clock.Now
	return &engineFixture{engine: engine, prices: prices, store: store, clock: clock}
}

func testSignal(dir models.Direction, confidence string) *models.TradingSignal {
	stop, tp := d("48000"), d("55000")
	if dir == models.DirectionShort {
		stop, tp = d("52000"), d("45000")
	}
	return &models.TradingSignal{
		ID:          "sig-1",
		Symbol:      "BTC/USDT",
		Direction:   dir,
		EntryPrice:  d("50000"),
		StopLoss:    stop,
		TakeProfits: []decimal.Decimal{tp},
		Confidence:  d(confidence),
	}
}

func TestPaperExecution_ExecuteSignalSizing(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))

	pos, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.True(t, pos.CostBasis().Equal(d("4000")), pos.CostBasis().String())
	assert.True(t, pos.Quantity.Equal(d("0.08")), pos.Quantity.String())
	assert.True(t, pos.EntryFee.Equal(d("4")))
	assert.True(t, f.engine.Ledger().Balance().Equal(d("95996")), f.engine.Ledger().Balance().String())
	assert.Equal(t, models.PositionStatusOpen, pos.Status)
	assert.Equal(t, "sig-1", pos.SignalID)

	saved := f.store.savedPosition(pos.ID)
	require.NotNil(t, saved)
	ledger, _ := f.store.LoadLedger(context.Background())
	require.NotNil(t, ledger)
	assert.True(t, ledger.Balance.Equal(d("95996")))
}

func TestPaperExecution_EntrySlippageIsUnfavorable(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.SlippageRate = 0.0005
	f := newEngineFixture(t, cfg)
	f.prices.Set("BTC/USDT", d("50000"))

	long, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)
	assert.True(t, long.EntryPrice.Equal(d("50025")))
	assert.InDelta(t, 0.08, long.Quantity.InexactFloat64(), 0.0001)

	short, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionShort, "0.8"))
	require.NoError(t, err)
	assert.True(t, short.EntryPrice.Equal(d("49975")))

	// exit slippage runs the other way
	assert.True(t, f.engine.exitPrice(d("50000"), models.DirectionLong).Equal(d("49975")))
	assert.True(t, f.engine.exitPrice(d("50000"), models.DirectionShort).Equal(d("50025")))
}

func TestPaperExecution_NoPriceNoPosition(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())

	pos, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionLong, "0.8"))
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, utils.ErrDataUnavailable)
	assert.True(t, f.engine.Ledger().Balance().Equal(d("100000")))
	assert.Empty(t, f.engine.Ledger().OpenPositions())
}

func TestPaperExecution_InsufficientBalance(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.InitialBalance = 5
	f := newEngineFixture(t, cfg)
	f.prices.Set("BTC/USDT", d("50000"))

	pos, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionLong, "0.8"))
	assert.Nil(t, pos)
	assert.ErrorIs(t, err, utils.ErrInsufficientBalance)
	assert.True(t, f.engine.Ledger().Balance().Equal(d("5")))
}

func TestPaperExecution_RequiredMarginEqualToBalanceIsAllowed(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.InitialBalance = 1001
	cfg.PositionFraction = 1
	f := newEngineFixture(t, cfg)
	f.prices.Set("BTC/USDT", d("50000"))

	pos, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionLong, "1"))
	require.NoError(t, err)
	assert.True(t, pos.CostBasis().Equal(d("1000")), pos.CostBasis().String())
	assert.True(t, f.engine.Ledger().Balance().IsZero(), f.engine.Ledger().Balance().String())
}

func TestPaperExecution_PositionSizeClamps(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())

	// below minimum rises to the minimum
	assert.True(t, f.engine.PositionSize(d("100"), d("0.1")).Equal(d("10")))
	// the cap keeps fee-inclusive cost within the balance
	size := f.engine.PositionSize(d("10.005"), d("1"))
	assert.True(t, size.Mul(d("1.001")).LessThanOrEqual(d("10.005")))
}

func TestPaperExecution_RejectsExpiredSignal(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	sig := testSignal(models.DirectionLong, "0.8")
	sig.ExpiresAt = f.clock.Now().Add(-time.Second)

	_, err := f.engine.ExecuteSignal(context.Background(), sig)
	assert.True(t, utils.IsValidationError(err))
}

func TestPaperExecution_StopLossPath(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	var closedTrade *models.Trade
	f.engine.OnClose(func(ctx context.Context, p *models.Position, tr *models.Trade) {
		closedTrade = tr
	})

	f.prices.SetPath("BTC/USDT", d("50500"), d("49500"), d("47900"))

	require.NoError(t, f.engine.UpdatePositions(ctx))
	require.NotNil(t, f.engine.Ledger().Get(pos.ID))
	assert.True(t, f.engine.Ledger().Get(pos.ID).CurrentPrice.Equal(d("50500")))

	require.NoError(t, f.engine.UpdatePositions(ctx))
	require.NotNil(t, f.engine.Ledger().Get(pos.ID))

	require.NoError(t, f.engine.UpdatePositions(ctx))
	assert.Nil(t, f.engine.Ledger().Get(pos.ID))

	require.NotNil(t, closedTrade)
	assert.Equal(t, models.ExitReasonStopLoss, closedTrade.ExitReason)
	assert.True(t, closedTrade.ExitPrice.Equal(d("47900")))

	saved := f.store.savedPosition(pos.ID)
	assert.Equal(t, models.PositionStatusClosed, saved.Status)
	assert.Equal(t, models.ExitReasonStopLoss, saved.ExitReason)
	assert.Equal(t, 1, f.store.tradeCount())
}

func TestPaperExecution_CloseTriggerPriority(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	now := f.clock.Now()
	pos := &models.Position{
		Direction:   models.DirectionLong,
		StopLoss:    d("50000"),
		TakeProfits: []decimal.Decimal{d("47000")},
		CreatedAt:   now.Add(-48 * time.Hour),
	}

	assert.Equal(t, models.ExitReasonStopLoss, f.engine.CloseTrigger(pos, d("48000"), now))
	pos.StopLoss = decimal.Zero
	assert.Equal(t, models.ExitReasonTakeProfit, f.engine.CloseTrigger(pos, d("48000"), now))
	pos.TakeProfits = nil
	assert.Equal(t, models.ExitReasonMaxHoldingTime, f.engine.CloseTrigger(pos, d("48000"), now))
	pos.CreatedAt = now
	assert.Equal(t, models.ExitReason(""), f.engine.CloseTrigger(pos, d("48000"), now))

	short := &models.Position{Direction: models.DirectionShort, StopLoss: d("52000"), TakeProfits: []decimal.Decimal{d("45000")}, CreatedAt: now}
	assert.Equal(t, models.ExitReasonStopLoss, f.engine.CloseTrigger(short, d("52000"), now))
	assert.Equal(t, models.ExitReasonTakeProfit, f.engine.CloseTrigger(short, d("44000"), now))
}

func TestPaperExecution_MaxHoldingTime(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	require.NoError(t, f.engine.UpdatePositions(ctx))

	saved := f.store.savedPosition(pos.ID)
	assert.Equal(t, models.ExitReasonMaxHoldingTime, saved.ExitReason)
}

func TestPaperExecution_ManagedPolicyOnlyRefreshes(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.ExitPolicy = "managed"
	f := newEngineFixture(t, cfg)
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	f.prices.Set("BTC/USDT", d("40000"))
	require.NoError(t, f.engine.UpdatePositions(ctx))

	live := f.engine.Ledger().Get(pos.ID)
	require.NotNil(t, live)
	assert.True(t, live.CurrentPrice.Equal(d("40000")))
	assert.True(t, live.UnrealizedPnL.Equal(d("-800")))
}

func TestPaperExecution_UpdateSkipsMissingPrice(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	f.prices.Fail("BTC/USDT", true)
	require.NoError(t, f.engine.UpdatePositions(ctx))
	assert.NotNil(t, f.engine.Ledger().Get(pos.ID))
}

func TestPaperExecution_ClosePositionTwiceIsNoop(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	trade, err := f.engine.ClosePosition(ctx, pos.ID, d("51000"), models.ExitReasonTakeProfit)
	require.NoError(t, err)
	require.NotNil(t, trade)
	// 0.08 * 1000 - 0.08*51000*0.001
	assert.True(t, trade.RealizedPnL.Equal(d("75.92")), trade.RealizedPnL.String())

	balance := f.engine.Ledger().Balance()
	again, err := f.engine.ClosePosition(ctx, pos.ID, d("52000"), models.ExitReasonTakeProfit)
	assert.NoError(t, err)
	assert.Nil(t, again)
	assert.True(t, f.engine.Ledger().Balance().Equal(balance))
	assert.Equal(t, 1, f.store.tradeCount())
}

func TestPaperExecution_ClosePartial(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	trade, err := f.engine.ClosePartial(ctx, pos.ID, d("0.03"), d("52000"), models.ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.True(t, trade.Partial)

	live := f.engine.Ledger().Get(pos.ID)
	assert.True(t, live.Quantity.Equal(d("0.05")))
	assert.Equal(t, models.PositionStatusPartiallyClosed, live.Status)

	_, err = f.engine.ClosePartial(ctx, pos.ID, d("-1"), d("52000"), models.ExitReasonTakeProfit)
	assert.True(t, utils.IsValidationError(err))

	trade, err = f.engine.ClosePartial(ctx, pos.ID, d("1"), d("52000"), models.ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.True(t, trade.Quantity.Equal(d("0.05")))
	assert.Nil(t, f.engine.Ledger().Get(pos.ID))
}

func TestPaperExecution_ForceClose(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	_, err := f.engine.ForceClose(ctx, "missing")
	assert.ErrorIs(t, err, utils.ErrPositionNotFound)

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	f.prices.Fail("BTC/USDT", true)
	trade, err := f.engine.ForceClose(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExitReasonManual, trade.ExitReason)
	assert.True(t, trade.ExitPrice.Equal(d("50000")))
}

func TestPaperExecution_GetPortfolio(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	_, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)
	f.prices.Set("BTC/USDT", d("51000"))

	summary, err := f.engine.GetPortfolio(ctx)
	require.NoError(t, err)

	assert.Len(t, summary.OpenPositions, 1)
	assert.True(t, summary.AvailableBalance.Equal(d("95996")))
	assert.True(t, summary.UnrealizedPnL.Equal(d("80")))
	assert.True(t, summary.TotalValue.Equal(d("100076")))
	assert.True(t, summary.TotalFees.Equal(d("4")))
}

func TestPaperExecution_PersistenceFailureKeepsInMemoryResult(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	f.store.failWrite = true

	pos, err := f.engine.ExecuteSignal(context.Background(), testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)
	assert.NotNil(t, f.engine.Ledger().Get(pos.ID))

	trade, err := f.engine.ClosePosition(context.Background(), pos.ID, d("50000"), models.ExitReasonManual)
	require.NoError(t, err)
	assert.NotNil(t, trade)
}

func TestPaperExecution_Restore(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	restored := NewPaperExecutionEngine(testExecutionConfig(), ExecutionDependencies{
		Prices:    f.prices,
		Positions: f.store,
		Ledgers:   f.store,
	}, testLogger())
	require.NoError(t, restored.Restore(ctx))

	assert.True(t, restored.Ledger().Balance().Equal(d("95996")))
	require.NotNil(t, restored.Ledger().Get(pos.ID))
}

func TestPaperExecution_ResetDaily(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)
	_, err = f.engine.ClosePosition(ctx, pos.ID, d("51000"), models.ExitReasonManual)
	require.NoError(t, err)
	require.False(t, f.engine.Ledger().Summary(f.clock.Now()).DailyPnL.IsZero())

	f.engine.ResetDaily(ctx)

	summary := f.engine.Ledger().Summary(f.clock.Now())
	assert.True(t, summary.DailyPnL.IsZero())
	assert.False(t, summary.TotalPnL.IsZero())
	saved, _ := f.store.LoadLedger(ctx)
	assert.True(t, saved.DailyPnL.IsZero())
}

func TestPaperExecution_ConcurrentClosesNeverDoubleCredit(t *testing.T) {
	f := newEngineFixture(t, testExecutionConfig())
	f.prices.Set("BTC/USDT", d("50000"))
	ctx := context.Background()

	pos, err := f.engine.ExecuteSignal(ctx, testSignal(models.DirectionLong, "0.8"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	trades := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := f.engine.ClosePosition(ctx, pos.ID, d("50000"), models.ExitReasonManual)
			assert.NoError(t, err)
			if tr != nil {
				mu.Lock()
				trades++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, trades)
	// 95996 + 4000 - 4 exit fee
	assert.True(t, f.engine.Ledger().Balance().Equal(d("99992")), f.engine.Ledger().Balance().String())
}
