package services

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

func staticSetup() models.TechnicalSetup {
	return models.TechnicalSetup{
		Symbol:      "ETH/USDT",
		SetupType:   models.SetupBreakoutLong,
		Confidence:  d("0.75"),
		EntryPrice:  d("3000"),
		StopLoss:    d("2900"),
		TakeProfits: []decimal.Decimal{d("3200"), d("3400")},
		Timeframe:   "1h",
		DetectedAt:  time.Now(),
	}
}

func TestStaticSetupProvider_SetAndDetect(t *testing.T) {
	p := NewStaticSetupProvider()
	require.NoError(t, p.Set(staticSetup()))

	got, err := p.DetectSetup(context.Background(), "ETH/USDT", "1h")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.DirectionLong, got.Direction())

	got.TakeProfits[0] = d("1")
	again, err := p.DetectSetup(context.Background(), "ETH/USDT", "1h")
	require.NoError(t, err)
	assert.True(t, again.TakeProfits[0].Equal(d("3200")))
}

func TestStaticSetupProvider_TimeframeMismatch(t *testing.T) {
	p := NewStaticSetupProvider()
	require.NoError(t, p.Set(staticSetup()))

	got, err := p.DetectSetup(context.Background(), "ETH/USDT", "4h")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStaticSetupProvider_RejectsInvalid(t *testing.T) {
	p := NewStaticSetupProvider()
	bad := staticSetup()
	bad.StopLoss = d("3100")

	err := p.Set(bad)
	assert.True(t, utils.IsValidationError(err))

	got, err := p.DetectSetup(context.Background(), "ETH/USDT", "1h")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStaticSetupProvider_Clear(t *testing.T) {
	p := NewStaticSetupProvider()
	require.NoError(t, p.Set(staticSetup()))

	assert.True(t, p.Clear("ETH/USDT"))
	assert.False(t, p.Clear("ETH/USDT"))
	got, err := p.DetectSetup(context.Background(), "ETH/USDT", "1h")
	require.NoError(t, err)
	assert.Nil(t, got)
}
