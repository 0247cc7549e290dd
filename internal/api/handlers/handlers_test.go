package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/services"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

type MockTradingEngine struct {
	mock.Mock
}

func (m *MockTradingEngine) GetPortfolio(ctx context.Context) (*models.PortfolioSummary, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PortfolioSummary), args.Error(1)
}

func (m *MockTradingEngine) ForceClose(ctx context.Context, id string) (*models.Trade, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Trade), args.Error(1)
}

func (m *MockTradingEngine) Position(id string) *models.Position {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).(*models.Position)
}

func (m *MockTradingEngine) Positions() []*models.Position {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]*models.Position)
}

type MockPositionHistory struct {
	mock.Mock
}

func (m *MockPositionHistory) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Position), args.Error(1)
}

func (m *MockPositionHistory) TradesForPosition(ctx context.Context, positionID string) ([]models.Trade, error) {
	args := m.Called(ctx, positionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Trade), args.Error(1)
}

type fixedBreakers map[string]services.BreakerStats

func (f fixedBreakers) AllStats() map[string]services.BreakerStats { return f }

func serve(router *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func portfolioRouter(engine TradingEngine, history PositionHistory) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewPortfolioHandler(engine, history)
	router := gin.New()
	router.GET("/portfolio", h.GetPortfolio)
	router.GET("/positions", h.GetPositions)
	router.GET("/positions/:id", h.GetPosition)
	router.POST("/positions/:id/close", h.ClosePosition)
	return router
}

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTC/USDT", normalizeSymbol("btc-usdt"))
	assert.Equal(t, "BTC/USDT", normalizeSymbol("BTC_USDT"))
	assert.Equal(t, "BTC/USDT", normalizeSymbol(" BTC/USDT "))
}

func TestPortfolioHandler_ErrorMapping(t *testing.T) {
	engine := new(MockTradingEngine)
	engine.On("GetPortfolio", mock.Anything).Return(nil, utils.DataUnavailablef("no price for BTC/USDT"))
	engine.On("ForceClose", mock.Anything, "gone").Return(nil, fmt.Errorf("position gone: %w", utils.ErrPositionNotFound))
	engine.On("ForceClose", mock.Anything, "broken").Return(nil, errors.New("ledger corrupted"))
	router := portfolioRouter(engine, nil)

	assert.Equal(t, http.StatusServiceUnavailable, serve(router, "GET", "/portfolio").Code)
	assert.Equal(t, http.StatusNotFound, serve(router, "POST", "/positions/gone/close").Code)
	assert.Equal(t, http.StatusInternalServerError, serve(router, "POST", "/positions/broken/close").Code)
	engine.AssertExpectations(t)
}

func TestPortfolioHandler_EmptyPositionsIsArray(t *testing.T) {
	engine := new(MockTradingEngine)
	engine.On("Positions").Return(nil)

	w := serve(portfolioRouter(engine, nil), "GET", "/positions")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"data":[]}`, w.Body.String())
}

func TestPortfolioHandler_ClosedPositionFromHistory(t *testing.T) {
	engine := new(MockTradingEngine)
	engine.On("Position", "pos-1").Return(nil)
	history := new(MockPositionHistory)
	history.On("GetPosition", mock.Anything, "pos-1").Return(&models.Position{ID: "pos-1", Status: models.PositionStatusClosed}, nil)
	history.On("TradesForPosition", mock.Anything, "pos-1").Return([]models.Trade{{ID: "t-1", ExitReason: models.ExitReasonTakeProfit}}, nil)

	w := serve(portfolioRouter(engine, history), "GET", "/positions/pos-1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"closed"`)
	assert.Contains(t, w.Body.String(), `"t-1"`)
}

func TestPortfolioHandler_HistoryFailure(t *testing.T) {
	engine := new(MockTradingEngine)
	engine.On("Position", "pos-2").Return(nil)
	history := new(MockPositionHistory)
	history.On("GetPosition", mock.Anything, "pos-2").Return(nil, utils.PersistenceError("get position", errors.New("timeout")))

	w := serve(portfolioRouter(engine, history), "GET", "/positions/pos-2")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	t.Run("all healthy", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthChecker{
			"database": HealthCheckFunc(func(ctx context.Context) error { return nil }),
		}, fixedBreakers{"sentiment": {State: "closed"}})
		router := gin.New()
		router.GET("/health", h.HealthCheck)

		w := serve(router, "GET", "/health")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"sentiment"`)
	})

	t.Run("degraded", func(t *testing.T) {
		h := NewHealthHandler(map[string]HealthChecker{
			"database": HealthCheckFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
			"redis":    nil,
		}, nil)
		h.timeout = time.Second
		router := gin.New()
		router.GET("/health", h.HealthCheck)

		w := serve(router, "GET", "/health")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "connection refused")
		assert.Contains(t, w.Body.String(), "not configured")
	})
}
