package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

// TradingEngine is the execution engine surface the API reads and commands.
type TradingEngine interface {
	GetPortfolio(ctx context.Context) (*models.PortfolioSummary, error)
	ForceClose(ctx context.Context, id string) (*models.Trade, error)
	Position(id string) *models.Position
	Positions() []*models.Position
}

// PositionHistory looks up closed positions and their fills.
type PositionHistory interface {
	GetPosition(ctx context.Context, id string) (*models.Position, error)
	TradesForPosition(ctx context.Context, positionID string) ([]models.Trade, error)
}

// PortfolioHandler serves portfolio and position endpoints.
type PortfolioHandler struct {
	engine  TradingEngine
	history PositionHistory
}

// NewPortfolioHandler creates the handler. history may be nil, in which case
// only open positions can be looked up.
func NewPortfolioHandler(engine TradingEngine, history PositionHistory) *PortfolioHandler {
	return &PortfolioHandler{engine: engine, history: history}
}

// PositionDetail is a position with its recorded fills.
type PositionDetail struct {
	Position *models.Position `json:"position"`
	Trades   []models.Trade   `json:"trades,omitempty"`
}

// GetPortfolio returns balance, P&L and open positions marked to market.
func (h *PortfolioHandler) GetPortfolio(c *gin.Context) {
	summary, err := h.engine.GetPortfolio(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, summary)
}

// GetPositions lists open positions.
func (h *PortfolioHandler) GetPositions(c *gin.Context) {
	positions := h.engine.Positions()
	if positions == nil {
		positions = []*models.Position{}
	}
	respondOK(c, positions)
}

// GetPosition returns one position, open or historical.
func (h *PortfolioHandler) GetPosition(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	position := h.engine.Position(id)
	if position == nil && h.history != nil {
		stored, err := h.history.GetPosition(ctx, id)
		if err != nil && !errors.Is(err, utils.ErrPositionNotFound) {
			respondServiceError(c, err)
			return
		}
		position = stored
	}
	if position == nil {
		respondError(c, http.StatusNotFound, "Position not found")
		return
	}

	detail := PositionDetail{Position: position}
	if h.history != nil {
		trades, err := h.history.TradesForPosition(ctx, id)
		if err != nil {
			_ = c.Error(err)
		} else {
			detail.Trades = trades
		}
	}
	respondOK(c, detail)
}

// ClosePosition force-closes a position at the current price.
func (h *PortfolioHandler) ClosePosition(c *gin.Context) {
	trade, err := h.engine.ForceClose(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, trade)
}
