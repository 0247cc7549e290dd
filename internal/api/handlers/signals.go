package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
	"github.com/irfndi/celebrum-paper-trader/internal/services"
)

// SignalHandler exposes the live signal cache.
type SignalHandler struct {
	signals services.SignalStore
}

func NewSignalHandler(signals services.SignalStore) *SignalHandler {
	return &SignalHandler{signals: signals}
}

func (h *SignalHandler) GetSignals(c *gin.Context) {
	active, err := h.signals.Active(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if active == nil {
		active = []models.TradingSignal{}
	}
	respondOK(c, active)
}

// GetSignal returns the live signal for :symbol, written as BTC-USDT.
func (h *SignalHandler) GetSignal(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	signal, err := h.signals.Get(c.Request.Context(), symbol)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if signal == nil {
		respondError(c, http.StatusNotFound, "No live signal for "+symbol)
		return
	}
	respondOK(c, signal)
}
