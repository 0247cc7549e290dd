package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

// SetupFeed accepts setups from an external detector.
type SetupFeed interface {
	Set(setup models.TechnicalSetup) error
	Clear(symbol string) bool
}

// SetupHandler lets an upstream detector or an operator push setups into
// the scanner.
type SetupHandler struct {
	feed SetupFeed
	now  func() time.Time
}

func NewSetupHandler(feed SetupFeed) *SetupHandler {
	return &SetupHandler{feed: feed, now: time.Now}
}

func (h *SetupHandler) PushSetup(c *gin.Context) {
	var setup models.TechnicalSetup
	if err := c.ShouldBindJSON(&setup); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	setup.Symbol = normalizeSymbol(setup.Symbol)
	if setup.DetectedAt.IsZero() {
		setup.DetectedAt = h.now()
	}

	if err := h.feed.Set(setup); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "data": setup})
}

func (h *SetupHandler) ClearSetup(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	if !h.feed.Clear(symbol) {
		respondError(c, http.StatusNotFound, "No setup for "+symbol)
		return
	}
	respondOK(c, gin.H{"symbol": symbol})
}
