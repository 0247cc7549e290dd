package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/cache"
)

// HaltManager edits the symbol halt list.
type HaltManager interface {
	Add(ctx context.Context, symbol, reason string, ttl time.Duration) (*cache.BlacklistCacheEntry, error)
	Remove(ctx context.Context, symbol string) error
	List(ctx context.Context) ([]cache.BlacklistCacheEntry, error)
}

type HaltHandler struct {
	halts HaltManager
}

func NewHaltHandler(halts HaltManager) *HaltHandler {
	return &HaltHandler{halts: halts}
}

// HaltRequest halts a symbol. An empty duration halts until removed.
type HaltRequest struct {
	Symbol   string `json:"symbol" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Duration string `json:"duration"`
}

func (h *HaltHandler) ListHalts(c *gin.Context) {
	entries, err := h.halts.List(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	if entries == nil {
		entries = []cache.BlacklistCacheEntry{}
	}
	respondOK(c, entries)
}

func (h *HaltHandler) AddHalt(c *gin.Context) {
	var req HaltRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var ttl time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			respondError(c, http.StatusBadRequest, "duration must be a positive Go duration such as 24h")
			return
		}
		ttl = d
	}

	entry, err := h.halts.Add(c.Request.Context(), normalizeSymbol(req.Symbol), req.Reason, ttl)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": entry})
}

func (h *HaltHandler) RemoveHalt(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	if err := h.halts.Remove(c.Request.Context(), symbol); err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, gin.H{"symbol": symbol})
}
