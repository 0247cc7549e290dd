package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/models"
)

const (
	defaultHistoryLimit = 30
	maxHistoryLimit     = 500
)

// StrategyService is the regime state machine surface exposed over HTTP.
type StrategyService interface {
	State() *models.StrategyState
	RecentHistory(n int) []models.RegimeHistoryEntry
	Override(ctx context.Context, mode models.StrategyMode, reason string, duration time.Duration) (*models.StrategyState, error)
}

type StrategyHandler struct {
	strategy StrategyService
}

func NewStrategyHandler(strategy StrategyService) *StrategyHandler {
	return &StrategyHandler{strategy: strategy}
}

// OverrideRequest forces a strategy mode. Duration is a Go duration string;
// empty means until the next accepted regime change.
type OverrideRequest struct {
	Mode     models.StrategyMode `json:"mode" binding:"required"`
	Reason   string              `json:"reason"`
	Duration string              `json:"duration"`
}

func (h *StrategyHandler) GetStrategy(c *gin.Context) {
	state := h.strategy.State()
	if state == nil {
		respondError(c, http.StatusServiceUnavailable, "Strategy state not initialized")
		return
	}
	respondOK(c, state)
}

func (h *StrategyHandler) GetHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	history := h.strategy.RecentHistory(limit)
	if history == nil {
		history = []models.RegimeHistoryEntry{}
	}
	respondOK(c, history)
}

func (h *StrategyHandler) Override(c *gin.Context) {
	var req OverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d < 0 {
			respondError(c, http.StatusBadRequest, "duration must be a non-negative Go duration such as 4h")
			return
		}
		duration = d
	}

	state, err := h.strategy.Override(c.Request.Context(), req.Mode, req.Reason, duration)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	respondOK(c, state)
}
