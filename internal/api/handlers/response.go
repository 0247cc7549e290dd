package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/irfndi/celebrum-paper-trader/internal/utils"
)

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   message,
	})
}

// respondServiceError maps the error taxonomy to HTTP status codes.
func respondServiceError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case utils.IsValidationError(err):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, utils.ErrPositionNotFound):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, utils.ErrDataUnavailable):
		respondError(c, http.StatusServiceUnavailable, err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "Internal error: "+err.Error())
	}
}

// normalizeSymbol accepts "btc-usdt", "BTC_USDT" or "BTC/USDT" so that
// symbols can travel in a single path segment.
func normalizeSymbol(raw string) string {
	raw = strings.TrimSpace(strings.ToUpper(raw))
	return strings.NewReplacer("-", "/", "_", "/").Replace(raw)
}
