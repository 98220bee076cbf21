package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/services"
)

type UserHandler struct {
	gateway *services.Gateway
	logger  *zap.Logger
}

func NewUserHandler(gateway *services.Gateway, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		gateway: gateway,
		logger:  logger,
	}
}

// GetCurrentUser echoes the principal the auth layer resolved.
func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user": gin.H{
			"id":                  userID,
			"session_id":          c.GetString("session_id"),
			"account_age_seconds": int64(c.GetDuration("account_age").Seconds()),
		},
	})
}

// GetRiskStatus shows the caller their own risk state. It never changes it.
func (h *UserHandler) GetRiskStatus(c *gin.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	snap, err := h.gateway.RiskSnapshot(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, models.Unavailable(err, "risk state unavailable"))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"risk":    snap,
	})
}
