package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fairbet-gateway/internal/lottery"
	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/services"
)

const captchaHeader = "X-Captcha-Token"

type GameHandler struct {
	gateway *services.Gateway
	logger  *zap.Logger
}

func NewGameHandler(gateway *services.Gateway, logger *zap.Logger) *GameHandler {
	return &GameHandler{
		gateway: gateway,
		logger:  logger,
	}
}

// CommitBet publishes a seed hash for a new bet. The outcome is not known
// to anyone until RevealBet.
func (h *GameHandler) CommitBet(c *gin.Context) {
	var req models.BetCommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, models.Reject(models.CodeInvalidBet, "invalid request body: %s", err.Error()))
		return
	}

	receipt, err := h.gateway.Commit(c.Request.Context(), services.BetCommit{
		UserID:       c.GetString("user_id"),
		ClientIP:     c.ClientIP(),
		AccountAge:   c.GetDuration("account_age"),
		CaptchaToken: c.GetHeader(captchaHeader),
		Request:      req,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, receipt)
}

func (h *GameHandler) RevealBet(c *gin.Context) {
	var req models.RevealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, models.Reject(models.CodeMissingRequestID, "requestId is required"))
		return
	}

	result, err := h.gateway.Reveal(c.Request.Context(), c.GetString("user_id"), req.RequestID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"result":  result,
	})
}

func (h *GameHandler) GetBet(c *gin.Context) {
	view, err := h.gateway.Get(c.Request.Context(), c.GetString("user_id"), c.Param("requestId"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"commitment": view,
	})
}

// VerifyGame lets anyone recompute a revealed round. It needs no session.
func (h *GameHandler) VerifyGame(c *gin.Context) {
	var req models.VerificationData
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}
	if !req.GameVariant.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "gameVariant must be dice, matrix or crash",
		})
		return
	}

	check := h.gateway.Verify(req)
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"verification": check,
	})
}

const maxDrawBodyBytes = 2 << 20

// VerifyDraw recomputes a jackpot draw from its revealed seed.
func (h *GameHandler) VerifyDraw(c *gin.Context) {
	var req struct {
		ServerSeed     string   `json:"serverSeed" binding:"required"`
		ServerSeedHash string   `json:"serverSeedHash" binding:"required"`
		ClientSeed     string   `json:"clientSeed" binding:"required"`
		Tickets        []string `json:"tickets" binding:"required,max=50000"`
		Winners        []string `json:"winners" binding:"required"`
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDrawBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	err := lottery.VerifyDraw(req.ServerSeed, req.ServerSeedHash, req.ClientSeed, req.Tickets, req.Winners)
	verification := gin.H{"valid": err == nil}
	if err != nil {
		verification["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"verification": verification,
	})
}

// respondError renders a gateway rejection with its status and details.
// Anything else is an internal error and is not echoed to the caller.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var gerr *models.GatewayError
	if !errors.As(err, &gerr) {
		logger.Error("unhandled error",
			zap.String("path", c.FullPath()),
			zap.String("user_id", c.GetString("user_id")),
			zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "INTERNAL_ERROR",
		})
		return
	}

	status := gerr.Code.Status()
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", string(gerr.Code)),
			zap.String("path", c.FullPath()),
			zap.String("user_id", c.GetString("user_id")),
			zap.Error(err))
	}

	body := gin.H{}
	for k, v := range gerr.Details {
		body[k] = v
	}
	body["error"] = gerr.Message
	body["code"] = gerr.Code

	if retry, ok := gerr.Details["retryAfterSeconds"].(int); ok {
		c.Header("Retry-After", strconv.Itoa(retry))
	}
	c.AbortWithStatusJSON(status, body)
}
