package middleware

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fairbet-gateway/internal/models"
	"fairbet-gateway/internal/services"
)

// AuthFailureRecorder is told about every rejected credential so repeated
// failures from one address raise its risk score.
type AuthFailureRecorder interface {
	RecordAuthFailure(ctx context.Context, ip string) error
}

func AuthMiddleware(jwtService *services.JWTService, failures AuthFailureRecorder, logger *zap.Logger) gin.HandlerFunc {
	reject := func(c *gin.Context, msg string) {
		if failures != nil {
			if err := failures.RecordAuthFailure(c.Request.Context(), c.ClientIP()); err != nil {
				logger.Warn("failed to record auth failure", zap.String("ip", c.ClientIP()), zap.Error(err))
			}
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": msg})
		c.Abort()
	}

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		var tokenString string

		if authHeader != "" {
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				reject(c, "Invalid authorization format")
				return
			}
			tokenString = parts[1]
		} else {
			tokenString = c.Query("token")
			if tokenString == "" {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
				c.Abort()
				return
			}
		}

		claims, err := jwtService.ValidateToken(tokenString)
		if err != nil {
			reject(c, "Invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("session_id", claims.SessionID)
		c.Set("account_age", claims.AccountAge(time.Now()))

		c.Next()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPFloodGuard is a coarse token bucket per client address in front of every
// route. Bet-level rate limits live in the replay guard.
type IPFloodGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	idle     time.Duration
}

func NewIPFloodGuard(rps float64, burst int) *IPFloodGuard {
	if burst < 1 {
		burst = 1
	}
	return &IPFloodGuard{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
	}
}

func (g *IPFloodGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	v, ok := g.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

// Cleanup forgets idle addresses until ctx is done.
func (g *IPFloodGuard) Cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.evictIdle(time.Now())
		}
	}
}

func (g *IPFloodGuard) evictIdle(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	evicted := 0
	for ip, v := range g.visitors {
		if now.Sub(v.lastSeen) > g.idle {
			delete(g.visitors, ip)
			evicted++
		}
	}
	return evicted
}

func (g *IPFloodGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if g.rps <= 0 {
			c.Next()
			return
		}
		if !g.allow(services.NormalizeIP(c.ClientIP())) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "Too many requests",
				"code":              models.CodeRateLimitExceeded,
				"retryAfterSeconds": 1,
			})
			return
		}
		c.Next()
	}
}

// RequestLogger writes one structured line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}
		if userID := c.GetString("user_id"); userID != "" {
			fields = append(fields, zap.String("user_id", userID))
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			logger.Error("request", fields...)
		case status >= http.StatusBadRequest:
			logger.Info("request", fields...)
		default:
			logger.Debug("request", fields...)
		}
	}
}

// CORS mirrors the permissive policy the public verification endpoints need.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Captcha-Token")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
