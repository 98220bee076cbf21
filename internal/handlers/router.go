package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// NewEngine returns a bare gin engine whose ClientIP only honours forwarding
// headers from the given proxies. With none configured every per-IP control
// keys on the TCP peer address.
func NewEngine(trustedProxies []string) (*gin.Engine, error) {
	router := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}
	return router, nil
}
