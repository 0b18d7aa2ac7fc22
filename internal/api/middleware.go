package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		s.log.Info("http_request",
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "too many requests",
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(s.cfg.AdminSecretKey) == "" {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{
					"code":    "config_error",
					"message": "ADMIN_SECRET_KEY not configured",
				},
			})
			c.Abort()
			return
		}

		key := strings.TrimSpace(c.GetHeader("X-Admin-Key"))
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "missing admin key (use X-Admin-Key header)",
				},
			})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminSecretKey)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{
				"error": gin.H{
					"code":    "forbidden",
					"message": "invalid admin key",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
