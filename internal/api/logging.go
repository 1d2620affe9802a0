package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"visionchat/internal/auth"
)

// AccessLog emits one structured record per request.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		}
		if id, ok := auth.SessionIDFromContext(c); ok {
			attrs = append(attrs, "session", id)
		}
		switch {
		case c.Writer.Status() >= 500:
			slog.Error("http request", attrs...)
		case c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/readyz":
			slog.Debug("http request", attrs...)
		default:
			slog.Info("http request", attrs...)
		}
	}
}
