package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// quietPrefixes are high-frequency endpoints whose successful requests
// are logged at debug level. Agents heartbeat every minute per device.
var quietPrefixes = []string{
	"/health",
	"/api/v1/agent/heartbeat",
	"/api/v1/agent/rules/current",
}

// Logging logs HTTP requests with structured fields
func Logging(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Log after request
		latency := time.Since(start)
		clientIP := c.ClientIP()
		method := c.Request.Method
		statusCode := c.Writer.Status()
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		fullPath := path
		if raw != "" {
			fullPath = path + "?" + raw
		}

		level := slog.LevelInfo
		if statusCode < 400 && isQuietPath(path) {
			level = slog.LevelDebug
		}

		logger.Log(c.Request.Context(), level, "HTTP request",
			"component", "api",
			"request_id", c.GetString(RequestIDKey),
			"method", method,
			"path", fullPath,
			"status", statusCode,
			"latency", latency.String(),
			"client_ip", clientIP,
			"error", errorMessage,
		)
	}
}

func isQuietPath(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
