package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/telemetrykit/collector/internal/logger"
)

// RequestLogger logs each HTTP request through the collector logger.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debugf("%s %s -> %d (%s)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
