package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/envhost/internal/infrastructure/logging"
)

// TraceHeader carries the request's trace id in both directions.
const TraceHeader = "X-Trace-ID"

// traceKey is the gin context key holding the trace id.
const traceKey = "trace_id"

// Trace assigns every request a trace id, echoing an incoming one, and
// logs the request once it is handled.
func Trace(logger *zap.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set(traceKey, traceID)
		c.Header(TraceHeader, traceID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String(traceKey, traceID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			logger.Warn("Request failed", append(fields, zap.Error(c.Errors.Last()))...)
			return
		}
		logger.Debug("Request handled", fields...)
	}
}

// TraceID returns the id Trace assigned to c, if any.
func TraceID(c *gin.Context) string {
	return c.GetString(traceKey)
}
