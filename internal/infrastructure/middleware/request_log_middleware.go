package middleware

import (
	"time"

	"rillcall/pkg/logger"
	"rillcall/pkg/utils"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-Id"

// RequestLogMiddleware tags each request with an id, echoes it in the
// response and logs the request once it completes.
func RequestLogMiddleware(base *zap.Logger) gin.HandlerFunc {
	log := logger.NewContextLogger(base)

	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = utils.GenerateRequestID()
		}
		c.Header(RequestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), id))

		c.Next()

		if subject := c.GetString(ContextSubject); subject != "" {
			c.Request = c.Request.WithContext(logger.WithSubject(c.Request.Context(), subject))
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if c.Writer.Status() >= 500 {
			var err error
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
			log.LogError(c.Request.Context(), err, "request failed", fields...)
			return
		}
		log.LogDebug(c.Request.Context(), "request served", fields...)
	}
}
