package middleware

import (
	"net/http"

	"rillcall/pkg/errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ErrorHandlerMiddleware renders the last handler error as JSON. AppErrors
// keep their code and HTTP status; anything else becomes a 500.
func ErrorHandlerMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err

		if appErr := errors.GetAppError(err); appErr != nil {
			log := logger.Errorw
			if appErr.HTTPStatus < http.StatusInternalServerError {
				log = logger.Warnw
			}
			log("request failed",
				"code", appErr.Code,
				"message", appErr.Message,
				"status", appErr.HTTPStatus,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			c.JSON(appErr.HTTPStatus, gin.H{
				"error":   string(appErr.Code),
				"message": appErr.Message,
				"details": appErr.Context,
			})
			return
		}

		logger.Errorw("unhandled error",
			"error", err.Error(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		internal := errors.NewInternalError("Internal server error")
		c.JSON(internal.HTTPStatus, gin.H{
			"error":   string(internal.Code),
			"message": internal.Message,
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Errorw("panic recovered",
					"error", err,
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)
				internal := errors.NewInternalError("Internal server error")
				c.AbortWithStatusJSON(internal.HTTPStatus, gin.H{
					"error":   string(internal.Code),
					"message": internal.Message,
				})
			}
		}()

		c.Next()
	}
}
