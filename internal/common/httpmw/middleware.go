package httpmw

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OutfinityResearch/ploinky-sub003/internal/common/apperrors"
	"github.com/OutfinityResearch/ploinky-sub003/internal/common/logger"
)

const requestIDHeader = "X-Request-Id"

// RequestID assigns a request id (reusing an inbound one when present) and
// exposes it on the gin context and the response header.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(string(logger.RequestIDKey), id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

// ErrorHandler renders the last gin error as a JSON envelope, mapping
// *apperrors.AppError to its declared HTTP status and short code, and
// anything else to a generic 500.
func ErrorHandler(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		err := c.Errors.Last().Err

		var appErr *apperrors.AppError
		if ae, ok := err.(*apperrors.AppError); ok {
			appErr = ae
		}
		if appErr == nil {
			appErr = apperrors.Internal("internal_error", "unexpected error", err)
		}

		log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("short_code", appErr.ShortCode),
			zap.Error(appErr),
		)

		if appErr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
		}
		c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{
				"code":    appErr.ShortCode,
				"message": appErr.Message,
			},
		})
	}
}

// Recovery converts a panic into a 500 response instead of crashing the
// listener, matching the rest of the supervisor's "never let one request
// take down the process" posture.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("recover", r), zap.String("path", c.FullPath()))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": gin.H{"code": "internal_error", "message": "internal server error"},
				})
			}
		}()
		c.Next()
	}
}

// CORS allows browser-origin requests against the router's WebTTY/WebChat
// surfaces; the Router/Proxy is a local-host front door, not a multi-tenant
// public API, so the policy is permissive by design.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// NoBuffering sets the headers the spec requires on SSE/WS passthrough
// responses: no proxy buffering, no caching (§4.G).
func NoBuffering() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Next()
	}
}
