package rest

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"schemarest/internal/logging"
)

// RequestIDHeader is the HTTP header name for request IDs.
const RequestIDHeader = "X-Request-ID"

// RequestLogging attaches a correlation ID and a request-scoped logger to
// every request and logs start/completion with status and duration.
func RequestLogging(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)

		reqLogger := logger.WithRequestID(requestID).WithFields(slog.String("component", "http"))

		ctx := logging.WithLogger(c.Request.Context(), reqLogger)
		ctx = logging.WithRequestIDContext(ctx, requestID)
		c.Request = c.Request.WithContext(ctx)

		span := trace.SpanFromContext(ctx)
		if span.SpanContext().IsValid() {
			span.SetAttributes(attribute.String("http.request_id", requestID))
		}

		reqLogger.Log(ctx, slog.LevelInfo, "request started",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("remote_addr", c.ClientIP()),
		)

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		logLevel := slog.LevelInfo
		if status >= 500 {
			logLevel = slog.LevelError
		} else if status >= 400 {
			logLevel = slog.LevelWarn
		}

		reqLogger.Log(ctx, logLevel, "request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", duration),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	}
}

// Recovery converts handler panics into a JSON 500 instead of a dropped
// connection. The panic value is logged, never rendered to the caller.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				reqLogger := logging.FromContext(c.Request.Context())
				reqLogger.Error("handler panic",
					slog.Any("panic", recovered),
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{
					Error: "internal server error",
					Kind:  "engine",
				})
			}
		}()
		c.Next()
	}
}
