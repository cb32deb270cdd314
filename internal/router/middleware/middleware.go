package middleware

import (
	"ScrapbookComments/internal/auth"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"go.uber.org/zap"
	"net/http"
	"strings"
	"time"
)

const (
	LoggerKey = "logger"
	CallerKey = "caller"

	RequestIDHeader = "X-Request-ID"
)

// LoggingMiddleware stores a request scoped logger under LoggerKey and logs
// every finished request.
func LoggingMiddleware(log *zap.Logger) ginext.HandlerFunc {
	return func(c *ginext.Context) {
		start := time.Now()
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		reqLog := log.With(
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
		)
		c.Set(LoggerKey, reqLog)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{zap.Int("status", status), zap.Duration("latency", time.Since(start))}
		switch {
		case status >= http.StatusInternalServerError:
			reqLog.Error("Request failed", fields...)
		case status >= http.StatusBadRequest:
			reqLog.Warn("Request rejected", fields...)
		default:
			reqLog.Info("Request handled", fields...)
		}
	}
}

// AuthMiddleware rejects requests without a valid token and stores the caller
// under CallerKey. Browsers cannot set headers on websocket handshakes, so the
// token query parameter is accepted as well.
func AuthMiddleware(verifier *auth.Verifier) ginext.HandlerFunc {
	return func(c *ginext.Context) {
		log := c.MustGet(LoggerKey).(*zap.Logger)
		token := tokenFrom(c)
		if token == "" {
			log.Debug("Missing auth token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ginext.H{"error": "Missing auth token"})
			return
		}
		caller, err := verifier.Verify(token)
		if err != nil {
			log.Warn("Rejected auth token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, ginext.H{"error": "Invalid or expired token"})
			return
		}
		c.Set(CallerKey, caller)
		c.Set(LoggerKey, log.With(zap.String("user_id", caller.ID)))
		c.Next()
	}
}

func tokenFrom(c *ginext.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		header = c.GetHeader("X-Auth-Token")
	}
	if header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found {
			return strings.TrimSpace(header)
		}
		if !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return c.Query("token")
}
