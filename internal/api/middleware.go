package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"campus-library/library"
)

const authStateKey = "library_auth_state"

// SetAuthState stores the caller's resolved session on the context.
func SetAuthState(c *gin.Context, state library.AuthState) {
	c.Set(authStateKey, state)
}

// GetAuthState returns the caller's session, or the anonymous state when the
// route is public.
func GetAuthState(c *gin.Context) library.AuthState {
	if v, ok := c.Get(authStateKey); ok {
		if state, ok := v.(library.AuthState); ok {
			return state
		}
	}
	return library.Anonymous()
}

// extractBearerToken returns the token of an "Authorization: Bearer" header.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// requireAdmin resolves the bearer token into a session and rejects callers
// without a live admin session.
func (h *handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := h.lm.LoadSession(c.Request.Context(), extractBearerToken(c))
		if err != nil {
			h.writeError(c, err)
			return
		}
		SetAuthState(c, state)
		c.Next()
	}
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Error("http request", fields...)
		case status >= 400:
			logger.Info("http request", fields...)
		default:
			logger.Debug("http request", fields...)
		}
	}
}

// requestMetrics counts requests per route and status.
func requestMetrics(reg prometheus.Registerer) gin.HandlerFunc {
	requests := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "library",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		requests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
