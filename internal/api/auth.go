package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"NexusAgent/pkg/logger"
)

// WithAPIToken 要求写操作携带 "Authorization: Bearer <token>"。token 为空时不校验。
func WithAPIToken(token string) Option {
	return func(s *Server) { s.apiToken = strings.TrimSpace(token) }
}

// requireToken 校验写请求的令牌，拒绝时写入审计日志。GET/HEAD 请求直接放行。
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken == "" || r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(s.apiToken)) != 1 {
			logger.Audit().Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Int("status", http.StatusUnauthorized),
			)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithRateLimit 为 /api/v1 下的请求设置全局令牌桶，perSecond <= 0 时不限流。
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]errorBody{"error": {
				Code:    "RATE_LIMITED",
				Message: "请求过于频繁",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}
