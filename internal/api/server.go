package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"NexusAgent/internal/audit"
	"NexusAgent/internal/observability/metrics"
	"NexusAgent/internal/settlement"
	"NexusAgent/internal/wallet"
	"NexusAgent/pkg/logger"
)

// Server 负责暴露协调器的 REST 接口。
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	apiToken        string
	limiter         *rate.Limiter
	router          *chi.Mux

	settlement *settlement.Service
	wallets    *wallet.Service
	audit      *audit.Logger

	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	metricsPath string
	log         *slog.Logger
}

// Option 定制 Server。
type Option func(*Server)

// WithMetrics 记录请求指标，并在 path 上暴露 gatherer 中的全部指标。
// path 为空时只记录不暴露。
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer, path string) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
		s.metricsPath = path
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, settlementSvc *settlement.Service, wallets *wallet.Service, auditLog *audit.Logger, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		shutdownTimeout: 5 * time.Second,
		router:          chi.NewRouter(),
		settlement:      settlementSvc,
		wallets:         wallets,
		audit:           auditLog,
		log:             logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.routes()
	return s
}

// Handler 返回完整的路由，便于测试或嵌入其它服务。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.throttle)
		r.Use(s.requireToken)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleTaskDetail)
				r.Get("/candidate", s.handleTaskCandidate)
				r.Post("/assign", s.handleAssignTask)
			})
		})

		r.Route("/escrows", func(r chi.Router) {
			r.Post("/", s.handleCreateEscrow)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleEscrowDetail)
				r.Post("/fund", s.handleFundEscrow)
				r.Post("/milestones/{index}/complete", s.handleCompleteMilestone)
			})
		})

		r.Get("/audit", s.handleAuditQuery)

		r.Route("/wallets/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleWalletDetail)
			r.Post("/freeze", s.handleFreezeWallet)
			r.Post("/reprovision", s.handleReprovisionWallet)
		})
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 按路由模板记录请求次数与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
		s.log.Debug("request served",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
