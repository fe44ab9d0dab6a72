package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"OpenClaw-Gateway/internal/auth"
	"OpenClaw-Gateway/internal/job"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/observability/metrics"
	"OpenClaw-Gateway/internal/report"
	"OpenClaw-Gateway/internal/session"
	"OpenClaw-Gateway/pkg/logger"
)

// Sessions 是 API 依赖的会话管理能力，由 session.Manager 实现。
type Sessions interface {
	Chat(ctx context.Context, req session.ChatRequest) (*session.ChatResult, error)
	Confirm(ctx context.Context, sessionID, txRef string) (*session.Confirmation, error)
	Status(ctx context.Context, sessionID string) (*session.Session, error)
	Download(ctx context.Context, jobID string) (*report.Artifact, error)
	JobStatus(ctx context.Context, jobID string) (*job.Job, error)
}

// JobEvents 提供任务事件流，由 job.Service 实现。
type JobEvents interface {
	Follow(ctx context.Context, id string) (<-chan job.Event, error)
}

// Deps 汇总 API 的依赖。Simulator 与 Auth 可以为空。
type Deps struct {
	Sessions  Sessions
	Jobs      JobEvents
	Ledger    ledger.Client
	Simulator http.Handler
	Auth      *auth.Service
	Metrics   *metrics.Metrics
}

// Server 负责暴露网关的 REST 接口。
type Server struct {
	addr          string
	basePath      string
	deps          Deps
	streamTimeout time.Duration
	limiter       *clientLimiter
	profile       atomic.Pointer[AgentProfile]
	logger        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithBasePath 设置路由前缀，默认 /api。
func WithBasePath(p string) Option {
	return func(s *Server) {
		s.basePath = normalizeBasePath(p)
	}
}

// WithStreamTimeout 限制单个事件流的最长时间。
func WithStreamTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.streamTimeout = d
	}
}

// WithChatRateLimit 按客户端限制 /chat 的请求速率，perSecond 为 0 表示不限制。
func WithChatRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = newClientLimiter(perSecond, burst)
		}
	}
}

// WithLogger 指定访问日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Deps, opts ...Option) *Server {
	s := &Server{
		addr:          addr,
		basePath:      "/api",
		deps:          deps,
		streamTimeout: 5 * time.Minute,
		logger:        logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// SetProfile 更新 /agent 返回的代理资料，身份登记完成后调用。
func (s *Server) SetProfile(p AgentProfile) {
	s.profile.Store(&p)
}

// Handler 返回挂载了全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	base := s.basePath

	s.route(mux, "GET "+base+"/health", "health", s.handleHealth)
	s.route(mux, "GET "+base+"/agent", "agent", s.handleAgent)
	s.route(mux, "POST "+base+"/chat", "chat", s.rateLimited(s.handleChat))
	s.route(mux, "POST "+base+"/chat/confirm-payment", "confirm_payment", s.handleConfirm)
	s.route(mux, "GET "+base+"/sessions/{sessionId}", "session", s.handleSession)
	s.route(mux, "GET "+base+"/download/{jobId}", "download", s.handleDownload)
	s.route(mux, "GET "+base+"/jobs/{jobId}", "job", s.handleJob)
	s.route(mux, "GET "+base+"/jobs/{jobId}/ws", "job_ws", s.handleJobSocket)
	mux.Handle("GET "+base+"/metrics", s.deps.Metrics.Handler())

	if s.deps.Simulator != nil {
		guarded := s.deps.Auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {auth.PermSimulator}},
			AuditEvent:          "simulator",
		})(s.deps.Simulator)
		sim := http.StripPrefix(base, guarded)
		mux.Handle(base+"/simulator/", s.instrument("simulator", sim))
		mux.Handle("GET "+base+"/network/config", s.instrument("network_config", http.StripPrefix(base, s.deps.Simulator)))
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, h))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr), slog.String("base_path", s.basePath))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return ""
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimRight(p, "/")
}
