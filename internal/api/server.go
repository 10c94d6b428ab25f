package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ChainMCP/internal/auth"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/metrics"
	"ChainMCP/internal/resilience"
	"ChainMCP/internal/subscription"
	"ChainMCP/internal/tools"
	"ChainMCP/pkg/logger"
)

// 单次工具调用请求体的上限。
const maxBodyBytes = 1 << 20

// StateProvider 返回订阅连接的当前状态。
type StateProvider interface {
	State() subscription.State
}

// Server 负责暴露 REST 接口，供外部调用链上工具并查看运行状态。
type Server struct {
	addr     string
	registry *tools.Registry
	state    StateProvider
	breakers *resilience.Breakers
	auth     *auth.Service
	logger   *slog.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 自定义 Server。
type Option func(*Server)

// WithState 让健康检查带上订阅连接状态。
func WithState(p StateProvider) Option {
	return func(s *Server) { s.state = p }
}

// WithBreakers 让健康检查带上熔断器快照。
func WithBreakers(b *resilience.Breakers) Option {
	return func(s *Server) { s.breakers = b }
}

// WithAuth 为工具路由启用认证，健康检查与指标不受影响。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) { s.auth = svc }
}

// WithTimeouts 设置读写超时，零值表示不限制。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, registry *tools.Registry, opts ...Option) *Server {
	s := &Server{addr: addr, registry: registry, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	listAuth := s.auth.Middleware(auth.MiddlewareConfig{AuditEvent: "tools_list"})
	callAuth := s.auth.Middleware(auth.MiddlewareConfig{
		AuditEvent: "tools_call",
		Tool:       func(r *http.Request) string { return r.PathValue("name") },
	})

	mux := http.NewServeMux()
	mux.Handle("GET /api/v1/tools", instrument("tools_list", listAuth(http.HandlerFunc(s.handleListTools))))
	mux.Handle("POST /api/v1/tools/{name}", instrument("tools_call", callAuth(http.HandlerFunc(s.handleCallTool))))
	mux.Handle("GET /healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "工具注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "工具注册表未初始化", http.StatusServiceUnavailable)
		return
	}
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "缺少工具名称", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "请求体读取失败", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "请求体过大", http.StatusRequestEntityTooLarge)
		return
	}

	result, err := s.registry.Call(r.Context(), name, json.RawMessage(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Tool: name, Result: result})
}

type callResponse struct {
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

type errorResponse struct {
	Kind      xerrors.Kind      `json:"kind"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type healthResponse struct {
	Status       string                    `json:"status"`
	Subscription *subscription.State       `json:"subscription,omitempty"`
	Breakers     []resilience.BreakerState `json:"breakers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if s.state != nil {
		state := s.state.State()
		resp.Subscription = &state
		switch state.Phase {
		case subscription.PhaseFailed:
			resp.Status = "failed"
			code = http.StatusServiceUnavailable
		case subscription.PhaseConnected, subscription.PhaseDisconnected:
		default:
			resp.Status = "degraded"
		}
	}
	if s.breakers != nil {
		resp.Breakers = s.breakers.Snapshot()
		for _, b := range resp.Breakers {
			if b.Open && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	classified := xerrors.Classify(err)
	status := statusForKind(classified.Kind())
	if status >= http.StatusInternalServerError {
		s.logger.Warn("工具调用失败", slog.String("kind", string(classified.Kind())), slog.Any("error", err))
	}
	if classified.Kind() == xerrors.KindRateLimited {
		if wait := classified.RetryAfter(); wait > 0 {
			secs := int((wait + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	}
	writeJSON(w, status, errorResponse{
		Kind:      classified.Kind(),
		Message:   classified.Error(),
		Retryable: classified.Retryable(),
		Metadata:  classified.Metadata(),
	})
}

// statusForKind 将错误分类映射为 HTTP 状态码。
func statusForKind(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindUnauthorized:
		return http.StatusUnauthorized
	case xerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case xerrors.KindTimeout:
		return http.StatusGatewayTimeout
	case xerrors.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
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
