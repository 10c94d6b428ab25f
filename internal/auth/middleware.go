package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	xerrors "ChainMCP/internal/errors"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// Tool 从请求中取出被调用的工具名，为空时只做认证。
	Tool func(r *http.Request) string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和工具级授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r)
			if err == nil && cfg.Tool != nil {
				err = subject.Authorize(cfg.Tool(r))
			}
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrSubjectRevoked) {
					status = http.StatusForbidden
				}
				s.deny(w, r, status, subject, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			s.audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
			)
		})
	}
}

func (s *Service) deny(w http.ResponseWriter, r *http.Request, status int, subject *Subject, err error) {
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
	}
	if subject != nil {
		attrs = append(attrs, "subject", subject.Name)
	}
	s.audit.Warn("access_denied", attrs...)

	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="chainmcp"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"kind":      xerrors.KindUnauthorized,
		"message":   err.Error(),
		"retryable": false,
	})
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
