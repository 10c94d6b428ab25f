package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"ChainMCP/pkg/logger"
)

// HeaderAPIKey 是除 Authorization: Bearer 外接受的请求头。
const HeaderAPIKey = "X-API-Key"

type credential struct {
	digest  [sha256.Size]byte
	subject *Subject
}

// Service 校验请求携带的 API key。
type Service struct {
	mode  Mode
	keys  []credential
	audit *slog.Logger
}

// NewService 根据配置创建认证服务。mode 为空时视为 disabled。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	s := &Service{mode: mode, audit: logger.Audit()}
	switch mode {
	case ModeDisabled:
		return s, nil
	case ModeAPIKey:
	default:
		return nil, fmt.Errorf("不支持的认证模式: %s", cfg.Mode)
	}

	seen := make(map[string]struct{}, len(cfg.Keys))
	for _, key := range cfg.Keys {
		name := strings.TrimSpace(key.Name)
		if name == "" {
			return nil, errors.New("API key 缺少 name")
		}
		if strings.TrimSpace(key.Secret) == "" {
			return nil, fmt.Errorf("API key %s 缺少 secret", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("API key %s 重复", name)
		}
		seen[name] = struct{}{}
		s.keys = append(s.keys, credential{
			digest: sha256.Sum256([]byte(key.Secret)),
			subject: &Subject{
				Name:     name,
				Tools:    append([]string(nil), key.Tools...),
				Disabled: key.Disabled,
			},
		})
	}
	if len(s.keys) == 0 {
		return nil, errors.New("api_key 模式至少需要一个 key")
	}
	return s, nil
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 从请求头中取出 key 并返回对应的调用方。
func (s *Service) AuthenticateRequest(r *http.Request) (*Subject, error) {
	secret := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if secret == "" {
		if raw := strings.TrimSpace(r.Header.Get("Authorization")); raw != "" {
			scheme, token, ok := strings.Cut(raw, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				return nil, ErrInvalidKey
			}
			secret = strings.TrimSpace(token)
		}
	}
	if secret == "" {
		return nil, ErrMissingKey
	}
	return s.lookup(secret)
}

func (s *Service) lookup(secret string) (*Subject, error) {
	digest := sha256.Sum256([]byte(secret))
	var match *Subject
	// 遍历全部 key，避免提前返回暴露匹配位置。
	for _, cred := range s.keys {
		if subtle.ConstantTimeCompare(cred.digest[:], digest[:]) == 1 {
			match = cred.subject
		}
	}
	if match == nil {
		return nil, ErrInvalidKey
	}
	if match.Disabled {
		return nil, ErrSubjectRevoked
	}
	return match, nil
}
