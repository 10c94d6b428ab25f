package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Mode 表示认证方式。
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeAPIKey   Mode = "api_key"
)

// 认证子系统返回的错误。
var (
	ErrMissingKey       = errors.New("missing api key")
	ErrInvalidKey       = errors.New("invalid api key")
	ErrSubjectRevoked   = errors.New("api key is disabled")
	ErrPermissionDenied = errors.New("permission denied")
)

// Key 描述一个调用方凭证。Tools 为空表示可调用全部工具，"*" 同义。
type Key struct {
	Name     string
	Secret   string
	Tools    []string
	Disabled bool
}

// Config 配置认证服务。
type Config struct {
	Mode Mode
	Keys []Key
}

// Subject 是通过认证的调用方。
type Subject struct {
	Name     string
	Tools    []string
	Disabled bool

	toolSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.toolSet != nil {
		return
	}
	s.toolSet = make(map[string]struct{}, len(s.Tools))
	for _, tool := range s.Tools {
		s.toolSet[strings.ToLower(strings.TrimSpace(tool))] = struct{}{}
	}
}

// CanCall 判断调用方是否允许调用指定工具。
func (s *Subject) CanCall(tool string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	if len(s.toolSet) == 0 {
		return true
	}
	if _, ok := s.toolSet["*"]; ok {
		return true
	}
	_, ok := s.toolSet[strings.ToLower(strings.TrimSpace(tool))]
	return ok
}

// Authorize 校验调用方状态与工具权限。
func (s *Subject) Authorize(tool string) error {
	if s == nil {
		return ErrInvalidKey
	}
	if s.Disabled {
		return ErrSubjectRevoked
	}
	if tool != "" && !s.CanCall(tool) {
		return fmt.Errorf("%w: %s 不能调用 %s", ErrPermissionDenied, s.Name, tool)
	}
	return nil
}
