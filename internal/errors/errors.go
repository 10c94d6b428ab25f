package errors

import (
	stdErrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Kind 表示错误的分类，重试执行器依据它决定是否重试。
type Kind string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误分类提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	KindNetwork             Kind = "network"
	KindUpstreamUnavailable Kind = "upstream-unavailable"
	KindRateLimited         Kind = "rate-limited"
	KindTimeout             Kind = "timeout"
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not-found"
	KindUnauthorized        Kind = "unauthorized"
	KindUnknown             Kind = "unknown"
)

var (
	registryMu sync.RWMutex
	registry   = map[Kind]Attributes{
		KindNetwork: {
			Message:   "network failure",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		KindUpstreamUnavailable: {
			Message:   "upstream unavailable",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		KindRateLimited: {
			Message:   "rate limited by upstream",
			Severity:  SeverityInfo,
			Retryable: true,
		},
		KindTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
		},
		KindValidation: {
			Message:  "invalid request",
			Severity: SeverityInfo,
		},
		KindNotFound: {
			Message:  "resource not found",
			Severity: SeverityInfo,
		},
		KindUnauthorized: {
			Message:  "unauthorized",
			Severity: SeverityWarning,
			Alert:    true,
		},
		KindUnknown: {
			Message:  "unknown error",
			Severity: SeverityCritical,
			Alert:    true,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误分类描述。
func Register(kind Kind, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = attr
}

// AttributesOf 返回错误分类对应的属性。若未注册则返回 unknown 的属性。
func AttributesOf(kind Kind) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[kind]; ok {
		return attr
	}
	return registry[KindUnknown]
}

// Error 是系统内统一的分类错误类型。
type Error struct {
	kind       Kind
	message    string
	cause      error
	status     int
	retryAfter time.Duration
	metadata   map[string]string
	retryable  *bool
	alert      *bool
	severity   *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithStatus 记录上游返回的数字状态（HTTP 状态码或 JSON-RPC 错误码）。
func WithStatus(status int) Option {
	return func(e *Error) {
		e.status = status
	}
}

// WithRetryAfter 记录上游给出的重试等待提示。
func WithRetryAfter(d time.Duration) Option {
	return func(e *Error) {
		if d > 0 {
			e.retryAfter = d
		}
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(kind Kind, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(kind).Message
	}
	e := &Error{kind: kind, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(kind Kind, cause error, message string, opts ...Option) *Error {
	e := New(kind, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil && e.cause.Error() != e.message {
		return fmt.Sprintf("[%s] %s: %v", e.kind, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.kind, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否为同一分类。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.kind == t.kind
}

// Kind 返回错误分类。
func (e *Error) Kind() Kind {
	if e == nil {
		return KindUnknown
	}
	return e.kind
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Status 返回上游状态码，未知时为 0。
func (e *Error) Status() int {
	if e == nil {
		return 0
	}
	return e.status
}

// RetryAfter 返回上游提示的等待时长，没有提示时为 0。
func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Annotate 返回合并了额外上下文的副本，已存在的键保持不变。
func (e *Error) Annotate(values map[string]string) *Error {
	if e == nil {
		return nil
	}
	clone := *e
	clone.metadata = e.Metadata()
	for k, v := range values {
		if clone.metadata == nil {
			clone.metadata = make(map[string]string, len(values))
		}
		if _, exists := clone.metadata[k]; !exists {
			clone.metadata[k] = v
		}
	}
	return &clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.kind).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.kind).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.kind).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf 返回错误对应的分类。
func KindOf(err error) Kind {
	if e, ok := From(err); ok {
		return e.Kind()
	}
	return KindUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(KindUnknown).Severity
}

// ParseRetryAfter 解析 Retry-After 头，支持秒数与 HTTP 日期两种格式。
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := time.Parse(time.RFC1123, value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
