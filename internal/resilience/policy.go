package resilience

import (
	"math"
	"slices"
	"time"

	xerrors "ChainMCP/internal/errors"
)

// RetryPolicy 控制指数退避重试的行为。
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryableKinds    []xerrors.Kind
}

// DefaultRetryPolicy 返回默认策略：3 次重试，1s 起步，30s 封顶，倍数 2。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		RetryableKinds: []xerrors.Kind{
			xerrors.KindNetwork,
			xerrors.KindTimeout,
			xerrors.KindRateLimited,
			xerrors.KindUpstreamUnavailable,
		},
	}
}

// PolicyOption 在单次调用上覆盖策略字段。
type PolicyOption func(*RetryPolicy)

// WithMaxRetries 覆盖最大重试次数。
func WithMaxRetries(n int) PolicyOption {
	return func(p *RetryPolicy) {
		p.MaxRetries = n
	}
}

// WithBaseDelay 覆盖首次重试等待时长。
func WithBaseDelay(d time.Duration) PolicyOption {
	return func(p *RetryPolicy) {
		p.BaseDelay = d
	}
}

// WithMaxDelay 覆盖单次等待上限。
func WithMaxDelay(d time.Duration) PolicyOption {
	return func(p *RetryPolicy) {
		p.MaxDelay = d
	}
}

// WithBackoffMultiplier 覆盖退避倍数。
func WithBackoffMultiplier(m float64) PolicyOption {
	return func(p *RetryPolicy) {
		p.BackoffMultiplier = m
	}
}

// WithRetryableKinds 覆盖可重试的错误分类集合。
func WithRetryableKinds(kinds ...xerrors.Kind) PolicyOption {
	return func(p *RetryPolicy) {
		p.RetryableKinds = append(make([]xerrors.Kind, 0, len(kinds)), kinds...)
	}
}

func (p RetryPolicy) apply(opts []PolicyOption) RetryPolicy {
	p.RetryableKinds = slices.Clone(p.RetryableKinds)
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p.normalize()
}

func (p RetryPolicy) normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BackoffMultiplier <= 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if p.RetryableKinds == nil {
		p.RetryableKinds = def.RetryableKinds
	}
	return p
}

func (p RetryPolicy) retryable(kind xerrors.Kind) bool {
	return slices.Contains(p.RetryableKinds, kind)
}

// Backoff 计算第 attempt 次失败后的等待时长，jitter 取值 [0, 1)，最多放大 10%。
func (p RetryPolicy) Backoff(attempt int, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.999
	}
	raw := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)) * (1 + 0.1*jitter)
	if raw >= float64(p.MaxDelay) || math.IsInf(raw, 0) || math.IsNaN(raw) {
		return p.MaxDelay
	}
	return time.Duration(raw)
}
