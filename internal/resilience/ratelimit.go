package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"ChainMCP/internal/observability/metrics"
	"ChainMCP/pkg/logger"
)

const defaultPollCeiling = time.Second

type bucket struct {
	maxRequests int
	window      time.Duration
	count       int
	resetAt     time.Time
}

// RateLimiter 为每个命名资源维护固定窗口计数器。未配置的资源不受限制。
type RateLimiter struct {
	now         func() time.Time
	sleep       Sleeper
	pollCeiling time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
}

// LimiterOption 定义可选配置。
type LimiterOption func(*RateLimiter)

// WithLimiterClock 替换时间源。
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *RateLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLimiterSleeper 替换 WaitForLimit 的等待实现。
func WithLimiterSleeper(s Sleeper) LimiterOption {
	return func(l *RateLimiter) {
		if s != nil {
			l.sleep = s
		}
	}
}

// WithPollCeiling 设置 WaitForLimit 单次等待的上限。
func WithPollCeiling(d time.Duration) LimiterOption {
	return func(l *RateLimiter) {
		if d > 0 {
			l.pollCeiling = d
		}
	}
}

// WithLimiterLogger 指定日志输出。
func WithLimiterLogger(log *slog.Logger) LimiterOption {
	return func(l *RateLimiter) {
		l.logger = log
	}
}

// NewRateLimiter 构造限流器。
func NewRateLimiter(opts ...LimiterOption) *RateLimiter {
	l := &RateLimiter{
		now:         time.Now,
		sleep:       SleepContext,
		pollCeiling: defaultPollCeiling,
		buckets:     make(map[string]*bucket),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.logger == nil {
		l.logger = logger.Named("ratelimit")
	}
	return l
}

// Configure 注册或替换 name 的限流策略，计数清零并开启新窗口。
func (l *RateLimiter) Configure(name string, maxRequests int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[name] = &bucket{
		maxRequests: maxRequests,
		window:      window,
		resetAt:     l.now().Add(window),
	}
}

// rotate 在窗口过期后重置计数，调用方需持有锁。
func (b *bucket) rotate(now time.Time) {
	if now.After(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(b.window)
	}
}

// CheckLimit 判断 name 当前窗口是否还有余量，有则占用一个。
func (l *RateLimiter) CheckLimit(name string) bool {
	l.mu.Lock()
	b, ok := l.buckets[name]
	if !ok {
		l.mu.Unlock()
		return true
	}
	b.rotate(l.now())
	if b.count < b.maxRequests {
		b.count++
		l.mu.Unlock()
		return true
	}
	l.mu.Unlock()
	metrics.ObserveRateLimitRejection(name)
	return false
}

// WaitForLimit 轮询直至获得配额，仅挂起调用方。ctx 取消时返回其错误。
func (l *RateLimiter) WaitForLimit(ctx context.Context, name string) error {
	for {
		if l.CheckLimit(name) {
			return nil
		}
		wait := l.ResetTime(name).Sub(l.now())
		if wait <= 0 {
			wait = time.Millisecond
		}
		if wait > l.pollCeiling {
			wait = l.pollCeiling
		}
		l.logger.Debug("等待限流窗口", slog.String("bucket", name), slog.Duration("wait", wait))
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Remaining 返回当前窗口剩余配额，未配置时返回 -1 表示不限制。
func (l *RateLimiter) Remaining(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[name]
	if !ok {
		return -1
	}
	b.rotate(l.now())
	if remaining := b.maxRequests - b.count; remaining > 0 {
		return remaining
	}
	return 0
}

// ResetTime 返回当前窗口的结束时间，未配置时返回零值。
func (l *RateLimiter) ResetTime(name string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[name]
	if !ok {
		return time.Time{}
	}
	b.rotate(l.now())
	return b.resetAt
}
