package resilience

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/metrics"
	"ChainMCP/pkg/logger"
)

// GuardFunc 在熔断器保护下执行 op。
type GuardFunc func(ctx context.Context, op func(ctx context.Context) error) error

// BreakerState 是熔断器状态的快照。
type BreakerState struct {
	Name         string
	Open         bool
	Failures     int
	LastFailure  time.Time
	MaxFailures  int
	ResetTimeout time.Duration
}

// CircuitBreaker 在连续失败达到阈值后快速失败，冷却期过后整体复位。
// 不存在半开探测状态。
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	onChange     func(name string, open bool)

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool
}

// BreakerOption 定义可选配置。
type BreakerOption func(*CircuitBreaker)

// WithBreakerName 设置熔断器名称，用于日志与指标。
func WithBreakerName(name string) BreakerOption {
	return func(b *CircuitBreaker) {
		b.name = name
	}
}

// WithBreakerClock 替换时间源。
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithBreakerLogger 指定日志输出。
func WithBreakerLogger(l *slog.Logger) BreakerOption {
	return func(b *CircuitBreaker) {
		b.logger = l
	}
}

// WithStateChangeHook 注册状态变化回调，在锁外调用。
func WithStateChangeHook(fn func(name string, open bool)) BreakerOption {
	return func(b *CircuitBreaker) {
		b.onChange = fn
	}
}

// NewCircuitBreaker 构造熔断器。
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	b := &CircuitBreaker{
		name:         "default",
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.logger == nil {
		b.logger = logger.Named("breaker")
	}
	return b
}

// CreateCircuitBreaker 返回一个绑定了新熔断器的 GuardFunc。
func CreateCircuitBreaker(maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) GuardFunc {
	return NewCircuitBreaker(maxFailures, resetTimeout, opts...).Call
}

// Call 在熔断保护下执行 op。
func (b *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	b.mu.Lock()
	if b.open {
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.resetTimeout {
			remaining := b.resetTimeout - elapsed
			b.mu.Unlock()
			return xerrors.New(xerrors.KindUpstreamUnavailable, "circuit breaker is open",
				xerrors.WithRetryable(true),
				xerrors.WithMetadata("breaker", b.name),
				xerrors.WithMetadata("cooldown_remaining", remaining.String()))
		}
		b.open = false
		b.failures = 0
		b.mu.Unlock()
		b.notify(false)
	} else {
		b.mu.Unlock()
	}

	err := op(ctx)
	if err != nil && ctx.Err() != nil {
		// 调用方自己取消或超时，不计入上游失败。
		return err
	}

	b.mu.Lock()
	opened := false
	if err == nil {
		b.failures = 0
	} else {
		b.failures++
		b.lastFailure = b.now()
		if !b.open && b.failures >= b.maxFailures {
			b.open = true
			opened = true
		}
	}
	failures := b.failures
	b.mu.Unlock()

	if opened {
		b.logger.Warn("熔断器打开",
			slog.String("breaker", b.name),
			slog.Int("failures", failures),
			slog.Duration("reset_timeout", b.resetTimeout),
			slog.Any("error", err))
		b.notify(true)
	}
	return err
}

func (b *CircuitBreaker) notify(open bool) {
	metrics.ObserveBreakerState(b.name, open)
	if !open {
		b.logger.Info("熔断器冷却结束，恢复调用", slog.String("breaker", b.name))
	}
	if b.onChange != nil {
		b.onChange(b.name, open)
	}
}

// State 返回当前状态快照。
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		Name:         b.name,
		Open:         b.open,
		Failures:     b.failures,
		LastFailure:  b.lastFailure,
		MaxFailures:  b.maxFailures,
		ResetTimeout: b.resetTimeout,
	}
}

// Breakers 按操作键惰性创建熔断器，进程生命周期内不会删除。
type Breakers struct {
	maxFailures  int
	resetTimeout time.Duration
	opts         []BreakerOption

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakers 构造熔断器注册表，所有熔断器共享阈值配置。
func NewBreakers(maxFailures int, resetTimeout time.Duration, opts ...BreakerOption) *Breakers {
	return &Breakers{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		opts:         opts,
		breakers:     make(map[string]*CircuitBreaker),
	}
}

// Get 返回 key 对应的熔断器，不存在时创建。
func (r *Breakers) Get(key string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	opts := append(append([]BreakerOption(nil), r.opts...), WithBreakerName(key))
	b := NewCircuitBreaker(r.maxFailures, r.resetTimeout, opts...)
	r.breakers[key] = b
	return b
}

// Snapshot 返回所有熔断器的状态，按名称排序。
func (r *Breakers) Snapshot() []BreakerState {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	states := make([]BreakerState, 0, len(list))
	for _, b := range list {
		states = append(states, b.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
