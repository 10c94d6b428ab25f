package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"ChainMCP/internal/observability/metrics"
	"ChainMCP/pkg/logger"
)

// ErrUnknownCache 表示访问了未在启动时注册的缓存名，属于编程错误。
var ErrUnknownCache = errors.New("unknown cache")

const tierTimeout = 2 * time.Second

// Config 描述一个命名缓存。
type Config struct {
	Name          string
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// 默认缓存名。
const (
	Prices         = "prices"
	BlockchainInfo = "blockchainInfo"
	Balances       = "balances"
	TokenList      = "tokenList"
)

// DefaultConfigs 返回默认的四个命名缓存。
func DefaultConfigs() []Config {
	return []Config{
		{Name: Prices, DefaultTTL: 60 * time.Second},
		{Name: BlockchainInfo, DefaultTTL: 10 * time.Second},
		{Name: Balances, DefaultTTL: 30 * time.Second},
		{Name: TokenList, DefaultTTL: time.Hour},
	}
}

// Tier 是可选的共享二级缓存，值以 JSON 编码存储。
type Tier interface {
	// Get 返回值与剩余有效期，remaining 为 0 表示未知。
	Get(ctx context.Context, cache, key string) (payload []byte, remaining time.Duration, found bool, err error)
	Set(ctx context.Context, cache, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, cache, key string) error
	Flush(ctx context.Context, cache string) error
}

// Store 持有启动时创建的所有命名缓存，缓存集合之后不再变化。
type Store struct {
	caches map[string]*namedCache
	now    func() time.Time
	logger *slog.Logger
	tier   Tier

	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option 定义可选配置。
type Option func(*Store)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// WithTier 挂载二级缓存。
func WithTier(t Tier) Option {
	return func(s *Store) {
		s.tier = t
	}
}

// WithoutSweeper 不启动后台清理协程，过期条目只在读取时视为未命中。
func WithoutSweeper() Option {
	return func(s *Store) {
		s.shutdown = nil
	}
}

// NewStore 根据配置创建命名缓存并启动清理协程。
func NewStore(configs []Config, opts ...Option) *Store {
	s := &Store{
		caches:   make(map[string]*namedCache, len(configs)),
		now:      time.Now,
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("cache")
	}
	for _, cfg := range configs {
		s.caches[cfg.Name] = newNamedCache(cfg)
	}
	if s.shutdown != nil {
		for _, c := range s.caches {
			s.wg.Add(1)
			go s.sweepLoop(c)
		}
	}
	return s
}

func (s *Store) lookup(name string) (*namedCache, error) {
	c, ok := s.caches[name]
	if !ok {
		s.logger.Error("访问了未注册的缓存", slog.String("cache", name))
		return nil, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}
	return c, nil
}

// Get 返回 key 对应的值。过期条目按未命中处理，与清理协程是否运行无关。
func (s *Store) Get(name, key string) (any, bool, error) {
	c, err := s.lookup(name)
	if err != nil {
		return nil, false, err
	}
	value, ok := c.get(key, s.now())
	metrics.ObserveCacheLookup(name, ok)
	return value, ok, nil
}

// Set 写入 key，ttl 省略时使用缓存的默认 TTL。挂载了二级缓存时同步写穿。
func (s *Store) Set(name, key string, value any, ttl ...time.Duration) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	effective := c.ttl(ttl)
	c.set(key, value, s.now().Add(effective))
	s.writeTier(name, key, value, effective)
	return nil
}

// Del 删除 key。
func (s *Store) Del(name, key string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	c.del(key)
	if s.tier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tierTimeout)
		defer cancel()
		if err := s.tier.Del(ctx, name, key); err != nil {
			s.logger.Warn("二级缓存删除失败", slog.String("cache", name), slog.String("key", key), slog.Any("error", err))
		}
	}
	return nil
}

// Flush 清空指定缓存。
func (s *Store) Flush(name string) error {
	c, err := s.lookup(name)
	if err != nil {
		return err
	}
	c.flush()
	if s.tier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), tierTimeout)
		defer cancel()
		if err := s.tier.Flush(ctx, name); err != nil {
			s.logger.Warn("二级缓存清空失败", slog.String("cache", name), slog.Any("error", err))
		}
	}
	return nil
}

// FlushAll 清空所有缓存。
func (s *Store) FlushAll() {
	for _, name := range s.Names() {
		_ = s.Flush(name)
	}
}

// Stats 返回指定缓存的统计信息。
func (s *Store) Stats(name string) (Stats, error) {
	c, err := s.lookup(name)
	if err != nil {
		return Stats{}, err
	}
	return c.stats(s.now()), nil
}

// Names 返回所有缓存名，按字母排序。
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close 停止清理协程。
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		if s.shutdown != nil {
			close(s.shutdown)
		}
		s.wg.Wait()
	})
}

func (s *Store) sweepLoop(c *namedCache) {
	defer s.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sweep(c)
		}
	}
}

func (s *Store) sweep(c *namedCache) int {
	evicted := c.sweep(s.now())
	if evicted > 0 {
		metrics.ObserveCacheEvictions(c.name, evicted)
		s.logger.Debug("清理过期条目", slog.String("cache", c.name), slog.Int("evicted", evicted))
	}
	return evicted
}

func (s *Store) writeTier(name, key string, value any, ttl time.Duration) {
	if s.tier == nil {
		return
	}
	payload, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("二级缓存编码失败", slog.String("cache", name), slog.String("key", key), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tierTimeout)
	defer cancel()
	if err := s.tier.Set(ctx, name, key, payload, ttl); err != nil {
		s.logger.Warn("二级缓存写入失败", slog.String("cache", name), slog.String("key", key), slog.Any("error", err))
	}
}
