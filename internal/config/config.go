package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ChainMCP/internal/auth"
	"ChainMCP/internal/cache"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/resilience"
	"ChainMCP/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "CHAINMCP_CONFIG"

// DefaultPath 为未设置环境变量时使用的配置文件。
const DefaultPath = "configs/chainmcp.json"

// Config 描述了 ChainMCP 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Auth         AuthConfig         `json:"auth"`
	Log          logger.Config      `json:"log"`
	Web3         Web3Config         `json:"web3"`
	Resilience   ResilienceConfig   `json:"resilience"`
	Caches       []CacheConfig      `json:"caches"`
	Subscription SubscriptionConfig `json:"subscription"`
	PriceStream  PriceStreamConfig  `json:"price_stream"`
	CoinGecko    CoinGeckoConfig    `json:"coingecko"`
	Storage      StorageConfig      `json:"storage"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address             string `json:"address"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`

	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `json:"metrics_address"`
}

// AuthConfig 控制 API 的认证方式，mode 为空或 disabled 时不校验。
type AuthConfig struct {
	Mode string         `json:"mode"`
	Keys []APIKeyConfig `json:"keys"`
}

// APIKeyConfig 描述一个调用方凭证。secret_env 优先于 secret。
type APIKeyConfig struct {
	Name      string   `json:"name"`
	Secret    string   `json:"secret"`
	SecretEnv string   `json:"secret_env"`
	Tools     []string `json:"tools"`
	Disabled  bool     `json:"disabled"`
}

// Web3Config 包含访问区块链节点所需的端点。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	WSURL        string `json:"ws_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// ResilienceConfig 汇总重试、熔断与限流参数。
type ResilienceConfig struct {
	Retry      RetryConfig       `json:"retry"`
	Breaker    BreakerConfig     `json:"breaker"`
	RateLimits []RateLimitConfig `json:"rate_limits"`
}

// RetryConfig 对应默认重试策略，max_retries 缺省时为 3。
type RetryConfig struct {
	MaxRetries        *int    `json:"max_retries"`
	BaseDelayMS       int     `json:"base_delay_ms"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// BreakerConfig 为每个上游熔断器的阈值。
type BreakerConfig struct {
	MaxFailures    int `json:"max_failures"`
	ResetTimeoutMS int `json:"reset_timeout_ms"`
}

// RateLimitConfig 描述一个固定窗口限流桶。
type RateLimitConfig struct {
	Bucket      string `json:"bucket"`
	MaxRequests int    `json:"max_requests"`
	WindowMS    int    `json:"window_ms"`
}

// CacheConfig 覆盖某个命名缓存的默认参数。
type CacheConfig struct {
	Name         string `json:"name"`
	TTLSeconds   int    `json:"ttl_seconds"`
	SweepSeconds int    `json:"sweep_seconds"`
}

// SubscriptionConfig 控制 websocket 重连策略。
type SubscriptionConfig struct {
	MaxReconnectAttempts int `json:"max_reconnect_attempts"`
	ReconnectBaseMS      int `json:"reconnect_base_ms"`
	ReconnectMaxMS       int `json:"reconnect_max_ms"`
}

// PriceStreamConfig 描述价格轮询与告警阈值。
type PriceStreamConfig struct {
	Enabled              bool     `json:"enabled"`
	Assets               []string `json:"assets"`
	VsCurrency           string   `json:"vs_currency"`
	IntervalSeconds      int      `json:"interval_seconds"`
	MoveThresholdPercent float64  `json:"move_threshold_percent"`
	WhaleThresholdUSD    float64  `json:"whale_threshold_usd"`
	WatchTransfers       bool     `json:"watch_transfers"`
}

// CoinGeckoConfig 为价格数据源参数。
type CoinGeckoConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	Redis  RedisConfig      `json:"redis"`
	Alerts AlertStoreConfig `json:"alerts"`
}

// RedisConfig 为空地址时禁用共享缓存层与 Redis 告警通道。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// AlertStoreConfig 选择告警历史的存储实现。
type AlertStoreConfig struct {
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	Path     string `json:"path"`
	Capacity int    `json:"capacity"`
}

// AlertingConfig 控制告警的外发通道。
type AlertingConfig struct {
	RedisChannel string         `json:"redis_channel"`
	RabbitMQ     RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 为空 URL 时不启用 RabbitMQ 告警。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// PathFromEnv 返回环境变量指定的配置路径，未设置时使用默认值。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	if c.Resilience.Retry.MaxRetries == nil {
		n := 3
		c.Resilience.Retry.MaxRetries = &n
	}
	if c.Resilience.Retry.BaseDelayMS <= 0 {
		c.Resilience.Retry.BaseDelayMS = 1000
	}
	if c.Resilience.Retry.MaxDelayMS <= 0 {
		c.Resilience.Retry.MaxDelayMS = 30000
	}
	if c.Resilience.Retry.BackoffMultiplier <= 1 {
		c.Resilience.Retry.BackoffMultiplier = 2
	}
	if c.Resilience.Breaker.MaxFailures <= 0 {
		c.Resilience.Breaker.MaxFailures = 5
	}
	if c.Resilience.Breaker.ResetTimeoutMS <= 0 {
		c.Resilience.Breaker.ResetTimeoutMS = 60000
	}
	if c.Resilience.RateLimits == nil {
		c.Resilience.RateLimits = []RateLimitConfig{
			{Bucket: "rpc", MaxRequests: 100, WindowMS: 60000},
			{Bucket: "coingecko", MaxRequests: 30, WindowMS: 60000},
		}
	}

	if c.Subscription.MaxReconnectAttempts <= 0 {
		c.Subscription.MaxReconnectAttempts = 10
	}
	if c.Subscription.ReconnectBaseMS <= 0 {
		c.Subscription.ReconnectBaseMS = 1000
	}
	if c.Subscription.ReconnectMaxMS <= 0 {
		c.Subscription.ReconnectMaxMS = 30000
	}

	if len(c.PriceStream.Assets) == 0 {
		c.PriceStream.Assets = []string{"ethereum", "bitcoin"}
	}
	if c.PriceStream.VsCurrency == "" {
		c.PriceStream.VsCurrency = "usd"
	}
	if c.PriceStream.IntervalSeconds <= 0 {
		c.PriceStream.IntervalSeconds = 30
	}
	if c.PriceStream.MoveThresholdPercent <= 0 {
		c.PriceStream.MoveThresholdPercent = 5
	}
	if c.PriceStream.WhaleThresholdUSD <= 0 {
		c.PriceStream.WhaleThresholdUSD = 100000
	}

	if c.CoinGecko.BaseURL == "" {
		c.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if c.CoinGecko.TimeoutSeconds <= 0 {
		c.CoinGecko.TimeoutSeconds = 10
	}

	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "chainmcp"
	}
	if c.Storage.Alerts.Driver == "" {
		c.Storage.Alerts.Driver = "memory"
	}
	if c.Storage.Alerts.Capacity <= 0 {
		c.Storage.Alerts.Capacity = 512
	}

	if c.Alerting.RedisChannel == "" {
		c.Alerting.RedisChannel = "chainmcp:alerts"
	}
	if c.Alerting.RabbitMQ.Exchange == "" {
		c.Alerting.RabbitMQ.Exchange = "chainmcp.alerts"
	}
	if c.Alerting.RabbitMQ.RoutingKey == "" {
		c.Alerting.RabbitMQ.RoutingKey = "alert"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Storage.Alerts.Path == "" {
		c.Storage.Alerts.Path = filepath.Join(c.Runtime.DataDir, "alerts.jsonl")
	} else if !filepath.IsAbs(c.Storage.Alerts.Path) {
		c.Storage.Alerts.Path = filepath.Join(baseDir, c.Storage.Alerts.Path)
	}
}

// Validate 检查默认值填充后仍然无效的配置。
func (c *Config) Validate() error {
	if *c.Resilience.Retry.MaxRetries < 0 {
		return xerrors.New(xerrors.KindValidation, "resilience.retry.max_retries 不能为负数")
	}
	for i, rl := range c.Resilience.RateLimits {
		if strings.TrimSpace(rl.Bucket) == "" {
			return xerrors.New(xerrors.KindValidation, fmt.Sprintf("resilience.rate_limits[%d] 缺少 bucket", i))
		}
		if rl.MaxRequests <= 0 || rl.WindowMS <= 0 {
			return xerrors.New(xerrors.KindValidation, fmt.Sprintf("限流桶 %s 的 max_requests 与 window_ms 必须为正数", rl.Bucket))
		}
	}
	for _, cc := range c.Caches {
		if strings.TrimSpace(cc.Name) == "" {
			return xerrors.New(xerrors.KindValidation, "caches 中存在缺少 name 的条目")
		}
		if cc.TTLSeconds < 0 || cc.SweepSeconds < 0 {
			return xerrors.New(xerrors.KindValidation, fmt.Sprintf("缓存 %s 的 ttl_seconds/sweep_seconds 不能为负数", cc.Name))
		}
	}
	switch c.Storage.Alerts.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.Alerts.DSN) == "" {
			return xerrors.New(xerrors.KindValidation, "storage.alerts.driver 为 mysql 时必须提供 dsn")
		}
	default:
		return xerrors.New(xerrors.KindValidation, fmt.Sprintf("不支持的告警存储驱动 %q", c.Storage.Alerts.Driver))
	}
	return nil
}

// RetryPolicy 转换为执行器使用的默认重试策略。
func (c *Config) RetryPolicy() resilience.RetryPolicy {
	policy := resilience.DefaultRetryPolicy()
	if c.Resilience.Retry.MaxRetries != nil {
		policy.MaxRetries = *c.Resilience.Retry.MaxRetries
	}
	policy.BaseDelay = millis(c.Resilience.Retry.BaseDelayMS)
	policy.MaxDelay = millis(c.Resilience.Retry.MaxDelayMS)
	policy.BackoffMultiplier = c.Resilience.Retry.BackoffMultiplier
	return policy
}

// BreakerResetTimeout 返回熔断冷却时间。
func (c *Config) BreakerResetTimeout() time.Duration {
	return millis(c.Resilience.Breaker.ResetTimeoutMS)
}

// CacheConfigs 将覆盖项合并到默认缓存配置上，未知名称会新增一个缓存。
func (c *Config) CacheConfigs() []cache.Config {
	configs := cache.DefaultConfigs()
	index := make(map[string]int, len(configs))
	for i, cfg := range configs {
		index[cfg.Name] = i
	}
	for _, override := range c.Caches {
		i, ok := index[override.Name]
		if !ok {
			configs = append(configs, cache.Config{Name: override.Name, DefaultTTL: time.Minute})
			i = len(configs) - 1
			index[override.Name] = i
		}
		if override.TTLSeconds > 0 {
			configs[i].DefaultTTL = time.Duration(override.TTLSeconds) * time.Second
		}
		if override.SweepSeconds > 0 {
			configs[i].SweepInterval = time.Duration(override.SweepSeconds) * time.Second
		}
	}
	return configs
}

// AuthSettings 转换为认证服务配置，secret_env 在此时读取。
func (c *Config) AuthSettings() auth.Config {
	out := auth.Config{Mode: auth.Mode(c.Auth.Mode)}
	for _, k := range c.Auth.Keys {
		secret := k.Secret
		if k.SecretEnv != "" {
			if v := strings.TrimSpace(os.Getenv(k.SecretEnv)); v != "" {
				secret = v
			}
		}
		out.Keys = append(out.Keys, auth.Key{
			Name:     k.Name,
			Secret:   secret,
			Tools:    append([]string(nil), k.Tools...),
			Disabled: k.Disabled,
		})
	}
	return out
}

// ReconnectBaseDelay 返回重连基础延迟。
func (s SubscriptionConfig) ReconnectBaseDelay() time.Duration { return millis(s.ReconnectBaseMS) }

// ReconnectMaxDelay 返回重连延迟上限。
func (s SubscriptionConfig) ReconnectMaxDelay() time.Duration { return millis(s.ReconnectMaxMS) }

// Interval 返回价格轮询间隔。
func (p PriceStreamConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Window 返回限流窗口。
func (r RateLimitConfig) Window() time.Duration { return millis(r.WindowMS) }

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
