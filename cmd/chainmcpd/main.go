package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ChainMCP/internal/api"
	"ChainMCP/internal/auth"
	"ChainMCP/internal/cache"
	"ChainMCP/internal/config"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/alerting"
	"ChainMCP/internal/observability/metrics"
	"ChainMCP/internal/pricestream"
	"ChainMCP/internal/resilience"
	"ChainMCP/internal/storage/mysql"
	storageredis "ChainMCP/internal/storage/redis"
	"ChainMCP/internal/subscription"
	"ChainMCP/internal/tools"
	"ChainMCP/internal/upstream/coingecko"
	"ChainMCP/internal/web3/ethereum"
	"ChainMCP/internal/web3/provider"
	"ChainMCP/pkg/logger"

	goredis "github.com/redis/go-redis/v9"
)

// main 是 ChainMCP 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainmcpd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("chainmcpd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var redisClient *goredis.Client
	if cfg.Storage.Redis.Address != "" {
		redisClient, err = storageredis.NewClient(ctx, storageredis.Config{
			Address:  cfg.Storage.Redis.Address,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	alertStore, err := openAlertStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer alertStore.Close()

	notifiers := []alerting.Notifier{
		&alerting.LogNotifier{},
		&alerting.StoreNotifier{Recorder: alertStore},
	}
	if redisClient != nil {
		n, err := alerting.NewRedisNotifier(redisClient, cfg.Alerting.RedisChannel)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Alerting.RabbitMQ.URL != "" {
		n, err := alerting.NewRabbitMQNotifier(alerting.RabbitMQConfig{
			URL:        cfg.Alerting.RabbitMQ.URL,
			Exchange:   cfg.Alerting.RabbitMQ.Exchange,
			RoutingKey: cfg.Alerting.RabbitMQ.RoutingKey,
		})
		if err != nil {
			return err
		}
		defer n.Close()
		notifiers = append(notifiers, n)
	}
	dispatcher := alerting.NewFanout(notifiers...)

	chains, err := provider.NewRegistry(ctx, cfg.Web3, provider.DialEthereum)
	if err != nil {
		return err
	}
	defer chains.Close()

	limiter := resilience.NewRateLimiter()
	for _, rl := range cfg.Resilience.RateLimits {
		limiter.Configure(rl.Bucket, rl.MaxRequests, rl.Window())
	}
	guard := &resilience.Guard{
		Limiter:  limiter,
		Executor: resilience.NewExecutor(cfg.RetryPolicy()),
		Breakers: resilience.NewBreakers(cfg.Resilience.Breaker.MaxFailures, cfg.BreakerResetTimeout()),
	}

	var cacheOpts []cache.Option
	if redisClient != nil {
		cacheOpts = append(cacheOpts, cache.WithTier(storageredis.NewCacheTier(redisClient, cfg.Storage.Redis.KeyPrefix)))
	}
	caches := cache.NewStore(cfg.CacheConfigs(), cacheOpts...)
	defer caches.Close()

	wsURL := strings.TrimSpace(chains.DefaultDefinition().WSURL)
	if wsURL == "" {
		wsURL = strings.TrimSpace(cfg.Web3.WSURL)
	}
	subs := subscription.NewManager(subscription.Config{
		URL:                  wsURL,
		MaxReconnectAttempts: cfg.Subscription.MaxReconnectAttempts,
		ReconnectBaseDelay:   cfg.Subscription.ReconnectBaseDelay(),
		ReconnectMaxDelay:    cfg.Subscription.ReconnectMaxDelay(),
	}, ethereum.NewStreamDialer(0))
	subs.OnStateChange(connectionAlerts(dispatcher, wsURL))
	if err := subs.Start(ctx); err != nil {
		if !errors.Is(err, subscription.ErrNotConfigured) {
			return err
		}
		appLog.Warn("未配置 websocket 端点，订阅与巨鲸告警不可用")
	}
	defer subs.Stop()

	prices := coingecko.NewClient(coingecko.Config{
		BaseURL: cfg.CoinGecko.BaseURL,
		APIKey:  cfg.CoinGecko.APIKey,
		Timeout: time.Duration(cfg.CoinGecko.TimeoutSeconds) * time.Second,
	})

	if cfg.PriceStream.Enabled {
		streamCfg := pricestream.Config{
			Assets:               cfg.PriceStream.Assets,
			VsCurrency:           cfg.PriceStream.VsCurrency,
			Interval:             cfg.PriceStream.Interval(),
			MoveThresholdPercent: cfg.PriceStream.MoveThresholdPercent,
			WhaleThresholdUSD:    cfg.PriceStream.WhaleThresholdUSD,
			Chain:                chains.DefaultName(),
		}
		opts := []pricestream.Option{
			pricestream.WithGuard(guard),
			pricestream.WithCache(caches),
			pricestream.WithDispatcher(dispatcher),
		}
		if cfg.PriceStream.WatchTransfers && wsURL != "" {
			streamCfg.Tokens = chains.DefaultDefinition().TokenList()
			opts = append(opts, pricestream.WithSubscriber(subs))
		}
		stream := pricestream.New(streamCfg, prices, opts...)
		if err := stream.Start(ctx); err != nil {
			return err
		}
		defer stream.Stop()
	}

	registry := tools.NewRegistry()
	deps := tools.Deps{
		Chains: chains,
		Guard:  guard,
		Cache:  caches,
		Prices: prices,
		Alerts: alertStore,
	}
	if wsURL != "" {
		deps.Subscriber = subs
	}
	if err := tools.RegisterBuiltins(registry, deps); err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil {
				appLog.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	authSvc, err := auth.NewService(cfg.AuthSettings())
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, registry,
		api.WithAuth(authSvc),
		api.WithState(subs),
		api.WithBreakers(guard.Breakers),
		api.WithTimeouts(
			time.Duration(cfg.Server.ReadTimeoutSeconds)*time.Second,
			time.Duration(cfg.Server.WriteTimeoutSeconds)*time.Second,
		),
	)
	appLog.Info("ChainMCP 启动完成",
		slog.String("default_chain", chains.DefaultName()),
		slog.Any("chains", chains.Chains()),
		slog.Int("tools", len(registry.List())))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openAlertStore(ctx context.Context, cfg *config.Config) (mysql.AlertRepository, error) {
	switch cfg.Storage.Alerts.Driver {
	case "", "memory":
		return mysql.NewMemoryAlertRepository(cfg.Storage.Alerts.Path, cfg.Storage.Alerts.Capacity)
	case "mysql":
		return mysql.NewSQLAlertRepository(ctx, mysql.Config{DSN: cfg.Storage.Alerts.DSN})
	default:
		return nil, fmt.Errorf("未知的告警存储驱动: %s", cfg.Storage.Alerts.Driver)
	}
}

// connectionAlerts 在订阅连接进入终止状态时发出告警。
func connectionAlerts(dispatcher alerting.Dispatcher, url string) func(subscription.StateEvent) {
	return func(ev subscription.StateEvent) {
		if !ev.Terminal {
			return
		}
		alert := alerting.NewEvent(alerting.TypeConnection, xerrors.SeverityCritical,
			"websocket 重连次数耗尽，订阅已停止", time.Now())
		alert.Metadata = map[string]string{"url": url, "phase": string(ev.Phase)}
		if ev.Err != nil {
			alert.Metadata["error"] = ev.Err.Error()
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = dispatcher.Notify(ctx, alert)
		}()
	}
}
