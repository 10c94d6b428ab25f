// Package pricestream polls a price source on a fixed interval, emits price
// updates and significant-move alerts, and turns ERC-20 Transfer logs received
// through the subscription manager into whale alerts.
package pricestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"ChainMCP/internal/cache"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/alerting"
	"ChainMCP/internal/resilience"
	"ChainMCP/internal/subscription"
	"ChainMCP/internal/upstream/coingecko"
	"ChainMCP/internal/web3"
	"ChainMCP/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Upstream is the rate-limit bucket and breaker key used for price polls.
const Upstream = "coingecko"

const (
	defaultInterval       = 30 * time.Second
	defaultMoveThreshold  = 5.0
	defaultWhaleThreshold = 100_000.0
)

// PriceSource fetches quotes for a batch of asset ids.
type PriceSource interface {
	SimplePrice(ctx context.Context, ids []string, currency string) (map[string]coingecko.Quote, error)
}

// Subscriber is the part of subscription.Manager the stream uses.
type Subscriber interface {
	Subscribe(ctx context.Context, topic subscription.Topic, listener subscription.Listener) (subscription.Handle, error)
	Unsubscribe(handle subscription.Handle) error
}

// Config controls polling and alert thresholds. Zero values take defaults.
type Config struct {
	Assets               []string
	VsCurrency           string
	Interval             time.Duration
	MoveThresholdPercent float64
	WhaleThresholdUSD    float64
	// Tokens are the ERC-20 contracts watched for large transfers.
	Tokens []web3.Token
	Chain  string
}

func (c Config) withDefaults() Config {
	assets := make([]string, 0, len(c.Assets))
	seen := make(map[string]struct{}, len(c.Assets))
	for _, a := range c.Assets {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		assets = append(assets, a)
	}
	sort.Strings(assets)
	c.Assets = assets
	c.VsCurrency = strings.ToLower(strings.TrimSpace(c.VsCurrency))
	if c.VsCurrency == "" {
		c.VsCurrency = "usd"
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.MoveThresholdPercent <= 0 {
		c.MoveThresholdPercent = defaultMoveThreshold
	}
	if c.WhaleThresholdUSD <= 0 {
		c.WhaleThresholdUSD = defaultWhaleThreshold
	}
	return c
}

// Update is emitted once per tracked asset per poll.
type Update struct {
	Asset         string    `json:"asset"`
	Currency      string    `json:"currency"`
	Price         float64   `json:"price"`
	PreviousPrice float64   `json:"previous_price,omitempty"`
	ChangePercent float64   `json:"change_percent"`
	Significant   bool      `json:"significant"`
	At            time.Time `json:"at"`
}

// Listener receives price updates. It runs on the polling goroutine.
type Listener func(Update)

// Stream is the price and activity stream.
type Stream struct {
	cfg        Config
	source     PriceSource
	guard      *resilience.Guard
	caches     *cache.Store
	dispatcher alerting.Dispatcher
	subscriber Subscriber
	logger     *slog.Logger
	now        func() time.Time

	mu        sync.RWMutex
	last      map[string]float64
	listeners map[int]Listener
	nextID    int
	tokens    map[common.Address]web3.Token
	handle    subscription.Handle
	runCtx    context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises a Stream.
type Option func(*Stream)

// WithGuard routes price polls through the limiter, retry executor and breaker.
func WithGuard(g *resilience.Guard) Option {
	return func(s *Stream) { s.guard = g }
}

// WithCache stores every quote in the prices cache so whale pricing and
// tool calls can reuse it.
func WithCache(c *cache.Store) Option {
	return func(s *Stream) { s.caches = c }
}

// WithDispatcher sets where move and whale alerts go.
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(s *Stream) { s.dispatcher = d }
}

// WithSubscriber enables whale alerts over the given subscription manager.
func WithSubscriber(sub Subscriber) Option {
	return func(s *Stream) { s.subscriber = sub }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a stream. Nothing runs until Start. Price ids of watched tokens
// are polled too so transfers can be valued.
func New(cfg Config, source PriceSource, opts ...Option) *Stream {
	assets := append([]string(nil), cfg.Assets...)
	for _, tok := range cfg.Tokens {
		if tok.PriceID != "" {
			assets = append(assets, tok.PriceID)
		}
	}
	cfg.Assets = assets

	s := &Stream{
		cfg:       cfg.withDefaults(),
		source:    source,
		now:       time.Now,
		last:      make(map[string]float64),
		listeners: make(map[int]Listener),
		tokens:    make(map[common.Address]web3.Token),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("pricestream")
	}
	for _, tok := range s.cfg.Tokens {
		s.tokens[tok.Address] = tok
	}
	return s
}

// OnUpdate registers a listener and returns a function that removes it.
func (s *Stream) OnUpdate(l Listener) func() {
	if l == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Start subscribes to token transfers and starts the polling loop. The first
// poll happens immediately. Calling Start twice without Stop is an error.
func (s *Stream) Start(ctx context.Context) error {
	if s.source == nil {
		return errors.New("pricestream: price source not configured")
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return errors.New("pricestream: already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.runCtx = runCtx
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	if err := s.watchTransfers(ctx); err != nil {
		cancel()
		s.mu.Lock()
		s.cancel, s.done = nil, nil
		s.mu.Unlock()
		return err
	}

	go s.loop(runCtx, done)
	s.logger.Info("价格流已启动",
		slog.Any("assets", s.cfg.Assets),
		slog.Duration("interval", s.cfg.Interval),
		slog.Int("watched_tokens", len(s.tokens)))
	return nil
}

// Stop ends polling, waits for the loop to exit and drops the transfer
// subscription.
func (s *Stream) Stop() {
	s.mu.Lock()
	cancel, done, handle := s.cancel, s.done, s.handle
	s.cancel, s.done, s.handle = nil, nil, ""
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	if handle != "" && s.subscriber != nil {
		if err := s.subscriber.Unsubscribe(handle); err != nil {
			s.logger.Warn("取消转账订阅失败", slog.Any("error", err))
		}
	}
}

func (s *Stream) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("价格轮询失败",
				slog.String("kind", string(xerrors.KindOf(err))),
				slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches one round of quotes, caches them, notifies listeners and
// raises a move alert for every asset whose change versus the previous
// sample exceeds the threshold.
func (s *Stream) Poll(ctx context.Context) error {
	if len(s.cfg.Assets) == 0 {
		return nil
	}
	opCtx := resilience.NewOperationContext("price_poll", map[string]string{"currency": s.cfg.VsCurrency})
	quotes, err := resilience.Protect(ctx, s.guard, Upstream, opCtx, func(ctx context.Context) (map[string]coingecko.Quote, error) {
		return s.source.SimplePrice(ctx, s.cfg.Assets, s.cfg.VsCurrency)
	})
	if err != nil {
		return err
	}

	at := s.now().UTC()
	for _, asset := range s.cfg.Assets {
		quote, ok := quotes[asset]
		if !ok || quote.Price <= 0 {
			s.logger.Debug("报价缺失", slog.String("asset", asset))
			continue
		}
		if s.caches != nil {
			if err := s.caches.Set(cache.Prices, coingecko.CacheKey(asset, s.cfg.VsCurrency), quote); err != nil {
				s.logger.Warn("写入价格缓存失败", slog.String("asset", asset), slog.Any("error", err))
			}
		}

		s.mu.Lock()
		prev, seen := s.last[asset]
		s.last[asset] = quote.Price
		s.mu.Unlock()

		update := Update{Asset: asset, Currency: s.cfg.VsCurrency, Price: quote.Price, At: at}
		if seen && prev > 0 {
			update.PreviousPrice = prev
			update.ChangePercent = (quote.Price - prev) / prev * 100
			update.Significant = math.Abs(update.ChangePercent) > s.cfg.MoveThresholdPercent
		}
		s.publish(update)
		if update.Significant {
			s.alertMove(ctx, update)
		}
	}
	return nil
}

// Latest returns the most recent polled price for asset.
func (s *Stream) Latest(asset string) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.last[strings.ToLower(asset)]
	return p, ok
}

func (s *Stream) publish(update Update) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, s.listeners[id])
	}
	s.mu.RUnlock()

	for _, l := range listeners {
		s.invoke(l, update)
	}
}

func (s *Stream) invoke(l Listener, update Update) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("价格监听器 panic", slog.String("asset", update.Asset), slog.Any("panic", r))
		}
	}()
	l(update)
}

func (s *Stream) alertMove(ctx context.Context, update Update) {
	severity := xerrors.SeverityWarning
	if math.Abs(update.ChangePercent) >= 2*s.cfg.MoveThresholdPercent {
		severity = xerrors.SeverityCritical
	}
	direction := "上涨"
	if update.ChangePercent < 0 {
		direction = "下跌"
	}
	ev := alerting.NewEvent(alerting.TypePriceMove, severity,
		fmt.Sprintf("%s %s %.2f%%", update.Asset, direction, math.Abs(update.ChangePercent)), update.At)
	ev.Asset = update.Asset
	ev.Price = update.Price
	ev.PreviousPrice = update.PreviousPrice
	ev.ChangePercent = update.ChangePercent
	ev.Metadata = map[string]string{"currency": update.Currency}
	s.dispatch(ctx, ev)
}

func (s *Stream) dispatch(ctx context.Context, ev alerting.Event) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Notify(ctx, ev); err != nil {
		s.logger.Warn("告警分发失败", slog.String("type", string(ev.Type)), slog.Any("error", err))
	}
}
