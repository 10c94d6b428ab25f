package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"ChainMCP/internal/cache"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/alerting"
	"ChainMCP/internal/resilience"
	"ChainMCP/internal/storage/mysql"
	"ChainMCP/internal/subscription"
	"ChainMCP/internal/upstream/coingecko"
	"ChainMCP/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
)

// 上游名，同时用作限流桶与熔断器键。
const (
	UpstreamRPC       = "rpc"
	UpstreamCoinGecko = "coingecko"
)

const (
	maxWaitBlocks      = 20
	defaultWaitTimeout = 60 * time.Second
	maxWaitTimeout     = 5 * time.Minute
	maxAlertLimit      = 200
)

// ChainResolver 按名称返回链客户端，空名称表示默认链。
type ChainResolver interface {
	Client(name string) (web3.Client, bool)
}

// PriceSource 查询单个资产报价。
type PriceSource interface {
	Price(ctx context.Context, id, currency string) (coingecko.Quote, error)
}

// Subscriber 是 subscription.Manager 中 wait_for_blocks 使用的部分。
type Subscriber interface {
	Subscribe(ctx context.Context, topic subscription.Topic, listener subscription.Listener) (subscription.Handle, error)
	Unsubscribe(handle subscription.Handle) error
}

// AlertReader 读取告警历史。
type AlertReader interface {
	ListRecent(ctx context.Context, query mysql.AlertQuery) ([]alerting.Event, error)
}

// Deps 汇总内置工具的依赖。缺失的依赖对应的工具不会注册。
type Deps struct {
	Chains     ChainResolver
	Guard      *resilience.Guard
	Cache      *cache.Store
	Prices     PriceSource
	Subscriber Subscriber
	Alerts     AlertReader
}

// RegisterBuiltins 注册内置工具。
func RegisterBuiltins(r *Registry, deps Deps) error {
	var builtins []Tool
	if deps.Chains != nil {
		builtins = append(builtins,
			Tool{Name: "get_balance", Description: "查询地址的原生代币余额", Handler: deps.getBalance},
			Tool{Name: "get_block_number", Description: "查询最新区块高度", Handler: deps.getBlockNumber},
			Tool{Name: "get_transaction", Description: "按哈希查询交易详情", Handler: deps.getTransaction},
			Tool{Name: "get_gas_price", Description: "查询建议 gas 价格", Handler: deps.getGasPrice},
		)
	}
	if deps.Prices != nil {
		builtins = append(builtins, Tool{Name: "get_token_price", Description: "查询资产的法币报价", Handler: deps.getTokenPrice})
	}
	if deps.Subscriber != nil {
		builtins = append(builtins, Tool{Name: "wait_for_blocks", Description: "通过临时订阅等待若干新区块", Handler: deps.waitForBlocks})
	}
	if deps.Alerts != nil {
		builtins = append(builtins, Tool{Name: "recent_alerts", Description: "查询最近的价格与巨鲸告警", Handler: deps.recentAlerts})
	}
	if deps.Cache != nil {
		builtins = append(builtins, Tool{Name: "cache_stats", Description: "查看各命名缓存的命中统计", Handler: deps.cacheStats})
	}
	for _, tool := range builtins {
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// guarded 依次经过缓存、限流、重试与熔断。cacheName 为空时不缓存。
func guarded[T any](ctx context.Context, d Deps, cacheName, key, upstream, operation string, load func(ctx context.Context) (T, error)) (T, error) {
	protected := func(ctx context.Context) (T, error) {
		opCtx := resilience.NewOperationContext(operation, map[string]string{"key": key})
		return resilience.Protect(ctx, d.Guard, upstream, opCtx, load)
	}
	if d.Cache == nil || cacheName == "" {
		return protected(ctx)
	}
	return cache.Fetch(ctx, d.Cache, cacheName, key, protected)
}

func (d Deps) chain(name string) (web3.Client, string, error) {
	client, ok := d.Chains.Client(name)
	if !ok {
		return nil, "", xerrors.New(xerrors.KindNotFound, fmt.Sprintf("未配置的链 %q", name))
	}
	return client, client.Name(), nil
}

type chainParams struct {
	Chain string `json:"chain"`
}

// BalanceResult 是 get_balance 的结果。
type BalanceResult struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Wei     string `json:"wei"`
	Ether   string `json:"ether"`
}

func (d Deps) getBalance(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Chain   string `json:"chain"`
		Address string `json:"address"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if !common.IsHexAddress(p.Address) {
		return nil, xerrors.New(xerrors.KindValidation, "address 必须是 20 字节十六进制地址")
	}
	client, name, err := d.chain(p.Chain)
	if err != nil {
		return nil, err
	}
	account := common.HexToAddress(p.Address)

	return guarded(ctx, d, cache.Balances, name+":"+strings.ToLower(account.Hex()), UpstreamRPC, "get_balance",
		func(ctx context.Context) (BalanceResult, error) {
			wei, err := client.BalanceAt(ctx, account, nil)
			if err != nil {
				return BalanceResult{}, err
			}
			return BalanceResult{Chain: name, Address: account.Hex(), Wei: wei.String(), Ether: formatUnits(wei, params.Ether, 18)}, nil
		})
}

// BlockNumberResult 是 get_block_number 的结果。
type BlockNumberResult struct {
	Chain       string `json:"chain"`
	BlockNumber uint64 `json:"block_number"`
}

func (d Deps) getBlockNumber(ctx context.Context, raw json.RawMessage) (any, error) {
	var p chainParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	client, name, err := d.chain(p.Chain)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, d, cache.BlockchainInfo, name+":blockNumber", UpstreamRPC, "get_block_number",
		func(ctx context.Context) (BlockNumberResult, error) {
			n, err := client.BlockNumber(ctx)
			if err != nil {
				return BlockNumberResult{}, err
			}
			return BlockNumberResult{Chain: name, BlockNumber: n}, nil
		})
}

func (d Deps) getTransaction(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Chain string `json:"chain"`
		Hash  string `json:"hash"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	decoded, err := hexutil.Decode(p.Hash)
	if err != nil || len(decoded) != common.HashLength {
		return nil, xerrors.New(xerrors.KindValidation, "hash 必须是 32 字节十六进制交易哈希")
	}
	client, _, err := d.chain(p.Chain)
	if err != nil {
		return nil, err
	}
	hash := common.BytesToHash(decoded)
	// 待打包交易的状态会变化，不走缓存。
	return guarded(ctx, d, "", hash.Hex(), UpstreamRPC, "get_transaction",
		func(ctx context.Context) (web3.TransactionInfo, error) {
			return client.TransactionByHash(ctx, hash)
		})
}

// GasPriceResult 是 get_gas_price 的结果。
type GasPriceResult struct {
	Chain string `json:"chain"`
	Wei   string `json:"wei"`
	Gwei  string `json:"gwei"`
}

func (d Deps) getGasPrice(ctx context.Context, raw json.RawMessage) (any, error) {
	var p chainParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	client, name, err := d.chain(p.Chain)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, d, cache.BlockchainInfo, name+":gasPrice", UpstreamRPC, "get_gas_price",
		func(ctx context.Context) (GasPriceResult, error) {
			wei, err := client.SuggestGasPrice(ctx)
			if err != nil {
				return GasPriceResult{}, err
			}
			return GasPriceResult{Chain: name, Wei: wei.String(), Gwei: formatUnits(wei, params.GWei, 9)}, nil
		})
}

func (d Deps) getTokenPrice(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		ID       string `json:"id"`
		Currency string `json:"currency"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	id := strings.ToLower(strings.TrimSpace(p.ID))
	if id == "" {
		return nil, xerrors.New(xerrors.KindValidation, "id 不能为空")
	}
	currency := strings.ToLower(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "usd"
	}
	return guarded(ctx, d, cache.Prices, coingecko.CacheKey(id, currency), UpstreamCoinGecko, "get_token_price",
		func(ctx context.Context) (coingecko.Quote, error) {
			return d.Prices.Price(ctx, id, currency)
		})
}

// BlockSummary 是 wait_for_blocks 返回的单个区块。
type BlockSummary struct {
	Number    uint64    `json:"number"`
	Hash      string    `json:"hash"`
	Timestamp uint64    `json:"timestamp"`
	Received  time.Time `json:"received_at"`
}

func (d Deps) waitForBlocks(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Count          int `json:"count"`
		TimeoutSeconds int `json:"timeout_seconds"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Count <= 0 {
		p.Count = 1
	}
	if p.Count > maxWaitBlocks {
		return nil, xerrors.New(xerrors.KindValidation, fmt.Sprintf("count 不能超过 %d", maxWaitBlocks))
	}
	timeout := defaultWaitTimeout
	if p.TimeoutSeconds > 0 {
		timeout = min(time.Duration(p.TimeoutSeconds)*time.Second, maxWaitTimeout)
	}

	blocks := make(chan BlockSummary, p.Count)
	handle, err := d.Subscriber.Subscribe(ctx, subscription.NewBlocks(), func(ev subscription.Event) error {
		if ev.Header == nil || ev.Header.Number == nil {
			return nil
		}
		select {
		case blocks <- BlockSummary{
			Number:    ev.Header.Number.Uint64(),
			Hash:      ev.Header.Hash().Hex(),
			Timestamp: ev.Header.Time,
			Received:  ev.ReceivedAt,
		}:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer d.Subscriber.Unsubscribe(handle)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	collected := make([]BlockSummary, 0, p.Count)
	for len(collected) < p.Count {
		select {
		case b := <-blocks:
			collected = append(collected, b)
		case <-waitCtx.Done():
			return nil, xerrors.Wrap(xerrors.KindTimeout, waitCtx.Err(),
				fmt.Sprintf("等待新区块超时，已收到 %d/%d", len(collected), p.Count))
		}
	}
	return collected, nil
}

func (d Deps) recentAlerts(ctx context.Context, raw json.RawMessage) (any, error) {
	var p struct {
		Limit int    `json:"limit"`
		Type  string `json:"type"`
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Limit > maxAlertLimit {
		p.Limit = maxAlertLimit
	}
	events, err := d.Alerts.ListRecent(ctx, mysql.AlertQuery{Type: alerting.Type(p.Type), Limit: p.Limit})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []alerting.Event{}
	}
	return events, nil
}

// CacheStat 是单个命名缓存的统计。
type CacheStat struct {
	cache.Stats
	HitRatio float64 `json:"hit_ratio"`
}

func (d Deps) cacheStats(_ context.Context, raw json.RawMessage) (any, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	out := make(map[string]CacheStat)
	for _, name := range d.Cache.Names() {
		stats, err := d.Cache.Stats(name)
		if err != nil {
			return nil, err
		}
		out[name] = CacheStat{Stats: stats, HitRatio: stats.HitRatio()}
	}
	return out, nil
}

// formatUnits 将整数金额按 unit 缩放为小数字符串。
func formatUnits(amount *big.Int, unit float64, decimals int) string {
	if amount == nil {
		return "0"
	}
	value := new(big.Float).SetPrec(256).SetInt(amount)
	value.Quo(value, new(big.Float).SetPrec(256).SetFloat64(unit))
	return value.Text('f', decimals)
}
