package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	xerrors "ChainMCP/internal/errors"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	defaultTimeout = 10 * time.Second
	apiKeyHeader   = "x-cg-demo-api-key"
)

// Config 描述了调用 CoinGecko 公共 API 所需的信息。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Quote 为单个资产的报价。
type Quote struct {
	ID        string    `json:"id"`
	Currency  string    `json:"currency"`
	Price     float64   `json:"price"`
	Change24h float64   `json:"change_24h"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Client 通过 HTTP 查询 CoinGecko 的 simple/price 接口。
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

// NewClient 根据配置创建 CoinGecko 客户端。
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// SimplePrice 查询 ids 在 currency 计价下的报价。响应中缺失的资产不会出现在结果里。
func (c *Client) SimplePrice(ctx context.Context, ids []string, currency string) (map[string]Quote, error) {
	ids = normalizeIDs(ids)
	if len(ids) == 0 {
		return nil, xerrors.New(xerrors.KindValidation, "至少需要一个资产 ID")
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", currency)
	query.Set("include_24hr_change", "true")
	query.Set("include_last_updated_at", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("构建 CoinGecko 请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求 CoinGecko 失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		cause := fmt.Errorf("CoinGecko 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		retryAfter := xerrors.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return nil, xerrors.FromStatus(resp.StatusCode, cause, retryAfter).
			Annotate(map[string]string{"upstream": "coingecko"})
	}

	var decoded map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.KindUpstreamUnavailable, err, "解析 CoinGecko 响应失败")
	}

	quotes := make(map[string]Quote, len(decoded))
	for id, fields := range decoded {
		price, ok := fields[currency]
		if !ok {
			continue
		}
		quote := Quote{
			ID:        id,
			Currency:  currency,
			Price:     price,
			Change24h: fields[currency+"_24h_change"],
		}
		if ts, ok := fields["last_updated_at"]; ok && ts > 0 {
			quote.UpdatedAt = time.Unix(int64(ts), 0).UTC()
		}
		quotes[id] = quote
	}
	return quotes, nil
}

// Price 查询单个资产，资产不存在时返回 not-found。
func (c *Client) Price(ctx context.Context, id, currency string) (Quote, error) {
	quotes, err := c.SimplePrice(ctx, []string{id}, currency)
	if err != nil {
		return Quote{}, err
	}
	quote, ok := quotes[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Quote{}, xerrors.Wrap(xerrors.KindNotFound, errors.New(id), "CoinGecko 未返回该资产报价",
			xerrors.WithMetadata("id", id))
	}
	return quote, nil
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CacheKey 返回报价在 prices 缓存中的键。
func CacheKey(id, currency string) string {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}
	return strings.ToLower(strings.TrimSpace(id)) + ":" + currency
}
