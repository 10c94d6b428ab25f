package ethereum

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"ChainMCP/internal/subscription"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/gethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const defaultStreamBuffer = 128

// StreamDialer opens websocket connections to an EVM node and serves
// eth_subscribe streams over them.
type StreamDialer struct {
	buffer int
	now    func() time.Time
}

// NewStreamDialer creates a dialer. buffer bounds each subscription channel.
func NewStreamDialer(buffer int) *StreamDialer {
	if buffer <= 0 {
		buffer = defaultStreamBuffer
	}
	return &StreamDialer{buffer: buffer, now: time.Now}
}

var _ subscription.Dialer = (*StreamDialer)(nil)

// Dial implements subscription.Dialer.
func (d *StreamDialer) Dial(ctx context.Context, url string) (subscription.Conn, error) {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("订阅需要 websocket 端点，当前为 %q", url)
	}
	rpcClient, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("连接 websocket 节点失败: %w", err)
	}
	return d.wrap(rpcClient), nil
}

func (d *StreamDialer) wrap(rpcClient *gethrpc.Client) *streamConn {
	return &streamConn{
		rpc:    rpcClient,
		eth:    ethclient.NewClient(rpcClient),
		geth:   gethclient.New(rpcClient),
		buffer: d.buffer,
		now:    d.now,
	}
}

type streamConn struct {
	rpc    *gethrpc.Client
	eth    *ethclient.Client
	geth   *gethclient.Client
	buffer int
	now    func() time.Time
}

func (c *streamConn) Subscribe(ctx context.Context, topic subscription.Topic) (subscription.Stream, error) {
	switch topic.Kind {
	case subscription.KindNewBlock:
		ch := make(chan *coretypes.Header, c.buffer)
		sub, err := c.eth.SubscribeNewHead(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("订阅新区块失败: %w", err)
		}
		return forward(sub, ch, c.buffer, func(h *coretypes.Header) subscription.Event {
			return subscription.Event{Kind: subscription.KindNewBlock, Header: h, ReceivedAt: c.now()}
		}), nil
	case subscription.KindLogFilter:
		if topic.Filter == nil {
			return nil, fmt.Errorf("logFilter 订阅缺少过滤条件")
		}
		ch := make(chan coretypes.Log, c.buffer)
		sub, err := c.eth.SubscribeFilterLogs(ctx, topic.Filter.Query(), ch)
		if err != nil {
			return nil, fmt.Errorf("订阅日志失败: %w", err)
		}
		return forward(sub, ch, c.buffer, func(l coretypes.Log) subscription.Event {
			return subscription.Event{Kind: subscription.KindLogFilter, Log: &l, ReceivedAt: c.now()}
		}), nil
	case subscription.KindPendingTx:
		ch := make(chan common.Hash, c.buffer)
		sub, err := c.geth.SubscribePendingTransactions(ctx, ch)
		if err != nil {
			return nil, fmt.Errorf("订阅待处理交易失败: %w", err)
		}
		return forward(sub, ch, c.buffer, func(h common.Hash) subscription.Event {
			return subscription.Event{Kind: subscription.KindPendingTx, TxHash: h, ReceivedAt: c.now()}
		}), nil
	default:
		return nil, fmt.Errorf("不支持的订阅类型 %q", topic.Kind)
	}
}

func (c *streamConn) Close() {
	c.rpc.Close()
}

type upstreamSubscription interface {
	Err() <-chan error
	Unsubscribe()
}

type stream struct {
	events chan subscription.Event
	sub    upstreamSubscription
	quit   chan struct{}
	once   sync.Once
}

// forward converts typed go-ethereum notifications into subscription events
// until the stream is unsubscribed.
func forward[T any](sub upstreamSubscription, in <-chan T, buffer int, convert func(T) subscription.Event) *stream {
	s := &stream{
		events: make(chan subscription.Event, buffer),
		sub:    sub,
		quit:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.quit:
				return
			case v := <-in:
				select {
				case s.events <- convert(v):
				case <-s.quit:
					return
				}
			}
		}
	}()
	return s
}

func (s *stream) Events() <-chan subscription.Event { return s.events }

func (s *stream) Err() <-chan error { return s.sub.Err() }

func (s *stream) Unsubscribe() {
	s.once.Do(func() {
		close(s.quit)
		s.sub.Unsubscribe()
	})
}
