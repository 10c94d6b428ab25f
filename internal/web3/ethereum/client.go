package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	chainID   *big.Int
	mu        sync.Mutex
}

var _ web3.Client = (*Client)(nil)

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	return NewClientFromRPC(cfg.Name, cfg.Notes, rpcClient), nil
}

// NewClientFromRPC wraps an existing RPC connection.
func NewClientFromRPC(name, notes string, rpcClient *gethrpc.Client) *Client {
	return &Client{
		name:      name,
		notes:     notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
}

// Name returns the chain name from chain.yaml.
func (c *Client) Name() string {
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

func (c *Client) backend() (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth == nil {
		return nil, errors.New("以太坊客户端已关闭")
	}
	return c.eth, nil
}

// ChainID returns the chain id, cached after the first successful call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	id, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	eth, err := c.backend()
	if err != nil {
		return 0, err
	}
	n, err := eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return n, nil
}

// BalanceAt returns the wei balance of account at block, or latest when nil.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	balance, err := eth.BalanceAt(ctx, account, block)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// SuggestGasPrice returns the node's gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	eth, err := c.backend()
	if err != nil {
		return nil, err
	}
	price, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询 gas 价格失败: %w", err)
	}
	return price, nil
}

type txExtra struct {
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	From        *common.Address `json:"from"`
}

// TransactionByHash looks up a transaction. Unknown hashes are reported as
// not-found classified errors.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (web3.TransactionInfo, error) {
	c.mu.Lock()
	rpcClient := c.rpcClient
	c.mu.Unlock()
	if rpcClient == nil {
		return web3.TransactionInfo{}, errors.New("以太坊客户端已关闭")
	}

	var raw json.RawMessage
	if err := rpcClient.CallContext(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return web3.TransactionInfo{}, fmt.Errorf("查询交易失败: %w", err)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return web3.TransactionInfo{}, xerrors.Wrap(xerrors.KindNotFound, gethcore.NotFound, "交易不存在",
			xerrors.WithMetadata("hash", hash.Hex()))
	}

	var tx coretypes.Transaction
	if err := tx.UnmarshalJSON(raw); err != nil {
		return web3.TransactionInfo{}, xerrors.Wrap(xerrors.KindUpstreamUnavailable, err, "节点返回的交易无法解析")
	}
	var extra txExtra
	if err := json.Unmarshal(raw, &extra); err != nil {
		return web3.TransactionInfo{}, xerrors.Wrap(xerrors.KindUpstreamUnavailable, err, "节点返回的交易无法解析")
	}

	info := web3.TransactionInfo{
		Hash:     tx.Hash().Hex(),
		Value:    web3.HexBig(tx.Value()),
		Nonce:    tx.Nonce(),
		Gas:      tx.Gas(),
		GasPrice: web3.HexBig(tx.GasPrice()),
		Pending:  extra.BlockNumber == nil,
	}
	if to := tx.To(); to != nil {
		info.To = to.Hex()
	}
	switch {
	case extra.From != nil:
		info.From = extra.From.Hex()
	default:
		if from, err := coretypes.Sender(coretypes.LatestSignerForChainID(tx.ChainId()), &tx); err == nil {
			info.From = from.Hex()
		}
	}
	if extra.BlockNumber != nil {
		block := web3.HexBig(extra.BlockNumber.ToInt())
		info.BlockNumber = &block
	}
	return info, nil
}

// Snapshot gathers lightweight metadata from the chain.
func (c *Client) Snapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	blockNumber, err := c.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     web3.HexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}
