package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health and tools.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// TransactionInfo is the reshaped view of a transaction returned to tools.
type TransactionInfo struct {
	Hash        string  `json:"hash"`
	From        string  `json:"from,omitempty"`
	To          string  `json:"to,omitempty"`
	Value       string  `json:"value"`
	Nonce       uint64  `json:"nonce"`
	Gas         uint64  `json:"gas"`
	GasPrice    string  `json:"gas_price"`
	Pending     bool    `json:"pending"`
	BlockNumber *string `json:"block_number,omitempty"`
}

// Token is an ERC-20 token whose transfers are priced in USD.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int
	PriceID  string
}

// Client defines the narrow read-only surface tools use to query a chain.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (TransactionInfo, error)
	Snapshot(ctx context.Context) (ChainSnapshot, error)
	Close()
}

// HexBig formats n as a 0x-prefixed quantity.
func HexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
