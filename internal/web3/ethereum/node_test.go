package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

type codeError struct {
	code int
	msg  string
}

func (e codeError) Error() string  { return e.msg }
func (e codeError) ErrorCode() int { return e.code }

// fakeNode serves the subset of the eth namespace the client and the stream
// dialer use.
type fakeNode struct {
	mu       sync.Mutex
	chainID  int64
	block    uint64
	balances map[common.Address]*big.Int
	gasPrice *big.Int
	txs      map[common.Hash]json.RawMessage
	failWith error
	calls    map[string]int

	headers chan *coretypes.Header
	logs    chan coretypes.Log
	pending chan common.Hash
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		chainID:  1,
		block:    0x10,
		balances: map[common.Address]*big.Int{},
		gasPrice: big.NewInt(30_000_000_000),
		txs:      map[common.Hash]json.RawMessage{},
		calls:    map[string]int{},
		headers:  make(chan *coretypes.Header, 8),
		logs:     make(chan coretypes.Log, 8),
		pending:  make(chan common.Hash, 8),
	}
}

func (n *fakeNode) record(method string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[method]++
	return n.failWith
}

func (n *fakeNode) callCount(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

func (n *fakeNode) ChainId() (*hexutil.Big, error) {
	if err := n.record("eth_chainId"); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(big.NewInt(n.chainID)), nil
}

func (n *fakeNode) BlockNumber() (hexutil.Uint64, error) {
	if err := n.record("eth_blockNumber"); err != nil {
		return 0, err
	}
	return hexutil.Uint64(n.block), nil
}

func (n *fakeNode) GetBalance(account common.Address, _ string) (*hexutil.Big, error) {
	if err := n.record("eth_getBalance"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	balance, ok := n.balances[account]
	if !ok {
		balance = new(big.Int)
	}
	return (*hexutil.Big)(balance), nil
}

func (n *fakeNode) GasPrice() (*hexutil.Big, error) {
	if err := n.record("eth_gasPrice"); err != nil {
		return nil, err
	}
	return (*hexutil.Big)(n.gasPrice), nil
}

func (n *fakeNode) GetTransactionByHash(hash common.Hash) (json.RawMessage, error) {
	if err := n.record("eth_getTransactionByHash"); err != nil {
		return nil, err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	raw, ok := n.txs[hash]
	if !ok {
		return json.RawMessage("null"), nil
	}
	return raw, nil
}

func (n *fakeNode) NewHeads(ctx context.Context) (*gethrpc.Subscription, error) {
	return serve(ctx, n.headers)
}

func (n *fakeNode) Logs(ctx context.Context, _ map[string]any) (*gethrpc.Subscription, error) {
	return serve(ctx, n.logs)
}

func (n *fakeNode) NewPendingTransactions(ctx context.Context) (*gethrpc.Subscription, error) {
	return serve(ctx, n.pending)
}

func serve[T any](ctx context.Context, source <-chan T) (*gethrpc.Subscription, error) {
	notifier, ok := gethrpc.NotifierFromContext(ctx)
	if !ok {
		return nil, errors.New("notifications not supported")
	}
	sub := notifier.CreateSubscription()
	go func() {
		for {
			select {
			case v := <-source:
				if err := notifier.Notify(sub.ID, v); err != nil {
					return
				}
			case <-sub.Err():
				return
			}
		}
	}()
	return sub, nil
}

func newNodeServer(node *fakeNode) *gethrpc.Server {
	server := gethrpc.NewServer()
	if err := server.RegisterName("eth", node); err != nil {
		panic(err)
	}
	return server
}
