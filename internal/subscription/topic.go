package subscription

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind identifies the category of a logical subscription.
type Kind string

const (
	KindNewBlock  Kind = "newBlock"
	KindLogFilter Kind = "logFilter"
	KindPendingTx Kind = "pendingTx"
)

// LogFilter selects contract logs. Topics are positional: each position holds
// the alternatives accepted at that position, an empty position matches
// anything.
type LogFilter struct {
	Addresses []common.Address
	Topics    [][]common.Hash
	FromBlock *big.Int
	ToBlock   *big.Int
}

// Signature returns a canonical form so equivalent filters share one upstream
// registration. Addresses and per-position topic alternatives are sorted and
// lowercased; topic positions keep their order.
func (f LogFilter) Signature() string {
	addrs := make([]string, 0, len(f.Addresses))
	seen := make(map[string]struct{}, len(f.Addresses))
	for _, addr := range f.Addresses {
		hex := strings.ToLower(addr.Hex())
		if _, dup := seen[hex]; dup {
			continue
		}
		seen[hex] = struct{}{}
		addrs = append(addrs, hex)
	}
	sort.Strings(addrs)

	positions := make([]string, len(f.Topics))
	for i, alts := range f.Topics {
		values := make([]string, 0, len(alts))
		for _, topic := range alts {
			values = append(values, strings.ToLower(topic.Hex()))
		}
		sort.Strings(values)
		positions[i] = strings.Join(values, "|")
	}
	// trailing wildcards do not change what matches
	for len(positions) > 0 && positions[len(positions)-1] == "" {
		positions = positions[:len(positions)-1]
	}

	return fmt.Sprintf("addr=%s;topics=%s;from=%s;to=%s",
		strings.Join(addrs, ","),
		strings.Join(positions, ";"),
		blockLabel(f.FromBlock),
		blockLabel(f.ToBlock))
}

// Query converts the filter into a go-ethereum filter query.
func (f LogFilter) Query() gethcore.FilterQuery {
	return gethcore.FilterQuery{
		Addresses: append([]common.Address(nil), f.Addresses...),
		Topics:    f.Topics,
		FromBlock: f.FromBlock,
		ToBlock:   f.ToBlock,
	}
}

func blockLabel(n *big.Int) string {
	if n == nil {
		return "latest"
	}
	return n.String()
}

// Topic is what a listener subscribes to.
type Topic struct {
	Kind   Kind
	Filter *LogFilter
}

// NewBlocks subscribes to new block headers.
func NewBlocks() Topic { return Topic{Kind: KindNewBlock} }

// PendingTransactions subscribes to pending transaction hashes.
func PendingTransactions() Topic { return Topic{Kind: KindPendingTx} }

// Logs subscribes to logs matching filter.
func Logs(filter LogFilter) Topic { return Topic{Kind: KindLogFilter, Filter: &filter} }

// Key identifies the upstream registration shared by equivalent topics.
func (t Topic) Key() string {
	if t.Kind == KindLogFilter && t.Filter != nil {
		return string(KindLogFilter) + ":" + t.Filter.Signature()
	}
	return string(t.Kind)
}

// Validate reports whether the topic is well formed.
func (t Topic) Validate() error {
	switch t.Kind {
	case KindNewBlock, KindPendingTx:
		if t.Filter != nil {
			return fmt.Errorf("%s subscriptions do not take a filter", t.Kind)
		}
		return nil
	case KindLogFilter:
		if t.Filter == nil {
			return fmt.Errorf("logFilter subscriptions require a filter")
		}
		return nil
	default:
		return fmt.Errorf("unsupported subscription kind %q", t.Kind)
	}
}

// Event is a single item delivered to listeners. Exactly one of Header, Log
// or TxHash is set, depending on Kind.
type Event struct {
	Kind       Kind
	Header     *types.Header
	Log        *types.Log
	TxHash     common.Hash
	ReceivedAt time.Time
}
