package pricestream

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"ChainMCP/internal/cache"
	xerrors "ChainMCP/internal/errors"
	"ChainMCP/internal/observability/alerting"
	"ChainMCP/internal/subscription"
	"ChainMCP/internal/upstream/coingecko"
	"ChainMCP/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransferTopic is topic0 of the ERC-20 Transfer(address,address,uint256) event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Transfer is a decoded ERC-20 transfer.
type Transfer struct {
	Token  web3.Token
	From   common.Address
	To     common.Address
	Amount *big.Int
	TxHash common.Hash
	Block  uint64
}

// TransferFilter returns the log filter matching Transfer events on tokens.
func TransferFilter(tokens []web3.Token) subscription.LogFilter {
	addrs := make([]common.Address, 0, len(tokens))
	for _, tok := range tokens {
		addrs = append(addrs, tok.Address)
	}
	return subscription.LogFilter{
		Addresses: addrs,
		Topics:    [][]common.Hash{{TransferTopic}},
	}
}

// DecodeTransfer parses an ERC-20 Transfer log. ERC-721 transfers carry the
// token id as a third indexed topic and are rejected.
func DecodeTransfer(log *types.Log, token web3.Token) (Transfer, error) {
	if log == nil {
		return Transfer{}, xerrors.New(xerrors.KindValidation, "empty log")
	}
	if len(log.Topics) != 3 || log.Topics[0] != TransferTopic {
		return Transfer{}, xerrors.New(xerrors.KindValidation, "not an ERC-20 Transfer log")
	}
	if len(log.Data) != 32 {
		return Transfer{}, xerrors.New(xerrors.KindValidation, fmt.Sprintf("unexpected Transfer data length %d", len(log.Data)))
	}
	return Transfer{
		Token:  token,
		From:   common.BytesToAddress(log.Topics[1].Bytes()),
		To:     common.BytesToAddress(log.Topics[2].Bytes()),
		Amount: new(big.Int).SetBytes(log.Data),
		TxHash: log.TxHash,
		Block:  log.BlockNumber,
	}, nil
}

// Units converts the raw amount into whole tokens.
func (t Transfer) Units() float64 {
	if t.Amount == nil {
		return 0
	}
	value := new(big.Float).SetInt(t.Amount)
	if t.Token.Decimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(t.Token.Decimals)), nil))
		value.Quo(value, scale)
	}
	f, _ := value.Float64()
	return f
}

func (s *Stream) watchTransfers(ctx context.Context) error {
	if s.subscriber == nil || len(s.tokens) == 0 {
		return nil
	}
	topic := subscription.Logs(TransferFilter(s.cfg.Tokens))
	handle, err := s.subscriber.Subscribe(ctx, topic, s.onTransferLog)
	if err != nil {
		return fmt.Errorf("订阅代币转账失败: %w", err)
	}
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	return nil
}

func (s *Stream) onTransferLog(ev subscription.Event) error {
	if ev.Log == nil || ev.Log.Removed {
		return nil
	}
	token, ok := s.tokens[ev.Log.Address]
	if !ok {
		return nil
	}
	transfer, err := DecodeTransfer(ev.Log, token)
	if err != nil {
		return err
	}
	s.evaluateTransfer(transfer)
	return nil
}

// quote returns the latest known price for a token, preferring the cache.
func (s *Stream) quote(priceID string) (float64, bool) {
	if priceID == "" {
		return 0, false
	}
	if s.caches != nil {
		if v, ok, err := s.caches.Get(cache.Prices, coingecko.CacheKey(priceID, s.cfg.VsCurrency)); err == nil && ok {
			if q, ok := v.(coingecko.Quote); ok && q.Price > 0 {
				return q.Price, true
			}
		}
	}
	return s.Latest(priceID)
}

func (s *Stream) evaluateTransfer(t Transfer) {
	price, ok := s.quote(t.Token.PriceID)
	if !ok {
		s.logger.Debug("无可用报价，跳过转账估值",
			slog.String("token", t.Token.Symbol),
			slog.String("tx", t.TxHash.Hex()))
		return
	}
	units := t.Units()
	usd := units * price
	if usd <= s.cfg.WhaleThresholdUSD {
		return
	}

	ev := alerting.NewEvent(alerting.TypeWhaleTransfer, xerrors.SeverityWarning,
		fmt.Sprintf("%s 巨额转账 %.2f (约 %.0f %s)", t.Token.Symbol, units, usd, strings.ToUpper(s.cfg.VsCurrency)),
		s.now())
	ev.Asset = t.Token.Symbol
	ev.Price = price
	ev.AmountUSD = usd
	ev.TxHash = t.TxHash.Hex()
	ev.Metadata = map[string]string{
		"token":  strings.ToLower(t.Token.Address.Hex()),
		"from":   t.From.Hex(),
		"to":     t.To.Hex(),
		"amount": t.Amount.String(),
		"block":  fmt.Sprintf("%d", t.Block),
	}
	if s.cfg.Chain != "" {
		ev.Metadata["chain"] = s.cfg.Chain
	}

	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.dispatch(ctx, ev)
}
