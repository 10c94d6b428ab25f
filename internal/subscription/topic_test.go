package subscription

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestLogFilterSignatureIsCanonical(t *testing.T) {
	t.Parallel()

	t1 := common.HexToHash("0x01")
	t2 := common.HexToHash("0x02")

	cases := []struct {
		name  string
		a, b  LogFilter
		equal bool
	}{
		{
			name:  "address order and duplicates",
			a:     LogFilter{Addresses: []common.Address{tokenA, tokenB}},
			b:     LogFilter{Addresses: []common.Address{tokenB, tokenA, tokenA}},
			equal: true,
		},
		{
			name:  "alternatives within a position",
			a:     LogFilter{Topics: [][]common.Hash{{t1, t2}}},
			b:     LogFilter{Topics: [][]common.Hash{{t2, t1}}},
			equal: true,
		},
		{
			name:  "trailing wildcard positions",
			a:     LogFilter{Topics: [][]common.Hash{{t1}}},
			b:     LogFilter{Topics: [][]common.Hash{{t1}, {}, nil}},
			equal: true,
		},
		{
			name:  "position matters",
			a:     LogFilter{Topics: [][]common.Hash{{t1}, {t2}}},
			b:     LogFilter{Topics: [][]common.Hash{{t2}, {t1}}},
			equal: false,
		},
		{
			name:  "block range",
			a:     LogFilter{FromBlock: big.NewInt(10)},
			b:     LogFilter{},
			equal: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.equal {
				assert.Equal(t, tc.a.Signature(), tc.b.Signature())
			} else {
				assert.NotEqual(t, tc.a.Signature(), tc.b.Signature())
			}
		})
	}
}

func TestTopicKeysAndValidation(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "newBlock", NewBlocks().Key())
	assert.Equal(t, "pendingTx", PendingTransactions().Key())
	assert.Equal(t, "logFilter:addr=;topics=;from=latest;to=latest", Logs(LogFilter{}).Key())

	assert.NoError(t, NewBlocks().Validate())
	assert.NoError(t, Logs(LogFilter{}).Validate())
	assert.Error(t, Topic{Kind: KindLogFilter}.Validate())
	assert.Error(t, Topic{Kind: KindNewBlock, Filter: &LogFilter{}}.Validate())
	assert.Error(t, Topic{Kind: "priceTick"}.Validate())
}
