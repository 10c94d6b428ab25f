package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint definition.
type ChainDefinition struct {
	Type        string            `yaml:"type"`
	ChainID     uint64            `yaml:"chain_id"`
	RPCURL      string            `yaml:"rpc_url"`
	WSURL       string            `yaml:"ws_url"`
	Description string            `yaml:"description"`
	Tokens      []TokenDefinition `yaml:"tokens"`
}

// TokenDefinition describes an ERC-20 token tracked by the price stream.
type TokenDefinition struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals int    `yaml:"decimals"`
	PriceID  string `yaml:"price_id"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes and validates chain metadata.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	if err := defs.Validate(); err != nil {
		return ChainDefinitions{}, err
	}
	return defs, nil
}

// Validate checks endpoint and token entries.
func (d ChainDefinitions) Validate() error {
	for _, name := range d.Names() {
		chain := d.Chains[name]
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType != "" && chainType != "evm" {
			return fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		for _, token := range chain.Tokens {
			if strings.TrimSpace(token.Symbol) == "" {
				return fmt.Errorf("链 %s 存在缺少 symbol 的代币", name)
			}
			if !common.IsHexAddress(token.Address) {
				return fmt.Errorf("链 %s 的代币 %s 地址无效: %q", name, token.Symbol, token.Address)
			}
			if token.Decimals < 0 || token.Decimals > 36 {
				return fmt.Errorf("链 %s 的代币 %s 精度无效: %d", name, token.Symbol, token.Decimals)
			}
		}
	}
	if d.Default != "" {
		if _, ok := d.Chains[d.Default]; !ok {
			return fmt.Errorf("默认链 %s 未在配置中找到", d.Default)
		}
	}
	return nil
}

// Names returns the chain names in sorted order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TokenList converts the token entries of a chain.
func (c ChainDefinition) TokenList() []Token {
	out := make([]Token, 0, len(c.Tokens))
	for _, def := range c.Tokens {
		priceID := def.PriceID
		if priceID == "" {
			priceID = strings.ToLower(def.Symbol)
		}
		out = append(out, Token{
			Symbol:   strings.ToUpper(def.Symbol),
			Address:  common.HexToAddress(def.Address),
			Decimals: def.Decimals,
			PriceID:  priceID,
		})
	}
	return out
}
