package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ChainMCP/internal/config"
	"ChainMCP/internal/web3"
	"ChainMCP/internal/web3/ethereum"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	chains       map[string]web3.ChainDefinition
}

// Dial constructs a client for a chain definition.
type Dial func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEthereum is the default Dial for EVM chains.
func DialEthereum(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// NewRegistry loads chain definitions and instantiates concrete clients. A
// bare rpc_url in the main config registers a chain named "default" when the
// chain file declares none.
func NewRegistry(ctx context.Context, cfg config.Web3Config, dial Dial) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL, WSURL: cfg.WSURL}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	if dial == nil {
		dial = DialEthereum
	}

	r := &Registry{
		clients: make(map[string]web3.Client, len(defs.Chains)),
		chains:  defs.Chains,
	}
	for _, name := range defs.Names() {
		client, err := dial(ctx, name, defs.Chains[name])
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	if defaultChain == "" {
		defaultChain = defs.Names()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name; an empty name selects
// the default chain.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	return client, ok
}

// DefaultDefinition returns the chain.yaml entry of the default chain.
func (r *Registry) DefaultDefinition() web3.ChainDefinition {
	if r == nil {
		return web3.ChainDefinition{}
	}
	return r.chains[r.defaultChain]
}

// DefaultName returns the name of the default chain.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
