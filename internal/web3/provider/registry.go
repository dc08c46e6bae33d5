package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"NexusAgent/internal/config"
	"NexusAgent/internal/web3"
	"NexusAgent/internal/web3/ethereum"
)

// Dialer opens a chain client from its definition. Tests replace it to avoid
// network access.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// Registry manages chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// DialEVM is the default Dialer for evm chains. Every client is placed behind
// a circuit breaker with retried reads.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	client, err := ethereum.NewClient(ctx, ethereum.Config{
		Name:           name,
		RPCURL:         def.RPCURL,
		Notes:          def.Description,
		ConfirmTimeout: time.Duration(def.ConfirmTimeoutSecs) * time.Second,
		PollInterval:   time.Duration(def.ReceiptPollMillis) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	return web3.Guard(client, web3.GuardConfig{Name: name}), nil
}

// NewRegistry loads chain definitions from cfg and dials every chain.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:               "evm",
			RPCURL:             cfg.RPCURL,
			ConfirmTimeoutSecs: cfg.ConfirmTimeoutS,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	return NewRegistryFromDefinitions(ctx, defs, cfg.DefaultChain, DialEVM)
}

// NewRegistryFromDefinitions dials each definition with dial. When
// defaultChain is empty the alphabetically first chain is the default.
func NewRegistryFromDefinitions(ctx context.Context, defs web3.ChainDefinitions, defaultChain string, dial Dialer) (*Registry, error) {
	clients := make(map[string]web3.Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		client, err := dial(ctx, name, chain)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
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

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Snapshots reports every registered chain, skipping chains that fail.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	out := make([]web3.ChainSnapshot, 0, len(r.clients))
	for _, name := range r.Chains() {
		snap, err := r.clients[name].Snapshot(ctx)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out
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

// Chains returns the registered chain names in order.
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
