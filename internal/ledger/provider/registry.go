package provider

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"OpenClaw-Gateway/internal/config"
	xerrors "OpenClaw-Gateway/internal/errors"
	"OpenClaw-Gateway/internal/ledger"
	"OpenClaw-Gateway/internal/ledger/ethereum"
	"OpenClaw-Gateway/internal/ledger/simulator"
)

// Registry manages a set of ledger clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]ledger.Client
}

// NewRegistry loads chain definitions and instantiates concrete clients.
//
// Without a chain file the ledger section alone decides: driver "simulator"
// yields an in-process chain, driver "evm" dials ledger.rpc_url.
func NewRegistry(ctx context.Context, cfg config.LedgerConfig, signerKey string) (*Registry, error) {
	defs, err := LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeFatalConfig, err, "加载链定义失败")
	}

	r := &Registry{clients: make(map[string]ledger.Client)}
	for name, chain := range defs.Chains {
		client, err := build(ctx, name, chain, cfg, signerKey)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	if len(r.clients) == 0 {
		def := ChainDefinition{Type: cfg.Driver, RPCURL: cfg.RPCURL, ChainID: cfg.Simulator.ChainID, Native: cfg.Simulator.NativeToken, ActivationHeight: cfg.Simulator.ActivationHeight}
		client, err := build(ctx, "default", def, cfg, signerKey)
		if err != nil {
			return nil, err
		}
		r.clients["default"] = client
	}

	defaultChain := cfg.Chain
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		r.Close()
		return nil, xerrors.Newf(xerrors.CodeFatalConfig, "默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

func build(ctx context.Context, name string, chain ChainDefinition, cfg config.LedgerConfig, signerKey string) (ledger.Client, error) {
	chainType := strings.ToLower(strings.TrimSpace(chain.Type))
	if chainType == "" {
		chainType = "evm"
	}
	switch chainType {
	case "evm":
		ethCfg := ethereum.Config{
			Name:      name,
			RPCURL:    chain.RPCURL,
			SignerKey: signerKey,
			Native:    chain.Native,
			Tokens:    chain.Tokens,
			Notes:     chain.Notes,
		}
		if chain.ChainID != "" {
			id, ok := new(big.Int).SetString(chain.ChainID, 0)
			if !ok {
				return nil, xerrors.Newf(xerrors.CodeFatalConfig, "链 %s 的 chain_id 无效: %s", name, chain.ChainID)
			}
			ethCfg.ChainID = id
		}
		return ethereum.NewClient(ctx, ethCfg)
	case "simulator":
		opts := []simulator.Option{
			simulator.WithChainID(chain.ChainID),
			simulator.WithNativeToken(chain.Native),
			simulator.WithActivationHeight(chain.ActivationHeight),
			simulator.WithNotes(chain.Notes),
		}
		if chain.ChainID == "" {
			opts = append(opts, simulator.WithChainID(cfg.Simulator.ChainID))
		}
		return simulator.New(opts...), nil
	default:
		return nil, xerrors.Newf(xerrors.CodeFatalConfig, "链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (ledger.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeNotInitialized, "未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultName returns the name of the default chain.
func (r *Registry) DefaultName() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the ledger client identified by name.
func (r *Registry) Client(name string) (ledger.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
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
