package provider

import (
	"context"
	"sort"
	"strings"

	"AVA-Chain/internal/config"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/web3"
	"AVA-Chain/internal/web3/ethereum"
)

// Registry 按名称管理多条链的客户端。
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
}

// NewRegistry 读取链配置并创建客户端。
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainsFile)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]web3.Client)
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			closeAll(clients)
			return nil, xerrors.Newf(xerrors.CodeConfigInvalid, "链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		if strings.TrimSpace(chain.RPCURL) == "" {
			continue
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL, Notes: chain.Description})
		if err != nil {
			closeAll(clients)
			return nil, err
		}
		clients[name] = client
	}
	return newRegistry(clients, cfg, func() (web3.Client, error) {
		return ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL})
	})
}

// NewStatic 使用已有客户端构建注册表。
func NewStatic(defaultChain string, clients ...web3.Client) (*Registry, error) {
	m := make(map[string]web3.Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	return newRegistry(m, config.Web3Config{Chain: defaultChain}, nil)
}

func newRegistry(clients map[string]web3.Client, cfg config.Web3Config, fallback func() (web3.Client, error)) (*Registry, error) {
	defaultChain := cfg.Chain
	if len(clients) == 0 && fallback != nil && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := fallback()
		if err != nil {
			return nil, err
		}
		clients["default"] = client
		defaultChain = "default"
	}
	if len(clients) == 0 {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置任何链的 RPC 端点")
	}

	if _, ok := clients[defaultChain]; !ok {
		names := sortedNames(clients)
		if defaultChain != "" && defaultChain != "default" {
			closeAll(clients)
			return nil, xerrors.Newf(xerrors.CodeConfigInvalid, "默认链 %s 未在配置中找到，可用链: %s", defaultChain, strings.Join(names, ","))
		}
		defaultChain = names[0]
	}
	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// DefaultClient 返回默认链的客户端。
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, xerrors.New(xerrors.CodeChainFailure, "未初始化的链客户端注册表")
	}
	return r.clients[r.defaultChain], nil
}

// Client 按名称返回客户端，名称为空时返回默认链。
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains 返回已注册的链名称。
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	return sortedNames(r.clients)
}

// Close 释放全部客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

func closeAll(clients map[string]web3.Client) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}

func sortedNames(clients map[string]web3.Client) []string {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
