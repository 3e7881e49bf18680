package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config 描述 EVM 兼容链客户端的构造参数。
type Config struct {
	Name   string
	RPCURL string
	Notes  string
}

// Backend 是客户端依赖的最小链访问能力，ethclient 与 simulated 客户端均满足。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// Client 为 EVM 兼容链实现 web3.Client。
type Client struct {
	name    string
	notes   string
	backend Backend
	closer  func()
	mu      sync.Mutex
}

// NewClient 连接 RPC 节点并返回客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, err, "连接以太坊节点失败",
			xerrors.WithMetadata("chain", cfg.Name))
	}
	eth := ethclient.NewClient(rpcClient)
	return &Client{name: cfg.Name, notes: cfg.Notes, backend: eth, closer: eth.Close}, nil
}

// NewWithBackend 使用已有后端构建客户端，测试中配合 simulated 后端使用。
func NewWithBackend(name, notes string, backend Backend) *Client {
	return &Client{name: name, notes: notes, backend: backend}
}

// Name 返回链名称。
func (c *Client) Name() string { return c.name }

// Close 释放网络连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer()
		c.closer = nil
	}
}

// FetchChainSnapshot 获取链 ID 与最新区块高度。
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, xerrors.New(xerrors.CodeChainFailure, "未初始化的以太坊客户端")
	}
	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, c.wrap(err, "获取链 ID 失败")
	}
	blockNumber, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, c.wrap(err, "获取最新区块高度失败")
	}
	return web3.ChainSnapshot{
		Chain:       c.name,
		ChainID:     toHexBig(chainID),
		BlockNumber: fmt.Sprintf("0x%x", blockNumber),
		Notes:       c.notes,
	}, nil
}

// ExecuteAction 执行单个只读 RPC 调用并以十六进制返回结果。
func (c *Client) ExecuteAction(ctx context.Context, action, address string) (string, error) {
	if c == nil || c.backend == nil {
		return "", xerrors.New(xerrors.CodeChainFailure, "未初始化的以太坊客户端")
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "链上操作不能为空")
	}

	switch action {
	case web3.ActionBalance:
		addr, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		balance, err := c.backend.BalanceAt(ctx, addr, nil)
		if err != nil {
			return "", c.wrap(err, "查询余额失败")
		}
		return toHexBig(balance), nil
	case web3.ActionNonce:
		addr, err := parseAddress(action, address)
		if err != nil {
			return "", err
		}
		nonce, err := c.backend.PendingNonceAt(ctx, addr)
		if err != nil {
			return "", c.wrap(err, "查询交易计数失败")
		}
		return fmt.Sprintf("0x%x", nonce), nil
	case web3.ActionChainID:
		id, err := c.backend.ChainID(ctx)
		if err != nil {
			return "", c.wrap(err, "获取链 ID 失败")
		}
		return toHexBig(id), nil
	case web3.ActionBlockNumber:
		n, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return "", c.wrap(err, "获取最新区块高度失败")
		}
		return fmt.Sprintf("0x%x", n), nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "暂不支持的链上操作: "+action)
	}
}

func (c *Client) wrap(err error, msg string) error {
	return xerrors.Wrap(xerrors.CodeChainFailure, err, msg, xerrors.WithMetadata("chain", c.name))
}

func parseAddress(action, address string) (common.Address, error) {
	address = strings.TrimSpace(address)
	if address == "" {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, action+" 需要提供地址")
	}
	if !common.IsHexAddress(address) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "地址格式错误: "+address)
	}
	return common.HexToAddress(address), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
