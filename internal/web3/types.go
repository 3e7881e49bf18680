package web3

import "context"

// 执行器支持的链上操作。
const (
	ActionBalance     = "eth_getBalance"
	ActionNonce       = "eth_getTransactionCount"
	ActionChainID     = "eth_chainId"
	ActionBlockNumber = "eth_blockNumber"
)

// ChainSnapshot 汇总链的基础信息，用于展示。
type ChainSnapshot struct {
	Chain       string `json:"chain"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Client 定义执行器访问任意链所需的统一接口。
type Client interface {
	Name() string
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ExecuteAction(ctx context.Context, action, address string) (string, error)
	Close()
}
