package agent

import (
	"context"
	"strings"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/recall"
	"AVA-Chain/internal/web3"
)

// MessageSigner 对消息签名。
type MessageSigner interface {
	Address() string
	SignMessage(message string) (web3.Signature, error)
}

// CDP 持有钱包签名能力，负责 sign 与 address 指令。
type CDP struct {
	base
	signer MessageSigner
}

// NewCDP 创建 cdp 角色，signer 可以为 nil。
func NewCDP(b *bus.Bus, store recall.Store, signer MessageSigner, opts ...Option) *CDP {
	return &CDP{base: newBase(bus.RoleCDP, b, store, opts), signer: signer}
}

// HandleEvent 处理 task-manager-cdp 派发。
func (c *CDP) HandleEvent(ctx context.Context, ev bus.Event) error {
	a, ok, err := c.assignment(ev)
	if err != nil || !ok {
		return err
	}
	c.action(ctx, "Processing wallet request")
	out, err := c.handle(ctx, a.Task)
	if err != nil {
		return c.failTask(ctx, a, err)
	}
	return c.complete(ctx, a, out, ToolResult{Tool: "sign_message", Output: describe(out)})
}

// ProcessMessage 执行钱包指令并返回可读结果。
func (c *CDP) ProcessMessage(ctx context.Context, message string) (string, error) {
	out, err := c.handle(ctx, message)
	if err != nil {
		return "", err
	}
	return describe(out), nil
}

func (c *CDP) handle(ctx context.Context, text string) (web3.Signature, error) {
	if c.signer == nil {
		return web3.Signature{}, xerrors.New(xerrors.CodeChainFailure, "未配置钱包签名器")
	}
	text = strings.TrimSpace(text)
	verb, rest, _ := strings.Cut(text, " ")
	switch strings.ToLower(verb) {
	case "address":
		return web3.Signature{Address: c.signer.Address()}, nil
	case "sign":
		message := strings.TrimSpace(rest)
		if message == "" {
			return web3.Signature{}, xerrors.New(xerrors.CodeInvalidArgument, "待签名消息不能为空")
		}
		sig, err := c.signer.SignMessage(message)
		if err != nil {
			return web3.Signature{}, err
		}
		c.storeIntelligence(ctx, recall.ResponseKey(c.now()), map[string]any{
			"message":   describe(sig),
			"timestamp": c.now().UnixMilli(),
		})
		return sig, nil
	default:
		return web3.Signature{}, xerrors.New(xerrors.CodeInvalidArgument, "暂不支持的钱包指令: "+verb)
	}
}

func describe(sig web3.Signature) string {
	if sig.Signature == "" {
		return "wallet address " + sig.Address
	}
	return "signed " + sig.Message + " with " + sig.Address + ": " + sig.Signature
}
