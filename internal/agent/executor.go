package agent

import (
	"context"
	"fmt"
	"strings"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/recall"
	"AVA-Chain/internal/web3"
)

// Chains 按名称提供链客户端，名称为空表示默认链。
type Chains interface {
	Client(name string) (web3.Client, bool)
}

// Instruction 是解析后的链上操作。
type Instruction struct {
	Action  string `json:"action"`
	Address string `json:"address,omitempty"`
	Chain   string `json:"chain,omitempty"`
}

// ExecutionResult 是 executor 上报的结果。
type ExecutionResult struct {
	Instruction
	Value    string              `json:"value,omitempty"`
	Snapshot *web3.ChainSnapshot `json:"snapshot,omitempty"`
}

// ToolResult 记录一次工具调用的输出。
type ToolResult struct {
	Tool   string `json:"tool"`
	Output string `json:"output"`
}

const actionSnapshot = "snapshot"

var actionAliases = map[string]string{
	"balance":              web3.ActionBalance,
	web3.ActionBalance:     web3.ActionBalance,
	"nonce":                web3.ActionNonce,
	web3.ActionNonce:       web3.ActionNonce,
	"chainid":              web3.ActionChainID,
	web3.ActionChainID:     web3.ActionChainID,
	"block":                web3.ActionBlockNumber,
	web3.ActionBlockNumber: web3.ActionBlockNumber,
	actionSnapshot:         actionSnapshot,
}

// ParseInstruction 解析形如 "balance 0xabc on base" 的任务描述。
func ParseInstruction(text string) (Instruction, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Instruction{}, xerrors.New(xerrors.CodeInvalidArgument, "执行指令不能为空")
	}
	action, ok := actionAliases[fields[0]]
	if !ok {
		action, ok = actionAliases[strings.ToLower(fields[0])]
	}
	if !ok {
		return Instruction{}, xerrors.New(xerrors.CodeInvalidArgument, "暂不支持的链上操作: "+fields[0])
	}
	ins := Instruction{Action: action}
	rest := fields[1:]
	for i := 0; i < len(rest); i++ {
		tok := rest[i]
		switch {
		case strings.EqualFold(tok, "on") && i+1 < len(rest):
			ins.Chain = strings.ToLower(rest[i+1])
			i++
		case strings.HasPrefix(strings.ToLower(tok), "0x") && ins.Address == "":
			ins.Address = tok
		}
	}
	if (action == web3.ActionBalance || action == web3.ActionNonce) && ins.Address == "" {
		return Instruction{}, xerrors.New(xerrors.CodeInvalidArgument, action+" 需要提供地址")
	}
	return ins, nil
}

// Executor 执行链上只读操作。
type Executor struct {
	base
	chains Chains
}

// NewExecutor 创建 executor 角色，chains 可以为 nil。
func NewExecutor(b *bus.Bus, store recall.Store, chains Chains, opts ...Option) *Executor {
	return &Executor{base: newBase(bus.RoleExecutor, b, store, opts), chains: chains}
}

// HandleEvent 处理 task-manager-executor 派发。
func (e *Executor) HandleEvent(ctx context.Context, ev bus.Event) error {
	a, ok, err := e.assignment(ev)
	if err != nil || !ok {
		return err
	}
	ins, err := ParseInstruction(a.Task)
	if err != nil {
		return e.failTask(ctx, a, err)
	}
	e.action(ctx, fmt.Sprintf("Executing %s on %s", ins.Action, chainLabel(ins.Chain)))
	res, err := e.run(ctx, ins)
	if err != nil {
		return e.failTask(ctx, a, err)
	}
	return e.complete(ctx, a, res, ToolResult{Tool: ins.Action, Output: res.output()})
}

// ProcessMessage 直接执行一条指令并返回可读结果。
func (e *Executor) ProcessMessage(ctx context.Context, message string) (string, error) {
	ins, err := ParseInstruction(message)
	if err != nil {
		return "", err
	}
	res, err := e.run(ctx, ins)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s on %s: %s", ins.Action, res.Chain, res.output()), nil
}

func (e *Executor) run(ctx context.Context, ins Instruction) (ExecutionResult, error) {
	if e.chains == nil {
		return ExecutionResult{}, xerrors.New(xerrors.CodeChainFailure, "未配置链客户端")
	}
	client, ok := e.chains.Client(ins.Chain)
	if !ok || client == nil {
		return ExecutionResult{}, xerrors.New(xerrors.CodeChainFailure, "未找到链: "+chainLabel(ins.Chain))
	}
	out := ExecutionResult{Instruction: ins}
	out.Chain = client.Name()

	if ins.Action == actionSnapshot {
		snap, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			return ExecutionResult{}, err
		}
		out.Snapshot = &snap
		return out, nil
	}
	value, err := client.ExecuteAction(ctx, ins.Action, ins.Address)
	if err != nil {
		return ExecutionResult{}, err
	}
	out.Value = value
	return out, nil
}

func (r ExecutionResult) output() string {
	if r.Snapshot != nil {
		return fmt.Sprintf("chainId=%s block=%s", r.Snapshot.ChainID, r.Snapshot.BlockNumber)
	}
	return r.Value
}

func chainLabel(name string) string {
	if name == "" {
		return "default chain"
	}
	return name
}
