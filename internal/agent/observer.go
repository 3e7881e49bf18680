package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/llm"
	"AVA-Chain/internal/recall"
	"AVA-Chain/pkg/logger"
)

// StoppedError 是 observer 停止后拒绝任务的错误文本。
const StoppedError = "observer stopped"

const defaultMemoryDepth = 3

// Observer 把任务交给大模型分析，并记录思考链。
type Observer struct {
	base
	llm         *llm.Swappable
	memoryDepth int
	stopped     atomic.Bool
}

// NewObserver 创建 observer 角色。
func NewObserver(b *bus.Bus, store recall.Store, client *llm.Swappable, opts ...Option) *Observer {
	if client == nil {
		client = llm.NewSwappable("echo", llm.Echo{})
	}
	return &Observer{
		base:        newBase(bus.RoleObserver, b, store, opts),
		llm:         client,
		memoryDepth: defaultMemoryDepth,
	}
}

// Stop 让 observer 拒绝新的派发，已在执行的任务不受影响。
func (o *Observer) Stop() {
	if !o.stopped.Swap(true) {
		o.logger.Info("observer 已停止")
	}
}

// Resume 恢复接收派发。
func (o *Observer) Resume() {
	if o.stopped.Swap(false) {
		o.logger.Info("observer 已恢复")
	}
}

// Stopped 报告 observer 是否处于停止状态。
func (o *Observer) Stopped() bool { return o.stopped.Load() }

// UpdateAIProvider 热替换大模型客户端。
func (o *Observer) UpdateAIProvider(name string, client llm.Client) {
	prev := o.llm.Swap(name, client)
	o.logger.Info("大模型提供方已切换", "from", prev, "to", name)
	logger.Audit().Info("大模型提供方已切换", "from", prev, "to", name)
}

// Provider 返回当前大模型提供方名称。
func (o *Observer) Provider() string { return o.llm.Name() }

// HandleEvent 处理 task-manager-observer 派发。
func (o *Observer) HandleEvent(ctx context.Context, ev bus.Event) error {
	a, ok, err := o.assignment(ev)
	if err != nil || !ok {
		return err
	}
	if o.Stopped() {
		return o.failTask(ctx, a, xerrors.New(xerrors.CodeTaskConflict, StoppedError))
	}

	o.action(ctx, "Analyzing task: "+a.Task)
	resp, err := o.llm.Generate(ctx, llm.Request{
		TaskID:  a.TaskID,
		Task:    a.Task,
		Kind:    a.Type,
		Context: o.recentContext(ctx, a),
	})
	if err != nil {
		return o.failTask(ctx, a, xerrors.Wrap(xerrors.CodeProviderFailure, err, "大模型推理失败"))
	}
	o.storeThoughts(ctx, a.TaskID, resp.Thoughts)
	return o.complete(ctx, a, resp.Reply)
}

// ProcessMessage 以对话模式调用大模型。
func (o *Observer) ProcessMessage(ctx context.Context, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "消息不能为空")
	}
	resp, err := o.llm.Generate(ctx, llm.Request{Task: message, Kind: "chat"})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeProviderFailure, err, "大模型推理失败")
	}
	o.storeThoughts(ctx, "", resp.Thoughts)
	return resp.Reply, nil
}

func (o *Observer) storeThoughts(ctx context.Context, taskID string, thoughts []string) {
	if o.store == nil || len(thoughts) == 0 {
		return
	}
	meta := recall.Metadata{"agent": o.name, "type": "thought", "timestamp": o.now().UnixMilli()}
	if taskID != "" {
		meta["taskId"] = taskID
	}
	if err := o.store.StoreCoT(ctx, recall.ThoughtKey(o.now()), thoughts, meta); err != nil {
		o.logger.Warn("写入思考链失败", "task_id", taskID, "error", err)
	}
}

// recentContext 检索相似的已完成任务作为补充上下文，失败时忽略。
func (o *Observer) recentContext(ctx context.Context, a bus.Assignment) []string {
	if o.store == nil || o.memoryDepth <= 0 {
		return nil
	}
	hits, err := o.store.Search(ctx, a.Task, recall.SearchOptions{
		Limit:  o.memoryDepth + 1,
		Filter: map[string]any{"type": "task", "status": "completed"},
	})
	if err != nil {
		o.logger.Debug("检索历史任务失败", "task_id", a.TaskID, "error", err)
		return nil
	}
	out := make([]string, 0, len(hits))
	for _, hit := range hits {
		if hit.Key == recall.TaskKey(a.TaskID) || len(out) >= o.memoryDepth {
			continue
		}
		var snapshot struct {
			Description string          `json:"description"`
			Result      json.RawMessage `json:"result"`
		}
		if err := hit.Decode(&snapshot); err != nil || snapshot.Description == "" {
			continue
		}
		out = append(out, fmt.Sprintf("%s => %s", snapshot.Description, bus.TextOf(snapshot.Result)))
	}
	return out
}
