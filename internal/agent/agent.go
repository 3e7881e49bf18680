package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/recall"
	"AVA-Chain/pkg/logger"
)

// Agent 是经由事件总线寻址的代理能力。
type Agent interface {
	Name() string
	Role() bus.Role
	// HandleEvent 处理发往该角色的事件，返回的错误只用于日志。
	HandleEvent(ctx context.Context, ev bus.Event) error
	// ProcessMessage 直接处理一条自然语言消息，不经过任务表。
	ProcessMessage(ctx context.Context, message string) (string, error)
}

// Option 自定义代理的公共部分。
type Option func(*base)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(b *base) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger 替换日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithName 覆盖代理展示名，默认与角色同名。
func WithName(name string) Option {
	return func(b *base) {
		if name != "" {
			b.name = name
		}
	}
}

// base 汇集各角色共用的发布与存储逻辑。
type base struct {
	name   string
	role   bus.Role
	bus    *bus.Bus
	store  recall.Store
	now    func() time.Time
	logger *slog.Logger
}

func newBase(role bus.Role, b *bus.Bus, store recall.Store, opts []Option) base {
	out := base{
		name:  string(role),
		role:  role,
		bus:   b,
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	if out.logger == nil {
		out.logger = logger.Named("agent").With("role", string(role))
	}
	return out
}

func (b *base) Name() string   { return b.name }
func (b *base) Role() bus.Role { return b.role }

// assignment 取出派发载荷，其余主题返回 ok=false。
func (b *base) assignment(ev bus.Event) (bus.Assignment, bool, error) {
	if ev.Topic != bus.AssignTopic(b.role) {
		return bus.Assignment{}, false, nil
	}
	a, ok := ev.Payload.(bus.Assignment)
	if !ok {
		return bus.Assignment{}, false, xerrors.New(xerrors.CodeEventPayloadMismatch, "派发主题收到了意外的载荷",
			xerrors.WithMetadata("topic", string(ev.Topic)))
	}
	if a.TaskID == "" {
		return bus.Assignment{}, false, xerrors.New(xerrors.CodeTaskValidationFailed, "派发缺少任务 ID")
	}
	return a, true, nil
}

// complete 上报成功结果。
func (b *base) complete(ctx context.Context, a bus.Assignment, result any, tools ...any) error {
	res := bus.Result{
		TaskID:    a.TaskID,
		Task:      a.Task,
		Status:    "completed",
		Timestamp: b.now().UnixMilli(),
	}
	res.Result = encodeResult(result)
	for _, tool := range tools {
		res.ToolResults = append(res.ToolResults, encodeResult(tool))
	}
	return b.bus.Publish(ctx, bus.ResultTopic(b.role), res)
}

// failTask 上报失败结果并发布 agent-error。
func (b *base) failTask(ctx context.Context, a bus.Assignment, cause error) error {
	b.logger.Warn("任务处理失败", "task_id", a.TaskID, "error", cause)
	b.reportError(ctx, cause)
	return b.bus.Publish(ctx, bus.ResultTopic(b.role), bus.Result{
		TaskID:    a.TaskID,
		Task:      a.Task,
		Status:    "failed",
		Error:     errorText(cause),
		Timestamp: b.now().UnixMilli(),
	})
}

func (b *base) action(ctx context.Context, text string) {
	if err := b.bus.Publish(ctx, bus.TopicAgentAction, bus.AgentAction{Agent: b.name, Action: text}); err != nil {
		b.logger.Warn("发布代理动作失败", "error", err)
	}
}

func (b *base) reportError(ctx context.Context, cause error) {
	if err := b.bus.Publish(ctx, bus.TopicAgentError, bus.AgentError{Agent: b.name, Error: errorText(cause)}); err != nil {
		b.logger.Warn("发布代理错误失败", "error", err)
	}
}

// storeIntelligence 以尽力而为的方式写入情报记录。
func (b *base) storeIntelligence(ctx context.Context, key string, value any) {
	if b.store == nil {
		return
	}
	if err := b.store.Store(ctx, key, value, recall.IntelligenceMeta(b.name, b.now())); err != nil {
		b.logger.Warn("写入情报失败", "key", key, "error", err)
	}
}

func encodeResult(v any) json.RawMessage {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return bus.Text(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return bus.Text(err.Error())
		}
		return raw
	}
}

// errorText 返回面向用户的错误文本，不带错误码前缀。
func errorText(err error) string {
	e, ok := xerrors.From(err)
	if !ok {
		return err.Error()
	}
	if cause := e.Unwrap(); cause != nil {
		return e.Message() + ": " + cause.Error()
	}
	return e.Message()
}
