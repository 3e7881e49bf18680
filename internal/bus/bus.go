// Package bus 实现进程内的发布订阅路由，主题集合在启动时由角色列表生成。
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/metrics"
	"AVA-Chain/pkg/logger"
)

// Event 是组件之间传递的消息单元。
type Event struct {
	Topic   Topic
	Payload Payload
}

// Handler 处理一个事件。返回的错误只会被记录，不会传回发布者。
type Handler func(ctx context.Context, ev Event) error

// Subscription 标识一次订阅，(Topic, ID) 相同即视为同一订阅。
type Subscription struct {
	Topic Topic
	ID    string
}

// FaultHook 在处理器失败或 panic 后被调用。
type FaultHook func(sub Subscription, err error)

type subscriber struct {
	id      string
	handler Handler
}

// Bus 是进程内事件总线。
type Bus struct {
	mu      sync.RWMutex
	roles   []Role
	kinds   map[Topic]Kind
	subs    map[Topic][]subscriber
	logger  *slog.Logger
	onFault FaultHook
}

// Option 自定义总线行为。
type Option func(*Bus)

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFaultHook 注册处理器失败回调。
func WithFaultHook(h FaultHook) Option {
	return func(b *Bus) {
		b.onFault = h
	}
}

// New 根据声明的角色创建总线。
func New(roles []Role, opts ...Option) *Bus {
	declared := make([]Role, 0, len(roles))
	seen := make(map[Role]struct{}, len(roles))
	for _, r := range roles {
		if r == "" || r == RoleTaskManager {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		declared = append(declared, r)
	}
	b := &Bus{
		roles:  declared,
		kinds:  buildTopics(declared),
		subs:   make(map[Topic][]subscriber),
		logger: logger.Named("bus"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Roles 返回声明的角色，顺序与创建时一致。
func (b *Bus) Roles() []Role {
	out := make([]Role, len(b.roles))
	copy(out, b.roles)
	return out
}

// HasRole 判断角色是否已声明。
func (b *Bus) HasRole(r Role) bool {
	for _, role := range b.roles {
		if role == r {
			return true
		}
	}
	return false
}

// Topics 返回按字典序排列的全部主题。
func (b *Bus) Topics() []Topic {
	return sortedTopics(b.kinds)
}

// Subscribe 注册处理器。同一 (topic, id) 重复注册不产生第二个订阅。
func (b *Bus) Subscribe(topic Topic, id string, h Handler) (Subscription, error) {
	if _, ok := b.kinds[topic]; !ok {
		return Subscription{}, xerrors.New(xerrors.CodeUnknownTopic, fmt.Sprintf("未声明的主题 %s", topic))
	}
	if id == "" || h == nil {
		return Subscription{}, xerrors.New(xerrors.CodeInvalidArgument, "订阅需要 id 和处理器")
	}
	sub := Subscription{Topic: topic, ID: id}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[topic] {
		if s.id == id {
			return sub, nil
		}
	}
	b.subs[topic] = append(b.subs[topic], subscriber{id: id, handler: h})
	return sub, nil
}

// Unsubscribe 移除一次订阅，未注册的订阅静默忽略。
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.Topic]
	for i, s := range list {
		if s.id != sub.ID {
			continue
		}
		next := make([]subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, sub.Topic)
		} else {
			b.subs[sub.Topic] = next
		}
		return
	}
}

// SubscriberCount 返回主题当前的订阅数。
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Publish 按注册顺序调用主题的全部处理器。
// 仅在主题未声明或载荷类型不匹配时返回错误；处理器的失败被隔离并记录。
func (b *Bus) Publish(ctx context.Context, topic Topic, payload Payload) error {
	if err := b.check(topic, payload); err != nil {
		b.logger.Warn("拒绝发布事件", slog.String("topic", string(topic)), slog.Any("error", err))
		return err
	}
	metrics.EventPublished(string(topic))

	b.mu.RLock()
	snapshot := b.subs[topic]
	b.mu.RUnlock()
	if len(snapshot) == 0 {
		return nil
	}

	ev := Event{Topic: topic, Payload: payload}
	for _, s := range snapshot {
		b.invoke(ctx, s, ev)
	}
	return nil
}

func (b *Bus) check(topic Topic, payload Payload) error {
	kind, ok := b.kinds[topic]
	if !ok {
		return xerrors.New(xerrors.CodeUnknownTopic, fmt.Sprintf("未声明的主题 %s", topic))
	}
	if payload == nil {
		return xerrors.New(xerrors.CodeEventPayloadMismatch, fmt.Sprintf("主题 %s 的载荷为空", topic))
	}
	if payload.Kind() != kind {
		return xerrors.New(xerrors.CodeEventPayloadMismatch,
			fmt.Sprintf("主题 %s 需要 %s，收到 %s", topic, kind, payload.Kind()),
			xerrors.WithMetadata("topic", string(topic)))
	}
	return nil
}

func (b *Bus) invoke(ctx context.Context, s subscriber, ev Event) {
	sub := Subscription{Topic: ev.Topic, ID: s.id}
	defer func() {
		if r := recover(); r != nil {
			err := xerrors.New(xerrors.CodeHandlerFault, fmt.Sprintf("处理器 panic: %v", r))
			b.logger.Error("事件处理器 panic",
				slog.String("topic", string(ev.Topic)),
				slog.String("handler", s.id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			b.fault(sub, err)
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.logger.Error("事件处理失败",
			slog.String("topic", string(ev.Topic)),
			slog.String("handler", s.id),
			slog.Any("error", err))
		b.fault(sub, xerrors.Wrap(xerrors.CodeHandlerFault, err, "处理器返回错误"))
	}
}

func (b *Bus) fault(sub Subscription, err error) {
	metrics.HandlerFailed(string(sub.Topic))
	if b.onFault != nil {
		b.onFault(sub, err)
	}
}

// Decode 在边界处把 JSON 解码为主题对应的载荷变体。
func (b *Bus) Decode(topic Topic, raw json.RawMessage) (Payload, error) {
	kind, ok := b.kinds[topic]
	if !ok {
		return nil, xerrors.New(xerrors.CodeUnknownTopic, fmt.Sprintf("未声明的主题 %s", topic))
	}
	p, err := decoders[kind](raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeEventPayloadMismatch, err, fmt.Sprintf("无法解码主题 %s 的载荷", topic))
	}
	return p, nil
}
