// Package coordinator routes bus traffic between the task registry and the
// role agents. Every inbound event is queued per (role, taskId) so events of
// one task reach a role in receipt order while different tasks proceed in
// parallel.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"AVA-Chain/internal/agent"
	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/pkg/logger"
)

const subscriberID = "coordinator"

// ResultSink 接收代理上报的结果，通常是 task.Registry。
type ResultSink interface {
	HandleResult(ctx context.Context, id string, source bus.Role, res bus.Result) error
}

type queueKey struct {
	role   bus.Role
	taskID string
}

type job func(ctx context.Context) error

type queue struct {
	jobs []job
}

// Coordinator 维护角色路由表和按任务串行的处理队列。
type Coordinator struct {
	bus      *bus.Bus
	sink     ResultSink
	logger   *slog.Logger
	required []bus.Topic

	mu     sync.Mutex
	agents map[bus.Role]agent.Agent
	subs   []bus.Subscription
	queues map[queueKey]*queue
	wired  bool
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option 自定义 Coordinator。
type Option func(*Coordinator)

// WithLogger 替换日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRequiredTopics 声明启动检查时必须有订阅者的额外主题。
func WithRequiredTopics(topics ...bus.Topic) Option {
	return func(c *Coordinator) {
		c.required = append(c.required, topics...)
	}
}

// New 创建 Coordinator。
func New(b *bus.Bus, sink ResultSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:    b,
		sink:   sink,
		agents: make(map[bus.Role]agent.Agent),
		queues: make(map[queueKey]*queue),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("coordinator")
	}
	return c
}

// Register 登记一个代理，角色必须已在总线上声明且不能重复。
func (c *Coordinator) Register(a agent.Agent) error {
	if a == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "代理不能为空")
	}
	role := bus.NormalizeRole(string(a.Role()))
	if !c.bus.HasRole(role) {
		return xerrors.New(xerrors.CodeWiringIncomplete,
			fmt.Sprintf("代理 %s 的角色 %s 未声明，已声明角色: %s", a.Name(), a.Role(), joinRoles(c.bus.Roles())),
			xerrors.WithMetadata("role", string(a.Role())))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wired {
		return xerrors.New(xerrors.CodeInvalidArgument, "路由已建立，不能再登记代理")
	}
	if existing, ok := c.agents[role]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("角色 %s 已由 %s 承担", role, existing.Name()),
			xerrors.WithMetadata("role", string(role)))
	}
	c.agents[role] = a
	return nil
}

// Wire 为每个已登记角色订阅派发主题，为每个声明角色订阅结果主题。
func (c *Coordinator) Wire(ctx context.Context) error {
	c.mu.Lock()
	if c.wired {
		c.mu.Unlock()
		return nil
	}
	c.wired = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	agents := make(map[bus.Role]agent.Agent, len(c.agents))
	for role, a := range c.agents {
		agents[role] = a
	}
	c.mu.Unlock()

	for _, role := range c.bus.Roles() {
		role := role
		if a, ok := agents[role]; ok {
			if err := c.subscribe(bus.AssignTopic(role), func(_ context.Context, ev bus.Event) error {
				as, ok := ev.Payload.(bus.Assignment)
				if !ok {
					return xerrors.New(xerrors.CodeEventPayloadMismatch, "派发载荷类型错误")
				}
				c.enqueue(queueKey{role: role, taskID: as.TaskID}, func(ctx context.Context) error {
					return a.HandleEvent(ctx, ev)
				})
				return nil
			}); err != nil {
				return err
			}
		}
		if c.sink == nil {
			continue
		}
		if err := c.subscribe(bus.ResultTopic(role), func(_ context.Context, ev bus.Event) error {
			res, ok := ev.Payload.(bus.Result)
			if !ok {
				return xerrors.New(xerrors.CodeEventPayloadMismatch, "结果载荷类型错误")
			}
			c.enqueue(queueKey{role: role, taskID: res.TaskID}, func(ctx context.Context) error {
				return c.sink.HandleResult(ctx, res.TaskID, role, res)
			})
			return nil
		}); err != nil {
			return err
		}
	}
	c.logger.Info("代理路由已建立", "roles", joinRoles(c.bus.Roles()), "agents", len(agents))
	return nil
}

func (c *Coordinator) subscribe(topic bus.Topic, h bus.Handler) error {
	sub, err := c.bus.Subscribe(topic, subscriberID, h)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return nil
}

// Verify 检查每个声明角色的两个主题以及额外要求的主题都至少有一个订阅者。
func (c *Coordinator) Verify() error {
	var missing []string
	for _, role := range c.bus.Roles() {
		for _, topic := range []bus.Topic{bus.AssignTopic(role), bus.ResultTopic(role)} {
			if c.bus.SubscriberCount(topic) == 0 {
				missing = append(missing, string(topic))
			}
		}
	}
	for _, topic := range c.required {
		if c.bus.SubscriberCount(topic) == 0 {
			missing = append(missing, string(topic))
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return xerrors.New(xerrors.CodeWiringIncomplete,
		"以下主题没有订阅者: "+strings.Join(missing, ", "),
		xerrors.WithMetadata("topics", strings.Join(missing, ",")))
}

// Agent 返回承担角色的代理。
func (c *Coordinator) Agent(role bus.Role) (agent.Agent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[role]
	return a, ok
}

// Active 返回当前活跃的队列数。
func (c *Coordinator) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues)
}

func (c *Coordinator) enqueue(key queueKey, j job) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Warn("协调器已关闭，丢弃事件", "role", string(key.role), "task_id", key.taskID)
		return
	}
	if q, ok := c.queues[key]; ok {
		q.jobs = append(q.jobs, j)
		c.mu.Unlock()
		return
	}
	q := &queue{jobs: []job{j}}
	c.queues[key] = q
	c.wg.Add(1)
	c.mu.Unlock()

	go c.drain(key, q)
}

func (c *Coordinator) drain(key queueKey, q *queue) {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(q.jobs) == 0 {
			delete(c.queues, key)
			c.mu.Unlock()
			return
		}
		next := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		c.mu.Unlock()

		c.run(key, next)
	}
}

func (c *Coordinator) run(key queueKey, j job) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("队列任务 panic", "role", string(key.role), "task_id", key.taskID, "panic", r)
		}
	}()
	if err := j(c.ctx); err != nil {
		c.logger.Warn("队列任务失败", "role", string(key.role), "task_id", key.taskID, "error", err)
	}
}

// Close 取消订阅并等待队列排空，ctx 到期后取消仍在执行的任务。
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	cancel := c.cancel
	c.mu.Unlock()

	for _, sub := range subs {
		c.bus.Unsubscribe(sub)
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待队列排空超时")
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func joinRoles(roles []bus.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	return strings.Join(names, ",")
}
