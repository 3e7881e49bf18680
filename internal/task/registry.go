package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/metrics"
	"AVA-Chain/internal/recall"
	"AVA-Chain/pkg/logger"
)

const (
	// DestinationSystem 是派发失败时 task-update 的目标。
	DestinationSystem = "system"
	// UnknownTaskDescription 是补建任务缺少描述时使用的文本。
	UnknownTaskDescription = "Unknown task"
)

// Registry 持有任务集合和状态机，是任务的唯一修改者。
//
// 同一任务的“内存更新 + 持久化 + 发布”在该任务的锁内完成；
// 派发主题的处理器不得在同一调用栈内回调同一任务的 HandleResult。
type Registry struct {
	bus   *bus.Bus
	store recall.Store

	mu    sync.RWMutex
	tasks map[string]*Task
	locks *keyedLocks

	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option 自定义 Registry。
type Option func(*Registry)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator 替换任务 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry 构造任务注册表。
func NewRegistry(b *bus.Bus, store recall.Store, opts ...Option) *Registry {
	r := &Registry{
		bus:    b,
		store:  store,
		tasks:  make(map[string]*Task),
		locks:  newKeyedLocks(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger.Named("task"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CreateTask 创建 pending 状态的任务并持久化。持久化失败时回滚内存条目。
func (r *Registry) CreateTask(ctx context.Context, description string) (string, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return "", xerrors.New(xerrors.CodeTaskValidationFailed, "任务描述不能为空")
	}
	id := r.newID()
	unlock := r.locks.lock(id)
	defer unlock()

	t := &Task{ID: id, Description: description, Status: StatusPending, Timestamp: r.now()}
	r.put(t)
	if err := r.persist(ctx, t); err != nil {
		r.Evict(id)
		r.logger.Error("任务持久化失败，已回滚", slog.String("task_id", id), slog.Any("error", err))
		return "", err
	}
	metrics.TaskTransition(string(StatusPending))
	logger.Audit().Info("任务已创建", slog.String("task_id", id), slog.String("description", description))
	return id, nil
}

// HasRole 报告 role 是否在总线上声明过，可在创建任务前用来校验目标角色。
func (r *Registry) HasRole(role bus.Role) bool {
	return r.bus.HasRole(role)
}

// AssignTask 把任务派发给角色。任何失败都会发布 failed 状态的 task-update。
func (r *Registry) AssignTask(ctx context.Context, id string, role bus.Role) error {
	unlock := r.locks.lock(id)
	defer unlock()

	current, err := r.lookup(ctx, id)
	if err != nil {
		r.fail(ctx, id, nil, string(bus.RoleTaskManager), DestinationSystem, err)
		return err
	}

	// 广播出去的 failed 必须与存储中的状态一致。
	if !r.HasRole(role) {
		err := xerrors.New(xerrors.CodeTaskValidationFailed, fmt.Sprintf("未声明的角色 %s", role))
		r.fail(ctx, id, current, string(bus.RoleTaskManager), DestinationSystem, err)
		return err
	}

	now := r.now()
	next := current.Clone()
	next.AssignedTo = role
	next.Status = StatusInProgress
	next.Error = ""
	next.Timestamp = now

	assignment := bus.Assignment{
		TaskID:      id,
		Task:        next.Description,
		Type:        assignmentType(role),
		Timestamp:   now.UnixMilli(),
		Source:      string(bus.RoleTaskManager),
		Destination: string(role),
	}
	if err := r.store.Store(ctx, recall.AssignmentKey(id), assignment, recall.IntelligenceMeta(string(bus.RoleTaskManager), now)); err != nil {
		err = xerrors.Wrap(xerrors.CodePersistenceFailure, err, "保存派发记录失败", xerrors.WithMetadata("task_id", id))
		r.fail(ctx, id, current, string(bus.RoleTaskManager), DestinationSystem, err)
		return err
	}
	if err := r.persist(ctx, next); err != nil {
		r.fail(ctx, id, current, string(bus.RoleTaskManager), DestinationSystem, err)
		return err
	}
	r.put(next)
	metrics.TaskTransition(string(StatusInProgress))

	if err := r.bus.Publish(ctx, bus.AssignTopic(role), assignment); err != nil {
		r.fail(ctx, id, next, string(bus.RoleTaskManager), DestinationSystem, err)
		return err
	}
	r.logger.Info("任务已派发", slog.String("task_id", id), slog.String("role", string(role)))
	return nil
}

func assignmentType(role bus.Role) string {
	if role == bus.RoleObserver {
		return "analyze"
	}
	return "execute"
}

// HandleResult 应用角色回报的结果。
//
// 任务缺失时：observer 的结果被丢弃并发布 agent-error；其他角色的结果会补建任务。
// 会让终态任务倒退的结果被拒绝，并重新广播当前状态。
func (r *Registry) HandleResult(ctx context.Context, id string, source bus.Role, res bus.Result) error {
	unlock := r.locks.lock(id)
	defer unlock()
	sourceName := string(source)

	current, err := r.lookup(ctx, id)
	if err != nil {
		if source == bus.RoleObserver {
			r.logger.Error("observer 结果对应的任务不存在，已丢弃",
				slog.String("task_id", id), slog.Any("error", err))
			_ = r.bus.Publish(ctx, bus.TopicAgentError, bus.AgentError{
				Agent: string(bus.RoleTaskManager),
				Error: fmt.Sprintf("Task %s not found for observer result", id),
			})
			return err
		}
		current = r.fabricate(id, source, res)
		r.logger.Warn("任务不存在，根据角色结果补建",
			slog.String("task_id", id), slog.String("role", sourceName), slog.Any("error", err))
	}

	status, err := resultStatus(res)
	if err != nil {
		r.fail(ctx, id, current, sourceName, string(bus.RoleTaskManager), err)
		return err
	}
	if !canApplyResult(current, status) {
		err := xerrors.New(xerrors.CodeTaskConflict,
			fmt.Sprintf("任务 %s 不能从 %s 变为 %s", id, current.Status, status),
			xerrors.WithMetadata("task_id", id))
		if current.Status.Terminal() {
			r.logger.Warn("忽略过期结果，重新广播当前状态", slog.String("task_id", id), slog.String("role", sourceName))
			r.announce(ctx, current, sourceName, string(bus.RoleTaskManager))
			return err
		}
		r.fail(ctx, id, current, sourceName, string(bus.RoleTaskManager), err)
		return err
	}

	now := r.now()
	next := current.Clone()
	next.Status = status
	next.Result = res.Result
	next.Error = res.Error
	next.ToolResults = res.ToolResults
	next.Timestamp = now
	if next.AssignedTo == "" {
		next.AssignedTo = source
	}

	key := recall.ExecutionKey(id)
	if source == bus.RoleObserver {
		key = recall.ObservationKey(id)
	}
	if err := r.store.Store(ctx, key, res, recall.IntelligenceMeta(sourceName, now)); err != nil {
		err = xerrors.Wrap(xerrors.CodePersistenceFailure, err, "保存结果记录失败", xerrors.WithMetadata("task_id", id))
		r.fail(ctx, id, current, sourceName, string(bus.RoleTaskManager), err)
		return err
	}
	if err := r.persist(ctx, next); err != nil {
		r.fail(ctx, id, current, sourceName, string(bus.RoleTaskManager), err)
		return err
	}
	r.put(next)
	metrics.TaskTransition(string(status))
	r.announce(ctx, next, sourceName, string(bus.RoleTaskManager))

	if status.Terminal() {
		logger.Audit().Info("任务结束",
			slog.String("task_id", id),
			slog.String("status", string(status)),
			slog.String("role", sourceName))
	}
	return nil
}

func resultStatus(res bus.Result) (Status, error) {
	status := Status(strings.TrimSpace(res.Status))
	if status == "" {
		if res.Error != "" {
			return StatusFailed, nil
		}
		return StatusCompleted, nil
	}
	if !status.Valid() || status == StatusPending {
		return "", xerrors.New(xerrors.CodeTaskValidationFailed, fmt.Sprintf("非法的结果状态 %q", res.Status))
	}
	return status, nil
}

func (r *Registry) fabricate(id string, source bus.Role, res bus.Result) *Task {
	description := strings.TrimSpace(res.Task)
	if description == "" {
		description = UnknownTaskDescription
	}
	return &Task{
		ID:          id,
		Description: description,
		Status:      StatusPending,
		AssignedTo:  source,
		Timestamp:   r.now(),
		Recovered:   true,
	}
}

// Get 返回任务的只读副本，内存缺失时从存储恢复，但不会补建。
func (r *Registry) Get(ctx context.Context, id string) (*Task, error) {
	unlock := r.locks.lock(id)
	defer unlock()
	t, err := r.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// List 返回内存中的任务副本，按时间倒序。
func (r *Registry) List() []*Task {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Evict 从内存中移除任务，持久化副本不受影响。
func (r *Registry) Evict(id string) {
	r.mu.Lock()
	delete(r.tasks, id)
	r.mu.Unlock()
}

// lookup 实现恢复协议：先查内存，再按 task:<id> 查存储并回填内存。
func (r *Registry) lookup(ctx context.Context, id string) (*Task, error) {
	r.mu.RLock()
	t, ok := r.tasks[id]
	r.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}

	rec, err := r.store.Retrieve(ctx, recall.TaskKey(id))
	if recall.IsNotFound(err) {
		return nil, xerrors.Wrap(xerrors.CodeTaskNotFound, err, fmt.Sprintf("任务 %s 不存在", id), xerrors.WithMetadata("task_id", id))
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "从存储恢复任务失败", xerrors.WithMetadata("task_id", id))
	}
	var restored Task
	if err := rec.Decode(&restored); err != nil || restored.ID != id {
		return nil, xerrors.Wrap(xerrors.CodePersistenceFailure, err, "存储中的任务记录无法解析", xerrors.WithMetadata("task_id", id))
	}
	if !restored.Status.Valid() {
		return nil, xerrors.New(xerrors.CodePersistenceFailure, fmt.Sprintf("存储中的任务状态非法: %s", restored.Status))
	}
	r.put(&restored)
	r.logger.Info("任务已从存储恢复", slog.String("task_id", id), slog.String("status", string(restored.Status)))
	return restored.Clone(), nil
}

func (r *Registry) put(t *Task) {
	r.mu.Lock()
	r.tasks[t.ID] = t.Clone()
	r.mu.Unlock()
}

func (r *Registry) persist(ctx context.Context, t *Task) error {
	meta := recall.Metadata{
		"agent":     string(bus.RoleTaskManager),
		"type":      "task",
		"status":    string(t.Status),
		"timestamp": t.Timestamp.UnixMilli(),
	}
	if err := r.store.Store(ctx, recall.TaskKey(t.ID), t, meta); err != nil {
		return xerrors.Wrap(xerrors.CodePersistenceFailure, err, "持久化任务失败", xerrors.WithMetadata("task_id", t.ID))
	}
	return nil
}

func (r *Registry) announce(ctx context.Context, t *Task, source, destination string) {
	update := bus.TaskUpdate{
		TaskID:      t.ID,
		Status:      string(t.Status),
		Result:      t.Result,
		Error:       t.Error,
		ToolResults: t.ToolResults,
		Timestamp:   t.Timestamp.UnixMilli(),
		Source:      source,
		Destination: destination,
	}
	if err := r.bus.Publish(ctx, bus.TopicTaskUpdate, update); err != nil {
		r.logger.Error("发布 task-update 失败", slog.String("task_id", t.ID), slog.Any("error", err))
	}
}

// fail 让失败路径以 failed 状态的 task-update 收尾。已知任务在内存中标记为 failed，
// 并尽力写回存储。
func (r *Registry) fail(ctx context.Context, id string, known *Task, source, destination string, cause error) {
	now := r.now()
	r.logger.Error("任务处理失败",
		slog.String("task_id", id),
		slog.String("source", source),
		slog.String("code", string(xerrors.CodeOf(cause))),
		slog.Any("error", cause))

	update := &Task{ID: id, Status: StatusFailed, Error: cause.Error(), Timestamp: now}
	if known != nil {
		update = known.Clone()
		update.Status = StatusFailed
		update.Error = cause.Error()
		update.Timestamp = now
		r.put(update)
		if err := r.persist(ctx, update); err != nil {
			r.logger.Warn("失败状态写回存储失败", slog.String("task_id", id), slog.Any("error", err))
		}
	}
	metrics.TaskTransition(string(StatusFailed))
	r.announce(ctx, update, source, destination)
}
