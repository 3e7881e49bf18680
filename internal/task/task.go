package task

import (
	"encoding/json"
	stdErrors "errors"
	"time"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal 判断是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid 判断状态值是否合法。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task 是被协调的工作单元，只有 Registry 会修改它。
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Status      Status            `json:"status"`
	AssignedTo  bus.Role          `json:"assignedTo,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ToolResults []json.RawMessage `json:"toolResults,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	// Recovered 标记进程重启后由 executor 结果补建的任务。
	Recovered bool `json:"recovered,omitempty"`
}

// Clone 返回深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.ToolResults != nil {
		c.ToolResults = make([]json.RawMessage, len(t.ToolResults))
		for i, r := range t.ToolResults {
			c.ToolResults[i] = append(json.RawMessage(nil), r...)
		}
	}
	return &c
}

var (
	// ErrTaskNotFound 表示任务在内存和持久化存储中均不存在。
	ErrTaskNotFound = xerrors.New(xerrors.CodeTaskNotFound, "no such task")
	// ErrTaskConflict 表示结果会让任务状态倒退。
	ErrTaskConflict = xerrors.New(xerrors.CodeTaskConflict, "task transition rejected")
	// ErrTaskValidation 表示请求参数不合法。
	ErrTaskValidation = xerrors.New(xerrors.CodeTaskValidationFailed, "task validation failed")
)

// transitions 列出结果事件允许的状态迁移。派发（AssignTask）不受此表约束。
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusInProgress, StatusCompleted, StatusFailed},
}

// CanTransition 判断 from 到 to 是否是前进方向的迁移。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// canApplyResult 在 CanTransition 之外允许补建任务直接从 pending 进入结果状态。
func canApplyResult(t *Task, to Status) bool {
	if CanTransition(t.Status, to) {
		return true
	}
	return t.Recovered && t.Status == StatusPending && (to == StatusCompleted || to == StatusFailed)
}

// IsTaskError 判断错误是否带有指定错误码。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, xerrors.New(target, ""))
}
