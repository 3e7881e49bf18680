package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Request 描述发送给大模型的任务上下文。
type Request struct {
	TaskID string
	Task   string
	// Kind 为 analyze 或 chat。
	Kind string
	// Context 为补充给模型的历史片段，按时间顺序排列。
	Context []string
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thoughts []string
	Reply    string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Echo 是不访问网络的本地实现，未配置真实模型时使用。
type Echo struct{}

// Generate 复述任务并给出固定的思考步骤。
func (Echo) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	task := strings.TrimSpace(req.Task)
	return &Response{
		Thoughts: []string{
			fmt.Sprintf("received %s request", kindOrDefault(req.Kind)),
			"no reasoning provider configured, acknowledging task",
		},
		Reply: fmt.Sprintf("Acknowledged: %s", task),
	}, nil
}

func kindOrDefault(kind string) string {
	if kind == "" {
		return "analyze"
	}
	return kind
}

// Swappable 持有可在运行时替换的 Client，供 settings 帧热切换使用。
type Swappable struct {
	mu     sync.RWMutex
	client Client
	name   string
}

// NewSwappable 以初始实现创建。
func NewSwappable(name string, c Client) *Swappable {
	if c == nil {
		c, name = Echo{}, "echo"
	}
	return &Swappable{client: c, name: name}
}

// Swap 替换当前实现并返回旧实现的名称。
func (s *Swappable) Swap(name string, c Client) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.name
	s.client, s.name = c, name
	return prev
}

// Name 返回当前实现的名称。
func (s *Swappable) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// Generate 委托给当前实现。
func (s *Swappable) Generate(ctx context.Context, req Request) (*Response, error) {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	return c.Generate(ctx, req)
}
