// Package server is the server side of the transport bridge: it upgrades
// HTTP requests to websocket connections, forwards agent events to every
// connection and turns inbound command and settings frames into registry and
// observer calls.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/llm"
	"AVA-Chain/internal/llm/provider"
	"AVA-Chain/internal/metrics"
	"AVA-Chain/pkg/logger"
)

const announcerID = "announcer"

// Tasks 是服务端使用的任务表操作。
type Tasks interface {
	CreateTask(ctx context.Context, description string) (string, error)
	AssignTask(ctx context.Context, id string, role bus.Role) error
}

// Observer 是服务端控制的 observer 能力。
type Observer interface {
	Stop()
	Resume()
	UpdateAIProvider(name string, client llm.Client)
}

// ProviderFactory 根据 settings 帧构建大模型客户端。
type ProviderFactory func(provider.Settings) (string, llm.Client, error)

// Config 控制连接参数。
type Config struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	return c
}

// Server 管理全部 websocket 连接。
type Server struct {
	bus       *bus.Bus
	tasks     Tasks
	observer  Observer
	providers ProviderFactory
	cfg       Config
	upgrader  websocket.Upgrader
	now       func() time.Time
	logger    *slog.Logger

	mu        sync.Mutex
	conns     map[string]*conn
	announcer *bus.Subscription
	closed    bool
	wg        sync.WaitGroup
}

// Option 自定义 Server。
type Option func(*Server)

// WithConfig 设置连接参数。
func WithConfig(cfg Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// WithProviderFactory 替换 settings 帧使用的大模型工厂。
func WithProviderFactory(f ProviderFactory) Option {
	return func(s *Server) {
		if f != nil {
			s.providers = f
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 替换日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建 Server。observer 可以为 nil，此时 stop 与 settings 帧只会得到错误帧。
func New(b *bus.Bus, tasks Tasks, observer Observer, opts ...Option) *Server {
	s := &Server{
		bus:      b,
		tasks:    tasks,
		observer: observer,
		now:      time.Now,
		conns:    make(map[string]*conn),
		providers: func(st provider.Settings) (string, llm.Client, error) {
			return provider.FromSettings(st, 0)
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = s.cfg.withDefaults()
	if s.logger == nil {
		s.logger = logger.Named("transport")
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// StartAnnouncer 订阅 task-update 并以 agent-response 转发，重复调用无副作用。
func (s *Server) StartAnnouncer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.announcer != nil {
		return nil
	}
	sub, err := s.bus.Subscribe(bus.TopicTaskUpdate, announcerID, func(ctx context.Context, ev bus.Event) error {
		update, ok := ev.Payload.(bus.TaskUpdate)
		if !ok {
			return xerrors.New(xerrors.CodeEventPayloadMismatch, "task-update 载荷类型错误")
		}
		return s.bus.Publish(ctx, bus.TopicAgentResponse, announcement(update))
	})
	if err != nil {
		return err
	}
	s.announcer = &sub
	return nil
}

// Connections 返回当前连接数。
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP 升级连接并阻塞到连接关闭。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket 升级失败", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws, s.cfg, s.logger)
	if err := s.attach(c); err != nil {
		s.logger.Error("注册连接订阅失败", "conn_id", c.id, "error", err)
		c.shutdown()
		_ = ws.Close()
		return
	}
	metrics.ConnectionOpened()
	s.logger.Info("客户端已连接", "conn_id", c.id, "remote", r.RemoteAddr)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	c.enqueue(systemEvent(s.now(), MsgWelcome, eventSeverityInfo))

	c.readLoop(func(data []byte) { s.handleFrame(r.Context(), c, data) })

	s.detach(c)
	metrics.ConnectionClosed()
	s.logger.Info("客户端已断开", "conn_id", c.id)
}

// attach 为连接注册三个转发订阅，任一失败都会回滚已注册的部分。
func (s *Server) attach(c *conn) error {
	for _, topic := range []bus.Topic{bus.TopicAgentAction, bus.TopicAgentResponse, bus.TopicAgentError} {
		sub, err := s.bus.Subscribe(topic, "conn-"+c.id, func(_ context.Context, ev bus.Event) error {
			frame, ok := frameFor(s.now(), ev)
			if !ok {
				return xerrors.New(xerrors.CodeEventPayloadMismatch, "无法转换为聊天帧")
			}
			c.enqueue(frame)
			return nil
		})
		if err != nil {
			for _, done := range c.subs {
				s.bus.Unsubscribe(done)
			}
			c.subs = nil
			return err
		}
		c.subs = append(c.subs, sub)
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	return nil
}

func (s *Server) detach(c *conn) {
	for _, sub := range c.subs {
		s.bus.Unsubscribe(sub)
	}
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.shutdown()
}

func (s *Server) handleFrame(ctx context.Context, c *conn, data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		s.logger.Warn("无法解析客户端帧", "conn_id", c.id, "error", err)
		c.enqueue(message(s.now(), roleError, MsgCommandError, SystemAgent))
		return
	}

	switch in.Type {
	case inboundTypeSettings:
		if err := s.applySettings(ctx, in.Settings); err != nil {
			s.logger.Warn("更新设置失败", "conn_id", c.id, "error", err)
			c.enqueue(message(s.now(), roleError, MsgCommandError, SystemAgent))
		}
	case inboundTypeCommand:
		payload, err := s.bus.Decode(bus.TopicCommand, data)
		if err != nil {
			s.logger.Warn("无法解析命令帧", "conn_id", c.id, "error", err)
			c.enqueue(message(s.now(), roleError, MsgCommandError, SystemAgent))
			return
		}
		cmd := payload.(bus.Command)
		cmd.ConnID = c.id
		if err := s.runCommand(ctx, c, cmd); err != nil {
			s.logger.Warn("处理命令失败", "conn_id", c.id, "error", err)
			c.enqueue(message(s.now(), roleError, MsgCommandError, SystemAgent))
		}
	default:
		s.logger.Info("忽略未知类型的客户端帧", "conn_id", c.id, "type", in.Type)
	}
}

func (s *Server) applySettings(ctx context.Context, st *provider.Settings) error {
	if st == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "settings 帧缺少 settings 字段")
	}
	if s.observer == nil {
		return xerrors.New(xerrors.CodeWiringIncomplete, "未配置 observer")
	}
	name, client, err := s.providers(*st)
	if err != nil {
		return err
	}
	s.observer.UpdateAIProvider(name, client)
	logger.Audit().Info("客户端更新了设置",
		"provider", name,
		"model", st.AIProvider.ModelName,
		"enable_private_compute", st.EnablePrivateCompute)
	return s.bus.Publish(ctx, bus.TopicAgentAction, bus.AgentAction{Agent: SystemAgent, Action: MsgSettingsUpdated})
}

// runCommand 只有与 StopCommand 完全相同的文本才是停止指令，其余文本都会创建任务。
func (s *Server) runCommand(ctx context.Context, c *conn, cmd bus.Command) error {
	if strings.TrimSpace(cmd.Command) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "命令不能为空")
	}
	c.enqueue(message(s.now(), roleUser, cmd.Command, roleUser))
	if err := s.bus.Publish(ctx, bus.TopicCommand, cmd); err != nil {
		return err
	}

	if cmd.Command == StopCommand {
		if s.observer == nil {
			return xerrors.New(xerrors.CodeWiringIncomplete, "未配置 observer")
		}
		s.observer.Stop()
		return s.bus.Publish(ctx, bus.TopicAgentAction, bus.AgentAction{Agent: SystemAgent, Action: MsgStopped})
	}

	if s.observer != nil {
		s.observer.Resume()
	}
	if err := s.bus.Publish(ctx, bus.TopicAgentAction, bus.AgentAction{Agent: SystemAgent, Action: MsgStarting}); err != nil {
		return err
	}
	id, err := s.tasks.CreateTask(ctx, cmd.Command)
	if err != nil {
		return err
	}
	return s.tasks.AssignTask(ctx, id, bus.RoleObserver)
}

// Close 关闭所有连接并取消 announcer。
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	announcer := s.announcer
	s.announcer = nil
	s.mu.Unlock()

	if announcer != nil {
		s.bus.Unsubscribe(*announcer)
	}
	for _, c := range conns {
		c.shutdown()
	}
	s.wg.Wait()
}
