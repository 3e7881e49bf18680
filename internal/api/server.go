package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/internal/metrics"
	"AVA-Chain/internal/task"
	"AVA-Chain/pkg/logger"
)

const tasksPrefix = "/api/v1/tasks/"

// Tasks 是 REST 层依赖的任务注册表能力。
type Tasks interface {
	CreateTask(ctx context.Context, description string) (string, error)
	AssignTask(ctx context.Context, id string, role bus.Role) error
	HasRole(role bus.Role) bool
	Get(ctx context.Context, id string) (*task.Task, error)
	List() []*task.Task
}

// Server 负责暴露 REST 接口，供外部创建、派发和查询任务。
type Server struct {
	addr            string
	tasks           Tasks
	ws              http.Handler
	wsPath          string
	metricsPath     string
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// Option 调整 Server 配置。
type Option func(*Server)

// WithWebSocket 在 path 上挂载 WebSocket 处理器。
func WithWebSocket(path string, h http.Handler) Option {
	return func(s *Server) {
		s.wsPath, s.ws = path, h
	}
}

// WithMetrics 在 path 上暴露 Prometheus 指标。
func WithMetrics(path string) Option {
	return func(s *Server) { s.metricsPath = path }
}

// WithShutdownTimeout 设置优雅退出的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 替换默认日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks Tasks, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		tasks:           tasks,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由表。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/api/v1/tasks", instrument("tasks", http.HandlerFunc(s.handleTasks)))
	mux.Handle(tasksPrefix, instrument("task_detail", http.HandlerFunc(s.handleTaskDetail)))
	if s.ws != nil && s.wsPath != "" {
		mux.Handle(s.wsPath, s.ws)
		if s.wsPath != "/" {
			mux.Handle("/", upgradeOnly(s.ws))
		}
	}
	if s.metricsPath != "" {
		mux.Handle(s.metricsPath, metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createRequest struct {
	Description string `json:"description"`
	Role        string `json:"role,omitempty"`
}

type assignRequest struct {
	Role string `json:"role"`
}

// handleCreateTask 创建任务并派发给指定角色，默认 observer。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}
	role := bus.RoleObserver
	if strings.TrimSpace(req.Role) != "" {
		role = bus.NormalizeRole(req.Role)
	}
	// 角色先校验，避免留下无法派发的 pending 任务。
	if !s.tasks.HasRole(role) {
		writeError(w, xerrors.New(xerrors.CodeTaskValidationFailed, "未声明的角色 "+string(role)))
		return
	}

	ctx := r.Context()
	id, err := s.tasks.CreateTask(ctx, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.tasks.AssignTask(ctx, id, role); err != nil {
		writeError(w, err)
		return
	}
	s.writeTask(w, r, id, http.StatusAccepted)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := s.tasks.List()
	if raw := r.URL.Query().Get("status"); raw != "" {
		filtered := tasks[:0]
		for _, t := range tasks {
			if string(t.Status) == raw {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil && limit > 0 && limit < len(tasks) {
			tasks = tasks[:limit]
		}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskDetail 处理 /api/v1/tasks/{id} 与 /api/v1/tasks/{id}/assign。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, tasksPrefix), "/")
	if rest == "" {
		http.Error(w, "缺少任务 ID", http.StatusBadRequest)
		return
	}
	id, action, _ := strings.Cut(rest, "/")

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.writeTask(w, r, id, http.StatusOK)
	case action == "assign" && r.Method == http.MethodPost:
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Role) == "" {
			http.Error(w, "请求体需要 role 字段", http.StatusBadRequest)
			return
		}
		if err := s.tasks.AssignTask(r.Context(), id, bus.NormalizeRole(req.Role)); err != nil {
			writeError(w, err)
			return
		}
		s.writeTask(w, r, id, http.StatusAccepted)
	case action == "" || action == "assign":
		http.Error(w, "不支持的方法", http.StatusMethodNotAllowed)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) writeTask(w http.ResponseWriter, r *http.Request, id string, status int) {
	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, t)
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// writeError 按错误归类映射 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.ClassOf(err) {
	case xerrors.ClassNotFound:
		status = http.StatusNotFound
	case xerrors.ClassCaller:
		status = http.StatusBadRequest
		if xerrors.CodeOf(err) == xerrors.CodeTaskConflict {
			status = http.StatusConflict
		}
	case xerrors.ClassPersistence, xerrors.ClassTransport:
		status = http.StatusServiceUnavailable
	}
	body := errorBody{Code: xerrors.CodeOf(err), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		body.Message = coded.Message()
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// upgradeOnly 让根路径只接受 WebSocket 升级请求。
func upgradeOnly(ws http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" || !websocket.IsWebSocketUpgrade(r) {
			http.NotFound(w, r)
			return
		}
		ws.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 为 REST 处理器记录请求计数和耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
