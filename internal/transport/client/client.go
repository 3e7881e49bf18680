// Package client is the subscriber side of the transport bridge: a websocket
// client that reconnects with linear backoff and dispatches inbound frames by
// their type field.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/pkg/logger"
)

// ConnectionType 是本地连接状态事件的类型。
const ConnectionType = "connection"

// 连接状态。
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
)

// Timer 是可取消的定时任务。
type Timer interface {
	Stop() bool
}

// Scheduler 在 d 之后执行 f。
type Scheduler func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Dialer 建立 websocket 连接，*websocket.Dialer 满足该接口。
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)
}

// Frame 是收到的一帧。
type Frame struct {
	Type string
	Raw  json.RawMessage
}

// Decode 把帧解码到 v。
func (f Frame) Decode(v any) error { return json.Unmarshal(f.Raw, v) }

// Handler 处理一帧。
type Handler func(Frame)

// Subscription 标识一个帧处理器。
type Subscription struct {
	Type string
	ID   string
}

type entry struct {
	id string
	h  Handler
}

// Client 是带自动重连的 websocket 客户端。
type Client struct {
	url         string
	baseDelay   time.Duration
	maxAttempts int
	dialer      Dialer
	schedule    Scheduler
	logger      *slog.Logger

	mu       sync.Mutex
	ctx      context.Context
	ws       *websocket.Conn
	gen      int
	attempts int
	timer    Timer
	closed   bool
	handlers map[string][]entry

	writeMu sync.Mutex
}

// Option 自定义 Client。
type Option func(*Client)

// WithBaseDelay 设置重连基准延迟，第 n 次重连等待 n 倍基准延迟。
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.baseDelay = d
		}
	}
}

// WithMaxAttempts 设置连续重连的最大次数。
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxAttempts = n
		}
	}
}

// WithScheduler 替换定时器，测试中用于断言延迟。
func WithScheduler(s Scheduler) Option {
	return func(c *Client) {
		if s != nil {
			c.schedule = s
		}
	}
}

// WithDialer 替换拨号器。
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger 替换日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New 创建客户端，需调用 Connect 建立连接。
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:         url,
		baseDelay:   defaultBaseDelay,
		maxAttempts: defaultMaxAttempts,
		dialer:      websocket.DefaultDialer,
		schedule:    afterFunc,
		handlers:    make(map[string][]entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("transport-client").With("url", url)
	}
	return c
}

// Connect 重置重连计数并拨号。首次拨号失败时返回错误，同时按退避策略安排重连。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.closed = false
	c.attempts = 0
	c.ctx = ctx
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	return c.dial()
}

func (c *Client) dial() error {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.logger.Warn("连接服务端失败", "error", err)
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()
		c.lost(gen)
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接服务端失败")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return xerrors.New(xerrors.CodeTransportFailure, "客户端已关闭")
	}
	if c.ws != nil {
		_ = c.ws.Close()
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	c.attempts = 0
	c.mu.Unlock()

	c.logger.Info("已连接服务端")
	c.dispatchLocal(StatusConnected)
	go c.readLoop(ws, gen)
	return nil
}

func (c *Client) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.logger.Info("连接已断开", "error", err)
			_ = ws.Close()
			c.lost(gen)
			return
		}
		c.dispatch(data)
	}
}

// lost 处理一次连接失败，同一代连接只会安排一次重连。
func (c *Client) lost(gen int) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.timer != nil {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	if c.attempts >= c.maxAttempts {
		attempts := c.attempts
		c.mu.Unlock()
		c.logger.Warn("重连次数已用尽，停止重连", "attempts", attempts)
		c.dispatchLocal(StatusDisconnected)
		return
	}
	c.attempts++
	delay := c.baseDelay * time.Duration(c.attempts)
	attempt := c.attempts
	c.timer = c.schedule(delay, func() {
		c.mu.Lock()
		c.timer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		c.logger.Info("尝试重连", "attempt", attempt, "max", c.maxAttempts)
		_ = c.dial()
	})
	c.mu.Unlock()
}

// Close 关闭连接并取消尚未执行的重连。
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

// Connected 报告当前是否有可用连接。
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Attempts 返回当前连续重连次数。
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Subscribe 为帧类型注册处理器，同一 (type, id) 重复注册返回已有的订阅。
func (c *Client) Subscribe(frameType, id string, h Handler) (Subscription, error) {
	if frameType == "" || id == "" || h == nil {
		return Subscription{}, xerrors.New(xerrors.CodeInvalidArgument, "订阅参数不完整")
	}
	sub := Subscription{Type: frameType, ID: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.handlers[frameType] {
		if e.id == id {
			return sub, nil
		}
	}
	c.handlers[frameType] = append(c.handlers[frameType], entry{id: id, h: h})
	return sub, nil
}

// Unsubscribe 移除处理器，未知订阅静默忽略。
func (c *Client) Unsubscribe(sub Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.handlers[sub.Type]
	for i, e := range list {
		if e.id == sub.ID {
			next := make([]entry, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(c.handlers, sub.Type)
			} else {
				c.handlers[sub.Type] = next
			}
			return
		}
	}
}

// Emit 发送 {type, ...fields} 帧。
func (c *Client) Emit(frameType string, fields map[string]any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return xerrors.New(xerrors.CodeTransportFailure, "未连接服务端")
	}
	frame := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = frameType

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ws.WriteJSON(frame); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "发送帧失败")
	}
	return nil
}

func (c *Client) dispatchLocal(status string) {
	raw, _ := json.Marshal(map[string]string{"type": ConnectionType, "status": status})
	c.dispatch(raw)
}

func (c *Client) dispatch(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		c.logger.Warn("无法解析服务端帧", "error", err)
		return
	}
	c.mu.Lock()
	list := c.handlers[head.Type]
	c.mu.Unlock()
	if len(list) == 0 {
		return
	}
	frame := Frame{Type: head.Type, Raw: data}
	for _, e := range list {
		c.invoke(e, frame)
	}
}

func (c *Client) invoke(e entry, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("帧处理器 panic", "type", f.Type, "id", e.id, "panic", r)
		}
	}()
	e.h(f)
}
