package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"AVA-Chain/internal/bus"
)

const maxFrameSize = 64 << 10

// conn 是单个客户端连接。所有写操作都经由 writeLoop，gorilla 只允许一个并发写者。
type conn struct {
	id     string
	ws     *websocket.Conn
	cfg    Config
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
	subs []bus.Subscription
}

func newConn(id string, ws *websocket.Conn, cfg Config, l *slog.Logger) *conn {
	return &conn{
		id:     id,
		ws:     ws,
		cfg:    cfg,
		logger: l.With("conn_id", id),
		send:   make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue 序列化帧并放入发送队列。队列已满说明客户端跟不上，直接关闭连接让它重连。
func (c *conn) enqueue(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("序列化帧失败", "error", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("发送队列已满，关闭连接", "size", len(data))
		c.shutdown()
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) readLoop(handle func([]byte)) {
	defer func() { _ = c.ws.Close() }()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("读取客户端帧失败", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		handle(data)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.ReadTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("写入客户端帧失败", "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

// flush 尽力写出关闭前已排队的帧。
func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
