// Package relay mirrors task-update events onto a RabbitMQ exchange so that
// processes outside the bus can follow task progress.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
	"AVA-Chain/pkg/logger"
)

const (
	defaultExchange   = "ava.events"
	defaultRoutingKey = "task-update"
	publishTimeout    = 5 * time.Second
	subscriberID      = "relay"
)

// Config 描述 RabbitMQ 连接参数。
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Exchange) == "" {
		c.Exchange = defaultExchange
	}
	if strings.TrimSpace(c.RoutingKey) == "" {
		c.RoutingKey = defaultRoutingKey
	}
	return c
}

// Publisher 是发布消息所需的 channel 能力，*amqp.Channel 满足该接口。
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Relay 把 task-update 转发到交换机。
type Relay struct {
	pub    Publisher
	conn   *amqp.Connection
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	bus *bus.Bus
	sub *bus.Subscription
}

// Dial 连接 RabbitMQ 并声明 topic 交换机。
func Dial(cfg Config) (*Relay, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明 RabbitMQ 交换机失败")
	}
	r := New(ch, cfg)
	r.conn = conn
	return r, nil
}

// New 使用已有 channel 创建 Relay。
func New(pub Publisher, cfg Config) *Relay {
	return &Relay{pub: pub, cfg: cfg.withDefaults(), logger: logger.Named("relay")}
}

// Attach 订阅总线上的 task-update。
func (r *Relay) Attach(b *bus.Bus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	sub, err := b.Subscribe(bus.TopicTaskUpdate, subscriberID, func(ctx context.Context, ev bus.Event) error {
		update, ok := ev.Payload.(bus.TaskUpdate)
		if !ok {
			return xerrors.New(xerrors.CodeEventPayloadMismatch, "task-update 载荷类型错误")
		}
		return r.Publish(ctx, update)
	})
	if err != nil {
		return err
	}
	r.bus, r.sub = b, &sub
	r.logger.Info("task-update 转发已启用", "exchange", r.cfg.Exchange, "routing_key", r.cfg.RoutingKey)
	return nil
}

// Publish 以 JSON 形式发布一条 task-update。
func (r *Relay) Publish(ctx context.Context, update bus.TaskUpdate) error {
	body, err := json.Marshal(update)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化 task-update 失败")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = r.pub.PublishWithContext(ctx, r.cfg.Exchange, r.cfg.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    update.TaskID,
		Type:         string(bus.TopicTaskUpdate),
		Timestamp:    time.UnixMilli(update.Timestamp),
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "发布 task-update 失败",
			xerrors.WithMetadata("task_id", update.TaskID))
	}
	return nil
}

// Close 取消订阅并关闭连接。
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.sub != nil && r.bus != nil {
		r.bus.Unsubscribe(*r.sub)
		r.sub = nil
	}
	r.mu.Unlock()

	if r.pub != nil {
		_ = r.pub.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
