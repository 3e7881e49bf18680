package relay

import (
	"context"
	"encoding/json"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"AVA-Chain/internal/bus"
	xerrors "AVA-Chain/internal/errors"
)

// Tail 绑定临时队列并把收到的 task-update 交给 handler，直到 ctx 结束。
func Tail(ctx context.Context, cfg Config, handler func(bus.TaskUpdate)) error {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.URL) == "" {
		return xerrors.New(xerrors.CodeConfigInvalid, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "连接 RabbitMQ 失败")
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "创建 RabbitMQ channel 失败")
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明 RabbitMQ 交换机失败")
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "声明临时队列失败")
	}
	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "绑定临时队列失败")
	}
	msgs, err := ch.ConsumeWithContext(ctx, q.Name, "", true, true, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTransportFailure, err, "订阅临时队列失败")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return xerrors.New(xerrors.CodeTransportFailure, "RabbitMQ 投递通道已关闭")
			}
			update, err := decodeUpdate(msg)
			if err != nil {
				continue
			}
			handler(update)
		}
	}
}

func decodeUpdate(msg amqp.Delivery) (bus.TaskUpdate, error) {
	var update bus.TaskUpdate
	if msg.ContentType != "" && msg.ContentType != "application/json" {
		return update, xerrors.New(xerrors.CodeInvalidArgument, "不支持的消息类型: "+msg.ContentType)
	}
	if err := json.Unmarshal(msg.Body, &update); err != nil {
		return update, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析 task-update 失败")
	}
	return update, nil
}
