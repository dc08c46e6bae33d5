package events

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "NexusAgent/internal/errors"
)

// RabbitMQConfig 描述事件交换机的连接参数。
type RabbitMQConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
}

// RabbitMQPublisher 将事件以 JSON 形式发布到 topic 交换机，路由键为
// <RoutingKey>.<事件名>。
type RabbitMQPublisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	exchange   string
	routingKey string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明持久化的 topic 交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, xerrors.New(xerrors.CodeNotConfigured, "RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "nexus.events"
	}
	routingKey := cfg.RoutingKey
	if routingKey == "" {
		routingKey = "settlement"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "创建 RabbitMQ channel 失败")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeBrokerFailure, err, "声明 RabbitMQ 交换机失败")
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange, routingKey: routingKey}, nil
}

// Publish 将事件投递到交换机。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return xerrors.New(xerrors.CodeNotConfigured, "RabbitMQ 发布者未初始化")
	}
	msg, err := buildPublishing(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKeyFor(p.routingKey, event.Name), false, false, msg); err != nil {
		return xerrors.Wrap(xerrors.CodeBrokerFailure, err, "发布事件失败", xerrors.WithMetadata("event", event.Name))
	}
	return nil
}

// Close 关闭 RabbitMQ 连接。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func buildPublishing(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    event.OccurredAt,
		Type:         event.Name,
		Body:         body,
	}, nil
}

// routingKeyFor 将 escrow:funded 转换为 settlement.escrow.funded。
func routingKeyFor(prefix, name string) string {
	return prefix + "." + strings.ReplaceAll(name, ":", ".")
}

var _ Publisher = (*RabbitMQPublisher)(nil)
