// Package events публикует зафиксированные изменения в RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iurnickita/gamemarket/internal/service/config"
)

const (
	RoutingKeyOrderStatusChanged = "order.status_changed"
	RoutingKeyPaymentCharged     = "payment.charged"
)

type Event interface {
	RoutingKey() string
}

type OrderStatusChanged struct {
	OrderID     string    `json:"orderId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	RequesterID string    `json:"requesterId"`
	ProviderID  string    `json:"providerId"`
	Price       int       `json:"price"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func (OrderStatusChanged) RoutingKey() string { return RoutingKeyOrderStatusChanged }

type PaymentCharged struct {
	PaymentID         string    `json:"paymentId"`
	ExternalPaymentID string    `json:"externalPaymentId"`
	UserID            string    `json:"userId"`
	TokenAmount       int       `json:"tokenAmount"`
	Balance           int       `json:"balance"`
	OccurredAt        time.Time `json:"occurredAt"`
}

func (PaymentCharged) RoutingKey() string { return RoutingKeyPaymentCharged }

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NewPublisher подключается к брокеру. Без AMQP_URL события никуда не отправляются.
func NewPublisher(cfg config.Events) (Publisher, error) {
	if cfg.AMQPURL == "" {
		return NewNoopPublisher(), nil
	}

	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &amqpPublisher{conn: conn, ch: ch, exchange: cfg.Exchange}, nil
}

type amqpPublisher struct {
	// канал AMQP не потокобезопасен
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(ctx, p.exchange, event.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher {
	return noopPublisher{}
}

func (noopPublisher) Publish(context.Context, Event) error { return nil }
func (noopPublisher) Close() error                         { return nil }
