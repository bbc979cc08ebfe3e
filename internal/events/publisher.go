// Package events publishes transfer-completed notifications to RabbitMQ.
// Messages carry ids and amounts only, never card numbers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/alovak/bankcards/cards/models"
)

const EventTransferCompleted = "transfer.completed"

var ErrPublisherClosed = errors.New("publisher is closed")

// TransferCompleted is the message body.
type TransferCompleted struct {
	Event         string    `json:"event"`
	TransactionID string    `json:"transaction_id"`
	FromCardID    string    `json:"from_card_id"`
	ToCardID      string    `json:"to_card_id"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	exchange   string
	routingKey string

	mu     sync.Mutex
	ch     Channel
	conn   *amqp.Connection
	closed bool
}

// Dial connects to url and declares a durable topic exchange.
func Dial(url, exchange, routingKey string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, routingKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewPublisher(ch Channel, exchange, routingKey string) (*Publisher, error) {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{exchange: exchange, routingKey: routingKey, ch: ch}, nil
}

func NewTransferCompleted(tx *models.Transaction) TransferCompleted {
	return TransferCompleted{
		Event:         EventTransferCompleted,
		TransactionID: tx.ID,
		FromCardID:    tx.FromCardID,
		ToCardID:      tx.ToCardID,
		Amount:        tx.Amount.StringFixed(2),
		Status:        string(tx.Status),
		OccurredAt:    tx.Timestamp,
	}
}

func (p *Publisher) PublishTransferCompleted(ctx context.Context, tx *models.Transaction) error {
	body, err := json.Marshal(NewTransferCompleted(tx))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    tx.ID,
		Timestamp:    tx.Timestamp,
		Type:         EventTransferCompleted,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", tx.ID, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
