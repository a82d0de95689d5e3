package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/streadway/amqp"

	"github.com/hanko-field/orders/internal/services"
)

const exchangeKindTopic = "topic"

// amqpChannel is the subset of *amqp.Channel used for publishing.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes outbox messages to a durable topic exchange using the event type as routing key.
type AMQPPublisher struct {
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel amqpChannel
}

// DialAMQP connects to the broker, opens a channel, and declares the exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("amqp publisher: url is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp publisher: dial: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp publisher: open channel: %w", err)
	}
	p, err := newAMQPPublisher(channel, exchange)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(channel amqpChannel, exchange string) (*AMQPPublisher, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		return nil, errors.New("amqp publisher: exchange is required")
	}
	if err := channel.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("amqp publisher: declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{channel: channel, exchange: exchange}, nil
}

// Publish sends the message as a persistent JSON delivery. Publishes are serialised on one channel.
func (p *AMQPPublisher) Publish(ctx context.Context, msg services.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	headers := amqp.Table{}
	if msg.Key != "" {
		headers["aggregate-id"] = msg.Key
	}
	if msg.Topic != "" {
		headers["topic"] = msg.Topic
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.EventType,
		Timestamp:    msg.CreatedAt,
		Headers:      headers,
		Body:         msg.Payload,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return errors.New("amqp publisher: closed")
	}
	if err := p.channel.Publish(p.exchange, msg.EventType, false, false, publishing); err != nil {
		return fmt.Errorf("publish %s to exchange %s: %w", msg.EventType, p.exchange, err)
	}
	return nil
}

// Close closes the channel and connection for graceful shutdown.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
		p.channel = nil
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
		p.conn = nil
	}
	return errors.Join(errs...)
}
