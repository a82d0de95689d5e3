package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/orders/internal/platform/textutil"
	"github.com/hanko-field/orders/internal/services"
)

// PubSubPublisher publishes outbox messages to Pub/Sub topics named by the message.
type PubSubPublisher struct {
	client       *pubsub.Client
	defaultTopic string
	ordering     bool

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// PubSubOption customises the publisher.
type PubSubOption func(*PubSubPublisher)

// WithMessageOrdering publishes with the message key as ordering key. The subscription must enable ordering.
func WithMessageOrdering() PubSubOption {
	return func(p *PubSubPublisher) {
		p.ordering = true
	}
}

// NewPubSubPublisher constructs a Pub/Sub backed event publisher. defaultTopic is used for messages without a topic.
func NewPubSubPublisher(client *pubsub.Client, defaultTopic string, opts ...PubSubOption) (*PubSubPublisher, error) {
	if client == nil {
		return nil, errors.New("pubsub publisher: client is required")
	}
	p := &PubSubPublisher{
		client:       client,
		defaultTopic: strings.TrimSpace(defaultTopic),
		topics:       make(map[string]*pubsub.Topic),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Publish sends the message and waits for the server acknowledgement.
func (p *PubSubPublisher) Publish(ctx context.Context, msg services.OutboundMessage) error {
	if p == nil || p.client == nil {
		return errors.New("pubsub publisher: not initialised")
	}
	topicID := strings.TrimSpace(msg.Topic)
	if topicID == "" {
		topicID = p.defaultTopic
	}
	if topicID == "" {
		return fmt.Errorf("pubsub publisher: message %s has no topic", msg.ID)
	}

	out := &pubsub.Message{
		Data:       msg.Payload,
		Attributes: messageAttributes(msg),
	}
	if p.ordering {
		out.OrderingKey = msg.Key
	}

	topic := p.topic(topicID)
	if _, err := topic.Publish(ctx, out).Get(ctx); err != nil {
		if p.ordering && msg.Key != "" {
			topic.ResumePublish(msg.Key)
		}
		return fmt.Errorf("publish %s to %s: %w", msg.EventType, topicID, err)
	}
	return nil
}

// Close flushes and stops all topics. The client is owned by the caller.
func (p *PubSubPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, topic := range p.topics {
		topic.Stop()
		delete(p.topics, id)
	}
}

func (p *PubSubPublisher) topic(id string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	if topic, ok := p.topics[id]; ok {
		return topic
	}
	topic := p.client.Topic(id)
	topic.EnableMessageOrdering = p.ordering
	p.topics[id] = topic
	return topic
}

func messageAttributes(msg services.OutboundMessage) map[string]string {
	attrs := textutil.NormalizeStringMap(map[string]string{
		"eventId":     msg.ID,
		"eventType":   msg.EventType,
		"aggregateId": msg.Key,
	})
	for key, value := range attrs {
		if value == "" {
			delete(attrs, key)
		}
	}
	if !msg.CreatedAt.IsZero() {
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs["createdAt"] = msg.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return attrs
}
