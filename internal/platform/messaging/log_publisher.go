package messaging

import (
	"context"

	"go.uber.org/zap"

	"github.com/hanko-field/orders/internal/services"
)

// LogPublisher writes outbox messages to the log instead of a broker. Used in local setups.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher returns a publisher logging to logger.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

// Publish logs the message and always succeeds.
func (p *LogPublisher) Publish(_ context.Context, msg services.OutboundMessage) error {
	p.logger.Info("event published",
		zap.String("event_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("event_type", msg.EventType),
		zap.String("key", msg.Key),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}
