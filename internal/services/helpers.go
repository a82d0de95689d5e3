package services

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/orders/internal/domain"
	"github.com/hanko-field/orders/internal/repositories"
)

const instrumentationName = "github.com/hanko-field/orders/internal/services"

// DefaultEventTopic is used when no topic is configured for order events.
const DefaultEventTopic = "shop-orders"

var tracer = otel.Tracer(instrumentationName)

func noopLogger(context.Context, string, map[string]any) {}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type eventEnvelope struct {
	ID         string       `json:"id"`
	Type       string       `json:"type"`
	OccurredAt time.Time    `json:"occurredAt"`
	Data       domain.Event `json:"data"`
}

func newOutboxMessage(id, topic string, event domain.Event, occurredAt time.Time) (repositories.OutboxMessage, error) {
	payload, err := json.Marshal(eventEnvelope{
		ID:         id,
		Type:       event.EventName(),
		OccurredAt: occurredAt,
		Data:       event,
	})
	if err != nil {
		return repositories.OutboxMessage{}, fmt.Errorf("encode %s event: %w", event.EventName(), err)
	}
	return repositories.OutboxMessage{
		ID:            id,
		Topic:         topic,
		EventType:     event.EventName(),
		Key:           event.AggregateID(),
		Payload:       payload,
		CreatedAt:     occurredAt,
		NextAttemptAt: occurredAt,
	}, nil
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return map[string]any{}
	}
	return maps.Clone(src)
}

// mergeProcessingResult folds fields into a copy of result. List values under the same key are concatenated.
func mergeProcessingResult(result map[string]any, fields map[string]any) map[string]any {
	merged := cloneMap(result)
	for key, value := range fields {
		incoming, isList := value.([]string)
		if existing := stringList(merged[key]); isList && len(existing) > 0 {
			merged[key] = append(existing, incoming...)
			continue
		}
		merged[key] = value
	}
	return merged
}

// stringList reads a list of strings stored either natively or after a JSON round trip.
func stringList(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func uuidList(value any) ([]uuid.UUID, error) {
	raw := stringList(value)
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func valuePtr[T any](v T) *T {
	return &v
}
