package services

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/orders/internal/repositories"
)

const (
	defaultRelayPollInterval = 2 * time.Second
	defaultRelayBatchSize    = 50
	defaultRelayMaxAttempts  = 10
	defaultRelayConcurrency  = 4
	defaultRelayBaseBackoff  = 5 * time.Second
	defaultRelayMaxBackoff   = 10 * time.Minute
	maxLastErrorLength       = 1024
)

// OutboxRelayDeps bundles collaborators required to construct the relay.
type OutboxRelayDeps struct {
	UnitOfWork   repositories.UnitOfWork
	Publisher    EventPublisher
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Concurrency  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Clock        func() time.Time
	Meter        metric.Meter
	Logger       Logger
}

// OutboxRelay moves committed outbox rows to the broker with at-least-once delivery.
type OutboxRelay struct {
	unitOfWork   repositories.UnitOfWork
	publisher    EventPublisher
	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	concurrency  int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	clock        func() time.Time
	logger       Logger

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// RelayStats summarises one relay pass.
type RelayStats struct {
	Claimed   int
	Published int
	Failed    int
	Abandoned int
}

// NewOutboxRelay constructs a relay with defaults for unset tuning values.
func NewOutboxRelay(deps OutboxRelayDeps) (*OutboxRelay, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("outbox relay: unit of work is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("outbox relay: publisher is required")
	}

	r := &OutboxRelay{
		unitOfWork:   deps.UnitOfWork,
		publisher:    deps.Publisher,
		pollInterval: positiveDuration(deps.PollInterval, defaultRelayPollInterval),
		batchSize:    positiveInt(deps.BatchSize, defaultRelayBatchSize),
		maxAttempts:  positiveInt(deps.MaxAttempts, defaultRelayMaxAttempts),
		concurrency:  positiveInt(deps.Concurrency, defaultRelayConcurrency),
		baseBackoff:  positiveDuration(deps.BaseBackoff, defaultRelayBaseBackoff),
		maxBackoff:   positiveDuration(deps.MaxBackoff, defaultRelayMaxBackoff),
		clock:        deps.Clock,
		logger:       deps.Logger,
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.logger == nil {
		r.logger = noopLogger
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	var err error
	if r.published, err = meter.Int64Counter("outbox.published", metric.WithDescription("Outbox messages delivered to the broker")); err != nil {
		return nil, err
	}
	if r.failed, err = meter.Int64Counter("outbox.failed", metric.WithDescription("Outbox delivery attempts that failed")); err != nil {
		return nil, err
	}
	return r, nil
}

// Run relays batches until ctx is canceled. A full batch is followed immediately by the next one.
func (r *OutboxRelay) Run(ctx context.Context) error {
	r.logger(ctx, "outbox.relay_started", map[string]any{
		"poll_interval": r.pollInterval.String(),
		"batch_size":    r.batchSize,
		"concurrency":   r.concurrency,
	})

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger(context.WithoutCancel(ctx), "outbox.relay_stopped", nil)
			return nil
		case <-timer.C:
		}

		stats, err := r.RelayOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger(ctx, "outbox.relay_failed", map[string]any{"error": err})
		}
		next := r.pollInterval
		if err == nil && stats.Claimed == r.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

type deliveryResult struct {
	msg repositories.OutboxMessage
	err error
}

// RelayOnce claims one batch, publishes it, and settles every claimed row in the same transaction.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (stats RelayStats, err error) {
	ctx, span := startSpan(ctx, "outbox.relay_batch")
	defer func() {
		span.SetAttributes(
			attribute.Int("outbox.claimed", stats.Claimed),
			attribute.Int("outbox.published", stats.Published),
			attribute.Int("outbox.failed", stats.Failed),
		)
		endSpan(span, err)
	}()

	err = r.unitOfWork.RunInTx(ctx, func(ctx context.Context, tx repositories.Tx) error {
		now := r.clock().UTC()
		messages, err := tx.Outbox().ClaimPending(ctx, now, r.maxAttempts, r.batchSize)
		if err != nil {
			return err
		}
		stats = RelayStats{Claimed: len(messages)}
		if len(messages) == 0 {
			return nil
		}

		results := r.publishAll(ctx, messages)

		for _, res := range results {
			if res.err == nil {
				if err := tx.Outbox().Delete(ctx, res.msg.ID); err != nil {
					return err
				}
				stats.Published++
				continue
			}

			attempts := res.msg.Attempts + 1
			stats.Failed++
			if attempts >= r.maxAttempts {
				stats.Abandoned++
				r.logger(ctx, "outbox.abandoned", map[string]any{
					"outbox_id":  res.msg.ID,
					"event_type": res.msg.EventType,
					"attempts":   attempts,
					"error":      res.err,
				})
			}
			lastErr := truncateErrorText(res.err.Error(), maxLastErrorLength)
			if err := tx.Outbox().Reschedule(ctx, res.msg.ID, attempts, lastErr, now.Add(r.backoff(attempts))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return RelayStats{}, err
	}

	attrs := metric.WithAttributes(attribute.String("publisher", "outbox"))
	r.published.Add(ctx, int64(stats.Published), attrs)
	r.failed.Add(ctx, int64(stats.Failed), attrs)
	return stats, nil
}

func (r *OutboxRelay) publishAll(ctx context.Context, messages []repositories.OutboxMessage) []deliveryResult {
	results := make([]deliveryResult, len(messages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, msg := range messages {
		g.Go(func() error {
			err := r.publisher.Publish(gctx, OutboundMessage{
				ID:        msg.ID,
				Topic:     msg.Topic,
				EventType: msg.EventType,
				Key:       msg.Key,
				Payload:   msg.Payload,
				CreatedAt: msg.CreatedAt,
			})
			results[i] = deliveryResult{msg: msg, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// backoff doubles per attempt starting at baseBackoff, capped at maxBackoff.
func (r *OutboxRelay) backoff(attempts int) time.Duration {
	delay := float64(r.baseBackoff) * math.Pow(2, float64(attempts-1))
	if delay > float64(r.maxBackoff) {
		return r.maxBackoff
	}
	return time.Duration(delay)
}

// truncateErrorText returns valid UTF-8 without NUL bytes, cut to at most limit bytes on a rune boundary.
func truncateErrorText(text string, limit int) string {
	text = strings.ReplaceAll(strings.ToValidUTF8(text, ""), "\x00", "")
	if len(text) <= limit {
		return text
	}
	text = text[:limit]
	for len(text) > 0 {
		r, size := utf8.DecodeLastRuneInString(text)
		if r != utf8.RuneError || size > 1 {
			break
		}
		text = text[:len(text)-1]
	}
	return text
}

func positiveDuration(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}

func positiveInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
