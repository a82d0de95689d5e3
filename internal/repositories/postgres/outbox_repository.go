package postgres

import (
	"context"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

const outboxTable = "outbox_messages"

var outboxColumns = []string{"id", "topic", "event_type", "message_key", "payload", "attempts", "last_error", "created_at", "next_attempt_at"}

// OutboxRepository implements repositories.OutboxRepository.
type OutboxRepository struct {
	conn ppostgres.Conn
}

func (r *OutboxRepository) Insert(ctx context.Context, msg repositories.OutboxMessage) error {
	query, args, err := psql.Insert(outboxTable).
		Columns(outboxColumns...).
		Values(msg.ID, msg.Topic, msg.EventType, msg.Key, json.RawMessage(msg.Payload), msg.Attempts, msg.LastError, msg.CreatedAt, msg.NextAttemptAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("outbox.insert", err)
	}
	return nil
}

// ClaimPending must run inside a transaction for the row locks to outlive the statement.
func (r *OutboxRepository) ClaimPending(ctx context.Context, now time.Time, maxAttempts int, limit int) ([]repositories.OutboxMessage, error) {
	builder := psql.Select(outboxColumns...).
		From(outboxTable).
		Where(sq.LtOrEq{"next_attempt_at": now}).
		OrderBy("next_attempt_at", "id").
		Suffix("FOR UPDATE SKIP LOCKED")
	if maxAttempts > 0 {
		builder = builder.Where(sq.Lt{"attempts": maxAttempts})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("outbox.claim", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (repositories.OutboxMessage, error) {
		var m repositories.OutboxMessage
		err := row.Scan(&m.ID, &m.Topic, &m.EventType, &m.Key, &m.Payload, &m.Attempts, &m.LastError, &m.CreatedAt, &m.NextAttemptAt)
		return m, err
	})
	if err != nil {
		return nil, wrapError("outbox.claim", err)
	}
	return msgs, nil
}

func (r *OutboxRepository) Delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete(outboxTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("outbox.delete", err)
	}
	return nil
}

func (r *OutboxRepository) Reschedule(ctx context.Context, id string, attempts int, lastError string, nextAttemptAt time.Time) error {
	query, args, err := psql.Update(outboxTable).
		Set("attempts", attempts).
		Set("last_error", lastError).
		Set("next_attempt_at", nextAttemptAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("outbox.reschedule", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("outbox.reschedule", "outbox message %q not found", id)
	}
	return nil
}
