package postgres

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
)

const orderLogTable = "order_log_entries"

// OrderLogRepository implements repositories.OrderLogRepository.
type OrderLogRepository struct {
	conn ppostgres.Conn
}

// Append inserts the entries in one statement.
func (r *OrderLogRepository) Append(ctx context.Context, entries ...domain.OrderLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	builder := psql.Insert(orderLogTable).Columns("id", "order_id", "occurred_at", "event_type", "data")
	for _, entry := range entries {
		builder = builder.Values(entry.ID, entry.OrderID, entry.OccurredAt, string(entry.EventType), jsonObject(entry.Data))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("order_log.append", err)
	}
	return nil
}

// ListByOrder returns entries oldest first.
func (r *OrderLogRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.OrderLogEntry, error) {
	query, args, err := psql.Select("id", "order_id", "occurred_at", "event_type", "data").
		From(orderLogTable).
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("occurred_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("order_log.list", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderLogEntry, error) {
		var (
			entry     domain.OrderLogEntry
			eventType string
		)
		if err := row.Scan(&entry.ID, &entry.OrderID, &entry.OccurredAt, &eventType, &entry.Data); err != nil {
			return domain.OrderLogEntry{}, err
		}
		entry.EventType = domain.OrderLogEventType(eventType)
		return entry, nil
	})
	if err != nil {
		return nil, wrapError("order_log.list", err)
	}
	return entries, nil
}

// DeleteByOrder removes the order's audit trail.
func (r *OrderLogRepository) DeleteByOrder(ctx context.Context, orderID string) error {
	query, args, err := psql.Delete(orderLogTable).Where(sq.Eq{"order_id": orderID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("order_log.delete", err)
	}
	return nil
}
