package postgres

import (
	"context"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
)

const lineItemsTable = "line_items"

var lineItemColumns = []string{
	"id", "order_id", "order_number", "article_id", "article_number", "article_type", "description",
	"unit_price", "tax_rate", "quantity", "line_amount", "processing_required", "processing_result", "processed_at",
}

// LineItemRepository implements repositories.LineItemRepository.
type LineItemRepository struct {
	conn ppostgres.Conn
}

// InsertMany stores the items in slice order; position keeps that order on reads.
func (r *LineItemRepository) InsertMany(ctx context.Context, items []domain.LineItem) error {
	if len(items) == 0 {
		return nil
	}
	builder := psql.Insert(lineItemsTable).Columns(append(lineItemColumns, "position")...)
	for i, item := range items {
		builder = builder.Values(
			item.ID,
			item.OrderID,
			item.OrderNumber,
			item.ArticleID,
			item.ArticleNumber,
			string(item.ArticleType),
			item.Description,
			item.UnitPrice,
			item.TaxRate,
			item.Quantity,
			item.LineAmount,
			item.ProcessingRequired,
			item.ProcessingResult,
			item.ProcessedAt,
			i,
		)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("line_items.insert", err)
	}
	return nil
}

// FindByID loads a single line item.
func (r *LineItemRepository) FindByID(ctx context.Context, lineItemID string) (domain.LineItem, error) {
	return r.find(ctx, lineItemID, false)
}

// FindByIDForUpdate loads a line item and locks it until the transaction ends.
func (r *LineItemRepository) FindByIDForUpdate(ctx context.Context, lineItemID string) (domain.LineItem, error) {
	return r.find(ctx, lineItemID, true)
}

func (r *LineItemRepository) find(ctx context.Context, lineItemID string, lock bool) (domain.LineItem, error) {
	builder := psql.Select(lineItemColumns...).From(lineItemsTable).Where(sq.Eq{"id": lineItemID})
	if lock {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return domain.LineItem{}, err
	}
	item, err := scanLineItem(r.conn.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.LineItem{}, notFound("line_items.find", "line item %q not found", lineItemID)
	}
	if err != nil {
		return domain.LineItem{}, wrapError("line_items.find", err)
	}
	return item, nil
}

// ListByOrder returns the order's line items in placement order.
func (r *LineItemRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.LineItem, error) {
	query, args, err := psql.Select(lineItemColumns...).
		From(lineItemsTable).
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("position").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("line_items.list", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LineItem, error) {
		return scanLineItem(row)
	})
	if err != nil {
		return nil, wrapError("line_items.list", err)
	}
	return items, nil
}

// UpdateProcessingResult records the outcome of the line item's actions.
func (r *LineItemRepository) UpdateProcessingResult(ctx context.Context, lineItemID string, result map[string]any, processedAt time.Time) error {
	query, args, err := psql.Update(lineItemsTable).
		Set("processing_result", jsonObject(result)).
		Set("processed_at", processedAt).
		Where(sq.Eq{"id": lineItemID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("line_items.update_processing_result", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("line_items.update_processing_result", "line item %q not found", lineItemID)
	}
	return nil
}

// DeleteByOrder removes all line items of the order.
func (r *LineItemRepository) DeleteByOrder(ctx context.Context, orderID string) error {
	query, args, err := psql.Delete(lineItemsTable).Where(sq.Eq{"order_id": orderID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("line_items.delete", err)
	}
	return nil
}

func scanLineItem(row pgx.Row) (domain.LineItem, error) {
	var (
		item        domain.LineItem
		articleType string
	)
	err := row.Scan(
		&item.ID,
		&item.OrderID,
		&item.OrderNumber,
		&item.ArticleID,
		&item.ArticleNumber,
		&articleType,
		&item.Description,
		&item.UnitPrice,
		&item.TaxRate,
		&item.Quantity,
		&item.LineAmount,
		&item.ProcessingRequired,
		&item.ProcessingResult,
		&item.ProcessedAt,
	)
	if err != nil {
		return domain.LineItem{}, err
	}
	item.ArticleType = domain.ArticleType(articleType)
	return item, nil
}

// jsonObject keeps NOT NULL JSONB columns from receiving SQL NULL for nil maps.
func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
