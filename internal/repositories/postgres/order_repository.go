package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

const ordersTable = "orders"

var orderColumns = []string{
	"id", "shop_id", "order_number", "orderer_id", "orderer_screen_name", "currency", "total_amount",
	"payment_state", "payment_method", "payment_state_updated_at", "payment_state_updated_by",
	"cancellation_reason", "processed_at", "created_at",
}

// OrderRepository implements repositories.OrderRepository.
type OrderRepository struct {
	conn ppostgres.Conn
}

// Insert stores the order header. Line items are stored through LineItemRepository.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	query, args, err := psql.Insert(ordersTable).
		Columns(orderColumns...).
		Values(
			order.ID,
			order.ShopID,
			order.OrderNumber,
			order.Orderer.ID,
			order.Orderer.ScreenName,
			order.Currency,
			order.TotalAmount,
			string(order.PaymentState),
			order.PaymentMethod,
			order.PaymentStateUpdatedAt,
			order.PaymentStateUpdatedBy,
			order.CancellationReason,
			order.ProcessedAt,
			order.CreatedAt,
		).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads the order and its line items.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, false)
}

// FindByIDForUpdate loads the order while holding its row lock.
func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, true)
}

func (r *OrderRepository) find(ctx context.Context, orderID string, lock bool) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	builder := psql.Select(orderColumns...).From(ordersTable).Where(sq.Eq{"id": orderID})
	if lock {
		builder = builder.Suffix("FOR UPDATE")
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return domain.Order{}, err
	}

	order, err := scanOrder(r.conn.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, notFound("orders.find", "order %q not found", orderID)
	}
	if err != nil {
		return domain.Order{}, wrapError("orders.find", err)
	}

	items, err := (&LineItemRepository{conn: r.conn}).ListByOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	order.LineItems = items
	return order, nil
}

// UpdatePaymentState writes the columns changed by a payment-state transition.
func (r *OrderRepository) UpdatePaymentState(ctx context.Context, update repositories.PaymentStateUpdate) error {
	builder := psql.Update(ordersTable).
		Set("payment_state", string(update.State)).
		Set("payment_state_updated_at", update.UpdatedAt).
		Set("payment_state_updated_by", update.UpdatedBy).
		Where(sq.Eq{"id": update.OrderID})
	if update.PaymentMethod != nil {
		builder = builder.Set("payment_method", *update.PaymentMethod)
	}
	if update.CancellationReason != nil {
		builder = builder.Set("cancellation_reason", *update.CancellationReason)
	}
	return r.execOne(ctx, "orders.update_payment_state", update.OrderID, builder)
}

// UpdateProcessedAt sets or clears the shipped marker.
func (r *OrderRepository) UpdateProcessedAt(ctx context.Context, orderID string, processedAt *time.Time) error {
	builder := psql.Update(ordersTable).
		Set("processed_at", processedAt).
		Where(sq.Eq{"id": orderID})
	return r.execOne(ctx, "orders.update_processed_at", orderID, builder)
}

// Delete removes the order row. Dependent rows must be removed first.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	query, args, err := psql.Delete(ordersTable).Where(sq.Eq{"id": orderID}).ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("orders.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("orders.delete", "order %q not found", orderID)
	}
	return nil
}

func (r *OrderRepository) execOne(ctx context.Context, op, orderID string, builder sq.UpdateBuilder) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return wrapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, "order %q not found", orderID)
	}
	return nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		order     domain.Order
		state     string
		updatedBy *uuid.UUID
	)
	err := row.Scan(
		&order.ID,
		&order.ShopID,
		&order.OrderNumber,
		&order.Orderer.ID,
		&order.Orderer.ScreenName,
		&order.Currency,
		&order.TotalAmount,
		&state,
		&order.PaymentMethod,
		&order.PaymentStateUpdatedAt,
		&updatedBy,
		&order.CancellationReason,
		&order.ProcessedAt,
		&order.CreatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	order.PaymentState = domain.PaymentState(state)
	order.PaymentStateUpdatedBy = updatedBy
	order.CreatedAt = order.CreatedAt.UTC()
	return order, nil
}
