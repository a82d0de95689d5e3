package postgres

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
)

const paymentsTable = "order_payments"

// PaymentRepository implements repositories.PaymentRepository.
type PaymentRepository struct {
	conn ppostgres.Conn
}

func (r *PaymentRepository) Insert(ctx context.Context, payment domain.Payment) error {
	query, args, err := psql.Insert(paymentsTable).
		Columns("id", "order_id", "created_at", "method", "amount", "currency", "additional_data").
		Values(payment.ID, payment.OrderID, payment.CreatedAt, payment.Method, payment.Amount, payment.Currency, jsonObject(payment.AdditionalData)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("payments.insert", err)
	}
	return nil
}

func (r *PaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	query, args, err := psql.Select("id", "order_id", "created_at", "method", "amount", "currency", "additional_data").
		From(paymentsTable).
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("created_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("payments.list", err)
	}
	payments, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payment, error) {
		var p domain.Payment
		err := row.Scan(&p.ID, &p.OrderID, &p.CreatedAt, &p.Method, &p.Amount, &p.Currency, &p.AdditionalData)
		return p, err
	})
	if err != nil {
		return nil, wrapError("payments.list", err)
	}
	return payments, nil
}

func (r *PaymentRepository) DeleteByOrder(ctx context.Context, orderID string) error {
	query, args, err := psql.Delete(paymentsTable).Where(sq.Eq{"order_id": orderID}).ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("payments.delete", err)
	}
	return nil
}
