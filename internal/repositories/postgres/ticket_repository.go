package postgres

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
)

const (
	ticketsTable          = "tickets"
	ticketBundlesTable    = "ticket_bundles"
	ticketCategoriesTable = "ticket_categories"

	// TicketCodeConstraint is the unique constraint guarding ticket codes.
	TicketCodeConstraint = "tickets_code_key"
)

var ticketColumns = []string{"id", "code", "category_id", "owned_by", "bundle_id", "order_number", "created_at", "revoked"}

// TicketCategoryRepository implements repositories.TicketCategoryRepository.
type TicketCategoryRepository struct {
	conn ppostgres.Conn
}

// Insert stores a category. Categories are managed by party administration; this serves seeding.
func (r *TicketCategoryRepository) Insert(ctx context.Context, category domain.TicketCategory) error {
	query, args, err := psql.Insert(ticketCategoriesTable).
		Columns("id", "party_id", "title").
		Values(category.ID, category.PartyID, category.Title).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("ticket_categories.insert", err)
	}
	return nil
}

func (r *TicketCategoryRepository) FindByID(ctx context.Context, categoryID uuid.UUID) (domain.TicketCategory, error) {
	query, args, err := psql.Select("id", "party_id", "title").
		From(ticketCategoriesTable).
		Where(sq.Eq{"id": categoryID}).
		ToSql()
	if err != nil {
		return domain.TicketCategory{}, err
	}
	var category domain.TicketCategory
	err = r.conn.QueryRow(ctx, query, args...).Scan(&category.ID, &category.PartyID, &category.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TicketCategory{}, notFound("ticket_categories.find", "ticket category %s not found", categoryID)
	}
	if err != nil {
		return domain.TicketCategory{}, wrapError("ticket_categories.find", err)
	}
	return category, nil
}

// TicketRepository implements repositories.TicketRepository.
type TicketRepository struct {
	conn ppostgres.Conn
}

// InsertMany writes all tickets with a single statement, so a duplicate code rejects the whole batch.
func (r *TicketRepository) InsertMany(ctx context.Context, tickets []domain.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	builder := psql.Insert(ticketsTable).Columns(ticketColumns...)
	for _, t := range tickets {
		builder = builder.Values(t.ID, t.Code, t.CategoryID, t.OwnedBy, t.BundleID, t.OrderNumber, t.CreatedAt, t.Revoked)
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("tickets.insert", err)
	}
	return nil
}

func (r *TicketRepository) ListByOrderNumber(ctx context.Context, orderNumber string) ([]domain.Ticket, error) {
	return r.list(ctx, "tickets.list_by_order", sq.Eq{"order_number": orderNumber})
}

func (r *TicketRepository) listByBundle(ctx context.Context, bundleID uuid.UUID) ([]domain.Ticket, error) {
	return r.list(ctx, "tickets.list_by_bundle", sq.Eq{"bundle_id": bundleID})
}

func (r *TicketRepository) list(ctx context.Context, op string, pred sq.Eq) ([]domain.Ticket, error) {
	query, args, err := psql.Select(ticketColumns...).
		From(ticketsTable).
		Where(pred).
		OrderBy("created_at", "code").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(op, err)
	}
	tickets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Ticket, error) {
		var t domain.Ticket
		err := row.Scan(&t.ID, &t.Code, &t.CategoryID, &t.OwnedBy, &t.BundleID, &t.OrderNumber, &t.CreatedAt, &t.Revoked)
		return t, err
	})
	if err != nil {
		return nil, wrapError(op, err)
	}
	return tickets, nil
}

// Revoke flags tickets that are not yet revoked and returns their IDs.
func (r *TicketRepository) Revoke(ctx context.Context, ticketIDs []uuid.UUID) ([]uuid.UUID, error) {
	return revokeReturning(ctx, r.conn, "tickets.revoke", ticketsTable, ticketIDs)
}

// TicketBundleRepository implements repositories.TicketBundleRepository.
type TicketBundleRepository struct {
	conn ppostgres.Conn
}

// Insert stores the bundle row. Its tickets are inserted through TicketRepository.
func (r *TicketBundleRepository) Insert(ctx context.Context, bundle domain.TicketBundle) error {
	query, args, err := psql.Insert(ticketBundlesTable).
		Columns("id", "created_at", "category_id", "ticket_quantity", "owned_by", "label", "order_number", "revoked").
		Values(bundle.ID, bundle.CreatedAt, bundle.CategoryID, bundle.TicketQuantity, bundle.OwnedBy, bundle.Label, bundle.OrderNumber, bundle.Revoked).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("ticket_bundles.insert", err)
	}
	return nil
}

// FindByID loads the bundle with its tickets.
func (r *TicketBundleRepository) FindByID(ctx context.Context, bundleID uuid.UUID) (domain.TicketBundle, error) {
	query, args, err := psql.Select("id", "created_at", "category_id", "ticket_quantity", "owned_by", "label", "order_number", "revoked").
		From(ticketBundlesTable).
		Where(sq.Eq{"id": bundleID}).
		ToSql()
	if err != nil {
		return domain.TicketBundle{}, err
	}
	var b domain.TicketBundle
	err = r.conn.QueryRow(ctx, query, args...).Scan(&b.ID, &b.CreatedAt, &b.CategoryID, &b.TicketQuantity, &b.OwnedBy, &b.Label, &b.OrderNumber, &b.Revoked)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.TicketBundle{}, notFound("ticket_bundles.find", "ticket bundle %s not found", bundleID)
	}
	if err != nil {
		return domain.TicketBundle{}, wrapError("ticket_bundles.find", err)
	}

	tickets, err := (&TicketRepository{conn: r.conn}).listByBundle(ctx, bundleID)
	if err != nil {
		return domain.TicketBundle{}, err
	}
	b.Tickets = tickets
	return b, nil
}

// Revoke flags the bundles and every ticket they contain.
func (r *TicketBundleRepository) Revoke(ctx context.Context, bundleIDs []uuid.UUID) ([]uuid.UUID, error) {
	revoked, err := revokeReturning(ctx, r.conn, "ticket_bundles.revoke", ticketBundlesTable, bundleIDs)
	if err != nil || len(bundleIDs) == 0 {
		return revoked, err
	}

	query, args, err := psql.Update(ticketsTable).
		Set("revoked", true).
		Where(sq.Expr("bundle_id = ANY(?)", bundleIDs)).
		Where(sq.Eq{"revoked": false}).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return nil, wrapError("ticket_bundles.revoke_tickets", err)
	}
	return revoked, nil
}

func revokeReturning(ctx context.Context, conn ppostgres.Conn, op, table string, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := psql.Update(table).
		Set("revoked", true).
		Where(sq.Expr("id = ANY(?)", ids)).
		Where(sq.Eq{"revoked": false}).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError(op, err)
	}
	revoked, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, wrapError(op, err)
	}
	return revoked, nil
}
