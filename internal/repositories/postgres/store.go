package postgres

import (
	"context"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// store hands out repositories bound to one connection, pool, or transaction.
type store struct {
	conn ppostgres.Conn
}

func (s store) Sequences() repositories.NumberSequenceRepository {
	return &SequenceRepository{conn: s.conn}
}

func (s store) Orders() repositories.OrderRepository {
	return &OrderRepository{conn: s.conn}
}

func (s store) LineItems() repositories.LineItemRepository {
	return &LineItemRepository{conn: s.conn}
}

func (s store) OrderLog() repositories.OrderLogRepository {
	return &OrderLogRepository{conn: s.conn}
}

func (s store) Payments() repositories.PaymentRepository {
	return &PaymentRepository{conn: s.conn}
}

func (s store) Articles() repositories.ArticleRepository {
	return &ArticleRepository{conn: s.conn}
}

func (s store) TicketCategories() repositories.TicketCategoryRepository {
	return &TicketCategoryRepository{conn: s.conn}
}

func (s store) Tickets() repositories.TicketRepository {
	return &TicketRepository{conn: s.conn}
}

func (s store) TicketBundles() repositories.TicketBundleRepository {
	return &TicketBundleRepository{conn: s.conn}
}

func (s store) OrderActions() repositories.OrderActionRepository {
	return &OrderActionRepository{conn: s.conn}
}

func (s store) BadgeAwardings() repositories.BadgeAwardingRepository {
	return &BadgeAwardingRepository{conn: s.conn}
}

func (s store) Outbox() repositories.OutboxRepository {
	return &OutboxRepository{conn: s.conn}
}

type txStore struct {
	store
	tx pgx.Tx
}

var _ repositories.Tx = (*txStore)(nil)

// Savepoint runs fn in a pgx pseudo nested transaction backed by SAVEPOINT.
func (t *txStore) Savepoint(ctx context.Context, fn func(ctx context.Context, tx repositories.Tx) error) error {
	nested, err := t.tx.Begin(ctx)
	if err != nil {
		return wrapError("savepoint.begin", err)
	}
	if err := fn(ctx, &txStore{store: store{conn: nested}, tx: nested}); err != nil {
		_ = nested.Rollback(ctx)
		return err
	}
	return wrapError("savepoint.release", nested.Commit(ctx))
}

// Registry implements repositories.Registry on top of a PostgreSQL pool.
type Registry struct {
	store
	client *ppostgres.Client
	txOpts pgx.TxOptions
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds repositories that share the client's pool.
func NewRegistry(client *ppostgres.Client) (*Registry, error) {
	if client == nil || client.Pool() == nil {
		return nil, errors.New("postgres registry: client is required")
	}
	return &Registry{
		store:  store{conn: client.Pool()},
		client: client,
		txOpts: pgx.TxOptions{IsoLevel: pgx.ReadCommitted},
	}, nil
}

// RunInTx executes fn in a transaction that commits when fn returns nil.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.Tx) error) error {
	if fn == nil {
		return errors.New("postgres registry: transaction function is nil")
	}
	tx, err := r.client.Pool().BeginTx(ctx, r.txOpts)
	if err != nil {
		return wrapError("tx.begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(ctx, &txStore{store: store{conn: tx}, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError("tx.commit", err)
	}
	committed = true
	return nil
}

// Close releases the pool.
func (r *Registry) Close(context.Context) error {
	r.client.Close()
	return nil
}
