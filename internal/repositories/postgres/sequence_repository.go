package postgres

import (
	"context"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

const sequencesTable = "number_sequences"

// SequenceRepository implements repositories.NumberSequenceRepository with row level locks.
type SequenceRepository struct {
	conn ppostgres.Conn
}

// NewSequenceRepository binds a sequence repository to the given connection.
func NewSequenceRepository(conn ppostgres.Conn) *SequenceRepository {
	return &SequenceRepository{conn: conn}
}

// Create inserts a new sequence. A second sequence for the same shop and purpose is rejected.
func (r *SequenceRepository) Create(ctx context.Context, sequence domain.NumberSequence) error {
	if err := validateSequenceKey(sequence.ShopID, sequence.Purpose); err != nil {
		return err
	}
	if sequence.Value < 0 {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "initial value must not be negative", nil)
	}

	query, args, err := psql.Insert(sequencesTable).
		Columns("shop_id", "purpose", "prefix", "value").
		Values(sequence.ShopID, string(sequence.Purpose), sequence.Prefix, sequence.Value).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		if UniqueViolation(err, "") {
			seqErr := repositories.NewSequenceError(repositories.SequenceErrorAlreadyExists,
				"sequence already exists for shop "+sequence.ShopID+" and purpose "+string(sequence.Purpose), err)
			seqErr.Op = "sequences.create"
			return seqErr
		}
		return wrapError("sequences.create", err)
	}
	return nil
}

// Find returns the sequence without changing it.
func (r *SequenceRepository) Find(ctx context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error) {
	if err := validateSequenceKey(shopID, purpose); err != nil {
		return domain.NumberSequence{}, err
	}
	query, args, err := selectSequence(shopID, purpose).ToSql()
	if err != nil {
		return domain.NumberSequence{}, err
	}
	seq, err := scanSequence(r.conn.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NumberSequence{}, notFound("sequences.find", "no sequence for shop %q and purpose %q", shopID, purpose)
	}
	if err != nil {
		return domain.NumberSequence{}, wrapError("sequences.find", err)
	}
	return seq, nil
}

// Increment locks the (shop, purpose) row with SELECT ... FOR UPDATE, advances the value and commits.
// When called on a transaction the work runs in a savepoint and the lock is held until the caller commits.
func (r *SequenceRepository) Increment(ctx context.Context, shopID string, purpose domain.Purpose) (domain.NumberSequence, error) {
	if err := validateSequenceKey(shopID, purpose); err != nil {
		return domain.NumberSequence{}, err
	}

	tx, err := r.conn.Begin(ctx)
	if err != nil {
		return domain.NumberSequence{}, wrapError("sequences.increment", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	query, args, err := selectSequence(shopID, purpose).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return domain.NumberSequence{}, err
	}
	seq, err := scanSequence(tx.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NumberSequence{}, repositories.SequenceNotConfigured("sequences.increment", shopID, purpose)
	}
	if err != nil {
		return domain.NumberSequence{}, wrapError("sequences.increment", err)
	}

	seq.Value++
	update, args, err := psql.Update(sequencesTable).
		Set("value", seq.Value).
		Where(sq.Eq{"shop_id": shopID, "purpose": string(purpose)}).
		ToSql()
	if err != nil {
		return domain.NumberSequence{}, err
	}
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		return domain.NumberSequence{}, wrapError("sequences.increment", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.NumberSequence{}, wrapError("sequences.increment", err)
	}
	return seq, nil
}

func selectSequence(shopID string, purpose domain.Purpose) sq.SelectBuilder {
	return psql.Select("shop_id", "purpose", "prefix", "value").
		From(sequencesTable).
		Where(sq.Eq{"shop_id": shopID, "purpose": string(purpose)})
}

func scanSequence(row pgx.Row) (domain.NumberSequence, error) {
	var (
		seq     domain.NumberSequence
		purpose string
	)
	if err := row.Scan(&seq.ShopID, &purpose, &seq.Prefix, &seq.Value); err != nil {
		return domain.NumberSequence{}, err
	}
	seq.Purpose = domain.Purpose(purpose)
	return seq, nil
}

func validateSequenceKey(shopID string, purpose domain.Purpose) error {
	if strings.TrimSpace(shopID) == "" {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "shop id is required", nil)
	}
	if !purpose.Valid() {
		return repositories.NewSequenceError(repositories.SequenceErrorInvalidInput, "unknown purpose "+string(purpose), nil)
	}
	return nil
}
