package postgres

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
	"github.com/hanko-field/orders/internal/repositories"
)

const articlesTable = "articles"

var articleColumns = []string{
	"id", "shop_id", "item_number", "type", "type_params", "description",
	"price", "currency", "tax_rate", "quantity", "processing_required",
}

// ArticleRepository implements repositories.ArticleRepository.
type ArticleRepository struct {
	conn ppostgres.Conn
}

// ArticleNumberConstraint keeps article numbers unique within a shop.
const ArticleNumberConstraint = "articles_shop_item_number_key"

// Insert stores an article. The catalogue is owned elsewhere; this exists for seeding and tests.
func (r *ArticleRepository) Insert(ctx context.Context, article domain.Article) error {
	query, args, err := psql.Insert(articlesTable).
		Columns(articleColumns...).
		Values(
			article.ID,
			article.ShopID,
			article.ItemNumber,
			string(article.Type),
			jsonObject(article.TypeParams),
			article.Description,
			article.Price,
			article.Currency,
			article.TaxRate,
			article.Quantity,
			article.ProcessingRequired,
		).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("articles.insert", err)
	}
	return nil
}

func (r *ArticleRepository) FindByID(ctx context.Context, articleID uuid.UUID) (domain.Article, error) {
	query, args, err := psql.Select(articleColumns...).From(articlesTable).Where(sq.Eq{"id": articleID}).ToSql()
	if err != nil {
		return domain.Article{}, err
	}
	var (
		article     domain.Article
		articleType string
	)
	err = r.conn.QueryRow(ctx, query, args...).Scan(
		&article.ID,
		&article.ShopID,
		&article.ItemNumber,
		&articleType,
		&article.TypeParams,
		&article.Description,
		&article.Price,
		&article.Currency,
		&article.TaxRate,
		&article.Quantity,
		&article.ProcessingRequired,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Article{}, notFound("articles.find", "article %s not found", articleID)
	}
	if err != nil {
		return domain.Article{}, wrapError("articles.find", err)
	}
	article.Type = domain.ArticleType(articleType)
	return article, nil
}

// IncreaseQuantity returns units to stock.
func (r *ArticleRepository) IncreaseQuantity(ctx context.Context, articleID uuid.UUID, amount int) error {
	if amount < 0 {
		return fmt.Errorf("articles.increase_quantity: amount must not be negative")
	}
	query, args, err := psql.Update(articlesTable).
		Set("quantity", sq.Expr("quantity + ?", amount)).
		Where(sq.Eq{"id": articleID}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("articles.increase_quantity", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("articles.increase_quantity", "article %s not found", articleID)
	}
	return nil
}

// DecreaseQuantity reserves units. The guard runs in the UPDATE so concurrent orders cannot oversell.
func (r *ArticleRepository) DecreaseQuantity(ctx context.Context, articleID uuid.UUID, amount int) error {
	if amount < 0 {
		return fmt.Errorf("articles.decrease_quantity: amount must not be negative")
	}
	query, args, err := psql.Update(articlesTable).
		Set("quantity", sq.Expr("quantity - ?", amount)).
		Where(sq.Eq{"id": articleID}).
		Where(sq.GtOrEq{"quantity": amount}).
		ToSql()
	if err != nil {
		return err
	}
	tag, err := r.conn.Exec(ctx, query, args...)
	if err != nil {
		return wrapError("articles.decrease_quantity", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := r.FindByID(ctx, articleID); err != nil {
		return err
	}
	return repositories.ErrInsufficientQuantity
}
