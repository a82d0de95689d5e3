package postgres

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	domain "github.com/hanko-field/orders/internal/domain"
	ppostgres "github.com/hanko-field/orders/internal/platform/postgres"
)

const (
	orderActionsTable   = "order_actions"
	badgeAwardingsTable = "user_badge_awardings"
)

// OrderActionRepository implements repositories.OrderActionRepository.
type OrderActionRepository struct {
	conn ppostgres.Conn
}

func (r *OrderActionRepository) Insert(ctx context.Context, action domain.OrderAction) error {
	query, args, err := psql.Insert(orderActionsTable).
		Columns("id", "article_number", "procedure", "parameters").
		Values(action.ID, action.ArticleNumber, action.Procedure, jsonObject(action.Parameters)).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("order_actions.insert", err)
	}
	return nil
}

// ListByArticleNumbers returns actions bound to any of the article numbers, grouped by article number.
func (r *OrderActionRepository) ListByArticleNumbers(ctx context.Context, articleNumbers []string) ([]domain.OrderAction, error) {
	if len(articleNumbers) == 0 {
		return nil, nil
	}
	query, args, err := psql.Select("id", "article_number", "procedure", "parameters").
		From(orderActionsTable).
		Where(sq.Eq{"article_number": articleNumbers}).
		OrderBy("article_number", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("order_actions.list", err)
	}
	actions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OrderAction, error) {
		var a domain.OrderAction
		err := row.Scan(&a.ID, &a.ArticleNumber, &a.Procedure, &a.Parameters)
		return a, err
	})
	if err != nil {
		return nil, wrapError("order_actions.list", err)
	}
	return actions, nil
}

// BadgeAwardingRepository implements repositories.BadgeAwardingRepository.
type BadgeAwardingRepository struct {
	conn ppostgres.Conn
}

func (r *BadgeAwardingRepository) Insert(ctx context.Context, awarding domain.BadgeAwarding) error {
	query, args, err := psql.Insert(badgeAwardingsTable).
		Columns("id", "badge_id", "user_id", "awarded_at").
		Values(awarding.ID, awarding.BadgeID, awarding.UserID, awarding.AwardedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := r.conn.Exec(ctx, query, args...); err != nil {
		return wrapError("badge_awardings.insert", err)
	}
	return nil
}

func (r *BadgeAwardingRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.BadgeAwarding, error) {
	query, args, err := psql.Select("id", "badge_id", "user_id", "awarded_at").
		From(badgeAwardingsTable).
		Where(sq.Eq{"user_id": userID}).
		OrderBy("awarded_at").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapError("badge_awardings.list", err)
	}
	awardings, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.BadgeAwarding, error) {
		var a domain.BadgeAwarding
		err := row.Scan(&a.ID, &a.BadgeID, &a.UserID, &a.AwardedAt)
		return a, err
	})
	if err != nil {
		return nil, wrapError("badge_awardings.list", err)
	}
	return awardings, nil
}
