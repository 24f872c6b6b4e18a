package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const planColumns = `id, code, name, active, monthly_price_cents, stripe_product_id,
	stripe_price_id, created_at, updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Plan, error) {
	return r.findOne(ctx, db, `SELECT `+planColumns+` FROM plans WHERE id = ? LIMIT 1`, id)
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Plan, error) {
	return r.findOne(ctx, db, `SELECT `+planColumns+` FROM plans WHERE code = ? LIMIT 1`, code)
}

func (r *repo) FindActiveByStripePriceID(ctx context.Context, db *gorm.DB, priceID string) (*domain.Plan, error) {
	return r.findOne(ctx, db,
		`SELECT `+planColumns+` FROM plans WHERE stripe_price_id = ? AND active = ? LIMIT 1`,
		priceID, true,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Plan, error) {
	var item domain.Plan
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Plan, error) {
	var items []domain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT ` + planColumns + ` FROM plans ORDER BY monthly_price_cents ASC, code ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plans (`+planColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Code,
		plan.Name,
		plan.Active,
		plan.MonthlyPriceCents,
		plan.StripeProductID,
		plan.StripePriceID,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return db.WithContext(ctx).Exec(
		`UPDATE plans
		 SET name = ?, active = ?, monthly_price_cents = ?, stripe_product_id = ?,
			stripe_price_id = ?, updated_at = ?
		 WHERE id = ?`,
		plan.Name,
		plan.Active,
		plan.MonthlyPriceCents,
		plan.StripeProductID,
		plan.StripePriceID,
		plan.UpdatedAt,
		plan.ID,
	).Error
}

func (r *repo) ListLimits(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]domain.Limit, error) {
	var items []domain.Limit
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, key, value, value_text, created_at, updated_at
		 FROM plan_limits
		 WHERE plan_id = ?
		 ORDER BY key ASC`,
		planID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) UpsertLimit(ctx context.Context, db *gorm.DB, limit *domain.Limit) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO plan_limits (id, plan_id, key, value, value_text, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (plan_id, key) DO UPDATE SET
			value = excluded.value,
			value_text = excluded.value_text,
			updated_at = excluded.updated_at`,
		limit.ID,
		limit.PlanID,
		limit.Key,
		limit.Value,
		limit.ValueText,
		limit.CreatedAt,
		limit.UpdatedAt,
	).Error
}

func (r *repo) DeleteLimit(ctx context.Context, db *gorm.DB, planID snowflake.ID, key string) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM plan_limits WHERE plan_id = ? AND key = ?`,
		planID,
		key,
	).Error
}
