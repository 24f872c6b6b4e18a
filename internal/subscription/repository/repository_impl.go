package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, org_id, plan_id, stripe_subscription_id, stripe_customer_id, status,
	current_period_start, current_period_end, cancel_at_period_end, grace_period_until,
	created_at, updated_at`

func (r *repo) FindByStripeID(ctx context.Context, db *gorm.DB, stripeSubscriptionID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE stripe_subscription_id = ?
		 LIMIT 1`,
		stripeSubscriptionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// FindLiveByOrg returns the most recently touched subscription that still
// grants entitlements.
func (r *repo) FindLiveByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE org_id = ? AND status IN ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT 1`,
		orgID,
		domain.LiveStatuses,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stripe_subscription_id) DO UPDATE SET
			org_id = excluded.org_id,
			plan_id = excluded.plan_id,
			stripe_customer_id = excluded.stripe_customer_id,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			grace_period_until = excluded.grace_period_until,
			updated_at = excluded.updated_at`,
		sub.ID,
		sub.OrgID,
		sub.PlanID,
		sub.StripeSubscriptionID,
		sub.StripeCustomerID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.GracePeriodUntil,
		sub.CreatedAt,
		sub.UpdatedAt,
	).Error
}

func (r *repo) UpdateState(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.StateUpdate) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, status = ?, current_period_start = ?, current_period_end = ?,
			cancel_at_period_end = ?, grace_period_until = ?, updated_at = ?
		 WHERE id = ?`,
		update.PlanID,
		update.Status,
		update.CurrentPeriodStart,
		update.CurrentPeriodEnd,
		update.CancelAtPeriodEnd,
		update.GracePeriodUntil,
		update.UpdatedAt,
		id,
	).Error
}

func (r *repo) SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, graceUntil *time.Time, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, grace_period_until = ?, updated_at = ?
		 WHERE id = ?`,
		status,
		graceUntil,
		at,
		id,
	).Error
}

func (r *repo) ListLiveOrgIDsByPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]snowflake.ID, error) {
	var ids []int64
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT org_id
		 FROM subscriptions
		 WHERE plan_id = ? AND status IN ?
		 ORDER BY org_id ASC`,
		planID,
		domain.LiveStatuses,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]*domain.Subscription, error) {
	var items []*domain.Subscription
	stmt := db.WithContext(ctx).Model(&domain.Subscription{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.OrgID != nil {
		stmt = stmt.Where("org_id = ?", *filter.OrgID)
	}
	if filter.Cursor != nil {
		stmt = stmt.Where("(created_at < ?) OR (created_at = ? AND id < ?)",
			filter.Cursor.CreatedAt.UTC(),
			filter.Cursor.CreatedAt.UTC(),
			filter.Cursor.ID.Int64(),
		)
	}

	stmt = stmt.Order("created_at desc, id desc")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	if err := stmt.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
