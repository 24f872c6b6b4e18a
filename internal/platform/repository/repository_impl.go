package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) CountSubscriptionsByStatus(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		Status string
		Total  int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(1) AS total
		 FROM subscriptions
		 GROUP BY status`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Status] = row.Total
	}
	return out, nil
}

func (r *repo) SumMonthlyPriceCents(ctx context.Context, db *gorm.DB, statuses []string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(p.monthly_price_cents), 0)
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.status IN ?`,
		statuses,
	).Scan(&total).Error
	return total, err
}

func (r *repo) CountDistinctOrgs(ctx context.Context, db *gorm.DB, statuses []string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT org_id)
		 FROM subscriptions
		 WHERE status IN ?`,
		statuses,
	).Scan(&total).Error
	return total, err
}

func (r *repo) CountCreatedBefore(ctx context.Context, db *gorm.DB, statuses []string, before time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE status IN ? AND created_at <= ?`,
		statuses,
		before.UTC(),
	).Scan(&total).Error
	return total, err
}

func (r *repo) CountCanceledBetween(ctx context.Context, db *gorm.DB, start, end time.Time) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM subscriptions
		 WHERE status = 'canceled' AND updated_at >= ? AND updated_at <= ?`,
		start.UTC(),
		end.UTC(),
	).Scan(&total).Error
	return total, err
}

func (r *repo) ListOrgIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error) {
	var ids []int64
	if err := db.WithContext(ctx).Raw(`SELECT id FROM organizations ORDER BY id ASC`).Scan(&ids).Error; err != nil {
		return nil, err
	}
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		out = append(out, snowflake.ID(id))
	}
	return out, nil
}
