package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Snapshot, error) {
	var item domain.Snapshot
	err := db.WithContext(ctx).Raw(
		`SELECT org_id, plan_code, status, limits, addons, updated_at
		 FROM entitlements
		 WHERE org_id = ?
		 LIMIT 1`,
		orgID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.OrgID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Upsert replaces the whole snapshot in a single statement.
func (r *repo) Upsert(ctx context.Context, db *gorm.DB, snapshot *domain.Snapshot) error {
	limits := snapshot.Limits
	if limits == nil {
		limits = datatypes.JSONMap{}
	}
	addons := snapshot.Addons
	if addons == nil {
		addons = datatypes.JSONMap{}
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO entitlements (org_id, plan_code, status, limits, addons, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id) DO UPDATE SET
			plan_code = excluded.plan_code,
			status = excluded.status,
			limits = excluded.limits,
			addons = excluded.addons,
			updated_at = excluded.updated_at`,
		snapshot.OrgID,
		snapshot.PlanCode,
		snapshot.Status,
		limits,
		addons,
		snapshot.UpdatedAt,
	).Error
}

func (r *repo) ListByOrgIDs(ctx context.Context, db *gorm.DB, orgIDs []snowflake.ID) ([]domain.Snapshot, error) {
	if len(orgIDs) == 0 {
		return []domain.Snapshot{}, nil
	}
	ids := make([]int64, 0, len(orgIDs))
	for _, id := range orgIDs {
		ids = append(ids, id.Int64())
	}
	var items []domain.Snapshot
	err := db.WithContext(ctx).Raw(
		`SELECT org_id, plan_code, status, limits, addons, updated_at
		 FROM entitlements
		 WHERE org_id IN ?`,
		ids,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
