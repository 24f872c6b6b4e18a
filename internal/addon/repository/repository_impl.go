package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/addon/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const addonColumns = `id, code, name, active, stripe_price_id, created_at, updated_at`

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Addon, error) {
	var items []domain.Addon
	err := db.WithContext(ctx).Raw(
		`SELECT ` + addonColumns + ` FROM addons ORDER BY code ASC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Addon, error) {
	var item domain.Addon
	err := db.WithContext(ctx).Raw(
		`SELECT `+addonColumns+` FROM addons WHERE code = ? LIMIT 1`,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindActiveByStripePriceIDs(ctx context.Context, db *gorm.DB, priceIDs []string) ([]domain.Addon, error) {
	if len(priceIDs) == 0 {
		return nil, nil
	}
	var items []domain.Addon
	err := db.WithContext(ctx).Raw(
		`SELECT `+addonColumns+`
		 FROM addons
		 WHERE stripe_price_id IN ? AND active = ?`,
		priceIDs,
		true,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, addon *domain.Addon) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO addons (`+addonColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		addon.ID,
		addon.Code,
		addon.Name,
		addon.Active,
		addon.StripePriceID,
		addon.CreatedAt,
		addon.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, addon *domain.Addon) error {
	return db.WithContext(ctx).Exec(
		`UPDATE addons SET name = ?, active = ?, stripe_price_id = ?, updated_at = ? WHERE id = ?`,
		addon.Name,
		addon.Active,
		addon.StripePriceID,
		addon.UpdatedAt,
		addon.ID,
	).Error
}

func (r *repo) ListActiveForOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]domain.OrgAddon, error) {
	var items []domain.OrgAddon
	err := db.WithContext(ctx).Raw(
		`SELECT oa.id, oa.org_id, oa.addon_id, a.code, oa.status, oa.quantity
		 FROM org_addons oa
		 JOIN addons a ON a.id = oa.addon_id
		 WHERE oa.org_id = ? AND oa.status = ?
		 ORDER BY a.code ASC`,
		orgID,
		domain.OrgAddonStatusActive,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
