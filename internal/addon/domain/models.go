package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const OrgAddonStatusActive = "active"

type Addon struct {
	ID            snowflake.ID `json:"id"`
	Code          string       `json:"code"`
	Name          string       `json:"name"`
	Active        bool         `json:"active"`
	StripePriceID *string      `json:"stripe_price_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OrgAddon is a tenant's purchased add-on joined with its catalog code.
// Quantity is only meaningful for metered add-ons.
type OrgAddon struct {
	ID       snowflake.ID `json:"id"`
	OrgID    snowflake.ID `json:"org_id"`
	AddonID  snowflake.ID `json:"addon_id"`
	Code     string       `json:"code"`
	Status   string       `json:"status"`
	Quantity *int         `json:"quantity,omitempty"`
}

type Repository interface {
	List(ctx context.Context, db *gorm.DB) ([]Addon, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Addon, error)
	FindActiveByStripePriceIDs(ctx context.Context, db *gorm.DB, priceIDs []string) ([]Addon, error)
	Insert(ctx context.Context, db *gorm.DB, addon *Addon) error
	Update(ctx context.Context, db *gorm.DB, addon *Addon) error
	ListActiveForOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]OrgAddon, error)
}

type Service interface {
	List(ctx context.Context) ([]Addon, error)
	// ResolveByPriceIDs returns the active add-ons matching the given price
	// ids in request order. Unknown ids are skipped.
	ResolveByPriceIDs(ctx context.Context, priceIDs []string) ([]Addon, error)
	ActiveForOrg(ctx context.Context, orgID snowflake.ID) ([]OrgAddon, error)
	Ensure(ctx context.Context, req EnsureRequest) (Addon, error)
}

type EnsureRequest struct {
	Code          string
	Name          string
	StripePriceID string
}

var (
	ErrInvalidCode = errors.New("invalid_code")
	ErrInvalidOrg  = errors.New("invalid_organization")
)
