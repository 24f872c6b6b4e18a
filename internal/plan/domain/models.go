package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Plan struct {
	ID                snowflake.ID `json:"id"`
	Code              string       `json:"code"`
	Name              string       `json:"name"`
	Active            bool         `json:"active"`
	MonthlyPriceCents int64        `json:"monthly_price_cents"`
	StripeProductID   *string      `json:"stripe_product_id,omitempty"`
	StripePriceID     *string      `json:"stripe_price_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Limit is one plan limit row. At most one of Value and ValueText is set;
// a row with neither resolves to null.
type Limit struct {
	ID        snowflake.ID `json:"id"`
	PlanID    snowflake.ID `json:"plan_id"`
	Key       string       `json:"key"`
	Value     *int64       `json:"value"`
	ValueText *string      `json:"value_text"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type PlanWithLimits struct {
	Plan
	Limits []Limit `json:"limits"`
}

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	FindActiveByStripePriceID(ctx context.Context, db *gorm.DB, priceID string) (*Plan, error)
	List(ctx context.Context, db *gorm.DB) ([]Plan, error)
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	Update(ctx context.Context, db *gorm.DB, plan *Plan) error

	ListLimits(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]Limit, error)
	UpsertLimit(ctx context.Context, db *gorm.DB, limit *Limit) error
	DeleteLimit(ctx context.Context, db *gorm.DB, planID snowflake.ID, key string) error
}
