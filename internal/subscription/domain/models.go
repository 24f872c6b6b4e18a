// Package domain contains the subscription projection kept in sync with the
// payment provider.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

const (
	StatusActive     = "active"
	StatusTrialing   = "trialing"
	StatusPastDue    = "past_due"
	StatusCanceled   = "canceled"
	StatusIncomplete = "incomplete"
)

// LiveStatuses are the statuses that grant entitlements.
var LiveStatuses = []string{StatusActive, StatusTrialing, StatusPastDue}

// Subscription mirrors one provider subscription. GracePeriodUntil is only
// set while the status is past_due. Rows are never deleted.
type Subscription struct {
	ID                   snowflake.ID `json:"id"`
	OrgID                snowflake.ID `json:"org_id"`
	PlanID               snowflake.ID `json:"plan_id"`
	StripeSubscriptionID string       `json:"stripe_subscription_id"`
	StripeCustomerID     string       `json:"stripe_customer_id"`
	Status               string       `json:"status"`
	CurrentPeriodStart   *time.Time   `json:"current_period_start,omitempty"`
	CurrentPeriodEnd     *time.Time   `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd    bool         `json:"cancel_at_period_end"`
	GracePeriodUntil     *time.Time   `json:"grace_period_until,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

// StateUpdate carries the provider-owned fields applied by an update event.
type StateUpdate struct {
	PlanID             snowflake.ID
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	GracePeriodUntil   *time.Time
	UpdatedAt          time.Time
}

type Cursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	Status string
	OrgID  *snowflake.ID
	Cursor *Cursor
	Limit  int
}

type Repository interface {
	FindByStripeID(ctx context.Context, db *gorm.DB, stripeSubscriptionID string) (*Subscription, error)
	FindLiveByOrg(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	Upsert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	UpdateState(ctx context.Context, db *gorm.DB, id snowflake.ID, update StateUpdate) error
	SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string, graceUntil *time.Time, at time.Time) error
	ListLiveOrgIDsByPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]snowflake.ID, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Subscription, error)
}
