package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
)

// ProviderSubscription is the provider's view of a subscription, reduced to
// the fields the projection stores.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// Source fetches the authoritative subscription from the provider.
type Source interface {
	FetchSubscription(ctx context.Context, id string) (ProviderSubscription, error)
}

// Projector applies provider events to the subscription table and
// rebuilds the affected tenant. Every method is safe to replay.
type Projector interface {
	ApplyCheckoutCompleted(ctx context.Context, orgID snowflake.ID, stripeSubscriptionID string) error
	ApplySubscriptionUpdated(ctx context.Context, sub ProviderSubscription) error
	ApplySubscriptionDeleted(ctx context.Context, stripeSubscriptionID string) error
	ApplyInvoicePaid(ctx context.Context, stripeSubscriptionID string) error
	ApplyInvoiceFailed(ctx context.Context, stripeSubscriptionID string) error
}

type ListSubscriptionRequest struct {
	pagination.Pagination
	Status string
	OrgID  *snowflake.ID
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

// Service is the read side used by checkout, portal and the platform console.
type Service interface {
	GetLiveByOrg(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	ListLiveOrgIDsByPlan(ctx context.Context, planID snowflake.ID) ([]snowflake.ID, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)

func ValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusTrialing, StatusPastDue, StatusCanceled, StatusIncomplete:
		return true
	}
	return false
}
