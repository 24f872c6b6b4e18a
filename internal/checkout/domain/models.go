package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type CheckoutRequest struct {
	PriceID string   `json:"price_id"`
	Addons  []string `json:"addons"`
}

type CheckoutResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
}

type PortalResponse struct {
	URL string `json:"url"`
}

// SessionParams is a subscription-mode hosted checkout.
type SessionParams struct {
	OrgID      snowflake.ID
	PriceIDs   []string
	SuccessURL string
	CancelURL  string
}

type Session struct {
	ID  string
	URL string
}

// Provider creates hosted checkout and billing portal sessions.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, params SessionParams) (Session, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

type Service interface {
	CreateCheckout(ctx context.Context, orgID snowflake.ID, req CheckoutRequest) (CheckoutResponse, error)
	CreatePortal(ctx context.Context, orgID snowflake.ID) (PortalResponse, error)
}

var (
	ErrMissingPriceID       = errors.New("price_id_required")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	ErrInvalidOrganization  = errors.New("invalid_organization")
)
