package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	checkoutdomain "github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	stripeapi "github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("stripe_not_configured")

// Client wraps the Stripe API calls the billing pipeline makes.
type Client struct {
	configured bool
	log        *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) *Client {
	key := strings.TrimSpace(cfg.Stripe.SecretKey)
	if key != "" {
		stripeapi.Key = key
	}
	return &Client{configured: key != "", log: log.Named("stripe.client")}
}

// FetchSubscription retrieves the authoritative subscription body.
func (c *Client) FetchSubscription(ctx context.Context, id string) (subscriptiondomain.ProviderSubscription, error) {
	if !c.configured {
		return subscriptiondomain.ProviderSubscription{}, ErrNotConfigured
	}
	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return subscriptiondomain.ProviderSubscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}
	return toProviderSubscription(sub), nil
}

func toProviderSubscription(sub *stripeapi.Subscription) subscriptiondomain.ProviderSubscription {
	out := subscriptiondomain.ProviderSubscription{
		ID:                sub.ID,
		Status:            NormalizeStatus(string(sub.Status)),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		first := sub.Items.Data[0]
		if first.Price != nil {
			out.PriceID = first.Price.ID
		}
		out.CurrentPeriodStart = unixPtr(first.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixPtr(first.CurrentPeriodEnd)
	}
	return out
}

// CreateCheckoutSession opens a subscription-mode checkout. The tenant id is
// carried on both the session and the resulting subscription.
func (c *Client) CreateCheckoutSession(ctx context.Context, params checkoutdomain.SessionParams) (checkoutdomain.Session, error) {
	if !c.configured {
		return checkoutdomain.Session{}, ErrNotConfigured
	}
	metadata := map[string]string{"organization_id": params.OrgID.String()}

	lineItems := make([]*stripeapi.CheckoutSessionLineItemParams, 0, len(params.PriceIDs))
	for _, priceID := range params.PriceIDs {
		lineItems = append(lineItems, &stripeapi.CheckoutSessionLineItemParams{
			Price:    stripeapi.String(priceID),
			Quantity: stripeapi.Int64(1),
		})
	}

	sessionParams := &stripeapi.CheckoutSessionParams{
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModeSubscription)),
		LineItems:  lineItems,
		SuccessURL: stripeapi.String(params.SuccessURL),
		CancelURL:  stripeapi.String(params.CancelURL),
		Metadata:   metadata,
		SubscriptionData: &stripeapi.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	sessionParams.Context = ctx

	sess, err := checkoutsession.New(sessionParams)
	if err != nil {
		return checkoutdomain.Session{}, fmt.Errorf("create checkout session: %w", err)
	}

	c.log.Info("checkout session created",
		zap.String("session_id", sess.ID),
		zap.String("org_id", params.OrgID.String()),
		zap.Int("line_items", len(lineItems)),
	)
	return checkoutdomain.Session{ID: sess.ID, URL: sess.URL}, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	if !c.configured {
		return "", ErrNotConfigured
	}
	params := &stripeapi.BillingPortalSessionParams{
		Customer:  stripeapi.String(customerID),
		ReturnURL: stripeapi.String(returnURL),
	}
	params.Context = ctx

	sess, err := portalsession.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}
