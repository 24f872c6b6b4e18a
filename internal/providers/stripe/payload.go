package stripe

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
)

// CheckoutCompleted is the part of a completed checkout session the
// projector needs.
type CheckoutCompleted struct {
	OrgID          snowflake.ID
	SubscriptionID string
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Subscription expandable        `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string                 `json:"id"`
	Customer           expandable             `json:"customer"`
	Status             string                 `json:"status"`
	CancelAtPeriodEnd  bool                   `json:"cancel_at_period_end"`
	CurrentPeriodStart int64                  `json:"current_period_start"`
	CurrentPeriodEnd   int64                  `json:"current_period_end"`
	Items              stripeSubscriptionList `json:"items"`
}

type stripeSubscriptionList struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price              expandable `json:"price"`
	CurrentPeriodStart int64      `json:"current_period_start"`
	CurrentPeriodEnd   int64      `json:"current_period_end"`
}

type stripeInvoice struct {
	ID           string               `json:"id"`
	Subscription expandable           `json:"subscription"`
	Parent       *stripeInvoiceParent `json:"parent"`
}

type stripeInvoiceParent struct {
	SubscriptionDetails *struct {
		Subscription expandable `json:"subscription"`
	} `json:"subscription_details"`
}

// expandable decodes a Stripe reference that is either an id string or an
// expanded object carrying an id.
type expandable struct {
	ID string
}

func (e *expandable) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		e.ID = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		return json.Unmarshal(data, &e.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.ID = obj.ID
	return nil
}

// ParseEvent decodes an unsigned event envelope. It is used for stored
// events, which were verified when they were received.
func ParseEvent(payload []byte) (webhookdomain.VerifiedEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return webhookdomain.VerifiedEvent{}, fmt.Errorf("%w: %v", webhookdomain.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return webhookdomain.VerifiedEvent{}, webhookdomain.ErrMalformedPayload
	}
	return webhookdomain.VerifiedEvent{
		ID:      event.ID,
		Type:    event.Type,
		Created: timestamp(event.Created, 0),
		Object:  event.Data.Object,
	}, nil
}

// DecodeCheckoutCompleted reads the tenant from metadata.organization_id. A
// missing or unparsable tenant is fatal for the event.
func DecodeCheckoutCompleted(object json.RawMessage) (CheckoutCompleted, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return CheckoutCompleted{}, fmt.Errorf("%w: checkout session: %v", webhookdomain.ErrMalformedPayload, err)
	}

	raw := strings.TrimSpace(session.Metadata["organization_id"])
	if raw == "" {
		return CheckoutCompleted{}, webhookdomain.ErrMissingTenantContext
	}
	orgID, err := snowflake.ParseString(raw)
	if err != nil || orgID <= 0 {
		return CheckoutCompleted{}, fmt.Errorf("%w: organization_id %q", webhookdomain.ErrMissingTenantContext, raw)
	}

	subscriptionID := strings.TrimSpace(session.Subscription.ID)
	if subscriptionID == "" {
		return CheckoutCompleted{}, fmt.Errorf("%w: checkout session %s has no subscription", webhookdomain.ErrMalformedPayload, session.ID)
	}
	return CheckoutCompleted{OrgID: orgID, SubscriptionID: subscriptionID}, nil
}

// DecodeSubscription maps a subscription object to the projection's view.
// Period bounds come from the first item on newer API versions.
func DecodeSubscription(object json.RawMessage) (subscriptiondomain.ProviderSubscription, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(object, &sub); err != nil {
		return subscriptiondomain.ProviderSubscription{}, fmt.Errorf("%w: subscription: %v", webhookdomain.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(sub.ID) == "" {
		return subscriptiondomain.ProviderSubscription{}, fmt.Errorf("%w: subscription without id", webhookdomain.ErrMalformedPayload)
	}

	out := subscriptiondomain.ProviderSubscription{
		ID:                sub.ID,
		CustomerID:        sub.Customer.ID,
		Status:            NormalizeStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	if len(sub.Items.Data) > 0 {
		first := sub.Items.Data[0]
		out.PriceID = first.Price.ID
		if first.CurrentPeriodStart > 0 {
			start = first.CurrentPeriodStart
		}
		if first.CurrentPeriodEnd > 0 {
			end = first.CurrentPeriodEnd
		}
	}
	out.CurrentPeriodStart = unixPtr(start)
	out.CurrentPeriodEnd = unixPtr(end)
	return out, nil
}

// DecodeInvoiceSubscriptionID returns the subscription an invoice belongs
// to, or "" for one-off invoices.
func DecodeInvoiceSubscriptionID(object json.RawMessage) (string, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(object, &invoice); err != nil {
		return "", fmt.Errorf("%w: invoice: %v", webhookdomain.ErrMalformedPayload, err)
	}
	if id := strings.TrimSpace(invoice.Subscription.ID); id != "" {
		return id, nil
	}
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		return strings.TrimSpace(invoice.Parent.SubscriptionDetails.Subscription.ID), nil
	}
	return "", nil
}

func unixPtr(v int64) *time.Time {
	if v <= 0 {
		return nil
	}
	t := time.Unix(v, 0).UTC()
	return &t
}
