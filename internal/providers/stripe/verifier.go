package stripe

import (
	"strings"
	"time"

	webhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Verifier checks the Stripe-Signature header over the exact request body.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(cfg config.Config) *Verifier {
	return &Verifier{secret: strings.TrimSpace(cfg.Stripe.WebhookSecret), tolerance: webhook.DefaultTolerance}
}

func (v *Verifier) Verify(payload []byte, header string) (webhookdomain.VerifiedEvent, error) {
	if strings.TrimSpace(header) == "" {
		return webhookdomain.VerifiedEvent{}, webhookdomain.ErrMissingSignature
	}
	if v.secret == "" {
		return webhookdomain.VerifiedEvent{}, webhookdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, header, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return webhookdomain.VerifiedEvent{}, webhookdomain.ErrInvalidSignature
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return webhookdomain.VerifiedEvent{}, webhookdomain.ErrMalformedPayload
	}

	return webhookdomain.VerifiedEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: timestamp(event.Created, 0),
		Object:  event.Data.Raw,
	}, nil
}

func timestamp(primary, fallback int64) time.Time {
	if primary > 0 {
		return time.Unix(primary, 0).UTC()
	}
	if fallback > 0 {
		return time.Unix(fallback, 0).UTC()
	}
	return time.Time{}
}
