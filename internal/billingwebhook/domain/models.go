package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	EventCheckoutSessionCompleted    = "checkout.session.completed"
	EventCustomerSubscriptionCreated = "customer.subscription.created"
	EventCustomerSubscriptionUpdated = "customer.subscription.updated"
	EventCustomerSubscriptionDeleted = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded     = "invoice.payment_succeeded"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
)

// Result is the outcome of a successful ingest.
type Result string

const (
	ResultProcessed        Result = "processed"
	ResultAlreadyProcessed Result = "already_processed"
)

// VerifiedEvent is a provider event whose signature has been checked.
type VerifiedEvent struct {
	ID      string
	Type    string
	Created time.Time
	Object  json.RawMessage
}

// Verifier authenticates a raw webhook body against its signature header.
type Verifier interface {
	Verify(payload []byte, header string) (VerifiedEvent, error)
}

// Dispatcher ingests provider webhooks and replays stored events.
type Dispatcher interface {
	IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) (Result, error)
	Replay(ctx context.Context, eventID string) (Result, error)
}

// DeadLetter describes an event that will not be retried automatically.
type DeadLetter struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error"`
	Fatal          bool      `json:"fatal"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
}

// Notifier is told about every dead-lettered event.
type Notifier interface {
	Notify(ctx context.Context, letter DeadLetter) error
}

var (
	ErrMissingSignature     = errors.New("missing_signature")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrMissingTenantContext = errors.New("missing_tenant_context")
	ErrMalformedPayload     = errors.New("malformed_payload")
	ErrEventNotFound        = errors.New("event_not_found")
)

// IsFatal reports whether retrying the event can never succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingTenantContext) || errors.Is(err, ErrMalformedPayload)
}
