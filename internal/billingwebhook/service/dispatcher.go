package service

import (
	"context"
	"fmt"
	"strings"

	billingeventdomain "github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	"github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"github.com/smallbiznis/tenantdesk/internal/observability/logger"
	"github.com/smallbiznis/tenantdesk/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenantdesk/internal/observability/tracing"
	"github.com/smallbiznis/tenantdesk/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeProcessed        = "processed"
	outcomeAlreadyProcessed = "already_processed"
	outcomeIgnored          = "ignored"
	outcomeFailed           = "failed"
	outcomeRejected         = "rejected"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	Events    billingeventdomain.Service
	Projector subscriptiondomain.Projector
	Verifier  domain.Verifier
	Notifier  domain.Notifier
	Billing   *config.BillingConfigHolder
	Metrics   *metrics.Metrics `optional:"true"`
}

type Dispatcher struct {
	log       *zap.Logger
	events    billingeventdomain.Service
	projector subscriptiondomain.Projector
	verifier  domain.Verifier
	notifier  domain.Notifier
	billing   *config.BillingConfigHolder
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func NewDispatcher(p Params) domain.Dispatcher {
	return &Dispatcher{
		log:       p.Log.Named("billingwebhook.dispatcher"),
		events:    p.Events,
		projector: p.Projector,
		verifier:  p.Verifier,
		notifier:  p.Notifier,
		billing:   p.Billing,
		metrics:   p.Metrics,
		tracer:    otel.Tracer("tenantdesk/billingwebhook"),
	}
}

// IngestWebhook verifies, records and applies one provider delivery.
// A returned error other than a signature error means the provider
// should retry.
func (d *Dispatcher) IngestWebhook(ctx context.Context, payload []byte, signatureHeader string) (domain.Result, error) {
	if strings.TrimSpace(signatureHeader) == "" {
		d.metrics.RecordWebhookEvent(ctx, "", outcomeRejected)
		return "", domain.ErrMissingSignature
	}

	event, err := d.verifier.Verify(payload, signatureHeader)
	if err != nil {
		d.metrics.RecordWebhookEvent(ctx, "", outcomeRejected)
		return "", err
	}

	stored, err := d.events.Get(ctx, event.ID)
	if err != nil {
		return "", fmt.Errorf("load event %s: %w", event.ID, err)
	}
	if stored != nil && stored.Processed() {
		d.metrics.RecordWebhookEvent(ctx, event.Type, outcomeAlreadyProcessed)
		return domain.ResultAlreadyProcessed, nil
	}

	if err := d.events.Record(ctx, event.ID, event.Type, payload); err != nil {
		return "", fmt.Errorf("record event %s: %w", event.ID, err)
	}

	return d.process(ctx, event, stored)
}

// Replay re-runs a stored event that has not been processed. The payload
// was verified when it was first received.
func (d *Dispatcher) Replay(ctx context.Context, eventID string) (domain.Result, error) {
	stored, err := d.events.Get(ctx, eventID)
	if err != nil {
		return "", err
	}
	if stored == nil {
		return "", domain.ErrEventNotFound
	}
	if stored.Processed() {
		return domain.ResultAlreadyProcessed, nil
	}

	event, err := stripe.ParseEvent(stored.Payload)
	if err != nil {
		return "", err
	}
	d.log.Info("replaying billing event", zap.String("event_id", event.ID), zap.String("event_type", event.Type))
	return d.process(ctx, event, stored)
}

func (d *Dispatcher) process(ctx context.Context, event domain.VerifiedEvent, stored *billingeventdomain.Event) (domain.Result, error) {
	ctx, span := d.tracer.Start(ctx, "billingwebhook.dispatch", trace.WithAttributes(
		attribute.String("stripe.event_id", event.ID),
		attribute.String("stripe.event_type", event.Type),
	))
	defer span.End()

	log := logger.WithContext(ctx, d.log).With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	handled, err := d.dispatch(ctx, event)
	if err != nil {
		span.RecordError(obstracing.SafeError(err))
		span.SetStatus(codes.Error, "dispatch failed")
		d.metrics.RecordWebhookEvent(ctx, event.Type, outcomeFailed)
		d.fail(ctx, log, event, stored, err)
		return "", err
	}

	if err := d.events.MarkProcessed(ctx, event.ID); err != nil {
		return "", fmt.Errorf("mark event %s processed: %w", event.ID, err)
	}

	outcome := outcomeProcessed
	if !handled {
		outcome = outcomeIgnored
		log.Info("billing event ignored")
	} else {
		log.Info("billing event processed")
	}
	d.metrics.RecordWebhookEvent(ctx, event.Type, outcome)
	return domain.ResultProcessed, nil
}

// dispatch routes by event type. It reports false for types it does not
// handle.
func (d *Dispatcher) dispatch(ctx context.Context, event domain.VerifiedEvent) (bool, error) {
	switch event.Type {
	case domain.EventCheckoutSessionCompleted:
		completed, err := stripe.DecodeCheckoutCompleted(event.Object)
		if err != nil {
			return true, err
		}
		return true, d.projector.ApplyCheckoutCompleted(ctx, completed.OrgID, completed.SubscriptionID)

	case domain.EventCustomerSubscriptionCreated, domain.EventCustomerSubscriptionUpdated:
		sub, err := stripe.DecodeSubscription(event.Object)
		if err != nil {
			return true, err
		}
		return true, d.projector.ApplySubscriptionUpdated(ctx, sub)

	case domain.EventCustomerSubscriptionDeleted:
		sub, err := stripe.DecodeSubscription(event.Object)
		if err != nil {
			return true, err
		}
		return true, d.projector.ApplySubscriptionDeleted(ctx, sub.ID)

	case domain.EventInvoicePaymentSucceeded, domain.EventInvoicePaymentFailed:
		subscriptionID, err := stripe.DecodeInvoiceSubscriptionID(event.Object)
		if err != nil {
			return true, err
		}
		if subscriptionID == "" {
			return true, nil
		}
		if event.Type == domain.EventInvoicePaymentSucceeded {
			return true, d.projector.ApplyInvoicePaid(ctx, subscriptionID)
		}
		return true, d.projector.ApplyInvoiceFailed(ctx, subscriptionID)

	default:
		return false, nil
	}
}

// fail stores the error and dead-letters events that cannot succeed or
// have used up their attempts. processed_at stays null either way.
func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, event domain.VerifiedEvent, stored *billingeventdomain.Event, cause error) {
	fatal := domain.IsFatal(cause)
	log.Error("billing event failed", zap.Error(cause), zap.Bool("fatal", fatal))

	attempts, err := d.events.RecordFailure(ctx, event.ID, cause)
	if err != nil {
		log.Error("failed to record billing event failure", zap.Error(err))
		return
	}

	threshold := d.billing.Get().DeadLetterAfter
	if !fatal && (threshold <= 0 || attempts < threshold) {
		return
	}
	if stored != nil && stored.DeadLetteredAt != nil {
		return
	}

	at, changed, err := d.events.MarkDeadLettered(ctx, event.ID)
	if err != nil {
		log.Error("failed to dead-letter billing event", zap.Error(err))
		return
	}
	if !changed {
		return
	}
	d.metrics.RecordDeadLetter(ctx, event.Type)

	letter := domain.DeadLetter{
		EventID:        event.ID,
		Type:           event.Type,
		Attempts:       attempts,
		Error:          cause.Error(),
		Fatal:          fatal,
		DeadLetteredAt: at,
	}
	if err := d.notifier.Notify(ctx, letter); err != nil {
		log.Warn("dead letter notification failed", zap.Error(err))
	}
}

