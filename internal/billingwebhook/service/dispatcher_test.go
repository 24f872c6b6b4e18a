package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	billingeventrepository "github.com/smallbiznis/tenantdesk/internal/billingevent/repository"
	billingeventservice "github.com/smallbiznis/tenantdesk/internal/billingevent/service"
	"github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"github.com/smallbiznis/tenantdesk/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/internal/testutil"
	"github.com/stripe/stripe-go/v82/webhook"
	"go.uber.org/zap"
)

const testSecret = "whsec_dispatch"

type projectorCall struct {
	method string
	orgID  snowflake.ID
	id     string
	status string
}

type fakeProjector struct {
	calls  []projectorCall
	err    error
	before func()
}

func (f *fakeProjector) record(call projectorCall) error {
	if f.before != nil {
		f.before()
	}
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeProjector) ApplyCheckoutCompleted(_ context.Context, orgID snowflake.ID, id string) error {
	return f.record(projectorCall{method: "checkout", orgID: orgID, id: id})
}

func (f *fakeProjector) ApplySubscriptionUpdated(_ context.Context, sub subscriptiondomain.ProviderSubscription) error {
	return f.record(projectorCall{method: "updated", id: sub.ID, status: sub.Status})
}

func (f *fakeProjector) ApplySubscriptionDeleted(_ context.Context, id string) error {
	return f.record(projectorCall{method: "deleted", id: id})
}

func (f *fakeProjector) ApplyInvoicePaid(_ context.Context, id string) error {
	return f.record(projectorCall{method: "paid", id: id})
}

func (f *fakeProjector) ApplyInvoiceFailed(_ context.Context, id string) error {
	return f.record(projectorCall{method: "failed", id: id})
}

type recordingNotifier struct {
	letters []domain.DeadLetter
}

func (r *recordingNotifier) Notify(_ context.Context, letter domain.DeadLetter) error {
	r.letters = append(r.letters, letter)
	return nil
}

type dispatcherHarness struct {
	dispatcher domain.Dispatcher
	events     billingeventdomain.Service
	projector  *fakeProjector
	notifier   *recordingNotifier
}

func newDispatcherHarness(t *testing.T, deadLetterAfter int) *dispatcherHarness {
	t.Helper()
	db := testutil.OpenDB(t)
	events := billingeventservice.NewService(billingeventservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Repo:  billingeventrepository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	projector := &fakeProjector{}
	notifier := &recordingNotifier{}
	billing := config.DefaultBillingConfig()
	billing.DeadLetterAfter = deadLetterAfter

	dispatcher := NewDispatcher(Params{
		Log:       zap.NewNop(),
		Events:    events,
		Projector: projector,
		Verifier:  stripe.NewVerifier(config.Config{Stripe: config.StripeConfig{WebhookSecret: testSecret}}),
		Notifier:  notifier,
		Billing:   config.NewStaticBillingConfigHolder(billing),
	})
	return &dispatcherHarness{dispatcher: dispatcher, events: events, projector: projector, notifier: notifier}
}

func eventPayload(t *testing.T, id, eventType string, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":      id,
		"object":  "event",
		"type":    eventType,
		"created": time.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload
}

func signed(payload []byte) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	}).Header
}

func TestIngestRoutesEventTypes(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	ctx := context.Background()

	cases := []struct {
		eventType string
		object    map[string]any
		want      projectorCall
	}{
		{
			eventType: domain.EventCheckoutSessionCompleted,
			object:    map[string]any{"id": "cs_1", "subscription": "sub_1", "metadata": map[string]any{"organization_id": "77"}},
			want:      projectorCall{method: "checkout", orgID: 77, id: "sub_1"},
		},
		{
			eventType: domain.EventCustomerSubscriptionCreated,
			object:    map[string]any{"id": "sub_1", "status": "trialing", "items": map[string]any{"data": []any{map[string]any{"price": "price_starter"}}}},
			want:      projectorCall{method: "updated", id: "sub_1", status: subscriptiondomain.StatusTrialing},
		},
		{
			eventType: domain.EventCustomerSubscriptionUpdated,
			object:    map[string]any{"id": "sub_1", "status": "past_due"},
			want:      projectorCall{method: "updated", id: "sub_1", status: subscriptiondomain.StatusPastDue},
		},
		{
			eventType: domain.EventCustomerSubscriptionDeleted,
			object:    map[string]any{"id": "sub_1", "status": "canceled"},
			want:      projectorCall{method: "deleted", id: "sub_1"},
		},
		{
			eventType: domain.EventInvoicePaymentSucceeded,
			object:    map[string]any{"id": "in_1", "subscription": "sub_1"},
			want:      projectorCall{method: "paid", id: "sub_1"},
		},
		{
			eventType: domain.EventInvoicePaymentFailed,
			object:    map[string]any{"id": "in_2", "parent": map[string]any{"subscription_details": map[string]any{"subscription": "sub_1"}}},
			want:      projectorCall{method: "failed", id: "sub_1"},
		},
	}

	for i, tc := range cases {
		t.Run(tc.eventType, func(t *testing.T) {
			payload := eventPayload(t, fmt.Sprintf("evt_%d", i), tc.eventType, tc.object)
			result, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload))
			if err != nil {
				t.Fatalf("ingest: %v", err)
			}
			if result != domain.ResultProcessed {
				t.Fatalf("expected processed, got %s", result)
			}
			got := h.projector.calls[len(h.projector.calls)-1]
			if got != tc.want {
				t.Fatalf("expected %+v, got %+v", tc.want, got)
			}
		})
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	ctx := context.Background()
	payload := eventPayload(t, "evt_dup", domain.EventInvoicePaymentFailed, map[string]any{"id": "in_1", "subscription": "sub_1"})

	first, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload))
	if err != nil || first != domain.ResultProcessed {
		t.Fatalf("first delivery: %s %v", first, err)
	}
	second, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload))
	if err != nil || second != domain.ResultAlreadyProcessed {
		t.Fatalf("second delivery: %s %v", second, err)
	}
	if len(h.projector.calls) != 1 {
		t.Fatalf("expected a single application, got %d", len(h.projector.calls))
	}
}

func TestIngestRejectsBadSignatures(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	ctx := context.Background()
	payload := eventPayload(t, "evt_sig", domain.EventInvoicePaymentSucceeded, map[string]any{"id": "in_1", "subscription": "sub_1"})

	if _, err := h.dispatcher.IngestWebhook(ctx, payload, ""); !errors.Is(err, domain.ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if _, err := h.dispatcher.IngestWebhook(ctx, payload, "t=1,v1=deadbeef"); !errors.Is(err, domain.ErrInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	stored, err := h.events.Get(ctx, "evt_sig")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored != nil {
		t.Fatalf("rejected deliveries must not be stored")
	}
	if len(h.projector.calls) != 0 {
		t.Fatalf("rejected deliveries must not be applied")
	}
}

func TestIngestRejectsEnvelopeWithoutID(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	ctx := context.Background()
	payload := eventPayload(t, "", domain.EventInvoicePaymentFailed, map[string]any{"id": "in_1", "subscription": "sub_1"})

	if _, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload)); !errors.Is(err, domain.ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	if len(h.projector.calls) != 0 {
		t.Fatalf("projector must not run for an envelope without id")
	}
}

func TestIngestUnknownTypeIsAcknowledged(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	ctx := context.Background()
	payload := eventPayload(t, "evt_other", "customer.created", map[string]any{"id": "cus_1"})

	result, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload))
	if err != nil || result != domain.ResultProcessed {
		t.Fatalf("expected processed, got %s %v", result, err)
	}
	stored, _ := h.events.Get(ctx, "evt_other")
	if stored == nil || !stored.Processed() {
		t.Fatalf("unknown types are marked processed, got %+v", stored)
	}
}

func TestInvoiceWithoutSubscriptionIsNoop(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	payload := eventPayload(t, "evt_oneoff", domain.EventInvoicePaymentSucceeded, map[string]any{"id": "in_1"})

	if _, err := h.dispatcher.IngestWebhook(context.Background(), payload, signed(payload)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(h.projector.calls) != 0 {
		t.Fatalf("expected no projector call, got %+v", h.projector.calls)
	}
}

func TestFailureLeavesEventRetryableThenDeadLetters(t *testing.T) {
	h := newDispatcherHarness(t, 3)
	ctx := context.Background()
	h.projector.err = fmt.Errorf("%w: sub_1", subscriptiondomain.ErrSubscriptionNotFound)
	payload := eventPayload(t, "evt_retry", domain.EventCustomerSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "active"})

	for attempt := 1; attempt <= 4; attempt++ {
		if _, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload)); err == nil {
			t.Fatalf("attempt %d: expected failure", attempt)
		}
		stored, err := h.events.Get(ctx, "evt_retry")
		if err != nil || stored == nil {
			t.Fatalf("attempt %d: expected stored event, err=%v", attempt, err)
		}
		if stored.Processed() || stored.Attempts != attempt {
			t.Fatalf("attempt %d: unexpected stored event %+v", attempt, stored)
		}
		wantDead := attempt >= 3
		if (stored.DeadLetteredAt != nil) != wantDead {
			t.Fatalf("attempt %d: dead letter state %v", attempt, stored.DeadLetteredAt)
		}
	}
	if len(h.notifier.letters) != 1 || h.notifier.letters[0].Attempts != 3 || h.notifier.letters[0].Fatal {
		t.Fatalf("expected one non-fatal notification, got %+v", h.notifier.letters)
	}

	// once the cause is fixed an operator replay succeeds
	h.projector.err = nil
	result, err := h.dispatcher.Replay(ctx, "evt_retry")
	if err != nil || result != domain.ResultProcessed {
		t.Fatalf("replay: %s %v", result, err)
	}
	result, err = h.dispatcher.Replay(ctx, "evt_retry")
	if err != nil || result != domain.ResultAlreadyProcessed {
		t.Fatalf("second replay: %s %v", result, err)
	}
}

func TestFatalErrorDeadLettersImmediately(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	payload := eventPayload(t, "evt_fatal", domain.EventCheckoutSessionCompleted, map[string]any{"id": "cs_1", "subscription": "sub_1"})

	_, err := h.dispatcher.IngestWebhook(context.Background(), payload, signed(payload))
	if !errors.Is(err, domain.ErrMissingTenantContext) {
		t.Fatalf("expected missing tenant context, got %v", err)
	}
	if len(h.notifier.letters) != 1 || !h.notifier.letters[0].Fatal || h.notifier.letters[0].EventID != "evt_fatal" {
		t.Fatalf("expected fatal dead letter, got %+v", h.notifier.letters)
	}
	if len(h.projector.calls) != 0 {
		t.Fatalf("projector must not run without tenant context")
	}
}

func TestDeadLetterNotifiesOnlyTheWinner(t *testing.T) {
	h := newDispatcherHarness(t, 1)
	ctx := context.Background()
	h.projector.err = fmt.Errorf("%w: sub_1", subscriptiondomain.ErrSubscriptionNotFound)
	// another delivery of the same event dead-letters it while this one runs
	h.projector.before = func() {
		if _, changed, err := h.events.MarkDeadLettered(ctx, "evt_race"); err != nil || !changed {
			t.Fatalf("concurrent dead letter: changed=%v err=%v", changed, err)
		}
	}
	payload := eventPayload(t, "evt_race", domain.EventCustomerSubscriptionUpdated, map[string]any{"id": "sub_1", "status": "active"})

	if _, err := h.dispatcher.IngestWebhook(ctx, payload, signed(payload)); err == nil {
		t.Fatalf("expected failure")
	}
	stored, err := h.events.Get(ctx, "evt_race")
	if err != nil || stored == nil || stored.DeadLetteredAt == nil {
		t.Fatalf("expected dead-lettered event, got %+v err=%v", stored, err)
	}
	if len(h.notifier.letters) != 0 {
		t.Fatalf("expected no notification from the losing delivery, got %+v", h.notifier.letters)
	}
}

func TestReplayUnknownEvent(t *testing.T) {
	h := newDispatcherHarness(t, 5)
	if _, err := h.dispatcher.Replay(context.Background(), "evt_missing"); !errors.Is(err, domain.ErrEventNotFound) {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}
