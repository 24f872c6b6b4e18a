package service

import (
	"context"
	"errors"
	"testing"
	"time"

	addonrepository "github.com/smallbiznis/tenantdesk/internal/addon/repository"
	addonservice "github.com/smallbiznis/tenantdesk/internal/addon/service"
	billingeventrepository "github.com/smallbiznis/tenantdesk/internal/billingevent/repository"
	billingeventservice "github.com/smallbiznis/tenantdesk/internal/billingevent/service"
	"github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	entitlementrepository "github.com/smallbiznis/tenantdesk/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/tenantdesk/internal/entitlement/service"
	planrepository "github.com/smallbiznis/tenantdesk/internal/plan/repository"
	planservice "github.com/smallbiznis/tenantdesk/internal/plan/service"
	"github.com/smallbiznis/tenantdesk/internal/providers/stripe"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tenantdesk/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tenantdesk/internal/subscription/service"
	"github.com/smallbiznis/tenantdesk/internal/testutil"
	"go.uber.org/zap"
)

type stripeSource struct {
	subs map[string]subscriptiondomain.ProviderSubscription
}

func (s *stripeSource) FetchSubscription(_ context.Context, id string) (subscriptiondomain.ProviderSubscription, error) {
	sub, ok := s.subs[id]
	if !ok {
		return subscriptiondomain.ProviderSubscription{}, errors.New("no such subscription")
	}
	return sub, nil
}

// TestPipelineCheckoutToGraceAndRecovery drives signed deliveries through
// the real projector, rebuilder and event store.
func TestPipelineCheckoutToGraceAndRecovery(t *testing.T) {
	db := testutil.OpenDB(t)
	fx := testutil.NewFixtures(t, db)
	fakeClock := clock.NewFakeClock(fx.Now)
	log := zap.NewNop()
	ctx := context.Background()

	billing := config.DefaultBillingConfig()
	billing.GraceDays = 7
	billingHolder := config.NewStaticBillingConfigHolder(billing)

	planSvc := planservice.NewService(planservice.Params{
		DB:    db,
		Log:   log,
		GenID: fx.Node,
		Repo:  planrepository.Provide(),
		Clock: fakeClock,
	})
	rebuilder := entitlementservice.NewRebuilder(entitlementservice.RebuilderParams{
		DB:      db,
		Log:     log,
		Repo:    entitlementrepository.Provide(),
		SubRepo: subscriptionrepository.Provide(),
		PlanSvc: planSvc,
		AddonSvc: addonservice.NewService(addonservice.Params{
			DB:    db,
			Log:   log,
			GenID: fx.Node,
			Repo:  addonrepository.Provide(),
			Clock: fakeClock,
		}),
		Billing: billingHolder,
		Clock:   fakeClock,
	})

	orgID := fx.Org(t, "acme")
	fx.Plan(t, "STARTER", "price_starter", map[string]any{"max_drivers": 25})
	start := fx.Now
	end := start.AddDate(0, 1, 0)
	source := &stripeSource{subs: map[string]subscriptiondomain.ProviderSubscription{
		"sub_1": {
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			PriceID:            "price_starter",
			Status:             subscriptiondomain.StatusActive,
			CurrentPeriodStart: &start,
			CurrentPeriodEnd:   &end,
		},
	}}

	projector := subscriptionservice.NewProjector(subscriptionservice.ProjectorParams{
		DB:        db,
		Log:       log,
		GenID:     fx.Node,
		Repo:      subscriptionrepository.Provide(),
		PlanSvc:   planSvc,
		Rebuilder: rebuilder,
		Source:    source,
		Billing:   billingHolder,
		Clock:     fakeClock,
	})
	dispatcher := NewDispatcher(Params{
		Log: log,
		Events: billingeventservice.NewService(billingeventservice.Params{
			DB:    db,
			Log:   log,
			Repo:  billingeventrepository.Provide(),
			Clock: fakeClock,
		}),
		Projector: projector,
		Verifier:  stripe.NewVerifier(config.Config{Stripe: config.StripeConfig{WebhookSecret: testSecret}}),
		Notifier:  &recordingNotifier{},
		Billing:   billingHolder,
	})

	deliver := func(payload []byte, want domain.Result) {
		t.Helper()
		result, err := dispatcher.IngestWebhook(ctx, payload, signed(payload))
		if err != nil {
			t.Fatalf("ingest: %v", err)
		}
		if result != want {
			t.Fatalf("expected %s, got %s", want, result)
		}
	}
	snapshot := func() *entitlementdomain.Snapshot {
		t.Helper()
		snap, err := entitlementrepository.Provide().Find(ctx, db, orgID)
		if err != nil || snap == nil {
			t.Fatalf("find snapshot: %+v %v", snap, err)
		}
		return snap
	}
	subscription := func() *subscriptiondomain.Subscription {
		t.Helper()
		sub, err := subscriptionrepository.Provide().FindByStripeID(ctx, db, "sub_1")
		if err != nil || sub == nil {
			t.Fatalf("find subscription: %+v %v", sub, err)
		}
		return sub
	}

	checkout := eventPayload(t, "evt_checkout", domain.EventCheckoutSessionCompleted, map[string]any{
		"id":           "cs_1",
		"subscription": "sub_1",
		"metadata":     map[string]any{"organization_id": orgID.String()},
	})
	deliver(checkout, domain.ResultProcessed)

	snap := snapshot()
	if drivers, ok := snap.NumericLimit("max_drivers"); !ok || drivers != 25 {
		t.Fatalf("expected max_drivers 25, got %d (%v)", drivers, ok)
	}
	if snap.Status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active snapshot, got %s", snap.Status)
	}
	builtAt := snap.UpdatedAt

	// a redelivery must not touch the snapshot
	fakeClock.Advance(time.Hour)
	deliver(checkout, domain.ResultAlreadyProcessed)
	if got := snapshot().UpdatedAt; !got.Equal(builtAt) {
		t.Fatalf("redelivery rebuilt the snapshot: %v != %v", got, builtAt)
	}

	failedAt := fakeClock.Now().UTC()
	deliver(eventPayload(t, "evt_failed", domain.EventInvoicePaymentFailed, map[string]any{
		"id":           "in_1",
		"subscription": "sub_1",
	}), domain.ResultProcessed)

	sub := subscription()
	if sub.Status != subscriptiondomain.StatusPastDue {
		t.Fatalf("expected past_due, got %s", sub.Status)
	}
	wantGrace := failedAt.Add(7 * 24 * time.Hour)
	if sub.GracePeriodUntil == nil || !sub.GracePeriodUntil.Equal(wantGrace) {
		t.Fatalf("expected grace until %v, got %v", wantGrace, sub.GracePeriodUntil)
	}
	if status := snapshot().Status; status != entitlementdomain.StatusGracePeriod {
		t.Fatalf("expected grace_period snapshot, got %s", status)
	}

	fakeClock.Advance(24 * time.Hour)
	deliver(eventPayload(t, "evt_paid", domain.EventInvoicePaymentSucceeded, map[string]any{
		"id":           "in_2",
		"subscription": "sub_1",
	}), domain.ResultProcessed)

	sub = subscription()
	if sub.Status != subscriptiondomain.StatusActive || sub.GracePeriodUntil != nil {
		t.Fatalf("expected active without grace, got %s %v", sub.Status, sub.GracePeriodUntil)
	}
	if status := snapshot().Status; status != subscriptiondomain.StatusActive {
		t.Fatalf("expected active snapshot, got %s", status)
	}
}
