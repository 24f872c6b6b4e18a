package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	planrepository "github.com/smallbiznis/tenantdesk/internal/plan/repository"
	planservice "github.com/smallbiznis/tenantdesk/internal/plan/service"
	"github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/internal/subscription/repository"
	"github.com/smallbiznis/tenantdesk/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeSource struct {
	subs  map[string]domain.ProviderSubscription
	err   error
	calls int
}

func (f *fakeSource) FetchSubscription(_ context.Context, id string) (domain.ProviderSubscription, error) {
	f.calls++
	if f.err != nil {
		return domain.ProviderSubscription{}, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return domain.ProviderSubscription{}, errors.New("no such subscription")
	}
	return sub, nil
}

type recordingRebuilder struct {
	orgs []snowflake.ID
	err  error
}

func (r *recordingRebuilder) Rebuild(_ context.Context, orgID snowflake.ID) error {
	r.orgs = append(r.orgs, orgID)
	return r.err
}

type projectorHarness struct {
	projector domain.Projector
	fx        *testutil.Fixtures
	db        *gorm.DB
	source    *fakeSource
	rebuilder *recordingRebuilder
	clock     *clock.FakeClock
}

func newProjectorHarness(t *testing.T) *projectorHarness {
	t.Helper()
	db := testutil.OpenDB(t)
	fx := testutil.NewFixtures(t, db)
	fakeClock := clock.NewFakeClock(fx.Now)
	source := &fakeSource{subs: map[string]domain.ProviderSubscription{}}
	rebuilder := &recordingRebuilder{}

	planSvc := planservice.NewService(planservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: fx.Node,
		Repo:  planrepository.Provide(),
		Clock: fakeClock,
	})
	billing := config.DefaultBillingConfig()
	billing.GraceDays = 7

	projector := NewProjector(ProjectorParams{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     fx.Node,
		Repo:      repository.Provide(),
		PlanSvc:   planSvc,
		Rebuilder: rebuilder,
		Source:    source,
		Billing:   config.NewStaticBillingConfigHolder(billing),
		Clock:     fakeClock,
	})
	return &projectorHarness{
		projector: projector,
		fx:        fx,
		db:        db,
		source:    source,
		rebuilder: rebuilder,
		clock:     fakeClock,
	}
}

func (h *projectorHarness) load(t *testing.T, stripeID string) *domain.Subscription {
	t.Helper()
	sub, err := repository.Provide().FindByStripeID(context.Background(), h.db, stripeID)
	if err != nil {
		t.Fatalf("load subscription: %v", err)
	}
	if sub == nil {
		t.Fatalf("subscription %s not found", stripeID)
	}
	return sub
}

func TestApplyCheckoutCompletedLinksSubscription(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()
	orgID := h.fx.Org(t, "acme")
	planID := h.fx.Plan(t, "STARTER", "price_starter", map[string]any{"max_drivers": 25})

	start := h.fx.Now
	end := start.AddDate(0, 1, 0)
	h.source.subs["sub_1"] = domain.ProviderSubscription{
		ID:                 "sub_1",
		CustomerID:         "cus_1",
		PriceID:            "price_starter",
		Status:             domain.StatusActive,
		CurrentPeriodStart: &start,
		CurrentPeriodEnd:   &end,
	}

	if err := h.projector.ApplyCheckoutCompleted(ctx, orgID, "sub_1"); err != nil {
		t.Fatalf("apply checkout: %v", err)
	}
	// replays converge on the same row
	if err := h.projector.ApplyCheckoutCompleted(ctx, orgID, "sub_1"); err != nil {
		t.Fatalf("replay checkout: %v", err)
	}

	sub := h.load(t, "sub_1")
	if sub.OrgID != orgID || sub.PlanID != planID || sub.Status != domain.StatusActive {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if sub.GracePeriodUntil != nil {
		t.Fatalf("expected no grace, got %v", sub.GracePeriodUntil)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(end) {
		t.Fatalf("unexpected period end %v", sub.CurrentPeriodEnd)
	}

	var count int64
	if err := h.db.Table("subscriptions").Where("stripe_subscription_id = ?", "sub_1").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one row, got %d", count)
	}
	if len(h.rebuilder.orgs) != 2 || h.rebuilder.orgs[0] != orgID {
		t.Fatalf("expected two rebuilds for org, got %v", h.rebuilder.orgs)
	}
}

func TestApplyCheckoutCompletedUnknownPrice(t *testing.T) {
	h := newProjectorHarness(t)
	orgID := h.fx.Org(t, "acme")
	h.source.subs["sub_1"] = domain.ProviderSubscription{ID: "sub_1", CustomerID: "cus_1", PriceID: "price_missing", Status: domain.StatusActive}

	err := h.projector.ApplyCheckoutCompleted(context.Background(), orgID, "sub_1")
	if !errors.Is(err, plandomain.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
	if len(h.rebuilder.orgs) != 0 {
		t.Fatalf("rebuild must not run on failure")
	}
}

func TestApplyCheckoutCompletedFetchFailure(t *testing.T) {
	h := newProjectorHarness(t)
	orgID := h.fx.Org(t, "acme")
	h.source.err = errors.New("provider unavailable")

	if err := h.projector.ApplyCheckoutCompleted(context.Background(), orgID, "sub_1"); err == nil {
		t.Fatalf("expected fetch failure")
	}
	if err := h.projector.ApplyCheckoutCompleted(context.Background(), 0, "sub_1"); !errors.Is(err, domain.ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}
}

func TestApplySubscriptionUpdated(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()
	orgID := h.fx.Org(t, "acme")
	starter := h.fx.Plan(t, "STARTER", "price_starter", nil)
	growth := h.fx.Plan(t, "GROWTH", "price_growth", nil)
	grace := h.fx.Now.Add(48 * time.Hour)
	h.fx.Subscription(t, testutil.SubscriptionFixture{
		OrgID:                orgID,
		PlanID:               starter,
		StripeSubscriptionID: "sub_1",
		Status:               domain.StatusPastDue,
		GracePeriodUntil:     &grace,
	})

	end := h.fx.Now.AddDate(0, 2, 0)
	err := h.projector.ApplySubscriptionUpdated(ctx, domain.ProviderSubscription{
		ID:                "sub_1",
		PriceID:           "price_growth",
		Status:            domain.StatusActive,
		CurrentPeriodEnd:  &end,
		CancelAtPeriodEnd: true,
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}

	sub := h.load(t, "sub_1")
	if sub.PlanID != growth || sub.Status != domain.StatusActive || !sub.CancelAtPeriodEnd {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	if sub.GracePeriodUntil != nil {
		t.Fatalf("grace must clear when leaving past_due")
	}
	if len(h.rebuilder.orgs) != 1 || h.rebuilder.orgs[0] != orgID {
		t.Fatalf("expected rebuild for org, got %v", h.rebuilder.orgs)
	}
}

func TestApplySubscriptionUpdatedKeepsGraceWhilePastDue(t *testing.T) {
	h := newProjectorHarness(t)
	orgID := h.fx.Org(t, "acme")
	starter := h.fx.Plan(t, "STARTER", "price_starter", nil)
	grace := h.fx.Now.Add(48 * time.Hour)
	h.fx.Subscription(t, testutil.SubscriptionFixture{
		OrgID:                orgID,
		PlanID:               starter,
		StripeSubscriptionID: "sub_1",
		Status:               domain.StatusPastDue,
		GracePeriodUntil:     &grace,
	})

	err := h.projector.ApplySubscriptionUpdated(context.Background(), domain.ProviderSubscription{
		ID:      "sub_1",
		PriceID: "price_starter",
		Status:  domain.StatusPastDue,
	})
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	sub := h.load(t, "sub_1")
	if sub.GracePeriodUntil == nil || !sub.GracePeriodUntil.Equal(grace) {
		t.Fatalf("expected grace %v, got %v", grace, sub.GracePeriodUntil)
	}
}

func TestApplySubscriptionUpdatedErrors(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()
	h.fx.Plan(t, "STARTER", "price_starter", nil)

	err := h.projector.ApplySubscriptionUpdated(ctx, domain.ProviderSubscription{ID: "sub_missing", PriceID: "price_starter", Status: domain.StatusActive})
	if !errors.Is(err, domain.ErrSubscriptionNotFound) {
		t.Fatalf("expected ErrSubscriptionNotFound, got %v", err)
	}

	err = h.projector.ApplySubscriptionUpdated(ctx, domain.ProviderSubscription{ID: "sub_missing", PriceID: "price_unknown", Status: domain.StatusActive})
	if !errors.Is(err, plandomain.ErrPlanNotFound) {
		t.Fatalf("expected ErrPlanNotFound, got %v", err)
	}
}

// Deliveries are applied in arrival order; the last one wins even when
// it is older than what is stored.
func TestOutOfOrderUpdatesLastWriteWins(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()
	orgID := h.fx.Org(t, "acme")
	starter := h.fx.Plan(t, "STARTER", "price_starter", nil)
	growth := h.fx.Plan(t, "GROWTH", "price_growth", nil)
	h.fx.Subscription(t, testutil.SubscriptionFixture{
		OrgID:                orgID,
		PlanID:               starter,
		StripeSubscriptionID: "sub_1",
		Status:               domain.StatusActive,
	})

	newer := domain.ProviderSubscription{ID: "sub_1", PriceID: "price_growth", Status: domain.StatusActive}
	older := domain.ProviderSubscription{ID: "sub_1", PriceID: "price_starter", Status: domain.StatusTrialing}

	if err := h.projector.ApplySubscriptionUpdated(ctx, newer); err != nil {
		t.Fatalf("apply newer: %v", err)
	}
	if got := h.load(t, "sub_1"); got.PlanID != growth {
		t.Fatalf("expected growth plan after newer event")
	}
	if err := h.projector.ApplySubscriptionUpdated(ctx, older); err != nil {
		t.Fatalf("apply older: %v", err)
	}
	got := h.load(t, "sub_1")
	if got.PlanID != starter || got.Status != domain.StatusTrialing {
		t.Fatalf("expected stale event to win, got %+v", got)
	}
}

func TestInvoiceFailedThenPaid(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()
	orgID := h.fx.Org(t, "acme")
	starter := h.fx.Plan(t, "STARTER", "price_starter", nil)
	h.fx.Subscription(t, testutil.SubscriptionFixture{
		OrgID:                orgID,
		PlanID:               starter,
		StripeSubscriptionID: "sub_1",
		Status:               domain.StatusActive,
	})

	if err := h.projector.ApplyInvoiceFailed(ctx, "sub_1"); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	sub := h.load(t, "sub_1")
	want := h.fx.Now.Add(7 * 24 * time.Hour)
	if sub.Status != domain.StatusPastDue || sub.GracePeriodUntil == nil || !sub.GracePeriodUntil.Equal(want) {
		t.Fatalf("expected past_due with grace %v, got %+v", want, sub)
	}

	h.clock.Advance(24 * time.Hour)
	if err := h.projector.ApplyInvoicePaid(ctx, "sub_1"); err != nil {
		t.Fatalf("apply paid: %v", err)
	}
	sub = h.load(t, "sub_1")
	if sub.Status != domain.StatusActive || sub.GracePeriodUntil != nil {
		t.Fatalf("expected active without grace, got %+v", sub)
	}
	if len(h.rebuilder.orgs) != 2 {
		t.Fatalf("expected two rebuilds, got %d", len(h.rebuilder.orgs))
	}
}

func TestSubscriptionDeleted(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()
	orgID := h.fx.Org(t, "acme")
	starter := h.fx.Plan(t, "STARTER", "price_starter", nil)
	grace := h.fx.Now.Add(time.Hour)
	h.fx.Subscription(t, testutil.SubscriptionFixture{
		OrgID:                orgID,
		PlanID:               starter,
		StripeSubscriptionID: "sub_1",
		Status:               domain.StatusPastDue,
		GracePeriodUntil:     &grace,
	})

	if err := h.projector.ApplySubscriptionDeleted(ctx, "sub_1"); err != nil {
		t.Fatalf("apply deleted: %v", err)
	}
	sub := h.load(t, "sub_1")
	if sub.Status != domain.StatusCanceled || sub.GracePeriodUntil != nil {
		t.Fatalf("expected canceled without grace, got %+v", sub)
	}
}

func TestUnknownSubscriptionEventsAreNoops(t *testing.T) {
	h := newProjectorHarness(t)
	ctx := context.Background()

	for name, apply := range map[string]func(context.Context, string) error{
		"deleted": h.projector.ApplySubscriptionDeleted,
		"paid":    h.projector.ApplyInvoicePaid,
		"failed":  h.projector.ApplyInvoiceFailed,
	} {
		if err := apply(ctx, "sub_unknown"); err != nil {
			t.Fatalf("%s: expected no-op, got %v", name, err)
		}
		if err := apply(ctx, ""); err != nil {
			t.Fatalf("%s: expected no-op for empty id, got %v", name, err)
		}
	}
	if len(h.rebuilder.orgs) != 0 {
		t.Fatalf("no rebuild expected, got %v", h.rebuilder.orgs)
	}
}

func TestRebuildFailurePropagates(t *testing.T) {
	h := newProjectorHarness(t)
	orgID := h.fx.Org(t, "acme")
	starter := h.fx.Plan(t, "STARTER", "price_starter", nil)
	h.fx.Subscription(t, testutil.SubscriptionFixture{
		OrgID:                orgID,
		PlanID:               starter,
		StripeSubscriptionID: "sub_1",
		Status:               domain.StatusActive,
	})
	h.rebuilder.err = errors.New("rebuild failed")

	if err := h.projector.ApplyInvoicePaid(context.Background(), "sub_1"); err == nil {
		t.Fatalf("expected rebuild error to propagate")
	}
}
