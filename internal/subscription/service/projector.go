package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ProjectorParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Repo      domain.Repository
	PlanSvc   plandomain.Service
	Rebuilder entitlementdomain.Rebuilder
	Source    domain.Source
	Billing   *config.BillingConfigHolder
	Clock     clock.Clock
}

type Projector struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	repo      domain.Repository
	planSvc   plandomain.Service
	rebuilder entitlementdomain.Rebuilder
	source    domain.Source
	billing   *config.BillingConfigHolder
	clock     clock.Clock
}

func NewProjector(p ProjectorParams) domain.Projector {
	return &Projector{
		db:        rls.Privileged(p.DB),
		log:       p.Log.Named("subscription.projector"),
		genID:     p.GenID,
		repo:      p.Repo,
		planSvc:   p.PlanSvc,
		rebuilder: p.Rebuilder,
		source:    p.Source,
		billing:   p.Billing,
		clock:     p.Clock,
	}
}

// ApplyCheckoutCompleted links a freshly purchased subscription to its
// tenant. The provider is the source of truth for the subscription body.
func (p *Projector) ApplyCheckoutCompleted(ctx context.Context, orgID snowflake.ID, stripeSubscriptionID string) error {
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if orgID == 0 || stripeSubscriptionID == "" {
		return domain.ErrInvalidSubscription
	}

	remote, err := p.source.FetchSubscription(ctx, stripeSubscriptionID)
	if err != nil {
		return fmt.Errorf("fetch subscription %s: %w", stripeSubscriptionID, err)
	}

	plan, err := p.planSvc.ResolveActiveByPriceID(ctx, remote.PriceID)
	if err != nil {
		return err
	}

	now := p.clock.Now().UTC()
	sub := domain.Subscription{
		ID:                   p.genID.Generate(),
		OrgID:                orgID,
		PlanID:               plan.ID,
		StripeSubscriptionID: remote.ID,
		StripeCustomerID:     remote.CustomerID,
		Status:               remote.Status,
		CurrentPeriodStart:   remote.CurrentPeriodStart,
		CurrentPeriodEnd:     remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:    remote.CancelAtPeriodEnd,
		GracePeriodUntil:     nil,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if sub.StripeSubscriptionID == "" {
		sub.StripeSubscriptionID = stripeSubscriptionID
	}
	if err := p.repo.Upsert(ctx, p.db, &sub); err != nil {
		return err
	}

	p.log.Info("subscription linked",
		zap.String("org_id", orgID.String()),
		zap.String("stripe_subscription_id", sub.StripeSubscriptionID),
		zap.String("plan_code", plan.Code),
		zap.String("status", sub.Status),
	)
	return p.rebuilder.Rebuild(ctx, orgID)
}

// ApplySubscriptionUpdated overwrites the stored state with the event body.
// Stale deliveries win if they arrive last.
func (p *Projector) ApplySubscriptionUpdated(ctx context.Context, remote domain.ProviderSubscription) error {
	if strings.TrimSpace(remote.ID) == "" {
		return domain.ErrInvalidSubscription
	}

	plan, err := p.planSvc.ResolveActiveByPriceID(ctx, remote.PriceID)
	if err != nil {
		return err
	}

	existing, err := p.repo.FindByStripeID(ctx, p.db, remote.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", domain.ErrSubscriptionNotFound, remote.ID)
	}

	grace := existing.GracePeriodUntil
	if remote.Status != domain.StatusPastDue {
		grace = nil
	}

	if err := p.repo.UpdateState(ctx, p.db, existing.ID, domain.StateUpdate{
		PlanID:             plan.ID,
		Status:             remote.Status,
		CurrentPeriodStart: remote.CurrentPeriodStart,
		CurrentPeriodEnd:   remote.CurrentPeriodEnd,
		CancelAtPeriodEnd:  remote.CancelAtPeriodEnd,
		GracePeriodUntil:   grace,
		UpdatedAt:          p.clock.Now().UTC(),
	}); err != nil {
		return err
	}

	return p.rebuilder.Rebuild(ctx, existing.OrgID)
}

func (p *Projector) ApplySubscriptionDeleted(ctx context.Context, stripeSubscriptionID string) error {
	return p.transition(ctx, stripeSubscriptionID, domain.StatusCanceled, nil)
}

func (p *Projector) ApplyInvoicePaid(ctx context.Context, stripeSubscriptionID string) error {
	return p.transition(ctx, stripeSubscriptionID, domain.StatusActive, nil)
}

func (p *Projector) ApplyInvoiceFailed(ctx context.Context, stripeSubscriptionID string) error {
	graceDays := p.billing.Get().GraceDays
	graceUntil := p.clock.Now().UTC().Add(time.Duration(graceDays) * 24 * time.Hour)
	return p.transition(ctx, stripeSubscriptionID, domain.StatusPastDue, &graceUntil)
}

// transition sets status and grace on a known subscription. Unknown or
// missing subscriptions are a no-op.
func (p *Projector) transition(ctx context.Context, stripeSubscriptionID, status string, graceUntil *time.Time) error {
	stripeSubscriptionID = strings.TrimSpace(stripeSubscriptionID)
	if stripeSubscriptionID == "" {
		return nil
	}

	existing, err := p.repo.FindByStripeID(ctx, p.db, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if existing == nil {
		p.log.Info("ignoring event for unknown subscription",
			zap.String("stripe_subscription_id", stripeSubscriptionID),
			zap.String("status", status),
		)
		return nil
	}

	if err := p.repo.SetStatus(ctx, p.db, existing.ID, status, graceUntil, p.clock.Now().UTC()); err != nil {
		return err
	}

	return p.rebuilder.Rebuild(ctx, existing.OrgID)
}
