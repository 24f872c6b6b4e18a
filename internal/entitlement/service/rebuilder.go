package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/tenantdesk/internal/addon/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	"github.com/smallbiznis/tenantdesk/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type RebuilderParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     domain.Repository
	SubRepo  subscriptiondomain.Repository
	PlanSvc  plandomain.Service
	AddonSvc addondomain.Service
	Billing  *config.BillingConfigHolder
	Clock    clock.Clock
	Metrics  *metrics.Metrics `optional:"true"`
}

type Rebuilder struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	subRepo  subscriptiondomain.Repository
	planSvc  plandomain.Service
	addonSvc addondomain.Service
	billing  *config.BillingConfigHolder
	clock    clock.Clock
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewRebuilder(p RebuilderParams) domain.Rebuilder {
	return &Rebuilder{
		db:       rls.Privileged(p.DB),
		log:      p.Log.Named("entitlement.rebuilder"),
		repo:     p.Repo,
		subRepo:  p.SubRepo,
		planSvc:  p.PlanSvc,
		addonSvc: p.AddonSvc,
		billing:  p.Billing,
		clock:    p.Clock,
		metrics:  p.Metrics,
		tracer:   otel.Tracer("tenantdesk/entitlement"),
	}
}

// Rebuild recomputes the tenant snapshot from the live subscription, its
// plan limits and the active add-ons, then overwrites the stored row.
func (r *Rebuilder) Rebuild(ctx context.Context, orgID snowflake.ID) (err error) {
	if orgID == 0 {
		return domain.ErrInvalidOrganization
	}

	ctx, span := r.tracer.Start(ctx, "entitlement.rebuild")
	start := time.Now()
	status := "error"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rebuild failed")
		}
		span.SetAttributes(attribute.String("entitlement.status", status))
		span.End()
		r.metrics.RecordRebuild(ctx, status, time.Since(start))
	}()

	snapshot, err := r.compute(ctx, orgID)
	if err != nil {
		return err
	}
	if err = r.repo.Upsert(ctx, r.db, snapshot); err != nil {
		return fmt.Errorf("write entitlements: %w", err)
	}
	status = snapshot.Status

	planCode := ""
	if snapshot.PlanCode != nil {
		planCode = *snapshot.PlanCode
	}
	r.log.Info("entitlements rebuilt",
		zap.String("org_id", orgID.String()),
		zap.String("plan_code", planCode),
		zap.String("status", snapshot.Status),
	)
	return nil
}

func (r *Rebuilder) compute(ctx context.Context, orgID snowflake.ID) (*domain.Snapshot, error) {
	now := r.clock.Now().UTC()

	sub, err := r.subRepo.FindLiveByOrg(ctx, r.db, orgID)
	if err != nil {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub == nil {
		return &domain.Snapshot{
			OrgID:     orgID,
			Status:    domain.StatusInactive,
			Limits:    datatypes.JSONMap{},
			Addons:    datatypes.JSONMap{},
			UpdatedAt: now,
		}, nil
	}

	plan, err := r.planSvc.Get(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}

	limits := datatypes.JSONMap{}
	for _, limit := range plan.Limits {
		switch {
		case limit.Value != nil:
			limits[limit.Key] = map[string]any{"value": *limit.Value}
		case limit.ValueText != nil:
			limits[limit.Key] = *limit.ValueText
		default:
			limits[limit.Key] = nil
		}
	}

	active, err := r.addonSvc.ActiveForOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load addons: %w", err)
	}
	addons := datatypes.JSONMap{}
	composeAddons(r.billing.Get(), active, limits, addons)

	status := sub.Status
	if sub.Status == subscriptiondomain.StatusPastDue && sub.GracePeriodUntil != nil && sub.GracePeriodUntil.After(now) {
		status = domain.StatusGracePeriod
	}

	code := plan.Code
	return &domain.Snapshot{
		OrgID:     orgID,
		PlanCode:  &code,
		Status:    status,
		Limits:    limits,
		Addons:    addons,
		UpdatedAt: now,
	}, nil
}

// composeAddons folds active add-ons into limits and addons following the
// configured rules. Codes without a rule are recorded as plain flags.
func composeAddons(cfg config.BillingConfig, active []addondomain.OrgAddon, limits, addons datatypes.JSONMap) {
	for _, item := range active {
		rule, ok := cfg.Rule(item.Code)
		if !ok {
			addons[item.Code] = true
			continue
		}

		switch rule.Kind {
		case config.AddonKindQuantity:
			// A row without a quantity still reports one unit in addons but
			// adds nothing to the limit.
			var quantity int64
			if item.Quantity != nil {
				quantity = int64(*item.Quantity)
			}
			if quantity > 0 {
				addons[item.Code] = quantity
			} else {
				addons[item.Code] = int64(1)
			}
			base, _ := (&domain.Snapshot{Limits: limits}).NumericLimit(rule.LimitKey)
			limits[rule.LimitKey] = map[string]any{"value": base + quantity}
		case config.AddonKindRetention:
			addons[item.Code] = true
			limits[rule.LimitKey] = rule.Value
		default:
			addons[item.Code] = true
			limits[rule.LimitKey] = true
		}
	}
}
