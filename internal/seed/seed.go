package seed

import (
	"context"
	"fmt"

	addondomain "github.com/smallbiznis/tenantdesk/internal/addon/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	PlanSvc  plandomain.Service
	AddonSvc addondomain.Service
	Billing  *config.BillingConfigHolder
}

// Catalog upserts the plans and add-ons declared in billing.yml.
type Catalog struct {
	log      *zap.Logger
	planSvc  plandomain.Service
	addonSvc addondomain.Service
	billing  *config.BillingConfigHolder
}

func NewCatalog(p Params) *Catalog {
	return &Catalog{
		log:      p.Log.Named("seed.catalog"),
		planSvc:  p.PlanSvc,
		addonSvc: p.AddonSvc,
		billing:  p.Billing,
	}
}

// EnsureCatalog is safe to run on every boot. Existing rows keep their ids
// and Stripe price ids unless billing.yml provides a new one.
func (c *Catalog) EnsureCatalog(ctx context.Context) error {
	cfg := c.billing.Get()

	for _, plan := range cfg.Plans {
		seeded, err := c.planSvc.Ensure(ctx, plandomain.EnsureRequest{
			Code:              plan.Code,
			Name:              plan.Name,
			MonthlyPriceCents: plan.MonthlyPriceCents,
			StripePriceID:     plan.StripePriceID,
			Limits:            plan.Limits,
		})
		if err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.Code, err)
		}
		c.log.Debug("plan seeded", zap.String("code", seeded.Code), zap.String("plan_id", seeded.ID.String()))
	}

	for _, addon := range cfg.Addons {
		seeded, err := c.addonSvc.Ensure(ctx, addondomain.EnsureRequest{
			Code:          addon.Code,
			Name:          addon.Name,
			StripePriceID: addon.StripePriceID,
		})
		if err != nil {
			return fmt.Errorf("seed addon %s: %w", addon.Code, err)
		}
		c.log.Debug("addon seeded", zap.String("code", seeded.Code), zap.String("addon_id", seeded.ID.String()))
	}

	c.log.Info("billing catalog ensured",
		zap.Int("plans", len(cfg.Plans)),
		zap.Int("addons", len(cfg.Addons)),
	)
	return nil
}

// RegisterOnStart seeds the catalog before the HTTP server accepts traffic.
func RegisterOnStart(lc fx.Lifecycle, catalog *Catalog) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return catalog.EnsureCatalog(ctx)
		},
	})
}

var Module = fx.Module("seed.catalog",
	fx.Provide(NewCatalog),
)
