package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	addondomain "github.com/smallbiznis/tenantdesk/internal/addon/domain"
	"github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Provider domain.Provider
	PlanSvc  plandomain.Service
	AddonSvc addondomain.Service
	SubSvc   subscriptiondomain.Service
}

type Service struct {
	log      *zap.Logger
	cfg      config.StripeConfig
	provider domain.Provider
	planSvc  plandomain.Service
	addonSvc addondomain.Service
	subSvc   subscriptiondomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		log:      p.Log.Named("checkout.service"),
		cfg:      p.Cfg.Stripe,
		provider: p.Provider,
		planSvc:  p.PlanSvc,
		addonSvc: p.AddonSvc,
		subSvc:   p.SubSvc,
	}
}

// CreateCheckout opens a checkout for the plan behind req.PriceID plus any
// active add-ons. Unknown add-on prices are dropped.
func (s *Service) CreateCheckout(ctx context.Context, orgID snowflake.ID, req domain.CheckoutRequest) (domain.CheckoutResponse, error) {
	if orgID == 0 {
		return domain.CheckoutResponse{}, domain.ErrInvalidOrganization
	}
	priceID := strings.TrimSpace(req.PriceID)
	if priceID == "" {
		return domain.CheckoutResponse{}, domain.ErrMissingPriceID
	}

	plan, err := s.planSvc.ResolveActiveByPriceID(ctx, priceID)
	if err != nil {
		if errors.Is(err, plandomain.ErrPlanNotFound) {
			return domain.CheckoutResponse{}, domain.ErrInvalidPlan
		}
		return domain.CheckoutResponse{}, err
	}

	addons, err := s.addonSvc.ResolveByPriceIDs(ctx, req.Addons)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	priceIDs := []string{priceID}
	for _, addon := range addons {
		if addon.StripePriceID != nil {
			priceIDs = append(priceIDs, *addon.StripePriceID)
		}
	}

	session, err := s.provider.CreateCheckoutSession(ctx, domain.SessionParams{
		OrgID:      orgID,
		PriceIDs:   priceIDs,
		SuccessURL: s.cfg.DefaultSuccessURL,
		CancelURL:  s.cfg.DefaultCancelURL,
	})
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	s.log.Info("checkout started",
		zap.String("org_id", orgID.String()),
		zap.String("plan_code", plan.Code),
		zap.Int("addons", len(addons)),
	)
	return domain.CheckoutResponse{SessionID: session.ID, URL: session.URL}, nil
}

func (s *Service) CreatePortal(ctx context.Context, orgID snowflake.ID) (domain.PortalResponse, error) {
	if orgID == 0 {
		return domain.PortalResponse{}, domain.ErrInvalidOrganization
	}
	sub, err := s.subSvc.GetLiveByOrg(ctx, orgID)
	if err != nil {
		return domain.PortalResponse{}, err
	}
	if sub == nil || strings.TrimSpace(sub.StripeCustomerID) == "" {
		return domain.PortalResponse{}, domain.ErrNoActiveSubscription
	}

	url, err := s.provider.CreatePortalSession(ctx, sub.StripeCustomerID, s.cfg.DefaultCancelURL)
	if err != nil {
		return domain.PortalResponse{}, err
	}
	return domain.PortalResponse{URL: url}, nil
}
