package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	"github.com/smallbiznis/tenantdesk/internal/audit/masking"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	AuditSvc auditdomain.Service
	Clock    clock.Clock
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	auditSvc auditdomain.Service
	clock    clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       rls.Privileged(p.DB),
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
		clock:    p.Clock,
	}
}

func (s *Service) List(ctx context.Context) ([]domain.Plan, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.PlanWithLimits, error) {
	if id == 0 {
		return domain.PlanWithLimits{}, domain.ErrInvalidID
	}
	plan, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.PlanWithLimits{}, err
	}
	if plan == nil {
		return domain.PlanWithLimits{}, domain.ErrPlanNotFound
	}
	limits, err := s.repo.ListLimits(ctx, s.db, id)
	if err != nil {
		return domain.PlanWithLimits{}, err
	}
	return domain.PlanWithLimits{Plan: *plan, Limits: limits}, nil
}

func (s *Service) ResolveActiveByPriceID(ctx context.Context, priceID string) (*domain.Plan, error) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return nil, domain.ErrPlanNotFound
	}
	plan, err := s.repo.FindActiveByStripePriceID(ctx, s.db, priceID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("%w: price %s", domain.ErrPlanNotFound, priceID)
	}
	return plan, nil
}

func (s *Service) Limits(ctx context.Context, planID snowflake.ID) ([]domain.Limit, error) {
	return s.repo.ListLimits(ctx, s.db, planID)
}

func (s *Service) Update(ctx context.Context, id snowflake.ID, req domain.UpdateRequest) (domain.Plan, error) {
	if req.Name == nil && req.Active == nil && req.MonthlyPriceCents == nil {
		return domain.Plan{}, domain.ErrEmptyUpdate
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return domain.Plan{}, domain.ErrInvalidName
	}
	if req.MonthlyPriceCents != nil && *req.MonthlyPriceCents < 0 {
		return domain.Plan{}, domain.ErrInvalidPrice
	}

	var before, after domain.Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrPlanNotFound
		}
		before = *current
		after = *current

		if req.Name != nil {
			after.Name = strings.TrimSpace(*req.Name)
		}
		if req.Active != nil {
			after.Active = *req.Active
		}
		if req.MonthlyPriceCents != nil {
			after.MonthlyPriceCents = *req.MonthlyPriceCents
		}
		after.UpdatedAt = s.clock.Now().UTC()
		return s.repo.Update(ctx, tx, &after)
	})
	if err != nil {
		return domain.Plan{}, err
	}

	target := id.String()
	metadata := masking.MaskFields(map[string]any{
		"before": planSnapshot(before),
		"after":  planSnapshot(after),
	}, "stripe_price_id", "stripe_product_id")
	if err := s.auditSvc.AuditLog(ctx, nil, "", nil, "plan_updated", "plan", &target, metadata); err != nil {
		s.log.Warn("plan update audit failed", zap.String("plan_id", target), zap.Error(err))
	}

	return after, nil
}

func (s *Service) UpdateLimits(ctx context.Context, id snowflake.ID, changes map[string]domain.LimitInput) (domain.PlanWithLimits, error) {
	if len(changes) == 0 {
		return domain.PlanWithLimits{}, domain.ErrEmptyUpdate
	}

	var before []domain.Limit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if plan == nil {
			return domain.ErrPlanNotFound
		}
		before, err = s.repo.ListLimits(ctx, tx, id)
		if err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		for _, key := range sortedKeys(changes) {
			change := changes[key]
			if change.Delete {
				if err := s.repo.DeleteLimit(ctx, tx, id, key); err != nil {
					return err
				}
				continue
			}
			if change.Number != nil && change.Text != nil {
				return domain.ErrInvalidLimitValue
			}
			if err := s.repo.UpsertLimit(ctx, tx, &domain.Limit{
				ID:        s.genID.Generate(),
				PlanID:    id,
				Key:       key,
				Value:     change.Number,
				ValueText: change.Text,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.PlanWithLimits{}, err
	}

	updated, err := s.Get(ctx, id)
	if err != nil {
		return domain.PlanWithLimits{}, err
	}

	target := id.String()
	metadata := map[string]any{
		"before": limitSnapshot(before),
		"after":  limitSnapshot(updated.Limits),
	}
	if err := s.auditSvc.AuditLog(ctx, nil, "", nil, "plan_limits_updated", "plan", &target, metadata); err != nil {
		s.log.Warn("plan limits audit failed", zap.String("plan_id", target), zap.Error(err))
	}

	return updated, nil
}

func (s *Service) Ensure(ctx context.Context, req domain.EnsureRequest) (domain.Plan, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return domain.Plan{}, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code
	}

	var result domain.Plan
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now().UTC()
		existing, err := s.repo.FindByCode(ctx, tx, code)
		if err != nil {
			return err
		}

		if existing == nil {
			result = domain.Plan{
				ID:                s.genID.Generate(),
				Code:              code,
				Name:              name,
				Active:            true,
				MonthlyPriceCents: req.MonthlyPriceCents,
				StripePriceID:     optionalString(req.StripePriceID),
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if err := s.repo.Insert(ctx, tx, &result); err != nil {
				return err
			}
		} else {
			result = *existing
			result.Name = name
			result.MonthlyPriceCents = req.MonthlyPriceCents
			if price := optionalString(req.StripePriceID); price != nil {
				result.StripePriceID = price
			}
			result.UpdatedAt = now
			if err := s.repo.Update(ctx, tx, &result); err != nil {
				return err
			}
		}

		for _, key := range sortedKeys(req.Limits) {
			value := req.Limits[key]
			if err := s.repo.UpsertLimit(ctx, tx, &domain.Limit{
				ID:        s.genID.Generate(),
				PlanID:    result.ID,
				Key:       key,
				Value:     &value,
				CreatedAt: now,
				UpdatedAt: now,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Plan{}, err
	}
	return result, nil
}

func planSnapshot(p domain.Plan) map[string]any {
	out := map[string]any{
		"name":                p.Name,
		"active":              p.Active,
		"monthly_price_cents": p.MonthlyPriceCents,
	}
	if p.StripePriceID != nil {
		out["stripe_price_id"] = *p.StripePriceID
	}
	if p.StripeProductID != nil {
		out["stripe_product_id"] = *p.StripeProductID
	}
	return out
}

func limitSnapshot(limits []domain.Limit) map[string]any {
	out := make(map[string]any, len(limits))
	for _, l := range limits {
		switch {
		case l.Value != nil:
			out[l.Key] = *l.Value
		case l.ValueText != nil:
			out[l.Key] = *l.ValueText
		default:
			out[l.Key] = nil
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func optionalString(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
