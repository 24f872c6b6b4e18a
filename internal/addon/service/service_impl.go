package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/addon/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/pkg/db"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    rls.Privileged(p.DB),
		log:   p.Log.Named("addon.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) List(ctx context.Context) ([]domain.Addon, error) {
	return s.repo.List(ctx, s.db)
}

func (s *Service) ResolveByPriceIDs(ctx context.Context, priceIDs []string) ([]domain.Addon, error) {
	wanted := make([]string, 0, len(priceIDs))
	seen := make(map[string]struct{}, len(priceIDs))
	for _, id := range priceIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		wanted = append(wanted, id)
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	found, err := s.repo.FindActiveByStripePriceIDs(ctx, s.db, wanted)
	if err != nil {
		return nil, err
	}
	byPrice := make(map[string]domain.Addon, len(found))
	for _, item := range found {
		if item.StripePriceID != nil {
			byPrice[*item.StripePriceID] = item
		}
	}

	out := make([]domain.Addon, 0, len(found))
	for _, id := range wanted {
		item, ok := byPrice[id]
		if !ok {
			s.log.Debug("skipping unknown addon price", zap.String("price_id", id))
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *Service) ActiveForOrg(ctx context.Context, orgID snowflake.ID) ([]domain.OrgAddon, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrg
	}
	return s.repo.ListActiveForOrg(ctx, s.db, orgID)
}

func (s *Service) Ensure(ctx context.Context, req domain.EnsureRequest) (domain.Addon, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return domain.Addon{}, domain.ErrInvalidCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = code
	}
	var price *string
	if trimmed := strings.TrimSpace(req.StripePriceID); trimmed != "" {
		price = &trimmed
	}

	now := s.clock.Now().UTC()
	existing, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return domain.Addon{}, err
	}
	if existing != nil {
		existing.Name = name
		if price != nil {
			existing.StripePriceID = price
		}
		existing.UpdatedAt = now
		if err := s.repo.Update(ctx, s.db, existing); err != nil {
			return domain.Addon{}, err
		}
		return *existing, nil
	}

	item := domain.Addon{
		ID:            s.genID.Generate(),
		Code:          code,
		Name:          name,
		Active:        true,
		StripePriceID: price,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, &item); err != nil {
		if !db.IsDuplicateKeyErr(err) {
			return domain.Addon{}, err
		}
		// Another replica seeded the same code first.
		winner, findErr := s.repo.FindByCode(ctx, s.db, code)
		if findErr != nil || winner == nil {
			return domain.Addon{}, err
		}
		return *winner, nil
	}
	return item, nil
}
