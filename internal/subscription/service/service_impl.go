package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Service struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:   rls.Privileged(p.DB),
		log:  p.Log.Named("subscription.service"),
		repo: p.Repo,
	}
}

func (s *Service) GetLiveByOrg(ctx context.Context, orgID snowflake.ID) (*domain.Subscription, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidSubscription
	}
	return s.repo.FindLiveByOrg(ctx, s.db, orgID)
}

func (s *Service) ListLiveOrgIDsByPlan(ctx context.Context, planID snowflake.ID) ([]snowflake.ID, error) {
	return s.repo.ListLiveOrgIDsByPlan(ctx, s.db, planID)
}

func (s *Service) List(ctx context.Context, req domain.ListSubscriptionRequest) (domain.ListSubscriptionResponse, error) {
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if status != "" && !domain.ValidStatus(status) {
		return domain.ListSubscriptionResponse{}, domain.ErrInvalidStatus
	}

	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListSubscriptionResponse{}, domain.ErrInvalidPageToken
	}
	var cursor *domain.Cursor
	if decoded != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListSubscriptionResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil || id == 0 {
			return domain.ListSubscriptionResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{ID: id, CreatedAt: createdAt}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		Status: status,
		OrgID:  req.OrgID,
		Cursor: cursor,
		Limit:  limit,
	})
	if err != nil {
		return domain.ListSubscriptionResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *domain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	subs := make([]domain.Subscription, 0, len(items))
	for _, item := range items {
		subs = append(subs, *item)
	}
	return domain.ListSubscriptionResponse{PageInfo: *pageInfo, Subscriptions: subs}, nil
}
