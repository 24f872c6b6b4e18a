package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/organization/domain"
	"github.com/smallbiznis/tenantdesk/pkg/db"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxSlugAttempts = 20

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
	Clock clock.Clock
}

type service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &service{
		db:    rls.Privileged(p.DB),
		log:   p.Log.Named("organization.service"),
		genID: p.GenID,
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *service) Create(ctx context.Context, req domain.CreateOrganizationRequest) (*domain.Organization, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	base := slug.Make(firstNonEmpty(req.Slug, name))
	if base == "" {
		return nil, domain.ErrInvalidName
	}

	now := s.clock.Now()
	org := domain.Organization{
		ID:        s.genID.Generate(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		resolved, err := s.uniqueSlug(ctx, tx, base)
		if err != nil {
			return err
		}
		org.Slug = resolved
		return s.repo.Insert(ctx, tx, &org)
	})
	if db.IsDuplicateKeyErr(err) {
		// A concurrent create claimed the slug between the check and the insert.
		return nil, domain.ErrSlugTaken
	}
	if err != nil {
		return nil, err
	}

	s.log.Info("organization created",
		zap.String("org_id", org.ID.String()),
		zap.String("slug", org.Slug),
	)
	return &org, nil
}

func (s *service) uniqueSlug(ctx context.Context, tx *gorm.DB, base string) (string, error) {
	candidate := base
	for i := 2; i <= maxSlugAttempts+1; i++ {
		exists, err := s.repo.SlugExists(ctx, tx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return fmt.Sprintf("%s-%s", base, s.genID.Generate().Base36()), nil
}

func (s *service) GetByID(ctx context.Context, id snowflake.ID) (*domain.Organization, error) {
	if id == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	org, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, domain.ErrOrganizationMissing
	}
	return org, nil
}

func (s *service) List(ctx context.Context, req domain.ListOrganizationRequest) (domain.ListOrganizationResponse, error) {
	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListOrganizationResponse{}, domain.ErrInvalidPageToken
	}
	var cursor *domain.Cursor
	if decoded != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListOrganizationResponse{}, domain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(decoded.ID)
		if err != nil || id == 0 {
			return domain.ListOrganizationResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{ID: id, CreatedAt: createdAt}
	}

	prefix := ""
	if query := strings.TrimSpace(req.Query); query != "" {
		prefix = slug.Make(query)
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		SlugPrefix: prefix,
		Cursor:     cursor,
		Limit:      limit,
	})
	if err != nil {
		return domain.ListOrganizationResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *domain.Organization) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	orgs := make([]domain.Organization, 0, len(items))
	for _, item := range items {
		orgs = append(orgs, *item)
	}
	return domain.ListOrganizationResponse{PageInfo: *pageInfo, Organizations: orgs}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
