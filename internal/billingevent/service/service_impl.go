package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLength = 2000

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Repo  domain.Repository
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	repo  domain.Repository
	clock clock.Clock
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    rls.Privileged(p.DB),
		log:   p.Log.Named("billingevent.service"),
		repo:  p.Repo,
		clock: p.Clock,
	}
}

func (s *Service) Get(ctx context.Context, eventID string) (*domain.Event, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil, domain.ErrInvalidEvent
	}
	return s.repo.Find(ctx, s.db, eventID)
}

func (s *Service) Record(ctx context.Context, eventID, eventType string, payload []byte) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" || strings.TrimSpace(eventType) == "" {
		return domain.ErrInvalidEvent
	}
	if !json.Valid(payload) {
		return domain.ErrInvalidEvent
	}

	return s.repo.Upsert(ctx, s.db, &domain.Event{
		EventID:    eventID,
		Type:       eventType,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: s.clock.Now().UTC(),
	})
}

func (s *Service) MarkProcessed(ctx context.Context, eventID string) error {
	return s.repo.MarkProcessed(ctx, s.db, eventID, s.clock.Now().UTC())
}

func (s *Service) RecordFailure(ctx context.Context, eventID string, cause error) (int, error) {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}
	if len(message) > maxErrorLength {
		message = message[:maxErrorLength]
	}
	return s.repo.RecordFailure(ctx, s.db, eventID, message)
}

// MarkDeadLettered returns changed=false when another caller already
// dead-lettered the event.
func (s *Service) MarkDeadLettered(ctx context.Context, eventID string) (time.Time, bool, error) {
	at := s.clock.Now().UTC()
	changed, err := s.repo.MarkDeadLettered(ctx, s.db, eventID, at)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, changed, nil
}

func (s *Service) List(ctx context.Context, req domain.ListEventsRequest) (domain.ListEventsResponse, error) {
	decoded, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
	}

	var cursor *domain.Cursor
	if decoded != nil {
		receivedAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return domain.ListEventsResponse{}, domain.ErrInvalidPageToken
		}
		cursor = &domain.Cursor{EventID: decoded.ID, ReceivedAt: receivedAt}
	}

	limit := req.Limit()
	items, err := s.repo.List(ctx, s.db, domain.ListFilter{
		Pending: req.Pending,
		Type:    strings.TrimSpace(req.Type),
		Cursor:  cursor,
		Limit:   limit,
	})
	if err != nil {
		return domain.ListEventsResponse{}, err
	}

	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(item *domain.Event) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.EventID,
			CreatedAt: item.ReceivedAt.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	events := make([]domain.Event, 0, len(items))
	for _, item := range items {
		events = append(events, *item)
	}
	return domain.ListEventsResponse{PageInfo: *pageInfo, Events: events}, nil
}
