package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
)

type ListAuditLogRequest struct {
	pagination.Pagination
	OrgID      *snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	AuditLog(ctx context.Context, orgID *snowflake.ID, actorType string, actorID *string, action string, targetType string, targetID *string, metadata map[string]any) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
	// ListOrgIDs returns every tenant that owns at least one entry.
	ListOrgIDs(ctx context.Context) ([]snowflake.ID, error)
	// PurgeExpired drops a tenant's entries older than retentionDays.
	PurgeExpired(ctx context.Context, orgID snowflake.ID, retentionDays int) (int64, error)
}

var (
	ErrInvalidPageToken = errors.New("invalid_page_token")
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidAction    = errors.New("invalid_action")
	ErrInvalidRetention = errors.New("invalid_retention")
	ErrInvalidOrg       = errors.New("invalid_organization")
)
