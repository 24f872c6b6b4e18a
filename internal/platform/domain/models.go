package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
	"gorm.io/gorm"
)

// Tenant is an organization joined with its entitlement snapshot.
type Tenant struct {
	ID        snowflake.ID `json:"id"`
	Name      string       `json:"name"`
	Slug      string       `json:"slug"`
	Status    string       `json:"status"`
	PlanCode  *string      `json:"plan_code,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type ListTenantsRequest struct {
	pagination.Pagination
	Query string
}

type ListTenantsResponse struct {
	pagination.PageInfo
	Tenants []Tenant `json:"tenants"`
}

// Metrics is the platform revenue summary. MRR is in dollars.
type Metrics struct {
	MRR                   float64 `json:"mrr"`
	ActiveTenants         int64   `json:"activeTenants"`
	ChurnRate             float64 `json:"churnRate"`
	TotalSubscriptions    int64   `json:"totalSubscriptions"`
	TrialingSubscriptions int64   `json:"trialingSubscriptions"`
	PastDueSubscriptions  int64   `json:"pastDueSubscriptions"`
	CanceledSubscriptions int64   `json:"canceledSubscriptions"`
}

// RebuildReport summarises a fan-out rebuild.
type RebuildReport struct {
	Rebuilt int      `json:"rebuilt"`
	Failed  []string `json:"failed"`
}

type PlanChange struct {
	Plan    plandomain.PlanWithLimits `json:"plan"`
	Rebuild RebuildReport             `json:"rebuild"`
}

type Repository interface {
	CountSubscriptionsByStatus(ctx context.Context, db *gorm.DB) (map[string]int64, error)
	SumMonthlyPriceCents(ctx context.Context, db *gorm.DB, statuses []string) (int64, error)
	CountDistinctOrgs(ctx context.Context, db *gorm.DB, statuses []string) (int64, error)
	CountCreatedBefore(ctx context.Context, db *gorm.DB, statuses []string, before time.Time) (int64, error)
	CountCanceledBetween(ctx context.Context, db *gorm.DB, start, end time.Time) (int64, error)
	ListOrgIDs(ctx context.Context, db *gorm.DB) ([]snowflake.ID, error)
}

type Service interface {
	ListTenants(ctx context.Context, req ListTenantsRequest) (ListTenantsResponse, error)
	Metrics(ctx context.Context) (Metrics, error)
	ReplayEvent(ctx context.Context, eventID string) (billingwebhookdomain.Result, error)
	RebuildTenant(ctx context.Context, orgID snowflake.ID) (*entitlementdomain.Snapshot, error)
	RebuildAll(ctx context.Context) (RebuildReport, error)
	UpdatePlan(ctx context.Context, planID snowflake.ID, req plandomain.UpdateRequest) (PlanChange, error)
	UpdatePlanLimits(ctx context.Context, planID snowflake.ID, raw map[string]json.RawMessage) (PlanChange, error)
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidEvent  = errors.New("invalid_event")
)
