package service

import (
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/config"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	orgdomain "github.com/smallbiznis/tenantdesk/internal/organization/domain"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"github.com/smallbiznis/tenantdesk/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	churnWindow     = 30 * 24 * time.Hour
	rebuildParallel = 4
	rebuildAllKey   = "lock:entitlements:rebuild_all"
	defaultLockTTL  = 5 * time.Minute
)

var payingStatuses = []string{subscriptiondomain.StatusActive, subscriptiondomain.StatusTrialing}

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Repo            domain.Repository
	OrgSvc          orgdomain.Service
	PlanSvc         plandomain.Service
	SubSvc          subscriptiondomain.Service
	EntitlementRepo entitlementdomain.Repository
	Rebuilder       entitlementdomain.Rebuilder
	Dispatcher      billingwebhookdomain.Dispatcher
	AuditSvc        auditdomain.Service `optional:"true"`
	Locker          *ratelimit.Locker   `optional:"true"`
	Cfg             config.Config       `optional:"true"`
	Clock           clock.Clock
}

type Service struct {
	db              *gorm.DB
	log             *zap.Logger
	repo            domain.Repository
	orgSvc          orgdomain.Service
	planSvc         plandomain.Service
	subSvc          subscriptiondomain.Service
	entitlementRepo entitlementdomain.Repository
	rebuilder       entitlementdomain.Rebuilder
	dispatcher      billingwebhookdomain.Dispatcher
	auditSvc        auditdomain.Service
	locker          *ratelimit.Locker
	lockTTL         time.Duration
	clock           clock.Clock
}

func NewService(p Params) domain.Service {
	lockTTL := time.Duration(p.Cfg.RateLimit.RebuildLockMS) * time.Millisecond
	if lockTTL <= 0 {
		lockTTL = defaultLockTTL
	}
	return &Service{
		db:              rls.Privileged(p.DB),
		log:             p.Log.Named("platform.service"),
		repo:            p.Repo,
		orgSvc:          p.OrgSvc,
		planSvc:         p.PlanSvc,
		subSvc:          p.SubSvc,
		entitlementRepo: p.EntitlementRepo,
		rebuilder:       p.Rebuilder,
		dispatcher:      p.Dispatcher,
		auditSvc:        p.AuditSvc,
		locker:          p.Locker,
		lockTTL:         lockTTL,
		clock:           p.Clock,
	}
}

func (s *Service) ListTenants(ctx context.Context, req domain.ListTenantsRequest) (domain.ListTenantsResponse, error) {
	orgs, err := s.orgSvc.List(ctx, orgdomain.ListOrganizationRequest{
		Pagination: req.Pagination,
		Query:      req.Query,
	})
	if err != nil {
		return domain.ListTenantsResponse{}, err
	}

	ids := make([]snowflake.ID, 0, len(orgs.Organizations))
	for _, org := range orgs.Organizations {
		ids = append(ids, org.ID)
	}
	snapshots, err := s.entitlementRepo.ListByOrgIDs(ctx, s.db, ids)
	if err != nil {
		return domain.ListTenantsResponse{}, err
	}
	byOrg := make(map[snowflake.ID]entitlementdomain.Snapshot, len(snapshots))
	for _, snapshot := range snapshots {
		byOrg[snapshot.OrgID] = snapshot
	}

	tenants := make([]domain.Tenant, 0, len(orgs.Organizations))
	for _, org := range orgs.Organizations {
		tenant := domain.Tenant{
			ID:        org.ID,
			Name:      org.Name,
			Slug:      org.Slug,
			Status:    entitlementdomain.StatusInactive,
			CreatedAt: org.CreatedAt,
		}
		if snapshot, ok := byOrg[org.ID]; ok {
			tenant.Status = snapshot.Status
			tenant.PlanCode = snapshot.PlanCode
		}
		tenants = append(tenants, tenant)
	}
	return domain.ListTenantsResponse{PageInfo: orgs.PageInfo, Tenants: tenants}, nil
}

func (s *Service) Metrics(ctx context.Context) (domain.Metrics, error) {
	counts, err := s.repo.CountSubscriptionsByStatus(ctx, s.db)
	if err != nil {
		return domain.Metrics{}, err
	}
	mrrCents, err := s.repo.SumMonthlyPriceCents(ctx, s.db, payingStatuses)
	if err != nil {
		return domain.Metrics{}, err
	}
	activeTenants, err := s.repo.CountDistinctOrgs(ctx, s.db, payingStatuses)
	if err != nil {
		return domain.Metrics{}, err
	}

	now := s.clock.Now()
	start := now.Add(-churnWindow)
	churnRate := 0.0
	base, err := s.repo.CountCreatedBefore(ctx, s.db, payingStatuses, start)
	if err != nil {
		return domain.Metrics{}, err
	}
	if base > 0 {
		canceled, err := s.repo.CountCanceledBetween(ctx, s.db, start, now)
		if err != nil {
			return domain.Metrics{}, err
		}
		churnRate = float64(canceled) / float64(base) * 100
	}

	var total int64
	for _, count := range counts {
		total += count
	}

	return domain.Metrics{
		MRR:                   float64(mrrCents) / 100,
		ActiveTenants:         activeTenants,
		ChurnRate:             churnRate,
		TotalSubscriptions:    total,
		TrialingSubscriptions: counts[subscriptiondomain.StatusTrialing],
		PastDueSubscriptions:  counts[subscriptiondomain.StatusPastDue],
		CanceledSubscriptions: counts[subscriptiondomain.StatusCanceled],
	}, nil
}

func (s *Service) ReplayEvent(ctx context.Context, eventID string) (billingwebhookdomain.Result, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return "", domain.ErrInvalidEvent
	}

	result, err := s.dispatcher.Replay(ctx, eventID)
	if err != nil {
		return "", err
	}
	s.audit(ctx, "billing_event_replayed", "billing_event", eventID, map[string]any{
		"result": string(result),
	})
	return result, nil
}

func (s *Service) RebuildTenant(ctx context.Context, orgID snowflake.ID) (*entitlementdomain.Snapshot, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidTenant
	}
	if _, err := s.orgSvc.GetByID(ctx, orgID); err != nil {
		return nil, err
	}
	if err := s.rebuilder.Rebuild(ctx, orgID); err != nil {
		return nil, err
	}
	snapshot, err := s.entitlementRepo.Find(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	if snapshot != nil {
		metadata["status"] = snapshot.Status
	}
	s.audit(ctx, "entitlements_rebuilt", "tenant", orgID.String(), metadata)
	return snapshot, nil
}

// RebuildAll holds a cluster-wide lease so only one full sweep runs at a
// time. A second caller gets ratelimit.ErrLockHeld.
func (s *Service) RebuildAll(ctx context.Context) (domain.RebuildReport, error) {
	var report domain.RebuildReport
	err := s.locker.WithLock(ctx, rebuildAllKey, s.lockTTL, func(ctx context.Context) error {
		ids, err := s.repo.ListOrgIDs(ctx, s.db)
		if err != nil {
			return err
		}
		report = s.rebuildMany(ctx, ids)
		return nil
	})
	if err != nil {
		return domain.RebuildReport{}, err
	}
	return report, nil
}

func (s *Service) UpdatePlan(ctx context.Context, planID snowflake.ID, req plandomain.UpdateRequest) (domain.PlanChange, error) {
	if _, err := s.planSvc.Update(ctx, planID, req); err != nil {
		return domain.PlanChange{}, err
	}
	plan, err := s.planSvc.Get(ctx, planID)
	if err != nil {
		return domain.PlanChange{}, err
	}
	report, err := s.rebuildPlanTenants(ctx, planID)
	if err != nil {
		return domain.PlanChange{}, err
	}
	return domain.PlanChange{Plan: plan, Rebuild: report}, nil
}

// UpdatePlanLimits patches limits and rebuilds every live tenant on the plan
// so their snapshots converge on the new values.
func (s *Service) UpdatePlanLimits(ctx context.Context, planID snowflake.ID, raw map[string]json.RawMessage) (domain.PlanChange, error) {
	changes, err := plandomain.ParseLimitInputs(raw)
	if err != nil {
		return domain.PlanChange{}, err
	}
	plan, err := s.planSvc.UpdateLimits(ctx, planID, changes)
	if err != nil {
		return domain.PlanChange{}, err
	}
	report, err := s.rebuildPlanTenants(ctx, planID)
	if err != nil {
		return domain.PlanChange{}, err
	}
	return domain.PlanChange{Plan: plan, Rebuild: report}, nil
}

func (s *Service) rebuildPlanTenants(ctx context.Context, planID snowflake.ID) (domain.RebuildReport, error) {
	ids, err := s.subSvc.ListLiveOrgIDsByPlan(ctx, planID)
	if err != nil {
		return domain.RebuildReport{}, err
	}
	report := s.rebuildMany(ctx, ids)
	s.log.Info("plan tenants rebuilt",
		zap.String("plan_id", planID.String()),
		zap.Int("rebuilt", report.Rebuilt),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

// rebuildMany attempts every id and reports failures instead of stopping.
func (s *Service) rebuildMany(ctx context.Context, ids []snowflake.ID) domain.RebuildReport {
	var (
		mu     sync.Mutex
		report = domain.RebuildReport{Failed: []string{}}
	)

	var g errgroup.Group
	g.SetLimit(rebuildParallel)
	for _, id := range ids {
		g.Go(func() error {
			err := s.rebuilder.Rebuild(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.log.Warn("tenant rebuild failed", zap.String("org_id", id.String()), zap.Error(err))
				report.Failed = append(report.Failed, id.String())
				return nil
			}
			report.Rebuilt++
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(report.Failed)
	return report
}

func (s *Service) audit(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, nil, "", nil, action, targetType, &targetID, metadata); err != nil {
		s.log.Warn("platform audit failed", zap.String("action", action), zap.Error(err))
	}
}
