package service

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	"github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	"github.com/smallbiznis/tenantdesk/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reasonNoEntitlements = "No entitlements found"
	reasonInactive       = "Subscription inactive"
	reasonGraceExpired   = "Grace period expired. Please update payment method."
)

type GateParams struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Repo      domain.Repository
	SubRepo   subscriptiondomain.Repository
	Rebuilder domain.Rebuilder
	Clock     clock.Clock
	Metrics   *metrics.Metrics `optional:"true"`
}

type Gate struct {
	db        *gorm.DB
	log       *zap.Logger
	repo      domain.Repository
	subRepo   subscriptiondomain.Repository
	rebuilder domain.Rebuilder
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func NewGate(p GateParams) domain.Gate {
	return &Gate{
		db:        rls.Privileged(p.DB),
		log:       p.Log.Named("entitlement.gate"),
		repo:      p.Repo,
		subRepo:   p.SubRepo,
		rebuilder: p.Rebuilder,
		clock:     p.Clock,
		metrics:   p.Metrics,
	}
}

func (g *Gate) Snapshot(ctx context.Context, orgID snowflake.ID) (*domain.Snapshot, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	snapshot, err := g.repo.Find(ctx, g.db, orgID)
	if err != nil {
		return nil, err
	}
	if snapshot != nil {
		return snapshot, nil
	}

	// self-heal: one synchronous rebuild, then a single re-read
	g.log.Warn("entitlements missing, rebuilding", zap.String("org_id", orgID.String()))
	if err := g.rebuilder.Rebuild(ctx, orgID); err != nil {
		return nil, fmt.Errorf("self-heal rebuild: %w", err)
	}
	return g.repo.Find(ctx, g.db, orgID)
}

func (g *Gate) CheckGracePeriod(ctx context.Context, orgID snowflake.ID) (domain.GraceInfo, error) {
	if orgID == 0 {
		return domain.GraceInfo{}, domain.ErrInvalidOrganization
	}
	sub, err := g.subRepo.FindLiveByOrg(ctx, g.db, orgID)
	if err != nil {
		return domain.GraceInfo{}, err
	}
	if sub == nil || sub.Status != subscriptiondomain.StatusPastDue || sub.GracePeriodUntil == nil {
		return domain.GraceInfo{}, nil
	}

	until := sub.GracePeriodUntil.UTC()
	remaining := until.Sub(g.clock.Now())
	info := domain.GraceInfo{GraceUntil: &until}
	if remaining > 0 {
		info.IsInGrace = true
		info.DaysRemaining = int(math.Ceil(remaining.Hours() / 24))
	}
	return info, nil
}

func (g *Gate) CanPerformLimitedAction(ctx context.Context, orgID snowflake.ID, kind domain.ResourceKind, usage int64) (domain.Decision, error) {
	snapshot, denial, err := g.admit(ctx, orgID)
	if err != nil || denial != nil {
		return g.deny(ctx, "status", denial), err
	}

	key := kind.LimitKey()
	limit, ok := snapshot.NumericLimit(key)
	if !ok {
		return g.deny(ctx, "invalid_limit", &domain.Decision{Reason: fmt.Sprintf("Invalid %s limit", key)}), nil
	}

	if usage >= limit {
		return g.deny(ctx, "limit_reached", &domain.Decision{
			Reason: fmt.Sprintf("Maximum %s limit reached (%d)", kind, limit),
			Limit:  &limit,
			Usage:  &usage,
		}), nil
	}
	return domain.Decision{Allowed: true, Limit: &limit, Usage: &usage}, nil
}

func (g *Gate) CanUseFeature(ctx context.Context, orgID snowflake.ID, featureKey string) (domain.Decision, error) {
	snapshot, denial, err := g.admit(ctx, orgID)
	if err != nil || denial != nil {
		return g.deny(ctx, "status", denial), err
	}

	if !snapshot.HasFeature(featureKey) {
		return g.deny(ctx, "feature_required", &domain.Decision{
			Reason: fmt.Sprintf("%s addon required. Please upgrade your plan.", featureLabel(featureKey)),
		}), nil
	}
	return domain.Decision{Allowed: true}, nil
}

// CheckStatus reports the tenant status for writes that are still allowed
// during grace.
func (g *Gate) CheckStatus(ctx context.Context, orgID snowflake.ID) (domain.StatusInfo, error) {
	snapshot, err := g.Snapshot(ctx, orgID)
	if err != nil {
		return domain.StatusInfo{}, err
	}
	if snapshot == nil {
		return domain.StatusInfo{Status: domain.StatusInactive}, nil
	}

	info := domain.StatusInfo{
		Status:   snapshot.Status,
		IsActive: snapshot.Status == subscriptiondomain.StatusActive || snapshot.Status == subscriptiondomain.StatusTrialing,
	}
	if !gracedStatus(snapshot.Status) {
		return info, nil
	}

	grace, err := g.CheckGracePeriod(ctx, orgID)
	if err != nil {
		return domain.StatusInfo{}, err
	}
	if grace.IsInGrace {
		info.IsInGrace = true
		info.Warning = fmt.Sprintf("Payment past due. Grace period expires in %d days.", grace.DaysRemaining)
	}
	return info, nil
}

func (g *Gate) AuditRetentionDays(ctx context.Context, orgID snowflake.ID) (int, error) {
	snapshot, err := g.Snapshot(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if snapshot.HasFeature(domain.AddonAuditRetention365) {
		return domain.ExtendedAuditRetentionDays, nil
	}
	return domain.DefaultAuditRetentionDays, nil
}

// admit applies the status gating shared by every critical write. A non-nil
// decision is a denial.
func (g *Gate) admit(ctx context.Context, orgID snowflake.ID) (*domain.Snapshot, *domain.Decision, error) {
	snapshot, err := g.Snapshot(ctx, orgID)
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil {
		return nil, &domain.Decision{Reason: reasonNoEntitlements}, nil
	}

	switch {
	case snapshot.Status == domain.StatusInactive || snapshot.Status == subscriptiondomain.StatusCanceled:
		return nil, &domain.Decision{Reason: reasonInactive}, nil
	case gracedStatus(snapshot.Status):
		// the snapshot may predate grace expiry, so ask the live row
		grace, err := g.CheckGracePeriod(ctx, orgID)
		if err != nil {
			return nil, nil, err
		}
		if !grace.IsInGrace {
			return nil, &domain.Decision{Reason: reasonGraceExpired}, nil
		}
	}
	return snapshot, nil, nil
}

// deny counts the denial under a low-cardinality reason code.
func (g *Gate) deny(ctx context.Context, code string, decision *domain.Decision) domain.Decision {
	if decision == nil {
		return domain.Decision{}
	}
	decision.Allowed = false
	if code == "status" {
		code = statusCodes[decision.Reason]
	}
	g.metrics.RecordGateDenial(ctx, code)
	return *decision
}

var statusCodes = map[string]string{
	reasonNoEntitlements: "no_entitlements",
	reasonInactive:       "inactive",
	reasonGraceExpired:   "grace_expired",
}

func gracedStatus(status string) bool {
	return status == subscriptiondomain.StatusPastDue || status == domain.StatusGracePeriod
}

// featureLabel turns "realtime_tracking" into "Realtime tracking".
func featureLabel(key string) string {
	label := strings.TrimSpace(strings.ReplaceAll(key, "_", " "))
	if label == "" {
		return "Feature"
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
