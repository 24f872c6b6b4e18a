package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// ResourceKind names a counted resource. Its limit key is "max_<kind>".
type ResourceKind string

const ResourceDrivers ResourceKind = "drivers"

func (k ResourceKind) LimitKey() string { return "max_" + string(k) }

const (
	FeatureRealtimeTracking = "realtime_tracking"
	AddonAuditRetention365  = "audit_retention_365"
	AddonExtraDrivers       = "extra_drivers"

	DefaultAuditRetentionDays  = 30
	ExtendedAuditRetentionDays = 365
)

// Decision is the gate verdict. Business denials are decisions, not errors.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Limit   *int64 `json:"limit,omitempty"`
	Usage   *int64 `json:"usage,omitempty"`
}

type GraceInfo struct {
	IsInGrace     bool       `json:"isInGrace"`
	GraceUntil    *time.Time `json:"graceUntil"`
	DaysRemaining int        `json:"daysRemaining"`
}

type StatusInfo struct {
	Status    string `json:"status"`
	IsActive  bool   `json:"isActive"`
	IsInGrace bool   `json:"isInGrace"`
	Warning   string `json:"warning,omitempty"`
}

// Rebuilder recomputes a tenant snapshot from subscriptions, plan limits and
// add-ons.
type Rebuilder interface {
	Rebuild(ctx context.Context, orgID snowflake.ID) error
}

type Gate interface {
	// Snapshot reads the cached entitlements, rebuilding once on a miss.
	// It returns nil when the tenant still has no snapshot.
	Snapshot(ctx context.Context, orgID snowflake.ID) (*Snapshot, error)
	CheckGracePeriod(ctx context.Context, orgID snowflake.ID) (GraceInfo, error)
	CanPerformLimitedAction(ctx context.Context, orgID snowflake.ID, kind ResourceKind, usage int64) (Decision, error)
	CanUseFeature(ctx context.Context, orgID snowflake.ID, featureKey string) (Decision, error)
	CheckStatus(ctx context.Context, orgID snowflake.ID) (StatusInfo, error)
	AuditRetentionDays(ctx context.Context, orgID snowflake.ID) (int, error)
}

var ErrInvalidOrganization = errors.New("invalid_organization")
