package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"github.com/smallbiznis/tenantdesk/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyBillingOrg = "ratelimit:billing:%s:%s"

type BillingLimiterParams struct {
	fx.In

	Cfg     config.Config
	Log     *zap.Logger
	Client  *redis.Client    `optional:"true"`
	Metrics *metrics.Metrics `optional:"true"`
}

// BillingLimiter throttles the tenant-facing billing and entitlement API
// per organization and endpoint.
type BillingLimiter struct {
	log     *zap.Logger
	bucket  *TokenBucket
	metrics *metrics.Metrics
	rate    float64
	burst   int
}

func NewBillingLimiter(p BillingLimiterParams) *BillingLimiter {
	return &BillingLimiter{
		log:     p.Log.Named("ratelimit.billing"),
		bucket:  NewTokenBucket(p.Client),
		metrics: p.Metrics,
		rate:    p.Cfg.RateLimit.BillingRate,
		burst:   p.Cfg.RateLimit.BillingBurst,
	}
}

func (l *BillingLimiter) Enabled() bool {
	return l != nil && l.bucket != nil && l.rate > 0 && l.burst > 0
}

// Allow fails open when redis is unset or unreachable.
func (l *BillingLimiter) Allow(ctx context.Context, orgID string, endpoint string) *Result {
	if !l.Enabled() {
		return &Result{Allowed: true}
	}

	key := fmt.Sprintf(keyBillingOrg, strings.TrimSpace(orgID), strings.TrimSpace(endpoint))
	result, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limiter unavailable, allowing request",
			zap.String("endpoint", endpoint),
			zap.Error(err),
		)
		return &Result{Allowed: true}
	}
	if !result.Allowed {
		l.metrics.RecordRateLimitDenied(ctx, endpoint)
	}
	return result
}
