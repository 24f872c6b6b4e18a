package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	billingeventdomain "github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	obscontext "github.com/smallbiznis/tenantdesk/internal/observability/context"
	"github.com/smallbiznis/tenantdesk/internal/observability/logger"
	platformdomain "github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"github.com/smallbiznis/tenantdesk/internal/ratelimit"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	jobRetryPendingEvents   = "retry_pending_events"
	jobReconcileEntitlement = "reconcile_entitlements"
	jobPurgeAuditLogs       = "purge_audit_logs"
)

var ErrInvalidConfig = errors.New("scheduler: invalid config")

type Params struct {
	fx.In

	Log             *zap.Logger
	BillingEventSvc billingeventdomain.Service
	Dispatcher      billingwebhookdomain.Dispatcher
	PlatformSvc     platformdomain.Service
	AuditSvc        auditdomain.Service
	Gate            entitlementdomain.Gate
	Clock           clock.Clock
	Config          Config `optional:"true"`
}

// Scheduler replays billing events the provider has stopped redelivering,
// periodically reconciles entitlement snapshots and enforces audit retention.
type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	billingEventSvc billingeventdomain.Service
	dispatcher      billingwebhookdomain.Dispatcher
	platformSvc     platformdomain.Service
	auditSvc        auditdomain.Service
	gate            entitlementdomain.Gate

	mu            sync.Mutex
	lastReconcile time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.BillingEventSvc == nil || p.Dispatcher == nil || p.PlatformSvc == nil || p.AuditSvc == nil || p.Gate == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		billingEventSvc: p.BillingEventSvc,
		dispatcher:      p.Dispatcher,
		platformSvc:     p.PlatformSvc,
		auditSvc:        p.AuditSvc,
		gate:            p.Gate,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, jobRetryPendingEvents, 30*time.Second, s.RetryPendingEventsJob))
	if s.reconcileDue() {
		err = errors.Join(err, s.runJob(parent, jobReconcileEntitlement, 30*time.Minute, s.ReconcileEntitlementsJob))
		err = errors.Join(err, s.runJob(parent, jobPurgeAuditLogs, 10*time.Minute, s.PurgeAuditLogsJob))
	}
	return err
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) (int, error),
) (err error) {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, string(auditdomain.ActorTypeSystem), "scheduler")
	log := logger.WithContext(ctx, s.log).With(zap.String("job", name))

	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduler.job.panic", zap.Any("panic", r))
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()

	log.Debug("scheduler.job.start", zap.Int("batch_size", s.cfg.BatchSize))
	processed, err := fn(ctx)
	fields := []zap.Field{
		zap.Int64("duration_ms", s.clock.Now().Sub(start).Milliseconds()),
		zap.Int("processed_count", processed),
	}
	if err == nil {
		log.Info("scheduler.job.finish", fields...)
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		log.Warn("job timed out", append(fields, zap.Duration("timeout", timeout), zap.Error(err))...)
		return nil
	}
	log.Warn("scheduler.job.finish", append(fields, zap.Error(err))...)
	return fmt.Errorf("%s: %w", name, err)
}

// RetryPendingEventsJob replays unprocessed events older than RetryAfter.
// Dead-lettered events are left for an operator.
func (s *Scheduler) RetryPendingEventsJob(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.RetryAfter)

	due := make([]string, 0, s.cfg.BatchSize)
	token := ""
	for len(due) < s.cfg.BatchSize {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		resp, err := s.billingEventSvc.List(ctx, billingeventdomain.ListEventsRequest{
			Pagination: pagination.Pagination{PageToken: token, PageSize: s.cfg.BatchSize},
			Pending:    true,
		})
		if err != nil {
			return 0, err
		}
		for _, event := range resp.Events {
			if event.DeadLetteredAt != nil || event.ReceivedAt.After(cutoff) {
				continue
			}
			due = append(due, event.EventID)
			if len(due) == s.cfg.BatchSize {
				break
			}
		}
		if !resp.PageInfo.HasMore || resp.PageInfo.NextPageToken == "" {
			break
		}
		token = resp.PageInfo.NextPageToken
	}

	var jobErr error
	processed := 0
	for _, eventID := range due {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := s.dispatcher.Replay(ctx, eventID); err != nil {
			s.log.Warn("pending event retry failed", zap.String("event_id", eventID), zap.Error(err))
			jobErr = errors.Join(jobErr, err)
			continue
		}
		processed++
	}
	return processed, jobErr
}

// ReconcileEntitlementsJob rebuilds every tenant. Another instance holding
// the rebuild lease is not an error.
func (s *Scheduler) ReconcileEntitlementsJob(ctx context.Context) (int, error) {
	report, err := s.platformSvc.RebuildAll(ctx)
	if errors.Is(err, ratelimit.ErrLockHeld) {
		s.log.Info("entitlement reconcile skipped, lease held elsewhere")
		s.markReconciled()
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	s.markReconciled()
	if len(report.Failed) > 0 {
		return report.Rebuilt, fmt.Errorf("%d tenants failed to rebuild", len(report.Failed))
	}
	return report.Rebuilt, nil
}

// PurgeAuditLogsJob trims each tenant's audit trail to the retention its
// entitlements grant.
func (s *Scheduler) PurgeAuditLogsJob(ctx context.Context) (int, error) {
	orgIDs, err := s.auditSvc.ListOrgIDs(ctx)
	if err != nil {
		return 0, err
	}

	var jobErr error
	purged := 0
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			return purged, ctx.Err()
		}
		days, err := s.gate.AuditRetentionDays(ctx, orgID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		deleted, err := s.auditSvc.PurgeExpired(ctx, orgID, days)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		purged += int(deleted)
	}
	return purged, jobErr
}

func (s *Scheduler) reconcileDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReconcile.IsZero() || s.clock.Now().Sub(s.lastReconcile) >= s.cfg.ReconcileEvery
}

func (s *Scheduler) markReconciled() {
	s.mu.Lock()
	s.lastReconcile = s.clock.Now()
	s.mu.Unlock()
}
