package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	"github.com/smallbiznis/tenantdesk/internal/audit/repository"
	"github.com/smallbiznis/tenantdesk/internal/clock"
	obscontext "github.com/smallbiznis/tenantdesk/internal/observability/context"
	"github.com/smallbiznis/tenantdesk/internal/orgcontext"
	"github.com/smallbiznis/tenantdesk/internal/testutil"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (auditdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testutil.OpenDB(t)
	fake := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Repo:  repository.Provide(),
		Clock: fake,
	})
	return svc, db, fake
}

func TestAuditLogResolvesActorFromContext(t *testing.T) {
	svc, db, _ := newTestService(t)

	ctx := orgcontext.WithActor(context.Background(), orgcontext.Actor{UserID: "user-1", PlatformRole: "platform_admin"})
	ctx = obscontext.WithRequestID(ctx, "req-9")
	target := "123"
	if err := svc.AuditLog(ctx, nil, "", nil, "plan_updated", "plan", &target, map[string]any{"field": "name"}); err != nil {
		t.Fatalf("audit log: %v", err)
	}

	var row struct {
		ActorType string
		ActorID   *string
		OrgID     *int64
		Metadata  string
	}
	if err := db.Raw(`SELECT actor_type, actor_id, org_id, metadata FROM audit_logs`).Scan(&row).Error; err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if row.ActorType != string(auditdomain.ActorTypePlatform) {
		t.Fatalf("expected platform actor, got %s", row.ActorType)
	}
	if row.ActorID == nil || *row.ActorID != "user-1" {
		t.Fatalf("expected actor id user-1, got %v", row.ActorID)
	}
	if row.OrgID != nil {
		t.Fatalf("platform audit entries must not carry an org id")
	}
	if row.Metadata == "" {
		t.Fatalf("expected metadata to be stored")
	}
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.AuditLog(context.Background(), nil, "", nil, "  ", "plan", nil, nil); err != auditdomain.ErrInvalidAction {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc, _, fake := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := svc.AuditLog(ctx, nil, "system", nil, "plan_updated", "plan", nil, nil); err != nil {
			t.Fatalf("audit log: %v", err)
		}
		fake.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2}})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.AuditLogs) != 2 || !first.HasMore {
		t.Fatalf("expected first page of 2 with more, got %d has_more=%v", len(first.AuditLogs), first.HasMore)
	}
	if !first.AuditLogs[0].CreatedAt.After(first.AuditLogs[1].CreatedAt) {
		t.Fatalf("expected newest entry first")
	}

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	if err != nil {
		t.Fatalf("list second page: %v", err)
	}
	if len(second.AuditLogs) != 1 || second.HasMore {
		t.Fatalf("expected last page of 1, got %d has_more=%v", len(second.AuditLogs), second.HasMore)
	}
}

func TestListFiltersByOrg(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	orgID := snowflake.ID(77)

	if err := svc.AuditLog(ctx, &orgID, "system", nil, "entitlements_rebuilt", "organization", nil, nil); err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if err := svc.AuditLog(ctx, nil, "system", nil, "plan_updated", "plan", nil, nil); err != nil {
		t.Fatalf("audit log: %v", err)
	}

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{OrgID: &orgID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(resp.AuditLogs) != 1 || resp.AuditLogs[0].Action != "entitlements_rebuilt" {
		t.Fatalf("expected one org scoped entry, got %+v", resp.AuditLogs)
	}
}

func TestListRejectsBadToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "!!"}})
	if err != auditdomain.ErrInvalidPageToken {
		t.Fatalf("expected ErrInvalidPageToken, got %v", err)
	}
}

func TestPurgeExpiredKeepsRecentAndPlatformEntries(t *testing.T) {
	svc, db, fake := newTestService(t)
	ctx := context.Background()
	orgID := snowflake.ID(77)
	otherOrg := snowflake.ID(78)

	if err := svc.AuditLog(ctx, &orgID, "system", nil, "entitlements_rebuilt", "organization", nil, nil); err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if err := svc.AuditLog(ctx, &otherOrg, "system", nil, "entitlements_rebuilt", "organization", nil, nil); err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if err := svc.AuditLog(ctx, nil, "system", nil, "plan_updated", "plan", nil, nil); err != nil {
		t.Fatalf("audit log: %v", err)
	}

	fake.Advance(40 * 24 * time.Hour)
	if err := svc.AuditLog(ctx, &orgID, "system", nil, "billing_event_replayed", "billing_event", nil, nil); err != nil {
		t.Fatalf("audit log: %v", err)
	}

	ids, err := svc.ListOrgIDs(ctx)
	if err != nil {
		t.Fatalf("list org ids: %v", err)
	}
	if len(ids) != 2 || ids[0] != orgID || ids[1] != otherOrg {
		t.Fatalf("unexpected org ids %v", ids)
	}

	deleted, err := svc.PurgeExpired(ctx, orgID, 30)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted, got %d", deleted)
	}

	var remaining int64
	if err := db.Raw(`SELECT COUNT(*) FROM audit_logs`).Scan(&remaining).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected 3 remaining entries, got %d", remaining)
	}

	deleted, err = svc.PurgeExpired(ctx, otherOrg, 365)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("expected extended retention to keep entries, got %d deleted", deleted)
	}
}

func TestPurgeExpiredValidates(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.PurgeExpired(ctx, 0, 30); err != auditdomain.ErrInvalidOrg {
		t.Fatalf("expected ErrInvalidOrg, got %v", err)
	}
	if _, err := svc.PurgeExpired(ctx, 77, 0); err != auditdomain.ErrInvalidRetention {
		t.Fatalf("expected ErrInvalidRetention, got %v", err)
	}
}
