package authorization

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	authdomain "github.com/smallbiznis/tenantdesk/internal/auth/domain"
	"github.com/smallbiznis/tenantdesk/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectPlan         = "plan"
	ObjectTenant       = "tenant"
	ObjectSubscription = "subscription"
	ObjectBillingEvent = "billing_event"
	ObjectAuditLog     = "audit_log"
	ObjectMetrics      = "metrics"
	ObjectEntitlement  = "entitlement"
)

const (
	ActionView    = "view"
	ActionUpdate  = "update"
	ActionReplay  = "replay"
	ActionRebuild = "rebuild"
)

var (
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
	ErrForbidden     = errors.New("forbidden")
)

type Service interface {
	Authorize(ctx context.Context, actor orgcontext.Actor, object string, action string) error
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor orgcontext.Actor, object string, action string) error {
	userID := strings.TrimSpace(actor.UserID)
	if userID == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	role := strings.TrimSpace(actor.PlatformRole)
	if !authdomain.IsPlatformRole(role) {
		s.auditDenied(ctx, auditdomain.ActorTypeUser, userID, object, action)
		return ErrForbidden
	}

	subject := fmt.Sprintf("user:%s", userID)
	if err := s.ensureGrouping(subject, roleName(role)); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.auditDenied(ctx, auditdomain.ActorTypePlatform, userID, object, action)
		return ErrForbidden
	}
	return nil
}

func roleName(role string) string {
	return fmt.Sprintf("role:%s", strings.ToLower(role))
}

// ensureGrouping keeps exactly one role link per subject so a downgraded
// session token loses its old grants.
func (s *ServiceImpl) ensureGrouping(subject string, role string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == role {
			continue
		}
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, role)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType auditdomain.ActorType, userID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := "capability"
	if err := s.auditSvc.AuditLog(ctx, nil, string(actorType), &userID, "authorization.denied", "authorization", &targetID, map[string]any{
		"object":  object,
		"action":  action,
		"subject": fmt.Sprintf("user:%s", userID),
	}); err != nil {
		s.log.Warn("failed to audit authorization denial", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	viewer := []string{
		ObjectPlan,
		ObjectTenant,
		ObjectSubscription,
		ObjectBillingEvent,
		ObjectMetrics,
		ObjectEntitlement,
	}

	policies := [][]string{}
	for _, role := range []string{authdomain.RolePlatformViewer, authdomain.RolePlatformSupport, authdomain.RolePlatformAdmin} {
		for _, object := range viewer {
			policies = append(policies, []string{roleName(role), object, ActionView})
		}
	}

	policies = append(policies,
		// Support can heal tenants but not change the catalog
		[]string{roleName(authdomain.RolePlatformSupport), ObjectBillingEvent, ActionReplay},
		[]string{roleName(authdomain.RolePlatformSupport), ObjectEntitlement, ActionRebuild},

		[]string{roleName(authdomain.RolePlatformAdmin), ObjectBillingEvent, ActionReplay},
		[]string{roleName(authdomain.RolePlatformAdmin), ObjectEntitlement, ActionRebuild},
		[]string{roleName(authdomain.RolePlatformAdmin), ObjectPlan, ActionUpdate},
		[]string{roleName(authdomain.RolePlatformAdmin), ObjectAuditLog, ActionView},
	)

	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
