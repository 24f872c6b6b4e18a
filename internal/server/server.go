package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/tenantdesk/internal/addon"
	"github.com/smallbiznis/tenantdesk/internal/audit"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	"github.com/smallbiznis/tenantdesk/internal/auth"
	authdomain "github.com/smallbiznis/tenantdesk/internal/auth/domain"
	"github.com/smallbiznis/tenantdesk/internal/auth/session"
	"github.com/smallbiznis/tenantdesk/internal/authorization"
	"github.com/smallbiznis/tenantdesk/internal/billingevent"
	billingeventdomain "github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	"github.com/smallbiznis/tenantdesk/internal/billingwebhook"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	"github.com/smallbiznis/tenantdesk/internal/checkout"
	checkoutdomain "github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	"github.com/smallbiznis/tenantdesk/internal/config"
	"github.com/smallbiznis/tenantdesk/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	"github.com/smallbiznis/tenantdesk/internal/observability"
	obslogger "github.com/smallbiznis/tenantdesk/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenantdesk/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tenantdesk/internal/observability/tracing"
	"github.com/smallbiznis/tenantdesk/internal/organization"
	"github.com/smallbiznis/tenantdesk/internal/plan"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	"github.com/smallbiznis/tenantdesk/internal/platform"
	platformdomain "github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"github.com/smallbiznis/tenantdesk/internal/providers/stripe"
	"github.com/smallbiznis/tenantdesk/internal/ratelimit"
	"github.com/smallbiznis/tenantdesk/internal/seed"
	"github.com/smallbiznis/tenantdesk/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Domains wires every billing service without the HTTP surface so the CLI
// can reuse it.
var Domains = fx.Options(
	audit.Module,
	auth.Module,
	authorization.Module,
	ratelimit.Module,
	organization.Module,
	plan.Module,
	addon.Module,
	subscription.Module,
	entitlement.Module,
	billingevent.Module,
	stripe.Module,
	billingwebhook.Module,
	checkout.Module,
	platform.Module,
	seed.Module,
)

var Module = fx.Module("http.server",
	Domains,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(seed.RegisterOnStart),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, s *Server) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine          *gin.Engine
	billing         *config.BillingConfigHolder
	authsvc         authdomain.Service
	sessions        *session.Manager
	authzSvc        authorization.Service
	auditSvc        auditdomain.Service
	dispatcher      billingwebhookdomain.Dispatcher
	gate            entitlementdomain.Gate
	checkoutSvc     checkoutdomain.Service
	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	billingEventSvc billingeventdomain.Service
	platformSvc     platformdomain.Service
	billingLimiter  *ratelimit.BillingLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Billing         *config.BillingConfigHolder
	Authsvc         authdomain.Service
	Sessions        *session.Manager
	AuthzSvc        authorization.Service
	AuditSvc        auditdomain.Service
	Dispatcher      billingwebhookdomain.Dispatcher
	Gate            entitlementdomain.Gate
	CheckoutSvc     checkoutdomain.Service
	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	BillingEventSvc billingeventdomain.Service
	PlatformSvc     platformdomain.Service
	BillingLimiter  *ratelimit.BillingLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		billing:         p.Billing,
		authsvc:         p.Authsvc,
		sessions:        p.Sessions,
		authzSvc:        p.AuthzSvc,
		auditSvc:        p.AuditSvc,
		dispatcher:      p.Dispatcher,
		gate:            p.Gate,
		checkoutSvc:     p.CheckoutSvc,
		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		billingEventSvc: p.BillingEventSvc,
		platformSvc:     p.PlatformSvc,
		billingLimiter:  p.BillingLimiter,
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerPlatformRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	webhooks := s.engine.Group("/webhooks")
	webhooks.POST("/stripe", s.HandleStripeWebhook)
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.AuthRequired())
	api.Use(s.OrgRequired())

	api.GET("/entitlements", s.BillingRateLimit(), s.GetEntitlements)

	billing := api.Group("/billing", s.BillingRateLimit())
	{
		billing.POST("/checkout", s.CreateCheckout)
		billing.POST("/portal", s.CreatePortal)
	}
}

func (s *Server) registerPlatformRoutes() {
	p := s.engine.Group("/platform")
	p.Use(s.AuthRequired())

	// -------- Plans --------
	p.GET("/plans", s.authorizePlatformAction(authorization.ObjectPlan, authorization.ActionView), s.ListPlans)
	p.GET("/plans/:id", s.authorizePlatformAction(authorization.ObjectPlan, authorization.ActionView), s.GetPlan)
	p.PATCH("/plans/:id", s.authorizePlatformAction(authorization.ObjectPlan, authorization.ActionUpdate), s.UpdatePlan)
	p.PUT("/plans/:id/limits", s.authorizePlatformAction(authorization.ObjectPlan, authorization.ActionUpdate), s.UpdatePlanLimits)

	// -------- Tenants --------
	p.GET("/tenants", s.authorizePlatformAction(authorization.ObjectTenant, authorization.ActionView), s.ListTenants)
	p.GET("/tenants/:id/entitlements", s.authorizePlatformAction(authorization.ObjectEntitlement, authorization.ActionView), s.GetTenantEntitlements)
	p.POST("/tenants/:id/entitlements/rebuild", s.authorizePlatformAction(authorization.ObjectEntitlement, authorization.ActionRebuild), s.RebuildTenantEntitlements)

	// -------- Subscriptions --------
	p.GET("/subscriptions", s.authorizePlatformAction(authorization.ObjectSubscription, authorization.ActionView), s.ListSubscriptions)

	// -------- Metrics --------
	p.GET("/metrics", s.authorizePlatformAction(authorization.ObjectMetrics, authorization.ActionView), s.GetPlatformMetrics)

	// -------- Audit --------
	p.GET("/audit", s.authorizePlatformAction(authorization.ObjectAuditLog, authorization.ActionView), s.ListAuditLogs)

	// -------- Billing events --------
	p.GET("/billing-events", s.authorizePlatformAction(authorization.ObjectBillingEvent, authorization.ActionView), s.ListBillingEvents)
	p.POST("/billing-events/:id/replay", s.authorizePlatformAction(authorization.ObjectBillingEvent, authorization.ActionReplay), s.ReplayBillingEvent)
}
