package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	checkoutdomain "github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	"github.com/smallbiznis/tenantdesk/internal/orgcontext"
)

type entitlementsPlan struct {
	Code   *string `json:"code"`
	Status string  `json:"status"`
}

type entitlementsLimits struct {
	MaxDrivers       int64 `json:"max_drivers"`
	RealtimeTracking bool  `json:"realtime_tracking"`
}

type entitlementsAddons struct {
	ExtraDrivers       int64 `json:"extra_drivers"`
	AuditRetentionDays int   `json:"audit_retention_days"`
	RealtimeTracking   bool  `json:"realtime_tracking"`
}

type entitlementsGrace struct {
	IsInGrace  bool    `json:"isInGrace"`
	GraceUntil *string `json:"graceUntil"`
	GraceDays  int     `json:"graceDays"`
}

type entitlementsResponse struct {
	Plan   entitlementsPlan   `json:"plan"`
	Limits entitlementsLimits `json:"limits"`
	Addons entitlementsAddons `json:"addons"`
	Grace  entitlementsGrace  `json:"grace"`
}

func (s *Server) GetEntitlements(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	snapshot, err := s.gate.Snapshot(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if snapshot == nil {
		AbortWithError(c, ErrEntitlementsNotFound)
		return
	}

	grace, err := s.gate.CheckGracePeriod(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, buildEntitlementsResponse(snapshot, grace, s.billing.Get().GraceDays))
}

func buildEntitlementsResponse(snapshot *entitlementdomain.Snapshot, grace entitlementdomain.GraceInfo, graceDays int) entitlementsResponse {
	maxDrivers, _ := snapshot.NumericLimit(entitlementdomain.ResourceDrivers.LimitKey())
	realtimeLimit, _ := snapshot.Limits[entitlementdomain.FeatureRealtimeTracking].(bool)
	realtimeAddon, _ := snapshot.Addons[entitlementdomain.FeatureRealtimeTracking].(bool)

	retention := entitlementdomain.DefaultAuditRetentionDays
	if snapshot.HasFeature(entitlementdomain.AddonAuditRetention365) {
		retention = entitlementdomain.ExtendedAuditRetentionDays
	}

	resp := entitlementsResponse{
		Plan: entitlementsPlan{
			Code:   snapshot.PlanCode,
			Status: snapshot.Status,
		},
		Limits: entitlementsLimits{
			MaxDrivers:       maxDrivers,
			RealtimeTracking: realtimeLimit,
		},
		Addons: entitlementsAddons{
			ExtraDrivers:       snapshot.AddonQuantity(entitlementdomain.AddonExtraDrivers),
			AuditRetentionDays: retention,
			RealtimeTracking:   realtimeAddon,
		},
		Grace: entitlementsGrace{
			IsInGrace: grace.IsInGrace,
			GraceDays: graceDays,
		},
	}
	if grace.GraceUntil != nil {
		formatted := grace.GraceUntil.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		resp.Grace.GraceUntil = &formatted
	}
	return resp
}

func (s *Server) CreateCheckout(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	var req checkoutdomain.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.PriceID = strings.TrimSpace(req.PriceID)

	resp, err := s.checkoutSvc.CreateCheckout(c.Request.Context(), orgID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) CreatePortal(c *gin.Context) {
	orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	resp, err := s.checkoutSvc.CreatePortal(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
