package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	billingeventdomain "github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	platformdomain "github.com/smallbiznis/tenantdesk/internal/platform/domain"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"github.com/smallbiznis/tenantdesk/pkg/db/pagination"
)

func (s *Server) ListPlans(c *gin.Context) {
	plans, err := s.planSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plans})
}

func (s *Server) GetPlan(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	plan, err := s.planSvc.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": plan})
}

func (s *Server) UpdatePlan(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req plandomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	change, err := s.platformSvc.UpdatePlan(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": change.Plan, "rebuild": change.Rebuild})
}

func (s *Server) UpdatePlanLimits(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req map[string]json.RawMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	change, err := s.platformSvc.UpdatePlanLimits(c.Request.Context(), id, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": change.Plan, "rebuild": change.Rebuild})
}

func (s *Server) ListTenants(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Query string `form:"q"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.platformSvc.ListTenants(c.Request.Context(), platformdomain.ListTenantsRequest{
		Pagination: query.Pagination,
		Query:      strings.TrimSpace(query.Query),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Tenants, "page_info": resp.PageInfo})
}

func (s *Server) GetTenantEntitlements(c *gin.Context) {
	orgID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	snapshot, err := s.gate.Snapshot(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if snapshot == nil {
		AbortWithError(c, ErrEntitlementsNotFound)
		return
	}
	status, err := s.gate.CheckStatus(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	retention, err := s.gate.AuditRetentionDays(ctx, orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":                 snapshot,
		"status":               status,
		"audit_retention_days": retention,
	})
}

func (s *Server) RebuildTenantEntitlements(c *gin.Context) {
	orgID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	snapshot, err := s.platformSvc.RebuildTenant(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snapshot})
}

func (s *Server) ListSubscriptions(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Status string `form:"status"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.subscriptionSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		Pagination: query.Pagination,
		Status:     strings.TrimSpace(query.Status),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Subscriptions, "page_info": resp.PageInfo})
}

func (s *Server) GetPlatformMetrics(c *gin.Context) {
	metrics, err := s.platformSvc.Metrics(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": metrics})
}

type listAuditLogsQuery struct {
	pagination.Pagination
	OrgID      string `form:"org_id"`
	Action     string `form:"action"`
	TargetType string `form:"target_type"`
	TargetID   string `form:"target_id"`
	ActorType  string `form:"actor_type"`
	StartAt    string `form:"start_at"`
	EndAt      string `form:"end_at"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startAt, err := parseOptionalTime(query.StartAt)
	if err != nil {
		AbortWithError(c, newValidationError("start_at", "invalid_start_at", "invalid start_at"))
		return
	}
	endAt, err := parseOptionalTime(query.EndAt)
	if err != nil {
		AbortWithError(c, newValidationError("end_at", "invalid_end_at", "invalid end_at"))
		return
	}

	var orgID *snowflake.ID
	if raw := strings.TrimSpace(query.OrgID); raw != "" {
		parsed, err := snowflake.ParseString(raw)
		if err != nil || parsed == 0 {
			AbortWithError(c, newValidationError("org_id", "invalid_org_id", "invalid org_id"))
			return
		}
		orgID = &parsed
	}

	resp, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListAuditLogRequest{
		Pagination: query.Pagination,
		OrgID:      orgID,
		Action:     strings.TrimSpace(query.Action),
		TargetType: strings.TrimSpace(query.TargetType),
		TargetID:   strings.TrimSpace(query.TargetID),
		ActorType:  strings.TrimSpace(query.ActorType),
		StartAt:    startAt,
		EndAt:      endAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.AuditLogs, "page_info": resp.PageInfo})
}

func (s *Server) ListBillingEvents(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Pending string `form:"pending"`
		Type    string `form:"type"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	pending, err := parseOptionalBool(query.Pending)
	if err != nil {
		AbortWithError(c, newValidationError("pending", "invalid_pending", "invalid pending"))
		return
	}

	req := billingeventdomain.ListEventsRequest{
		Pagination: query.Pagination,
		Type:       strings.TrimSpace(query.Type),
	}
	if pending != nil {
		req.Pending = *pending
	}

	resp, err := s.billingEventSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp.Events, "page_info": resp.PageInfo})
}

func (s *Server) ReplayBillingEvent(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("id"))

	result, err := s.platformSvc.ReplayEvent(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"event_id": eventID, "result": result}})
}
