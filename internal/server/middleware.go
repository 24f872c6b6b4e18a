package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	obscontext "github.com/smallbiznis/tenantdesk/internal/observability/context"
	"github.com/smallbiznis/tenantdesk/internal/observability/logger"
	"github.com/smallbiznis/tenantdesk/internal/orgcontext"
	"go.uber.org/zap"
)

// AuthRequired resolves the session token and binds the caller to the
// request context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := s.sessions.ReadToken(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		session, err := s.authsvc.Authenticate(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		ctx := orgcontext.WithActor(c.Request.Context(), orgcontext.Actor{
			UserID:       session.UserID,
			PlatformRole: session.PlatformRole,
		})
		actorType := string(auditdomain.ActorTypeUser)
		if session.IsPlatform() {
			actorType = string(auditdomain.ActorTypePlatform)
		}
		ctx = obscontext.WithActor(ctx, actorType, session.UserID)
		if session.HasOrganization() {
			ctx = orgcontext.WithOrgID(ctx, session.OrgID)
			ctx = obscontext.WithOrgID(ctx, session.OrgID.String())
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// OrgRequired rejects sessions that have not selected an organization.
func (s *Server) OrgRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := orgcontext.OrgIDFromContext(c.Request.Context()); !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		c.Next()
	}
}

// authorizePlatformAction checks the casbin policy for the caller's platform
// role. Tenant sessions are denied and audited by the authorization service.
func (s *Server) authorizePlatformAction(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := orgcontext.ActorFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// BillingRateLimit throttles each organization per endpoint.
func (s *Server) BillingRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.billingLimiter == nil || !s.billingLimiter.Enabled() {
			c.Next()
			return
		}

		orgID, ok := orgcontext.OrgIDFromContext(c.Request.Context())
		if !ok {
			AbortWithError(c, ErrOrgRequired)
			return
		}

		endpoint := normalizeRateLimitEndpoint(c)
		result := s.billingLimiter.Allow(c.Request.Context(), orgID.String(), endpoint)
		if result.Limit > 0 {
			c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		}
		if !result.Allowed {
			denyRateLimit(c.Request.Context(), endpoint)
			retryAfter := int(result.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func denyRateLimit(ctx context.Context, endpoint string) {
	logger.FromContext(ctx).Warn("billing rate limit exceeded", zap.String("endpoint", endpoint))
}

func normalizeRateLimitEndpoint(c *gin.Context) string {
	if c == nil {
		return "unknown"
	}
	endpoint := strings.TrimSpace(c.FullPath())
	if endpoint == "" {
		endpoint = strings.TrimSpace(c.Request.URL.Path)
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	return endpoint
}
