package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/tenantdesk/internal/audit/domain"
	authdomain "github.com/smallbiznis/tenantdesk/internal/auth/domain"
	"github.com/smallbiznis/tenantdesk/internal/authorization"
	billingeventdomain "github.com/smallbiznis/tenantdesk/internal/billingevent/domain"
	billingwebhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	checkoutdomain "github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	entitlementdomain "github.com/smallbiznis/tenantdesk/internal/entitlement/domain"
	orgdomain "github.com/smallbiznis/tenantdesk/internal/organization/domain"
	plandomain "github.com/smallbiznis/tenantdesk/internal/plan/domain"
	platformdomain "github.com/smallbiznis/tenantdesk/internal/platform/domain"
	"github.com/smallbiznis/tenantdesk/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden")
	ErrOrgRequired          = errors.New("organization_required")
	ErrInternal             = errors.New("internal_error")
	ErrNotFound             = errors.New("not_found")
	ErrEntitlementsNotFound = errors.New("entitlements_not_found")
	ErrInvalidRequest       = errors.New("invalid_request")
	ErrRateLimited          = errors.New("rate_limited")
	ErrServiceUnavailable   = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	// Tenant billing errors keep the wording the dashboard already renders.
	switch {
	case errors.Is(err, checkoutdomain.ErrMissingPriceID):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "price_id is required",
			Errors: []ValidationError{
				{Field: "price_id", Code: "required", Message: "price_id is required"},
			},
		}
	case errors.Is(err, checkoutdomain.ErrInvalidPlan):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "Invalid plan",
			Errors: []ValidationError{
				{Field: "price_id", Code: "invalid_plan", Message: "Invalid plan"},
			},
		}
	case errors.Is(err, checkoutdomain.ErrNoActiveSubscription):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "No active subscription found",
		}
	case errors.Is(err, ErrEntitlementsNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "No entitlements found",
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, authdomain.ErrMissingSession),
		errors.Is(err, authdomain.ErrInvalidSession),
		errors.Is(err, authdomain.ErrInvalidSubject),
		errors.Is(err, authdomain.ErrInvalidRole),
		errors.Is(err, authdomain.ErrSessionExpired):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrOrgRequired),
		errors.Is(err, authdomain.ErrNoOrganization):
		return http.StatusForbidden, errorPayload{
			Type:    "organization_required",
			Message: "an active organization is required",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, authdomain.ErrPlatformRequired),
		errors.Is(err, authorization.ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, authdomain.ErrNotConfigured),
		errors.Is(err, ratelimit.ErrLockHeld):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger with the same taxonomy the
// client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError {
		return "server", code
	}
	return "client", code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, plandomain.ErrInvalidID),
		errors.Is(err, plandomain.ErrInvalidCode),
		errors.Is(err, plandomain.ErrInvalidName),
		errors.Is(err, plandomain.ErrInvalidPrice),
		errors.Is(err, plandomain.ErrInvalidLimitKey),
		errors.Is(err, plandomain.ErrInvalidLimitValue),
		errors.Is(err, plandomain.ErrEmptyUpdate),
		errors.Is(err, orgdomain.ErrInvalidOrganization),
		errors.Is(err, orgdomain.ErrInvalidPageToken),
		errors.Is(err, subscriptiondomain.ErrInvalidStatus),
		errors.Is(err, subscriptiondomain.ErrInvalidPageToken),
		errors.Is(err, billingeventdomain.ErrInvalidEvent),
		errors.Is(err, billingeventdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidPageToken),
		errors.Is(err, auditdomain.ErrInvalidTimeRange),
		errors.Is(err, auditdomain.ErrInvalidOrg),
		errors.Is(err, auditdomain.ErrInvalidRetention),
		errors.Is(err, platformdomain.ErrInvalidTenant),
		errors.Is(err, platformdomain.ErrInvalidEvent),
		errors.Is(err, checkoutdomain.ErrInvalidOrganization),
		errors.Is(err, entitlementdomain.ErrInvalidOrganization):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, plandomain.ErrPlanNotFound),
		errors.Is(err, orgdomain.ErrOrganizationMissing),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, billingeventdomain.ErrEventNotFound),
		errors.Is(err, billingwebhookdomain.ErrEventNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	if errors.Is(err, ErrInvalidRequest) {
		return "invalid_request"
	}
	return err.Error()
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "empty_update":
		return "nothing to update"
	default:
		return "invalid value"
	}
}
