package stripe

import (
	"strings"

	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
)

// NormalizeStatus folds Stripe's subscription states into the five states
// the projection stores.
func NormalizeStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return subscriptiondomain.StatusActive
	case "trialing":
		return subscriptiondomain.StatusTrialing
	case "past_due", "unpaid":
		return subscriptiondomain.StatusPastDue
	case "canceled", "incomplete_expired":
		return subscriptiondomain.StatusCanceled
	default:
		return subscriptiondomain.StatusIncomplete
	}
}
