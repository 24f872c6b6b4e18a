package stripe

import (
	webhookdomain "github.com/smallbiznis/tenantdesk/internal/billingwebhook/domain"
	checkoutdomain "github.com/smallbiznis/tenantdesk/internal/checkout/domain"
	subscriptiondomain "github.com/smallbiznis/tenantdesk/internal/subscription/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.stripe",
	fx.Provide(
		NewClient,
		NewVerifier,
		func(c *Client) subscriptiondomain.Source { return c },
		func(c *Client) checkoutdomain.Provider { return c },
		func(v *Verifier) webhookdomain.Verifier { return v },
	),
)
