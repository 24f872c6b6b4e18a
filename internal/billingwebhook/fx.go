package billingwebhook

import (
	"github.com/smallbiznis/tenantdesk/internal/billingwebhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingwebhook.service",
	fx.Provide(service.NewNotifier),
	fx.Provide(service.NewDispatcher),
)
