package addon

import (
	"github.com/smallbiznis/tenantdesk/internal/addon/repository"
	"github.com/smallbiznis/tenantdesk/internal/addon/service"
	"go.uber.org/fx"
)

var Module = fx.Module("addon.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
