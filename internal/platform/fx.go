package platform

import (
	"github.com/smallbiznis/tenantdesk/internal/platform/repository"
	"github.com/smallbiznis/tenantdesk/internal/platform/service"
	"go.uber.org/fx"
)

var Module = fx.Module("platform.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
