package entitlement

import (
	"github.com/smallbiznis/tenantdesk/internal/entitlement/repository"
	"github.com/smallbiznis/tenantdesk/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewRebuilder),
	fx.Provide(service.NewGate),
)
