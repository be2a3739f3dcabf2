package servicecost

import (
	"github.com/muselabs/muse/internal/servicecost/repository"
	"github.com/muselabs/muse/internal/servicecost/service"
	"go.uber.org/fx"
)

var Module = fx.Module("servicecost.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
